package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/acp-go-sdk"

	"github.com/acpx/acpx/internal/logging"
	"github.com/acpx/acpx/internal/session"
)

// drainPollInterval is how often Drain re-checks the counters.
const drainPollInterval = 20 * time.Millisecond

// FrameSink receives recorded JSON-RPC frames as they happen, for live
// streaming to whoever is watching the turn.
type FrameSink func(frame []byte)

// Serializer funnels session/update notifications into the event log one
// at a time, in arrival order. It keeps two counters: observed is bumped
// the moment a notification arrives, processed after it has been appended
// and forwarded. Drain compares them to detect quiescence, which is how
// the turn path knows a replay or a post-prompt tail has settled.
type Serializer struct {
	rec *session.Recorder
	log *slog.Logger

	observed  atomic.Int64
	processed atomic.Int64
	replaying atomic.Bool

	mu   sync.Mutex
	sink FrameSink
}

// NewSerializer creates a serializer writing to the given recorder.
func NewSerializer(rec *session.Recorder) *Serializer {
	return &Serializer{
		rec: rec,
		log: logging.ACP(),
	}
}

// SetSink registers the live frame consumer for the current turn. A nil
// sink disables forwarding.
func (s *Serializer) SetSink(sink FrameSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// BeginReplay suppresses appending and forwarding while an agent replays
// history during session/load. Replayed updates are already in the event
// log; only the counters move so Drain can still see them settle.
func (s *Serializer) BeginReplay() {
	s.replaying.Store(true)
}

// EndReplay restores normal processing.
func (s *Serializer) EndReplay() {
	s.replaying.Store(false)
}

// HandleUpdate processes one session/update notification. It never
// returns an error to the agent: a full disk must not abort a turn, so
// append failures are captured in the record metadata instead.
func (s *Serializer) HandleUpdate(ctx context.Context, n acp.SessionNotification) error {
	s.observed.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.processed.Add(1)

	if s.replaying.Load() {
		return nil
	}

	frame, err := notificationFrame("session/update", n)
	if err != nil {
		s.log.Warn("failed to encode session update", "error", err)
		return nil
	}
	s.rec.AppendFrames([][]byte{frame}, false)
	if s.sink != nil {
		s.sink(frame)
	}
	return nil
}

// RecordFrame appends a frame synthesized by the turn path (the outgoing
// prompt request, its response, cancellations) and forwards it to the
// sink, serialized with in-flight updates.
func (s *Serializer) RecordFrame(frame []byte, checkpoint bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rec.AppendFrames([][]byte{frame}, checkpoint)
	if s.sink != nil {
		s.sink(frame)
	}
}

// Observed returns how many updates have arrived.
func (s *Serializer) Observed() int64 {
	return s.observed.Load()
}

// Processed returns how many updates have been fully handled.
func (s *Serializer) Processed() int64 {
	return s.processed.Load()
}

// Drain blocks until no new update has arrived for idle and every
// observed update has been processed, or until timeout elapses. The
// counters are polled; updates arrive from the agent's own pacing so
// there is nothing to wake on.
func (s *Serializer) Drain(ctx context.Context, idle, timeout time.Duration) error {
	deadline := time.Now().Add(max(idle, timeout))
	lastObserved := s.observed.Load()
	quietSince := time.Now()

	for {
		obs := s.observed.Load()
		if obs != lastObserved {
			lastObserved = obs
			quietSince = time.Now()
		}
		if obs == s.processed.Load() && time.Since(quietSince) >= idle {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("session updates still in flight after %s (observed %d, processed %d)",
				timeout, obs, s.processed.Load())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(drainPollInterval):
		}
	}
}

// requestFrame builds a JSON-RPC request frame for the event log.
func requestFrame(id int64, method string, params any) ([]byte, error) {
	return json.Marshal(struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int64  `json:"id"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}{"2.0", id, method, params})
}

// responseFrame builds a JSON-RPC response frame for the event log.
func responseFrame(id int64, result any) ([]byte, error) {
	return json.Marshal(struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int64  `json:"id"`
		Result  any    `json:"result"`
	}{"2.0", id, result})
}

// notificationFrame builds a JSON-RPC notification frame for the event log.
func notificationFrame(method string, params any) ([]byte, error) {
	return json.Marshal(struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}{"2.0", method, params})
}
