package session

import (
	"sync"
	"time"

	"github.com/acpx/acpx/internal/logging"
)

// Recorder owns the in-memory copy of one session record and appends
// frames to its event log. Event log failures never propagate to the
// caller: a prompt turn must not fail because the disk is full, so write
// errors are captured in the record's event_log metadata and logged.
type Recorder struct {
	store *Store
	log   *EventLog

	mu  sync.Mutex
	rec *SessionRecord
}

// NewRecorder wraps an already-loaded record.
func NewRecorder(store *Store, rec *SessionRecord) *Recorder {
	r := &Recorder{
		store: store,
		log:   store.EventLog(rec.RecordID),
		rec:   rec,
	}
	if rec.EventLog.MaxSegmentBytes > 0 || rec.EventLog.MaxSegments > 0 {
		r.log.SetRotation(rec.EventLog.MaxSegmentBytes, rec.EventLog.MaxSegments)
	}
	return r
}

// RecordID returns the id of the wrapped record.
func (r *Recorder) RecordID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec.RecordID
}

// Snapshot returns a copy of the current record state.
func (r *Recorder) Snapshot() SessionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.rec
}

// Update mutates the record under the recorder lock and saves it.
func (r *Recorder) Update(fn func(*SessionRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.rec)
	return r.store.Save(r.rec)
}

// AppendFrames writes a batch of verbatim JSON-RPC frames to the event
// log and updates the record's bookkeeping. When checkpoint is true the
// record is saved to disk afterwards; the record is always saved when
// the append failed so the failure is visible in `sessions show`.
func (r *Recorder) AppendFrames(frames [][]byte, checkpoint bool) {
	if len(frames) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	log := logging.Session()
	res, err := r.log.Append(frames)

	now := time.Now().UTC()
	r.rec.LastUsedAt = now
	r.rec.EventLog.ActivePath = r.log.ActivePath()
	r.rec.EventLog.SegmentCount = res.SegmentCount
	if r.rec.EventLog.MaxSegmentBytes == 0 {
		r.rec.EventLog.MaxSegmentBytes = DefaultMaxSegmentBytes
	}
	if r.rec.EventLog.MaxSegments == 0 {
		r.rec.EventLog.MaxSegments = DefaultMaxSegments
	}

	if err != nil {
		r.rec.EventLog.LastWriteError = err.Error()
		log.Warn("event log append failed",
			"record_id", r.rec.RecordID,
			"frames", len(frames),
			"error", err)
		if saveErr := r.store.Save(r.rec); saveErr != nil {
			log.Warn("failed to checkpoint record after event log failure",
				"record_id", r.rec.RecordID,
				"error", saveErr)
		}
		return
	}

	r.rec.LastSeq += int64(res.Appended)
	if res.LastRequestID > r.rec.LastRequestID {
		r.rec.LastRequestID = res.LastRequestID
	}
	r.rec.EventLog.LastWriteAt = &now
	r.rec.EventLog.LastWriteError = ""

	log.Debug("frames appended",
		"record_id", r.rec.RecordID,
		"frames", res.Appended,
		"last_seq", r.rec.LastSeq,
		"rotated", res.Rotated)

	if checkpoint {
		if saveErr := r.store.Save(r.rec); saveErr != nil {
			log.Warn("failed to checkpoint record",
				"record_id", r.rec.RecordID,
				"error", saveErr)
		}
	}
}

// Checkpoint saves the current record state to disk.
func (r *Recorder) Checkpoint() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Save(r.rec)
}

// NextRequestID returns the JSON-RPC id to seed a new connection with so
// that ids keep increasing across agent restarts within one record.
func (r *Recorder) NextRequestID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec.LastRequestID + 1
}

// ListEvents replays recorded frames with seq > afterSeq.
func (r *Recorder) ListEvents(afterSeq int64) ([]Frame, error) {
	r.mu.Lock()
	lastSeq := r.rec.LastSeq
	r.mu.Unlock()
	return r.log.List(lastSeq, afterSeq)
}
