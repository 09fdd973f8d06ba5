package queue

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/acpx/acpx/internal/errcode"
	"github.com/acpx/acpx/internal/logging"
)

const (
	// dialRetryInterval and dialRetryAttempts pace connection attempts
	// against a live owner whose socket is not up yet (about two seconds
	// in total).
	dialRetryInterval = 50 * time.Millisecond
	dialRetryAttempts = 40

	// submitAttempts bounds the exchange retry loop: a freshly spawned
	// owner or a retryable frame error gets another try, not a spin.
	submitAttempts = 3

	// maxOwnerSpawns bounds how many owners one submission may create.
	maxOwnerSpawns = 2
)

// errNoOwner means no live process holds the session lease.
var errNoOwner = errors.New("no queue owner")

// EventFunc receives each streamed event frame: the submitter-assigned
// request id and the verbatim ACP JSON-RPC object.
type EventFunc func(requestID string, message json.RawMessage)

// SubmitOutcome is the terminal outcome of one exchange. RequestID is
// always set; of the remaining fields exactly one is meaningful, matching
// the request kind.
type SubmitOutcome struct {
	// RequestID is the submitter-assigned id the exchange ran under.
	RequestID string
	// Queued is true when a fire-and-forget submission was acked.
	Queued bool
	// Cancelled reports the cancel_prompt outcome.
	Cancelled *bool
	// Result carries the completed turn for waited submissions.
	Result *SessionSendResult
}

// PromptSubmission is the caller-facing shape of a submit_prompt request.
type PromptSubmission struct {
	Message                   string
	PermissionMode            string
	NonInteractivePermissions string
	TimeoutMs                 int64
	Wait                      bool
}

// Submitter reaches the queue owner for one session, spawning a detached
// owner when none is alive, and runs request exchanges against it.
type Submitter struct {
	queuesDir string
	sessionID string
	payload   OwnerPayload
	onEvent   EventFunc
	log       *slog.Logger
}

// NewSubmitter creates a submitter. The payload seeds any owner this
// submitter has to spawn; its RecordID is the session identity.
func NewSubmitter(queuesDir string, payload OwnerPayload) *Submitter {
	return &Submitter{
		queuesDir: queuesDir,
		sessionID: payload.RecordID,
		payload:   payload,
		log:       logging.Queue(),
	}
}

// OnEvent registers the stream callback for waited submissions.
func (s *Submitter) OnEvent(fn EventFunc) {
	s.onEvent = fn
}

// SubmitPrompt runs one prompt through the queue.
func (s *Submitter) SubmitPrompt(ctx context.Context, p PromptSubmission) (*SubmitOutcome, error) {
	return s.Submit(ctx, Request{
		Type:                      RequestSubmitPrompt,
		RequestID:                 uuid.NewString(),
		Message:                   p.Message,
		PermissionMode:            p.PermissionMode,
		NonInteractivePermissions: p.NonInteractivePermissions,
		TimeoutMs:                 p.TimeoutMs,
		WaitForCompletion:         p.Wait,
	})
}

// CancelPrompt asks the owner to cancel the active turn. It reports false
// when no owner is running: with no owner there is nothing to cancel.
func (s *Submitter) CancelPrompt(ctx context.Context) (bool, error) {
	conn, err := s.connect(ctx)
	if errors.Is(err, errNoOwner) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	out, err := s.exchange(ctx, conn, Request{
		Type:      RequestCancelPrompt,
		RequestID: uuid.NewString(),
	})
	if err != nil {
		return false, err
	}
	return out.Cancelled != nil && *out.Cancelled, nil
}

// SetMode switches the session mode through the owner.
func (s *Submitter) SetMode(ctx context.Context, modeID string, timeoutMs int64) error {
	_, err := s.Submit(ctx, Request{
		Type:      RequestSetMode,
		RequestID: uuid.NewString(),
		ModeID:    modeID,
		TimeoutMs: timeoutMs,
	})
	return err
}

// SetConfigOption adjusts a session config option through the owner.
func (s *Submitter) SetConfigOption(ctx context.Context, configID, value string, timeoutMs int64) error {
	_, err := s.Submit(ctx, Request{
		Type:      RequestSetConfigOption,
		RequestID: uuid.NewString(),
		ConfigID:  configID,
		Value:     value,
		TimeoutMs: timeoutMs,
	})
	return err
}

// Submit runs one request exchange, spawning an owner when none is alive
// and retrying retryable failures with a fresh connection.
func (s *Submitter) Submit(ctx context.Context, req Request) (*SubmitOutcome, error) {
	spawns := 0
	var lastErr error
	for attempt := 0; attempt < submitAttempts; attempt++ {
		conn, err := s.connect(ctx)
		if errors.Is(err, errNoOwner) {
			if spawns >= maxOwnerSpawns {
				return nil, errcode.New(errcode.KindRuntime, errcode.DetailOwnerSpawnFailed,
					"queue owner did not come up").WithOrigin(errcode.OriginQueue)
			}
			spawns++
			if serr := SpawnOwner(ctx, s.queuesDir, s.payload); serr != nil {
				return nil, serr
			}
			attempt--
			continue
		}
		if err != nil {
			return nil, err
		}

		out, err := s.exchange(ctx, conn, req)
		if err == nil {
			out.RequestID = req.RequestID
			return out, nil
		}
		lastErr = err
		var ce *errcode.Error
		if !errors.As(err, &ce) || !ce.Retryable {
			return nil, err
		}
		s.log.Debug("retrying queue exchange",
			"request_id", req.RequestID,
			"attempt", attempt+1,
			"error", err)
	}
	return nil, lastErr
}

// connect finds the live owner and dials its socket. ENOENT and
// ECONNREFUSED are retried briefly: the owner may still be binding, or a
// previous one may just have gone away.
func (s *Submitter) connect(ctx context.Context) (net.Conn, error) {
	rec, err := ReadOwnerRecord(LockPath(s.queuesDir, s.sessionID))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			// Unreadable lease: treat like a dead owner.
			removeStaleArtifacts(s.queuesDir, s.sessionID)
		}
		return nil, errNoOwner
	}
	if !isPIDRunning(rec.PID) {
		s.log.Debug("reaping dead queue owner", "pid", rec.PID)
		removeStaleArtifacts(s.queuesDir, s.sessionID)
		return nil, errNoOwner
	}

	limiter := rate.NewLimiter(rate.Every(dialRetryInterval), 1)
	dialer := net.Dialer{Timeout: time.Second}
	var lastErr error
	for attempt := 0; attempt < dialRetryAttempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil, interruptedErr(ctx, err)
		}
		conn, err := dialer.DialContext(ctx, "unix", rec.SocketPath)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if !retryableDialError(err) {
			return nil, fmt.Errorf("failed to dial queue socket: %w", err)
		}
		if !isPIDRunning(rec.PID) {
			s.log.Debug("queue owner died while dialing", "pid", rec.PID)
			removeStaleArtifacts(s.queuesDir, s.sessionID)
			return nil, errNoOwner
		}
	}
	return nil, errcode.Wrap(errcode.KindRuntime, errcode.DetailQueueDisconnectedBeforeAck,
		fmt.Errorf("queue owner is not accepting connections: %w", lastErr)).
		WithOrigin(errcode.OriginQueue).Retry()
}

func retryableDialError(err error) bool {
	return errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED)
}

// exchange sends the request line and reduces the frame stream to one
// outcome. The connection is always closed before returning.
func (s *Submitter) exchange(ctx context.Context, conn net.Conn, req Request) (*SubmitOutcome, error) {
	defer conn.Close()

	// Cancelling the context unblocks any pending read.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return nil, errcode.Wrap(errcode.KindRuntime, errcode.DetailQueueDisconnectedBeforeAck, err).
			WithOrigin(errcode.OriginQueue).Retry()
	}

	reader := bufio.NewReader(conn)
	acked := false
	for {
		raw, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(raw)) == 0 {
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return nil, interruptedErr(ctx, ctx.Err())
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ECONNRESET) {
				return s.closedOutcome(req, acked)
			}
			return nil, fmt.Errorf("failed to read queue frame: %w", err)
		}

		frame, derr := DecodeFrame(bytes.TrimSpace(raw))
		if derr != nil {
			return nil, errcode.Wrap(errcode.KindRuntime, errcode.DetailQueueProtocolFrameInvalid, derr).
				WithOrigin(errcode.OriginQueue).Retry()
		}

		switch frame.Type {
		case FrameAccepted:
			if frame.RequestID != req.RequestID {
				return nil, frameMismatchErr(req.RequestID, frame.RequestID)
			}
			acked = true
			if req.Type == RequestSubmitPrompt && !req.WaitForCompletion {
				return &SubmitOutcome{Queued: true}, nil
			}

		case FrameEvent:
			if s.onEvent != nil {
				s.onEvent(frame.RequestID, frame.Message)
			}

		case FrameError:
			// Error frames are valid before the ack: the owner rejects
			// malformed requests without acking them.
			return nil, frame.Err()

		case FrameResult:
			if !acked || frame.Result == nil {
				return nil, protocolErr("result frame without ack")
			}
			return &SubmitOutcome{Result: frame.Result}, nil

		case FrameCancelResult:
			if !acked || frame.Cancelled == nil {
				return nil, protocolErr("cancel_result frame without ack")
			}
			return &SubmitOutcome{Cancelled: frame.Cancelled}, nil

		case FrameSetModeResult, FrameSetConfigOptionResult:
			if !acked {
				return nil, protocolErr("control result frame without ack")
			}
			return &SubmitOutcome{}, nil

		default:
			return nil, protocolErr(fmt.Sprintf("unknown frame type %q", frame.Type))
		}
	}
}

// closedOutcome classifies a socket that closed without a terminal frame.
func (s *Submitter) closedOutcome(req Request, acked bool) (*SubmitOutcome, error) {
	if !acked {
		return nil, errcode.New(errcode.KindRuntime, errcode.DetailQueueDisconnectedBeforeAck,
			"queue owner disconnected before acknowledging the request").
			WithOrigin(errcode.OriginQueue).Retry()
	}
	if req.Type == RequestSubmitPrompt && !req.WaitForCompletion {
		// Ack plus close is the whole protocol for fire-and-forget.
		return &SubmitOutcome{Queued: true}, nil
	}
	return nil, errcode.New(errcode.KindRuntime, errcode.DetailQueueDisconnectedBeforeDone,
		"queue owner disconnected before the request completed").
		WithOrigin(errcode.OriginQueue)
}

func protocolErr(msg string) *errcode.Error {
	return errcode.New(errcode.KindRuntime, errcode.DetailQueueProtocolFrameInvalid, msg).
		WithOrigin(errcode.OriginQueue).Retry()
}

func frameMismatchErr(want, got string) *errcode.Error {
	return protocolErr(fmt.Sprintf("frame for request %q while waiting on %q", got, want))
}

// interruptedErr distinguishes a deliberate interrupt from a deadline.
func interruptedErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errcode.Wrap(errcode.KindTimeout, errcode.DetailPromptTimeout, err).
			WithOrigin(errcode.OriginQueue).Retry()
	}
	return errcode.Wrap(errcode.KindInterrupted, errcode.DetailInterrupted, err).
		WithOrigin(errcode.OriginQueue)
}
