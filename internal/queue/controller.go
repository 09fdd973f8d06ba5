package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/acpx/acpx/internal/acp"
	"github.com/acpx/acpx/internal/errcode"
	"github.com/acpx/acpx/internal/logging"
	"github.com/acpx/acpx/internal/session"
)

// State of the turn lifecycle. One owner runs at most one prompt turn at
// a time; the state machine is what enforces it.
type State string

const (
	// StateIdle: no turn in progress.
	StateIdle State = "idle"
	// StateStarting: a turn was dequeued; the agent or session is being
	// brought up and session/prompt has not been issued yet.
	StateStarting State = "starting"
	// StateActive: session/prompt is in flight.
	StateActive State = "active"
	// StateClosing: the owner is shutting down. Terminal.
	StateClosing State = "closing"
)

const (
	// DefaultIdleTTL is how long the dispatcher waits for work before the
	// owner retires.
	DefaultIdleTTL = 90 * time.Second

	// promptDrainIdle and promptDrainTimeout bound the serializer drain
	// after a prompt response, so late updates still reach the event log
	// and the submitter before the result frame.
	promptDrainIdle    = 50 * time.Millisecond
	promptDrainTimeout = 2 * time.Second

	// deferredCancelWait bounds how long a latched cancel waits for the
	// prompt RPC to become visible before giving up.
	deferredCancelWait = 2 * time.Second

	// fallbackControlTimeout bounds fallback control clients when the
	// submitter supplied no deadline. A fallback spawns an agent; it must
	// never be able to wedge owner shutdown.
	fallbackControlTimeout = 60 * time.Second
)

// Controller runs the per-session turn lifecycle: it drains the task
// queue in FIFO order, drives the supervisor through each prompt turn and
// applies control requests against the live session. Control requests
// arrive on connection goroutines and never pass through the queue.
type Controller struct {
	queue   *taskQueue
	sup     *acp.Supervisor
	ser     *acp.Serializer
	rec     *session.Recorder
	opts    acp.SupervisorOptions
	idleTTL time.Duration
	log     *slog.Logger

	mu            sync.Mutex
	state         State
	pendingCancel bool
}

// NewController wires the dispatcher around an existing supervisor. The
// supervisor options are kept for fallback control clients.
func NewController(sup *acp.Supervisor, ser *acp.Serializer, rec *session.Recorder, opts acp.SupervisorOptions, idleTTL time.Duration) *Controller {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &Controller{
		queue:   newTaskQueue(),
		sup:     sup,
		ser:     ser,
		rec:     rec,
		opts:    opts,
		idleTTL: idleTTL,
		state:   StateIdle,
		log:     logging.Queue(),
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Enqueue adds a submit task. It reports false once the owner is closing.
func (c *Controller) Enqueue(t *Task) bool {
	if c.State() == StateClosing {
		return false
	}
	ok := c.queue.push(t)
	if ok {
		c.log.Debug("prompt queued", "request_id", t.RequestID, "depth", c.queue.size())
	}
	return ok
}

// BeginTurn moves idle to starting.
func (c *Controller) BeginTurn() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateClosing:
		return closingError()
	case StateIdle:
		c.state = StateStarting
		return nil
	}
	return errcode.Newf(errcode.KindRuntime, errcode.DetailQueueRequestInvalid,
		"cannot begin a turn in state %s", c.state)
}

// MarkPromptActive moves starting to active and reports whether a cancel
// was latched while the turn was starting.
func (c *Controller) MarkPromptActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStarting || c.state == StateActive {
		c.state = StateActive
	}
	return c.pendingCancel
}

// EndTurn returns to idle and drops any unconsumed cancel latch. Closing
// is terminal and sticks.
func (c *Controller) EndTurn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosing {
		c.state = StateIdle
	}
	c.pendingCancel = false
}

// BeginClosing makes the state machine terminal. Control requests after
// this point are rejected.
func (c *Controller) BeginClosing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateClosing
}

// closingError ends an exchange during owner shutdown. It is retryable:
// the submitter's respawn path brings up a fresh owner.
func closingError() *errcode.Error {
	return errcode.New(errcode.KindRuntime, errcode.DetailQueueOwnerClosing,
		"Queue owner is closing").WithOrigin(errcode.OriginQueue).Retry()
}

// Run drains the queue until the idle TTL elapses with no work or the
// queue is closed. It reports whether the stop was idleness.
func (c *Controller) Run() (idle bool) {
	for {
		task, ok := c.queue.next(c.idleTTL)
		if !ok {
			return false
		}
		if task == nil {
			if c.State() == StateClosing {
				return false
			}
			c.log.Info("queue idle, retiring", "ttl", c.idleTTL)
			return true
		}
		c.runSubmit(task)
	}
}

// runSubmit executes one prompt turn end to end: state transitions, agent
// and session bring-up, the prompt RPC, the post-turn drain and the
// terminal frame.
func (c *Controller) runSubmit(task *Task) {
	defer task.Close()

	mode, err := acp.ParsePermissionMode(task.Req.PermissionMode)
	if err != nil {
		task.SendError(errcode.Wrap(errcode.KindUsage, errcode.DetailQueueRequestInvalid, err))
		return
	}
	policy, err := acp.ParseNonInteractivePolicy(task.Req.NonInteractivePermissions)
	if err != nil {
		task.SendError(errcode.Wrap(errcode.KindUsage, errcode.DetailQueueRequestInvalid, err))
		return
	}

	if err := c.BeginTurn(); err != nil {
		task.SendError(err)
		return
	}
	defer c.EndTurn()

	ctx := context.Background()
	if task.Req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(task.Req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	// Frames recorded during this turn stream to the submitter. For
	// fire-and-forget tasks Send is a no-op.
	c.ser.SetSink(func(frame []byte) { task.Send(eventFrame(task.RequestID, frame)) })
	defer c.ser.SetSink(nil)

	log := logging.WithRequest(c.log, task.RequestID, "submit_prompt")
	log.Info("turn starting", "wait", task.Wait, "prompt", session.PromptPreview(task.Req.Message))

	if err := c.sup.EnsureRunning(ctx); err != nil {
		task.SendError(c.timeoutOrErr(ctx, err))
		return
	}
	if err := c.sup.EnsureSession(ctx); err != nil {
		task.SendError(c.timeoutOrErr(ctx, err))
		return
	}

	if c.MarkPromptActive() {
		log.Info("applying cancel latched during startup")
		go c.applyDeferredCancel()
	}

	res, err := c.sup.Prompt(ctx, task.Req.Message, mode, policy)
	if err != nil {
		task.SendError(err)
		return
	}

	// Let stragglers reach the log and the submitter before the result.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), promptDrainTimeout)
	if derr := c.ser.Drain(drainCtx, promptDrainIdle, promptDrainTimeout); derr != nil {
		log.Warn("update drain after prompt incomplete", "error", derr)
	}
	drainCancel()

	snapshot := c.rec.Snapshot()
	result := SessionSendResult{
		StopReason:      string(res.StopReason),
		RequestID:       task.RequestID,
		SessionID:       snapshot.RecordID,
		PermissionStats: res.Stats,
		Record:          &snapshot,
	}
	c.EndTurn()
	task.Send(resultFrame(task.RequestID, result))
	log.Info("turn finished", "stop_reason", res.StopReason)
}

// timeoutOrErr reports the turn deadline as a timeout instead of whatever
// context fallout the bring-up path surfaced.
func (c *Controller) timeoutOrErr(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errcode.Wrap(errcode.KindTimeout, errcode.DetailPromptTimeout, err).
			WithOrigin(errcode.OriginQueue).Retry()
	}
	return err
}

// applyDeferredCancel waits for the prompt RPC to be observable and sends
// session/cancel. The turn still completes through the prompt response,
// with stop reason cancelled.
func (c *Controller) applyDeferredCancel() {
	deadline := time.Now().Add(deferredCancelWait)
	for !c.sup.HasActivePrompt() {
		if time.Now().After(deadline) {
			c.log.Warn("latched cancel expired before the prompt became active")
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.sup.Cancel(ctx); err != nil {
		c.log.Warn("deferred cancel failed", "error", err)
	}
}

// Cancel applies a cancel_prompt request. An active prompt is cancelled
// on the live session; a turn still starting latches the cancel; with no
// turn at all the request reports cancelled=false.
func (c *Controller) Cancel(ctx context.Context) (bool, error) {
	switch c.State() {
	case StateClosing:
		return false, closingError()
	case StateActive:
		if c.sup.HasActivePrompt() {
			if err := c.sup.Cancel(ctx); err == nil {
				c.clearPendingCancel()
				return true, nil
			}
			// The live cancel failed (agent died under us); latch so the
			// intent survives into the turn's teardown.
		}
		c.latchPendingCancel()
		return true, nil
	case StateStarting:
		c.latchPendingCancel()
		return true, nil
	}
	return false, nil
}

func (c *Controller) latchPendingCancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosing {
		c.pendingCancel = true
	}
}

func (c *Controller) clearPendingCancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingCancel = false
}

// SetMode switches the session mode, on the live connection when the
// supervisor has one, otherwise through a short-lived fallback client.
func (c *Controller) SetMode(ctx context.Context, modeID string, timeoutMs int64) error {
	if c.State() == StateClosing {
		return closingError()
	}
	d := time.Duration(timeoutMs) * time.Millisecond
	if c.sup.SessionReady() {
		return withControlTimeout(ctx, d, func(ctx context.Context) error {
			return c.sup.SetMode(ctx, modeID)
		})
	}
	return c.fallbackControl(ctx, d, func(ctx context.Context, f *acp.Supervisor) error {
		return f.SetMode(ctx, modeID)
	})
}

// SetConfigOption adjusts a session config option, routed like SetMode.
func (c *Controller) SetConfigOption(ctx context.Context, configID, value string, timeoutMs int64) error {
	if c.State() == StateClosing {
		return closingError()
	}
	d := time.Duration(timeoutMs) * time.Millisecond
	if c.sup.SessionReady() {
		return withControlTimeout(ctx, d, func(ctx context.Context) error {
			return c.sup.SetConfigOption(ctx, configID, value)
		})
	}
	return c.fallbackControl(ctx, d, func(ctx context.Context, f *acp.Supervisor) error {
		return f.SetConfigOption(ctx, configID, value)
	})
}

// fallbackControl serves a control request with no live session: spawn,
// initialize, load the session, issue the call, tear down.
func (c *Controller) fallbackControl(ctx context.Context, d time.Duration, fn func(context.Context, *acp.Supervisor) error) error {
	if d <= 0 {
		d = fallbackControlTimeout
	}
	c.log.Debug("control request via fallback client", "timeout", d)
	f := acp.NewSupervisor(c.rec, acp.NewSerializer(c.rec), c.opts)
	defer f.Close()
	return withControlTimeout(ctx, d, func(ctx context.Context) error {
		if err := f.EnsureRunning(ctx); err != nil {
			return err
		}
		if err := f.EnsureSession(ctx); err != nil {
			return err
		}
		return fn(ctx, f)
	})
}

// withControlTimeout bounds a control call when the submitter supplied a
// deadline. Elapsing is a retryable timeout.
func withControlTimeout(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	if d <= 0 {
		return fn(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	err := fn(tctx)
	if err != nil && tctx.Err() == context.DeadlineExceeded {
		return errcode.Wrap(errcode.KindTimeout, errcode.DetailQueueControlRequestFailed, err).
			WithOrigin(errcode.OriginQueue).Retry()
	}
	return err
}

// closeQueue rejects further submissions and fails whatever is waiting.
func (c *Controller) closeQueue() {
	for _, t := range c.queue.close() {
		t.SendError(closingError())
		t.Close()
	}
}

// QueueDepth reports how many submissions are waiting.
func (c *Controller) QueueDepth() int {
	return c.queue.size()
}
