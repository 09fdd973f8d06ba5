package queue

import (
	"net"
	"sync"
	"time"

	"github.com/acpx/acpx/internal/logging"
)

// taskWriteTimeout bounds each frame write so a wedged submitter cannot
// stall the dispatcher.
const taskWriteTimeout = 10 * time.Second

// Task is one queued submit_prompt exchange. Its connection, when
// present, streams event frames and the terminal result back to the
// submitter. A submitter that disconnects mid-turn does not cancel the
// turn; writes to its dead connection are dropped.
type Task struct {
	RequestID string
	Req       Request
	Wait      bool

	mu     sync.Mutex
	conn   net.Conn // nil for wait=false tasks
	dead   bool
	closed bool
}

// newTask binds a request to its submitter connection. Fire-and-forget
// submissions hand over no connection; the server already closed it.
func newTask(req Request, conn net.Conn) *Task {
	return &Task{
		RequestID: req.RequestID,
		Req:       req,
		Wait:      req.WaitForCompletion,
		conn:      conn,
	}
}

// Send writes one frame to the submitter. The first write error marks the
// sink dead and later frames are silently dropped.
func (t *Task) Send(f Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || t.dead || t.closed {
		return
	}
	line, err := EncodeFrame(f)
	if err != nil {
		logging.Queue().Warn("failed to encode frame", "type", f.Type, "error", err)
		return
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(taskWriteTimeout))
	if _, err := t.conn.Write(line); err != nil {
		t.dead = true
		logging.Queue().Debug("submitter connection lost",
			"request_id", t.RequestID,
			"error", err)
	}
}

// SendError reports a failure as the terminal frame.
func (t *Task) SendError(err error) {
	t.Send(errorFrame(t.RequestID, err))
}

// Close releases the submitter connection. Safe to call more than once;
// only the first call closes.
func (t *Task) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
}

// taskQueue is the FIFO the dispatcher drains. Push order is execution
// order; control requests never pass through here.
type taskQueue struct {
	mu     sync.Mutex
	items  []*Task
	closed bool
	wake   chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{wake: make(chan struct{}, 1)}
}

// push appends a task. It reports false once the queue is closed.
func (q *taskQueue) push(t *Task) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, t)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// next pops the oldest task, blocking up to timeout when the queue is
// empty. It returns (nil, true) on timeout and (nil, false) once the
// queue is closed and drained.
func (q *taskQueue) next(timeout time.Duration) (*Task, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			t := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return t, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-q.wake:
		case <-deadline.C:
			return nil, true
		}
	}
}

// close rejects further pushes and returns the tasks still waiting so the
// owner can fail them.
func (q *taskQueue) close() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	rest := q.items
	q.items = nil

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return rest
}

// size reports how many tasks are waiting.
func (q *taskQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
