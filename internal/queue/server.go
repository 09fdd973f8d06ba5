package queue

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/acpx/acpx/internal/errcode"
	"github.com/acpx/acpx/internal/logging"
)

// requestReadTimeout bounds how long a connection may sit without
// delivering its one request line.
const requestReadTimeout = 30 * time.Second

// Server accepts submitter connections on the owner's socket. Each
// connection carries one newline-terminated JSON request; control
// requests are answered on the connection goroutine, submissions are
// handed to the controller's queue.
type Server struct {
	ln  net.Listener
	ctl *Controller
	log *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewServer wraps an already bound listener.
func NewServer(ln net.Listener, ctl *Controller) *Server {
	return &Server{ln: ln, ctl: ctl, log: logging.Queue()}
}

// Serve accepts connections until the listener closes.
func (s *Server) Serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.isClosed() {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Close stops accepting and waits for in-flight request readers. Tasks
// already handed to the dispatcher keep their connections; the controller
// closes those.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.ln.Close()
	s.wg.Wait()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// handleConn reads the request line, acks it and routes it. For waited
// submissions the connection's ownership moves to the task; every other
// path closes the connection here.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	_ = conn.SetReadDeadline(time.Now().Add(requestReadTimeout))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.log.Debug("rejecting unparseable request", "error", err)
		writeFrame(conn, errorFrame("", errcode.Wrap(errcode.KindRuntime, errcode.DetailQueueRequestPayloadInvalid, err).
			WithOrigin(errcode.OriginQueue)))
		_ = conn.Close()
		return
	}
	if err := req.Validate(); err != nil {
		s.log.Debug("rejecting invalid request", "type", req.Type, "error", err)
		writeFrame(conn, errorFrame(req.RequestID, errcode.Wrap(errcode.KindRuntime, errcode.DetailQueueRequestInvalid, err).
			WithOrigin(errcode.OriginQueue)))
		_ = conn.Close()
		return
	}

	writeFrame(conn, acceptedFrame(req.RequestID))
	ctx := context.Background()

	switch req.Type {
	case RequestSubmitPrompt:
		if req.WaitForCompletion {
			task := newTask(req, conn)
			if !s.ctl.Enqueue(task) {
				task.SendError(closingError())
				task.Close()
			}
			return
		}
		task := newTask(req, nil)
		if !s.ctl.Enqueue(task) {
			writeFrame(conn, errorFrame(req.RequestID, closingError()))
		}
		_ = conn.Close()

	case RequestCancelPrompt:
		cancelled, err := s.ctl.Cancel(ctx)
		if err != nil {
			writeFrame(conn, errorFrame(req.RequestID, err))
		} else {
			writeFrame(conn, cancelResultFrame(req.RequestID, cancelled))
		}
		_ = conn.Close()

	case RequestSetMode:
		if err := s.ctl.SetMode(ctx, req.ModeID, req.TimeoutMs); err != nil {
			writeFrame(conn, errorFrame(req.RequestID, err))
		} else {
			writeFrame(conn, Frame{Type: FrameSetModeResult, RequestID: req.RequestID})
		}
		_ = conn.Close()

	case RequestSetConfigOption:
		if err := s.ctl.SetConfigOption(ctx, req.ConfigID, req.Value, req.TimeoutMs); err != nil {
			writeFrame(conn, errorFrame(req.RequestID, err))
		} else {
			writeFrame(conn, Frame{Type: FrameSetConfigOptionResult, RequestID: req.RequestID})
		}
		_ = conn.Close()
	}
}

// writeFrame writes one frame, best effort. The submitter side treats a
// vanished peer by its own rules; the owner just moves on.
func writeFrame(conn net.Conn, f Frame) {
	line, err := EncodeFrame(f)
	if err != nil {
		logging.Queue().Warn("failed to encode frame", "type", f.Type, "error", err)
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(taskWriteTimeout))
	_, _ = conn.Write(line)
}
