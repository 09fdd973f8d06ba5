package queue

import (
	"bufio"
	"encoding/json"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/acpx/acpx/internal/acp"
	"github.com/acpx/acpx/internal/errcode"
	"github.com/acpx/acpx/internal/session"
)

// serverHarness is a full owner stack listening on a unix socket. The
// record's agent command points at a binary that does not exist, so every
// path that reaches the agent fails fast with a spawn error; the wire
// behavior up to that point is what these tests pin down.
type serverHarness struct {
	socketPath string
	ctl        *Controller
}

func newServerHarness(t *testing.T) *serverHarness {
	t.Helper()
	dir := t.TempDir()

	store, err := session.NewStore(filepath.Join(dir, "sessions"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	rec := session.NewRecord(session.Scope{
		AgentCommand: filepath.Join(dir, "no-such-agent") + " --acp",
		Cwd:          dir,
		Name:         "qtest",
	})
	if err := store.Save(rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	recorder := session.NewRecorder(store, rec)

	var opts acp.SupervisorOptions
	ser := acp.NewSerializer(recorder)
	sup := acp.NewSupervisor(recorder, ser, opts)
	ctl := NewController(sup, ser, recorder, opts, 30*time.Second)

	socketPath := filepath.Join(dir, "owner.sock")
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	srv := NewServer(ln, ctl)
	go srv.Serve()

	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		ctl.Run()
	}()

	t.Cleanup(func() {
		ctl.BeginClosing()
		srv.Close()
		ctl.closeQueue()
		sup.Close()
		select {
		case <-dispatcherDone:
		case <-time.After(5 * time.Second):
			t.Error("dispatcher did not stop")
		}
	})
	return &serverHarness{socketPath: socketPath, ctl: ctl}
}

// dial connects to the harness socket with a test-wide deadline.
func (h *serverHarness) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", h.socketPath)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	return conn
}

func sendRequest(t *testing.T, conn net.Conn, req Request) {
	t.Helper()
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
}

func readWireFrame(t *testing.T, r *bufio.Reader) Frame {
	t.Helper()
	line, err := r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read frame failed: %v", err)
	}
	frame, err := DecodeFrame(line[:len(line)-1])
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	return frame
}

func expectEOF(t *testing.T, r *bufio.Reader) {
	t.Helper()
	if line, err := r.ReadBytes('\n'); err != io.EOF {
		t.Fatalf("expected EOF, got line %q err %v", line, err)
	}
}

func TestServerRejectsMalformedPayload(t *testing.T) {
	h := newServerHarness(t)
	conn := h.dial(t)
	defer conn.Close()

	if _, err := conn.Write([]byte("this is not json\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	r := bufio.NewReader(conn)
	frame := readWireFrame(t, r)
	if frame.Type != FrameError {
		t.Fatalf("frame type = %s, want error without ack", frame.Type)
	}
	if frame.RequestID != "" {
		t.Errorf("RequestID = %q, want empty (no id could be parsed)", frame.RequestID)
	}
	if frame.DetailCode != errcode.DetailQueueRequestPayloadInvalid {
		t.Errorf("DetailCode = %s, want %s", frame.DetailCode, errcode.DetailQueueRequestPayloadInvalid)
	}
	expectEOF(t, r)
}

func TestServerRejectsInvalidRequest(t *testing.T) {
	h := newServerHarness(t)
	conn := h.dial(t)
	defer conn.Close()

	sendRequest(t, conn, Request{Type: RequestSubmitPrompt, RequestID: "r1"}) // no message

	r := bufio.NewReader(conn)
	frame := readWireFrame(t, r)
	if frame.Type != FrameError {
		t.Fatalf("frame type = %s, want error without ack", frame.Type)
	}
	if frame.RequestID != "r1" {
		t.Errorf("RequestID = %q, want r1", frame.RequestID)
	}
	if frame.DetailCode != errcode.DetailQueueRequestInvalid {
		t.Errorf("DetailCode = %s, want %s", frame.DetailCode, errcode.DetailQueueRequestInvalid)
	}
	expectEOF(t, r)
}

func TestServerCancelWithNoTurn(t *testing.T) {
	h := newServerHarness(t)
	conn := h.dial(t)
	defer conn.Close()

	sendRequest(t, conn, Request{Type: RequestCancelPrompt, RequestID: "c1"})

	r := bufio.NewReader(conn)
	if frame := readWireFrame(t, r); frame.Type != FrameAccepted || frame.RequestID != "c1" {
		t.Fatalf("first frame = %+v, want accepted c1", frame)
	}
	frame := readWireFrame(t, r)
	if frame.Type != FrameCancelResult {
		t.Fatalf("frame type = %s, want cancel_result", frame.Type)
	}
	if frame.Cancelled == nil || *frame.Cancelled {
		t.Errorf("Cancelled = %v, want false with no turn in flight", frame.Cancelled)
	}
	expectEOF(t, r)
}

func TestServerAcksFireAndForgetSubmit(t *testing.T) {
	h := newServerHarness(t)
	conn := h.dial(t)
	defer conn.Close()

	sendRequest(t, conn, Request{
		Type:      RequestSubmitPrompt,
		RequestID: "f1",
		Message:   "do the thing",
	})

	r := bufio.NewReader(conn)
	if frame := readWireFrame(t, r); frame.Type != FrameAccepted || frame.RequestID != "f1" {
		t.Fatalf("first frame = %+v, want accepted f1", frame)
	}
	// The owner closes immediately; the turn runs detached.
	expectEOF(t, r)
}

func TestServerSubmitWaitReportsSpawnFailure(t *testing.T) {
	h := newServerHarness(t)
	conn := h.dial(t)
	defer conn.Close()

	sendRequest(t, conn, Request{
		Type:              RequestSubmitPrompt,
		RequestID:         "w1",
		Message:           "do the thing",
		WaitForCompletion: true,
	})

	r := bufio.NewReader(conn)
	if frame := readWireFrame(t, r); frame.Type != FrameAccepted || frame.RequestID != "w1" {
		t.Fatalf("first frame = %+v, want accepted w1", frame)
	}
	frame := readWireFrame(t, r)
	if frame.Type != FrameError {
		t.Fatalf("frame type = %s, want error", frame.Type)
	}
	werr := frame.Err()
	if werr.Kind != errcode.KindRuntime || werr.Detail != errcode.DetailAgentSpawnFailed {
		t.Errorf("error = %s/%s, want RUNTIME/%s", werr.Kind, werr.Detail, errcode.DetailAgentSpawnFailed)
	}
	expectEOF(t, r)

	if state := h.ctl.State(); state != StateIdle {
		t.Errorf("controller state after failed turn = %s, want idle", state)
	}
}

func TestServerSubmitRejectsUnknownPermissionMode(t *testing.T) {
	h := newServerHarness(t)
	conn := h.dial(t)
	defer conn.Close()

	sendRequest(t, conn, Request{
		Type:              RequestSubmitPrompt,
		RequestID:         "p1",
		Message:           "hi",
		PermissionMode:    "ask-nicely",
		WaitForCompletion: true,
	})

	r := bufio.NewReader(conn)
	if frame := readWireFrame(t, r); frame.Type != FrameAccepted {
		t.Fatalf("first frame = %+v, want accepted", frame)
	}
	frame := readWireFrame(t, r)
	if frame.Type != FrameError {
		t.Fatalf("frame type = %s, want error", frame.Type)
	}
	perr := frame.Err()
	if perr.Kind != errcode.KindUsage || perr.Detail != errcode.DetailQueueRequestInvalid {
		t.Errorf("error = %s/%s, want USAGE/%s", perr.Kind, perr.Detail, errcode.DetailQueueRequestInvalid)
	}
}

func TestServerSetModeFallbackSpawnFailure(t *testing.T) {
	h := newServerHarness(t)
	conn := h.dial(t)
	defer conn.Close()

	sendRequest(t, conn, Request{
		Type:      RequestSetMode,
		RequestID: "m1",
		ModeID:    "architect",
		TimeoutMs: 5000,
	})

	r := bufio.NewReader(conn)
	if frame := readWireFrame(t, r); frame.Type != FrameAccepted || frame.RequestID != "m1" {
		t.Fatalf("first frame = %+v, want accepted m1", frame)
	}
	frame := readWireFrame(t, r)
	if frame.Type != FrameError {
		t.Fatalf("frame type = %s, want error", frame.Type)
	}
	if merr := frame.Err(); merr.Detail != errcode.DetailAgentSpawnFailed {
		t.Errorf("detail = %s, want %s (fallback client could not spawn)", merr.Detail, errcode.DetailAgentSpawnFailed)
	}
	expectEOF(t, r)
}

func TestServerRejectsSubmitWhileClosing(t *testing.T) {
	h := newServerHarness(t)
	h.ctl.BeginClosing()

	conn := h.dial(t)
	defer conn.Close()

	sendRequest(t, conn, Request{
		Type:              RequestSubmitPrompt,
		RequestID:         "z1",
		Message:           "too late",
		WaitForCompletion: true,
	})

	r := bufio.NewReader(conn)
	if frame := readWireFrame(t, r); frame.Type != FrameAccepted {
		t.Fatalf("first frame = %+v, want accepted", frame)
	}
	frame := readWireFrame(t, r)
	if frame.Type != FrameError {
		t.Fatalf("frame type = %s, want error", frame.Type)
	}
	zerr := frame.Err()
	if zerr.Detail != errcode.DetailQueueOwnerClosing {
		t.Errorf("detail = %s, want %s", zerr.Detail, errcode.DetailQueueOwnerClosing)
	}
	if !zerr.Retryable {
		t.Error("closing error must be retryable so the submitter respawns an owner")
	}
	expectEOF(t, r)
}
