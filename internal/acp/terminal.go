package acp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"unicode/utf8"

	"github.com/coder/acp-go-sdk"
	"golang.org/x/sys/unix"

	"github.com/acpx/acpx/internal/logging"
)

// DefaultOutputByteLimit bounds how much combined output a terminal
// retains when the agent does not ask for a specific limit.
const DefaultOutputByteLimit = 128 * 1024

// TerminalHandler defines the terminal operations required by acp.Client.
// This interface enables testing clients without spawning real processes.
type TerminalHandler interface {
	CreateTerminal(ctx context.Context, params acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error)
	TerminalOutput(ctx context.Context, params acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error)
	ReleaseTerminal(ctx context.Context, params acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error)
	WaitForTerminalExit(ctx context.Context, params acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error)
	KillTerminalCommand(ctx context.Context, params acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error)
}

// TerminalManager runs commands on behalf of the agent. Commands are
// started directly from argv without a shell, in their own process group
// so a kill reaches any children they spawned. Output is a single
// combined stdout+stderr stream bounded to a byte limit, keeping the
// newest bytes.
type TerminalManager struct {
	cwd          string
	defaultLimit int
	log          *slog.Logger

	mu     sync.Mutex
	next   int
	terms  map[string]*terminal
	closed bool
}

// Ensure TerminalManager implements TerminalHandler at compile time.
var _ TerminalHandler = (*TerminalManager)(nil)

// NewTerminalManager creates a manager whose commands default to running
// in cwd. outputByteLimit <= 0 selects DefaultOutputByteLimit.
func NewTerminalManager(cwd string, outputByteLimit int) *TerminalManager {
	if outputByteLimit <= 0 {
		outputByteLimit = DefaultOutputByteLimit
	}
	return &TerminalManager{
		cwd:          cwd,
		defaultLimit: outputByteLimit,
		log:          logging.Terminal(),
		terms:        make(map[string]*terminal),
	}
}

// terminal is one running or finished command.
type terminal struct {
	id     string
	cmd    *exec.Cmd
	output *outputBuffer
	exited chan struct{}

	mu   sync.Mutex
	exit *acp.TerminalExitStatus
}

// CreateTerminal starts params.Command with params.Args and begins
// capturing its output.
func (m *TerminalManager) CreateTerminal(ctx context.Context, params acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return acp.CreateTerminalResponse{}, fmt.Errorf("terminal manager is closed")
	}
	m.next++
	id := fmt.Sprintf("term-%d", m.next)
	m.mu.Unlock()

	limit := m.defaultLimit
	if params.OutputByteLimit != nil && *params.OutputByteLimit > 0 {
		limit = *params.OutputByteLimit
	}

	cmd := exec.Command(params.Command, params.Args...)
	cmd.Dir = m.cwd
	if params.Cwd != nil && *params.Cwd != "" {
		cmd.Dir = *params.Cwd
	}
	env := os.Environ()
	for _, v := range params.Env {
		env = append(env, v.Name+"="+v.Value)
	}
	cmd.Env = env
	// Own process group so KillTerminalCommand reaches child processes too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	buf := &outputBuffer{limit: limit}
	cmd.Stdout = buf
	cmd.Stderr = buf

	if err := cmd.Start(); err != nil {
		return acp.CreateTerminalResponse{}, fmt.Errorf("start %s: %w", params.Command, err)
	}

	t := &terminal{
		id:     id,
		cmd:    cmd,
		output: buf,
		exited: make(chan struct{}),
	}

	m.mu.Lock()
	m.terms[id] = t
	m.mu.Unlock()

	m.log.Debug("terminal created",
		"terminal_id", id,
		"command", params.Command,
		"args", params.Args,
		"cwd", cmd.Dir,
		"pid", cmd.Process.Pid)

	go func() {
		status := terminalExitStatus(cmd.Wait())
		t.mu.Lock()
		t.exit = &status
		t.mu.Unlock()
		close(t.exited)
		m.log.Debug("terminal exited",
			"terminal_id", id,
			"exit_code", intOrNil(status.ExitCode),
			"signal", strOrNil(status.Signal))
	}()

	return acp.CreateTerminalResponse{TerminalId: id}, nil
}

// TerminalOutput returns the captured output so far, whether the front
// of it was evicted, and the exit status once the command finished.
func (m *TerminalManager) TerminalOutput(ctx context.Context, params acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	t, err := m.lookup(params.TerminalId)
	if err != nil {
		return acp.TerminalOutputResponse{}, err
	}

	output, truncated := t.output.snapshot()
	resp := acp.TerminalOutputResponse{Output: output, Truncated: truncated}
	t.mu.Lock()
	if t.exit != nil {
		status := *t.exit
		resp.ExitStatus = &status
	}
	t.mu.Unlock()
	return resp, nil
}

// WaitForTerminalExit blocks until the command exits or ctx is done.
func (m *TerminalManager) WaitForTerminalExit(ctx context.Context, params acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	t, err := m.lookup(params.TerminalId)
	if err != nil {
		return acp.WaitForTerminalExitResponse{}, err
	}

	select {
	case <-ctx.Done():
		return acp.WaitForTerminalExitResponse{}, ctx.Err()
	case <-t.exited:
	}

	t.mu.Lock()
	status := *t.exit
	t.mu.Unlock()
	return acp.WaitForTerminalExitResponse{ExitCode: status.ExitCode, Signal: status.Signal}, nil
}

// KillTerminalCommand kills the command's process group. The captured
// output stays available until the terminal is released. Killing a
// command that already exited is not an error.
func (m *TerminalManager) KillTerminalCommand(ctx context.Context, params acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	t, err := m.lookup(params.TerminalId)
	if err != nil {
		return acp.KillTerminalCommandResponse{}, err
	}

	t.kill()
	m.log.Debug("terminal killed", "terminal_id", t.id)
	return acp.KillTerminalCommandResponse{}, nil
}

// ReleaseTerminal kills the command if it is still running and forgets
// the terminal. Its id becomes invalid.
func (m *TerminalManager) ReleaseTerminal(ctx context.Context, params acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	m.mu.Lock()
	t, ok := m.terms[params.TerminalId]
	if ok {
		delete(m.terms, params.TerminalId)
	}
	m.mu.Unlock()

	if !ok {
		return acp.ReleaseTerminalResponse{}, unknownTerminal(params.TerminalId)
	}

	t.kill()
	m.log.Debug("terminal released", "terminal_id", t.id)
	return acp.ReleaseTerminalResponse{}, nil
}

// CloseAll kills and releases every terminal. Used when the agent
// connection shuts down.
func (m *TerminalManager) CloseAll() {
	m.mu.Lock()
	terms := make([]*terminal, 0, len(m.terms))
	for _, t := range m.terms {
		terms = append(terms, t)
	}
	m.terms = make(map[string]*terminal)
	m.closed = true
	m.mu.Unlock()

	for _, t := range terms {
		t.kill()
	}
	if len(terms) > 0 {
		m.log.Debug("released all terminals", "count", len(terms))
	}
}

func (m *TerminalManager) lookup(id string) (*terminal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.terms[id]
	if !ok {
		return nil, unknownTerminal(id)
	}
	return t, nil
}

// unknownTerminal reports an invalid-params JSON-RPC error naming the id
// so the agent can tell a bad id from an internal failure.
func unknownTerminal(id string) error {
	return &acp.RequestError{Code: -32602, Message: fmt.Sprintf("unknown terminal id %q", id)}
}

// kill terminates the process group. Safe to call multiple times and
// after exit.
func (t *terminal) kill() {
	t.mu.Lock()
	exited := t.exit != nil
	t.mu.Unlock()
	if exited || t.cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-t.cmd.Process.Pid, syscall.SIGKILL); err != nil {
		// Process group may be gone already; fall back to the process itself.
		_ = t.cmd.Process.Kill()
	}
}

// terminalExitStatus translates a Wait error into the ACP exit shape:
// exit code for normal exits, signal name when the command was killed.
func terminalExitStatus(err error) acp.TerminalExitStatus {
	if err == nil {
		code := 0
		return acp.TerminalExitStatus{ExitCode: &code}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			name := unix.SignalName(ws.Signal())
			return acp.TerminalExitStatus{Signal: &name}
		}
		code := ee.ExitCode()
		return acp.TerminalExitStatus{ExitCode: &code}
	}
	// Wait failed for a non-exit reason (I/O error on the pipes).
	code := -1
	return acp.TerminalExitStatus{ExitCode: &code}
}

func intOrNil(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func strOrNil(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

// outputBuffer keeps the newest limit bytes of whatever is written to
// it. Eviction happens at the front on rune boundaries so the kept
// window never starts mid-character.
type outputBuffer struct {
	mu        sync.Mutex
	limit     int
	buf       []byte
	truncated bool
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if b.limit > 0 && len(b.buf) > b.limit {
		cut := len(b.buf) - b.limit
		for cut < len(b.buf) && !utf8.RuneStart(b.buf[cut]) {
			cut++
		}
		n := copy(b.buf, b.buf[cut:])
		b.buf = b.buf[:n]
		b.truncated = true
	}
	return len(p), nil
}

func (b *outputBuffer) snapshot() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf), b.truncated
}
