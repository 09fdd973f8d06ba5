package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"golang.org/x/sys/unix"

	"github.com/acpx/acpx/internal/errcode"
	"github.com/acpx/acpx/internal/logging"
	"github.com/acpx/acpx/internal/runner"
	"github.com/acpx/acpx/internal/session"
)

const (
	// replayDrainIdle and replayDrainTimeout bound the update drain that
	// follows session/load, which replays the whole session history.
	replayDrainIdle    = 100 * time.Millisecond
	replayDrainTimeout = 5 * time.Second

	// closeWait bounds how long Close waits after SIGTERM before killing.
	closeWait = 3 * time.Second

	// stderrTailLimit bounds the stderr tail attached to spawn and
	// handshake failures.
	stderrTailLimit = 8 * 1024
)

// AuthPolicy decides what happens when an agent advertises auth methods
// but no credential matches any of them.
type AuthPolicy string

const (
	// AuthPolicyFail aborts the handshake with an AUTH_REQUIRED error.
	AuthPolicyFail AuthPolicy = "fail"
	// AuthPolicySkip proceeds unauthenticated; some agents manage
	// credentials themselves and only advertise methods as a fallback.
	AuthPolicySkip AuthPolicy = "skip"
)

// ParseAuthPolicy validates an auth policy string. Empty means fail.
func ParseAuthPolicy(s string) (AuthPolicy, error) {
	switch AuthPolicy(s) {
	case AuthPolicyFail, AuthPolicySkip:
		return AuthPolicy(s), nil
	case "":
		return AuthPolicyFail, nil
	}
	return "", fmt.Errorf("invalid auth policy %q (expected fail or skip)", s)
}

// SupervisorOptions configure how the agent subprocess is spawned and
// authenticated.
type SupervisorOptions struct {
	// Credentials maps auth method ids (or their env tokens) to secrets.
	// They are injected into the child environment and consulted when the
	// agent advertises auth methods.
	Credentials map[string]string
	// AuthMethodID forces a specific advertised auth method instead of
	// picking the first one with a known credential.
	AuthMethodID string
	// AuthPolicy applies when no credential matches. Default is fail.
	AuthPolicy AuthPolicy
	// Restricted selects a sandbox for the agent child. Empty or "false"
	// runs it directly.
	Restricted string
	// OutputByteLimit bounds terminal output buffers (see TerminalManager).
	OutputByteLimit int
	// McpServers are passed through verbatim on session/new and
	// session/load.
	McpServers []acp.McpServer
}

// LifecycleExit describes one observed termination of the agent process.
// Reason records which signal arrived first; later signals for the same
// process are dropped.
type LifecycleExit struct {
	ExitCode               *int
	Signal                 string
	ExitedAt               time.Time
	Reason                 session.ExitReason
	UnexpectedDuringPrompt bool
}

// Lifecycle is a point-in-time view of the agent process.
type Lifecycle struct {
	PID       int
	StartedAt *time.Time
	Running   bool
	LastExit  *LifecycleExit
}

// PromptResult is the outcome of one prompt turn.
type PromptResult struct {
	StopReason acp.StopReason
	Stats      PermissionStats
}

// Supervisor owns the agent subprocess for one session: it spawns the
// child, performs the initialize handshake, authenticates, creates or
// loads the ACP session, and runs prompt turns. At most one prompt is in
// flight at a time; control calls (cancel, set mode, set model) are
// applied against the live connection and may race with an active turn.
type Supervisor struct {
	opts SupervisorOptions
	rec  *session.Recorder
	ser  *Serializer
	log  *slog.Logger

	// spawnFn is s.spawn unless a test substitutes an in-process agent.
	spawnFn func(ctx context.Context, argv, env []string, cwd string) (*agentProcess, error)

	// exitCh delivers the first observed termination of each spawned
	// process. Buffered so observers never block the watcher goroutines.
	exitCh chan LifecycleExit

	mu           sync.Mutex
	starting     chan struct{}
	running      bool
	closing      bool
	gen          int
	cmd          *exec.Cmd // nil when the agent runs sandboxed
	cancelRun    context.CancelFunc
	waitDone     chan struct{}
	conn         *acp.ClientSideConnection
	client       *Client
	terminals    *TerminalManager
	stderrTail   *tailBuffer
	startedAt    time.Time
	pid          int
	exitSeen     bool
	lastExit     *LifecycleExit
	activePrompt bool
	caps         acp.AgentCapabilities
	authMethods  []acp.AuthMethod
	lateAuthDone bool
	sessionID    acp.SessionId
	sessionOK    bool
}

// NewSupervisor creates a supervisor for the given session record. The
// agent is spawned lazily by EnsureRunning.
func NewSupervisor(rec *session.Recorder, ser *Serializer, opts SupervisorOptions) *Supervisor {
	if opts.AuthPolicy == "" {
		opts.AuthPolicy = AuthPolicyFail
	}
	s := &Supervisor{
		opts:   opts,
		rec:    rec,
		ser:    ser,
		log:    logging.ACP().With("record_id", rec.RecordID()),
		exitCh: make(chan LifecycleExit, 4),
	}
	s.spawnFn = s.spawn
	return s
}

// agentProcess is a freshly spawned child, before the ACP connection is
// wired onto its stdio.
type agentProcess struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	wait   func() error
	cmd    *exec.Cmd // nil when sandboxed
	pid    int
}

// EnsureRunning spawns the agent and completes the handshake if no live
// process exists. Concurrent callers share a single spawn attempt.
func (s *Supervisor) EnsureRunning(ctx context.Context) error {
	for {
		s.mu.Lock()
		switch {
		case s.closing:
			s.mu.Unlock()
			return errcode.New(errcode.KindRuntime, errcode.DetailSessionClosed, "agent supervisor is closing")
		case s.running:
			s.mu.Unlock()
			return nil
		case s.starting != nil:
			ch := s.starting
			s.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			ch := make(chan struct{})
			s.starting = ch
			s.mu.Unlock()

			err := s.start(ctx)

			s.mu.Lock()
			s.starting = nil
			s.mu.Unlock()
			close(ch)
			return err
		}
	}
}

// start spawns the child, wires the ACP connection and runs the
// handshake. Called with the starting latch held.
func (s *Supervisor) start(ctx context.Context) error {
	snap := s.rec.Snapshot()

	argv, err := ParseCommand(snap.AgentCommand)
	if err != nil {
		return err
	}
	env := ComposeEnv(os.Environ(), s.opts.Credentials)

	// The agent must survive the request that spawned it: it is torn
	// down by Close or by its own exit, never by the caller's context.
	runCtx, cancelRun := context.WithCancel(context.Background())

	proc, err := s.spawnFn(runCtx, argv, env, snap.Cwd)
	if err != nil {
		cancelRun()
		return err
	}

	tail := &tailBuffer{limit: stderrTailLimit}
	if proc.stderr != nil {
		go s.drainStderr(proc.stderr, tail)
	}

	terminals := NewTerminalManager(snap.Cwd, s.opts.OutputByteLimit)
	client := NewClient(NewWorkspaceFS(snap.Cwd), terminals, s.ser)

	eofR := &eofReader{r: proc.stdout}
	conn := acp.NewClientSideConnection(client, proc.stdin, NewJSONLineFilterReader(eofR, s.log))
	conn.SetLogger(logging.DowngradeInfoToDebug(s.log))

	waitDone := make(chan struct{})

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		cancelRun()
		if proc.cmd != nil && proc.cmd.Process != nil {
			_ = proc.cmd.Process.Kill()
		}
		go func() {
			_ = proc.wait()
			close(waitDone)
		}()
		return errcode.New(errcode.KindRuntime, errcode.DetailSessionClosed, "agent supervisor is closing")
	}
	s.gen++
	gen := s.gen
	s.running = true
	s.cmd = proc.cmd
	s.cancelRun = cancelRun
	s.waitDone = waitDone
	s.conn = conn
	s.client = client
	s.terminals = terminals
	s.stderrTail = tail
	s.startedAt = time.Now().UTC()
	s.pid = proc.pid
	s.exitSeen = false
	s.lastExit = nil
	s.lateAuthDone = false
	s.sessionOK = false
	s.mu.Unlock()

	if err := s.rec.Update(func(r *session.SessionRecord) { r.RecordAgentStart(proc.pid) }); err != nil {
		s.log.Warn("failed to persist agent start", "error", err)
	}
	s.log.Info("agent started", "command", snap.AgentCommand, "pid", proc.pid, "cwd", snap.Cwd)

	go s.watchProcess(gen, proc.wait, waitDone)
	go s.watchConnection(gen, conn, eofR)

	if err := s.handshake(ctx, conn); err != nil {
		s.stopProcess()
		return err
	}
	return nil
}

// spawn starts the agent child, directly or through a sandbox runner.
func (s *Supervisor) spawn(ctx context.Context, argv, env []string, cwd string) (*agentProcess, error) {
	if runner.Wanted(s.opts.Restricted) {
		return s.spawnRestricted(ctx, argv, env, cwd)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errcode.Wrap(errcode.KindRuntime, errcode.DetailAgentSpawnFailed, fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errcode.Wrap(errcode.KindRuntime, errcode.DetailAgentSpawnFailed, fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errcode.Wrap(errcode.KindRuntime, errcode.DetailAgentSpawnFailed, fmt.Errorf("stderr pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return nil, errcode.Wrap(errcode.KindRuntime, errcode.DetailAgentSpawnFailed,
			fmt.Errorf("failed to start agent %q: %w", argv[0], err))
	}

	return &agentProcess{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		wait:   cmd.Wait,
		cmd:    cmd,
		pid:    cmd.Process.Pid,
	}, nil
}

func (s *Supervisor) spawnRestricted(ctx context.Context, argv, env []string, cwd string) (*agentProcess, error) {
	r, err := runner.New(s.opts.Restricted, cwd, s.log)
	if err != nil {
		return nil, errcode.Wrap(errcode.KindRuntime, errcode.DetailAgentSpawnFailed, err)
	}
	s.log.Info("starting agent through restricted runner", "runner_type", r.Type())

	stdin, stdout, stderr, wait, err := r.RunWithPipes(ctx, argv[0], argv[1:], env)
	if err != nil {
		return nil, errcode.Wrap(errcode.KindRuntime, errcode.DetailAgentSpawnFailed,
			fmt.Errorf("failed to start agent %q in sandbox: %w", argv[0], err))
	}

	// The runner does not expose the child pid; liveness is tracked
	// through the connection instead and the record stores pid 0.
	return &agentProcess{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		wait:   wait,
	}, nil
}

// handshake runs initialize and authentication, then persists the
// negotiated facts into the session record.
func (s *Supervisor) handshake(ctx context.Context, conn *acp.ClientSideConnection) error {
	resp, err := conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientCapabilities: acp.ClientCapabilities{
			Fs: acp.FileSystemCapability{
				ReadTextFile:  true,
				WriteTextFile: true,
			},
			Terminal: true,
		},
	})
	if err != nil {
		msg := fmt.Sprintf("initialize handshake with agent failed: %v", err)
		if tail := s.stderrSnapshot(); tail != "" {
			msg += "\nagent stderr:\n" + tail
		}
		return errcode.New(errcode.KindRuntime, errcode.DetailHandshakeFailed, msg)
	}

	s.mu.Lock()
	s.caps = resp.AgentCapabilities
	s.authMethods = resp.AuthMethods
	s.mu.Unlock()

	caps, _ := json.Marshal(resp.AgentCapabilities)
	var info json.RawMessage
	if resp.AgentInfo != nil {
		info, _ = json.Marshal(resp.AgentInfo)
	}
	if err := s.rec.Update(func(r *session.SessionRecord) {
		r.ProtocolVersion = int(resp.ProtocolVersion)
		r.AgentCapabilities = caps
		r.AgentInfo = info
	}); err != nil {
		s.log.Warn("failed to persist handshake result", "error", err)
	}

	s.log.Info("agent initialized",
		"protocol_version", resp.ProtocolVersion,
		"load_session", resp.AgentCapabilities.LoadSession,
		"auth_methods", len(resp.AuthMethods))

	return s.authenticate(ctx, conn, resp.AuthMethods)
}

// authenticate selects an advertised auth method and calls authenticate
// for it. No advertised methods means nothing to do.
func (s *Supervisor) authenticate(ctx context.Context, conn *acp.ClientSideConnection, methods []acp.AuthMethod) error {
	if len(methods) == 0 {
		return nil
	}

	var method acp.AuthMethod
	found := false
	if s.opts.AuthMethodID != "" {
		for _, m := range methods {
			if string(m.Id) == s.opts.AuthMethodID {
				method = m
				found = true
				break
			}
		}
		if !found {
			return errcode.Newf(errcode.KindPermissionDenied, errcode.DetailAuthRequired,
				"agent does not advertise auth method %q (available: %s)",
				s.opts.AuthMethodID, strings.Join(authMethodIDs(methods), ", "))
		}
	} else {
		for _, m := range methods {
			if _, ok := ResolveCredential(string(m.Id), s.opts.Credentials); ok {
				method = m
				found = true
				break
			}
		}
	}

	if !found {
		if s.opts.AuthPolicy == AuthPolicySkip {
			s.log.Debug("no credential matches any advertised auth method, proceeding unauthenticated",
				"methods", strings.Join(authMethodIDs(methods), ", "))
			return nil
		}
		return errcode.Newf(errcode.KindPermissionDenied, errcode.DetailAuthRequired,
			"agent requires authentication (methods: %s); set a credential with `acpx auth set` or in the environment, or rerun with --auth-policy skip",
			strings.Join(authMethodIDs(methods), ", "))
	}

	if _, err := conn.Authenticate(ctx, acp.AuthenticateRequest{MethodId: method.Id}); err != nil {
		return errcode.Wrap(errcode.KindPermissionDenied, errcode.DetailAuthRequired,
			fmt.Errorf("authenticate with method %q failed: %w", method.Id, err))
	}
	s.log.Info("authenticated", "method", method.Id)
	return nil
}

// withAuthRetry runs an agent call and, if the agent rejects it for
// missing authentication, performs one authenticate pass and retries.
// Some adapters only reveal the auth requirement on the first session
// call instead of advertising it at initialize time.
func (s *Supervisor) withAuthRetry(ctx context.Context, call func() error) error {
	err := call()
	if err == nil || !authRequired(err) {
		return err
	}

	s.mu.Lock()
	conn := s.conn
	methods := s.authMethods
	retry := !s.lateAuthDone && conn != nil && len(methods) > 0
	if retry {
		s.lateAuthDone = true
	}
	s.mu.Unlock()
	if !retry {
		return err
	}

	s.log.Info("agent requested authentication mid-session, retrying once")
	if authErr := s.authenticate(ctx, conn, methods); authErr != nil {
		return authErr
	}
	return call()
}

// EnsureSession creates or resumes the ACP session for the record. A
// stored session id is loaded when the agent supports it; if the agent
// no longer knows the id, a fresh session replaces it.
func (s *Supervisor) EnsureSession(ctx context.Context) error {
	s.mu.Lock()
	if !s.running || s.conn == nil {
		s.mu.Unlock()
		return errcode.New(errcode.KindRuntime, errcode.DetailAgentError, "agent is not running")
	}
	if s.sessionOK {
		s.mu.Unlock()
		return nil
	}
	conn := s.conn
	caps := s.caps
	s.mu.Unlock()

	snap := s.rec.Snapshot()

	if snap.ACPSessionID != "" {
		if caps.LoadSession {
			err := s.loadSession(ctx, conn, snap)
			if err == nil || !sessionNotFound(err) {
				return err
			}
			s.log.Warn("agent no longer knows the stored session, starting a fresh one",
				"acp_session_id", snap.ACPSessionID)
		} else {
			s.log.Warn("agent cannot load sessions, starting a fresh one",
				"acp_session_id", snap.ACPSessionID)
		}
	}

	return s.newSession(ctx, conn, snap)
}

func (s *Supervisor) loadSession(ctx context.Context, conn *acp.ClientSideConnection, snap session.SessionRecord) error {
	before := s.ser.Observed()
	s.ser.BeginReplay()
	defer s.ser.EndReplay()

	var resp acp.LoadSessionResponse
	err := s.withAuthRetry(ctx, func() error {
		var e error
		resp, e = conn.LoadSession(ctx, acp.LoadSessionRequest{
			SessionId:  acp.SessionId(snap.ACPSessionID),
			Cwd:        snap.Cwd,
			McpServers: s.mcpServers(),
		})
		return e
	})
	if err != nil {
		return errcode.FromAgent(err)
	}

	// The agent replays the whole history as session/update bursts; wait
	// for quiescence so replayed frames cannot interleave with the next
	// turn's live ones.
	if err := s.ser.Drain(ctx, replayDrainIdle, replayDrainTimeout); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errcode.Wrap(errcode.KindTimeout, errcode.DetailReplayDrainTimeout, err)
	}

	s.mu.Lock()
	s.sessionID = acp.SessionId(snap.ACPSessionID)
	s.sessionOK = true
	s.mu.Unlock()

	s.harvestAgentSessionID(resp)
	s.log.Info("session loaded",
		"acp_session_id", snap.ACPSessionID,
		"replayed_updates", s.ser.Observed()-before)
	return nil
}

func (s *Supervisor) newSession(ctx context.Context, conn *acp.ClientSideConnection, snap session.SessionRecord) error {
	var resp acp.NewSessionResponse
	err := s.withAuthRetry(ctx, func() error {
		var e error
		resp, e = conn.NewSession(ctx, acp.NewSessionRequest{
			Cwd:        snap.Cwd,
			McpServers: s.mcpServers(),
		})
		return e
	})
	if err != nil {
		return errcode.FromAgent(err)
	}

	s.mu.Lock()
	s.sessionID = resp.SessionId
	s.sessionOK = true
	s.mu.Unlock()

	if err := s.rec.Update(func(r *session.SessionRecord) {
		r.ACPSessionID = string(resp.SessionId)
	}); err != nil {
		s.log.Warn("failed to persist session id", "error", err)
	}
	s.harvestAgentSessionID(resp)

	s.log.Info("session created", "acp_session_id", resp.SessionId)
	return nil
}

func (s *Supervisor) mcpServers() []acp.McpServer {
	if s.opts.McpServers == nil {
		return []acp.McpServer{}
	}
	return s.opts.McpServers
}

// harvestAgentSessionID extracts the adapter's native session id from a
// session response's _meta block when one is present. Adapters such as
// claude-code-acp expose their own id there, separate from the ACP one.
func (s *Supervisor) harvestAgentSessionID(resp any) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	var probe struct {
		Meta map[string]any `json:"_meta"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return
	}
	id, _ := probe.Meta["sessionId"].(string)
	if id == "" {
		return
	}
	if err := s.rec.Update(func(r *session.SessionRecord) {
		r.AgentSessionID = id
	}); err != nil {
		s.log.Warn("failed to persist agent session id", "error", err)
		return
	}
	s.log.Debug("agent session id recorded", "agent_session_id", id)
}

// Prompt runs one prompt turn. The request and response frames are
// appended to the event log; session/update notifications arrive through
// the serializer while the call is blocked.
func (s *Supervisor) Prompt(ctx context.Context, text string, mode PermissionMode, policy NonInteractivePolicy) (PromptResult, error) {
	s.mu.Lock()
	if !s.running || s.conn == nil || !s.sessionOK {
		s.mu.Unlock()
		return PromptResult{}, errcode.New(errcode.KindRuntime, errcode.DetailAgentError, "agent session is not ready")
	}
	if s.activePrompt {
		s.mu.Unlock()
		return PromptResult{}, errcode.New(errcode.KindRuntime, errcode.DetailAgentError, "another prompt is already in flight")
	}
	conn := s.conn
	client := s.client
	sessionID := s.sessionID
	s.activePrompt = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.activePrompt = false
		s.mu.Unlock()
	}()

	client.BeginTurn(mode, policy)
	if err := s.rec.Update(func(r *session.SessionRecord) { r.TouchPrompt() }); err != nil {
		s.log.Warn("failed to persist prompt start", "error", err)
	}

	id := s.rec.NextRequestID()
	req := acp.PromptRequest{
		SessionId: sessionID,
		Prompt:    []acp.ContentBlock{acp.TextBlock(text)},
	}
	if frame, err := requestFrame(id, "session/prompt", req); err == nil {
		s.ser.RecordFrame(frame, true)
	}

	started := time.Now().UTC()
	s.log.Info("prompt started", "request_id", id, "prompt", session.PromptPreview(text))

	var resp acp.PromptResponse
	err := s.withAuthRetry(ctx, func() error {
		var e error
		resp, e = conn.Prompt(ctx, req)
		return e
	})

	stats, turnErr := client.EndTurn()
	ended := time.Now().UTC()

	if err != nil {
		s.recordTurn(id, text, "", started, ended, false)
		classified := s.classifyPromptError(err, started)
		s.log.Warn("prompt failed", "request_id", id, "error", classified)
		if turnErr != nil {
			// The failed permission gate is what actually broke the
			// turn; report it rather than the transport fallout.
			return PromptResult{Stats: stats}, turnErr
		}
		return PromptResult{Stats: stats}, classified
	}

	if frame, ferr := responseFrame(id, resp); ferr == nil {
		s.ser.RecordFrame(frame, true)
	}
	cancelled := resp.StopReason == acp.StopReasonCancelled
	s.recordTurn(id, text, string(resp.StopReason), started, ended, cancelled)
	s.log.Info("prompt finished",
		"request_id", id,
		"stop_reason", resp.StopReason,
		"duration", ended.Sub(started),
		"permissions", stats)

	if turnErr != nil {
		return PromptResult{StopReason: resp.StopReason, Stats: stats}, turnErr
	}
	return PromptResult{StopReason: resp.StopReason, Stats: stats}, nil
}

func (s *Supervisor) recordTurn(id int64, prompt, stopReason string, started, ended time.Time, cancelled bool) {
	if err := s.rec.Update(func(r *session.SessionRecord) {
		r.AppendTurn(session.TurnSummary{
			RequestID:     id,
			PromptPreview: prompt,
			StopReason:    stopReason,
			StartedAt:     started,
			EndedAt:       &ended,
			Cancelled:     cancelled,
		})
	}); err != nil {
		s.log.Warn("failed to persist turn summary", "error", err)
	}
}

// classifyPromptError distinguishes an agent that died mid-turn from an
// RPC-level failure, attaching the stderr tail in the former case.
func (s *Supervisor) classifyPromptError(err error, started time.Time) error {
	s.mu.Lock()
	exit := s.lastExit
	s.mu.Unlock()

	if exit != nil && !exit.ExitedAt.Before(started) {
		msg := "agent exited during prompt"
		switch {
		case exit.ExitCode != nil:
			msg = fmt.Sprintf("agent exited during prompt (exit code %d)", *exit.ExitCode)
		case exit.Signal != "":
			msg = fmt.Sprintf("agent exited during prompt (signal %s)", exit.Signal)
		}
		if tail := s.stderrSnapshot(); tail != "" {
			msg += "\nagent stderr:\n" + tail
		}
		return errcode.New(errcode.KindRuntime, errcode.DetailAgentExited, msg).WithOrigin(errcode.OriginRuntime)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errcode.Wrap(errcode.KindTimeout, errcode.DetailPromptTimeout, err).WithOrigin(errcode.OriginRuntime)
	}
	return errcode.FromAgent(err)
}

// Cancel asks the agent to stop the active turn. The active prompt call
// then returns with stop reason cancelled. Permission requests arriving
// while the cancel is in flight are answered with a cancelled outcome.
func (s *Supervisor) Cancel(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	client := s.client
	sessionID := s.sessionID
	ok := s.running && conn != nil && s.sessionOK
	s.mu.Unlock()
	if !ok {
		return errcode.New(errcode.KindRuntime, errcode.DetailAgentError, "agent session is not ready")
	}

	if client != nil {
		client.SetCancelling(true)
	}
	note := acp.CancelNotification{SessionId: sessionID}
	if frame, err := notificationFrame("session/cancel", note); err == nil {
		s.ser.RecordFrame(frame, false)
	}
	s.log.Info("cancel requested")
	return conn.Cancel(ctx, note)
}

// SetMode switches the session mode on the live session.
func (s *Supervisor) SetMode(ctx context.Context, modeID string) error {
	conn, sessionID, err := s.liveSession()
	if err != nil {
		return err
	}
	err = s.withAuthRetry(ctx, func() error {
		_, e := conn.SetSessionMode(ctx, acp.SetSessionModeRequest{
			SessionId: sessionID,
			ModeId:    acp.SessionModeId(modeID),
		})
		return e
	})
	if err != nil {
		return errcode.FromAgent(err)
	}
	s.log.Info("session mode set", "mode", modeID)
	return nil
}

// SetConfigOption adjusts a live session knob. ACP models mode and model
// as dedicated calls, so those are the two options understood here.
func (s *Supervisor) SetConfigOption(ctx context.Context, configID, value string) error {
	switch configID {
	case "mode":
		return s.SetMode(ctx, value)
	case "model":
		conn, sessionID, err := s.liveSession()
		if err != nil {
			return err
		}
		err = s.withAuthRetry(ctx, func() error {
			_, e := conn.UnstableSetSessionModel(ctx, acp.UnstableSetSessionModelRequest{
				SessionId: sessionID,
				ModelId:   acp.UnstableModelId(value),
			})
			return e
		})
		if err != nil {
			return errcode.FromAgent(err)
		}
		s.log.Info("session model set", "model", value)
		return nil
	default:
		return errcode.Newf(errcode.KindUsage, errcode.DetailUnsupportedConfigOption,
			"unsupported config option %q (supported: mode, model)", configID)
	}
}

func (s *Supervisor) liveSession() (*acp.ClientSideConnection, acp.SessionId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.conn == nil || !s.sessionOK {
		return nil, "", errcode.New(errcode.KindRuntime, errcode.DetailAgentError, "agent session is not ready")
	}
	return s.conn, s.sessionID, nil
}

// HasActivePrompt reports whether a prompt turn is currently blocked on
// the agent.
func (s *Supervisor) HasActivePrompt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activePrompt
}

// SessionReady reports whether the agent is running with an established
// ACP session, so control calls can go to the live connection.
func (s *Supervisor) SessionReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && s.conn != nil && s.sessionOK
}

// Lifecycle returns a snapshot of the agent process state.
func (s *Supervisor) Lifecycle() Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	lc := Lifecycle{PID: s.pid, Running: s.running}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		lc.StartedAt = &t
	}
	if s.lastExit != nil {
		e := *s.lastExit
		lc.LastExit = &e
	}
	return lc
}

// Exits delivers the first observed termination of each spawned agent
// process.
func (s *Supervisor) Exits() <-chan LifecycleExit {
	return s.exitCh
}

// Close tears the supervisor down: SIGTERM the child, wait briefly, kill
// if needed, and release all terminals. Safe to call more than once.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	s.mu.Unlock()

	s.stopProcess()
}

// stopProcess kills the current child and clears connection state. Used
// by Close and by handshake failure teardown.
func (s *Supervisor) stopProcess() {
	s.mu.Lock()
	running := s.running
	cmd := s.cmd
	cancelRun := s.cancelRun
	waitDone := s.waitDone
	terminals := s.terminals
	s.running = false
	s.sessionOK = false
	s.conn = nil
	s.client = nil
	s.terminals = nil
	s.mu.Unlock()

	if terminals != nil {
		terminals.CloseAll()
	}
	if !running {
		return
	}

	s.log.Info("stopping agent")
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	} else if cancelRun != nil {
		// Sandboxed children expose no process handle; cancelling the
		// run context is the only way to reach them.
		cancelRun()
	}

	if waitDone != nil {
		select {
		case <-waitDone:
		case <-time.After(closeWait):
			if cmd != nil && cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			if cancelRun != nil {
				cancelRun()
			}
			select {
			case <-waitDone:
			case <-time.After(time.Second):
				s.log.Warn("agent did not exit after kill")
			}
		}
	}
	if cancelRun != nil {
		cancelRun()
	}
}

// watchProcess reaps the child and reports its exit.
func (s *Supervisor) watchProcess(gen int, wait func() error, waitDone chan struct{}) {
	err := wait()
	close(waitDone)
	s.recordExit(gen, exitFromWait(err))
}

// watchConnection reports the RPC connection shutting down before any
// process-level signal arrived.
func (s *Supervisor) watchConnection(gen int, conn *acp.ClientSideConnection, eofR *eofReader) {
	<-conn.Done()
	reason := session.ExitReasonConnectionClose
	if eofR.sawEOF() {
		reason = session.ExitReasonPipeClose
	}
	s.recordExit(gen, LifecycleExit{Reason: reason, ExitedAt: time.Now().UTC()})
}

// recordExit collapses the disconnect signals for one spawn generation
// into a single observation, persists it and publishes it on Exits.
func (s *Supervisor) recordExit(gen int, exit LifecycleExit) {
	s.mu.Lock()
	if gen != s.gen || s.exitSeen {
		s.mu.Unlock()
		return
	}
	s.exitSeen = true
	if exit.ExitedAt.IsZero() {
		exit.ExitedAt = time.Now().UTC()
	}
	if s.closing && exit.Reason == session.ExitReasonProcessExit {
		exit.Reason = session.ExitReasonProcessClose
	}
	exit.UnexpectedDuringPrompt = s.activePrompt && !s.closing
	s.lastExit = &exit
	s.running = false
	s.sessionOK = false
	cancelRun := s.cancelRun
	s.mu.Unlock()

	logExit := s.log.Info
	if exit.UnexpectedDuringPrompt {
		logExit = s.log.Warn
	}
	code := -1
	if exit.ExitCode != nil {
		code = *exit.ExitCode
	}
	logExit("agent exited",
		"reason", exit.Reason,
		"exit_code", code,
		"signal", exit.Signal,
		"unexpected_during_prompt", exit.UnexpectedDuringPrompt)

	if err := s.rec.Update(func(r *session.SessionRecord) {
		r.RecordAgentExit(session.AgentExit{
			Code:   exit.ExitCode,
			Signal: exit.Signal,
			At:     exit.ExitedAt,
			Reason: exit.Reason,
		})
	}); err != nil {
		s.log.Warn("failed to persist agent exit", "error", err)
	}

	// Reap stragglers when the first signal was not a process exit.
	if cancelRun != nil {
		cancelRun()
	}

	select {
	case s.exitCh <- exit:
	default:
	}
}

// drainStderr forwards agent stderr lines to the debug log and keeps a
// bounded tail for error reports.
func (s *Supervisor) drainStderr(stderr io.ReadCloser, tail *tailBuffer) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 4096), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		_, _ = tail.Write(append([]byte(line), '\n'))
		s.log.Debug("agent stderr", "line", line)
	}
}

func (s *Supervisor) stderrSnapshot() string {
	s.mu.Lock()
	tail := s.stderrTail
	s.mu.Unlock()
	if tail == nil {
		return ""
	}
	return tail.String()
}

// exitFromWait translates the error from Wait into exit code and signal.
func exitFromWait(err error) LifecycleExit {
	exit := LifecycleExit{Reason: session.ExitReasonProcessExit, ExitedAt: time.Now().UTC()}
	if err == nil {
		code := 0
		exit.ExitCode = &code
		return exit
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			exit.Signal = unix.SignalName(ws.Signal())
			return exit
		}
		code := ee.ExitCode()
		exit.ExitCode = &code
		return exit
	}
	return exit
}

// sessionNotFound reports whether an agent error means the stored session
// id is unknown. Agents disagree on the exact code, so both resource-not-
// found codes and the conventional message text count.
func sessionNotFound(err error) bool {
	var reqErr *acp.RequestError
	if errors.As(err, &reqErr) && (reqErr.Code == -32001 || reqErr.Code == -32002) {
		return true
	}
	return errcode.IsSessionNotFound(err)
}

// authRequired reports whether an agent error asks for authentication.
func authRequired(err error) bool {
	var reqErr *acp.RequestError
	if errors.As(err, &reqErr) && reqErr.Code == -32000 {
		return true
	}
	return errcode.IsAuthRequired(err)
}

func authMethodIDs(methods []acp.AuthMethod) []string {
	ids := make([]string, len(methods))
	for i, m := range methods {
		ids[i] = string(m.Id)
	}
	return ids
}

// eofReader wraps the agent's stdout and remembers whether EOF was
// reached, which distinguishes a closed pipe from an RPC-level shutdown
// when classifying the child's disappearance.
type eofReader struct {
	r   io.Reader
	eof atomic.Bool
}

func (e *eofReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if errors.Is(err, io.EOF) {
		e.eof.Store(true)
	}
	return n, err
}

func (e *eofReader) sawEOF() bool {
	return e.eof.Load()
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
