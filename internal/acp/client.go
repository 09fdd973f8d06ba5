package acp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/acp-go-sdk"

	"github.com/acpx/acpx/internal/errcode"
	"github.com/acpx/acpx/internal/logging"
)

// Preview bounds for logging gated file writes.
const (
	writePreviewLines = 16
	writePreviewChars = 1200
)

// Client services the callbacks an agent issues during a prompt turn:
// filesystem access, terminals, permission requests and the update
// stream. There is no human on the other end; permission requests are
// resolved from the turn's permission mode and non-interactive policy.
type Client struct {
	fs        FileSystem
	terminals TerminalHandler
	updates   *Serializer
	log       *slog.Logger

	mu         sync.Mutex
	mode       PermissionMode
	policy     NonInteractivePolicy
	cancelling bool
	stats      PermissionStats
	turnErr    *errcode.Error
}

// Ensure Client implements acp.Client
var _ acp.Client = (*Client)(nil)

// NewClient creates a client over the given filesystem, terminal handler
// and update serializer.
func NewClient(fs FileSystem, terminals TerminalHandler, updates *Serializer) *Client {
	return &Client{
		fs:        fs,
		terminals: terminals,
		updates:   updates,
		log:       logging.ACP(),
		mode:      PermissionDefault,
		policy:    NonInteractiveFail,
	}
}

// BeginTurn arms the permission machinery for one prompt turn: decision
// counters reset, the cancel latch clears, and the given mode and policy
// govern every decision until EndTurn.
func (c *Client) BeginTurn(mode PermissionMode, policy NonInteractivePolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mode == "" {
		mode = PermissionDefault
	}
	if policy == "" {
		policy = NonInteractiveFail
	}
	c.mode = mode
	c.policy = policy
	c.cancelling = false
	c.stats = PermissionStats{}
	c.turnErr = nil
}

// SetCancelling flags that a cancel is in flight for the current turn.
// While set, permission requests resolve as cancelled so the agent can
// unwind without waiting on decisions nobody will make.
func (c *Client) SetCancelling(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelling = v
}

// EndTurn returns the decision counters for the finished turn and the
// first permission failure that must fail it, then disarms.
func (c *Client) EndTurn() (PermissionStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.stats
	var err error
	if c.turnErr != nil {
		err = c.turnErr
	}
	c.cancelling = false
	c.stats = PermissionStats{}
	c.turnErr = nil
	return stats, err
}

// RequestPermission answers an agent permission request from the turn's
// mode and policy.
func (c *Client) RequestPermission(ctx context.Context, params acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	title := ""
	if params.ToolCall.Title != nil {
		title = *params.ToolCall.Title
	}

	c.mu.Lock()
	c.stats.Requested++
	mode, policy, cancelling := c.mode, c.policy, c.cancelling
	c.mu.Unlock()

	if cancelling {
		c.mu.Lock()
		c.stats.Cancelled++
		c.mu.Unlock()
		c.log.Debug("permission request arrived while cancelling, responding cancelled",
			"tool_call_id", params.ToolCall.ToolCallId, "title", title)
		return CancelledResponse(), nil
	}

	switch mode {
	case PermissionApproveAll:
		return c.approve(params.Options, title, "permission mode approve-all"), nil
	case PermissionDenyAll:
		return c.deny(params.Options, title, "permission mode deny-all"), nil
	}

	switch policy {
	case NonInteractiveApprove:
		return c.approve(params.Options, title, "non-interactive policy approve"), nil
	case NonInteractiveDeny:
		return c.deny(params.Options, title, "non-interactive policy deny"), nil
	}

	err := errcode.Newf(errcode.KindPermissionDenied, errcode.DetailPermissionPromptUnavailable,
		"agent requested permission for %q but no prompt is available; rerun with --permission-mode or --non-interactive", title)
	c.failTurn(err)
	c.mu.Lock()
	c.stats.Denied++
	c.mu.Unlock()
	c.log.Warn("permission request failed, no prompt available", "title", title)
	return acp.RequestPermissionResponse{}, err
}

func (c *Client) approve(options []acp.PermissionOption, title, reason string) acp.RequestPermissionResponse {
	resp := ApproveResponse(options)
	c.mu.Lock()
	if resp.Outcome.Cancelled != nil {
		c.stats.Cancelled++
	} else {
		c.stats.Approved++
	}
	c.mu.Unlock()
	c.log.Info("permission approved", "title", title, "reason", reason)
	return resp
}

func (c *Client) deny(options []acp.PermissionOption, title, reason string) acp.RequestPermissionResponse {
	resp := DenyResponse(options)
	c.mu.Lock()
	if resp.Outcome.Cancelled != nil {
		c.stats.Cancelled++
	} else {
		c.stats.Denied++
	}
	c.mu.Unlock()
	c.log.Info("permission denied", "title", title, "reason", reason)
	return resp
}

// failTurn latches the first permission failure; the turn path surfaces
// it once the prompt call returns.
func (c *Client) failTurn(err *errcode.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turnErr == nil {
		c.turnErr = err
	}
}

// SessionUpdate feeds the agent's update stream into the serializer.
func (c *Client) SessionUpdate(ctx context.Context, params acp.SessionNotification) error {
	return c.updates.HandleUpdate(ctx, params)
}

// ReadTextFile handles file read requests from the agent. Reads are
// denied wholesale in deny-all mode; otherwise the filesystem enforces
// path containment.
func (c *Client) ReadTextFile(ctx context.Context, params acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	c.mu.Lock()
	mode := c.mode
	c.mu.Unlock()

	if mode == PermissionDenyAll {
		c.mu.Lock()
		c.stats.Requested++
		c.stats.Denied++
		c.mu.Unlock()
		c.log.Info("file read denied", "path", params.Path, "reason", "permission mode deny-all")
		return acp.ReadTextFileResponse{}, fmt.Errorf("read %s denied by permission mode deny-all", params.Path)
	}

	content, err := c.fs.ReadTextFile(params.Path, params.Line, params.Limit)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	c.log.Debug("file read", "path", params.Path, "bytes", len(content))
	return acp.ReadTextFileResponse{Content: content}, nil
}

// WriteTextFile handles file write requests from the agent. Every write
// passes the permission gate; approved writes create parent directories
// and replace the target atomically.
func (c *Client) WriteTextFile(ctx context.Context, params acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	c.mu.Lock()
	c.stats.Requested++
	mode, policy := c.mode, c.policy
	c.mu.Unlock()

	switch mode {
	case PermissionApproveAll:
		c.mu.Lock()
		c.stats.Approved++
		c.mu.Unlock()
	case PermissionDenyAll:
		c.mu.Lock()
		c.stats.Denied++
		c.mu.Unlock()
		c.log.Info("file write denied", "path", params.Path, "reason", "permission mode deny-all")
		return acp.WriteTextFileResponse{}, fmt.Errorf("write %s denied by permission mode deny-all", params.Path)
	default:
		preview := ContentPreview(params.Content, writePreviewLines, writePreviewChars)
		switch policy {
		case NonInteractiveApprove:
			c.mu.Lock()
			c.stats.Approved++
			c.mu.Unlock()
			c.log.Info("file write approved",
				"path", params.Path,
				"reason", "non-interactive policy approve",
				"preview", preview)
		case NonInteractiveDeny:
			c.mu.Lock()
			c.stats.Denied++
			c.mu.Unlock()
			c.log.Info("file write denied",
				"path", params.Path,
				"reason", "non-interactive policy deny",
				"preview", preview)
			return acp.WriteTextFileResponse{}, fmt.Errorf("write %s denied by non-interactive policy", params.Path)
		default:
			err := errcode.Newf(errcode.KindPermissionDenied, errcode.DetailPermissionPromptUnavailable,
				"agent asked to write %s but no prompt is available; rerun with --permission-mode or --non-interactive", params.Path)
			c.failTurn(err)
			c.mu.Lock()
			c.stats.Denied++
			c.mu.Unlock()
			c.log.Warn("file write failed, no prompt available", "path", params.Path, "preview", preview)
			return acp.WriteTextFileResponse{}, err
		}
	}

	if err := c.fs.WriteTextFile(params.Path, params.Content); err != nil {
		return acp.WriteTextFileResponse{}, err
	}
	c.log.Debug("file written", "path", params.Path, "bytes", len(params.Content))
	return acp.WriteTextFileResponse{}, nil
}

// CreateTerminal handles terminal creation requests.
func (c *Client) CreateTerminal(ctx context.Context, params acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	if c.terminals == nil {
		return acp.CreateTerminalResponse{}, acp.NewMethodNotFound(acp.ClientMethodTerminalCreate)
	}
	return c.terminals.CreateTerminal(ctx, params)
}

// TerminalOutput handles requests to get terminal output.
func (c *Client) TerminalOutput(ctx context.Context, params acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	if c.terminals == nil {
		return acp.TerminalOutputResponse{}, acp.NewMethodNotFound(acp.ClientMethodTerminalOutput)
	}
	return c.terminals.TerminalOutput(ctx, params)
}

// ReleaseTerminal handles terminal release requests.
func (c *Client) ReleaseTerminal(ctx context.Context, params acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	if c.terminals == nil {
		return acp.ReleaseTerminalResponse{}, acp.NewMethodNotFound(acp.ClientMethodTerminalRelease)
	}
	return c.terminals.ReleaseTerminal(ctx, params)
}

// WaitForTerminalExit handles requests to wait for terminal exit.
func (c *Client) WaitForTerminalExit(ctx context.Context, params acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	if c.terminals == nil {
		return acp.WaitForTerminalExitResponse{}, acp.NewMethodNotFound(acp.ClientMethodTerminalWaitForExit)
	}
	return c.terminals.WaitForTerminalExit(ctx, params)
}

// KillTerminalCommand handles requests to kill terminal commands.
func (c *Client) KillTerminalCommand(ctx context.Context, params acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	if c.terminals == nil {
		return acp.KillTerminalCommandResponse{}, acp.NewMethodNotFound(acp.ClientMethodTerminalKill)
	}
	return c.terminals.KillTerminalCommand(ctx, params)
}
