// Package render turns streamed queue frames and turn results into CLI
// output. Three modes: text for humans, json (NDJSON) for scripts, quiet
// for callers that only want the exit code.
package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/coder/acp-go-sdk"

	"github.com/acpx/acpx/internal/errcode"
	"github.com/acpx/acpx/internal/queue"
)

// Mode selects the output format.
type Mode string

const (
	// ModeText renders agent output as human-readable text.
	ModeText Mode = "text"
	// ModeJSON emits every frame and the result as NDJSON lines.
	ModeJSON Mode = "json"
	// ModeQuiet suppresses stream and result output entirely.
	ModeQuiet Mode = "quiet"
)

// ParseMode validates an --output value. Empty means text.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeText, ModeJSON, ModeQuiet:
		return Mode(s), nil
	case "":
		return ModeText, nil
	}
	return "", fmt.Errorf("invalid output mode %q (expected text, json or quiet)", s)
}

// Renderer writes turn output for one command invocation. It is safe for
// concurrent use: event frames arrive on the submitter's read goroutine
// while the result lands on the caller's.
type Renderer struct {
	mode Mode
	out  io.Writer

	mu      sync.Mutex
	midLine bool
}

// New creates a renderer writing to out.
func New(mode Mode, out io.Writer) *Renderer {
	return &Renderer{mode: mode, out: out}
}

// Mode returns the renderer's output mode.
func (r *Renderer) Mode() Mode {
	return r.mode
}

// Event renders one streamed event frame, a verbatim JSON-RPC object. In
// json mode every frame is echoed; in text mode only session/update
// notifications render, the synthesized request and response frames are
// bookkeeping.
func (r *Renderer) Event(message json.RawMessage) {
	switch r.mode {
	case ModeQuiet:
		return
	case ModeJSON:
		r.mu.Lock()
		defer r.mu.Unlock()
		fmt.Fprintf(r.out, "%s\n", bytes.TrimSpace(message))
		return
	}

	var frame struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(message, &frame); err != nil || frame.Method != "session/update" {
		return
	}
	var n acp.SessionNotification
	if err := json.Unmarshal(frame.Params, &n); err != nil {
		return
	}
	r.renderUpdate(n)
}

func (r *Renderer) renderUpdate(n acp.SessionNotification) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u := n.Update
	switch {
	case u.AgentMessageChunk != nil:
		if t := u.AgentMessageChunk.Content.Text; t != nil {
			fmt.Fprint(r.out, t.Text)
			r.midLine = !strings.HasSuffix(t.Text, "\n")
		}

	case u.AgentThoughtChunk != nil:
		if t := u.AgentThoughtChunk.Content.Text; t != nil {
			fmt.Fprintf(r.out, "💭 %s", t.Text)
			r.midLine = !strings.HasSuffix(t.Text, "\n")
		}

	case u.ToolCall != nil:
		r.breakLine()
		fmt.Fprintf(r.out, "🔧 %s (%s)\n", u.ToolCall.Title, u.ToolCall.Status)

	case u.ToolCallUpdate != nil:
		if u.ToolCallUpdate.Status != nil {
			r.breakLine()
			fmt.Fprintf(r.out, "🔧 Tool call updated: %v\n", *u.ToolCallUpdate.Status)
		}

	case u.Plan != nil:
		r.breakLine()
		fmt.Fprintln(r.out, "📋 [plan update]")

	case u.CurrentModeUpdate != nil:
		r.breakLine()
		fmt.Fprintf(r.out, "⚙️ Mode: %s\n", u.CurrentModeUpdate.CurrentModeId)
	}
}

// breakLine terminates a dangling message line before block output.
func (r *Renderer) breakLine() {
	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
}

// Result renders the terminal outcome of a waited prompt turn.
func (r *Renderer) Result(res *queue.SessionSendResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.mode {
	case ModeQuiet:
		return nil
	case ModeJSON:
		line, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		fmt.Fprintf(r.out, "%s\n", line)
		return nil
	}

	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
	switch acp.StopReason(res.StopReason) {
	case acp.StopReasonEndTurn:
	case acp.StopReasonCancelled:
		fmt.Fprintln(r.out, "🛑 Cancelled")
	default:
		fmt.Fprintf(r.out, "⚠️ Turn ended: %s\n", res.StopReason)
	}
	return nil
}

// Queued renders the acknowledgment of a fire-and-forget submission.
func (r *Renderer) Queued(requestID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.mode {
	case ModeQuiet:
		return nil
	case ModeJSON:
		line, err := json.Marshal(struct {
			Queued    bool   `json:"queued"`
			RequestID string `json:"requestId"`
			SessionID string `json:"sessionId"`
		}{true, requestID, sessionID})
		if err != nil {
			return fmt.Errorf("failed to encode queued ack: %w", err)
		}
		fmt.Fprintf(r.out, "%s\n", line)
		return nil
	}
	fmt.Fprintf(r.out, "📬 Queued (request %s, session %s)\n", requestID, sessionID)
	return nil
}

// Err renders a classified error as a JSON line for scripted consumers.
// Text and quiet modes leave error printing to the command layer, which
// writes to stderr.
func (r *Renderer) Err(err error) {
	if r.mode != ModeJSON || err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	ce := errcode.Wrap(errcode.KindRuntime, "", err)
	line, merr := json.Marshal(struct {
		Error *errcode.Error `json:"error"`
	}{ce})
	if merr != nil {
		return
	}
	fmt.Fprintf(r.out, "%s\n", line)
}
