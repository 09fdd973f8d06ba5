package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func (a *mockAgent) handleRequest(msg envelope) error {
	switch msg.Method {
	case "initialize":
		return a.handleInitialize(msg)
	case "authenticate":
		return a.handleAuthenticate(msg)
	case "session/new":
		return a.handleNewSession(msg)
	case "session/load":
		return a.handleLoadSession(msg)
	case "session/prompt":
		return a.handlePrompt(msg)
	case "session/cancel":
		return a.handleCancel(msg)
	case "session/set_mode":
		return a.handleSetMode(msg)
	case "session/set_model":
		return a.handleSetModel(msg)
	default:
		if msg.ID != nil {
			a.sendError(msg.ID, -32601, "Method not found")
		}
		return nil
	}
}

func (a *mockAgent) handleInitialize(msg envelope) error {
	var params initializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		a.sendError(msg.ID, -32602, "Invalid params")
		return err
	}
	a.logf("initialize: protocol %d, terminal %v", params.ProtocolVersion, params.ClientCapabilities.Terminal)

	result := initializeResult{
		ProtocolVersion: 1,
		AgentCapabilities: agentCaps{
			LoadSession:        !a.noLoad,
			PromptCapabilities: promptCapabilities{EmbeddedContext: true},
		},
		AgentInfo: &agentInfo{Name: "mock-acp-agent", Version: "1.0.0"},
	}
	for _, id := range a.authMethods {
		result.AuthMethods = append(result.AuthMethods, authMethod{ID: id, Name: "Mock " + id})
	}
	a.sendResult(msg.ID, result)
	if a.exitAfterInit {
		a.logf("exiting after initialize")
		os.Exit(0)
	}
	return nil
}

func (a *mockAgent) handleAuthenticate(msg envelope) error {
	var params authenticateParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		a.sendError(msg.ID, -32602, "Invalid params")
		return err
	}
	known := false
	for _, id := range a.authMethods {
		if id == params.MethodID {
			known = true
			break
		}
	}
	if !known {
		a.sendError(msg.ID, -32602, "Unknown auth method: "+params.MethodID)
		return nil
	}
	a.authed = true
	a.sendResult(msg.ID, struct{}{})
	return nil
}

func (a *mockAgent) checkAuth(id json.RawMessage) bool {
	if a.requireAuth && !a.authed {
		a.sendError(id, -32000, "Authentication required")
		return false
	}
	return true
}

func (a *mockAgent) handleNewSession(msg envelope) error {
	if !a.checkAuth(msg.ID) {
		return nil
	}
	var params newSessionParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		a.sendError(msg.ID, -32602, "Invalid params")
		return err
	}
	a.sessionID = fmt.Sprintf("mock-session-%d", time.Now().UnixNano())
	a.logf("new session %s in %s", a.sessionID, params.Cwd)
	a.sendResult(msg.ID, newSessionResult{
		SessionID: a.sessionID,
		Meta:      map[string]any{"sessionId": "native-" + a.sessionID},
	})
	return nil
}

func (a *mockAgent) handleLoadSession(msg envelope) error {
	if !a.checkAuth(msg.ID) {
		return nil
	}
	var params loadSessionParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		a.sendError(msg.ID, -32602, "Invalid params")
		return err
	}
	if a.forgetLoads {
		a.sendError(msg.ID, -32002, "Session not found: "+params.SessionID)
		return nil
	}
	a.sessionID = params.SessionID
	a.logf("load session %s, replaying %d updates", params.SessionID, a.replayCount)
	for i := 0; i < a.replayCount; i++ {
		a.sendUpdate(params.SessionID, messageChunk(fmt.Sprintf("replayed message %d", i+1)))
	}
	a.sendResult(msg.ID, struct{}{})
	return nil
}

func (a *mockAgent) handleCancel(msg envelope) error {
	var params sessionIDParams
	_ = json.Unmarshal(msg.Params, &params)
	a.mu.Lock()
	cancel := a.promptCancel
	a.promptCancel = nil
	a.mu.Unlock()
	if cancel != nil {
		a.logf("cancelling active prompt in %s", params.SessionID)
		close(cancel)
	} else {
		a.logf("cancel with no active prompt")
	}
	return nil
}

func (a *mockAgent) handleSetMode(msg envelope) error {
	if !a.checkAuth(msg.ID) {
		return nil
	}
	var params setModeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		a.sendError(msg.ID, -32602, "Invalid params")
		return err
	}
	if params.ModeID == "bogus" {
		a.sendError(msg.ID, -32602, "Unknown mode: "+params.ModeID)
		return nil
	}
	a.sendResult(msg.ID, struct{}{})
	return nil
}

func (a *mockAgent) handleSetModel(msg envelope) error {
	if !a.checkAuth(msg.ID) {
		return nil
	}
	var params setModelParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		a.sendError(msg.ID, -32602, "Invalid params")
		return err
	}
	a.sendResult(msg.ID, struct{}{})
	return nil
}

func (a *mockAgent) handlePrompt(msg envelope) error {
	if !a.checkAuth(msg.ID) {
		return nil
	}
	var params promptParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		a.sendError(msg.ID, -32602, "Invalid params")
		return err
	}
	if params.SessionID != a.sessionID {
		a.sendError(msg.ID, -32002, "Session not found: "+params.SessionID)
		return nil
	}

	var text string
	for _, block := range params.Prompt {
		if block.Type == "text" {
			text += block.Text
		}
	}

	cancel := make(chan struct{})
	a.mu.Lock()
	a.promptCancel = cancel
	a.mu.Unlock()

	// The turn streams on its own goroutine so the read loop keeps
	// servicing session/cancel and client replies.
	go func() {
		stop := a.runTurn(params.SessionID, text, cancel)
		a.mu.Lock()
		a.promptCancel = nil
		a.mu.Unlock()
		if rest, ok := strings.CutPrefix(stop, "__fail:"); ok {
			code, _ := strconv.Atoi(rest)
			a.sendError(msg.ID, code, "Scripted failure")
			return
		}
		a.sendResult(msg.ID, promptResult{StopReason: stop})
	}()
	return nil
}

// runTurn executes one scripted prompt turn and returns the stop reason.
func (a *mockAgent) runTurn(sid, text string, cancel <-chan struct{}) string {
	switch {
	case strings.HasPrefix(text, "FAIL:"):
		return a.turnFail(text)

	case strings.HasPrefix(text, "SLEEP:"):
		d, err := time.ParseDuration(strings.TrimPrefix(text, "SLEEP:"))
		if err != nil {
			d = 100 * time.Millisecond
		}
		select {
		case <-time.After(d):
			return "end_turn"
		case <-cancel:
			return "cancelled"
		}

	case text == "WAITCANCEL":
		for i := 1; ; i++ {
			select {
			case <-cancel:
				return "cancelled"
			case <-time.After(20 * time.Millisecond):
				a.sendUpdate(sid, messageChunk(fmt.Sprintf("still working (%d)", i)))
			}
		}

	case strings.HasPrefix(text, "READ:"):
		path := strings.TrimPrefix(text, "READ:")
		result, rpcErr, err := a.callClient("fs/read_text_file", readFileParams{SessionID: sid, Path: path})
		if err != nil {
			return "refusal"
		}
		if rpcErr != nil {
			a.sendUpdate(sid, messageChunk("read failed: "+rpcErr.Message))
			return "end_turn"
		}
		var parsed readFileResult
		_ = json.Unmarshal(result, &parsed)
		a.sendUpdate(sid, messageChunk("read: "+parsed.Content))
		return "end_turn"

	case strings.HasPrefix(text, "WRITE:"):
		rest := strings.TrimPrefix(text, "WRITE:")
		path, content, _ := strings.Cut(rest, "|")
		_, rpcErr, err := a.callClient("fs/write_text_file", writeFileParams{SessionID: sid, Path: path, Content: content})
		if err != nil {
			return "refusal"
		}
		if rpcErr != nil {
			a.sendUpdate(sid, messageChunk("write failed: "+rpcErr.Message))
		} else {
			a.sendUpdate(sid, messageChunk("wrote "+path))
		}
		return "end_turn"

	case strings.HasPrefix(text, "PERM:"):
		title := strings.TrimPrefix(text, "PERM:")
		result, rpcErr, err := a.callClient("session/request_permission", requestPermissionParams{
			SessionID: sid,
			ToolCall: permissionToolCall{
				ToolCallID: "tool-1",
				Title:      title,
				Kind:       "edit",
				Status:     "pending",
			},
			Options: []permissionOption{
				{OptionID: "allow", Name: "Allow", Kind: "allow_once"},
				{OptionID: "reject", Name: "Reject", Kind: "reject_once"},
			},
		})
		if err != nil || rpcErr != nil {
			return "refusal"
		}
		var outcome permissionOutcome
		_ = json.Unmarshal(result, &outcome)
		switch outcome.Outcome.Outcome {
		case "selected":
			a.sendUpdate(sid, messageChunk("permission "+outcome.Outcome.OptionID))
		default:
			a.sendUpdate(sid, messageChunk("permission cancelled"))
		}
		return "end_turn"

	case strings.HasPrefix(text, "TERM:"):
		return a.turnTerminal(sid, strings.TrimPrefix(text, "TERM:"))

	default:
		a.sendUpdate(sid, thoughtChunk("thinking about: "+text))
		for i := 1; i <= 3; i++ {
			select {
			case <-cancel:
				return "cancelled"
			case <-time.After(a.delay):
			}
			a.sendUpdate(sid, messageChunk(fmt.Sprintf("echo %d: %s", i, text)))
		}
		return "end_turn"
	}
}

// turnFail returns a sentinel stop reason; handlePrompt turns it into a
// JSON-RPC error response instead of a result frame.
func (a *mockAgent) turnFail(text string) string {
	code, err := strconv.Atoi(strings.TrimPrefix(text, "FAIL:"))
	if err != nil {
		code = -32603
	}
	a.logf("failing prompt with code %d", code)
	return fmt.Sprintf("__fail:%d", code)
}

func (a *mockAgent) turnTerminal(sid, command string) string {
	created, rpcErr, err := a.callClient("terminal/create", createTerminalParams{
		SessionID: sid,
		Command:   "/bin/sh",
		Args:      []string{"-c", command},
	})
	if err != nil || rpcErr != nil {
		return "refusal"
	}
	var term createTerminalResult
	_ = json.Unmarshal(created, &term)

	waited, rpcErr, err := a.callClient("terminal/wait_for_exit", terminalIDParams{SessionID: sid, TerminalID: term.TerminalID})
	if err != nil || rpcErr != nil {
		return "refusal"
	}
	var exit waitForExitResult
	_ = json.Unmarshal(waited, &exit)

	output, rpcErr, err := a.callClient("terminal/output", terminalIDParams{SessionID: sid, TerminalID: term.TerminalID})
	if err != nil || rpcErr != nil {
		return "refusal"
	}
	var out terminalOutputResult
	_ = json.Unmarshal(output, &out)

	_, _, _ = a.callClient("terminal/release", terminalIDParams{SessionID: sid, TerminalID: term.TerminalID})

	code := 0
	if exit.ExitCode != nil {
		code = *exit.ExitCode
	}
	a.sendUpdate(sid, messageChunk(fmt.Sprintf("terminal exited %d: %s", code, strings.TrimSpace(out.Output))))
	return "end_turn"
}
