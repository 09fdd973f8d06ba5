package render

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/acpx/acpx/internal/errcode"
	"github.com/acpx/acpx/internal/queue"
	"github.com/acpx/acpx/internal/session"
)

func updateFrame(t *testing.T, update string) json.RawMessage {
	t.Helper()
	frame := `{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s1","update":` + update + `}}`
	if !json.Valid([]byte(frame)) {
		t.Fatalf("test frame is not valid JSON: %s", frame)
	}
	return json.RawMessage(frame)
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeText, false},
		{"text", ModeText, false},
		{"json", ModeJSON, false},
		{"quiet", ModeQuiet, false},
		{"yaml", "", true},
		{"TEXT", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseMode(%q) succeeded, want error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseMode(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestTextModeRendersMessageChunks(t *testing.T) {
	var buf bytes.Buffer
	r := New(ModeText, &buf)

	r.Event(updateFrame(t, `{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"Hello, "}}`))
	r.Event(updateFrame(t, `{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"world"}}`))
	if err := r.Result(&queue.SessionSendResult{StopReason: "end_turn"}); err != nil {
		t.Fatalf("Result failed: %v", err)
	}

	if got := buf.String(); got != "Hello, world\n" {
		t.Errorf("output = %q, want chunks joined with a closing newline", got)
	}
}

func TestTextModeBreaksLineBeforeToolCall(t *testing.T) {
	var buf bytes.Buffer
	r := New(ModeText, &buf)

	r.Event(updateFrame(t, `{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"working"}}`))
	r.Event(updateFrame(t, `{"sessionUpdate":"tool_call","toolCallId":"t1","title":"Read file","status":"pending"}`))

	got := buf.String()
	if !strings.Contains(got, "working\n🔧 Read file (pending)\n") {
		t.Errorf("output = %q, want the dangling chunk closed before the tool line", got)
	}
}

func TestTextModeSkipsBookkeepingFrames(t *testing.T) {
	var buf bytes.Buffer
	r := New(ModeText, &buf)

	r.Event(json.RawMessage(`{"jsonrpc":"2.0","id":7,"method":"session/prompt","params":{"sessionId":"s1"}}`))
	r.Event(json.RawMessage(`{"jsonrpc":"2.0","id":7,"result":{"stopReason":"end_turn"}}`))

	if buf.Len() != 0 {
		t.Errorf("output = %q, want nothing for request/response frames", buf.String())
	}
}

func TestTextModeRendersCancelledResult(t *testing.T) {
	var buf bytes.Buffer
	r := New(ModeText, &buf)
	if err := r.Result(&queue.SessionSendResult{StopReason: "cancelled"}); err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if got := buf.String(); got != "🛑 Cancelled\n" {
		t.Errorf("output = %q", got)
	}
}

func TestTextModeRendersModeUpdate(t *testing.T) {
	var buf bytes.Buffer
	r := New(ModeText, &buf)
	r.Event(updateFrame(t, `{"sessionUpdate":"current_mode_update","currentModeId":"architect"}`))
	if got := buf.String(); !strings.Contains(got, "architect") {
		t.Errorf("output = %q, want the new mode id", got)
	}
}

func TestJSONModeEchoesFramesVerbatim(t *testing.T) {
	var buf bytes.Buffer
	r := New(ModeJSON, &buf)

	frame := updateFrame(t, `{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"hi"}}`)
	r.Event(frame)
	r.Event(json.RawMessage(`{"jsonrpc":"2.0","id":3,"method":"session/prompt","params":{}}`))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2 (json mode echoes every frame)", len(lines))
	}
	if lines[0] != string(frame) {
		t.Errorf("line 1 = %s, want the frame verbatim", lines[0])
	}
}

func TestJSONModeResultShape(t *testing.T) {
	var buf bytes.Buffer
	r := New(ModeJSON, &buf)

	rec := &session.SessionRecord{RecordID: "rec-1", AgentCommand: "agent", Cwd: "/w"}
	err := r.Result(&queue.SessionSendResult{
		StopReason: "end_turn",
		RequestID:  "r1",
		SessionID:  "rec-1",
		Record:     rec,
	})
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}

	var decoded struct {
		StopReason string                 `json:"stopReason"`
		RequestID  string                 `json:"requestId"`
		SessionID  string                 `json:"sessionId"`
		Record     map[string]interface{} `json:"record"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("result line is not JSON: %v", err)
	}
	if decoded.StopReason != "end_turn" || decoded.RequestID != "r1" || decoded.SessionID != "rec-1" {
		t.Errorf("decoded = %+v", decoded)
	}
	if decoded.Record["record_id"] != "rec-1" {
		t.Errorf("record not embedded: %v", decoded.Record)
	}
}

func TestJSONModeQueuedAck(t *testing.T) {
	var buf bytes.Buffer
	r := New(ModeJSON, &buf)
	if err := r.Queued("r1", "rec-1"); err != nil {
		t.Fatalf("Queued failed: %v", err)
	}

	var decoded struct {
		Queued    bool   `json:"queued"`
		RequestID string `json:"requestId"`
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("ack line is not JSON: %v", err)
	}
	if !decoded.Queued || decoded.RequestID != "r1" || decoded.SessionID != "rec-1" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestJSONModeErrShape(t *testing.T) {
	var buf bytes.Buffer
	r := New(ModeJSON, &buf)
	r.Err(errcode.New(errcode.KindTimeout, errcode.DetailPromptTimeout, "turn timed out").Retry())

	var decoded struct {
		Error struct {
			Code       string `json:"code"`
			DetailCode string `json:"detailCode"`
			Retryable  bool   `json:"retryable"`
		} `json:"error"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("error line is not JSON: %v", err)
	}
	if decoded.Error.Code != "TIMEOUT" || decoded.Error.DetailCode != errcode.DetailPromptTimeout || !decoded.Error.Retryable {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestQuietModeSuppressesEverything(t *testing.T) {
	var buf bytes.Buffer
	r := New(ModeQuiet, &buf)

	r.Event(updateFrame(t, `{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"hi"}}`))
	if err := r.Result(&queue.SessionSendResult{StopReason: "end_turn"}); err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if err := r.Queued("r1", "rec-1"); err != nil {
		t.Fatalf("Queued failed: %v", err)
	}
	r.Err(errcode.New(errcode.KindRuntime, "", "boom"))

	if buf.Len() != 0 {
		t.Errorf("output = %q, want nothing in quiet mode", buf.String())
	}
}
