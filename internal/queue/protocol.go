package queue

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/acpx/acpx/internal/acp"
	"github.com/acpx/acpx/internal/errcode"
	"github.com/acpx/acpx/internal/session"
)

// Request kinds a submitter may send. Each connection carries exactly one
// newline-terminated request and then reads frames until the owner closes
// the socket.
const (
	RequestSubmitPrompt    = "submit_prompt"
	RequestCancelPrompt    = "cancel_prompt"
	RequestSetMode         = "set_mode"
	RequestSetConfigOption = "set_config_option"
)

// Frame types the owner writes back.
const (
	FrameAccepted              = "accepted"
	FrameEvent                 = "event"
	FrameResult                = "result"
	FrameCancelResult          = "cancel_result"
	FrameSetModeResult         = "set_mode_result"
	FrameSetConfigOptionResult = "set_config_option_result"
	FrameError                 = "error"
)

// Request is the single line a submitter sends. RequestID is assigned by
// the submitter; the owner echoes it on every frame of the exchange.
type Request struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`

	// submit_prompt
	Message                   string `json:"message,omitempty"`
	PermissionMode            string `json:"permissionMode,omitempty"`
	NonInteractivePermissions string `json:"nonInteractivePermissions,omitempty"`
	WaitForCompletion         bool   `json:"waitForCompletion,omitempty"`

	// set_mode
	ModeID string `json:"modeId,omitempty"`

	// set_config_option
	ConfigID string `json:"configId,omitempty"`
	Value    string `json:"value,omitempty"`

	// Optional deadline for the operation, in milliseconds.
	TimeoutMs int64 `json:"timeoutMs,omitempty"`
}

// Validate checks the request shape before it is acked.
func (r Request) Validate() error {
	if r.RequestID == "" {
		return errors.New("requestId is required")
	}
	switch r.Type {
	case RequestSubmitPrompt:
		if r.Message == "" {
			return errors.New("submit_prompt requires a message")
		}
	case RequestCancelPrompt:
	case RequestSetMode:
		if r.ModeID == "" {
			return errors.New("set_mode requires a modeId")
		}
	case RequestSetConfigOption:
		if r.ConfigID == "" {
			return errors.New("set_config_option requires a configId")
		}
	default:
		return fmt.Errorf("unknown request type %q", r.Type)
	}
	return nil
}

// SessionSendResult is the payload of the terminal result frame for a
// completed prompt turn.
type SessionSendResult struct {
	StopReason      string                 `json:"stopReason"`
	RequestID       string                 `json:"requestId"`
	SessionID       string                 `json:"sessionId"`
	PermissionStats acp.PermissionStats    `json:"permissionStats"`
	Record          *session.SessionRecord `json:"record,omitempty"`
}

// Frame is one NDJSON response line. The meaning of Message depends on
// Type: event frames carry an opaque JSON-RPC object, error frames carry
// the human-readable text (as a JSON string).
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`

	// result
	Result *SessionSendResult `json:"result,omitempty"`

	// cancel_result
	Cancelled *bool `json:"cancelled,omitempty"`

	// error (flattened errcode.Error)
	Code       errcode.Kind    `json:"code,omitempty"`
	DetailCode string          `json:"detailCode,omitempty"`
	Retryable  bool            `json:"retryable,omitempty"`
	ACPPayload json.RawMessage `json:"acpPayload,omitempty"`
}

// EncodeFrame marshals a frame as one NDJSON line, newline included.
func EncodeFrame(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// DecodeFrame parses one NDJSON line into a frame.
func DecodeFrame(line []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return Frame{}, err
	}
	if f.Type == "" {
		return Frame{}, errors.New("frame has no type")
	}
	return f, nil
}

func acceptedFrame(requestID string) Frame {
	return Frame{Type: FrameAccepted, RequestID: requestID}
}

func eventFrame(requestID string, message []byte) Frame {
	return Frame{Type: FrameEvent, RequestID: requestID, Message: json.RawMessage(message)}
}

func resultFrame(requestID string, result SessionSendResult) Frame {
	return Frame{Type: FrameResult, RequestID: requestID, Result: &result}
}

func cancelResultFrame(requestID string, cancelled bool) Frame {
	return Frame{Type: FrameCancelResult, RequestID: requestID, Cancelled: &cancelled}
}

// errorFrame flattens an error into the wire shape. Unclassified errors
// become non-retryable runtime errors with queue origin.
func errorFrame(requestID string, err error) Frame {
	var ce *errcode.Error
	if !errors.As(err, &ce) {
		ce = errcode.Wrap(errcode.KindRuntime, "", err)
	}
	text, merr := json.Marshal(ce.Message)
	if merr != nil {
		text = []byte(`"internal error"`)
	}
	return Frame{
		Type:       FrameError,
		RequestID:  requestID,
		Message:    json.RawMessage(text),
		Code:       ce.Kind,
		DetailCode: ce.Detail,
		Retryable:  ce.Retryable,
		ACPPayload: ce.ACPPayload,
	}
}

// ErrorText returns the human-readable text of an error frame.
func (f Frame) ErrorText() string {
	var s string
	if err := json.Unmarshal(f.Message, &s); err != nil {
		return string(f.Message)
	}
	return s
}

// Err reconstructs the classified error an error frame carries. Frames of
// other types yield nil.
func (f Frame) Err() *errcode.Error {
	if f.Type != FrameError {
		return nil
	}
	kind := f.Code
	if kind == "" {
		kind = errcode.KindRuntime
	}
	e := errcode.New(kind, f.DetailCode, f.ErrorText()).WithOrigin(errcode.OriginQueue)
	if f.Retryable {
		e = e.Retry()
	}
	e.ACPPayload = f.ACPPayload
	return e
}

// IsTerminal reports whether this frame ends the exchange.
func (f Frame) IsTerminal() bool {
	switch f.Type {
	case FrameResult, FrameCancelResult, FrameSetModeResult, FrameSetConfigOptionResult, FrameError:
		return true
	}
	return false
}
