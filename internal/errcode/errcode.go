// Package errcode defines the acpx error taxonomy and the process exit
// codes derived from it. Failures anywhere in the CLI are wrapped into an
// *Error carrying a kind, a machine-readable detail code and a retryable
// hint; the command layer maps the kind to an exit code at the very end.
package errcode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure. Kinds travel over the queue socket in the
// "code" field of error frames and map onto stable process exit codes.
type Kind string

const (
	KindSuccess          Kind = "SUCCESS"
	KindRuntime          Kind = "RUNTIME"
	KindUsage            Kind = "USAGE"
	KindTimeout          Kind = "TIMEOUT"
	KindNoSession        Kind = "NO_SESSION"
	KindPermissionDenied Kind = "PERMISSION_DENIED"
	KindInterrupted      Kind = "INTERRUPTED"
)

// Stable exit codes.
const (
	ExitSuccess          = 0
	ExitError            = 1
	ExitUsage            = 2
	ExitTimeout          = 3
	ExitNoSession        = 4
	ExitPermissionDenied = 5
	ExitInterrupted      = 130
)

// ExitCodeFor maps a kind to its process exit code. Unknown kinds map to
// the generic error code.
func ExitCodeFor(k Kind) int {
	switch k {
	case KindSuccess:
		return ExitSuccess
	case KindUsage:
		return ExitUsage
	case KindTimeout:
		return ExitTimeout
	case KindNoSession:
		return ExitNoSession
	case KindPermissionDenied:
		return ExitPermissionDenied
	case KindInterrupted:
		return ExitInterrupted
	default:
		return ExitError
	}
}

// Origins describe which subsystem produced an error. Session-not-found
// text matching applies only to runtime-origin errors.
const (
	OriginRuntime = "runtime"
	OriginQueue   = "queue"
	OriginCLI     = "cli"
)

// Detail codes carried alongside the kind. These travel over the queue
// socket and appear in JSON output, so they are part of the CLI contract.
const (
	DetailAgentError                  = "AGENT_ERROR"
	DetailAgentExited                 = "AGENT_EXITED"
	DetailAgentSpawnFailed            = "AGENT_SPAWN_FAILED"
	DetailAuthRequired                = "AUTH_REQUIRED"
	DetailHandshakeFailed             = "HANDSHAKE_FAILED"
	DetailInterrupted                 = "INTERRUPTED"
	DetailInvalidAgentCommand         = "INVALID_AGENT_COMMAND"
	DetailOwnerSpawnFailed            = "OWNER_SPAWN_FAILED"
	DetailPermissionDenied            = "PERMISSION_DENIED"
	DetailPermissionPromptUnavailable = "PERMISSION_PROMPT_UNAVAILABLE"
	DetailPromptTimeout               = "PROMPT_TIMEOUT"
	DetailQueueControlRequestFailed   = "QUEUE_CONTROL_REQUEST_FAILED"
	DetailQueueDisconnectedBeforeAck  = "QUEUE_DISCONNECTED_BEFORE_ACK"
	DetailQueueDisconnectedBeforeDone = "QUEUE_DISCONNECTED_BEFORE_COMPLETION"
	DetailQueueOwnerClosing           = "QUEUE_OWNER_CLOSING"
	DetailQueueProtocolFrameInvalid   = "QUEUE_PROTOCOL_FRAME_INVALID"
	DetailQueueRequestInvalid         = "QUEUE_REQUEST_INVALID"
	DetailQueueRequestPayloadInvalid  = "QUEUE_REQUEST_PAYLOAD_INVALID_JSON"
	DetailReplayDrainTimeout          = "REPLAY_DRAIN_TIMEOUT"
	DetailSessionBusy                 = "SESSION_BUSY"
	DetailSessionClosed               = "SESSION_CLOSED"
	DetailSessionNotFound             = "SESSION_NOT_FOUND"
	DetailUnsupportedConfigOption     = "UNSUPPORTED_CONFIG_OPTION"
)

// Error is a classified failure. Its JSON form is the error shape used by
// queue error frames and by --output json.
type Error struct {
	Kind       Kind            `json:"code"`
	Detail     string          `json:"detailCode,omitempty"`
	Message    string          `json:"message"`
	Origin     string          `json:"origin,omitempty"`
	Retryable  bool            `json:"retryable,omitempty"`
	ACPPayload json.RawMessage `json:"acpPayload,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.cause != nil {
		return e.cause.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a classified error.
func New(kind Kind, detail, message string) *Error {
	return &Error{Kind: kind, Detail: detail, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, detail, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: detail, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, preserving it for errors.Is/As.
// Returns nil if err is nil. If err is already an *Error it is returned
// unchanged so the first classification wins.
func Wrap(kind Kind, detail string, err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}
	return &Error{Kind: kind, Detail: detail, Message: err.Error(), cause: err}
}

// WithOrigin sets the origin and returns the error, for call-site chaining.
func (e *Error) WithOrigin(origin string) *Error {
	e.Origin = origin
	return e
}

// Retry marks the error retryable and returns it, for call-site chaining.
func (e *Error) Retry() *Error {
	e.Retryable = true
	return e
}

// ExitCode maps any error onto a process exit code. nil maps to 0,
// a classified *Error to its kind's code, context deadline expiry to
// the timeout code, and everything else to the generic error code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var classified *Error
	if errors.As(err, &classified) {
		return ExitCodeFor(classified.Kind)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ExitTimeout
	}
	return ExitError
}

// IsSessionNotFound reports whether an agent-side error means the session
// does not exist: ACP codes -32001/-32002, or error text containing
// "session not found". Agents disagree on codes, so the text rule is load
// bearing, not a fallback.
func IsSessionNotFound(err error) bool {
	if err == nil {
		return false
	}
	text := err.Error()
	if strings.Contains(text, "-32001") || strings.Contains(text, "-32002") {
		return true
	}
	return strings.Contains(strings.ToLower(text), "session not found")
}

// IsAuthRequired reports whether an agent-side error means authentication
// is required before the session call can succeed (ACP -32000).
func IsAuthRequired(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	if strings.Contains(text, "-32000") && strings.Contains(text, "auth") {
		return true
	}
	return strings.Contains(text, "authentication required") ||
		strings.Contains(text, "auth required")
}

// FromAgent classifies an error returned by an agent RPC call. The result
// carries the runtime origin.
func FromAgent(err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}
	switch {
	case IsSessionNotFound(err):
		return Wrap(KindNoSession, DetailSessionNotFound, err).WithOrigin(OriginRuntime)
	case IsAuthRequired(err):
		return Wrap(KindPermissionDenied, DetailAuthRequired, err).WithOrigin(OriginRuntime)
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(KindTimeout, DetailPromptTimeout, err).WithOrigin(OriginRuntime)
	default:
		return Wrap(KindRuntime, DetailAgentError, err).WithOrigin(OriginRuntime)
	}
}
