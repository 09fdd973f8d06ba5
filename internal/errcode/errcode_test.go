package errcode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{
			name: "nil error",
			err:  nil,
			want: 0,
		},
		{
			name: "plain error",
			err:  errors.New("boom"),
			want: 1,
		},
		{
			name: "no_session",
			err:  New(KindNoSession, DetailSessionNotFound, "no such session"),
			want: 4,
		},
		{
			name: "usage",
			err:  New(KindUsage, DetailQueueRequestInvalid, "bad flag"),
			want: 2,
		},
		{
			name: "wrapped classified error",
			err:  fmt.Errorf("submit failed: %w", New(KindPermissionDenied, DetailPermissionDenied, "denied")),
			want: 5,
		},
		{
			name: "context deadline",
			err:  fmt.Errorf("prompt: %w", context.DeadlineExceeded),
			want: 3,
		},
		{
			name: "interrupted",
			err:  New(KindInterrupted, DetailInterrupted, "signal: interrupt"),
			want: 130,
		},
		{
			name: "runtime",
			err:  New(KindRuntime, DetailAgentExited, "agent exited"),
			want: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindSuccess, 0},
		{KindRuntime, 1},
		{KindUsage, 2},
		{KindTimeout, 3},
		{KindNoSession, 4},
		{KindPermissionDenied, 5},
		{KindInterrupted, 130},
		{Kind("SOMETHING_ELSE"), 1},
	}
	for _, tt := range tests {
		if got := ExitCodeFor(tt.kind); got != tt.want {
			t.Errorf("ExitCodeFor(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestIsSessionNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "nil",
			err:  nil,
			want: false,
		},
		{
			name: "code -32001",
			err:  errors.New("session/load failed: request error (code -32001)"),
			want: true,
		},
		{
			name: "code -32002",
			err:  errors.New("rpc error -32002: unknown session"),
			want: true,
		},
		{
			name: "text match",
			err:  errors.New("agent says: Session Not Found"),
			want: true,
		},
		{
			name: "other code with session text",
			err:  errors.New("rpc error -32000: session not found"),
			want: true,
		},
		{
			name: "unrelated error",
			err:  errors.New("connection reset by peer"),
			want: false,
		},
		{
			name: "unrelated rpc code",
			err:  errors.New("rpc error -32603: internal error"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSessionNotFound(tt.err); got != tt.want {
				t.Errorf("IsSessionNotFound() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsAuthRequired(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "code with auth text",
			err:  errors.New("rpc error -32000: authentication required"),
			want: true,
		},
		{
			name: "plain auth required",
			err:  errors.New("auth required: run `claude login` first"),
			want: true,
		},
		{
			name: "code without auth text",
			err:  errors.New("rpc error -32000: something else"),
			want: false,
		},
		{
			name: "nil",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAuthRequired(tt.err); got != tt.want {
				t.Errorf("IsAuthRequired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFromAgent(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantKind   Kind
		wantDetail string
	}{
		{
			name:       "session not found",
			err:        errors.New("rpc error -32001: no session"),
			wantKind:   KindNoSession,
			wantDetail: DetailSessionNotFound,
		},
		{
			name:       "auth required",
			err:        errors.New("rpc error -32000: authentication required"),
			wantKind:   KindPermissionDenied,
			wantDetail: DetailAuthRequired,
		},
		{
			name:       "deadline",
			err:        context.DeadlineExceeded,
			wantKind:   KindTimeout,
			wantDetail: DetailPromptTimeout,
		},
		{
			name:       "generic",
			err:        errors.New("pipe broke"),
			wantKind:   KindRuntime,
			wantDetail: DetailAgentError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromAgent(tt.err)
			if got == nil {
				t.Fatal("FromAgent() returned nil")
			}
			if got.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", got.Kind, tt.wantKind)
			}
			if got.Detail != tt.wantDetail {
				t.Errorf("Detail = %q, want %q", got.Detail, tt.wantDetail)
			}
			if got.Origin != OriginRuntime {
				t.Errorf("Origin = %q, want %q", got.Origin, OriginRuntime)
			}
		})
	}

	if FromAgent(nil) != nil {
		t.Error("FromAgent(nil) should return nil")
	}
}

func TestFromAgent_PreservesClassification(t *testing.T) {
	orig := New(KindTimeout, DetailPromptTimeout, "turn deadline exceeded")
	got := FromAgent(fmt.Errorf("prompt: %w", orig))
	if got.Kind != KindTimeout || got.Detail != DetailPromptTimeout {
		t.Errorf("existing classification overwritten: %+v", got)
	}
}

func TestWrap(t *testing.T) {
	cause := errors.New("underlying")
	wrapped := Wrap(KindNoSession, DetailSessionNotFound, cause)

	if !errors.Is(wrapped, cause) {
		t.Error("Wrap should preserve the cause for errors.Is")
	}
	if wrapped.Kind != KindNoSession {
		t.Errorf("Kind = %v, want KindNoSession", wrapped.Kind)
	}

	if Wrap(KindRuntime, "", nil) != nil {
		t.Error("Wrap(nil) should return nil")
	}

	// Double-wrap keeps the first classification.
	again := Wrap(KindRuntime, DetailAgentError, fmt.Errorf("outer: %w", wrapped))
	if again.Kind != KindNoSession {
		t.Errorf("double wrap replaced classification: got %v", again.Kind)
	}
}

func TestError_MarshalJSON(t *testing.T) {
	e := Newf(KindPermissionDenied, DetailPermissionDenied, "user denied %q", "write_file").
		WithOrigin(OriginRuntime).Retry()
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	s := string(data)
	wants := []string{
		`"code":"PERMISSION_DENIED"`,
		`"detailCode":"PERMISSION_DENIED"`,
		`"origin":"runtime"`,
		`"retryable":true`,
	}
	for _, want := range wants {
		if !strings.Contains(s, want) {
			t.Errorf("marshaled error missing %s: %s", want, s)
		}
	}
}

func TestError_RoundTrip(t *testing.T) {
	orig := &Error{
		Kind:       KindNoSession,
		Detail:     DetailSessionNotFound,
		Message:    "session gone",
		Origin:     OriginQueue,
		Retryable:  true,
		ACPPayload: json.RawMessage(`{"code":-32002}`),
	}
	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var got Error
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got.Kind != orig.Kind || got.Detail != orig.Detail || got.Message != orig.Message ||
		got.Origin != orig.Origin || got.Retryable != orig.Retryable {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, *orig)
	}
	if string(got.ACPPayload) != string(orig.ACPPayload) {
		t.Errorf("acpPayload mismatch: got %s", got.ACPPayload)
	}
}
