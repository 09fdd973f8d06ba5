package acp

import (
	"fmt"
	"strings"

	"github.com/coder/acp-go-sdk"
)

// PermissionMode decides how agent permission requests are answered for
// a turn. Owners are headless, so "default" resolves through the
// non-interactive policy rather than a prompt.
type PermissionMode string

const (
	// PermissionApproveAll answers every request with the first
	// allow-kind option.
	PermissionApproveAll PermissionMode = "approve-all"
	// PermissionDenyAll answers every request with the first
	// reject-kind option.
	PermissionDenyAll PermissionMode = "deny-all"
	// PermissionDefault defers to the non-interactive policy.
	PermissionDefault PermissionMode = "default"
)

// ParsePermissionMode validates a mode string from a flag or config.
func ParsePermissionMode(s string) (PermissionMode, error) {
	switch PermissionMode(s) {
	case PermissionApproveAll, PermissionDenyAll, PermissionDefault:
		return PermissionMode(s), nil
	case "":
		return PermissionDefault, nil
	}
	return "", fmt.Errorf("invalid permission mode %q (expected approve-all, deny-all or default)", s)
}

// NonInteractivePolicy resolves permission confirmations when the mode
// is "default" and nobody can be asked.
type NonInteractivePolicy string

const (
	// NonInteractiveApprove approves silently.
	NonInteractiveApprove NonInteractivePolicy = "approve"
	// NonInteractiveDeny denies silently.
	NonInteractiveDeny NonInteractivePolicy = "deny"
	// NonInteractiveFail fails the request so the turn surfaces a
	// permission error instead of guessing.
	NonInteractiveFail NonInteractivePolicy = "fail"
)

// ParseNonInteractivePolicy validates a policy string from a flag or
// config.
func ParseNonInteractivePolicy(s string) (NonInteractivePolicy, error) {
	switch NonInteractivePolicy(s) {
	case NonInteractiveApprove, NonInteractiveDeny, NonInteractiveFail:
		return NonInteractivePolicy(s), nil
	case "":
		return NonInteractiveFail, nil
	}
	return "", fmt.Errorf("invalid non-interactive policy %q (expected approve, deny or fail)", s)
}

// PermissionStats counts permission decisions made during a turn.
type PermissionStats struct {
	Requested int `json:"requested"`
	Approved  int `json:"approved"`
	Denied    int `json:"denied"`
	Cancelled int `json:"cancelled"`
}

// ApproveResponse selects the first allow-kind option, falling back to
// the first option, or cancelling when the agent offered none.
func ApproveResponse(options []acp.PermissionOption) acp.RequestPermissionResponse {
	for _, opt := range options {
		if opt.Kind == acp.PermissionOptionKindAllowOnce || opt.Kind == acp.PermissionOptionKindAllowAlways {
			return selectedResponse(opt.OptionId)
		}
	}
	if len(options) > 0 {
		return selectedResponse(options[0].OptionId)
	}
	return CancelledResponse()
}

// DenyResponse selects the first reject-kind option, or cancels when the
// agent offered no reject option.
func DenyResponse(options []acp.PermissionOption) acp.RequestPermissionResponse {
	for _, opt := range options {
		if opt.Kind == acp.PermissionOptionKindRejectOnce || opt.Kind == acp.PermissionOptionKindRejectAlways {
			return selectedResponse(opt.OptionId)
		}
	}
	return CancelledResponse()
}

func selectedResponse(id acp.PermissionOptionId) acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{OptionId: id},
		},
	}
}

// CancelledResponse reports the request as cancelled.
func CancelledResponse() acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}},
	}
}

// ContentPreview shortens file content for permission decisions and
// logs: at most maxLines lines and maxChars characters, with a trailing
// ellipsis when cut.
func ContentPreview(content string, maxLines, maxChars int) string {
	preview := content
	truncated := false

	if maxLines > 0 {
		lines := strings.SplitN(preview, "\n", maxLines+1)
		if len(lines) > maxLines {
			preview = strings.Join(lines[:maxLines], "\n")
			truncated = true
		}
	}
	if maxChars > 0 {
		runes := []rune(preview)
		if len(runes) > maxChars {
			preview = string(runes[:maxChars])
			truncated = true
		}
	}
	if truncated {
		preview += "\n..."
	}
	return preview
}
