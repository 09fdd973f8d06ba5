package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	sdk "github.com/coder/acp-go-sdk"

	"github.com/acpx/acpx/internal/acp"
)

// PayloadEnv is the environment variable carrying the owner payload from
// the spawning CLI to the detached owner process. The owner has no CLI
// parsing of its own beyond the hidden command name.
const PayloadEnv = "ACPX_QUEUE_OWNER_PAYLOAD"

// OwnerPayload is everything a detached owner needs to serve one session.
type OwnerPayload struct {
	RecordID        string            `json:"recordId"`
	StateDir        string            `json:"stateDir,omitempty"`
	IdleTTLMs       int64             `json:"idleTtlMs,omitempty"`
	AuthMethodID    string            `json:"authMethodId,omitempty"`
	AuthPolicy      string            `json:"authPolicy,omitempty"`
	Credentials     map[string]string `json:"credentials,omitempty"`
	Restricted      string            `json:"restricted,omitempty"`
	OutputByteLimit int               `json:"outputByteLimit,omitempty"`
	McpServers      []sdk.McpServer   `json:"mcpServers,omitempty"`
	LogLevel        string            `json:"logLevel,omitempty"`
	LogFileLevel    string            `json:"logFileLevel,omitempty"`
	Debug           bool              `json:"debug,omitempty"`
}

// Encode serializes the payload for the child environment.
func (p OwnerPayload) Encode() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode owner payload: %w", err)
	}
	return string(data), nil
}

// DecodePayloadEnv reads the payload from the owner's own environment.
func DecodePayloadEnv() (OwnerPayload, error) {
	raw := os.Getenv(PayloadEnv)
	if raw == "" {
		return OwnerPayload{}, fmt.Errorf("%s is not set", PayloadEnv)
	}
	var p OwnerPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return OwnerPayload{}, fmt.Errorf("failed to decode owner payload: %w", err)
	}
	if p.RecordID == "" {
		return OwnerPayload{}, fmt.Errorf("owner payload has no record id")
	}
	return p, nil
}

// IdleTTL returns the configured TTL or the default.
func (p OwnerPayload) IdleTTL() time.Duration {
	if p.IdleTTLMs <= 0 {
		return DefaultIdleTTL
	}
	return time.Duration(p.IdleTTLMs) * time.Millisecond
}

// SupervisorOptions maps the payload onto the agent supervisor knobs.
func (p OwnerPayload) SupervisorOptions() (acp.SupervisorOptions, error) {
	policy, err := acp.ParseAuthPolicy(p.AuthPolicy)
	if err != nil {
		return acp.SupervisorOptions{}, err
	}
	return acp.SupervisorOptions{
		Credentials:     p.Credentials,
		AuthMethodID:    p.AuthMethodID,
		AuthPolicy:      policy,
		Restricted:      p.Restricted,
		OutputByteLimit: p.OutputByteLimit,
		McpServers:      p.McpServers,
	}, nil
}
