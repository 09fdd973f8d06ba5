// Package session provides persistence for acpx session records and their
// event logs. A record captures everything acpx knows about one agent
// session: identity, scope, lifecycle timestamps, the last observed agent
// exit, and bookkeeping for the NDJSON event log that stores the raw
// JSON-RPC traffic of every turn.
package session

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxTurnHistory caps the number of turn summaries kept in a record.
const maxTurnHistory = 50

// promptPreviewLimit caps the length of prompt previews in turn history.
const promptPreviewLimit = 80

// ExitReason classifies how an agent process was observed to terminate.
// Only the first observation is recorded; later signals for the same
// process are ignored.
type ExitReason string

const (
	// ExitReasonProcessExit means the child process was reaped and
	// reported an exit code or signal.
	ExitReasonProcessExit ExitReason = "process_exit"
	// ExitReasonProcessClose means acpx closed the process itself.
	ExitReasonProcessClose ExitReason = "process_close"
	// ExitReasonPipeClose means a stdio pipe reached EOF before the
	// process was reaped.
	ExitReasonPipeClose ExitReason = "pipe_close"
	// ExitReasonConnectionClose means the protocol connection shut down
	// before any process-level signal arrived.
	ExitReasonConnectionClose ExitReason = "connection_close"
)

// AgentExit records the last observed termination of an agent process.
type AgentExit struct {
	Code   *int       `json:"code,omitempty"`
	Signal string     `json:"signal,omitempty"`
	At     time.Time  `json:"at"`
	Reason ExitReason `json:"reason"`
}

// EventLogMeta is the record's view of its event log on disk.
type EventLogMeta struct {
	ActivePath      string     `json:"active_path,omitempty"`
	SegmentCount    int        `json:"segment_count"`
	MaxSegmentBytes int64      `json:"max_segment_bytes,omitempty"`
	MaxSegments     int        `json:"max_segments,omitempty"`
	LastWriteAt     *time.Time `json:"last_write_at,omitempty"`
	LastWriteError  string     `json:"last_write_error,omitempty"`
}

// TurnSummary is a short preview of one completed prompt turn.
type TurnSummary struct {
	RequestID     int64      `json:"request_id"`
	PromptPreview string     `json:"prompt_preview"`
	StopReason    string     `json:"stop_reason,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Cancelled     bool       `json:"cancelled,omitempty"`
}

// Scope identifies the session a CLI invocation should attach to.
// AgentCommand and Cwd are always part of the key; Name is part of the
// key only when non-empty. A scope matches at most one open record.
type Scope struct {
	AgentCommand string
	Cwd          string
	Name         string
}

// Matches reports whether the record belongs to this scope. A scope
// without a name only matches records without a name.
func (sc Scope) Matches(rec *SessionRecord) bool {
	return rec.AgentCommand == sc.AgentCommand &&
		rec.Cwd == sc.Cwd &&
		rec.Name == sc.Name
}

// SessionRecord is the persisted state of one agent session. Persisted
// keys are snake_case; keys written by other tools or newer versions are
// preserved verbatim across load/save in Extra.
type SessionRecord struct {
	RecordID       string     `json:"record_id"`
	ACPSessionID   string     `json:"acp_session_id,omitempty"`
	AgentSessionID string     `json:"agent_session_id,omitempty"`
	AgentCommand   string     `json:"agent_command"`
	Cwd            string     `json:"cwd"`
	Name           string     `json:"name,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastUsedAt     time.Time  `json:"last_used_at"`
	LastPromptAt   *time.Time `json:"last_prompt_at,omitempty"`
	Closed         bool       `json:"closed"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`

	// PID is the pid of the most recently spawned adapter process.
	PID            int        `json:"pid,omitempty"`
	AgentStartedAt *time.Time `json:"agent_started_at,omitempty"`
	LastAgentExit  *AgentExit `json:"last_agent_exit,omitempty"`

	// LastSeq equals the total number of frames ever appended to the
	// event log, across the active segment and all rotated ones.
	LastSeq       int64        `json:"last_seq"`
	LastRequestID int64        `json:"last_request_id,omitempty"`
	EventLog      EventLogMeta `json:"event_log"`

	TurnHistory []TurnSummary `json:"turn_history,omitempty"`

	ProtocolVersion   int             `json:"protocol_version,omitempty"`
	AgentCapabilities json.RawMessage `json:"agent_capabilities,omitempty"`
	AgentInfo         json.RawMessage `json:"agent_info,omitempty"`

	// Extra holds unknown top-level keys found when loading the record.
	Extra map[string]json.RawMessage `json:"-"`
}

// recordKeys holds every top-level JSON key owned by SessionRecord,
// derived from the struct tags. UnmarshalJSON strips these from the
// unknown-key overflow map and MarshalJSON enforces the key policy on
// them.
var recordKeys = ownedRecordKeys()

var snakeCaseKey = regexp.MustCompile(`^[a-z][a-z0-9]*(_[a-z0-9]+)*$`)

// ownedRecordKeys extracts the persisted key names from the struct tags.
func ownedRecordKeys() []string {
	t := reflect.TypeOf(SessionRecord{})
	keys := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		if tag == "" || tag == "-" {
			continue
		}
		if idx := strings.IndexByte(tag, ','); idx >= 0 {
			tag = tag[:idx]
		}
		keys = append(keys, tag)
	}
	return keys
}

// NewRecordID generates a record id for unnamed sessions. Named sessions
// use the name itself as the record id.
func NewRecordID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// NewRecord creates a record for a fresh session in the given scope.
func NewRecord(scope Scope) *SessionRecord {
	recordID := scope.Name
	if recordID == "" {
		recordID = NewRecordID()
	}
	now := time.Now().UTC()
	return &SessionRecord{
		RecordID:     recordID,
		AgentCommand: scope.AgentCommand,
		Cwd:          scope.Cwd,
		Name:         scope.Name,
		CreatedAt:    now,
		LastUsedAt:   now,
	}
}

// TouchUsed updates the last-used timestamp.
func (r *SessionRecord) TouchUsed() {
	r.LastUsedAt = time.Now().UTC()
}

// TouchPrompt updates the last-prompt and last-used timestamps.
func (r *SessionRecord) TouchPrompt() {
	now := time.Now().UTC()
	r.LastPromptAt = &now
	r.LastUsedAt = now
}

// MarkClosed marks the record closed. Closed records are excluded from
// scope lookup and refuse new prompts.
func (r *SessionRecord) MarkClosed() {
	now := time.Now().UTC()
	r.Closed = true
	r.ClosedAt = &now
	r.LastUsedAt = now
}

// RecordAgentStart notes a freshly spawned adapter process.
func (r *SessionRecord) RecordAgentStart(pid int) {
	now := time.Now().UTC()
	r.PID = pid
	r.AgentStartedAt = &now
	r.LastUsedAt = now
}

// RecordAgentExit notes the first observed termination of the current
// adapter process.
func (r *SessionRecord) RecordAgentExit(exit AgentExit) {
	if exit.At.IsZero() {
		exit.At = time.Now().UTC()
	}
	r.LastAgentExit = &exit
	r.LastUsedAt = exit.At
}

// AppendTurn adds a turn summary, evicting the oldest entries beyond the
// history cap.
func (r *SessionRecord) AppendTurn(turn TurnSummary) {
	turn.PromptPreview = PromptPreview(turn.PromptPreview)
	r.TurnHistory = append(r.TurnHistory, turn)
	if len(r.TurnHistory) > maxTurnHistory {
		r.TurnHistory = r.TurnHistory[len(r.TurnHistory)-maxTurnHistory:]
	}
}

// PromptPreview truncates a prompt to the preview length stored in turn
// history, collapsing it to a single line.
func PromptPreview(s string) string {
	for i, c := range s {
		if c == '\n' || c == '\r' {
			s = s[:i]
			break
		}
	}
	runes := []rune(s)
	if len(runes) <= promptPreviewLimit {
		return s
	}
	return string(runes[:promptPreviewLimit]) + "..."
}

// UnmarshalJSON decodes the record and keeps unknown top-level keys in
// Extra so later saves do not drop them.
func (r *SessionRecord) UnmarshalJSON(data []byte) error {
	type plain SessionRecord
	var rec plain
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, key := range recordKeys {
		delete(raw, key)
	}
	if len(raw) > 0 {
		rec.Extra = raw
	}
	*r = SessionRecord(rec)
	return nil
}

// MarshalJSON encodes the record, merging preserved unknown keys back in.
// Keys owned by the record always win over preserved ones, and every
// owned key must satisfy the snake_case policy.
func (r SessionRecord) MarshalJSON() ([]byte, error) {
	for _, key := range recordKeys {
		if !snakeCaseKey.MatchString(key) {
			return nil, fmt.Errorf("record key %q violates snake_case policy", key)
		}
	}

	type plain SessionRecord
	base, err := json.Marshal(plain(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	owned := make(map[string]bool, len(recordKeys))
	for _, key := range recordKeys {
		owned[key] = true
	}
	for key, value := range r.Extra {
		if owned[key] {
			continue
		}
		merged[key] = value
	}
	return json.Marshal(merged)
}
