package cmd

import (
	"errors"
	"strings"
	"testing"

	"github.com/acpx/acpx/internal/config"
	"github.com/acpx/acpx/internal/errcode"
	"github.com/acpx/acpx/internal/session"
)

// testConfig installs a config for the duration of one test.
func testConfig(t *testing.T, c *config.Config) {
	t.Helper()
	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
}

func testStore(t *testing.T) *session.Store {
	t.Helper()
	store, err := session.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func wantKind(t *testing.T, err error, kind errcode.Kind) {
	t.Helper()
	var ce *errcode.Error
	if !errors.As(err, &ce) {
		t.Fatalf("expected a classified error, got %v", err)
	}
	if ce.Kind != kind {
		t.Errorf("kind = %s, want %s (message %q)", ce.Kind, kind, ce.Message)
	}
}

func TestScopeResolvesAgentAndCwd(t *testing.T) {
	testConfig(t, &config.Config{
		Agents: map[string]config.Agent{
			"claude": {Command: "claude-code-acp --stdio"},
		},
	})
	dir := t.TempDir()

	f := &sessionFlags{agent: "claude", cwd: dir, name: "review"}
	scope, agent, err := f.scope()
	if err != nil {
		t.Fatalf("scope: %v", err)
	}
	if scope.AgentCommand != "claude-code-acp --stdio" {
		t.Errorf("AgentCommand = %q", scope.AgentCommand)
	}
	if scope.Cwd != dir {
		t.Errorf("Cwd = %q, want %q", scope.Cwd, dir)
	}
	if scope.Name != "review" {
		t.Errorf("Name = %q", scope.Name)
	}
	if agent.Command != scope.AgentCommand {
		t.Errorf("agent.Command = %q", agent.Command)
	}
}

func TestScopeRejectsBadQuoting(t *testing.T) {
	testConfig(t, &config.Config{})

	f := &sessionFlags{agent: `node adapter.js --flag "unterminated`, cwd: t.TempDir()}
	_, _, err := f.scope()
	if err == nil {
		t.Fatal("expected error for unterminated quote")
	}
	wantKind(t, err, errcode.KindUsage)
}

func TestScopeUnknownAgentIsUsageError(t *testing.T) {
	testConfig(t, &config.Config{})

	f := &sessionFlags{agent: "nonexistent-alias", cwd: t.TempDir()}
	_, _, err := f.scope()
	if err == nil {
		t.Fatal("expected error for unknown alias")
	}
	wantKind(t, err, errcode.KindUsage)
}

func TestEnsureRecordCreatesAndResumes(t *testing.T) {
	testConfig(t, &config.Config{})
	store := testStore(t)
	dir := t.TempDir()

	f := &sessionFlags{agent: "echo hello", cwd: dir}
	rec, _, created, err := ensureRecord(store, f)
	if err != nil {
		t.Fatalf("ensureRecord: %v", err)
	}
	if !created {
		t.Fatal("expected a fresh record")
	}
	if rec.AgentCommand != "echo hello" || rec.Cwd != dir {
		t.Errorf("record scope = (%q, %q)", rec.AgentCommand, rec.Cwd)
	}

	again, _, created, err := ensureRecord(store, f)
	if err != nil {
		t.Fatalf("ensureRecord (resume): %v", err)
	}
	if created {
		t.Error("second call should resume, not create")
	}
	if again.RecordID != rec.RecordID {
		t.Errorf("resumed %q, want %q", again.RecordID, rec.RecordID)
	}
}

func TestEnsureRecordNewForcesFreshRecord(t *testing.T) {
	testConfig(t, &config.Config{})
	store := testStore(t)
	dir := t.TempDir()

	first, _, _, err := ensureRecord(store, &sessionFlags{agent: "echo hello", cwd: dir})
	if err != nil {
		t.Fatalf("ensureRecord: %v", err)
	}
	second, _, created, err := ensureRecord(store, &sessionFlags{agent: "echo hello", cwd: dir, fresh: true})
	if err != nil {
		t.Fatalf("ensureRecord --new: %v", err)
	}
	if !created {
		t.Error("--new should create")
	}
	if second.RecordID == first.RecordID {
		t.Error("--new reused the existing record")
	}
}

func TestEnsureRecordNamedSession(t *testing.T) {
	testConfig(t, &config.Config{})
	store := testStore(t)
	dir := t.TempDir()

	rec, _, _, err := ensureRecord(store, &sessionFlags{agent: "echo hello", cwd: dir, name: "review"})
	if err != nil {
		t.Fatalf("ensureRecord: %v", err)
	}
	if rec.RecordID != "review" {
		t.Errorf("named session record id = %q, want the name", rec.RecordID)
	}

	// A second named create with --new collides on the record id.
	_, _, _, err = ensureRecord(store, &sessionFlags{agent: "echo hello", cwd: dir, name: "review", fresh: true})
	if err == nil {
		t.Fatal("expected collision error")
	}
	wantKind(t, err, errcode.KindUsage)
}

func TestEnsureRecordSessionAndNewConflict(t *testing.T) {
	testConfig(t, &config.Config{})
	store := testStore(t)

	_, _, _, err := ensureRecord(store, &sessionFlags{session: "x", fresh: true})
	if err == nil {
		t.Fatal("expected usage error")
	}
	wantKind(t, err, errcode.KindUsage)
}

func TestEnsureRecordExplicitMissing(t *testing.T) {
	testConfig(t, &config.Config{})
	store := testStore(t)

	_, _, _, err := ensureRecord(store, &sessionFlags{session: "nope"})
	if err == nil {
		t.Fatal("expected error")
	}
	wantKind(t, err, errcode.KindNoSession)
}

func TestEnsureRecordRefusesClosedSession(t *testing.T) {
	testConfig(t, &config.Config{})
	store := testStore(t)
	dir := t.TempDir()

	rec, _, _, err := ensureRecord(store, &sessionFlags{agent: "echo hello", cwd: dir})
	if err != nil {
		t.Fatalf("ensureRecord: %v", err)
	}
	rec.MarkClosed()
	if err := store.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	_, _, _, err = ensureRecord(store, &sessionFlags{session: rec.RecordID})
	if err == nil {
		t.Fatal("expected closed-session error")
	}
	wantKind(t, err, errcode.KindNoSession)
	var ce *errcode.Error
	errors.As(err, &ce)
	if ce.Detail != errcode.DetailSessionClosed {
		t.Errorf("detail = %q, want %q", ce.Detail, errcode.DetailSessionClosed)
	}

	// Scope lookup skips the closed record and creates a fresh one.
	fresh, _, created, err := ensureRecord(store, &sessionFlags{agent: "echo hello", cwd: dir})
	if err != nil {
		t.Fatalf("ensureRecord after close: %v", err)
	}
	if !created || fresh.RecordID == rec.RecordID {
		t.Errorf("closed record leaked into scope lookup (created=%v, id=%q)", created, fresh.RecordID)
	}
}

func TestFindRecordNeverCreates(t *testing.T) {
	testConfig(t, &config.Config{})
	store := testStore(t)
	dir := t.TempDir()

	_, _, err := findRecord(store, &sessionFlags{agent: "echo hello", cwd: dir})
	if err == nil {
		t.Fatal("expected NO_SESSION for empty store")
	}
	wantKind(t, err, errcode.KindNoSession)

	records, lerr := store.List()
	if lerr != nil {
		t.Fatalf("List: %v", lerr)
	}
	if len(records) != 0 {
		t.Errorf("findRecord created %d records", len(records))
	}
}

func TestAgentForRecordRecoversAliasSettings(t *testing.T) {
	testConfig(t, &config.Config{
		Agents: map[string]config.Agent{
			"claude": {Command: "claude-code-acp", Auth: "anthropic-api-key"},
		},
	})

	rec := &session.SessionRecord{AgentCommand: "claude-code-acp"}
	agent := agentForRecord(rec)
	if agent.Auth != "anthropic-api-key" {
		t.Errorf("Auth = %q, want alias settings recovered", agent.Auth)
	}

	bare := agentForRecord(&session.SessionRecord{AgentCommand: "unknown-cmd --stdio"})
	if bare.Command != "unknown-cmd --stdio" || bare.Auth != "" {
		t.Errorf("bare agent = %+v", bare)
	}
}

func TestAuthFlagsValidate(t *testing.T) {
	tests := []struct {
		name       string
		flags      *authFlags
		defaults   string
		wantPolicy string
		wantErr    bool
	}{
		{name: "nil flags fall back to fail", flags: nil, wantPolicy: "fail"},
		{name: "explicit skip", flags: &authFlags{policy: "skip"}, wantPolicy: "skip"},
		{name: "config default wins over empty flag", flags: &authFlags{}, defaults: "skip", wantPolicy: "skip"},
		{name: "flag wins over config default", flags: &authFlags{policy: "fail"}, defaults: "skip", wantPolicy: "fail"},
		{name: "unknown policy rejected", flags: &authFlags{policy: "maybe"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testConfig(t, &config.Config{Defaults: config.Defaults{AuthPolicy: tt.defaults}})
			_, policy, err := tt.flags.validate()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				wantKind(t, err, errcode.KindUsage)
				return
			}
			if err != nil {
				t.Fatalf("validate: %v", err)
			}
			if policy != tt.wantPolicy {
				t.Errorf("policy = %q, want %q", policy, tt.wantPolicy)
			}
		})
	}
}

func TestPermissionFlagsValidate(t *testing.T) {
	tests := []struct {
		name     string
		flags    permissionFlags
		defaults config.Defaults
		wantMode string
		wantNI   string
		wantErr  string
	}{
		{
			name:     "empty resolves to defaults",
			wantMode: "",
			wantNI:   "",
		},
		{
			name:     "explicit approve-all",
			flags:    permissionFlags{mode: "approve-all"},
			wantMode: "approve-all",
		},
		{
			name:     "config defaults apply",
			defaults: config.Defaults{PermissionMode: "deny-all", NonInteractive: "approve"},
			wantMode: "deny-all",
			wantNI:   "approve",
		},
		{
			name:     "flags beat config defaults",
			flags:    permissionFlags{mode: "default", nonInteractive: "deny"},
			defaults: config.Defaults{PermissionMode: "approve-all", NonInteractive: "fail"},
			wantMode: "default",
			wantNI:   "deny",
		},
		{
			name:    "invalid mode",
			flags:   permissionFlags{mode: "yolo"},
			wantErr: "invalid permission mode",
		},
		{
			name:    "invalid non-interactive policy",
			flags:   permissionFlags{nonInteractive: "ask"},
			wantErr: "invalid non-interactive policy",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testConfig(t, &config.Config{Defaults: tt.defaults})
			mode, ni, err := tt.flags.validate()
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want substring %q", err, tt.wantErr)
				}
				wantKind(t, err, errcode.KindUsage)
				return
			}
			if err != nil {
				t.Fatalf("validate: %v", err)
			}
			if mode != tt.wantMode {
				t.Errorf("mode = %q, want %q", mode, tt.wantMode)
			}
			if ni != tt.wantNI {
				t.Errorf("nonInteractive = %q, want %q", ni, tt.wantNI)
			}
		})
	}
}
