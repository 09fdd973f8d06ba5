package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/acpx/acpx/internal/acp"
	"github.com/acpx/acpx/internal/appdir"
	"github.com/acpx/acpx/internal/config"
	"github.com/acpx/acpx/internal/errcode"
	"github.com/acpx/acpx/internal/logging"
	"github.com/acpx/acpx/internal/queue"
	"github.com/acpx/acpx/internal/secrets"
	"github.com/acpx/acpx/internal/session"
)

// sessionFlags select the record a command operates on. An explicit
// --session always wins; otherwise the (agent, cwd, name) scope is matched
// against open records, walking up from cwd to the git root.
type sessionFlags struct {
	session string
	agent   string
	cwd     string
	name    string
	fresh   bool
}

// register adds the selection flags to a command. withNew also registers
// --new for commands that may create records.
func (f *sessionFlags) register(cmd *cobra.Command, withNew bool) {
	cmd.Flags().StringVar(&f.session, "session", "", "Session record id or name")
	cmd.Flags().StringVar(&f.agent, "agent", "", "Agent alias from the config, or a literal command line")
	cmd.Flags().StringVar(&f.cwd, "cwd", "", "Session working directory (default: current directory)")
	cmd.Flags().StringVar(&f.name, "name", "", "Session name; named sessions use the name as record id")
	if withNew {
		cmd.Flags().BoolVar(&f.fresh, "new", false, "Create a fresh session record even when the scope matches one")
	}
}

// scope resolves the flags into a lookup scope plus the agent settings
// behind it. The agent command is parsed here so quoting mistakes fail as
// usage errors before anything is spawned.
func (f *sessionFlags) scope() (session.Scope, config.Agent, error) {
	agent, err := cfg.ResolveAgent(f.agent)
	if err != nil {
		return session.Scope{}, config.Agent{}, errcode.Wrap(errcode.KindUsage, "", err)
	}
	if _, err := acp.ParseCommand(agent.Command); err != nil {
		return session.Scope{}, config.Agent{}, err
	}

	cwd := f.cwd
	if cwd == "" {
		if cwd, err = os.Getwd(); err != nil {
			return session.Scope{}, config.Agent{}, fmt.Errorf("failed to resolve working directory: %w", err)
		}
	}
	abs, err := filepath.Abs(cwd)
	if err != nil {
		return session.Scope{}, config.Agent{}, fmt.Errorf("failed to resolve path %q: %w", cwd, err)
	}

	return session.Scope{AgentCommand: agent.Command, Cwd: abs, Name: f.name}, agent, nil
}

// openStore opens the record store under the state directory.
func openStore() (*session.Store, error) {
	dir, err := appdir.SessionsDir()
	if err != nil {
		return nil, err
	}
	return session.NewStore(dir)
}

// agentForRecord recovers the config-level agent settings for a record.
// Records store the command, not the alias; an unconfigured command still
// yields a usable bare agent.
func agentForRecord(rec *session.SessionRecord) config.Agent {
	if agent, ok := cfg.AgentByCommand(rec.AgentCommand); ok {
		return agent
	}
	return config.Agent{Command: rec.AgentCommand}
}

// loadRecord loads an explicit record id, classifying a miss as NO_SESSION.
func loadRecord(store *session.Store, id string) (*session.SessionRecord, error) {
	rec, err := store.Load(id)
	if errors.Is(err, session.ErrRecordNotFound) {
		return nil, errcode.Newf(errcode.KindNoSession, errcode.DetailSessionNotFound,
			"no session record %q", id)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// findRecord resolves an existing record from the flags without ever
// creating one.
func findRecord(store *session.Store, f *sessionFlags) (*session.SessionRecord, config.Agent, error) {
	if f.session != "" {
		rec, err := loadRecord(store, f.session)
		if err != nil {
			return nil, config.Agent{}, err
		}
		return rec, agentForRecord(rec), nil
	}

	scope, agent, err := f.scope()
	if err != nil {
		return nil, config.Agent{}, err
	}
	rec, err := store.FindWalkUp(scope, false)
	if errors.Is(err, session.ErrRecordNotFound) {
		return nil, config.Agent{}, errcode.Newf(errcode.KindNoSession, errcode.DetailSessionNotFound,
			"no open session for this directory (agent %q, cwd %s)", scope.AgentCommand, scope.Cwd)
	}
	if err != nil {
		return nil, config.Agent{}, err
	}
	return rec, agent, nil
}

// ensureRecord resolves the record for a prompt-like command, creating one
// when the scope matches nothing. It reports whether a record was created.
func ensureRecord(store *session.Store, f *sessionFlags) (*session.SessionRecord, config.Agent, bool, error) {
	if f.session != "" && f.fresh {
		return nil, config.Agent{}, false, usagef("--session and --new are mutually exclusive")
	}
	if f.session != "" {
		rec, err := loadRecord(store, f.session)
		if err != nil {
			return nil, config.Agent{}, false, err
		}
		if rec.Closed {
			return nil, config.Agent{}, false, errcode.Newf(errcode.KindNoSession, errcode.DetailSessionClosed,
				"session %s is closed", rec.RecordID)
		}
		return rec, agentForRecord(rec), false, nil
	}

	scope, agent, err := f.scope()
	if err != nil {
		return nil, config.Agent{}, false, err
	}

	if !f.fresh {
		rec, err := store.FindWalkUp(scope, false)
		if err == nil {
			return rec, agent, false, nil
		}
		if !errors.Is(err, session.ErrRecordNotFound) {
			return nil, config.Agent{}, false, err
		}
	}

	// Named records use the name as record id, so a leftover record of
	// the same name would be silently overwritten by Save.
	if scope.Name != "" {
		if _, err := store.Load(scope.Name); err == nil {
			return nil, config.Agent{}, false, usagef(
				"session %q already exists: resume it with --session %s or remove it first",
				scope.Name, scope.Name)
		} else if !errors.Is(err, session.ErrRecordNotFound) {
			return nil, config.Agent{}, false, err
		}
	}

	rec := session.NewRecord(scope)
	if err := store.Save(rec); err != nil {
		return nil, config.Agent{}, false, err
	}
	logging.CLI().Info("created session record",
		"record_id", rec.RecordID,
		"agent_command", rec.AgentCommand,
		"cwd", rec.Cwd)
	return rec, agent, true, nil
}

// authFlags tune how the owner authenticates the agent on spawn.
type authFlags struct {
	method string
	policy string
}

func (f *authFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.method, "auth-method", "", "Auth method id to use when the agent requires authentication")
	cmd.Flags().StringVar(&f.policy, "auth-policy", "", "What to do when no credential matches: fail or skip (default: fail)")
}

// validate resolves defaults from the config and rejects unknown values.
// A nil receiver stands for a command without auth flags; config defaults
// still apply.
func (f *authFlags) validate() (string, string, error) {
	var method, policy string
	if f != nil {
		method, policy = f.method, f.policy
	}
	if policy == "" {
		policy = cfg.Defaults.AuthPolicy
	}
	if _, err := acp.ParseAuthPolicy(policy); err != nil {
		return "", "", errcode.Wrap(errcode.KindUsage, "", err)
	}
	return method, policy, nil
}

// buildSubmitter assembles the owner payload for a record and returns the
// submitter that reaches (or spawns) its queue owner.
func buildSubmitter(rec *session.SessionRecord, agent config.Agent, auth *authFlags) (*queue.Submitter, error) {
	queuesDir, err := appdir.QueuesDir()
	if err != nil {
		return nil, err
	}
	stateDir, err := appdir.Dir()
	if err != nil {
		return nil, err
	}
	method, policy, err := auth.validate()
	if err != nil {
		return nil, err
	}

	var creds map[string]string
	if agent.Auth != "" {
		value, err := secrets.GetToken(agent.Auth)
		switch {
		case err == nil && value != "":
			creds = map[string]string{agent.Auth: value}
		case errors.Is(err, secrets.ErrNotFound), errors.Is(err, secrets.ErrNotSupported):
			// Env vars (ACPX_AUTH_*) may still supply the credential.
			logging.CLI().Debug("no stored token for agent", "token", agent.Auth)
		case err != nil:
			logging.CLI().Warn("failed to read agent token", "token", agent.Auth, "error", err)
		}
	}

	payload := queue.OwnerPayload{
		RecordID:        rec.RecordID,
		StateDir:        stateDir,
		IdleTTLMs:       cfg.IdleTTLMs(),
		AuthMethodID:    method,
		AuthPolicy:      policy,
		Credentials:     creds,
		Restricted:      string(agent.Restricted),
		OutputByteLimit: cfg.OutputByteLimit(),
		McpServers:      config.SDKMcpServers(agent.McpServers),
		LogLevel:        resolvedLogLevel,
		LogFileLevel:    cfg.Logging.FileLevel,
		Debug:           debug,
	}
	return queue.NewSubmitter(queuesDir, payload), nil
}

// permissionFlags pick the permission regime for prompt turns.
type permissionFlags struct {
	mode           string
	nonInteractive string
}

func (f *permissionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.mode, "permission-mode", "", "Permission mode: approve-all, deny-all or default")
	cmd.Flags().StringVar(&f.nonInteractive, "non-interactive", "", "Resolution for permission prompts in default mode: approve, deny or fail (default: fail)")
}

// validate resolves config defaults and rejects unknown values.
func (f *permissionFlags) validate() (string, string, error) {
	mode := f.mode
	if mode == "" {
		mode = cfg.Defaults.PermissionMode
	}
	if _, err := acp.ParsePermissionMode(mode); err != nil {
		return "", "", errcode.Wrap(errcode.KindUsage, "", err)
	}
	policy := f.nonInteractive
	if policy == "" {
		policy = cfg.Defaults.NonInteractive
	}
	if _, err := acp.ParseNonInteractivePolicy(policy); err != nil {
		return "", "", errcode.Wrap(errcode.KindUsage, "", err)
	}
	return mode, policy, nil
}
