// Package config loads the acpx configuration file. The file lives at
// <stateDir>/config.yaml unless --config points elsewhere; a missing file
// yields defaults so acpx works out of the box with --agent.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	sdk "github.com/coder/acp-go-sdk"

	"github.com/acpx/acpx/internal/appdir"
)

// DefaultOutputByteLimit bounds terminal output buffers when the config
// does not say otherwise.
const DefaultOutputByteLimit = 131072

// Duration is a time.Duration that unmarshals from YAML scalars like
// "90s" or "2m".
type Duration time.Duration

// UnmarshalYAML parses duration strings and bare integers (seconds).
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a scalar: %w", err)
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		// Bare numbers are taken as seconds.
		var secs int64
		if serr := value.Decode(&secs); serr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		parsed = time.Duration(secs) * time.Second
	}
	if parsed < 0 {
		return fmt.Errorf("duration %q must not be negative", s)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Restricted selects a sandbox runner for an agent. The YAML value may be
// a boolean (false disables sandboxing, true selects the platform default)
// or a runner name string.
type Restricted string

// UnmarshalYAML accepts booleans and strings.
func (r *Restricted) UnmarshalYAML(value *yaml.Node) error {
	var b bool
	if err := value.Decode(&b); err == nil {
		if b {
			*r = "true"
		} else {
			*r = ""
		}
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("restricted must be a boolean or a runner name: %w", err)
	}
	if s == "false" {
		s = ""
	}
	*r = Restricted(s)
	return nil
}

// McpServer configures one stdio MCP server, passed through verbatim on
// session/new and session/load.
type McpServer struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
}

// Agent is one configured agent alias.
type Agent struct {
	// Command is the shell command that starts the ACP adapter.
	Command string `yaml:"command"`
	// Auth names the secret-store token holding this agent's credential.
	Auth string `yaml:"auth,omitempty"`
	// Restricted opts the agent into sandboxed execution.
	Restricted Restricted `yaml:"restricted,omitempty"`
	// McpServers are exposed to the agent on session creation and load.
	McpServers []McpServer `yaml:"mcpServers,omitempty"`
}

// Defaults supply fallback values for prompt flags.
type Defaults struct {
	Agent           string `yaml:"agent,omitempty"`
	PermissionMode  string `yaml:"permissionMode,omitempty"`
	NonInteractive  string `yaml:"nonInteractive,omitempty"`
	AuthPolicy      string `yaml:"authPolicy,omitempty"`
	OutputByteLimit int    `yaml:"outputByteLimit,omitempty"`
}

// Queue tunes the owner lifecycle.
type Queue struct {
	// IdleTTL is how long an owner waits for work before retiring.
	IdleTTL Duration `yaml:"idleTTL,omitempty"`
}

// Logging mirrors the logging knobs that make sense in a file. Flags
// override these.
type Logging struct {
	Level     string `yaml:"level,omitempty"`
	File      string `yaml:"file,omitempty"`
	FileLevel string `yaml:"fileLevel,omitempty"`
}

// Config is the whole config.yaml. Unknown keys are ignored.
type Config struct {
	Agents   map[string]Agent `yaml:"agents,omitempty"`
	Defaults Defaults         `yaml:"defaults,omitempty"`
	Queue    Queue            `yaml:"queue,omitempty"`
	Logging  Logging          `yaml:"logging,omitempty"`
}

// DefaultPath returns <stateDir>/config.yaml.
func DefaultPath() (string, error) {
	return appdir.ConfigPath()
}

// Load reads the config file at path. A missing file is not an error; it
// yields the zero config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Parse parses YAML configuration data.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Agent looks up a configured alias.
func (c *Config) Agent(alias string) (Agent, bool) {
	a, ok := c.Agents[alias]
	return a, ok
}

// AgentByCommand finds the configured agent whose command matches. Session
// records store the command, not the alias; this recovers the alias-level
// settings (auth, sandbox, MCP servers) when a session is resumed.
func (c *Config) AgentByCommand(command string) (Agent, bool) {
	for _, a := range c.Agents {
		if a.Command == command {
			return a, true
		}
	}
	return Agent{}, false
}

// ResolveAgent turns an --agent flag value into an agent. An empty value
// falls back to defaults.agent; a value containing a space is a literal
// command line; anything else must be a configured alias.
func (c *Config) ResolveAgent(flagValue string) (Agent, error) {
	v := strings.TrimSpace(flagValue)
	if v == "" {
		v = c.Defaults.Agent
	}
	if v == "" {
		return Agent{}, fmt.Errorf("no agent given: pass --agent or set defaults.agent in the config")
	}
	if a, ok := c.Agents[v]; ok {
		if a.Command == "" {
			return Agent{}, fmt.Errorf("agent %q has no command configured", v)
		}
		return a, nil
	}
	if strings.ContainsRune(v, ' ') {
		return Agent{Command: v}, nil
	}
	return Agent{}, fmt.Errorf("unknown agent %q (not in config, and a bare word is not a command line)", v)
}

// IdleTTL returns the configured owner idle TTL in milliseconds, zero
// meaning the built-in default.
func (c *Config) IdleTTLMs() int64 {
	return c.Queue.IdleTTL.Std().Milliseconds()
}

// OutputByteLimit returns the terminal buffer bound.
func (c *Config) OutputByteLimit() int {
	if c.Defaults.OutputByteLimit > 0 {
		return c.Defaults.OutputByteLimit
	}
	return DefaultOutputByteLimit
}

// SDKMcpServers converts configured MCP servers to the wire type. Env
// vars are emitted in sorted order so session/new payloads are stable.
func SDKMcpServers(servers []McpServer) []sdk.McpServer {
	if len(servers) == 0 {
		return nil
	}
	out := make([]sdk.McpServer, 0, len(servers))
	for _, s := range servers {
		env := make([]sdk.EnvVariable, 0, len(s.Env))
		keys := make([]string, 0, len(s.Env))
		for k := range s.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = append(env, sdk.EnvVariable{Name: k, Value: s.Env[k]})
		}
		out = append(out, sdk.McpServer{
			Stdio: &sdk.McpServerStdio{
				Name:    s.Name,
				Command: s.Command,
				Args:    append([]string{}, s.Args...),
				Env:     env,
			},
		})
	}
	return out
}
