// Package runner provides optionally sandboxed execution for agent
// subprocesses.
//
// By default agents run with no restrictions (exec runner). Setting
// `agents.<alias>.restricted` in the config opts a specific agent into
// sandboxing through go-restricted-runner.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"github.com/inercia/go-restricted-runner/pkg/common"
	grrunner "github.com/inercia/go-restricted-runner/pkg/runner"
)

// Runner wraps go-restricted-runner for agent execution.
type Runner struct {
	runner     grrunner.Runner
	runnerType string
	logger     *slog.Logger
	// FallbackInfo is set when the requested runner was unavailable and
	// execution fell back to plain exec.
	FallbackInfo *FallbackInfo
}

// FallbackInfo describes a runner fallback.
type FallbackInfo struct {
	// RequestedType is the runner type that was requested.
	RequestedType string
	// FallbackType is the runner type used instead (always "exec").
	FallbackType string
	// Reason is the error message explaining why fallback occurred.
	Reason string
}

// New creates a runner for the given type. The type comes from the
// agent's `restricted` config value: false/empty selects plain exec,
// true selects the platform's native sandbox, and an explicit name
// ("sandbox-exec", "firejail", "docker") selects that runner.
//
// cwd, when non-empty, is granted read/write access inside the sandbox
// so the agent can work on the session's directory.
//
// If the requested runner is unavailable on this platform, execution
// falls back to plain exec and FallbackInfo records why.
func New(runnerType, cwd string, logger *slog.Logger) (*Runner, error) {
	resolved := normalizeType(runnerType)

	options := grrunner.Options{}
	if resolved != "exec" {
		options["allow_networking"] = true
		if cwd != "" {
			options["allow_read_folders"] = []string{cwd}
			options["allow_write_folders"] = []string{cwd}
		}
	}

	runnerLogger, err := common.NewLogger("", "", common.LogLevelInfo, false)
	if err != nil {
		return nil, fmt.Errorf("failed to create runner logger: %w", err)
	}

	var fallbackInfo *FallbackInfo
	r, err := grrunner.New(toRunnerType(resolved), options, runnerLogger)
	if err == nil {
		err = r.CheckImplicitRequirements()
	}
	if err != nil {
		if logger != nil {
			logger.Warn("restricted runner unavailable, falling back to exec",
				"requested_type", resolved,
				"error", err.Error())
		}
		fallbackInfo = &FallbackInfo{
			RequestedType: resolved,
			FallbackType:  "exec",
			Reason:        err.Error(),
		}
		r, err = grrunner.New(grrunner.TypeExec, grrunner.Options{}, runnerLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create fallback exec runner: %w", err)
		}
		resolved = "exec"
	}

	if logger != nil && resolved != "exec" {
		logger.Info("created restricted runner", "type", resolved, "cwd", cwd)
	}

	return &Runner{
		runner:       r,
		runnerType:   resolved,
		logger:       logger,
		FallbackInfo: fallbackInfo,
	}, nil
}

// RunWithPipes starts a command through the runner with piped stdio.
//
// Returns:
//   - stdin: WriteCloser for sending input to the process
//   - stdout: ReadCloser for reading process output
//   - stderr: ReadCloser for reading process errors
//   - wait: Function to wait for process completion and cleanup (must be called)
//   - err: Any error during process startup
//
// The caller must close stdin when done writing, call wait() to clean up
// resources, and cancel ctx to kill the process.
func (r *Runner) RunWithPipes(
	ctx context.Context,
	command string,
	args []string,
	env []string,
) (stdin WriteCloser, stdout ReadCloser, stderr ReadCloser, wait func() error, err error) {
	return r.runner.RunWithPipes(ctx, command, args, env, nil)
}

// WriteCloser is an alias for io.WriteCloser for documentation clarity.
type WriteCloser = interface {
	Write(p []byte) (n int, err error)
	Close() error
}

// ReadCloser is an alias for io.ReadCloser for documentation clarity.
type ReadCloser = interface {
	Read(p []byte) (n int, err error)
	Close() error
}

// Type returns the runner type being used.
func (r *Runner) Type() string {
	return r.runnerType
}

// IsRestricted returns true if this runner applies restrictions (not exec).
func (r *Runner) IsRestricted() bool {
	return r.runnerType != "exec"
}

// Wanted reports whether a configured restricted value asks for a
// sandbox at all, before platform resolution.
func Wanted(s string) bool {
	return normalizeType(s) != "exec"
}

// normalizeType maps config values onto runner type names. Boolean-ish
// values arrive as strings from YAML.
func normalizeType(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "false", "off", "none", "exec":
		return "exec"
	case "true", "auto", "on":
		if runtime.GOOS == "darwin" {
			return "sandbox-exec"
		}
		return "firejail"
	default:
		return strings.ToLower(strings.TrimSpace(s))
	}
}

// toRunnerType converts string to runner.Type.
func toRunnerType(typeStr string) grrunner.Type {
	switch typeStr {
	case "sandbox-exec":
		return grrunner.TypeSandboxExec
	case "firejail":
		return grrunner.TypeFirejail
	case "docker":
		return grrunner.TypeDocker
	default:
		return grrunner.TypeExec
	}
}
