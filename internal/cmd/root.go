// Package cmd provides the CLI commands for acpx.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/acpx/acpx/internal/appdir"
	"github.com/acpx/acpx/internal/config"
	"github.com/acpx/acpx/internal/errcode"
	"github.com/acpx/acpx/internal/logging"
	"github.com/acpx/acpx/internal/queue"
	"github.com/acpx/acpx/internal/render"
)

var (
	// Global flags
	logLevel      string
	logFile       string
	logComponents string
	debug         bool
	outputMode    string
	stateDirFlag  string
	configPath    string

	// Loaded configuration
	cfg *config.Config
	// out renders command output per the --output mode.
	out *render.Renderer
	// resolvedLogLevel is the level PersistentPreRunE settled on. Owner
	// payloads carry it so detached owners log at the same level.
	resolvedLogLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "acpx",
	Short: "acpx - a headless command-line driver for ACP agents",
	Long: `acpx drives coding agents that speak the Agent Client Protocol (ACP)
from the command line, without a UI.

Each session is served by a per-session queue owner process that keeps
the agent alive between prompts; prompts from any terminal are routed
to the owner and run strictly in order.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Help, completion and the detached owner entrypoint set
		// themselves up.
		switch cmd.Name() {
		case "help", "completion", queue.OwnerCommand:
			return nil
		}

		appdir.SetDir(stateDirFlag)

		// Load configuration first so its logging section can supply
		// defaults; flags win over the file.
		path := configPath
		if path == "" {
			var err error
			path, err = config.DefaultPath()
			if err != nil {
				return err
			}
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return errcode.Wrap(errcode.KindUsage, "", err)
		}

		// Priority: --log-level flag > --debug flag > config > default (info)
		effectiveLogLevel := "info"
		switch {
		case logLevel != "":
			effectiveLogLevel = logLevel
		case debug:
			effectiveLogLevel = "debug"
		case cfg.Logging.Level != "":
			effectiveLogLevel = cfg.Logging.Level
		}
		resolvedLogLevel = effectiveLogLevel
		effectiveLogFile := logFile
		if effectiveLogFile == "" {
			effectiveLogFile = cfg.Logging.File
		}
		var fileLog *logging.FileLogConfig
		if effectiveLogFile != "" {
			flc := logging.DefaultFileLogConfig()
			flc.Path = effectiveLogFile
			fileLog = &flc
		}
		var components []string
		if logComponents != "" {
			for _, c := range strings.Split(logComponents, ",") {
				if c = strings.TrimSpace(c); c != "" {
					components = append(components, c)
				}
			}
		}
		if err := logging.Initialize(logging.Config{
			Level:      effectiveLogLevel,
			FileLevel:  cfg.Logging.FileLevel,
			FileLog:    fileLog,
			Components: components,
		}); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}

		if err := appdir.EnsureDir(); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}

		mode, err := render.ParseMode(outputMode)
		if err != nil {
			return errcode.Wrap(errcode.KindUsage, "", err)
		}
		out = render.New(mode, os.Stdout)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Close()
	},
}

// Execute runs the CLI and maps the outcome onto a stable exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return errcode.ExitSuccess
	}
	if isCobraUsageError(err) {
		err = errcode.Wrap(errcode.KindUsage, "", err)
	}
	switch {
	case out != nil && out.Mode() == render.ModeJSON:
		out.Err(err)
	case out != nil && out.Mode() == render.ModeQuiet:
		// Exit code only.
	default:
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
	}
	return errcode.ExitCode(err)
}

// isCobraUsageError recognizes errors cobra produces before a command
// runs. They have no classification of their own but are user input
// problems.
func isCobraUsageError(err error) bool {
	var classified *errcode.Error
	if errors.As(err, &classified) {
		return false
	}
	text := err.Error()
	return strings.HasPrefix(text, "unknown command") ||
		strings.HasPrefix(text, "unknown flag") ||
		strings.HasPrefix(text, "unknown shorthand flag")
}

// usageArgs wraps a cobra positional-args validator so arity mistakes
// exit with the usage code.
func usageArgs(validate cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := validate(cmd, args); err != nil {
			return errcode.Wrap(errcode.KindUsage, "", err)
		}
		return nil
	}
}

// usagef builds a usage-classified error.
func usagef(format string, args ...any) error {
	return errcode.Newf(errcode.KindUsage, "", format, args...).WithOrigin(errcode.OriginCLI)
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func init() {
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return errcode.Wrap(errcode.KindUsage, "", err)
	})

	// Global flags
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Log file path (rotated; logs still go to stderr)")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g. 'queue,acp'). Empty means all.")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVarP(&outputMode, "output", "o", "text", "Output mode: text, json or quiet")
	rootCmd.PersistentFlags().StringVar(&stateDirFlag, "dir", "", "State directory (default ~/.acpx, or ACPX_DIR)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (default <state-dir>/config.yaml)")
}
