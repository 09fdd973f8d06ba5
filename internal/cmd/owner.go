package cmd

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/acpx/acpx/internal/appdir"
	"github.com/acpx/acpx/internal/errcode"
	"github.com/acpx/acpx/internal/logging"
	"github.com/acpx/acpx/internal/queue"
)

// ownerCmd is the detached queue-owner entrypoint. Submitters spawn it
// with stdio on /dev/null; everything it needs arrives in the payload
// environment variable, so it takes no flags of its own.
var ownerCmd = &cobra.Command{
	Use:    queue.OwnerCommand,
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := queue.DecodePayloadEnv()
		if err != nil {
			return errcode.Wrap(errcode.KindUsage, "", err)
		}

		appdir.SetDir(payload.StateDir)
		if err := appdir.EnsureDir(); err != nil {
			return err
		}
		logsDir, err := appdir.LogsDir()
		if err != nil {
			return err
		}

		level := payload.LogLevel
		if level == "" {
			level = "info"
			if payload.Debug {
				level = "debug"
			}
		}
		fileLog := logging.DefaultFileLogConfig()
		fileLog.Path = filepath.Join(logsDir, "acpx.log")
		// The owner's stderr is /dev/null; only the file sink matters.
		if err := logging.Initialize(logging.Config{
			Level:     level,
			FileLevel: payload.LogFileLevel,
			FileLog:   &fileLog,
			Quiet:     true,
		}); err != nil {
			return err
		}
		defer func() { _ = logging.Close() }()

		return queue.RunOwner(payload)
	},
}

func init() {
	rootCmd.AddCommand(ownerCmd)
}
