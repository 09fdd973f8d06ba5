package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/acpx/acpx/internal/render"
)

var cancelSession sessionFlags

// cancelCmd interrupts the active turn of a session.
var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the active turn of a session",
	Long: `Cancel the turn a session is currently running.

The waiting prompt command sees the turn finish with stop reason
"cancelled" and exits normally. With no turn in flight this is a no-op.`,
	Args: cobra.NoArgs,
	RunE: runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
	cancelSession.register(cancelCmd, false)
}

func runCancel(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	rec, agent, err := findRecord(store, &cancelSession)
	if err != nil {
		return err
	}
	sub, err := buildSubmitter(rec, agent, nil)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	cancelled, err := sub.CancelPrompt(ctx)
	if err != nil {
		return err
	}

	if out.Mode() == render.ModeJSON {
		line, err := json.Marshal(struct {
			Cancelled bool   `json:"cancelled"`
			SessionID string `json:"sessionId"`
		}{cancelled, rec.RecordID})
		if err != nil {
			return fmt.Errorf("failed to encode cancel result: %w", err)
		}
		fmt.Println(string(line))
		return nil
	}
	if out.Mode() == render.ModeQuiet {
		return nil
	}
	if cancelled {
		fmt.Println("🛑 Cancelled")
	} else {
		fmt.Println("📭 No active turn to cancel")
	}
	return nil
}
