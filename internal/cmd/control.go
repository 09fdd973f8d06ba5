package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/acpx/acpx/internal/render"
)

var (
	setModeSession sessionFlags
	setModeTimeout time.Duration

	setConfigSession sessionFlags
	setConfigTimeout time.Duration
)

// setModeCmd switches the session mode (e.g. an agent's plan/code modes).
var setModeCmd = &cobra.Command{
	Use:   "set-mode <modeId>",
	Short: "Switch the session mode",
	Long: `Switch the session to a different mode, such as an agent's plan or
auto-accept mode. Mode ids are agent-specific; the agent rejects ids it
does not know.`,
	Args: usageArgs(cobra.ExactArgs(1)),
	RunE: runSetMode,
}

// setConfigCmd adjusts one agent-defined session config option.
var setConfigCmd = &cobra.Command{
	Use:   "set-config <configId> <value>",
	Short: "Set a session config option",
	Long: `Set an agent-defined session config option, such as the model:

  acpx set-config model gpt-5

Option ids and values are agent-specific.`,
	Args: usageArgs(cobra.ExactArgs(2)),
	RunE: runSetConfig,
}

func init() {
	rootCmd.AddCommand(setModeCmd)
	setModeSession.register(setModeCmd, false)
	setModeCmd.Flags().DurationVar(&setModeTimeout, "timeout", 0, "Deadline for the mode switch; 0 means no deadline")

	rootCmd.AddCommand(setConfigCmd)
	setConfigSession.register(setConfigCmd, false)
	setConfigCmd.Flags().DurationVar(&setConfigTimeout, "timeout", 0, "Deadline for the option change; 0 means no deadline")
}

func runSetMode(cmd *cobra.Command, args []string) error {
	modeID := args[0]

	store, err := openStore()
	if err != nil {
		return err
	}
	rec, agent, err := findRecord(store, &setModeSession)
	if err != nil {
		return err
	}
	sub, err := buildSubmitter(rec, agent, nil)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := sub.SetMode(ctx, modeID, setModeTimeout.Milliseconds()); err != nil {
		return err
	}
	return confirmControl("mode", modeID, rec.RecordID)
}

func runSetConfig(cmd *cobra.Command, args []string) error {
	configID, value := args[0], args[1]

	store, err := openStore()
	if err != nil {
		return err
	}
	rec, agent, err := findRecord(store, &setConfigSession)
	if err != nil {
		return err
	}
	sub, err := buildSubmitter(rec, agent, nil)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := sub.SetConfigOption(ctx, configID, value, setConfigTimeout.Milliseconds()); err != nil {
		return err
	}
	return confirmControl(configID, value, rec.RecordID)
}

// confirmControl prints the post-change confirmation in the active mode.
func confirmControl(key, value, sessionID string) error {
	switch out.Mode() {
	case render.ModeQuiet:
		return nil
	case render.ModeJSON:
		line, err := json.Marshal(struct {
			Key       string `json:"key"`
			Value     string `json:"value"`
			SessionID string `json:"sessionId"`
		}{key, value, sessionID})
		if err != nil {
			return fmt.Errorf("failed to encode confirmation: %w", err)
		}
		fmt.Println(string(line))
		return nil
	}
	fmt.Printf("⚙️ %s set to %s\n", key, value)
	return nil
}
