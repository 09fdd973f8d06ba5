package cmd

import (
	"encoding/json"
	"fmt"

	sdk "github.com/coder/acp-go-sdk"
	"github.com/spf13/cobra"

	"github.com/acpx/acpx/internal/render"
)

// Build metadata, overridden at link time:
//
//	go build -ldflags "-X github.com/acpx/acpx/internal/cmd.version=v0.3.0 ..."
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	RunE:  runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func runVersion(cmd *cobra.Command, args []string) error {
	if out.Mode() == render.ModeJSON {
		line, err := json.Marshal(struct {
			Version         string `json:"version"`
			Commit          string `json:"commit"`
			Date            string `json:"date"`
			ProtocolVersion int    `json:"protocolVersion"`
		}{version, commit, date, int(sdk.ProtocolVersionNumber)})
		if err != nil {
			return fmt.Errorf("failed to encode version: %w", err)
		}
		fmt.Println(string(line))
		return nil
	}
	fmt.Printf("acpx %s (commit %s, built %s)\n", version, commit, date)
	fmt.Printf("ACP protocol version %d\n", int(sdk.ProtocolVersionNumber))
	return nil
}
