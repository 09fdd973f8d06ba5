package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/acpx/acpx/internal/acp"
	"github.com/acpx/acpx/internal/secrets"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage stored agent credentials",
	Long: `Manage credentials in the system secret store.

A credential is stored under a token name, normally the auth method id
the agent announces (acpx auth set anthropic-api-key). On platforms
without a secret store, export the credential directly instead:

  export ` + acp.AuthEnvPrefix + `<TOKEN>=<value>

where <TOKEN> is the token name uppercased with '-' and '.' mapped to '_'.`,
}

var authSetCmd = &cobra.Command{
	Use:   "set <token>",
	Short: "Store a credential from stdin",
	Long: `Store a credential under a token name. The value is read from stdin,
never from the command line, so it stays out of shell history and
process listings:

  echo -n "$API_KEY" | acpx auth set anthropic-api-key`,
	Args: usageArgs(cobra.ExactArgs(1)),
	RunE: runAuthSet,
}

var authRmCmd = &cobra.Command{
	Use:   "rm <token>",
	Short: "Remove a stored credential",
	Args:  usageArgs(cobra.ExactArgs(1)),
	RunE:  runAuthRm,
}

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(authSetCmd)
	authCmd.AddCommand(authRmCmd)
}

func runAuthSet(cmd *cobra.Command, args []string) error {
	token := args[0]

	if !stdinIsPiped() {
		fmt.Fprintf(cmd.OutOrStdout(), "Enter value for %s (input is not echoed back): ", token)
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("failed to read credential from stdin: %w", err)
	}
	value := strings.TrimRight(string(data), "\r\n")
	if value == "" {
		return usagef("empty credential value on stdin")
	}

	if err := secrets.SetToken(token, value); err != nil {
		if errors.Is(err, secrets.ErrNotSupported) {
			return fmt.Errorf("no secret store on this platform: export %s%s instead",
				acp.AuthEnvPrefix, acp.EnvToken(token))
		}
		return fmt.Errorf("failed to store credential: %w", err)
	}
	fmt.Printf("🔑 Stored credential %s\n", token)
	return nil
}

func runAuthRm(cmd *cobra.Command, args []string) error {
	token := args[0]

	if err := secrets.DeleteToken(token); err != nil {
		if errors.Is(err, secrets.ErrNotFound) {
			return fmt.Errorf("no stored credential %q", token)
		}
		if errors.Is(err, secrets.ErrNotSupported) {
			return fmt.Errorf("no secret store on this platform")
		}
		return fmt.Errorf("failed to remove credential: %w", err)
	}
	fmt.Printf("🗑️ Removed credential %s\n", token)
	return nil
}
