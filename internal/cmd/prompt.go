package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/acpx/acpx/internal/errcode"
	"github.com/acpx/acpx/internal/queue"
)

var (
	promptSession sessionFlags
	promptAuth    authFlags
	promptPerms   permissionFlags
	promptTimeout time.Duration
	promptNoWait  bool
)

// promptCmd sends one prompt turn through the session queue.
var promptCmd = &cobra.Command{
	Use:   "prompt [text...]",
	Short: "Send a prompt to an agent session",
	Long: `Send one prompt turn to an agent session and stream its updates.

The prompt text comes from the arguments, joined with spaces, or from
stdin when it is piped (or when a single "-" argument is given):

  acpx prompt "add a license header to every source file"
  git diff | acpx prompt - --session review

The session is picked by --session, or by matching the (agent, cwd,
name) scope against open records, walking up from the current directory
to the git root. When nothing matches, a new session is created.`,
	Args: cobra.ArbitraryArgs,
	RunE: runPrompt,
}

func init() {
	rootCmd.AddCommand(promptCmd)

	promptSession.register(promptCmd, true)
	promptAuth.register(promptCmd)
	promptPerms.register(promptCmd)
	promptCmd.Flags().DurationVar(&promptTimeout, "timeout", 0, "Whole-turn deadline (e.g. 90s, 5m); 0 means no deadline")
	promptCmd.Flags().BoolVar(&promptNoWait, "no-wait", false, "Enqueue the prompt and exit without waiting for the turn")
}

func runPrompt(cmd *cobra.Command, args []string) error {
	message, err := promptText(args, cmd.InOrStdin(), stdinIsPiped())
	if err != nil {
		return err
	}
	mode, nonInteractive, err := promptPerms.validate()
	if err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	rec, agent, _, err := ensureRecord(store, &promptSession)
	if err != nil {
		return err
	}
	sub, err := buildSubmitter(rec, agent, &promptAuth)
	if err != nil {
		return err
	}
	sub.OnEvent(func(_ string, message json.RawMessage) {
		out.Event(message)
	})

	ctx, cancel := signalContext()
	defer cancel()
	if promptTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, promptTimeout)
		defer cancelTimeout()
	}

	outcome, err := sub.SubmitPrompt(ctx, queue.PromptSubmission{
		Message:                   message,
		PermissionMode:            mode,
		NonInteractivePermissions: nonInteractive,
		TimeoutMs:                 promptTimeout.Milliseconds(),
		Wait:                      !promptNoWait,
	})
	if err != nil {
		return err
	}

	if outcome.Queued {
		return out.Queued(outcome.RequestID, rec.RecordID)
	}
	if outcome.Result == nil {
		return fmt.Errorf("queue owner returned no result")
	}
	if err := out.Result(outcome.Result); err != nil {
		return err
	}
	if denied := outcome.Result.PermissionStats.Denied; denied > 0 {
		return errcode.Newf(errcode.KindPermissionDenied, errcode.DetailPermissionDenied,
			"%d permission request(s) denied during the turn", denied)
	}
	return nil
}

// promptText assembles the prompt message from argv or stdin. A single
// "-" argument forces stdin; with no arguments stdin is read only when it
// is piped.
func promptText(args []string, stdin io.Reader, piped bool) (string, error) {
	useStdin := false
	switch {
	case len(args) == 1 && args[0] == "-":
		useStdin = true
	case len(args) == 0:
		if !piped {
			return "", usagef("no prompt given: pass text as arguments, pipe it on stdin, or use 'acpx chat'")
		}
		useStdin = true
	}

	if useStdin {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read prompt from stdin: %w", err)
		}
		text := strings.TrimRight(string(data), "\n")
		if strings.TrimSpace(text) == "" {
			return "", usagef("empty prompt on stdin")
		}
		return text, nil
	}

	text := strings.Join(args, " ")
	if strings.TrimSpace(text) == "" {
		return "", usagef("empty prompt")
	}
	return text, nil
}

// stdinIsPiped reports whether stdin is something other than a terminal.
func stdinIsPiped() bool {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice == 0
}
