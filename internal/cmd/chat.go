package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/reeflective/readline"
	"github.com/spf13/cobra"

	"github.com/acpx/acpx/internal/queue"
	"github.com/acpx/acpx/internal/render"
	"github.com/acpx/acpx/internal/session"
)

var (
	chatFlags sessionFlags
	chatAuth  authFlags
	chatPerms permissionFlags
)

// chatCmd is the interactive REPL: each line is one prompt turn through
// the same queue path the prompt command uses.
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive prompt loop for an agent session",
	Long: `Start an interactive readline loop against an agent session.

Each line is sent as one prompt turn; Ctrl-C during a turn cancels the
turn, Ctrl-C or Ctrl-D at the prompt exits. The session survives the
loop: later prompt or chat invocations in the same directory resume it.

Commands:
  /quit, /exit, /q  - Exit the chat
  /cancel           - Cancel the active turn
  /mode <modeId>    - Switch the session mode
  /model <modelId>  - Switch the model (set-config model)
  /session          - Show the session this chat is attached to
  /help             - Show available commands`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)

	chatFlags.register(chatCmd, true)
	chatAuth.register(chatCmd)
	chatPerms.register(chatCmd)
}

// slashCommands defines the available slash commands with their descriptions.
var slashCommands = []struct {
	name        string
	description string
}{
	{"/help", "Show available commands"},
	{"/h", "Show available commands (alias)"},
	{"/?", "Show available commands (alias)"},
	{"/quit", "Exit the chat"},
	{"/exit", "Exit the chat (alias)"},
	{"/q", "Exit the chat (alias)"},
	{"/cancel", "Cancel the active turn"},
	{"/mode", "Switch the session mode"},
	{"/model", "Switch the model"},
	{"/session", "Show the session this chat is attached to"},
}

// chatSession holds the loop state shared with the signal handler.
type chatSession struct {
	sub  *queue.Submitter
	rec  *session.SessionRecord
	mode string
	nwi  string

	turnActive atomic.Bool
}

func runChat(cmd *cobra.Command, args []string) error {
	if out.Mode() != render.ModeText {
		return usagef("chat is interactive and supports only --output text")
	}
	mode, nonInteractive, err := chatPerms.validate()
	if err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	rec, agent, created, err := ensureRecord(store, &chatFlags)
	if err != nil {
		return err
	}
	sub, err := buildSubmitter(rec, agent, &chatAuth)
	if err != nil {
		return err
	}
	sub.OnEvent(func(_ string, message json.RawMessage) {
		out.Event(message)
	})

	c := &chatSession{sub: sub, rec: rec, mode: mode, nwi: nonInteractive}

	// During a turn the terminal is in cooked mode, so Ctrl-C arrives as
	// SIGINT; at the prompt readline owns the terminal and reports it as
	// ErrInterrupt instead.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		for range sigChan {
			if c.turnActive.Load() {
				c.cancelTurn()
			}
		}
	}()

	if created {
		fmt.Printf("🚀 New session %s (agent %s)\n", rec.RecordID, rec.AgentCommand)
	} else {
		fmt.Printf("🚀 Session %s (agent %s)\n", rec.RecordID, rec.AgentCommand)
	}
	fmt.Println("📝 Type your message and press Enter. Use /help for commands. Tab completes commands.")

	// Create readline shell
	rl := readline.NewShell()
	rl.Prompt.Primary(func() string { return "acpx> " })

	// Set up history
	history := readline.NewInMemoryHistory()
	rl.History.Add("default", history)

	// Set up tab completion for slash commands
	rl.Completer = func(line []rune, cursor int) readline.Completions {
		return completeInput(string(line), cursor)
	}

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == io.EOF || err == readline.ErrInterrupt {
				fmt.Println("\n👋 Goodbye!")
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := c.handleCommand(line); quit {
				fmt.Println("👋 Goodbye!")
				return nil
			}
			continue
		}

		c.prompt(line)
	}
}

// prompt runs one waited turn. Errors are printed, not returned: one
// failed turn should not end the loop.
func (c *chatSession) prompt(line string) {
	c.turnActive.Store(true)
	defer c.turnActive.Store(false)

	fmt.Println() // Add spacing before response
	outcome, err := c.sub.SubmitPrompt(context.Background(), queue.PromptSubmission{
		Message:                   line,
		PermissionMode:            c.mode,
		NonInteractivePermissions: c.nwi,
		Wait:                      true,
	})
	if err != nil {
		fmt.Printf("\n❌ Error: %v\n", err)
		return
	}
	if outcome.Result != nil {
		_ = out.Result(outcome.Result)
	}
	fmt.Println() // Add spacing after response
}

// cancelTurn interrupts the turn the loop is waiting on.
func (c *chatSession) cancelTurn() {
	if _, err := c.sub.CancelPrompt(context.Background()); err != nil {
		fmt.Printf("\n❌ Cancel error: %v\n", err)
	}
}

// handleCommand dispatches a slash command. Returns true to quit.
func (c *chatSession) handleCommand(line string) bool {
	parts := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(parts) == 0 {
		return false
	}

	// Arguments keep their case: mode and model ids are agent-defined.
	switch strings.ToLower(parts[0]) {
	case "quit", "exit", "q":
		return true
	case "cancel":
		cancelled, err := c.sub.CancelPrompt(context.Background())
		switch {
		case err != nil:
			fmt.Printf("❌ Cancel error: %v\n", err)
		case cancelled:
			fmt.Println("🛑 Cancelled")
		default:
			fmt.Println("📭 No active turn to cancel")
		}
	case "mode":
		if len(parts) < 2 {
			fmt.Println("❓ Usage: /mode <modeId>")
			return false
		}
		if err := c.sub.SetMode(context.Background(), parts[1], 0); err != nil {
			fmt.Printf("❌ Error: %v\n", err)
			return false
		}
		fmt.Printf("⚙️ Mode set to %s\n", parts[1])
	case "model":
		if len(parts) < 2 {
			fmt.Println("❓ Usage: /model <modelId>")
			return false
		}
		if err := c.sub.SetConfigOption(context.Background(), "model", parts[1], 0); err != nil {
			fmt.Printf("❌ Error: %v\n", err)
			return false
		}
		fmt.Printf("⚙️ Model set to %s\n", parts[1])
	case "session":
		fmt.Printf("📝 Session %s (agent %s, directory %s)\n", c.rec.RecordID, c.rec.AgentCommand, c.rec.Cwd)
	case "help", "h", "?":
		printChatHelp()
	default:
		fmt.Printf("❓ Unknown command: %s (use /help for available commands)\n", parts[0])
	}
	return false
}

func printChatHelp() {
	fmt.Println(`
Available commands:
  /quit, /exit, /q  - Exit the chat
  /cancel           - Cancel the active turn
  /mode <modeId>    - Switch the session mode
  /model <modelId>  - Switch the model
  /session          - Show the session this chat is attached to
  /help, /h, /?     - Show this help message

Tips:
  - Type your message and press Enter to send it to the agent
  - Use Ctrl+C during a turn to cancel it
  - Use up/down arrows for command history
  - Use Tab to autocomplete slash commands`)
}

// completeInput provides tab completion for the chat input.
// It completes slash commands when the input starts with "/".
func completeInput(line string, cursor int) readline.Completions {
	// Get the text up to the cursor position
	if cursor > len(line) {
		cursor = len(line)
	}
	text := line[:cursor]

	// Only complete if the line starts with "/"
	if !strings.HasPrefix(text, "/") {
		return readline.Completions{}
	}

	// Find matching commands
	var matches []string
	var descriptions []string
	for _, cmd := range slashCommands {
		if strings.HasPrefix(cmd.name, text) {
			matches = append(matches, cmd.name)
			descriptions = append(descriptions, cmd.description)
		}
	}

	if len(matches) == 0 {
		return readline.Completions{}
	}

	// Build value-description pairs for CompleteValuesDescribed
	pairs := make([]string, 0, len(matches)*2)
	for i, match := range matches {
		pairs = append(pairs, match, descriptions[i])
	}

	return readline.CompleteValuesDescribed(pairs...).
		Tag("commands").
		NoSpace('/') // Don't add space after completing partial command
}
