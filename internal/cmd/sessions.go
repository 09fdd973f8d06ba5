package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/acpx/acpx/internal/appdir"
	"github.com/acpx/acpx/internal/errcode"
	"github.com/acpx/acpx/internal/logging"
	"github.com/acpx/acpx/internal/queue"
	"github.com/acpx/acpx/internal/render"
	"github.com/acpx/acpx/internal/session"
)

var (
	sessionsListAll bool
	sessionsRmForce bool
)

// ownerStopTimeout bounds how long 'sessions rm --force' waits for a
// SIGTERMed owner to go away before giving up.
const ownerStopTimeout = 3 * time.Second

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage session records",
	Long: `Inspect and manage the session records stored under the acpx state
directory. Records outlive the processes that used them: closing a
session keeps its record and event log for later inspection, removing
it deletes both.`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List session records",
	Long: `List session records whose directory is the current directory or one
of its ancestors up to the git root. --all lists every record in the
store regardless of directory.`,
	Args: cobra.NoArgs,
	RunE: runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session>",
	Short: "Show one session record",
	Args:  usageArgs(cobra.ExactArgs(1)),
	RunE:  runSessionsShow,
}

var sessionsCloseCmd = &cobra.Command{
	Use:   "close <session>",
	Short: "Close a session",
	Long: `Mark a session closed and stop its queue owner. Closed sessions no
longer match scope lookup and refuse new prompts, but their record and
event log stay on disk until removed.`,
	Args: usageArgs(cobra.ExactArgs(1)),
	RunE: runSessionsClose,
}

var sessionsRmCmd = &cobra.Command{
	Use:   "rm <session>",
	Short: "Remove a session record and its event log",
	Long: `Delete a session record together with its event log segments. A
session with a running queue owner is refused unless --force is given,
which stops the owner first.`,
	Args: usageArgs(cobra.ExactArgs(1)),
	RunE: runSessionsRm,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsCloseCmd)
	sessionsCmd.AddCommand(sessionsRmCmd)

	sessionsListCmd.Flags().BoolVar(&sessionsListAll, "all", false, "List records for every directory, not just the current one")
	sessionsRmCmd.Flags().BoolVar(&sessionsRmForce, "force", false, "Stop a running queue owner before removing the record")
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	records, err := store.List()
	if err != nil {
		return err
	}

	if !sessionsListAll {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to determine working directory: %w", err)
		}
		abs, err := filepath.Abs(cwd)
		if err != nil {
			return fmt.Errorf("failed to resolve working directory: %w", err)
		}
		within := make(map[string]bool)
		for _, dir := range session.ScopeDirs(abs) {
			within[dir] = true
		}
		filtered := records[:0]
		for _, rec := range records {
			if within[rec.Cwd] {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}

	queuesDir, err := appdir.QueuesDir()
	if err != nil {
		return err
	}

	switch out.Mode() {
	case render.ModeQuiet:
		return nil
	case render.ModeJSON:
		line, err := json.Marshal(records)
		if err != nil {
			return fmt.Errorf("failed to encode session records: %w", err)
		}
		fmt.Println(string(line))
		return nil
	}

	if len(records) == 0 {
		fmt.Println("📭 No sessions")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tAGENT\tDIRECTORY\tLAST USED\tTURNS\tSTATE")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			rec.RecordID,
			rec.AgentCommand,
			rec.Cwd,
			rec.LastUsedAt.Local().Format("2006-01-02 15:04"),
			len(rec.TurnHistory),
			sessionState(queuesDir, rec))
	}
	return w.Flush()
}

// sessionState summarizes a record's lifecycle for the list view.
func sessionState(queuesDir string, rec *session.SessionRecord) string {
	if rec.Closed {
		return "closed"
	}
	if owner, ok := queue.LiveOwner(queuesDir, rec.RecordID); ok {
		return fmt.Sprintf("open (owner %d)", owner.PID)
	}
	return "open"
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	rec, err := loadRecord(store, args[0])
	if err != nil {
		return err
	}

	switch out.Mode() {
	case render.ModeQuiet:
		return nil
	case render.ModeJSON:
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode session record: %w", err)
		}
		fmt.Println(string(line))
		return nil
	}
	pretty, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session record: %w", err)
	}
	fmt.Println(string(pretty))
	return nil
}

func runSessionsClose(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	rec, err := loadRecord(store, args[0])
	if err != nil {
		return err
	}

	if !rec.Closed {
		rec.MarkClosed()
		if err := store.Save(rec); err != nil {
			return err
		}
	}

	queuesDir, err := appdir.QueuesDir()
	if err != nil {
		return err
	}
	if owner, ok := queue.LiveOwner(queuesDir, rec.RecordID); ok {
		if err := syscall.Kill(owner.PID, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			logging.CLI().Warn("failed to signal queue owner", "pid", owner.PID, "error", err)
		}
	}

	switch out.Mode() {
	case render.ModeQuiet:
		return nil
	case render.ModeJSON:
		line, err := json.Marshal(struct {
			Closed    bool   `json:"closed"`
			SessionID string `json:"sessionId"`
		}{true, rec.RecordID})
		if err != nil {
			return fmt.Errorf("failed to encode close result: %w", err)
		}
		fmt.Println(string(line))
		return nil
	}
	fmt.Printf("👋 Closed session %s\n", rec.RecordID)
	return nil
}

func runSessionsRm(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	rec, err := loadRecord(store, args[0])
	if err != nil {
		return err
	}

	queuesDir, err := appdir.QueuesDir()
	if err != nil {
		return err
	}
	if owner, ok := queue.LiveOwner(queuesDir, rec.RecordID); ok {
		if !sessionsRmForce {
			return errcode.Newf(errcode.KindRuntime, errcode.DetailSessionBusy,
				"session %s has a running queue owner (pid %d): close it first or use --force",
				rec.RecordID, owner.PID)
		}
		if err := stopOwner(queuesDir, rec.RecordID, owner.PID); err != nil {
			return err
		}
	}

	if err := store.Delete(rec.RecordID); err != nil {
		return err
	}

	switch out.Mode() {
	case render.ModeQuiet:
		return nil
	case render.ModeJSON:
		line, err := json.Marshal(struct {
			Removed   bool   `json:"removed"`
			SessionID string `json:"sessionId"`
		}{true, rec.RecordID})
		if err != nil {
			return fmt.Errorf("failed to encode rm result: %w", err)
		}
		fmt.Println(string(line))
		return nil
	}
	fmt.Printf("🗑️ Removed session %s\n", rec.RecordID)
	return nil
}

// stopOwner SIGTERMs a live queue owner and waits for it to exit.
func stopOwner(queuesDir, sessionID string, pid int) error {
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to signal queue owner %d: %w", pid, err)
	}
	deadline := time.Now().Add(ownerStopTimeout)
	for time.Now().Before(deadline) {
		if _, ok := queue.LiveOwner(queuesDir, sessionID); !ok {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return errcode.Newf(errcode.KindRuntime, errcode.DetailSessionBusy,
		"queue owner %d did not stop within %s", pid, ownerStopTimeout)
}
