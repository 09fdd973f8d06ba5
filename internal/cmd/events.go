package cmd

import (
	"bufio"
	"bytes"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/acpx/acpx/internal/session"
)

var (
	eventsSession sessionFlags
	eventsFrom    int64
	eventsFollow  bool
)

// followPollInterval paces the event log poll in --follow mode.
const followPollInterval = 200 * time.Millisecond

// eventsCmd replays the raw JSON-RPC traffic recorded for a session.
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Replay a session's event log",
	Long: `Print the raw JSON-RPC frames recorded for a session, one per line.

Frames are numbered from 1 in arrival order; log rotation may have
dropped the oldest ones. --from N skips frames up to and including
sequence number N, --follow keeps watching for new frames until
interrupted.

The output is NDJSON regardless of --output: the frames are the data.`,
	Args: cobra.NoArgs,
	RunE: runEvents,
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsSession.register(eventsCmd, false)
	eventsCmd.Flags().Int64Var(&eventsFrom, "from", 0, "Replay only frames with sequence number greater than this")
	eventsCmd.Flags().BoolVar(&eventsFollow, "follow", false, "Keep watching the log for new frames")
}

func runEvents(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	rec, _, err := findRecord(store, &eventsSession)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(os.Stdout)
	last, err := replayFrames(store, rec, eventsFrom, w)
	if err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if !eventsFollow {
		return nil
	}

	ctx, cancel := signalContext()
	defer cancel()
	ticker := time.NewTicker(followPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Interrupting a follow is the normal way to stop it.
			return nil
		case <-ticker.C:
		}

		// Reload the record: LastSeq anchors the numbering and only the
		// queue owner advances it.
		rec, err = store.Load(rec.RecordID)
		if err != nil {
			return err
		}
		if last, err = replayFrames(store, rec, last, w); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
}

// replayFrames writes every frame after afterSeq as one NDJSON line and
// returns the highest sequence number written.
func replayFrames(store *session.Store, rec *session.SessionRecord, afterSeq int64, w *bufio.Writer) (int64, error) {
	frames, err := store.EventLog(rec.RecordID).List(rec.LastSeq, afterSeq)
	if err != nil {
		return afterSeq, err
	}
	last := afterSeq
	for _, frame := range frames {
		if _, err := w.Write(bytes.TrimSpace(frame.Raw)); err != nil {
			return last, err
		}
		if err := w.WriteByte('\n'); err != nil {
			return last, err
		}
		last = frame.Seq
	}
	return last, nil
}
