package session

import (
	"os"
	"testing"
)

func newTestRecorder(t *testing.T) (*Store, *Recorder) {
	t.Helper()
	store := newTestStore(t)
	rec := NewRecord(Scope{AgentCommand: "agent --acp", Cwd: "/tmp/w", Name: "rec"})
	if err := store.Save(rec); err != nil {
		t.Fatal(err)
	}
	return store, NewRecorder(store, rec)
}

func TestRecorderAppendFramesUpdatesBookkeeping(t *testing.T) {
	store, recorder := newTestRecorder(t)

	recorder.AppendFrames([][]byte{
		[]byte(`{"jsonrpc":"2.0","id":5,"method":"session/prompt","params":{}}`),
		[]byte(`{"jsonrpc":"2.0","method":"session/update","params":{}}`),
	}, true)

	snap := recorder.Snapshot()
	if snap.LastSeq != 2 {
		t.Errorf("LastSeq = %d, want 2", snap.LastSeq)
	}
	if snap.LastRequestID != 5 {
		t.Errorf("LastRequestID = %d, want 5", snap.LastRequestID)
	}
	if snap.EventLog.LastWriteAt == nil {
		t.Error("LastWriteAt not set")
	}
	if snap.EventLog.LastWriteError != "" {
		t.Errorf("LastWriteError = %q", snap.EventLog.LastWriteError)
	}

	// checkpoint=true persisted the record.
	onDisk, err := store.Load("rec")
	if err != nil {
		t.Fatal(err)
	}
	if onDisk.LastSeq != 2 {
		t.Errorf("persisted LastSeq = %d, want 2", onDisk.LastSeq)
	}
}

func TestRecorderAppendWithoutCheckpoint(t *testing.T) {
	store, recorder := newTestRecorder(t)

	recorder.AppendFrames([][]byte{[]byte(`{"jsonrpc":"2.0","method":"x"}`)}, false)

	if snap := recorder.Snapshot(); snap.LastSeq != 1 {
		t.Fatalf("in-memory LastSeq = %d, want 1", snap.LastSeq)
	}
	onDisk, err := store.Load("rec")
	if err != nil {
		t.Fatal(err)
	}
	if onDisk.LastSeq != 0 {
		t.Errorf("record persisted without checkpoint: LastSeq = %d", onDisk.LastSeq)
	}

	if err := recorder.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	onDisk, err = store.Load("rec")
	if err != nil {
		t.Fatal(err)
	}
	if onDisk.LastSeq != 1 {
		t.Errorf("persisted LastSeq = %d, want 1", onDisk.LastSeq)
	}
}

func TestRecorderAppendFailureDoesNotPanicTurn(t *testing.T) {
	store, recorder := newTestRecorder(t)

	// Turn the active segment path into a directory so the append fails.
	eventLog := store.EventLog("rec")
	if err := os.MkdirAll(eventLog.ActivePath(), 0o755); err != nil {
		t.Fatal(err)
	}

	recorder.AppendFrames([][]byte{[]byte(`{"jsonrpc":"2.0","method":"x"}`)}, false)

	snap := recorder.Snapshot()
	if snap.LastSeq != 0 {
		t.Errorf("LastSeq advanced past failed write: %d", snap.LastSeq)
	}
	if snap.EventLog.LastWriteError == "" {
		t.Error("LastWriteError not recorded")
	}

	// The failure is checkpointed so `sessions show` can surface it.
	onDisk, err := store.Load("rec")
	if err != nil {
		t.Fatal(err)
	}
	if onDisk.EventLog.LastWriteError == "" {
		t.Error("LastWriteError not persisted")
	}
}

func TestRecorderNextRequestID(t *testing.T) {
	_, recorder := newTestRecorder(t)

	if got := recorder.NextRequestID(); got != 1 {
		t.Errorf("NextRequestID = %d, want 1 on fresh record", got)
	}
	recorder.AppendFrames([][]byte{[]byte(`{"jsonrpc":"2.0","id":9,"method":"m"}`)}, false)
	if got := recorder.NextRequestID(); got != 10 {
		t.Errorf("NextRequestID = %d, want 10", got)
	}
}

func TestRecorderListEvents(t *testing.T) {
	_, recorder := newTestRecorder(t)

	recorder.AppendFrames([][]byte{
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"a"}`),
		[]byte(`{"jsonrpc":"2.0","method":"b"}`),
		[]byte(`{"jsonrpc":"2.0","method":"c"}`),
	}, true)

	frames, err := recorder.ListEvents(1)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].Seq != 2 || frames[1].Seq != 3 {
		t.Errorf("seqs = %d, %d", frames[0].Seq, frames[1].Seq)
	}
}
