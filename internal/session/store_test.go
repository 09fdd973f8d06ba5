package session

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return store
}

func TestStoreSaveAndLoad(t *testing.T) {
	store := newTestStore(t)

	rec := NewRecord(Scope{AgentCommand: "agent --acp", Cwd: "/tmp/w", Name: "alpha"})
	rec.ACPSessionID = "sess-123"
	if err := store.Save(rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Load("alpha")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.ACPSessionID != "sess-123" {
		t.Errorf("ACPSessionID = %q, want %q", got.ACPSessionID, "sess-123")
	}
	if got.AgentCommand != "agent --acp" {
		t.Errorf("AgentCommand = %q", got.AgentCommand)
	}
}

func TestStoreLoadMissing(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Load("nope"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Load error = %v, want ErrRecordNotFound", err)
	}
}

func TestStoreRecordIDEscaping(t *testing.T) {
	store := newTestStore(t)

	rec := NewRecord(Scope{AgentCommand: "a", Cwd: "/w", Name: "feature/auth refactor"})
	if err := store.Save(rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// The escaped file must live directly in the store directory.
	entries, err := os.ReadDir(store.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 file in store dir, got %d", len(entries))
	}

	got, err := store.Load("feature/auth refactor")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Name != "feature/auth refactor" {
		t.Errorf("Name = %q", got.Name)
	}
}

func TestStoreListSkipsCorruptFiles(t *testing.T) {
	store := newTestStore(t)

	if err := store.Save(NewRecord(Scope{AgentCommand: "a", Cwd: "/w1"})); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(store.Dir(), "broken.json"), []byte("{nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(store.Dir(), "notes.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	records, err := store.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("List returned %d records, want 1", len(records))
	}
}

func TestStoreListOrdersByLastUsed(t *testing.T) {
	store := newTestStore(t)

	older := NewRecord(Scope{AgentCommand: "a", Cwd: "/w1"})
	older.LastUsedAt = time.Now().Add(-time.Hour)
	newer := NewRecord(Scope{AgentCommand: "a", Cwd: "/w2"})
	newer.LastUsedAt = time.Now()

	for _, rec := range []*SessionRecord{older, newer} {
		if err := store.Save(rec); err != nil {
			t.Fatal(err)
		}
	}

	records, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records", len(records))
	}
	if records[0].RecordID != newer.RecordID {
		t.Error("most recently used record not first")
	}
}

func TestStoreDeleteRemovesEventLog(t *testing.T) {
	store := newTestStore(t)

	rec := NewRecord(Scope{AgentCommand: "a", Cwd: "/w", Name: "gone"})
	if err := store.Save(rec); err != nil {
		t.Fatal(err)
	}
	eventLog := store.EventLog(rec.RecordID)
	if _, err := eventLog.Append([][]byte{[]byte(`{"jsonrpc":"2.0","method":"x"}`)}); err != nil {
		t.Fatal(err)
	}

	if err := store.Delete(rec.RecordID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := os.Stat(eventLog.ActivePath()); !os.IsNotExist(err) {
		t.Error("active segment not removed")
	}
	if _, err := store.Load(rec.RecordID); !errors.Is(err, ErrRecordNotFound) {
		t.Error("record still loadable after delete")
	}

	if err := store.Delete(rec.RecordID); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("second Delete error = %v, want ErrRecordNotFound", err)
	}
}

func TestStoreFind(t *testing.T) {
	store := newTestStore(t)

	open := NewRecord(Scope{AgentCommand: "agent --acp", Cwd: "/w"})
	named := NewRecord(Scope{AgentCommand: "agent --acp", Cwd: "/w", Name: "alpha"})
	closed := NewRecord(Scope{AgentCommand: "agent --acp", Cwd: "/closed"})
	closed.MarkClosed()

	for _, rec := range []*SessionRecord{open, named, closed} {
		if err := store.Save(rec); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.Find(Scope{AgentCommand: "agent --acp", Cwd: "/w"}, false)
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if got.RecordID != open.RecordID {
		t.Errorf("Find returned %q, want unnamed record %q", got.RecordID, open.RecordID)
	}

	got, err = store.Find(Scope{AgentCommand: "agent --acp", Cwd: "/w", Name: "alpha"}, false)
	if err != nil {
		t.Fatalf("Find named failed: %v", err)
	}
	if got.RecordID != named.RecordID {
		t.Errorf("Find returned %q, want named record", got.RecordID)
	}

	if _, err := store.Find(Scope{AgentCommand: "agent --acp", Cwd: "/closed"}, false); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("closed record matched scope lookup: %v", err)
	}
	if _, err := store.Find(Scope{AgentCommand: "agent --acp", Cwd: "/closed"}, true); err != nil {
		t.Errorf("includeClosed lookup failed: %v", err)
	}
}

func TestStoreFindWalkUp(t *testing.T) {
	store := newTestStore(t)

	repo := t.TempDir()
	if err := os.MkdirAll(filepath.Join(repo, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	sub := filepath.Join(repo, "pkg", "deep")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	rec := NewRecord(Scope{AgentCommand: "agent --acp", Cwd: repo})
	if err := store.Save(rec); err != nil {
		t.Fatal(err)
	}

	got, err := store.FindWalkUp(Scope{AgentCommand: "agent --acp", Cwd: sub}, false)
	if err != nil {
		t.Fatalf("FindWalkUp failed: %v", err)
	}
	if got.RecordID != rec.RecordID {
		t.Errorf("FindWalkUp returned %q, want %q", got.RecordID, rec.RecordID)
	}

	// A record in a middle directory shadows the repo root one.
	mid := filepath.Join(repo, "pkg")
	midRec := NewRecord(Scope{AgentCommand: "agent --acp", Cwd: mid})
	if err := store.Save(midRec); err != nil {
		t.Fatal(err)
	}
	got, err = store.FindWalkUp(Scope{AgentCommand: "agent --acp", Cwd: sub}, false)
	if err != nil {
		t.Fatal(err)
	}
	if got.RecordID != midRec.RecordID {
		t.Errorf("FindWalkUp returned %q, want deepest match %q", got.RecordID, midRec.RecordID)
	}
}

func TestStoreFindWalkUpOutsideGitStaysPut(t *testing.T) {
	store := newTestStore(t)

	parent := t.TempDir()
	child := filepath.Join(parent, "child")
	if err := os.MkdirAll(child, 0o755); err != nil {
		t.Fatal(err)
	}

	rec := NewRecord(Scope{AgentCommand: "agent --acp", Cwd: parent})
	if err := store.Save(rec); err != nil {
		t.Fatal(err)
	}

	// Without a git root the walk must not leave cwd.
	if _, err := store.FindWalkUp(Scope{AgentCommand: "agent --acp", Cwd: child}, false); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("FindWalkUp escaped cwd without a git root: %v", err)
	}
}
