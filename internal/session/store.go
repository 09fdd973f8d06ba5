package session

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/acpx/acpx/internal/fileutil"
	"github.com/acpx/acpx/internal/logging"
)

const recordFileExt = ".json"

var (
	// ErrRecordNotFound indicates no record exists for the requested id
	// or scope.
	ErrRecordNotFound = errors.New("session record not found")

	// ErrRecordClosed indicates the record exists but has been closed.
	ErrRecordClosed = errors.New("session record is closed")
)

// Store persists session records as one JSON file per record under a
// base directory. Records are written atomically so a crashed writer
// never leaves a truncated file behind.
type Store struct {
	dir string
	mu  sync.RWMutex
}

// NewStore creates a record store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	logging.Session().Debug("record store initialized", "dir", dir)
	return &Store{dir: dir}, nil
}

// Dir returns the store's base directory.
func (s *Store) Dir() string {
	return s.dir
}

// recordPath returns the file path for a record id. The id is URL-escaped
// so arbitrary session names cannot traverse out of the store directory.
func (s *Store) recordPath(recordID string) string {
	return filepath.Join(s.dir, url.PathEscape(recordID)+recordFileExt)
}

// EventLog returns the event log accessor for a record.
func (s *Store) EventLog(recordID string) *EventLog {
	return NewEventLog(s.dir, recordID)
}

// Save writes the record atomically.
func (s *Store) Save(rec *SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(rec)
}

func (s *Store) saveLocked(rec *SessionRecord) error {
	if rec.RecordID == "" {
		return errors.New("record id is empty")
	}
	if err := fileutil.WriteJSONAtomic(s.recordPath(rec.RecordID), rec, 0o644); err != nil {
		return fmt.Errorf("failed to save session record: %w", err)
	}
	return nil
}

// Load reads one record by id. Returns ErrRecordNotFound when the file
// does not exist.
func (s *Store) Load(recordID string) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadLocked(recordID)
}

func (s *Store) loadLocked(recordID string) (*SessionRecord, error) {
	var rec SessionRecord
	if err := fileutil.ReadJSON(s.recordPath(recordID), &rec); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to read session record: %w", err)
	}
	return &rec, nil
}

// List returns all readable records, newest last-used first. Corrupt or
// foreign files in the directory are skipped.
func (s *Store) List() ([]*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked()
}

func (s *Store) listLocked() ([]*SessionRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	log := logging.Session()
	var records []*SessionRecord
	for _, entry := range entries {
		name := entry.Name()
		// The extension check also skips event log segments (.ndjson),
		// lock files and temp files left by interrupted writers (.tmp).
		if entry.IsDir() || !strings.HasSuffix(name, recordFileExt) {
			continue
		}
		var rec SessionRecord
		if err := fileutil.ReadJSON(filepath.Join(s.dir, name), &rec); err != nil {
			log.Debug("skipping unreadable session record", "file", name, "error", err)
			continue
		}
		if rec.RecordID == "" {
			continue
		}
		records = append(records, &rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].LastUsedAt.After(records[j].LastUsedAt)
	})
	return records, nil
}

// Delete removes a record together with its event log segments and lock
// file. Returns ErrRecordNotFound when no record file exists.
func (s *Store) Delete(recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.recordPath(recordID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return ErrRecordNotFound
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete session record: %w", err)
	}

	eventLog := s.EventLog(recordID)
	_ = os.Remove(eventLog.ActivePath())
	_ = os.Remove(eventLog.LockPath())
	for n := 1; n <= eventLog.MaxSegments(); n++ {
		_ = os.Remove(eventLog.SegmentPath(n))
	}

	logging.Session().Debug("session record deleted", "record_id", recordID)
	return nil
}

// Find returns the open record matching the scope exactly, or
// ErrRecordNotFound. When includeClosed is true, closed records are
// eligible too; among several candidates the most recently used wins.
func (s *Store) Find(scope Scope, includeClosed bool) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findLocked(scope, includeClosed)
}

func (s *Store) findLocked(scope Scope, includeClosed bool) (*SessionRecord, error) {
	records, err := s.listLocked()
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if !includeClosed && rec.Closed {
			continue
		}
		if scope.Matches(rec) {
			return rec, nil
		}
	}
	return nil, ErrRecordNotFound
}

// FindWalkUp tries the scope match at cwd and then at each parent
// directory up to the enclosing git repository root. Outside a git
// repository only cwd itself is tried. The first (deepest) match wins.
func (s *Store) FindWalkUp(scope Scope, includeClosed bool) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, dir := range walkUpDirs(scope.Cwd) {
		probe := scope
		probe.Cwd = dir
		rec, err := s.findLocked(probe, includeClosed)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrRecordNotFound) {
			return nil, err
		}
	}
	return nil, ErrRecordNotFound
}

// ScopeDirs returns the directories a scope lookup at cwd considers: cwd
// itself plus its ancestors up to the enclosing git repository root.
func ScopeDirs(cwd string) []string {
	return walkUpDirs(cwd)
}

// walkUpDirs returns cwd followed by its ancestors up to and including
// the git repository root. When cwd is not inside a git repository the
// result is just cwd.
func walkUpDirs(cwd string) []string {
	dirs := []string{cwd}
	root := gitRoot(cwd)
	if root == "" || root == cwd {
		return dirs
	}
	dir := cwd
	for dir != root {
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
		dirs = append(dirs, dir)
	}
	return dirs
}

// gitRoot walks upward from dir looking for a .git entry. It returns the
// containing directory, or "" when none is found.
func gitRoot(dir string) string {
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
