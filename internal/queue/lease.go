package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/acpx/acpx/internal/fileutil"
	"github.com/acpx/acpx/internal/logging"
)

// OwnerRecord is the JSON body of a lease file. The file exists iff some
// process claims ownership of the session queue; whether that claim is
// still good is decided by probing the pid, never by file age.
type OwnerRecord struct {
	PID        int       `json:"pid"`
	SessionID  string    `json:"sessionId"`
	SocketPath string    `json:"socketPath"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Lease is a held queue-owner lease. Releasing it removes the socket and
// the lock file, but only while the lock still names the holder's pid.
type Lease struct {
	lockPath   string
	socketPath string
	pid        int

	mu       sync.Mutex
	released bool
}

// TryAcquireLease attempts one exclusive claim of the session queue.
// Outcomes:
//   - (lease, "", nil): the caller is now the owner.
//   - (nil, socketPath, nil): a live owner exists; connect to its socket.
//   - (nil, "", nil): a dead owner's artifacts were reaped; the caller
//     decides whether to try again.
func TryAcquireLease(queuesDir, sessionID string) (*Lease, string, error) {
	if err := os.MkdirAll(queuesDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("failed to create queues directory: %w", err)
	}
	log := logging.Queue()
	lockPath := LockPath(queuesDir, sessionID)
	socketPath := SocketPath(queuesDir, sessionID)

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err == nil {
		rec := OwnerRecord{
			PID:        os.Getpid(),
			SessionID:  sessionID,
			SocketPath: socketPath,
			CreatedAt:  time.Now().UTC(),
		}
		data, merr := json.Marshal(rec)
		if merr == nil {
			_, merr = f.Write(data)
		}
		if cerr := f.Close(); merr == nil {
			merr = cerr
		}
		if merr != nil {
			_ = os.Remove(lockPath)
			return nil, "", fmt.Errorf("failed to write lease file: %w", merr)
		}
		// A previous owner may have left its socket behind; remove it so
		// bind() succeeds.
		_ = os.Remove(socketPath)
		log.Debug("queue lease acquired", "session_id", sessionID, "lock", lockPath)
		return &Lease{lockPath: lockPath, socketPath: socketPath, pid: rec.PID}, "", nil
	}
	if !os.IsExist(err) {
		return nil, "", fmt.Errorf("failed to create lease file: %w", err)
	}

	existing, rerr := ReadOwnerRecord(lockPath)
	if rerr == nil && isPIDRunning(existing.PID) {
		return nil, existing.SocketPath, nil
	}

	// Dead or unreadable owner. Reap its artifacts and let the caller
	// retry the exclusive create.
	if rerr == nil {
		log.Debug("reaping stale queue lease",
			"session_id", sessionID,
			"dead_pid", existing.PID,
			"created_at", existing.CreatedAt)
	} else {
		log.Debug("reaping unreadable queue lease", "session_id", sessionID, "error", rerr)
	}
	_ = os.Remove(socketPath)
	_ = os.Remove(lockPath)
	return nil, "", nil
}

// AcquireLease claims the session queue, reaping at most one stale owner
// along the way. A second process racing for the same stale lease loses
// the exclusive create and is redirected to the winner's socket.
func AcquireLease(queuesDir, sessionID string) (*Lease, string, error) {
	for attempt := 0; attempt < 2; attempt++ {
		lease, socketPath, err := TryAcquireLease(queuesDir, sessionID)
		if err != nil || lease != nil || socketPath != "" {
			return lease, socketPath, err
		}
	}
	return nil, "", fmt.Errorf("failed to acquire queue lease for session %q", sessionID)
}

// SocketPath returns the socket this lease binds.
func (l *Lease) SocketPath() string {
	return l.socketPath
}

// Release removes the socket and the lock file. When the lock no longer
// names the releasing pid a successor has taken over; its artifacts are
// left alone.
func (l *Lease) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true

	current, err := ReadOwnerRecord(l.lockPath)
	if err == nil && current.PID != l.pid {
		logging.Queue().Warn("queue lease taken over, skipping release",
			"lock", l.lockPath,
			"holder_pid", current.PID)
		return nil
	}

	if err := os.Remove(l.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove queue socket: %w", err)
	}
	if err := os.Remove(l.lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lease file: %w", err)
	}
	logging.Queue().Debug("queue lease released", "lock", l.lockPath)
	return nil
}

// LiveOwner reports whether a live process holds the session lease, and
// returns its record when so. Stale leases (dead pid) read as no owner;
// they are not reaped here.
func LiveOwner(queuesDir, sessionID string) (OwnerRecord, bool) {
	rec, err := ReadOwnerRecord(LockPath(queuesDir, sessionID))
	if err != nil {
		return OwnerRecord{}, false
	}
	if !isPIDRunning(rec.PID) {
		return OwnerRecord{}, false
	}
	return rec, true
}

// ReadOwnerRecord reads and parses a lease file.
func ReadOwnerRecord(lockPath string) (OwnerRecord, error) {
	var rec OwnerRecord
	if err := fileutil.ReadJSON(lockPath, &rec); err != nil {
		return OwnerRecord{}, err
	}
	if rec.PID <= 0 {
		return OwnerRecord{}, fmt.Errorf("lease file %s has no pid", lockPath)
	}
	return rec, nil
}

// isPIDRunning probes a process with signal 0.
func isPIDRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix FindProcess always succeeds; the probe is the signal.
	return process.Signal(syscall.Signal(0)) == nil
}

// removeStaleArtifacts deletes the lock and socket left by a dead owner.
func removeStaleArtifacts(queuesDir, sessionID string) {
	_ = os.Remove(SocketPath(queuesDir, sessionID))
	_ = os.Remove(LockPath(queuesDir, sessionID))
}
