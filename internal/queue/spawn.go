package queue

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/acpx/acpx/internal/errcode"
	"github.com/acpx/acpx/internal/logging"
)

// OwnerCommand is the hidden CLI command a spawned owner runs. The owner
// takes no flags; everything it needs travels in the payload env var.
const OwnerCommand = "__queue-owner"

// socketWaitTimeout bounds how long a spawner waits for the new owner's
// socket to appear before reporting the spawn failed.
const socketWaitTimeout = 5 * time.Second

// SpawnOwner starts a detached owner process for the payload's session
// and waits for its socket. The child gets its own session (setsid) and
// outlives this process; stdio goes to /dev/null and owner logs go to the
// state-directory log file.
func SpawnOwner(ctx context.Context, queuesDir string, payload OwnerPayload) error {
	exe, err := os.Executable()
	if err != nil {
		return spawnErr(err)
	}
	encoded, err := payload.Encode()
	if err != nil {
		return spawnErr(err)
	}
	if err := os.MkdirAll(queuesDir, 0o700); err != nil {
		return spawnErr(err)
	}

	// Watch the directory before spawning so the bind cannot be missed.
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return spawnErr(err)
	}
	defer watcher.Close()
	if err := watcher.Add(queuesDir); err != nil {
		return spawnErr(err)
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return spawnErr(err)
	}
	defer devNull.Close()

	cmd := exec.Command(exe, OwnerCommand)
	cmd.Env = append(os.Environ(), PayloadEnv+"="+encoded)
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return spawnErr(err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()

	logging.Queue().Debug("spawned queue owner",
		"pid", pid,
		"session_id", payload.RecordID)

	return waitForSocket(ctx, watcher, SocketPath(queuesDir, payload.RecordID))
}

func spawnErr(err error) *errcode.Error {
	return errcode.Wrap(errcode.KindRuntime, errcode.DetailOwnerSpawnFailed,
		fmt.Errorf("failed to spawn queue owner: %w", err)).WithOrigin(errcode.OriginQueue)
}

// waitForSocket blocks until the socket exists. fsnotify provides the
// wakeup; a slow stat poll covers events lost between setup and bind.
func waitForSocket(ctx context.Context, watcher *fsnotify.Watcher, socketPath string) error {
	if _, err := os.Stat(socketPath); err == nil {
		return nil
	}

	deadline := time.NewTimer(socketWaitTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(250 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case ev := <-watcher.Events:
			if ev.Name == socketPath && ev.Op.Has(fsnotify.Create) {
				return nil
			}
		case werr := <-watcher.Errors:
			logging.Queue().Debug("socket watcher error", "error", werr)
		case <-poll.C:
			if _, err := os.Stat(socketPath); err == nil {
				return nil
			}
		case <-deadline.C:
			return errcode.New(errcode.KindRuntime, errcode.DetailOwnerSpawnFailed,
				"queue owner socket did not appear in time").WithOrigin(errcode.OriginQueue)
		case <-ctx.Done():
			return interruptedErr(ctx, ctx.Err())
		}
	}
}
