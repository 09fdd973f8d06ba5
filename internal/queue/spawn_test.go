package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/acpx/acpx/internal/errcode"
)

func newSocketWatcher(t *testing.T, dir string) *fsnotify.Watcher {
	t.Helper()
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	t.Cleanup(func() { watcher.Close() })
	if err := watcher.Add(dir); err != nil {
		t.Fatalf("watcher.Add failed: %v", err)
	}
	return watcher
}

func TestWaitForSocketAlreadyBound(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "owner.sock")
	if err := os.WriteFile(socketPath, nil, 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	watcher := newSocketWatcher(t, dir)
	if err := waitForSocket(context.Background(), watcher, socketPath); err != nil {
		t.Fatalf("waitForSocket failed: %v", err)
	}
}

func TestWaitForSocketSeesLateBind(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "owner.sock")
	watcher := newSocketWatcher(t, dir)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = os.WriteFile(socketPath, nil, 0o600)
	}()

	start := time.Now()
	if err := waitForSocket(context.Background(), watcher, socketPath); err != nil {
		t.Fatalf("waitForSocket failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("waitForSocket took %v, the watcher should have fired well before the deadline", elapsed)
	}
}

func TestWaitForSocketIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "owner.sock")
	watcher := newSocketWatcher(t, dir)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = os.WriteFile(filepath.Join(dir, "unrelated.lock"), nil, 0o600)
		time.Sleep(30 * time.Millisecond)
		_ = os.WriteFile(socketPath, nil, 0o600)
	}()

	if err := waitForSocket(context.Background(), watcher, socketPath); err != nil {
		t.Fatalf("waitForSocket failed: %v", err)
	}
}

func TestWaitForSocketInterrupted(t *testing.T) {
	dir := t.TempDir()
	watcher := newSocketWatcher(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := waitForSocket(ctx, watcher, filepath.Join(dir, "owner.sock"))
	var ce *errcode.Error
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want classified", err)
	}
	if ce.Kind != errcode.KindInterrupted {
		t.Errorf("kind = %s, want INTERRUPTED", ce.Kind)
	}
}
