// Package appdir locates and creates the acpx state directory, which holds
// configuration (config.yaml), session records (sessions/), queue rendezvous
// files (queues/) and log output (logs/).
package appdir

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	// AcpxDirEnv is the environment variable to override the state directory.
	AcpxDirEnv = "ACPX_DIR"

	// ConfigFileName is the name of the settings file.
	ConfigFileName = "config.yaml"

	// SessionsDirName is the name of the session records subdirectory.
	SessionsDirName = "sessions"

	// QueuesDirName is the name of the queue lease/socket subdirectory.
	QueuesDirName = "queues"

	// LogsDirName is the name of the log output subdirectory.
	LogsDirName = "logs"
)

var (
	// cachedDir stores the resolved state directory to avoid repeated lookups.
	cachedDir string
	// mu protects cachedDir.
	mu sync.RWMutex
)

// Dir returns the acpx state directory path.
// The directory is determined in the following order:
//  1. ACPX_DIR environment variable (if set)
//  2. SetDir override (the --dir flag)
//  3. ~/.acpx
//
// This function only returns the path; it does not create the directory.
// Use EnsureDir() to create the directory if needed.
func Dir() (string, error) {
	mu.RLock()
	if cachedDir != "" {
		dir := cachedDir
		mu.RUnlock()
		return dir, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	// Double-check after acquiring write lock
	if cachedDir != "" {
		return cachedDir, nil
	}

	dir, err := resolveDir()
	if err != nil {
		return "", err
	}

	cachedDir = dir
	return dir, nil
}

// resolveDir calculates the state directory path.
func resolveDir() (string, error) {
	if envDir := os.Getenv(AcpxDirEnv); envDir != "" {
		return envDir, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".acpx"), nil
}

// SetDir overrides the state directory for this process. It takes precedence
// over the default but not over ACPX_DIR, matching flag-vs-environment
// precedence elsewhere in the CLI.
func SetDir(dir string) {
	if dir == "" {
		return
	}
	if os.Getenv(AcpxDirEnv) != "" {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	cachedDir = dir
}

// EnsureDir creates the state directory and its subdirectories if they
// don't exist.
func EnsureDir() error {
	dir, err := Dir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}

	for _, sub := range []string{SessionsDirName, QueuesDirName, LogsDirName} {
		subDir := filepath.Join(dir, sub)
		if err := os.MkdirAll(subDir, 0755); err != nil {
			return fmt.Errorf("failed to create %s directory %s: %w", sub, subDir, err)
		}
	}

	return nil
}

// ConfigPath returns the full path to the config.yaml file.
func ConfigPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ConfigFileName), nil
}

// SessionsDir returns the full path to the session records directory.
func SessionsDir() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, SessionsDirName), nil
}

// QueuesDir returns the full path to the queue rendezvous directory.
func QueuesDir() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, QueuesDirName), nil
}

// LogsDir returns the full path to the log output directory.
func LogsDir() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, LogsDirName), nil
}

// ResetCache clears the cached directory path.
// This is primarily useful for testing.
func ResetCache() {
	mu.Lock()
	defer mu.Unlock()
	cachedDir = ""
}
