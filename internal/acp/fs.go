// Package acp drives an agent subprocess over the Agent Client Protocol:
// it spawns the adapter, speaks JSON-RPC over its stdio, and services the
// client-side callbacks (filesystem, terminals, permissions) the agent
// invokes during a prompt turn.
package acp

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/acpx/acpx/internal/fileutil"
)

// FileSystem defines the file operations exposed to agents.
// This interface enables testing without actual file I/O.
type FileSystem interface {
	// ReadTextFile reads a text file and returns its content.
	// If line and limit are provided, only the specified range of lines is returned.
	ReadTextFile(path string, line, limit *int) (string, error)

	// WriteTextFile writes content to a text file, creating parent directories if needed.
	WriteTextFile(path, content string) error
}

// WorkspaceFS implements FileSystem rooted at a session's working
// directory. Reads are confined to the cwd subtree; writes may target
// any absolute path since they pass through the permission gate first.
type WorkspaceFS struct {
	cwd string
}

// Ensure WorkspaceFS implements FileSystem at compile time.
var _ FileSystem = (*WorkspaceFS)(nil)

// NewWorkspaceFS creates a filesystem scoped to cwd. The path is cleaned
// but not required to exist; a missing cwd surfaces on the first read.
func NewWorkspaceFS(cwd string) *WorkspaceFS {
	return &WorkspaceFS{cwd: filepath.Clean(cwd)}
}

// Cwd returns the directory reads are confined to.
func (fs *WorkspaceFS) Cwd() string {
	return fs.cwd
}

// ReadTextFile reads a text file under the session working directory.
// If line is provided, reading starts from that line (1-based).
// If limit is provided, at most that many lines are returned.
func (fs *WorkspaceFS) ReadTextFile(path string, line, limit *int) (string, error) {
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("path must be absolute: %s", path)
	}
	if !fs.contains(path) {
		return "", fmt.Errorf("path %s is outside the session working directory %s", path, fs.cwd)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	content := string(b)

	// Apply line/limit filtering if specified
	if line != nil || limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if line != nil && *line > 0 {
			start = min(max(*line-1, 0), len(lines))
		}
		end := len(lines)
		if limit != nil && *limit > 0 {
			if start+*limit < end {
				end = start + *limit
			}
		}
		content = strings.Join(lines[start:end], "\n")
	}

	return content, nil
}

// WriteTextFile writes content to a text file. Parent directories are
// created if they don't exist, and the content replaces the target file
// atomically so a concurrent reader never sees a partial write.
func (fs *WorkspaceFS) WriteTextFile(path, content string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("path must be absolute: %s", path)
	}

	dir := filepath.Dir(path)
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	if err := fileutil.WriteFileAtomic(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	return nil
}

// contains reports whether path (already absolute) falls inside the
// session working directory.
func (fs *WorkspaceFS) contains(path string) bool {
	rel, err := filepath.Rel(fs.cwd, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
