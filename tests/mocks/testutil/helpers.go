// Package testutil provides shared helpers for acpx integration tests.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// FindProjectRoot finds the project root by looking for go.mod.
func FindProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("could not find project root (go.mod)")
		}
		dir = parent
	}
}

// GetAcpxBinary returns the path to the acpx binary at the project root.
func GetAcpxBinary() (string, error) {
	root, err := FindProjectRoot()
	if err != nil {
		return "", err
	}
	binary := filepath.Join(root, "acpx")
	if _, err := os.Stat(binary); os.IsNotExist(err) {
		return "", fmt.Errorf("acpx binary not found at %s (run 'go build -o acpx ./cmd/acpx' first)", binary)
	}
	return binary, nil
}

// GetMockAgentBinary returns the path to the mock ACP agent binary.
func GetMockAgentBinary() (string, error) {
	root, err := FindProjectRoot()
	if err != nil {
		return "", err
	}
	binary := filepath.Join(root, "tests", "mocks", "acp-agent", "mock-acp-agent")
	if _, err := os.Stat(binary); os.IsNotExist(err) {
		return "", fmt.Errorf("mock-acp-agent binary not found at %s (build it with 'go build' in tests/mocks/acp-agent)", binary)
	}
	return binary, nil
}

// TestEnv returns the environment for an acpx invocation pinned to an
// isolated state directory.
func TestEnv(stateDir string) []string {
	return append(os.Environ(), "ACPX_DIR="+stateDir)
}
