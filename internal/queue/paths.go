// Package queue implements the per-session prompt queue: a leader-elected
// owner process that holds the agent subprocess and serializes prompt
// turns, and the submitter side every CLI invocation uses to reach it.
//
// The rendezvous between submitters and the owner is a pair of files under
// the queues directory, both derived from the session record id: an
// advisory lock file holding the owner's pid and a Unix socket carrying
// the NDJSON request protocol.
package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
)

// sessionKeyLen is the number of hex digits kept from the hashed session
// id. Long or oddly named sessions map to fixed-width safe filenames.
const sessionKeyLen = 24

// SessionKey derives the filename-safe key for a session id.
func SessionKey(sessionID string) string {
	sum := sha256.Sum256([]byte(sessionID))
	return hex.EncodeToString(sum[:])[:sessionKeyLen]
}

// LockPath returns the owner lease file for a session.
func LockPath(queuesDir, sessionID string) string {
	return filepath.Join(queuesDir, SessionKey(sessionID)+".lock")
}

// SocketPath returns the owner IPC socket for a session.
func SocketPath(queuesDir, sessionID string) string {
	return filepath.Join(queuesDir, SessionKey(sessionID)+".sock")
}
