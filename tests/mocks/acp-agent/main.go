// Package main implements a mock ACP agent for testing acpx. It speaks
// JSON-RPC over stdin/stdout in NDJSON framing, the same wire format a
// real adapter uses, and reacts to directives embedded in prompt text so
// tests can script file reads, writes, permission requests, terminals
// and cancellation without a real agent.
//
// Behaviour toggles come from the environment:
//
//	MOCK_ACP_AUTH_METHODS    comma-separated auth method ids to advertise
//	MOCK_ACP_REQUIRE_AUTH    "1": session calls fail with -32000 until authenticate
//	MOCK_ACP_NO_LOAD         "1": advertise loadSession: false
//	MOCK_ACP_FORGET_SESSIONS "1": session/load fails with -32002
//	MOCK_ACP_REPLAY_COUNT    number of updates replayed by session/load (default 5)
//	MOCK_ACP_EXIT_AFTER_INIT "1": exit right after the initialize response
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

func main() {
	var (
		delay   time.Duration
		verbose bool
	)
	flag.DurationVar(&delay, "delay", 10*time.Millisecond, "Delay between streamed chunks")
	flag.BoolVar(&verbose, "verbose", os.Getenv("MOCK_ACP_VERBOSE") == "1", "Log traffic to stderr")
	flag.Parse()

	agent := &mockAgent{
		delay:         delay,
		verbose:       verbose,
		reader:        bufio.NewReaderSize(os.Stdin, 1024*1024),
		writer:        os.Stdout,
		authMethods:   splitNonEmpty(os.Getenv("MOCK_ACP_AUTH_METHODS")),
		requireAuth:   os.Getenv("MOCK_ACP_REQUIRE_AUTH") == "1",
		noLoad:        os.Getenv("MOCK_ACP_NO_LOAD") == "1",
		forgetLoads:   os.Getenv("MOCK_ACP_FORGET_SESSIONS") == "1",
		replayCount:   envInt("MOCK_ACP_REPLAY_COUNT", 5),
		exitAfterInit: os.Getenv("MOCK_ACP_EXIT_AFTER_INIT") == "1",
		pending:       make(map[int64]chan clientReply),
	}
	if err := agent.run(); err != nil {
		fmt.Fprintf(os.Stderr, "[mock-acp-agent] fatal: %v\n", err)
		os.Exit(1)
	}
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envInt(name string, fallback int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// mockAgent is the scripted agent. The read loop is single-threaded;
// prompt turns run on their own goroutine so session/cancel can be
// observed mid-turn.
type mockAgent struct {
	delay   time.Duration
	verbose bool
	reader  *bufio.Reader
	writer  io.Writer

	authMethods   []string
	requireAuth   bool
	noLoad        bool
	forgetLoads   bool
	replayCount   int
	exitAfterInit bool

	authed    bool
	sessionID string

	mu           sync.Mutex
	promptCancel chan struct{} // non-nil while a prompt turn is streaming

	pendingMu sync.Mutex
	nextID    int64
	pending   map[int64]chan clientReply
}

func (a *mockAgent) logf(format string, args ...any) {
	if a.verbose {
		fmt.Fprintf(os.Stderr, "[mock-acp-agent] "+format+"\n", args...)
	}
}

func (a *mockAgent) run() error {
	a.logf("starting")
	for {
		line, err := a.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				a.logf("stdin closed, exiting")
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		a.logf("<- %s", line)

		var msg envelope
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			a.logf("dropping invalid JSON: %v", err)
			continue
		}
		if msg.Method == "" {
			a.handleReply(msg)
			continue
		}
		if err := a.handleRequest(msg); err != nil {
			a.logf("handler error: %v", err)
		}
	}
}
