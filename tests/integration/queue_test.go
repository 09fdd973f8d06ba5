//go:build integration

package integration

import (
	"encoding/json"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"
)

// waitFor polls fn until it succeeds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", timeout, what)
}

// waitCmd reaps a started command, killing it if it overstays.
func waitCmd(t *testing.T, cmd *exec.Cmd, timeout time.Duration) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		_ = cmd.Process.Kill()
		<-done
		t.Fatalf("command did not exit within %v", timeout)
		return nil
	}
}

var ownerState = regexp.MustCompile(`open \(owner (\d+)\)`)

// ownerPID extracts the queue owner pid from the sessions list, if any
// record in scope has a live one.
func ownerPID(t *testing.T, s *testSetup) (string, bool) {
	t.Helper()
	res := s.run(t, "sessions", "list")
	m := ownerState.FindStringSubmatch(res.stdout)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func TestCancelMidTurn(t *testing.T) {
	s := newSetup(t)

	// WAITCANCEL makes the mock stream updates until it is cancelled.
	cmd, output := s.start(t, "prompt", "--name", "canceltest", "WAITCANCEL")

	// The turn is in flight once its updates reach the event log.
	waitFor(t, 15*time.Second, "turn to start", func() bool {
		return strings.Contains(s.run(t, "events", "--session", "canceltest").stdout, "still working")
	})

	res := s.run(t, "cancel", "--session", "canceltest")
	if res.code != 0 {
		t.Fatalf("cancel exited %d: %s", res.code, res.stderr)
	}
	if !strings.Contains(res.stdout, "🛑 Cancelled") {
		t.Errorf("cancel output = %q, want cancelled marker", res.stdout)
	}

	// The waiting prompt sees the cancelled stop reason and exits cleanly.
	if err := waitCmd(t, cmd, 10*time.Second); err != nil {
		t.Fatalf("prompt exited with error: %v\noutput: %s", err, output.String())
	}
	if !strings.Contains(output.String(), "🛑 Cancelled") {
		t.Errorf("prompt output = %q, want cancelled marker", output.String())
	}
}

func TestCancelIdleSession(t *testing.T) {
	s := newSetup(t)
	if res := s.run(t, "prompt", "--name", "idle", "hello"); res.code != 0 {
		t.Fatalf("prompt exited %d: %s", res.code, res.stderr)
	}

	// The owner is still alive but nothing is in flight.
	res := s.run(t, "cancel", "--session", "idle")
	if res.code != 0 {
		t.Fatalf("cancel exited %d: %s", res.code, res.stderr)
	}
	if !strings.Contains(res.stdout, "📭 No active turn to cancel") {
		t.Errorf("cancel output = %q", res.stdout)
	}
}

func TestNoWaitQueuesTurn(t *testing.T) {
	s := newSetup(t)

	res := s.run(t, "prompt", "--no-wait", "--name", "bgwork", "hello world")
	if res.code != 0 {
		t.Fatalf("prompt --no-wait exited %d: %s", res.code, res.stderr)
	}
	if !strings.Contains(res.stdout, "📬 Queued (request ") {
		t.Errorf("output = %q, want queued ack", res.stdout)
	}

	// The owner keeps running the turn after the submitter disconnects.
	waitFor(t, 15*time.Second, "queued turn to finish", func() bool {
		out := s.run(t, "events", "--session", "bgwork").stdout
		return strings.Contains(out, `"stopReason":"end_turn"`) &&
			strings.Contains(out, "echo 1: hello world")
	})
}

func TestEventsReplayAndFrom(t *testing.T) {
	s := newSetup(t)
	if res := s.run(t, "prompt", "--name", "evtest", "alpha"); res.code != 0 {
		t.Fatalf("prompt exited %d: %s", res.code, res.stderr)
	}

	res := s.run(t, "events", "--session", "evtest")
	if res.code != 0 {
		t.Fatalf("events exited %d: %s", res.code, res.stderr)
	}
	lines := strings.Split(strings.TrimSpace(res.stdout), "\n")
	if len(lines) < 3 {
		t.Fatalf("got %d frames, want at least request, updates and response:\n%s", len(lines), res.stdout)
	}
	for i, line := range lines {
		if !json.Valid([]byte(line)) {
			t.Errorf("frame %d is not valid JSON: %q", i+1, line)
		}
	}
	if !strings.Contains(lines[0], `"method":"session/prompt"`) {
		t.Errorf("first frame = %q, want the prompt request", lines[0])
	}
	last := lines[len(lines)-1]
	if !strings.Contains(last, `"stopReason":"end_turn"`) {
		t.Errorf("last frame = %q, want the prompt response", last)
	}

	// --from skips everything up to and including the given sequence.
	res = s.run(t, "events", "--session", "evtest", "--from", strconv.Itoa(len(lines)-1))
	if res.code != 0 {
		t.Fatalf("events --from exited %d: %s", res.code, res.stderr)
	}
	if got := strings.TrimSpace(res.stdout); got != last {
		t.Errorf("events --from %d = %q, want %q", len(lines)-1, got, last)
	}

	res = s.run(t, "events", "--session", "evtest", "--from", strconv.Itoa(len(lines)))
	if res.code != 0 || strings.TrimSpace(res.stdout) != "" {
		t.Errorf("events --from %d = code %d output %q, want empty success", len(lines), res.code, res.stdout)
	}
}

func TestEventsFollowStreamsNewFrames(t *testing.T) {
	s := newSetup(t)
	if res := s.run(t, "prompt", "--name", "tail", "first"); res.code != 0 {
		t.Fatalf("prompt exited %d: %s", res.code, res.stderr)
	}

	cmd, output := s.start(t, "events", "--follow", "--session", "tail")
	time.Sleep(500 * time.Millisecond)

	if res := s.run(t, "prompt", "--session", "tail", "second"); res.code != 0 {
		t.Fatalf("second prompt exited %d: %s", res.code, res.stderr)
	}
	time.Sleep(600 * time.Millisecond)

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		t.Fatalf("interrupt follow: %v", err)
	}
	if err := waitCmd(t, cmd, 10*time.Second); err != nil {
		t.Fatalf("events --follow exited with error: %v\noutput: %s", err, output.String())
	}

	out := output.String()
	if !strings.Contains(out, "echo 1: first") {
		t.Errorf("follow output missing replayed frames:\n%s", out)
	}
	if !strings.Contains(out, "echo 1: second") {
		t.Errorf("follow output missing frames appended while following:\n%s", out)
	}
	if got := strings.Count(out, `"method":"session/prompt"`); got != 2 {
		t.Errorf("prompt request frames = %d, want 2:\n%s", got, out)
	}
}

func TestSetModeAndConfigOnLiveSession(t *testing.T) {
	s := newSetup(t)
	if res := s.run(t, "prompt", "--name", "tune", "hello"); res.code != 0 {
		t.Fatalf("prompt exited %d: %s", res.code, res.stderr)
	}

	res := s.run(t, "set-mode", "--session", "tune", "plan")
	if res.code != 0 {
		t.Fatalf("set-mode exited %d: %s", res.code, res.stderr)
	}
	if !strings.Contains(res.stdout, "⚙️ mode set to plan") {
		t.Errorf("set-mode output = %q", res.stdout)
	}

	// The mock rejects this mode id; the failure comes back classified.
	res = s.run(t, "set-mode", "--session", "tune", "bogus")
	if res.code != 1 {
		t.Errorf("set-mode bogus exited %d, want 1\nstderr: %s", res.code, res.stderr)
	}

	res = s.run(t, "set-config", "--session", "tune", "model", "gpt-test")
	if res.code != 0 {
		t.Fatalf("set-config exited %d: %s", res.code, res.stderr)
	}
	if !strings.Contains(res.stdout, "⚙️ model set to gpt-test") {
		t.Errorf("set-config output = %q", res.stdout)
	}

	// Unknown option ids are refused owner-side as usage errors.
	res = s.run(t, "set-config", "--session", "tune", "temperature", "0.7")
	if res.code != 2 {
		t.Errorf("set-config temperature exited %d, want 2\nstderr: %s", res.code, res.stderr)
	}
}

func TestSessionsCloseStopsOwner(t *testing.T) {
	s := newSetup(t)
	if res := s.run(t, "prompt", "--name", "closer", "hello"); res.code != 0 {
		t.Fatalf("prompt exited %d: %s", res.code, res.stderr)
	}
	if _, ok := ownerPID(t, s); !ok {
		t.Fatal("no live owner after prompt")
	}

	res := s.run(t, "sessions", "close", "closer")
	if res.code != 0 {
		t.Fatalf("close exited %d: %s", res.code, res.stderr)
	}
	if !strings.Contains(res.stdout, "👋 Closed session closer") {
		t.Errorf("close output = %q", res.stdout)
	}

	// Closing again is a no-op, not an error.
	if res := s.run(t, "sessions", "close", "closer"); res.code != 0 {
		t.Errorf("second close exited %d: %s", res.code, res.stderr)
	}

	res = s.run(t, "prompt", "--session", "closer", "again")
	if res.code != 4 {
		t.Errorf("prompt on closed session exited %d, want 4\nstderr: %s", res.code, res.stderr)
	}
	if !strings.Contains(res.stderr, "closed") {
		t.Errorf("stderr = %q, want closed session message", res.stderr)
	}

	// Close SIGTERMs the owner; rm succeeds once it is gone.
	waitFor(t, 10*time.Second, "owner to exit", func() bool {
		return s.run(t, "sessions", "rm", "closer").code == 0
	})
	if res := s.run(t, "sessions", "show", "closer"); res.code != 4 {
		t.Errorf("show after rm exited %d, want 4", res.code)
	}
}

func TestSessionsRmForceStopsOwner(t *testing.T) {
	s := newSetup(t)
	if res := s.run(t, "prompt", "--name", "victim", "hello"); res.code != 0 {
		t.Fatalf("prompt exited %d: %s", res.code, res.stderr)
	}
	pid, ok := ownerPID(t, s)
	if !ok {
		t.Fatal("no live owner after prompt")
	}

	res := s.run(t, "sessions", "rm", "victim")
	if res.code != 1 {
		t.Fatalf("rm with live owner exited %d, want 1\nstderr: %s", res.code, res.stderr)
	}
	if !strings.Contains(res.stderr, "running queue owner") || !strings.Contains(res.stderr, pid) {
		t.Errorf("stderr = %q, want owner refusal naming pid %s", res.stderr, pid)
	}

	res = s.run(t, "sessions", "rm", "--force", "victim")
	if res.code != 0 {
		t.Fatalf("rm --force exited %d: %s", res.code, res.stderr)
	}
	if !strings.Contains(res.stdout, "🗑️ Removed session victim") {
		t.Errorf("rm --force output = %q", res.stdout)
	}

	if res := s.run(t, "sessions", "show", "victim"); res.code != 4 {
		t.Errorf("show after rm exited %d, want 4", res.code)
	}
	if res := s.run(t, "sessions", "list"); !strings.Contains(res.stdout, "📭 No sessions") {
		t.Errorf("list after rm = %q, want empty marker", res.stdout)
	}
}

func TestOwnerReusedAcrossPrompts(t *testing.T) {
	s := newSetup(t)
	if res := s.run(t, "prompt", "--name", "reuse", "one"); res.code != 0 {
		t.Fatalf("first prompt exited %d: %s", res.code, res.stderr)
	}
	pid1, ok := ownerPID(t, s)
	if !ok {
		t.Fatal("no live owner after first prompt")
	}

	if res := s.run(t, "prompt", "--session", "reuse", "two"); res.code != 0 {
		t.Fatalf("second prompt exited %d: %s", res.code, res.stderr)
	}
	pid2, ok := ownerPID(t, s)
	if !ok {
		t.Fatal("no live owner after second prompt")
	}
	if pid1 != pid2 {
		t.Errorf("owner pid changed between prompts: %s then %s", pid1, pid2)
	}

	res := s.run(t, "sessions", "list", "-o", "json")
	var records []map[string]any
	if err := json.Unmarshal([]byte(res.stdout), &records); err != nil {
		t.Fatalf("parse list: %v\noutput: %s", err, res.stdout)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if turns, ok := records[0]["turn_history"].([]any); !ok || len(turns) != 2 {
		t.Errorf("turn_history = %v, want 2 turns", records[0]["turn_history"])
	}
}

func TestOwnerRetiresAfterIdleTTL(t *testing.T) {
	s := newSetupWithTTL(t, "500ms")
	if res := s.run(t, "prompt", "--name", "sleepy", "hello"); res.code != 0 {
		t.Fatalf("prompt exited %d: %s", res.code, res.stderr)
	}

	waitFor(t, 10*time.Second, "owner to retire", func() bool {
		_, ok := ownerPID(t, s)
		return !ok
	})

	// The next prompt starts a fresh owner, which resumes the agent session.
	res := s.run(t, "prompt", "--session", "sleepy", "again")
	if res.code != 0 {
		t.Fatalf("prompt after retire exited %d: %s", res.code, res.stderr)
	}
	if !strings.Contains(res.stdout, "echo 1: again") {
		t.Errorf("output = %q, want echoed prompt", res.stdout)
	}
}
