package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/acpx/acpx/internal/logging"
)

const (
	// DefaultMaxSegmentBytes is the rotation threshold for the active
	// event log segment.
	DefaultMaxSegmentBytes int64 = 64 * 1024 * 1024

	// DefaultMaxSegments is the number of rotated segments kept on disk.
	DefaultMaxSegments = 5

	// lockSpinInterval is how long a writer waits between attempts to
	// create the advisory lock file.
	lockSpinInterval = 15 * time.Millisecond

	// lockWaitMax is how long a writer spins on a held lock before
	// treating the holder as crashed and breaking the lock.
	lockWaitMax = 2 * time.Second

	// maxFrameScanBuffer bounds the line scanner when replaying
	// segments. Frames carry full agent messages and can be large.
	maxFrameScanBuffer = 10 * 1024 * 1024
)

// Frame is one JSON-RPC object replayed from the event log, numbered by
// its global position across all segments ever written.
type Frame struct {
	Seq int64
	Raw json.RawMessage
}

// AppendResult reports what one append batch did.
type AppendResult struct {
	// Appended is the number of frames written.
	Appended int
	// LastRequestID is the highest numeric JSON-RPC id seen in the
	// batch, or 0 when no frame carried one.
	LastRequestID int64
	// SegmentCount is the number of rotated segments after the batch.
	SegmentCount int
	// Rotated reports whether the active segment rotated during the
	// batch.
	Rotated bool
}

// EventLog appends verbatim JSON-RPC frames to NDJSON segments stored
// next to the session record. The active segment rotates when a write
// would push it past MaxSegmentBytes; rotated segments are numbered 1
// (newest) through MaxSegments (oldest), and the oldest is deleted on
// rotation. Appends from different processes are serialized through an
// advisory lock file; readers take no lock.
type EventLog struct {
	dir             string
	baseName        string
	maxSegmentBytes int64
	maxSegments     int
}

// NewEventLog returns the event log accessor for a record id, using the
// default rotation policy.
func NewEventLog(dir, recordID string) *EventLog {
	return &EventLog{
		dir:             dir,
		baseName:        url.PathEscape(recordID),
		maxSegmentBytes: DefaultMaxSegmentBytes,
		maxSegments:     DefaultMaxSegments,
	}
}

// SetRotation overrides the rotation policy. Values <= 0 keep the
// current setting.
func (l *EventLog) SetRotation(maxSegmentBytes int64, maxSegments int) {
	if maxSegmentBytes > 0 {
		l.maxSegmentBytes = maxSegmentBytes
	}
	if maxSegments > 0 {
		l.maxSegments = maxSegments
	}
}

// ActivePath returns the path of the active segment.
func (l *EventLog) ActivePath() string {
	return filepath.Join(l.dir, l.baseName+".stream.ndjson")
}

// SegmentPath returns the path of rotated segment n (1 = newest).
func (l *EventLog) SegmentPath(n int) string {
	return filepath.Join(l.dir, fmt.Sprintf("%s.stream.%d.ndjson", l.baseName, n))
}

// LockPath returns the path of the advisory writer lock.
func (l *EventLog) LockPath() string {
	return filepath.Join(l.dir, l.baseName+".stream.lock")
}

// MaxSegments returns the configured rotated segment cap.
func (l *EventLog) MaxSegments() int {
	return l.maxSegments
}

// Append writes frames to the log, one per line, rotating as needed.
// Frames must be single JSON objects; embedded newlines are compacted
// away so each line stays one frame.
func (l *EventLog) Append(frames [][]byte) (AppendResult, error) {
	var res AppendResult
	if len(frames) == 0 {
		res.SegmentCount = l.segmentCount()
		return res, nil
	}

	if err := l.acquireLock(); err != nil {
		return res, err
	}
	defer l.releaseLock()

	f, size, err := l.openActive()
	if err != nil {
		return res, err
	}
	defer func() {
		if f != nil {
			f.Close()
		}
	}()

	for _, frame := range frames {
		line := frame
		if bytes.IndexByte(line, '\n') >= 0 {
			var buf bytes.Buffer
			if err := json.Compact(&buf, line); err != nil {
				return res, fmt.Errorf("frame is not valid JSON: %w", err)
			}
			line = buf.Bytes()
		}

		// Rotate before the write that would cross the threshold. An
		// oversized frame still lands alone in a fresh segment.
		if size > 0 && size+int64(len(line))+1 > l.maxSegmentBytes {
			if err := f.Close(); err != nil {
				f = nil
				return res, fmt.Errorf("failed to close active segment: %w", err)
			}
			f = nil
			if err := l.rotate(); err != nil {
				return res, err
			}
			res.Rotated = true
			if f, size, err = l.openActive(); err != nil {
				return res, err
			}
		}

		if _, err := f.Write(append(line, '\n')); err != nil {
			return res, fmt.Errorf("failed to append frame: %w", err)
		}
		size += int64(len(line)) + 1
		res.Appended++

		if id := frameRequestID(line); id > res.LastRequestID {
			res.LastRequestID = id
		}
	}

	if err := f.Sync(); err != nil {
		return res, fmt.Errorf("failed to sync active segment: %w", err)
	}
	res.SegmentCount = l.segmentCount()
	return res, nil
}

// openActive opens the active segment for appending and reports its
// current size.
func (l *EventLog) openActive() (*os.File, int64, error) {
	f, err := os.OpenFile(l.ActivePath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open active segment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat active segment: %w", err)
	}
	return f, info.Size(), nil
}

// rotate shifts segments upward and renames the active segment to
// segment 1. The oldest segment is deleted.
func (l *EventLog) rotate() error {
	_ = os.Remove(l.SegmentPath(l.maxSegments))
	for n := l.maxSegments - 1; n >= 1; n-- {
		if err := os.Rename(l.SegmentPath(n), l.SegmentPath(n+1)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to rotate segment %d: %w", n, err)
		}
	}
	if err := os.Rename(l.ActivePath(), l.SegmentPath(1)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to rotate active segment: %w", err)
	}
	logging.Session().Debug("event log rotated",
		"active", l.ActivePath(),
		"segments", l.segmentCount())
	return nil
}

// segmentCount counts the rotated segments present on disk.
func (l *EventLog) segmentCount() int {
	count := 0
	for n := 1; n <= l.maxSegments; n++ {
		if _, err := os.Stat(l.SegmentPath(n)); err == nil {
			count++
		}
	}
	return count
}

// acquireLock creates the advisory lock file, spin-waiting while another
// writer holds it. A lock held past the wait cap belongs to a crashed
// writer and is broken.
func (l *EventLog) acquireLock() error {
	deadline := time.Now().Add(lockWaitMax)
	for {
		f, err := os.OpenFile(l.LockPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("failed to create event log lock: %w", err)
		}
		if time.Now().After(deadline) {
			logging.Session().Warn("breaking stale event log lock", "path", l.LockPath())
			_ = os.Remove(l.LockPath())
			deadline = time.Now().Add(lockWaitMax)
			continue
		}
		time.Sleep(lockSpinInterval)
	}
}

func (l *EventLog) releaseLock() {
	_ = os.Remove(l.LockPath())
}

// List replays frames from all segments, oldest first. lastSeq is the
// record's frame count and anchors the numbering: the newest frame on
// disk gets seq == lastSeq, so frames dropped by rotation leave a gap at
// the front. Only frames with seq > afterSeq are returned.
func (l *EventLog) List(lastSeq, afterSeq int64) ([]Frame, error) {
	var raw []json.RawMessage
	for n := l.maxSegments; n >= 1; n-- {
		if err := readSegment(l.SegmentPath(n), &raw); err != nil {
			return nil, err
		}
	}
	if err := readSegment(l.ActivePath(), &raw); err != nil {
		return nil, err
	}

	base := lastSeq - int64(len(raw))
	if base < 0 {
		base = 0
	}

	var frames []Frame
	for i, r := range raw {
		seq := base + int64(i) + 1
		if seq <= afterSeq {
			continue
		}
		frames = append(frames, Frame{Seq: seq, Raw: r})
	}
	return frames, nil
}

// readSegment appends each NDJSON line of path to out. A missing
// segment is not an error.
func readSegment(path string, out *[]json.RawMessage) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open event log segment: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameScanBuffer)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		*out = append(*out, json.RawMessage(append([]byte(nil), line...)))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read event log segment: %w", err)
	}
	return nil
}

// frameRequestID extracts a numeric JSON-RPC id from a frame, or 0.
func frameRequestID(frame []byte) int64 {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil || probe.ID == nil {
		return 0
	}
	id, err := strconv.ParseInt(string(bytes.TrimSpace(probe.ID)), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
