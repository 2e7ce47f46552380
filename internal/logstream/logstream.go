// Package logstream holds the append-only, per-job log buffer.
//
// Entries are timestamped and tagged with the worker that submitted them at
// append time. Lines are kept verbatim; the only bound is on the read path,
// which never returns more than MaxRead entries.
package logstream

import (
	"fmt"
	"time"
)

const (
	// DefaultTail is the number of entries returned by a tail read when the
	// caller does not ask for a specific count.
	DefaultTail = 200
	// MaxRead caps every read. Older entries stay stored.
	MaxRead = 1000
)

type Entry struct {
	Timestamp time.Time `json:"ts"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Line      string    `json:"line"`
}

// String renders the entry the way it is shown to clients:
// "[ts] worker: line", or "[ts] line" for system entries.
func (e Entry) String() string {
	ts := e.Timestamp.UTC().Format(time.RFC3339Nano)
	if e.WorkerID == "" {
		return fmt.Sprintf("[%s] %s", ts, e.Line)
	}
	return fmt.Sprintf("[%s] %s: %s", ts, e.WorkerID, e.Line)
}

// Stream is an ordered log sequence. The zero value is empty and ready to use.
type Stream []Entry

// Append adds lines in order, all stamped with the same time and worker.
func (s Stream) Append(workerID string, lines []string, now time.Time) Stream {
	return append(s, Batch(workerID, lines, now)...)
}

// Batch builds the entries Append would add for lines.
func Batch(workerID string, lines []string, now time.Time) []Entry {
	out := make([]Entry, 0, len(lines))
	for _, line := range lines {
		out = append(out, Entry{Timestamp: now, WorkerID: workerID, Line: line})
	}
	return out
}

// System appends one untagged entry.
func (s Stream) System(line string, now time.Time) Stream {
	return append(s, Entry{Timestamp: now, Line: line})
}

// Tail returns a copy of the last n entries. n <= 0 or n > MaxRead is
// treated as MaxRead.
func (s Stream) Tail(n int) []Entry {
	if n <= 0 || n > MaxRead {
		n = MaxRead
	}
	start := 0
	if len(s) > n {
		start = len(s) - n
	}
	out := make([]Entry, len(s)-start)
	copy(out, s[start:])
	return out
}

// Capped is the full-retrieval read path.
func (s Stream) Capped() []Entry {
	return s.Tail(MaxRead)
}

func (s Stream) Clone() Stream {
	if s == nil {
		return nil
	}
	out := make(Stream, len(s))
	copy(out, s)
	return out
}

// Lines renders entries for the wire.
func Lines(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.String())
	}
	return out
}
