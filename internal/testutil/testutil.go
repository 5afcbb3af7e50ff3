// Package testutil holds helpers shared by the agent and server tests.
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Clock is a manually advanced clock. Now is safe for concurrent use.
type Clock struct {
	mu      sync.Mutex
	current time.Time
}

// NewClock returns a Clock starting at start.
func NewClock(start time.Time) *Clock {
	return &Clock{current: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// LogEntry is one record captured by a Recorder.
type LogEntry struct {
	Level   slog.Level
	Message string
	Fields  map[string]any
}

// Recorder captures slog records so tests can assert on them.
type Recorder struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Logger returns a *slog.Logger that writes into r.
func (r *Recorder) Logger() *slog.Logger {
	return slog.New(&recordHandler{rec: r})
}

// Entries returns a copy of everything logged so far.
func (r *Recorder) Entries() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Has reports whether a record with the given level and message was logged.
func (r *Recorder) Has(level slog.Level, msg string) bool {
	for _, e := range r.Entries() {
		if e.Level == level && e.Message == msg {
			return true
		}
	}
	return false
}

type recordHandler struct {
	rec   *Recorder
	attrs []slog.Attr
}

func (h *recordHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordHandler) Handle(_ context.Context, r slog.Record) error {
	e := LogEntry{Level: r.Level, Message: r.Message, Fields: make(map[string]any)}
	for _, a := range h.attrs {
		e.Fields[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		e.Fields[a.Key] = a.Value.Any()
		return true
	})
	h.rec.mu.Lock()
	h.rec.entries = append(h.rec.entries, e)
	h.rec.mu.Unlock()
	return nil
}

func (h *recordHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &recordHandler{rec: h.rec, attrs: merged}
}

func (h *recordHandler) WithGroup(string) slog.Handler { return h }

// TestingT is the subset of testing.TB used by WaitFor.
type TestingT interface {
	Helper()
	Fatalf(format string, args ...any)
}

// WaitFor polls cond every 5ms until it returns true or timeout elapses,
// failing the test in the latter case.
func WaitFor(t TestingT, timeout time.Duration, cond func() bool, what string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", fmt.Sprintf(what, args...))
		}
		time.Sleep(5 * time.Millisecond)
	}
}
