package testutil

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// TestLogger captures structured logs for assertion in tests. Components
// log from their own goroutines, so every accessor is locked.
type TestLogger struct {
	mu      sync.RWMutex
	entries []LogEntry
	buffer  *bytes.Buffer
	Logger  *slog.Logger
}

// LogEntry represents a captured log entry.
type LogEntry struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// NewTestLogger creates a logger that captures all entries at debug level
// and above.
func NewTestLogger(t *testing.T) *TestLogger {
	t.Helper()

	tl := &TestLogger{buffer: &bytes.Buffer{}}
	tl.Logger = slog.New(&captureHandler{
		sink:    tl,
		handler: slog.NewJSONHandler(tl.buffer, &slog.HandlerOptions{Level: slog.LevelDebug}),
	})
	return tl
}

// captureHandler wraps a JSON handler and records each record.
type captureHandler struct {
	sink    *TestLogger
	handler slog.Handler
	attrs   []slog.Attr
}

func (h *captureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *captureHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := LogEntry{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
		Attrs:   make(map[string]any, len(h.attrs)+r.NumAttrs()),
	}
	for _, a := range h.attrs {
		entry.Attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		entry.Attrs[a.Key] = a.Value.Any()
		return true
	})

	h.sink.mu.Lock()
	h.sink.entries = append(h.sink.entries, entry)
	err := h.handler.Handle(ctx, r)
	h.sink.mu.Unlock()
	return err
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &captureHandler{sink: h.sink, handler: h.handler.WithAttrs(attrs), attrs: merged}
}

// WithGroup is accepted but groups are flattened in captured attrs.
func (h *captureHandler) WithGroup(name string) slog.Handler {
	return &captureHandler{sink: h.sink, handler: h.handler.WithGroup(name), attrs: h.attrs}
}

// Entries returns a copy of all captured entries.
func (l *TestLogger) Entries() []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]LogEntry, len(l.entries))
	copy(result, l.entries)
	return result
}

// EntriesContaining returns entries whose message contains substring.
func (l *TestLogger) EntriesContaining(substring string) []LogEntry {
	var result []LogEntry
	for _, e := range l.Entries() {
		if strings.Contains(e.Message, substring) {
			result = append(result, e)
		}
	}
	return result
}

// EntriesWithAttr returns entries carrying attribute key with value.
func (l *TestLogger) EntriesWithAttr(key string, value any) []LogEntry {
	var result []LogEntry
	for _, e := range l.Entries() {
		if v, ok := e.Attrs[key]; ok && v == value {
			result = append(result, e)
		}
	}
	return result
}

// CountLevel returns the number of entries at level.
func (l *TestLogger) CountLevel(level slog.Level) int {
	count := 0
	for _, e := range l.Entries() {
		if e.Level == level {
			count++
		}
	}
	return count
}

// Output returns the raw JSON output.
func (l *TestLogger) Output() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.buffer.String()
}

// AssertContains asserts that at least one entry contains msg.
func (l *TestLogger) AssertContains(t *testing.T, msg string) {
	t.Helper()
	if len(l.EntriesContaining(msg)) == 0 {
		t.Errorf("Expected log to contain message %q, but it wasn't found", msg)
	}
}

// AssertNotContains asserts that no entry contains msg.
func (l *TestLogger) AssertNotContains(t *testing.T, msg string) {
	t.Helper()
	if n := len(l.EntriesContaining(msg)); n > 0 {
		t.Errorf("Expected log to not contain message %q, but found %d entries", msg, n)
	}
}

// AssertNoErrors asserts that nothing was logged at error level.
func (l *TestLogger) AssertNoErrors(t *testing.T) {
	t.Helper()
	var messages []string
	for _, e := range l.Entries() {
		if e.Level == slog.LevelError {
			messages = append(messages, e.Message)
		}
	}
	if len(messages) > 0 {
		t.Errorf("Expected no errors, got %d: %v", len(messages), messages)
	}
}

// WaitForMessage polls until an entry containing msg is captured or the
// timeout elapses.
func (l *TestLogger) WaitForMessage(t *testing.T, msg string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(l.EntriesContaining(msg)) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("Timed out waiting for log message %q", msg)
}

// DiscardLogger returns a logger that discards all output.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelError + 100,
	}))
}
