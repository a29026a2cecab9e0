package ripc

import (
	"log/slog"
	"sync"
	"testing"
)

func TestLogger_Interface(t *testing.T) {
	// Verify that *slog.Logger implements our Logger interface
	var _ Logger = slog.Default()
}

func TestDefaultLogger(t *testing.T) {
	logger := defaultLogger()

	if logger == nil {
		t.Fatal("defaultLogger returned nil")
	}

	if logger != slog.Default() {
		t.Error("defaultLogger did not return slog.Default()")
	}
}

func TestDiscardLogger_Methods(t *testing.T) {
	logger := DiscardLogger()

	// These should not panic - just verify they can be called
	logger.Debug("debug message", "key", "value")
	logger.Info("info message", "key", "value")
	logger.Warn("warn message", "key", "value")
	logger.Error("error message", "key", "value")
}

type logRecord struct {
	level string
	msg   string
	args  []any
}

// mockLogger records every call so tests can assert on what a component logged.
type mockLogger struct {
	mu      sync.Mutex
	records []logRecord
}

func (l *mockLogger) add(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, logRecord{level: level, msg: msg, args: args})
}

func (l *mockLogger) Debug(msg string, args ...any) { l.add("debug", msg, args) }
func (l *mockLogger) Info(msg string, args ...any)  { l.add("info", msg, args) }
func (l *mockLogger) Warn(msg string, args ...any)  { l.add("warn", msg, args) }
func (l *mockLogger) Error(msg string, args ...any) { l.add("error", msg, args) }

func (l *mockLogger) find(level, msg string) (logRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.records {
		if r.level == level && r.msg == msg {
			return r, true
		}
	}
	return logRecord{}, false
}

func TestLogger_CustomImplementation(t *testing.T) {
	mock := &mockLogger{}
	var logger Logger = mock

	logger.Debug("test debug", "key1", "value1")
	if _, ok := mock.find("debug", "test debug"); !ok {
		t.Error("Debug not recorded")
	}

	logger.Warn("test warn", "key3", "value3")
	if r, ok := mock.find("warn", "test warn"); !ok || len(r.args) != 2 {
		t.Errorf("Warn record = %+v, %v", r, ok)
	}
}

func TestWithFields(t *testing.T) {
	mock := &mockLogger{}
	logger := withFields(mock, "protocol", "ripc")
	logger = withFields(logger, "addr", "127.0.0.1:1")

	logger.Info("hello", "n", 1)

	r, ok := mock.find("info", "hello")
	if !ok {
		t.Fatal("Info not recorded")
	}
	want := []any{"protocol", "ripc", "addr", "127.0.0.1:1", "n", 1}
	if len(r.args) != len(want) {
		t.Fatalf("args = %v, want %v", r.args, want)
	}
	for i := range want {
		if r.args[i] != want[i] {
			t.Errorf("args[%d] = %v, want %v", i, r.args[i], want[i])
		}
	}
}

func TestWithFields_DoesNotShareArgs(t *testing.T) {
	mock := &mockLogger{}
	base := withFields(mock, "a", 1)
	left := withFields(base, "b", 2)
	right := withFields(base, "c", 3)

	left.Info("left")
	right.Info("right")

	l, _ := mock.find("info", "left")
	r, _ := mock.find("info", "right")
	if l.args[2] != "b" || r.args[2] != "c" {
		t.Errorf("left = %v, right = %v", l.args, r.args)
	}
}
