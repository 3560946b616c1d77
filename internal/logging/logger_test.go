// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"

	apperrors "github.com/kimhsiao/nodesync/internal/errors"
)

func decodeEntry(t *testing.T, out string) LogEntry {
	t.Helper()
	var entry LogEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &entry); err != nil {
		t.Fatalf("Output is not valid JSON: %v (%q)", err, out)
	}
	return entry
}

// =====================================================
// Logger Creation and Initialization Tests
// =====================================================

// TestInit_idempotent verifies Init is idempotent.
func TestInit_idempotent(t *testing.T) {
	global = nil
	once = *new(sync.Once)

	var buf1 bytes.Buffer
	Init(&buf1, LevelInfo)
	first := Get()

	var buf2 bytes.Buffer
	Init(&buf2, LevelDebug)

	logger := Get()
	if logger != first {
		t.Error("Second Init() should be ignored, different logger returned")
	}
	if logger.out != &buf1 {
		t.Error("Second Init() should be ignored, output writer changed")
	}
	if logger.minLevel != LevelInfo {
		t.Errorf("minLevel = %v, want LevelInfo", logger.minLevel)
	}
}

// TestGet_default verifies default logger creation.
func TestGet_default(t *testing.T) {
	global = nil
	once = *new(sync.Once)

	logger := Get()
	if logger == nil {
		t.Fatal("Get() returned nil without Init()")
	}
	if logger.out != os.Stdout {
		t.Error("Get() should default to os.Stdout")
	}
}

// TestParseLevel verifies config strings map onto levels.
func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"warning", LevelWarn},
		{" error ", LevelError},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// =====================================================
// Log Level Tests
// =====================================================

// TestLogLevel_shouldLog verifies log level filtering.
func TestLogLevel_shouldLog(t *testing.T) {
	tests := []struct {
		name     string
		minLevel LogLevel
		logLevel LogLevel
		expected bool
	}{
		{"debug logs at debug", LevelDebug, LevelDebug, true},
		{"debug logs at info", LevelInfo, LevelDebug, false},
		{"info logs at info", LevelInfo, LevelInfo, true},
		{"info logs at warn", LevelWarn, LevelInfo, false},
		{"warn logs at error", LevelError, LevelWarn, false},
		{"error logs at error", LevelError, LevelError, true},
		{"error logs at debug", LevelDebug, LevelError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := &Logger{minLevel: tt.minLevel}
			if got := logger.shouldLog(tt.logLevel); got != tt.expected {
				t.Errorf("shouldLog(%v) at minLevel %v = %v, want %v",
					tt.logLevel, tt.minLevel, got, tt.expected)
			}
		})
	}
}

// =====================================================
// Logging Tests
// =====================================================

// TestLogger_levels verifies each level renders with its name.
func TestLogger_levels(t *testing.T) {
	tests := []struct {
		name string
		log  func(l *Logger)
		want string
	}{
		{"debug", func(l *Logger) { l.Debug("m") }, "DEBUG"},
		{"info", func(l *Logger) { l.Info("m") }, "INFO"},
		{"warn", func(l *Logger) { l.Warn("m") }, "WARN"},
		{"error", func(l *Logger) { l.Error("m", io.EOF) }, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New(&buf, LevelDebug, FormatJSON)
			tt.log(logger)

			entry := decodeEntry(t, buf.String())
			if entry.Level != tt.want {
				t.Errorf("Level = %q, want %q", entry.Level, tt.want)
			}
			if entry.Message != "m" {
				t.Errorf("Message = %q, want 'm'", entry.Message)
			}
			if entry.Timestamp == "" {
				t.Error("Timestamp should be set")
			}
		})
	}
}

// TestLogger_context verifies context maps land under "context".
func TestLogger_context(t *testing.T) {
	var buf bytes.Buffer
	logger := &Logger{out: &buf, minLevel: LevelDebug}

	logger.Debug("test message", map[string]interface{}{"key": "value", "count": 3})

	entry := decodeEntry(t, buf.String())
	if entry.Context["key"] != "value" {
		t.Errorf("Context['key'] = %v, want 'value'", entry.Context["key"])
	}
	if entry.Context["count"] != float64(3) {
		t.Errorf("Context['count'] = %v, want 3", entry.Context["count"])
	}
}

// TestLogger_Error verifies error logging.
func TestLogger_Error(t *testing.T) {
	var buf bytes.Buffer
	logger := &Logger{out: &buf, minLevel: LevelInfo}

	logger.Error("push failed", errors.New("connection refused"), map[string]interface{}{"peer": "node-b"})

	entry := decodeEntry(t, buf.String())
	if entry.Error != "connection refused" {
		t.Errorf("Error = %q, want 'connection refused'", entry.Error)
	}
	if entry.Context["peer"] != "node-b" {
		t.Errorf("Context['peer'] = %v, want 'node-b'", entry.Context["peer"])
	}
}

// TestLogger_ErrorWithCode verifies error logging with code.
func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger := &Logger{out: &buf, minLevel: LevelInfo}

	ctx := map[string]interface{}{"event_id": "e1"}
	logger.ErrorWithCode("checksum mismatch", apperrors.ErrSyncChecksumMismatch, io.ErrUnexpectedEOF, ctx)

	entry := decodeEntry(t, buf.String())
	if entry.Context["error_code"] != "SYNC_CHECKSUM_MISMATCH" {
		t.Errorf("Context['error_code'] = %v, want SYNC_CHECKSUM_MISMATCH", entry.Context["error_code"])
	}
	if entry.Context["event_id"] != "e1" {
		t.Errorf("Context['event_id'] = %v, want e1", entry.Context["event_id"])
	}
	if _, ok := ctx["error_code"]; ok {
		t.Error("ErrorWithCode() should not mutate the caller's context map")
	}
}

// TestLogger_filtering verifies entries below minLevel are dropped.
func TestLogger_filtering(t *testing.T) {
	var buf bytes.Buffer
	logger := &Logger{out: &buf, minLevel: LevelWarn}

	logger.Debug("dropped")
	logger.Info("dropped")
	logger.Warn("kept")
	logger.Error("kept", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), buf.String())
	}
}

// TestLogger_textFormat verifies the logrus text formatter can be selected.
func TestLogger_textFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo, FormatText)

	logger.Info("peer discovered", map[string]interface{}{"node_id": "n2"})

	out := buf.String()
	if !strings.Contains(out, "peer discovered") || !strings.Contains(out, "node_id=n2") {
		t.Errorf("text output = %q, want message and node_id=n2", out)
	}
}

// =====================================================
// Context Merge Tests
// =====================================================

// TestLogger_getContext verifies context merging.
func TestLogger_getContext(t *testing.T) {
	logger := &Logger{}

	if got := logger.getContext(); got != nil {
		t.Errorf("getContext() = %v, want nil", got)
	}

	merged := logger.getContext(
		map[string]interface{}{"a": 1},
		map[string]interface{}{"b": 2, "a": 3},
	)
	if len(merged) != 2 || merged["a"] != 3 || merged["b"] != 2 {
		t.Errorf("getContext() = %v, want a=3 b=2", merged)
	}
}

// TestLogger_concurrentLogging verifies each entry stays on its own line.
func TestLogger_concurrentLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := &Logger{out: &buf, minLevel: LevelInfo}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.Info("concurrent", map[string]interface{}{"n": n})
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 20 {
		t.Fatalf("got %d lines, want 20", len(lines))
	}
	for _, line := range lines {
		decodeEntry(t, line)
	}
}

// =====================================================
// Global Function Tests
// =====================================================

// TestGlobalFunctions verifies the package-level helpers use the global logger.
func TestGlobalFunctions(t *testing.T) {
	global = nil
	once = *new(sync.Once)

	var buf bytes.Buffer
	Init(&buf, LevelDebug)

	Debug("d")
	Info("i")
	Warn("w")
	Error("e", io.EOF)
	ErrorWithCode("c", apperrors.ErrSyncFailed, io.EOF)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 5 {
		t.Fatalf("got %d lines, want 5", len(lines))
	}
	last := decodeEntry(t, lines[4])
	if last.Context["error_code"] != "SYNC_FAILED" {
		t.Errorf("error_code = %v, want SYNC_FAILED", last.Context["error_code"])
	}

	global = nil
	once = *new(sync.Once)
}

// TestGet_concurrent verifies concurrent first use yields one logger and
// that Init after Get has no effect.
func TestGet_concurrent(t *testing.T) {
	global = nil
	once = *new(sync.Once)
	defer func() {
		global = nil
		once = *new(sync.Once)
	}()

	const workers = 16
	got := make([]*Logger, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = Get()
		}(i)
	}
	wg.Wait()

	for i, l := range got {
		if l == nil || l != got[0] {
			t.Fatalf("Get() #%d = %p, want %p", i, l, got[0])
		}
	}

	var buf bytes.Buffer
	Init(&buf, LevelDebug)
	if Get() != got[0] {
		t.Error("Init() after Get() replaced the global logger")
	}
}
