// Package logging tests for structured logging.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// =====================================================
// Level Parsing Tests
// =====================================================

// TestParseLevel verifies level names map to zap levels.
func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"DEBUG", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"verbose", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

// =====================================================
// Output Tests
// =====================================================

// TestNewWithWriter_json verifies JSON entries carry fields.
func TestNewWithWriter_json(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: "debug"}, &buf)

	logger.Info("operation enqueued", zap.String("collection", "patients"), zap.Error(errors.New("boom")))
	_ = logger.Sync()

	var entry map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("Output is not valid JSON: %v (%s)", err, buf.String())
	}

	if entry["msg"] != "operation enqueued" {
		t.Errorf("msg = %v, want 'operation enqueued'", entry["msg"])
	}
	if entry["level"] != "info" {
		t.Errorf("level = %v, want 'info'", entry["level"])
	}
	if entry["collection"] != "patients" {
		t.Errorf("collection = %v, want 'patients'", entry["collection"])
	}
	if entry["error"] != "boom" {
		t.Errorf("error = %v, want 'boom'", entry["error"])
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("entry should carry a timestamp")
	}
}

// TestNewWithWriter_levelFilter verifies entries below the level are dropped.
func TestNewWithWriter_levelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: "warn"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown")
	_ = logger.Sync()

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info entry should be filtered at warn level")
	}
	if !strings.Contains(out, "shown") {
		t.Error("warn entry should be written")
	}
}

// TestNewWithWriter_console verifies console encoding.
func TestNewWithWriter_console(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Format: "console"}, &buf)

	logger.Info("hello")
	_ = logger.Sync()

	out := buf.String()
	if !strings.Contains(out, "INFO") || !strings.Contains(out, "hello") {
		t.Errorf("console output missing level or message: %q", out)
	}
	if strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Error("console output should not be JSON")
	}
}

// TestNewLogger_file verifies rotated file output is written.
func TestNewLogger_file(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.log")

	logger, err := NewLogger(Config{File: path})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	logger.Info("persisted to file")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "persisted to file") {
		t.Errorf("log file missing entry: %q", data)
	}
}

// =====================================================
// Global Logger Tests
// =====================================================

// TestGet_default verifies a no-op logger before Init.
func TestGet_default(t *testing.T) {
	Init(nil)
	if Get() == nil {
		t.Fatal("Get() returned nil without Init()")
	}
}

// TestInit verifies the installed logger is returned.
func TestInit(t *testing.T) {
	l := zap.NewExample()
	Init(l)
	defer Init(nil)

	if Get() != l {
		t.Error("Get() should return the installed logger")
	}
}

// TestOrNop verifies nil loggers are replaced.
func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Error("OrNop(nil) returned nil")
	}
	l := zap.NewExample()
	if OrNop(l) != l {
		t.Error("OrNop(l) should return l")
	}
}
