package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{" info ", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"none", LevelNone},
		{"off", LevelNone},
		{"invalid", LevelInfo}, // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := ParseLevel(tt.input)
			if result != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNewLoggerWritesFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "nested", "server.log")

	logger, err := New(LevelInfo, logPath, "test")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	logger.Info("accepted connection from %s", "10.0.0.1")
	logger.Debug("should not appear")
	logger.Close()

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	contentStr := string(content)
	if !strings.Contains(contentStr, "[INFO] [test] accepted connection from 10.0.0.1") {
		t.Errorf("Log file missing info message, got: %s", contentStr)
	}
	if strings.Contains(contentStr, "should not appear") {
		t.Errorf("Log file contains debug message when level is INFO")
	}
}

func TestChildLoggerSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	parent := NewWithWriter(LevelInfo, &buf, "server")
	child := parent.WithPrefix("session")

	child.Debug("debug1")
	parent.SetLevel(LevelDebug)
	child.Debug("debug2")

	out := buf.String()
	if strings.Contains(out, "debug1") {
		t.Errorf("debug1 should not appear (level was INFO)")
	}
	if !strings.Contains(out, "[server:session] debug2") {
		t.Errorf("child should follow parent's level change, got: %s", out)
	}
}

func TestLoggerDisabled(t *testing.T) {
	logger, err := New(LevelNone, "", "test")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Close()

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error")
}

func TestGlobalLogger(t *testing.T) {
	if Global() == nil {
		t.Fatal("Global() returned nil")
	}

	Debug("debug")
	Info("info")
	Warn("warn")
	Error("error")
}

func TestSlogHandler(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(LevelInfo, &buf, "status")

	sl := slog.New(NewSlogHandler(l))
	sl.Info("listening", "addr", "127.0.0.1:9000")
	sl.Debug("hidden")
	sl.WithGroup("http").Warn("slow", "path", "/healthz")

	out := buf.String()
	if !strings.Contains(out, "[INFO] [status] listening addr=127.0.0.1:9000") {
		t.Errorf("missing info record, got: %s", out)
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("debug record should be filtered")
	}
	if !strings.Contains(out, "[WARN] [status] slow http.path=/healthz") {
		t.Errorf("missing grouped warn record, got: %s", out)
	}
}

func TestSlogHandlerBoundAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(LevelDebug, &buf, "")

	sl := slog.New(NewSlogHandler(l)).With("session", "abc").WithGroup("req")
	sl.Debug("done", "status", 200)

	if !strings.Contains(buf.String(), "done session=abc req.status=200") {
		t.Errorf("unexpected record: %s", buf.String())
	}
}

func TestStdLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(LevelInfo, &buf, "status")

	StdLogger(l, slog.LevelWarn).Printf("http: TLS handshake error from %s", "10.0.0.1:1")

	if !strings.Contains(buf.String(), "[WARN] [status] http: TLS handshake error from 10.0.0.1:1") {
		t.Errorf("unexpected record: %s", buf.String())
	}
	if StdLogger(nil, slog.LevelWarn) != nil {
		t.Errorf("nil logger should give nil std logger")
	}
}
