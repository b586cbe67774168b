package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestInit_FileOutputJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "semabot.log")
	if err := Init(&Config{Level: "debug", Format: "json", Output: path}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer Suppress()

	WithComponent("test").Info("hello", slog.Int("task_id", 3))

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"component":"test"`) || !strings.Contains(string(data), `"task_id":3`) {
		t.Errorf("unexpected log line: %s", data)
	}
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	loggerMu.Lock()
	prev := defaultLogger
	defaultLogger = slog.New(slog.NewTextHandler(&buf, nil))
	loggerMu.Unlock()
	defer func() {
		loggerMu.Lock()
		defaultLogger = prev
		loggerMu.Unlock()
	}()

	ctx := ContextWithTask(ContextWithSender(ContextWithRoom(context.Background(), "!ops:x"), "@alice:x"), 42)
	WithContext(ctx).Info("routed")

	out := buf.String()
	for _, want := range []string{"room_id=!ops:x", "sender=@alice:x", "task_id=42"} {
		if !strings.Contains(out, want) {
			t.Errorf("log line %q missing %q", out, want)
		}
	}
}
