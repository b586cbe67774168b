package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseAge(t *testing.T) {
	tests := map[string]time.Duration{
		"7d":  7 * 24 * time.Hour,
		"2w":  14 * 24 * time.Hour,
		"90m": 90 * time.Minute,
	}
	for in, want := range tests {
		got, err := parseAge(in)
		if err != nil || got != want {
			t.Errorf("parseAge(%q) = (%v, %v), want %v", in, got, err, want)
		}
	}
	if _, err := parseAge("xd"); err == nil {
		t.Error("expected error for invalid age")
	}
}

func TestRotatingWriter_InvalidSize(t *testing.T) {
	_, err := newRotatingWriter(filepath.Join(t.TempDir(), "a.log"), &RotationConfig{MaxSize: "lots"})
	if err == nil {
		t.Fatal("expected error for invalid max_size")
	}
}

func TestRotatingWriter_Rotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bot.log")

	w, err := newRotatingWriter(path, &RotationConfig{MaxSize: "64B", MaxBackups: 5})
	if err != nil {
		t.Fatalf("newRotatingWriter: %v", err)
	}
	rw := w.(*rotatingWriter)
	defer func() { _ = rw.Close() }()

	line := []byte(strings.Repeat("x", 40) + "\n")
	for i := 0; i < 3; i++ {
		if _, err := rw.Write(line); err != nil {
			t.Fatalf("Write: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() > 64 {
		t.Errorf("current log size = %d, want <= 64", info.Size())
	}

	backups, _ := filepath.Glob(filepath.Join(dir, "bot.*.log"))
	if len(backups) == 0 {
		t.Error("expected at least one rotated backup")
	}
}
