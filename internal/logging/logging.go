// Package logging provides structured logging for semabot using Go's slog.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
)

type contextKey string

const (
	roomIDKey contextKey = "room_id"
	taskIDKey contextKey = "task_id"
	senderKey contextKey = "sender"
)

var (
	defaultLogger *slog.Logger
	loggerMu      sync.RWMutex
)

func init() {
	defaultLogger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// Config holds logging configuration.
type Config struct {
	Level    string          `yaml:"level"`    // debug, info, warn, error
	Format   string          `yaml:"format"`   // json, text
	Output   string          `yaml:"output"`   // stdout, stderr, or file path
	Rotation *RotationConfig `yaml:"rotation"` // file output only
}

// RotationConfig holds log rotation settings.
type RotationConfig struct {
	MaxSize    string `yaml:"max_size"`    // e.g. "100MB"
	MaxAge     string `yaml:"max_age"`     // e.g. "7d"
	MaxBackups int    `yaml:"max_backups"` // rotated files to keep
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "text",
		Output: "stdout",
	}
}

// Init replaces the process logger according to cfg.
func Init(cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	level := parseLevel(cfg.Level)
	writer, err := getWriter(cfg)
	if err != nil {
		return err
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(writer, opts)
	default:
		handler = slog.NewTextHandler(writer, opts)
	}

	logger := slog.New(handler)
	loggerMu.Lock()
	defaultLogger = logger
	loggerMu.Unlock()
	slog.SetDefault(logger)

	return nil
}

// Suppress discards all log output. Tests call it to keep output quiet.
func Suppress() {
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))

	loggerMu.Lock()
	defaultLogger = discard
	loggerMu.Unlock()

	slog.SetDefault(discard)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getWriter(cfg *Config) (io.Writer, error) {
	switch cfg.Output {
	case "stdout", "":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		return newRotatingWriter(cfg.Output, cfg.Rotation)
	}
}

// Logger returns the process logger.
func Logger() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return defaultLogger
}

// WithComponent returns a logger tagged with a component name.
func WithComponent(component string) *slog.Logger {
	return Logger().With(slog.String("component", component))
}

// WithTask returns a logger tagged with a Semaphore task id.
func WithTask(taskID int) *slog.Logger {
	return Logger().With(slog.Int("task_id", taskID))
}

// WithContext returns a logger carrying the room, sender and task stored in ctx.
func WithContext(ctx context.Context) *slog.Logger {
	logger := Logger()

	if roomID, ok := ctx.Value(roomIDKey).(string); ok {
		logger = logger.With(slog.String("room_id", roomID))
	}
	if sender, ok := ctx.Value(senderKey).(string); ok {
		logger = logger.With(slog.String("sender", sender))
	}
	if taskID, ok := ctx.Value(taskIDKey).(int); ok {
		logger = logger.With(slog.Int("task_id", taskID))
	}

	return logger
}

// ContextWithRoom adds a room id to the context.
func ContextWithRoom(ctx context.Context, roomID string) context.Context {
	return context.WithValue(ctx, roomIDKey, roomID)
}

// ContextWithSender adds the requesting user to the context.
func ContextWithSender(ctx context.Context, sender string) context.Context {
	return context.WithValue(ctx, senderKey, sender)
}

// ContextWithTask adds a Semaphore task id to the context.
func ContextWithTask(ctx context.Context, taskID int) context.Context {
	return context.WithValue(ctx, taskIDKey, taskID)
}
