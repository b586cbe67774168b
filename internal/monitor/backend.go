package monitor

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/semabot/semabot/internal/logging"
	"github.com/semabot/semabot/internal/semaphore"
)

// Backend names.
const (
	BackendPoll   = "poll"
	BackendStream = "stream"
)

var (
	// ErrAlreadyActive is returned when a second task monitor is enabled.
	ErrAlreadyActive = errors.New("a task monitor is already active")
	// ErrUnknownBackend is returned for names with no registered factory.
	ErrUnknownBackend = errors.New("unknown task monitor backend")
	// ErrNoBackend is returned when no backend could be enabled.
	ErrNoBackend = errors.New("no task monitor backend enabled")
)

// Backend watches started tasks and reports their progress through an
// Observer.
type Backend interface {
	// Name returns the backend identifier (e.g. "poll", "stream").
	Name() string

	// Start runs the backend until ctx is cancelled.
	Start(ctx context.Context) error

	// Monitor begins watching job. It returns once the job is registered;
	// the watching happens in the background.
	Monitor(ctx context.Context, job Job) error
}

// StatusSource fetches the current state of a task.
type StatusSource interface {
	GetTask(ctx context.Context, projectID, taskID int) (*semaphore.Task, error)
}

// EventSource is a StatusSource that also exposes a push event stream.
type EventSource interface {
	StatusSource
	EventStreamURL() string
	Token() string
	TLSConfig() *tls.Config
}

// Config holds task monitor settings.
type Config struct {
	// Backends lists backends in priority order. The first one that can be
	// enabled wins; the rest are recorded as skipped.
	Backends     []string      `yaml:"backends"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Heartbeat    time.Duration `yaml:"heartbeat"`
	Stream       StreamConfig  `yaml:"stream"`
}

// StreamConfig holds push backend settings.
type StreamConfig struct {
	// FallbackSchedule is a cron spec for re-checking tracked tasks in
	// case an event was missed.
	FallbackSchedule string        `yaml:"fallback_schedule"`
	InitialBackoff   time.Duration `yaml:"initial_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
}

// DefaultConfig returns default monitor settings.
func DefaultConfig() *Config {
	return &Config{
		Backends:     []string{BackendPoll},
		PollInterval: 5 * time.Second,
		Heartbeat:    5 * time.Minute,
		Stream: StreamConfig{
			FallbackSchedule: "@every 1m",
			InitialBackoff:   time.Second,
			MaxBackoff:       30 * time.Second,
		},
	}
}

// Deps is the shared infrastructure handed to backend factories.
type Deps struct {
	Source   StatusSource
	Tasks    *Tasks
	Observer *Observer
	Config   *Config
}

// Factory builds a backend.
type Factory func(deps Deps) (Backend, error)

// Skipped records a backend that was not enabled.
type Skipped struct {
	Name   string
	Reason string
}

// Registry holds the known backend factories and enforces that at most one
// backend is active.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	active    Backend
	skipped   []Skipped
	log       *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		log:       logging.WithComponent("monitor"),
	}
}

// DefaultRegistry returns a registry with the built-in backends.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(BackendPoll, func(deps Deps) (Backend, error) {
		return NewPoller(deps), nil
	})
	r.Register(BackendStream, func(deps Deps) (Backend, error) {
		return NewStream(deps)
	})
	return r
}

// Register adds a named factory, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Enable builds and activates the named backend. When another backend is
// already active the request is recorded as skipped and ErrAlreadyActive
// is returned.
func (r *Registry) Enable(name string, deps Deps) (Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		reason := fmt.Sprintf("task monitor %q is already active", r.active.Name())
		r.skipLocked(name, reason)
		return nil, fmt.Errorf("%s: %w", name, ErrAlreadyActive)
	}

	f, ok := r.factories[name]
	if !ok {
		r.skipLocked(name, "no such backend")
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownBackend)
	}

	b, err := f(deps)
	if err != nil {
		r.skipLocked(name, err.Error())
		return nil, fmt.Errorf("failed to create %s backend: %w", name, err)
	}

	r.active = b
	r.log.Info("Task monitor enabled", slog.String("backend", name))
	return b, nil
}

// EnableAll enables names in order. The first success becomes the active
// backend; every other name ends up in Skipped.
func (r *Registry) EnableAll(names []string, deps Deps) (Backend, error) {
	for _, name := range names {
		if _, err := r.Enable(name, deps); err != nil && !errors.Is(err, ErrAlreadyActive) {
			r.log.Warn("Task monitor backend not enabled",
				slog.String("backend", name),
				slog.Any("error", err))
		}
	}
	if b := r.Active(); b != nil {
		return b, nil
	}
	return nil, ErrNoBackend
}

// Active returns the active backend, or nil.
func (r *Registry) Active() Backend {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Skipped returns the backends that were not enabled, in request order.
func (r *Registry) Skipped() []Skipped {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Skipped, len(r.skipped))
	copy(out, r.skipped)
	return out
}

func (r *Registry) skipLocked(name, reason string) {
	r.skipped = append(r.skipped, Skipped{Name: name, Reason: reason})
	r.log.Warn("Task monitor backend skipped",
		slog.String("backend", name),
		slog.String("reason", reason))
}

// refresh fetches job's status once and feeds it to the observer. It
// returns true when the job no longer needs watching.
func refresh(ctx context.Context, src StatusSource, o *Observer, job Job, log *slog.Logger) bool {
	task, err := src.GetTask(ctx, job.ProjectID, job.TaskID)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		if errors.Is(err, semaphore.ErrNotFound) {
			o.Lost(ctx, job.TaskID)
			return true
		}
		log.Warn("Failed to fetch task status",
			slog.Int("task_id", job.TaskID),
			slog.Any("error", err))
		return false
	}
	return o.Observe(ctx, job.TaskID, task.Status)
}
