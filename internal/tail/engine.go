// Package tail streams a running task's output into a chat room in
// incremental chunks.
package tail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/semabot/semabot/internal/format"
	"github.com/semabot/semabot/internal/logging"
	"github.com/semabot/semabot/internal/semaphore"
)

// Config holds log tailing settings.
type Config struct {
	Interval   time.Duration `yaml:"interval"`
	MaxLines   int           `yaml:"max_lines"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// DefaultConfig returns default tailing settings.
func DefaultConfig() *Config {
	return &Config{
		Interval:   5 * time.Second,
		MaxLines:   30,
		MaxBackoff: time.Minute,
	}
}

// Source reads task state and output.
type Source interface {
	GetTask(ctx context.Context, projectID, taskID int) (*semaphore.Task, error)
	GetTaskOutput(ctx context.Context, projectID, taskID int) (string, error)
}

// Sender delivers chunks to a room.
type Sender interface {
	SendText(ctx context.Context, roomID, plain, formatted string) (string, error)
}

// Session describes one room's tail.
type Session struct {
	RoomID    string
	ProjectID int
	TaskID    int
	Offset    int // bytes of output already delivered
	StartedAt time.Time
}

type session struct {
	Session
	cancel context.CancelFunc
}

// Engine owns the tail sessions, at most one per room.
type Engine struct {
	source Source
	sender Sender
	config *Config
	log    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	auto     map[string]bool

	wg sync.WaitGroup
}

// NewEngine creates a tail engine. A nil config uses defaults.
func NewEngine(source Source, sender Sender, cfg *Config) *Engine {
	def := DefaultConfig()
	if cfg == nil {
		cfg = def
	}
	c := *cfg
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.MaxLines <= 0 {
		c.MaxLines = def.MaxLines
	}
	if c.MaxBackoff < c.Interval {
		c.MaxBackoff = max(def.MaxBackoff, c.Interval)
	}

	return &Engine{
		source:   source,
		sender:   sender,
		config:   &c,
		log:      logging.WithComponent("tail"),
		sessions: make(map[string]*session),
		auto:     make(map[string]bool),
	}
}

// Start tails taskID into roomID, replacing any other session in that
// room. Tailing the task the room already follows is a no-op. The session
// outlives ctx's cancellation; use Stop or Close to end it.
func (e *Engine) Start(ctx context.Context, roomID string, projectID, taskID int) Session {
	e.mu.Lock()
	prev := e.sessions[roomID]
	if prev != nil && prev.TaskID == taskID && prev.ProjectID == projectID {
		snap := prev.Session
		e.mu.Unlock()
		return snap
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		Session: Session{
			RoomID:    roomID,
			ProjectID: projectID,
			TaskID:    taskID,
			StartedAt: time.Now(),
		},
		cancel: cancel,
	}
	e.sessions[roomID] = s
	snap := s.Session
	e.mu.Unlock()

	if prev != nil {
		prev.cancel()
		e.log.Info("Tail superseded",
			slog.String("room_id", roomID),
			slog.Int("old_task_id", prev.TaskID),
			slog.Int("task_id", taskID))
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.run(runCtx, s)
	}()

	return snap
}

// Stop ends the room's session. It reports whether one existed.
func (e *Engine) Stop(roomID string) (Session, bool) {
	e.mu.Lock()
	s, ok := e.sessions[roomID]
	if ok {
		delete(e.sessions, roomID)
	}
	e.mu.Unlock()

	if !ok {
		return Session{}, false
	}
	s.cancel()
	return Session{RoomID: s.RoomID, ProjectID: s.ProjectID, TaskID: s.TaskID, StartedAt: s.StartedAt}, true
}

// Session returns the room's current session.
func (e *Engine) Session(roomID string) (Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[roomID]
	if !ok {
		return Session{}, false
	}
	return s.Session, true
}

// SetAuto turns automatic tailing of newly running tasks on or off for
// a room.
func (e *Engine) SetAuto(roomID string, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if on {
		e.auto[roomID] = true
	} else {
		delete(e.auto, roomID)
	}
}

// Auto reports whether automatic tailing is on for a room.
func (e *Engine) Auto(roomID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.auto[roomID]
}

// Close stops every session and waits for their loops to exit.
func (e *Engine) Close() {
	e.mu.Lock()
	sessions := e.sessions
	e.sessions = make(map[string]*session)
	e.mu.Unlock()

	for _, s := range sessions {
		s.cancel()
	}
	e.wg.Wait()
}

// Snapshot renders the last MaxLines lines of a task's output.
func (e *Engine) Snapshot(ctx context.Context, projectID, taskID int) (plain, formatted string, err error) {
	output, err := e.source.GetTaskOutput(ctx, projectID, taskID)
	if err != nil {
		return "", "", err
	}
	if strings.TrimSpace(output) == "" {
		msg := fmt.Sprintf("No output yet for task #%d", taskID)
		return msg, format.Markdown(msg), nil
	}
	plain, formatted = format.OutputBlock(fmt.Sprintf("📜 **Output of task #%d**", taskID), output, e.config.MaxLines)
	return plain, formatted, nil
}

func (e *Engine) run(ctx context.Context, s *session) {
	log := e.log.With(slog.String("room_id", s.RoomID), slog.Int("task_id", s.TaskID))
	log.Debug("Tail started")

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.config.Interval
	b.MaxInterval = e.config.MaxBackoff
	b.MaxElapsedTime = 0

	for {
		if !e.owns(s) {
			log.Debug("Tail no longer registered, exiting")
			return
		}

		wait := e.config.Interval
		status, err := e.cycle(ctx, s)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, semaphore.ErrNotFound):
			e.finish(ctx, s, fmt.Sprintf("⚠️ Task #%d no longer exists, stopped following its log", s.TaskID))
			return
		case err != nil:
			wait = b.NextBackOff()
			log.Warn("Tail cycle failed, retrying",
				slog.Any("error", err),
				slog.Duration("backoff", wait))
		case status.IsTerminal():
			e.finish(ctx, s, fmt.Sprintf("🏁 Finished following the log of task #%d (%s)", s.TaskID, status))
			return
		default:
			b.Reset()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// cycle delivers any output past the session's offset and returns the
// task status observed before the output was read.
func (e *Engine) cycle(ctx context.Context, s *session) (semaphore.Status, error) {
	task, err := e.source.GetTask(ctx, s.ProjectID, s.TaskID)
	if err != nil {
		return semaphore.StatusUnknown, err
	}
	output, err := e.source.GetTaskOutput(ctx, s.ProjectID, s.TaskID)
	if err != nil {
		return semaphore.StatusUnknown, err
	}

	final := task.Status.IsTerminal()
	delta, end := e.delta(s, output)
	if end < 0 {
		return task.Status, nil
	}

	if strings.TrimSpace(delta) != "" {
		header := fmt.Sprintf("📜 **Task #%d**", s.TaskID)
		if final {
			header = fmt.Sprintf("📜 **Task #%d** (final)", s.TaskID)
		}
		plain, formatted := format.OutputBlock(header, delta, e.config.MaxLines)
		if _, err := e.sender.SendText(ctx, s.RoomID, plain, formatted); err != nil {
			return task.Status, fmt.Errorf("failed to deliver output: %w", err)
		}
	}

	e.advance(s, end)
	return task.Status, nil
}

// delta returns the output past the session's offset and the offset it
// ends at, or -1 when there is nothing new. Output that shrank is treated
// as nothing new so the offset never moves backwards.
func (e *Engine) delta(s *session, output string) (string, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(output) <= s.Offset {
		return "", -1
	}
	return output[s.Offset:], len(output)
}

func (e *Engine) advance(s *session, offset int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if offset > s.Offset {
		s.Offset = offset
	}
}

func (e *Engine) owns(s *session) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[s.RoomID] == s
}

// finish removes s if it is still the room's session and posts msg.
func (e *Engine) finish(ctx context.Context, s *session, msg string) {
	e.mu.Lock()
	current := e.sessions[s.RoomID] == s
	if current {
		delete(e.sessions, s.RoomID)
	}
	e.mu.Unlock()

	if !current {
		return
	}
	if _, err := e.sender.SendText(ctx, s.RoomID, format.Plain(msg), format.Markdown(msg)); err != nil {
		e.log.Warn("Failed to send tail notice", slog.Any("error", err))
	}
}
