package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/semabot/semabot/internal/format"
	"github.com/semabot/semabot/internal/logging"
	"github.com/semabot/semabot/internal/semaphore"
)

// CelebrationReaction is attached to success notices.
const CelebrationReaction = "🎉"

// Notifier is the chat surface status notices go to.
type Notifier interface {
	SendText(ctx context.Context, roomID, plain, formatted string) (string, error)
	SendReaction(ctx context.Context, roomID, eventID, key string) error
}

// Observer turns observed task statuses into chat notices. Both backends
// feed it; it de-duplicates unchanged statuses, so a status arriving on
// two channels is reported once.
type Observer struct {
	tasks     *Tasks
	notifier  Notifier
	heartbeat time.Duration
	onRunning func(ctx context.Context, job Job)
	taskURL   func(projectID, taskID int) string
	log       *slog.Logger
}

// ObserverOption configures an Observer.
type ObserverOption func(*Observer)

// WithHeartbeat sets the "still running" interval. Zero disables it.
func WithHeartbeat(d time.Duration) ObserverOption {
	return func(o *Observer) {
		o.heartbeat = d
	}
}

// WithOnRunning sets a hook called once when a task is first seen running.
func WithOnRunning(fn func(ctx context.Context, job Job)) ObserverOption {
	return func(o *Observer) {
		o.onRunning = fn
	}
}

// WithTaskURL links task ids in notices to the web UI.
func WithTaskURL(fn func(projectID, taskID int) string) ObserverOption {
	return func(o *Observer) {
		o.taskURL = fn
	}
}

// NewObserver creates an observer over tasks.
func NewObserver(tasks *Tasks, notifier Notifier, opts ...ObserverOption) *Observer {
	o := &Observer{
		tasks:     tasks,
		notifier:  notifier,
		heartbeat: 5 * time.Minute,
		log:       logging.WithComponent("monitor"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type noticeKind int

const (
	noticeNone noticeKind = iota
	noticeRunning
	noticeHeartbeat
	noticeSuccess
	noticeFailed
	noticeStopped
	noticeLost
)

// Observe records status for taskID and emits whatever notice the
// transition calls for. It returns true when the task is no longer
// tracked, either because it was never registered, was removed, or just
// reached a terminal status.
func (o *Observer) Observe(ctx context.Context, taskID int, status semaphore.Status) bool {
	e := o.tasks.lookup(taskID)
	if e == nil {
		return true
	}
	if !status.IsKnown() {
		return false
	}

	e.emit.Lock()
	defer e.emit.Unlock()

	now := time.Now()

	o.tasks.mu.Lock()
	if o.tasks.entries[taskID] != e {
		o.tasks.mu.Unlock()
		return true
	}
	changed := e.job.Status != status
	e.job.Status = status

	kind := noticeNone
	switch {
	case status == semaphore.StatusSuccess:
		kind = noticeSuccess
	case status == semaphore.StatusError:
		kind = noticeFailed
	case status == semaphore.StatusStopped:
		kind = noticeStopped
	case status == semaphore.StatusRunning && !e.announced:
		e.announced = true
		kind = noticeRunning
	case status == semaphore.StatusRunning && !changed && o.heartbeat > 0 && now.Sub(e.lastNotice) >= o.heartbeat:
		kind = noticeHeartbeat
	}
	if changed || kind != noticeNone {
		e.lastNotice = now
	}

	terminal := status.IsTerminal()
	if terminal {
		delete(o.tasks.entries, taskID)
	}
	job := e.job
	o.tasks.mu.Unlock()

	if changed {
		o.log.Debug("Task status changed",
			slog.Int("task_id", taskID),
			slog.String("status", string(status)))
	}

	o.notify(ctx, kind, job, now)

	if kind == noticeRunning && o.onRunning != nil {
		o.onRunning(ctx, job)
	}
	if terminal {
		e.cancel()
	}
	return terminal
}

// Lost stops tracking a task the service no longer knows about and tells
// the room.
func (o *Observer) Lost(ctx context.Context, taskID int) {
	e := o.tasks.lookup(taskID)
	if e == nil {
		return
	}

	e.emit.Lock()
	defer e.emit.Unlock()

	o.tasks.mu.Lock()
	if o.tasks.entries[taskID] != e {
		o.tasks.mu.Unlock()
		return
	}
	delete(o.tasks.entries, taskID)
	job := e.job
	o.tasks.mu.Unlock()

	o.log.Warn("Task disappeared, no longer watching", slog.Int("task_id", taskID))
	o.notify(ctx, noticeLost, job, time.Now())
	e.cancel()
}

func (o *Observer) notify(ctx context.Context, kind noticeKind, job Job, now time.Time) {
	if kind == noticeNone || o.notifier == nil {
		return
	}

	ref := o.taskRef(job)
	var text string
	switch kind {
	case noticeRunning:
		text = fmt.Sprintf("🏃 Task %s is now running", ref)
	case noticeHeartbeat:
		text = fmt.Sprintf("⏳ Task %s is still running (%s)", ref, since(job.StartedAt, now))
	case noticeSuccess:
		text = fmt.Sprintf("✅ Task %s completed successfully after %s", ref, since(job.StartedAt, now))
	case noticeFailed:
		text = fmt.Sprintf("❌ Task %s failed after %s", ref, since(job.StartedAt, now))
	case noticeStopped:
		text = fmt.Sprintf("⏹ Task %s was stopped", ref)
	case noticeLost:
		text = fmt.Sprintf("⚠️ Task %s is no longer known to Semaphore, stopped watching it", ref)
	}
	if kind >= noticeSuccess && job.Requester != "" {
		text += fmt.Sprintf(" (requested by %s)", job.Requester)
	}

	eventID, err := o.notifier.SendText(ctx, job.RoomID, format.Plain(text), format.Markdown(text))
	if err != nil {
		o.log.Warn("Failed to send task notice",
			slog.Int("task_id", job.TaskID),
			slog.String("room_id", job.RoomID),
			slog.Any("error", err))
		return
	}

	if kind == noticeSuccess && eventID != "" {
		if err := o.notifier.SendReaction(ctx, job.RoomID, eventID, CelebrationReaction); err != nil {
			o.log.Debug("Failed to react to success notice", slog.Any("error", err))
		}
	}
}

func (o *Observer) taskRef(job Job) string {
	id := fmt.Sprintf("#%d", job.TaskID)
	if o.taskURL != nil {
		id = fmt.Sprintf("[%s](%s)", id, o.taskURL(job.ProjectID, job.TaskID))
	}
	if job.TemplateName != "" {
		return fmt.Sprintf("%s (**%s**)", id, job.TemplateName)
	}
	return id
}

func since(start, now time.Time) string {
	d := now.Sub(start)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return strings.TrimSpace(humanize.RelTime(start, now, "", ""))
}
