// Package monitor tracks started Semaphore tasks and reports their status
// changes back into chat through a single active backend.
package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/semabot/semabot/internal/semaphore"
)

// Job is a started task being watched.
type Job struct {
	ProjectID    int
	TaskID       int
	RoomID       string
	Requester    string
	TemplateName string
	Status       semaphore.Status
	StartedAt    time.Time
}

type entry struct {
	job        Job
	cancel     context.CancelFunc
	announced  bool      // "now running" sent
	lastNotice time.Time // last status notice or heartbeat

	// emit serializes notifications for one task so they leave in the
	// order statuses were observed.
	emit sync.Mutex
}

// Tasks is the registry of active tasks. Backends and the command handler
// share one instance; loops hold a reference to it and re-check membership
// on every iteration.
type Tasks struct {
	mu      sync.Mutex
	entries map[int]*entry

	lastProject int
	lastTask    int
}

// NewTasks creates an empty registry.
func NewTasks() *Tasks {
	return &Tasks{entries: make(map[int]*entry)}
}

// Add registers job and makes it the last started task. cancel stops the
// job's loop and is called when the job leaves the registry. A previous
// entry with the same task id is cancelled.
func (t *Tasks) Add(job Job, cancel context.CancelFunc) {
	if job.StartedAt.IsZero() {
		job.StartedAt = time.Now()
	}
	if cancel == nil {
		cancel = func() {}
	}

	t.mu.Lock()
	prev := t.entries[job.TaskID]
	t.entries[job.TaskID] = &entry{job: job, cancel: cancel, lastNotice: job.StartedAt}
	t.lastProject = job.ProjectID
	t.lastTask = job.TaskID
	t.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}
}

// Get returns the tracked job with taskID.
func (t *Tasks) Get(taskID int) (Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[taskID]
	if !ok {
		return Job{}, false
	}
	return e.job, true
}

// Has reports whether taskID is still tracked.
func (t *Tasks) Has(taskID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[taskID]
	return ok
}

// Remove stops tracking taskID and cancels its loop.
func (t *Tasks) Remove(taskID int) (Job, bool) {
	t.mu.Lock()
	e, ok := t.entries[taskID]
	if ok {
		delete(t.entries, taskID)
	}
	t.mu.Unlock()

	if !ok {
		return Job{}, false
	}
	e.cancel()
	return e.job, true
}

// List returns the tracked jobs, oldest first.
func (t *Tasks) List() []Job {
	t.mu.Lock()
	jobs := make([]Job, 0, len(t.entries))
	for _, e := range t.entries {
		jobs = append(jobs, e.job)
	}
	t.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].StartedAt.Equal(jobs[j].StartedAt) {
			return jobs[i].TaskID < jobs[j].TaskID
		}
		return jobs[i].StartedAt.Before(jobs[j].StartedAt)
	})
	return jobs
}

// Len returns the number of tracked jobs.
func (t *Tasks) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Last returns the most recently started task and its project. It stays
// set after the task finishes.
func (t *Tasks) Last() (projectID, taskID int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastProject, t.lastTask, t.lastTask != 0
}

// ProjectOf returns the project of a tracked task, falling back to the
// last project for tasks no longer tracked.
func (t *Tasks) ProjectOf(taskID int) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[taskID]; ok {
		return e.job.ProjectID, true
	}
	return t.lastProject, t.lastProject != 0
}

// CancelAll cancels every tracked loop and empties the registry.
func (t *Tasks) CancelAll() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[int]*entry)
	t.mu.Unlock()

	for _, e := range entries {
		e.cancel()
	}
}

func (t *Tasks) lookup(taskID int) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[taskID]
}
