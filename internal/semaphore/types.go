package semaphore

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a task as reported by Semaphore.
// Only the five values below drive state transitions; everything else
// collapses into StatusUnknown and is ignored by observers.
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusStopped Status = "stopped"
	StatusUnknown Status = "unknown"
)

// ParseStatus normalizes a raw status string.
func ParseStatus(s string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusWaiting:
		return StatusWaiting
	case StatusRunning:
		return StatusRunning
	case StatusSuccess:
		return StatusSuccess
	case StatusError:
		return StatusError
	case StatusStopped:
		return StatusStopped
	default:
		return StatusUnknown
	}
}

// UnmarshalText implements encoding.TextUnmarshaler so API payloads decode
// straight into the closed enumeration.
func (s *Status) UnmarshalText(b []byte) error {
	*s = ParseStatus(string(b))
	return nil
}

// IsTerminal reports whether no further transitions follow this status.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusStopped
}

// IsKnown reports whether s is one of the five tracked statuses.
func (s Status) IsKnown() bool {
	return s != StatusUnknown && s != ""
}

// Project is a Semaphore project.
type Project struct {
	ID      int       `json:"id"`
	Name    string    `json:"name"`
	Created time.Time `json:"created"`
}

// Template is a task template scoped to a project.
type Template struct {
	ID          int    `json:"id"`
	ProjectID   int    `json:"project_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Playbook    string `json:"playbook"`
	App         string `json:"app"`
}

// Task is one execution of a template.
type Task struct {
	ID         int        `json:"id"`
	ProjectID  int        `json:"project_id"`
	TemplateID int        `json:"template_id"`
	Status     Status     `json:"status"`
	Message    string     `json:"message"`
	UserID     *int       `json:"user_id"`
	Created    time.Time  `json:"created"`
	Start      *time.Time `json:"start"`
	End        *time.Time `json:"end"`
}

// OutputLine is a single line of task output.
type OutputLine struct {
	TaskID int       `json:"task_id"`
	Time   time.Time `json:"time"`
	Output string    `json:"output"`
}

// TaskParams carries the optional parameters of a task run.
type TaskParams struct {
	Tags []string `json:"tags,omitempty"`
}

// StartTaskRequest is the body of a task start call.
type StartTaskRequest struct {
	TemplateID int         `json:"template_id"`
	Arguments  string      `json:"arguments,omitempty"`
	Message    string      `json:"message,omitempty"`
	Params     *TaskParams `json:"params,omitempty"`
}

// Event is a push notification received on the /api/ws event stream.
type Event struct {
	Type       string `json:"type"`
	TaskID     int    `json:"task_id"`
	ProjectID  int    `json:"project_id"`
	TemplateID int    `json:"template_id"`
	Status     Status `json:"status"`
	Output     string `json:"output,omitempty"`
}
