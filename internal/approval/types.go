// Package approval gates destructive chat actions behind an explicit
// confirmation from the requester.
package approval

import (
	"errors"
	"time"
)

// Action is the kind of destructive action awaiting confirmation.
type Action string

const (
	// ActionRunTask starts a Semaphore task
	ActionRunTask Action = "run_task"

	// ActionExit shuts the bot down
	ActionExit Action = "exit"
)

// Decision is the terminal outcome of a pending confirmation.
type Decision string

const (
	DecisionConfirmed Decision = "confirmed"
	DecisionCancelled Decision = "cancelled"
	DecisionExpired   Decision = "expired"
)

var (
	// ErrConflict is returned when a different action is already pending for the key.
	ErrConflict = errors.New("approval: another confirmation is pending")

	// ErrNotFound is returned when no pending confirmation matches.
	ErrNotFound = errors.New("approval: no pending confirmation")

	// ErrNotRequester is returned when someone other than the requester reacts.
	ErrNotRequester = errors.New("approval: sender is not the requester")
)

// Key identifies a pending confirmation: one per requester per room.
type Key struct {
	RoomID   string
	SenderID string
}

// RunParams are the job parameters of a run_task confirmation.
type RunParams struct {
	ProjectID    int
	TemplateID   int
	TemplateName string
	Tags         string
	Arguments    string
}

// Pending is a destructive action waiting for its requester.
type Pending struct {
	ID        string
	Key       Key
	Action    Action
	Params    *RunParams
	CreatedAt time.Time
	ExpiresAt time.Time
	MessageID string // prompt event id, used for reaction resolution

	timer *time.Timer
}

// Config holds confirmation timeouts.
type Config struct {
	RunTimeout  time.Duration `yaml:"run_timeout"`
	ExitTimeout time.Duration `yaml:"exit_timeout"`
}

// DefaultConfig returns the default confirmation timeouts.
func DefaultConfig() *Config {
	return &Config{
		RunTimeout:  5 * time.Minute,
		ExitTimeout: 30 * time.Second,
	}
}

func (c *Config) timeoutFor(action Action) time.Duration {
	switch action {
	case ActionExit:
		if c.ExitTimeout > 0 {
			return c.ExitTimeout
		}
		return 30 * time.Second
	default:
		if c.RunTimeout > 0 {
			return c.RunTimeout
		}
		return 5 * time.Minute
	}
}
