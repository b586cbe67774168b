// Package comms is the chat command orchestrator: it authorizes incoming
// messages, expands aliases, routes verbs and drives confirmations, task
// starts and log tails.
package comms

import (
	"context"

	"github.com/semabot/semabot/internal/alias"
	"github.com/semabot/semabot/internal/approval"
	"github.com/semabot/semabot/internal/semaphore"
)

// IncomingMessage is a text message received in a room.
type IncomingMessage struct {
	RoomID   string
	SenderID string
	Body     string
	EventID  string
}

// IncomingReaction is an annotation a user put on an earlier event.
type IncomingReaction struct {
	RoomID        string
	SenderID      string
	TargetEventID string
	Key           string
}

// Messenger is the outbound side of the chat transport.
type Messenger interface {
	// SendText posts a message with a plain body and an optional HTML
	// body. It returns the new event's id.
	SendText(ctx context.Context, roomID, plain, formatted string) (string, error)

	// SendReaction annotates eventID with key.
	SendReaction(ctx context.Context, roomID, eventID, key string) error
}

// JobClient is the subset of the Semaphore API the orchestrator uses.
type JobClient interface {
	ListProjects(ctx context.Context) ([]*semaphore.Project, error)
	ListTemplates(ctx context.Context, projectID int) ([]*semaphore.Template, error)
	StartTask(ctx context.Context, projectID int, req *semaphore.StartTaskRequest) (*semaphore.Task, error)
	GetTask(ctx context.Context, projectID, taskID int) (*semaphore.Task, error)
	StopTask(ctx context.Context, projectID, taskID int) error
	TaskURL(projectID, taskID int) string
}

// AliasResolver expands user-defined command aliases.
type AliasResolver interface {
	Resolve(text string) (string, bool)
	List() []alias.Alias
}

// Config holds the bot's chat-facing settings.
type Config struct {
	// Prefix marks a message as a command, e.g. "!sem".
	Prefix string `yaml:"prefix"`

	// AllowedRooms restricts the bot to these rooms. Empty means any room
	// the bot is in.
	AllowedRooms []string `yaml:"allowed_rooms"`

	// Admins may issue commands. Empty means everyone in an allowed room.
	Admins []string `yaml:"admins"`

	Confirm   *approval.Config `yaml:"confirm"`
	RateLimit *RateLimitConfig `yaml:"rate_limit"`
}

// DefaultConfig returns default bot settings.
func DefaultConfig() *Config {
	return &Config{
		Prefix:    "!sem",
		Confirm:   approval.DefaultConfig(),
		RateLimit: DefaultRateLimitConfig(),
	}
}
