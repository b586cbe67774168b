// Package matrix is the chat transport: a minimal Matrix client-server API
// client and a /sync loop that feeds room messages and reactions to the
// command handler.
package matrix

import (
	"errors"
	"fmt"
	"time"
)

// Event types and relation kinds the transport understands.
const (
	EventMessage  = "m.room.message"
	EventReaction = "m.reaction"

	MsgTypeText   = "m.text"
	MsgTypeNotice = "m.notice"

	RelAnnotation = "m.annotation"

	// FormatHTML is the only formatted_body format Matrix clients render.
	FormatHTML = "org.matrix.custom.html"
)

// Config holds the bot account's homeserver credentials.
type Config struct {
	Homeserver  string `yaml:"homeserver"`
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"access_token"`

	// SyncTimeout is the /sync long-poll duration.
	SyncTimeout time.Duration `yaml:"sync_timeout"`

	// Notices sends bot replies as m.notice, which other bots ignore.
	Notices bool `yaml:"notices"`
}

// DefaultConfig returns default transport settings.
func DefaultConfig() *Config {
	return &Config{
		SyncTimeout: 30 * time.Second,
		Notices:     true,
	}
}

// Error is a structured error response from the homeserver.
type Error struct {
	Code       string `json:"errcode"`
	Message    string `json:"error"`
	StatusCode int    `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Error codes the transport reacts to.
const (
	ErrCodeForbidden     = "M_FORBIDDEN"
	ErrCodeUnknownToken  = "M_UNKNOWN_TOKEN"
	ErrCodeLimitExceeded = "M_LIMIT_EXCEEDED"
)

// IsError reports whether err is an *Error with the given code.
func IsError(err error, code string) bool {
	var matrixErr *Error
	if errors.As(err, &matrixErr) {
		return matrixErr.Code == code
	}
	return false
}

// Event is a room event as delivered by /sync.
type Event struct {
	EventID        string         `json:"event_id"`
	Type           string         `json:"type"`
	Sender         string         `json:"sender"`
	OriginServerTS int64          `json:"origin_server_ts"`
	Content        map[string]any `json:"content"`
	StateKey       *string        `json:"state_key,omitempty"`
}

// SyncResponse is the subset of a /sync response the transport reads.
type SyncResponse struct {
	NextBatch string       `json:"next_batch"`
	Rooms     RoomsSection `json:"rooms"`
}

// RoomsSection groups per-room sync data by membership.
type RoomsSection struct {
	Join   map[string]JoinedRoom  `json:"join,omitempty"`
	Invite map[string]InvitedRoom `json:"invite,omitempty"`
}

// JoinedRoom holds the new timeline events of a joined room.
type JoinedRoom struct {
	Timeline TimelineSection `json:"timeline"`
}

// InvitedRoom is a pending invite.
type InvitedRoom struct {
	InviteState struct {
		Events []Event `json:"events"`
	} `json:"invite_state"`
}

// TimelineSection holds timeline events.
type TimelineSection struct {
	Events  []Event `json:"events"`
	Limited bool    `json:"limited"`
}

// messageContent is the body of an outgoing m.room.message.
type messageContent struct {
	MsgType       string `json:"msgtype"`
	Body          string `json:"body"`
	Format        string `json:"format,omitempty"`
	FormattedBody string `json:"formatted_body,omitempty"`
}

// reactionContent is the body of an outgoing m.reaction.
type reactionContent struct {
	RelatesTo relatesTo `json:"m.relates_to"`
}

type relatesTo struct {
	RelType string `json:"rel_type"`
	EventID string `json:"event_id"`
	Key     string `json:"key"`
}

type sendResponse struct {
	EventID string `json:"event_id"`
}

type whoamiResponse struct {
	UserID string `json:"user_id"`
}
