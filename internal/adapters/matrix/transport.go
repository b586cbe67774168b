package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/semabot/semabot/internal/comms"
	"github.com/semabot/semabot/internal/logging"
)

// Handler consumes normalized chat events.
type Handler interface {
	HandleMessage(ctx context.Context, msg *comms.IncomingMessage)
	HandleReaction(ctx context.Context, r *comms.IncomingReaction)
}

// Transport runs the /sync loop and dispatches room events to a Handler.
// Events are handled one at a time in the order the homeserver returns
// them.
type Transport struct {
	client      *Client
	handler     Handler
	syncTimeout time.Duration
	autoJoin    map[string]bool
	cleanup     time.Duration

	initialBackoff time.Duration
	maxBackoff     time.Duration

	log *slog.Logger
}

// Option configures a Transport.
type Option func(*Transport)

// WithSyncTimeout sets the /sync long-poll duration.
func WithSyncTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.syncTimeout = d
		}
	}
}

// WithAutoJoin accepts invites to the given rooms.
func WithAutoJoin(roomIDs []string) Option {
	return func(t *Transport) {
		for _, id := range roomIDs {
			t.autoJoin[id] = true
		}
	}
}

// WithBackoff sets the retry delays after a failed sync.
func WithBackoff(initial, maxDelay time.Duration) Option {
	return func(t *Transport) {
		t.initialBackoff = initial
		t.maxBackoff = maxDelay
	}
}

// NewTransport creates a transport delivering to handler.
func NewTransport(client *Client, handler Handler, opts ...Option) *Transport {
	t := &Transport{
		client:         client,
		handler:        handler,
		syncTimeout:    DefaultConfig().SyncTimeout,
		autoJoin:       make(map[string]bool),
		cleanup:        time.Minute,
		initialBackoff: time.Second,
		maxBackoff:     time.Minute,
		log:            logging.WithComponent("matrix.transport"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run syncs until ctx is cancelled. Events that happened before the first
// sync are not dispatched. Run returns early only when the access token is
// rejected.
func (t *Transport) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.initialBackoff
	b.MaxInterval = t.maxBackoff
	b.MaxElapsedTime = 0

	if c, ok := t.handler.(interface{ Cleanup() }); ok {
		go t.cleanupLoop(ctx, c)
	}

	since := ""
	for {
		resp, err := t.client.Sync(ctx, since, t.syncTimeout)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if IsError(err, ErrCodeUnknownToken) {
				return fmt.Errorf("matrix access token rejected: %w", err)
			}
			wait := b.NextBackOff()
			t.log.Warn("Sync failed, retrying",
				slog.Duration("backoff", wait),
				slog.Any("error", err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()

		if since == "" {
			t.log.Info("Matrix sync started", slog.String("user_id", t.client.UserID()))
			t.acceptInvites(ctx, resp)
		} else {
			t.process(ctx, resp)
		}
		since = resp.NextBatch
	}
}

func (t *Transport) cleanupLoop(ctx context.Context, c interface{ Cleanup() }) {
	ticker := time.NewTicker(t.cleanup)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Cleanup()
		}
	}
}

func (t *Transport) process(ctx context.Context, resp *SyncResponse) {
	t.acceptInvites(ctx, resp)

	for roomID, room := range resp.Rooms.Join {
		for i := range room.Timeline.Events {
			t.dispatch(ctx, roomID, &room.Timeline.Events[i])
		}
	}
}

func (t *Transport) acceptInvites(ctx context.Context, resp *SyncResponse) {
	for roomID := range resp.Rooms.Invite {
		if !t.autoJoin[roomID] {
			t.log.Debug("Ignoring invite", slog.String("room_id", roomID))
			continue
		}
		if err := t.client.JoinRoom(ctx, roomID); err != nil {
			t.log.Warn("Failed to join room",
				slog.String("room_id", roomID),
				slog.Any("error", err))
			continue
		}
		t.log.Info("Joined room", slog.String("room_id", roomID))
	}
}

func (t *Transport) dispatch(ctx context.Context, roomID string, ev *Event) {
	if ev.Sender == t.client.UserID() || ev.StateKey != nil {
		return
	}

	switch ev.Type {
	case EventMessage:
		msg, ok := parseMessage(roomID, ev)
		if !ok {
			return
		}
		t.handler.HandleMessage(ctx, msg)
	case EventReaction:
		r, ok := parseReaction(roomID, ev)
		if !ok {
			return
		}
		t.handler.HandleReaction(ctx, r)
	}
}

// parseMessage accepts plain text messages. Notices, media and edits are
// dropped.
func parseMessage(roomID string, ev *Event) (*comms.IncomingMessage, bool) {
	if msgType, _ := ev.Content["msgtype"].(string); msgType != MsgTypeText {
		return nil, false
	}
	if _, edit := ev.Content["m.new_content"]; edit {
		return nil, false
	}
	body, _ := ev.Content["body"].(string)
	if isReply(ev.Content) {
		body = stripReplyFallback(body)
	}
	if strings.TrimSpace(body) == "" {
		return nil, false
	}
	return &comms.IncomingMessage{
		RoomID:   roomID,
		SenderID: ev.Sender,
		Body:     body,
		EventID:  ev.EventID,
	}, true
}

func isReply(content map[string]any) bool {
	rel, ok := content["m.relates_to"].(map[string]any)
	if !ok {
		return false
	}
	_, ok = rel["m.in_reply_to"].(map[string]any)
	return ok
}

// stripReplyFallback removes the quoted "> <@user> ..." lines clients put
// in front of a reply body, plus the blank line that ends them.
func stripReplyFallback(body string) string {
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], ">") {
		i++
	}
	if i == 0 {
		return body
	}
	if i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	return strings.Join(lines[i:], "\n")
}

func parseReaction(roomID string, ev *Event) (*comms.IncomingReaction, bool) {
	rel, ok := ev.Content["m.relates_to"].(map[string]any)
	if !ok {
		return nil, false
	}
	relType, _ := rel["rel_type"].(string)
	target, _ := rel["event_id"].(string)
	key, _ := rel["key"].(string)
	if relType != RelAnnotation || target == "" || key == "" {
		return nil, false
	}
	return &comms.IncomingReaction{
		RoomID:        roomID,
		SenderID:      ev.Sender,
		TargetEventID: target,
		Key:           key,
	}, true
}
