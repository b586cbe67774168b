package approval

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/semabot/semabot/internal/logging"
)

// Manager holds pending confirmations keyed by (room, requester). Every
// resolution path (reply, reaction, expiry, cancel) goes through take,
// so each confirmation terminates exactly once.
type Manager struct {
	config   *Config
	pending  map[Key]*Pending
	messages map[string]Key // prompt event id -> key
	onExpire func(p *Pending)
	mu       sync.Mutex
	log      *slog.Logger
}

// NewManager creates a confirmation manager. onExpire is called once for
// every confirmation that times out, after it has been removed.
func NewManager(config *Config, onExpire func(p *Pending)) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	return &Manager{
		config:   config,
		pending:  make(map[Key]*Pending),
		messages: make(map[string]Key),
		onExpire: onExpire,
		log:      logging.WithComponent("approval"),
	}
}

// Request registers a pending confirmation for key.
//
// A repeated exit request while an exit is pending resolves the pending
// one instead ("ask twice to exit"): it is removed and returned with
// confirmed set. A request of a different kind than the pending one fails
// with ErrConflict and returns the existing entry. A repeated run request
// replaces the previous one.
func (m *Manager) Request(key Key, action Action, params *RunParams) (p *Pending, confirmed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.pending[key]; ok {
		switch {
		case existing.Action == ActionExit && action == ActionExit:
			m.removeLocked(existing)
			m.log.Info("Exit confirmed by repeated request",
				slog.String("room_id", key.RoomID),
				slog.String("sender", key.SenderID))
			return existing, true, nil
		case existing.Action != action:
			return existing, false, ErrConflict
		default:
			m.removeLocked(existing)
			m.log.Debug("Replaced pending confirmation",
				slog.String("room_id", key.RoomID),
				slog.String("previous_id", existing.ID))
		}
	}

	timeout := m.config.timeoutFor(action)
	now := time.Now()
	p = &Pending{
		ID:        uuid.NewString(),
		Key:       key,
		Action:    action,
		Params:    params,
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
	}
	m.pending[key] = p
	p.timer = time.AfterFunc(timeout, func() { m.expire(p) })

	m.log.Debug("Confirmation requested",
		slog.String("id", p.ID),
		slog.String("action", string(action)),
		slog.String("room_id", key.RoomID),
		slog.String("sender", key.SenderID),
		slog.Duration("timeout", timeout))

	return p, false, nil
}

// AttachMessage links the prompt's event id to p so reactions on it can
// resolve it. It reports false when p is no longer pending.
func (m *Manager) AttachMessage(p *Pending, messageID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending[p.Key] != p || messageID == "" {
		return false
	}
	p.MessageID = messageID
	m.messages[messageID] = p.Key
	return true
}

// ResolveText resolves the pending confirmation for key with a reply.
// Anything that is not an explicit yes cancels.
func (m *Manager) ResolveText(key Key, text string) (*Pending, Decision, error) {
	decision := ParseReply(text)

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[key]
	if !ok {
		return nil, "", ErrNotFound
	}
	m.removeLocked(p)
	return p, decision, nil
}

// ResolveReaction resolves the confirmation whose prompt is messageID.
// Reactions outside the known emoji set are ignored (ErrNotFound). A known
// reaction from someone other than the requester returns ErrNotRequester
// with the pending entry, which stays pending.
func (m *Manager) ResolveReaction(messageID, senderID, emoji string) (*Pending, Decision, error) {
	decision, known := ParseReaction(emoji)

	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.messages[messageID]
	if !ok {
		return nil, "", ErrNotFound
	}
	p, ok := m.pending[key]
	if !ok {
		delete(m.messages, messageID)
		return nil, "", ErrNotFound
	}
	if !known {
		return nil, "", ErrNotFound
	}
	if senderID != key.SenderID {
		return p, "", ErrNotRequester
	}
	m.removeLocked(p)
	return p, decision, nil
}

// Cancel drops the pending confirmation for key, if any.
func (m *Manager) Cancel(key Key) (*Pending, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[key]
	if !ok {
		return nil, false
	}
	m.removeLocked(p)
	return p, true
}

// Get returns the pending confirmation for key, or nil.
func (m *Manager) Get(key Key) *Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[key]
}

// Len returns the number of pending confirmations.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Close stops all timers and drops every pending confirmation without
// notifying.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pending {
		m.removeLocked(p)
	}
}

// expire fires from p's timer. It is a no-op when p was already resolved
// or replaced, so a late timer never produces a notice.
func (m *Manager) expire(p *Pending) {
	m.mu.Lock()
	if m.pending[p.Key] != p {
		m.mu.Unlock()
		return
	}
	m.removeLocked(p)
	m.mu.Unlock()

	m.log.Info("Confirmation expired",
		slog.String("id", p.ID),
		slog.String("action", string(p.Action)),
		slog.String("room_id", p.Key.RoomID))

	if m.onExpire != nil {
		m.onExpire(p)
	}
}

func (m *Manager) removeLocked(p *Pending) {
	delete(m.pending, p.Key)
	if p.MessageID != "" {
		delete(m.messages, p.MessageID)
	}
	if p.timer != nil {
		p.timer.Stop()
	}
}
