package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/core/domain"
	"github.com/parleyhq/parley/internal/core/port"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ManagerConfig tunes per-user call supervision.
type ManagerConfig struct {
	// RingTimeout ends unanswered calls; zero disables the timer.
	RingTimeout time.Duration
	Media       port.MediaConfig
}

// Manager supervises the sessions of one local user. It enforces at most one
// active session at a time, auto-rejects rings that arrive while busy, and
// forwards incoming-call and history streams to the UI layer.
type Manager struct {
	mu sync.Mutex

	user     domain.UserID
	channel  port.SignalingChannel
	engine   port.MediaEngine
	contacts port.ContactResolver
	events   port.CallEvents
	cfg      ManagerConfig

	active  *Session
	seen    map[domain.CallID]struct{}
	cancels []port.CancelFunc
	closed  bool

	l zerolog.Logger
}

// NewManager subscribes to the user's incoming-ring and history streams.
func NewManager(user domain.UserID, channel port.SignalingChannel, engine port.MediaEngine,
	contacts port.ContactResolver, events port.CallEvents, cfg ManagerConfig) (*Manager, error) {
	m := &Manager{
		user:     user,
		channel:  channel,
		engine:   engine,
		contacts: contacts,
		events:   events,
		cfg:      cfg,
		seen:     make(map[domain.CallID]struct{}),
		l:        log.With().Str("user_id", user.String()).Logger(),
	}

	cancelIncoming, err := channel.SubscribeIncoming(user, m.onIncoming)
	if err != nil {
		return nil, fmt.Errorf("subscribe incoming: %w", err)
	}
	cancelHistory, err := channel.SubscribeHistory(user, events.OnHistory)
	if err != nil {
		cancelIncoming()
		return nil, fmt.Errorf("subscribe history: %w", err)
	}
	m.cancels = []port.CancelFunc{cancelIncoming, cancelHistory}
	return m, nil
}

// StartCall places an outgoing call to a user already known by id.
func (m *Manager) StartCall(ctx context.Context, target domain.UserID) (*Session, error) {
	if target.IsZero() || target == m.user {
		return nil, domain.ErrTargetNotFound
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, domain.ErrInvalidState
	}
	if m.active != nil && !m.active.State().Terminal() {
		m.mu.Unlock()
		return nil, domain.ErrBusy
	}
	s := newSession(m.user, domain.SideCaller, m.channel, m.engine, m.events,
		m.cfg.Media, m.cfg.RingTimeout, m.onTerminal)
	m.active = s
	m.mu.Unlock()

	if err := s.startOutgoing(ctx, target); err != nil {
		m.clearActive(s)
		return nil, err
	}
	return s, nil
}

// StartCallByContact resolves contact info to a user id first; a resolution
// miss aborts before any call record exists.
func (m *Manager) StartCallByContact(ctx context.Context, info string) (*Session, error) {
	target, err := m.contacts.ResolveByContactInfo(ctx, info)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", info, err)
	}
	return m.StartCall(ctx, target)
}

// Counterparts lists who this user may call.
func (m *Manager) Counterparts(ctx context.Context, role string) ([]port.Contact, error) {
	return m.contacts.ListCounterparts(ctx, m.user, role)
}

// Accept accepts the surfaced incoming call. A stale or repeated accept is a
// no-op.
func (m *Manager) Accept(ctx context.Context, id domain.CallID) error {
	s := m.sessionFor(id)
	if s == nil {
		return domain.ErrCallNotFound
	}
	return s.Accept(ctx)
}

// Reject declines the surfaced incoming call.
func (m *Manager) Reject(ctx context.Context, id domain.CallID) error {
	s := m.sessionFor(id)
	if s == nil {
		return domain.ErrCallNotFound
	}
	return s.Reject(ctx)
}

// Hangup ends the active call, whichever state it is in.
func (m *Manager) Hangup(ctx context.Context) error {
	m.mu.Lock()
	s := m.active
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Hangup(ctx)
}

// Active returns the current session, if any.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Close cancels the manager's subscriptions and hangs up any active session.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancels := m.cancels
	m.cancels = nil
	s := m.active
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if s != nil {
		return s.Hangup(context.Background())
	}
	return nil
}

// onIncoming handles a ringing record pushed for this user. While a
// non-terminal session exists the ring is auto-rejected and never surfaced.
func (m *Manager) onIncoming(rec domain.CallRecord) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if _, dup := m.seen[rec.ID]; dup {
		m.mu.Unlock()
		return
	}
	m.seen[rec.ID] = struct{}{}

	if m.active != nil && !m.active.State().Terminal() {
		m.mu.Unlock()
		m.l.Info().Str("call_id", rec.ID.String()).Msg("Busy, auto-rejecting incoming call")
		m.autoReject(rec.ID)
		return
	}

	s := newSession(m.user, domain.SideCallee, m.channel, m.engine, m.events,
		m.cfg.Media, m.cfg.RingTimeout, m.onTerminal)
	m.active = s
	m.mu.Unlock()

	if err := s.startIncoming(rec); err != nil {
		m.l.Error().Err(err).Str("call_id", rec.ID.String()).Msg("Failed to attach incoming call")
		m.clearActive(s)
		return
	}
	m.events.OnIncomingCall(rec)
}

func (m *Manager) autoReject(id domain.CallID) {
	now := time.Now()
	err := m.channel.UpdateCall(context.Background(), id, domain.CallUpdate{
		Status:  domain.StatusPtr(domain.StatusRejected),
		Reason:  domain.StringPtr(domain.ReasonBusy),
		EndedAt: &now,
	})
	if err != nil {
		m.l.Warn().Err(err).Str("call_id", id.String()).Msg("Failed to auto-reject")
	}
}

// clearActive drops a session that failed setup and never reached teardown.
func (m *Manager) clearActive(s *Session) {
	m.mu.Lock()
	if m.active == s {
		m.active = nil
	}
	m.mu.Unlock()
}

func (m *Manager) sessionFor(id domain.CallID) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.CallID() != id {
		return nil
	}
	return m.active
}

// onTerminal is installed on every session; it releases the single active
// slot once, no matter which trigger ended the call.
func (m *Manager) onTerminal(s *Session, rec domain.CallRecord) {
	m.mu.Lock()
	if m.active == s {
		m.active = nil
	}
	delete(m.seen, rec.ID)
	m.mu.Unlock()
}
