package service

import (
	"context"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/core/domain"
	"github.com/parleyhq/parley/internal/core/port"
)

// fakeEngine counts acquisitions and can be told to fail, standing in for
// local media capture.
type fakeEngine struct {
	mu       sync.Mutex
	err      error
	sessions []*fakeMedia
}

func (e *fakeEngine) NewSession(ctx context.Context, cfg port.MediaConfig) (port.MediaSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	m := &fakeMedia{}
	e.sessions = append(e.sessions, m)
	return m, nil
}

func (e *fakeEngine) acquisitions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

func (e *fakeEngine) lastMedia() *fakeMedia {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.sessions) == 0 {
		return nil
	}
	return e.sessions[len(e.sessions)-1]
}

// fakeMedia records the exact order of negotiation operations.
type fakeMedia struct {
	mu         sync.Mutex
	ops        []string
	candidates []domain.Candidate
	remoteSet  bool
	closes     int

	onCandidate func(string)
	onFailed    func()
}

func (m *fakeMedia) CreateOffer(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "offer")
	return "offer-sdp", nil
}

func (m *fakeMedia) CreateAnswer(ctx context.Context, offer string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "answer")
	m.remoteSet = true
	return "answer-sdp", nil
}

func (m *fakeMedia) SetRemoteDescription(answer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "remote_desc")
	m.remoteSet = true
	return nil
}

func (m *fakeMedia) AddRemoteCandidate(c domain.Candidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.remoteSet {
		return domain.ErrInvalidState
	}
	m.ops = append(m.ops, "candidate")
	m.candidates = append(m.candidates, c)
	return nil
}

func (m *fakeMedia) OnLocalCandidate(fn func(string)) {
	m.mu.Lock()
	m.onCandidate = fn
	m.mu.Unlock()
}

func (m *fakeMedia) OnRemoteTrack(fn func(port.RemoteTrack)) {}

func (m *fakeMedia) OnConnectionFailed(fn func()) {
	m.mu.Lock()
	m.onFailed = fn
	m.mu.Unlock()
}

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

func (m *fakeMedia) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

func (m *fakeMedia) received() []domain.Candidate {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Candidate, len(m.candidates))
	copy(out, m.candidates)
	return out
}

func (m *fakeMedia) opLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.ops))
	copy(out, m.ops)
	return out
}

func (m *fakeMedia) emitLocalCandidate(data string) {
	m.mu.Lock()
	fn := m.onCandidate
	m.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

func (m *fakeMedia) failConnection() {
	m.mu.Lock()
	fn := m.onFailed
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// eventLog records everything the core surfaces to the UI layer.
type eventLog struct {
	mu       sync.Mutex
	incoming []domain.CallRecord
	states   []port.SessionState
	ended    []domain.CallRecord
	history  [][]domain.CallRecord
}

func (e *eventLog) OnIncomingCall(rec domain.CallRecord) {
	e.mu.Lock()
	e.incoming = append(e.incoming, rec)
	e.mu.Unlock()
}

func (e *eventLog) OnStateChanged(id domain.CallID, state port.SessionState) {
	e.mu.Lock()
	e.states = append(e.states, state)
	e.mu.Unlock()
}

func (e *eventLog) OnRemoteTrack(id domain.CallID, track port.RemoteTrack) {}

func (e *eventLog) OnCallEnded(rec domain.CallRecord) {
	e.mu.Lock()
	e.ended = append(e.ended, rec)
	e.mu.Unlock()
}

func (e *eventLog) OnHistory(recs []domain.CallRecord) {
	e.mu.Lock()
	e.history = append(e.history, recs)
	e.mu.Unlock()
}

func (e *eventLog) incomingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.incoming)
}

func (e *eventLog) endedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ended)
}

func (e *eventLog) stateCount(state port.SessionState) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, s := range e.states {
		if s == state {
			n++
		}
	}
	return n
}

func (e *eventLog) stateSequence() []port.SessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]port.SessionState, len(e.states))
	copy(out, e.states)
	return out
}

// nopResolver resolves nothing; tests that need resolution use static.Resolver.
type nopResolver struct{}

func (nopResolver) ListCounterparts(ctx context.Context, userID domain.UserID, role string) ([]port.Contact, error) {
	return nil, nil
}

func (nopResolver) ResolveByContactInfo(ctx context.Context, info string) (domain.UserID, error) {
	return domain.UserID{}, domain.ErrTargetNotFound
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
