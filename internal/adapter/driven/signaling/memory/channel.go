package memory

import (
	"context"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/core/domain"
	"github.com/parleyhq/parley/internal/core/port"
)

// Channel is the in-process signaling channel: a call record store with two
// append-only candidate sequences per call and ordered change streams. It
// backs unit tests directly and is the store relayd serves over WebSocket.
type Channel struct {
	mu     sync.Mutex
	closed bool

	calls      map[domain.CallID]domain.CallRecord
	order      []domain.CallID
	candidates map[domain.CallID]map[domain.Side][]domain.Candidate

	incomingSubs  map[*subscription]incomingSub
	callSubs      map[*subscription]callSub
	candidateSubs map[*subscription]candidateSub
	historySubs   map[*subscription]historySub
}

type incomingSub struct {
	user domain.UserID
	fn   func(domain.CallRecord)
}

type callSub struct {
	id domain.CallID
	fn func(domain.CallRecord)
}

type candidateSub struct {
	id   domain.CallID
	side domain.Side
	fn   func(domain.Candidate)
}

type historySub struct {
	user domain.UserID
	fn   func([]domain.CallRecord)
}

func NewChannel() *Channel {
	return &Channel{
		calls:         make(map[domain.CallID]domain.CallRecord),
		candidates:    make(map[domain.CallID]map[domain.Side][]domain.Candidate),
		incomingSubs:  make(map[*subscription]incomingSub),
		callSubs:      make(map[*subscription]callSub),
		candidateSubs: make(map[*subscription]candidateSub),
		historySubs:   make(map[*subscription]historySub),
	}
}

var _ port.SignalingChannel = (*Channel)(nil)

// Close makes every further operation fail with ErrChannelUnavailable and
// stops all subscriptions.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := make([]*subscription, 0, len(c.incomingSubs)+len(c.callSubs)+len(c.candidateSubs)+len(c.historySubs))
	for s := range c.incomingSubs {
		subs = append(subs, s)
	}
	for s := range c.callSubs {
		subs = append(subs, s)
	}
	for s := range c.candidateSubs {
		subs = append(subs, s)
	}
	for s := range c.historySubs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s.cancel()
	}
}

func (c *Channel) CreateCall(ctx context.Context, callerID, calleeID domain.UserID) (domain.CallID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.CallID{}, domain.ErrChannelUnavailable
	}

	rec := domain.NewCallRecord(callerID, calleeID, time.Now())
	c.calls[rec.ID] = rec
	c.order = append(c.order, rec.ID)
	c.candidates[rec.ID] = map[domain.Side][]domain.Candidate{}
	c.notifyLocked(rec)
	return rec.ID, nil
}

func (c *Channel) UpdateCall(ctx context.Context, id domain.CallID, update domain.CallUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrChannelUnavailable
	}
	rec, ok := c.calls[id]
	if !ok {
		return domain.ErrCallNotFound
	}
	if err := update.Apply(&rec); err != nil {
		return err
	}
	c.calls[id] = rec
	c.notifyLocked(rec)
	return nil
}

// Get returns the current record snapshot.
func (c *Channel) Get(id domain.CallID) (domain.CallRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.CallRecord{}, domain.ErrChannelUnavailable
	}
	rec, ok := c.calls[id]
	if !ok {
		return domain.CallRecord{}, domain.ErrCallNotFound
	}
	return rec, nil
}

func (c *Channel) AppendCandidate(ctx context.Context, id domain.CallID, side domain.Side, data string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrChannelUnavailable
	}
	if !side.Valid() {
		return domain.ErrInvalidState
	}
	if _, ok := c.calls[id]; !ok {
		return domain.ErrCallNotFound
	}

	seq := len(c.candidates[id][side]) + 1
	cand := domain.Candidate{CallID: id, Side: side, Data: data, SequenceNo: seq}
	c.candidates[id][side] = append(c.candidates[id][side], cand)

	for sub, cs := range c.candidateSubs {
		if cs.id == id && cs.side == side {
			fn := cs.fn
			sub.push(func() { fn(cand) })
		}
	}
	return nil
}

func (c *Channel) SubscribeIncoming(userID domain.UserID, fn func(domain.CallRecord)) (port.CancelFunc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, domain.ErrChannelUnavailable
	}
	sub := newSubscription()
	c.incomingSubs[sub] = incomingSub{user: userID, fn: fn}

	// Replay rings already pending for this user.
	for _, id := range c.order {
		rec := c.calls[id]
		if rec.CalleeID == userID && rec.Status == domain.StatusRinging {
			r := rec
			sub.push(func() { fn(r) })
		}
	}
	return c.cancelFunc(sub), nil
}

func (c *Channel) SubscribeCall(id domain.CallID, fn func(domain.CallRecord)) (port.CancelFunc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, domain.ErrChannelUnavailable
	}
	rec, ok := c.calls[id]
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	sub := newSubscription()
	c.callSubs[sub] = callSub{id: id, fn: fn}
	sub.push(func() { fn(rec) })
	return c.cancelFunc(sub), nil
}

func (c *Channel) SubscribeCandidates(id domain.CallID, side domain.Side, fn func(domain.Candidate)) (port.CancelFunc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, domain.ErrChannelUnavailable
	}
	if _, ok := c.calls[id]; !ok {
		return nil, domain.ErrCallNotFound
	}
	sub := newSubscription()
	c.candidateSubs[sub] = candidateSub{id: id, side: side, fn: fn}

	for _, cand := range c.candidates[id][side] {
		cd := cand
		sub.push(func() { fn(cd) })
	}
	return c.cancelFunc(sub), nil
}

func (c *Channel) SubscribeHistory(userID domain.UserID, fn func([]domain.CallRecord)) (port.CancelFunc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, domain.ErrChannelUnavailable
	}
	sub := newSubscription()
	c.historySubs[sub] = historySub{user: userID, fn: fn}

	recs := c.historyLocked(userID)
	sub.push(func() { fn(recs) })
	return c.cancelFunc(sub), nil
}

// notifyLocked fans a record mutation out to every matching subscription.
// Caller holds c.mu, so per-subscription queues observe mutations in store
// order.
func (c *Channel) notifyLocked(rec domain.CallRecord) {
	for sub, is := range c.incomingSubs {
		if rec.CalleeID == is.user && rec.Status == domain.StatusRinging {
			fn := is.fn
			r := rec
			sub.push(func() { fn(r) })
		}
	}
	for sub, cs := range c.callSubs {
		if cs.id == rec.ID {
			fn := cs.fn
			r := rec
			sub.push(func() { fn(r) })
		}
	}
	for sub, hs := range c.historySubs {
		if rec.HasParticipant(hs.user) {
			fn := hs.fn
			recs := c.historyLocked(hs.user)
			sub.push(func() { fn(recs) })
		}
	}
}

func (c *Channel) historyLocked(userID domain.UserID) []domain.CallRecord {
	var recs []domain.CallRecord
	for _, id := range c.order {
		rec := c.calls[id]
		if rec.HasParticipant(userID) {
			recs = append(recs, rec)
		}
	}
	return recs
}

func (c *Channel) cancelFunc(sub *subscription) port.CancelFunc {
	return func() {
		sub.cancel()
		c.mu.Lock()
		delete(c.incomingSubs, sub)
		delete(c.callSubs, sub)
		delete(c.candidateSubs, sub)
		delete(c.historySubs, sub)
		c.mu.Unlock()
	}
}
