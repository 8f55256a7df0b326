package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/adapter/driven/signaling/memory"
	"github.com/parleyhq/parley/internal/core/domain"
	"github.com/parleyhq/parley/internal/core/port"
)

// TestCandidateBuffering is the central correctness property: remote
// candidates arriving before the answer must be held back and applied, in
// arrival order, immediately after the remote description lands.
func TestCandidateBuffering(t *testing.T) {
	ch := memory.NewChannel()
	defer ch.Close()
	alice := newPeer(t, ch, 0)
	ctx := context.Background()

	sess, err := alice.mgr.StartCall(ctx, domain.NewUserID())
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	id := sess.CallID()

	const n = 5
	for i := 0; i < n; i++ {
		if err := ch.AppendCandidate(ctx, id, domain.SideCallee, fmt.Sprintf("cand-%d", i)); err != nil {
			t.Fatalf("AppendCandidate: %v", err)
		}
	}

	// No remote description yet: nothing may reach the engine.
	time.Sleep(30 * time.Millisecond)
	media := alice.engine.lastMedia()
	if got := media.received(); len(got) != 0 {
		t.Fatalf("%d candidates applied before the answer", len(got))
	}

	now := time.Now()
	err = ch.UpdateCall(ctx, id, domain.CallUpdate{
		Answer:    domain.StringPtr("answer-sdp"),
		Status:    domain.StatusPtr(domain.StatusInCall),
		StartedAt: &now,
	})
	if err != nil {
		t.Fatalf("UpdateCall: %v", err)
	}

	if !waitFor(2*time.Second, func() bool { return len(media.received()) == n }) {
		t.Fatalf("got %d candidates, want %d", len(media.received()), n)
	}
	for i, c := range media.received() {
		if want := fmt.Sprintf("cand-%d", i); c.Data != want {
			t.Fatalf("candidate %d = %q, want %q", i, c.Data, want)
		}
	}

	// The description must precede every candidate in the engine's op log.
	ops := media.opLog()
	descAt := -1
	for i, op := range ops {
		if op == "remote_desc" {
			descAt = i
			break
		}
	}
	if descAt == -1 {
		t.Fatal("remote description never applied")
	}
	for i, op := range ops {
		if op == "candidate" && i < descAt {
			t.Fatal("candidate applied before the remote description")
		}
	}
	if sess.State() != port.StateInCall {
		t.Fatalf("state = %s, want in_call", sess.State())
	}
}

// Candidates interleaved around the answer keep one total order per side.
func TestCandidatesAfterAnswerFlowDirectly(t *testing.T) {
	ch := memory.NewChannel()
	defer ch.Close()
	alice := newPeer(t, ch, 0)
	ctx := context.Background()

	sess, err := alice.mgr.StartCall(ctx, domain.NewUserID())
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	id := sess.CallID()

	ch.AppendCandidate(ctx, id, domain.SideCallee, "early-0")
	ch.AppendCandidate(ctx, id, domain.SideCallee, "early-1")

	now := time.Now()
	ch.UpdateCall(ctx, id, domain.CallUpdate{
		Answer:    domain.StringPtr("answer-sdp"),
		Status:    domain.StatusPtr(domain.StatusInCall),
		StartedAt: &now,
	})
	if !waitFor(2*time.Second, func() bool { return sess.State() == port.StateInCall }) {
		t.Fatal("never reached in_call")
	}

	ch.AppendCandidate(ctx, id, domain.SideCallee, "late-0")

	media := alice.engine.lastMedia()
	if !waitFor(2*time.Second, func() bool { return len(media.received()) == 3 }) {
		t.Fatalf("got %d candidates, want 3", len(media.received()))
	}
	want := []string{"early-0", "early-1", "late-0"}
	for i, c := range media.received() {
		if c.Data != want[i] {
			t.Fatalf("candidate %d = %q, want %q", i, c.Data, want[i])
		}
	}
}

// At-least-once delivery: a redelivered candidate is applied only once.
func TestDuplicateCandidatesSuppressed(t *testing.T) {
	ch := memory.NewChannel()
	defer ch.Close()
	alice := newPeer(t, ch, 0)
	ctx := context.Background()

	sess, err := alice.mgr.StartCall(ctx, domain.NewUserID())
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	now := time.Now()
	ch.UpdateCall(ctx, sess.CallID(), domain.CallUpdate{
		Answer:    domain.StringPtr("answer-sdp"),
		Status:    domain.StatusPtr(domain.StatusInCall),
		StartedAt: &now,
	})
	if !waitFor(2*time.Second, func() bool { return sess.State() == port.StateInCall }) {
		t.Fatal("never reached in_call")
	}

	sess.mu.Lock()
	gen := sess.gen
	sess.mu.Unlock()

	cand := domain.Candidate{CallID: sess.CallID(), Side: domain.SideCallee, Data: "dup", SequenceNo: 1}
	sess.onRemoteCandidate(gen, cand)
	sess.onRemoteCandidate(gen, cand)

	media := alice.engine.lastMedia()
	if got := len(media.received()); got != 1 {
		t.Fatalf("candidate applied %d times, want 1", got)
	}
}

func TestRingTimeoutEndsUnansweredCall(t *testing.T) {
	ch := memory.NewChannel()
	defer ch.Close()
	alice := newPeer(t, ch, 40*time.Millisecond)

	sess, err := alice.mgr.StartCall(context.Background(), domain.NewUserID())
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if !waitFor(2*time.Second, func() bool { return sess.State() == port.StateEnded }) {
		t.Fatalf("state = %s, want ended", sess.State())
	}

	rec, err := ch.Get(sess.CallID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != domain.StatusEnded || rec.Reason != domain.ReasonRingTimeout {
		t.Fatalf("record = %s/%s, want ended/ring-timeout", rec.Status, rec.Reason)
	}
	if n := alice.engine.lastMedia().closeCount(); n != 1 {
		t.Fatalf("media closed %d times, want 1", n)
	}
}

func TestConnectionFailureEndsCall(t *testing.T) {
	ch := memory.NewChannel()
	defer ch.Close()
	alice := newPeer(t, ch, 0)
	bob := newPeer(t, ch, 0)

	id := dial(t, ch, alice, bob)

	alice.engine.lastMedia().failConnection()

	if !waitFor(2*time.Second, func() bool {
		rec, err := ch.Get(id)
		return err == nil && rec.Status == domain.StatusEnded
	}) {
		t.Fatal("record never ended after media failure")
	}
	rec, _ := ch.Get(id)
	if rec.Reason != domain.ReasonMediaFailed {
		t.Fatalf("reason = %q, want media-failed", rec.Reason)
	}
	if !waitFor(2*time.Second, func() bool { return bob.events.endedCount() == 1 }) {
		t.Fatal("callee never observed the end")
	}
}

// hangupDuringSubscribe ends the call remotely while a candidate subscribe is
// in flight, then waits for the local teardown before letting the subscribe
// return. The wrapped cancel counts invocations.
type hangupDuringSubscribe struct {
	*memory.Channel
	terminal func() bool

	mu      sync.Mutex
	armed   bool
	cancels int
}

func (c *hangupDuringSubscribe) SubscribeCandidates(id domain.CallID, side domain.Side, fn func(domain.Candidate)) (port.CancelFunc, error) {
	c.mu.Lock()
	fire := c.armed
	c.armed = false
	c.mu.Unlock()

	if fire {
		now := time.Now()
		c.Channel.UpdateCall(context.Background(), id, domain.CallUpdate{
			Status:  domain.StatusPtr(domain.StatusEnded),
			Reason:  domain.StringPtr(domain.ReasonHangup),
			EndedAt: &now,
		})
		if !waitFor(2*time.Second, c.terminal) {
			return nil, domain.ErrChannelUnavailable
		}
	}

	cancel, err := c.Channel.SubscribeCandidates(id, side, fn)
	if err != nil {
		return nil, err
	}
	return func() {
		c.mu.Lock()
		c.cancels++
		c.mu.Unlock()
		cancel()
	}, nil
}

func (c *hangupDuringSubscribe) cancelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancels
}

// A remote end racing the accept's candidate subscribe must not leak that
// subscription: a session torn down mid-accept releases it immediately.
func TestRemoteEndDuringAcceptReleasesSubscription(t *testing.T) {
	inner := memory.NewChannel()
	defer inner.Close()
	alice := newPeer(t, inner, 0)
	ctx := context.Background()

	ch := &hangupDuringSubscribe{Channel: inner}
	bobUser := domain.NewUserID()
	bobEngine := &fakeEngine{}
	bobMgr, err := NewManager(bobUser, ch, bobEngine, nopResolver{}, &eventLog{}, ManagerConfig{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { bobMgr.Close() })
	ch.terminal = func() bool { return bobMgr.Active() == nil }

	sess, err := alice.mgr.StartCall(ctx, bobUser)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if !waitFor(2*time.Second, func() bool {
		s := bobMgr.Active()
		return s != nil && s.Record().Offer != ""
	}) {
		t.Fatal("offer never reached the callee")
	}
	id := sess.CallID()

	ch.mu.Lock()
	ch.armed = true
	ch.mu.Unlock()

	if err := bobMgr.Accept(ctx, id); !errors.Is(err, domain.ErrTerminal) {
		t.Fatalf("Accept = %v, want ErrTerminal", err)
	}
	if n := ch.cancelCount(); n != 1 {
		t.Fatalf("subscription cancelled %d times, want 1", n)
	}
	if n := bobEngine.lastMedia().closeCount(); n != 1 {
		t.Fatalf("media closed %d times, want 1", n)
	}
}

// TestMonotonicity drives random trigger interleavings and asserts that no
// state ever follows a terminal one.
func TestMonotonicity(t *testing.T) {
	for seed := int64(0); seed < 12; seed++ {
		seed := seed
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			ch := memory.NewChannel()
			defer ch.Close()
			alice := newPeer(t, ch, 0)
			bob := newPeer(t, ch, 0)
			ctx := context.Background()

			sess, err := alice.mgr.StartCall(ctx, bob.user)
			if err != nil {
				t.Fatalf("StartCall: %v", err)
			}
			id := sess.CallID()
			waitFor(2*time.Second, func() bool { return bob.mgr.Active() != nil })

			triggers := []func(){
				func() { bob.mgr.Accept(ctx, id) },
				func() { bob.mgr.Reject(ctx, id) },
				func() { alice.mgr.Hangup(ctx) },
				func() { bob.mgr.Hangup(ctx) },
				func() { ch.AppendCandidate(ctx, id, domain.SideCallee, "c") },
				func() { ch.AppendCandidate(ctx, id, domain.SideCaller, "c") },
			}
			rng.Shuffle(len(triggers), func(i, j int) {
				triggers[i], triggers[j] = triggers[j], triggers[i]
			})

			var wg sync.WaitGroup
			for _, trig := range triggers {
				wg.Add(1)
				go func(fn func()) {
					defer wg.Done()
					time.Sleep(time.Duration(rng.Intn(5)) * time.Millisecond)
					fn()
				}(trig)
			}
			wg.Wait()
			alice.mgr.Hangup(ctx)
			bob.mgr.Hangup(ctx)

			waitFor(2*time.Second, func() bool { return sess.State().Terminal() })
			time.Sleep(30 * time.Millisecond)

			rec, err := ch.Get(id)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if !rec.Status.Terminal() {
				t.Fatalf("record status = %s, want terminal", rec.Status)
			}
			for _, log := range []*eventLog{alice.events, bob.events} {
				seq := log.stateSequence()
				for i, st := range seq {
					if st.Terminal() && i != len(seq)-1 {
						t.Fatalf("state %s at %d followed by %v", st, i, seq[i+1:])
					}
				}
			}
		})
	}
}
