package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/core/domain"
	"github.com/parleyhq/parley/internal/core/port"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Session owns one call's lifecycle: it drives the media engine, talks to the
// signaling channel and reacts to the two event streams (record updates and
// remote candidates) arriving in arbitrary order.
//
// All mutable state is guarded by mu. Every callback from the channel or the
// engine re-checks the generation token under mu before acting, so a torn-down
// session is inert no matter which callbacks are still in flight.
type Session struct {
	mu sync.Mutex

	// emitMu serializes OnStateChanged/OnCallEnded emission so observers never
	// see a state after the terminal one. Never held together with mu by
	// callers; acquired first.
	emitMu sync.Mutex

	callID    domain.CallID
	localUser domain.UserID
	localSide domain.Side

	state port.SessionState
	gen   uint64

	channel  port.SignalingChannel
	engine   port.MediaEngine
	events   port.CallEvents
	mediaCfg port.MediaConfig

	media   port.MediaSession
	cancels []port.CancelFunc

	// Remote candidates that arrived before the remote description was
	// applied. Flushed in arrival order right after it is.
	pending       []domain.Candidate
	remoteDescSet bool
	lastSeq       int

	accepting bool
	ringTimer *time.Timer
	ringTTL   time.Duration

	rec domain.CallRecord

	// onTerminal is the manager hook, invoked exactly once after teardown.
	onTerminal func(*Session, domain.CallRecord)

	l zerolog.Logger
}

func newSession(localUser domain.UserID, side domain.Side, channel port.SignalingChannel,
	engine port.MediaEngine, events port.CallEvents, mediaCfg port.MediaConfig,
	ringTTL time.Duration, onTerminal func(*Session, domain.CallRecord)) *Session {
	return &Session{
		localUser:  localUser,
		localSide:  side,
		state:      port.StateIdle,
		channel:    channel,
		engine:     engine,
		events:     events,
		mediaCfg:   mediaCfg,
		ringTTL:    ringTTL,
		onTerminal: onTerminal,
		l:          log.With().Str("user_id", localUser.String()).Logger(),
	}
}

// CallID returns the id of the call this session coordinates.
func (s *Session) CallID() domain.CallID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

// State returns the current lifecycle state.
func (s *Session) State() port.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Record returns the last observed call record snapshot.
func (s *Session) Record() domain.CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec
}

// startOutgoing runs the Idle -> OutgoingRinging transition: acquire media,
// create the record, subscribe, then write the offer. The record is never left
// behind without this session being subscribed to it.
func (s *Session) startOutgoing(ctx context.Context, calleeID domain.UserID) error {
	media, err := s.engine.NewSession(ctx, s.mediaCfg)
	if err != nil {
		return fmt.Errorf("acquire media: %w", err)
	}

	id, err := s.channel.CreateCall(ctx, s.localUser, calleeID)
	if err != nil {
		media.Close()
		return fmt.Errorf("create call: %w", err)
	}

	s.mu.Lock()
	s.callID = id
	s.media = media
	s.rec = domain.CallRecord{
		ID:           id,
		CallerID:     s.localUser,
		CalleeID:     calleeID,
		Participants: [2]domain.UserID{s.localUser, calleeID},
		Status:       domain.StatusRinging,
	}
	s.l = s.l.With().Str("call_id", id.String()).Logger()
	gen := s.gen
	s.mu.Unlock()

	s.wireMedia(media, gen)

	if err := s.subscribe(id); err != nil {
		// Clear the ringing record so the callee never sees an orphan ring.
		s.abortRecord(id)
		media.Close()
		return err
	}

	offer, err := media.CreateOffer(ctx)
	if err != nil {
		s.abortRecord(id)
		s.teardown(port.StateEnded, false)
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.channel.UpdateCall(ctx, id, domain.CallUpdate{Offer: &offer}); err != nil {
		s.abortRecord(id)
		s.teardown(port.StateEnded, false)
		return fmt.Errorf("write offer: %w", err)
	}

	s.setState(port.StateOutgoingRinging)
	s.armRingTimer(gen)
	s.l.Info().Str("callee_id", calleeID.String()).Msg("Outgoing call ringing")
	return nil
}

// startIncoming runs the Idle -> IncomingRinging transition. No media is
// acquired until the user accepts; the session only watches the record so a
// caller-side cancel is observed.
func (s *Session) startIncoming(rec domain.CallRecord) error {
	s.mu.Lock()
	s.callID = rec.ID
	s.rec = rec
	gen := s.gen
	s.l = s.l.With().Str("call_id", rec.ID.String()).Logger()
	s.mu.Unlock()

	cancel, err := s.channel.SubscribeCall(rec.ID, func(r domain.CallRecord) {
		s.onCallUpdate(gen, r)
	})
	if err != nil {
		return fmt.Errorf("subscribe call: %w", err)
	}
	s.addCancels(gen, cancel)

	s.setState(port.StateIncomingRinging)
	s.armRingTimer(gen)
	s.l.Info().Str("caller_id", rec.CallerID.String()).Msg("Incoming call ringing")
	return nil
}

// Accept runs IncomingRinging -> Negotiating -> InCall. A second Accept racing
// with the first is a no-op.
func (s *Session) Accept(ctx context.Context) error {
	s.mu.Lock()
	if s.state != port.StateIncomingRinging || s.accepting {
		s.mu.Unlock()
		return nil
	}
	s.accepting = true
	offer := s.rec.Offer
	id := s.callID
	gen := s.gen
	s.mu.Unlock()

	if offer == "" {
		s.clearAccepting()
		return fmt.Errorf("offer not yet available: %w", domain.ErrInvalidState)
	}

	media, err := s.engine.NewSession(ctx, s.mediaCfg)
	if err != nil {
		// Still IncomingRinging; the user may retry or reject.
		s.clearAccepting()
		return fmt.Errorf("acquire media: %w", err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		media.Close()
		return domain.ErrTerminal
	}
	s.media = media
	s.mu.Unlock()

	s.setState(port.StateNegotiating)
	s.wireMedia(media, gen)

	answer, err := media.CreateAnswer(ctx, offer)
	if err != nil {
		s.endWithReason(domain.ReasonAborted)
		return fmt.Errorf("create answer: %w", err)
	}

	// CreateAnswer applied the remote offer, so candidates can flow directly
	// from here on.
	s.mu.Lock()
	s.remoteDescSet = true
	s.flushPendingLocked()
	s.mu.Unlock()

	now := time.Now()
	update := domain.CallUpdate{
		Answer:    &answer,
		Status:    domain.StatusPtr(domain.StatusInCall),
		StartedAt: &now,
	}
	if err := s.channel.UpdateCall(ctx, id, update); err != nil {
		s.endWithReason(domain.ReasonAborted)
		return fmt.Errorf("write answer: %w", err)
	}

	cancel, err := s.channel.SubscribeCandidates(id, s.localSide.Other(), func(c domain.Candidate) {
		s.onRemoteCandidate(gen, c)
	})
	if err != nil {
		s.endWithReason(domain.ReasonAborted)
		return fmt.Errorf("subscribe candidates: %w", err)
	}
	if !s.addCancels(gen, cancel) {
		// Torn down while the subscribe was in flight; addCancels already
		// released the fresh subscription.
		return domain.ErrTerminal
	}

	s.mu.Lock()
	s.stopRingTimerLocked()
	s.mu.Unlock()

	s.setState(port.StateInCall)
	s.l.Info().Msg("Call accepted")
	return nil
}

// Reject runs IncomingRinging -> Rejected. No media was ever acquired.
func (s *Session) Reject(ctx context.Context) error {
	s.mu.Lock()
	if s.state != port.StateIncomingRinging {
		s.mu.Unlock()
		return nil
	}
	id := s.callID
	s.mu.Unlock()

	now := time.Now()
	err := s.channel.UpdateCall(ctx, id, domain.CallUpdate{
		Status:  domain.StatusPtr(domain.StatusRejected),
		Reason:  domain.StringPtr(domain.ReasonHangup),
		EndedAt: &now,
	})
	if err != nil && !errors.Is(err, domain.ErrTerminal) {
		s.l.Warn().Err(err).Msg("Failed to write rejection")
	}
	s.teardown(port.StateRejected, true)
	return nil
}

// Hangup ends the call from any active state.
func (s *Session) Hangup(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Terminal() || s.state == port.StateIdle {
		s.mu.Unlock()
		return nil
	}
	id := s.callID
	s.mu.Unlock()

	now := time.Now()
	err := s.channel.UpdateCall(ctx, id, domain.CallUpdate{
		Status:  domain.StatusPtr(domain.StatusEnded),
		Reason:  domain.StringPtr(domain.ReasonHangup),
		EndedAt: &now,
	})
	if err != nil && !errors.Is(err, domain.ErrTerminal) && !errors.Is(err, domain.ErrWriteConflict) {
		s.l.Warn().Err(err).Msg("Failed to write hangup")
	}
	s.teardown(port.StateEnded, true)
	return nil
}

// subscribe attaches the record stream and the remote candidate stream for an
// outgoing call.
func (s *Session) subscribe(id domain.CallID) error {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	cancelCall, err := s.channel.SubscribeCall(id, func(r domain.CallRecord) {
		s.onCallUpdate(gen, r)
	})
	if err != nil {
		return fmt.Errorf("subscribe call: %w", err)
	}
	cancelCands, err := s.channel.SubscribeCandidates(id, s.localSide.Other(), func(c domain.Candidate) {
		s.onRemoteCandidate(gen, c)
	})
	if err != nil {
		cancelCall()
		return fmt.Errorf("subscribe candidates: %w", err)
	}
	s.addCancels(gen, cancelCall, cancelCands)
	return nil
}

// addCancels registers subscription cancels for teardown. If the session tore
// down while the subscribe call was in flight, teardown has already consumed
// s.cancels, so the fresh subscriptions are released here instead of leaking.
// Reports whether the session was still live.
func (s *Session) addCancels(gen uint64, cancels ...port.CancelFunc) bool {
	s.mu.Lock()
	if s.gen == gen && !s.state.Terminal() {
		s.cancels = append(s.cancels, cancels...)
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return false
}

// wireMedia hooks engine callbacks. The generation captured at wiring time
// makes callbacks from a replaced or closed media session no-ops.
func (s *Session) wireMedia(media port.MediaSession, gen uint64) {
	media.OnLocalCandidate(func(data string) {
		s.mu.Lock()
		if s.gen != gen || s.state.Terminal() {
			s.mu.Unlock()
			return
		}
		id := s.callID
		side := s.localSide
		s.mu.Unlock()

		if err := s.channel.AppendCandidate(context.Background(), id, side, data); err != nil {
			s.l.Warn().Err(err).Msg("Failed to publish local candidate")
		}
	})
	media.OnRemoteTrack(func(track port.RemoteTrack) {
		s.mu.Lock()
		if s.gen != gen || s.state.Terminal() {
			s.mu.Unlock()
			return
		}
		id := s.callID
		s.mu.Unlock()
		s.events.OnRemoteTrack(id, track)
	})
	media.OnConnectionFailed(func() {
		s.mu.Lock()
		if s.gen != gen || s.state != port.StateInCall {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.l.Warn().Msg("Media path lost")
		s.endWithReason(domain.ReasonMediaFailed)
	})
}

// onCallUpdate reacts to record changes: the remote answer on the caller side
// and remote terminal status on either side.
func (s *Session) onCallUpdate(gen uint64, rec domain.CallRecord) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.rec = rec
	applyAnswer := s.localSide == domain.SideCaller &&
		s.state == port.StateOutgoingRinging && rec.Answer != "" && !s.remoteDescSet
	remoteEnded := rec.Status.Terminal() && !s.state.Terminal()
	media := s.media
	s.mu.Unlock()

	if remoteEnded {
		final := port.StateEnded
		if rec.Status == domain.StatusRejected {
			final = port.StateRejected
		}
		s.l.Info().Str("status", string(rec.Status)).Msg("Remote ended call")
		s.teardown(final, true)
		return
	}

	if applyAnswer {
		if err := media.SetRemoteDescription(rec.Answer); err != nil {
			s.l.Error().Err(err).Msg("Failed to apply remote answer")
			s.endWithReason(domain.ReasonMediaFailed)
			return
		}
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.remoteDescSet = true
		s.stopRingTimerLocked()
		s.flushPendingLocked()
		s.mu.Unlock()

		s.setState(port.StateInCall)
		s.l.Info().Msg("Remote answer applied")
	}
}

// onRemoteCandidate buffers until the remote description is applied, then adds
// directly. Duplicates (at-least-once delivery) are dropped by sequence number.
func (s *Session) onRemoteCandidate(gen uint64, c domain.Candidate) {
	s.mu.Lock()
	if s.gen != gen || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	if c.SequenceNo <= s.lastSeq {
		s.mu.Unlock()
		return
	}
	s.lastSeq = c.SequenceNo
	if !s.remoteDescSet {
		s.pending = append(s.pending, c)
		s.mu.Unlock()
		return
	}
	// Applied under mu so a direct add can never overtake a flush in
	// progress; the engine must not call back into the session from here.
	if err := s.media.AddRemoteCandidate(c); err != nil {
		s.l.Warn().Err(err).Int("seq", c.SequenceNo).Msg("Failed to add remote candidate")
	}
	s.mu.Unlock()
}

// flushPendingLocked applies buffered remote candidates in arrival order.
// Called with mu held, right after remoteDescSet flips to true.
func (s *Session) flushPendingLocked() {
	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		if err := s.media.AddRemoteCandidate(c); err != nil {
			s.l.Warn().Err(err).Int("seq", c.SequenceNo).Msg("Failed to flush buffered candidate")
		}
	}
}

// endWithReason writes a terminal status with the given reason and tears down.
// Write conflicts mean the other side got there first; the local teardown
// still runs.
func (s *Session) endWithReason(reason string) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	id := s.callID
	s.mu.Unlock()

	now := time.Now()
	err := s.channel.UpdateCall(context.Background(), id, domain.CallUpdate{
		Status:  domain.StatusPtr(domain.StatusEnded),
		Reason:  &reason,
		EndedAt: &now,
	})
	if err != nil && !errors.Is(err, domain.ErrTerminal) && !errors.Is(err, domain.ErrWriteConflict) {
		s.l.Warn().Err(err).Str("reason", reason).Msg("Failed to write call end")
	}
	s.teardown(port.StateEnded, true)
}

// abortRecord clears a just-created ringing record after a setup failure so it
// is never stranded without an owner.
func (s *Session) abortRecord(id domain.CallID) {
	now := time.Now()
	err := s.channel.UpdateCall(context.Background(), id, domain.CallUpdate{
		Status:  domain.StatusPtr(domain.StatusEnded),
		Reason:  domain.StringPtr(domain.ReasonAborted),
		EndedAt: &now,
	})
	if err != nil {
		s.l.Warn().Err(err).Msg("Failed to abort call record")
	}
}

// teardown is the single exit path. The first caller wins; later triggers see
// a terminal state and return. Order: bump generation, cancel subscriptions,
// close media, notify.
func (s *Session) teardown(final port.SessionState, notify bool) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = final
	s.gen++
	cancels := s.cancels
	s.cancels = nil
	media := s.media
	s.media = nil
	s.pending = nil
	s.stopRingTimerLocked()
	if !s.rec.Status.Terminal() {
		// Local trigger won the race; reflect the outcome in the snapshot the
		// UI gets, even if the store round-trip has not landed yet.
		if final == port.StateRejected {
			s.rec.Status = domain.StatusRejected
		} else {
			s.rec.Status = domain.StatusEnded
		}
	}
	rec := s.rec
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if media != nil {
		if err := media.Close(); err != nil {
			s.l.Warn().Err(err).Msg("Failed to close media session")
		}
	}

	if notify {
		s.emitMu.Lock()
		s.events.OnStateChanged(rec.ID, final)
		s.events.OnCallEnded(rec)
		s.emitMu.Unlock()
	}
	if s.onTerminal != nil {
		s.onTerminal(s, rec)
	}
	s.l.Info().Str("state", string(final)).Msg("Session torn down")
}

func (s *Session) setState(state port.SessionState) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = state
	id := s.callID
	s.mu.Unlock()
	s.events.OnStateChanged(id, state)
}

func (s *Session) clearAccepting() {
	s.mu.Lock()
	s.accepting = false
	s.mu.Unlock()
}

// armRingTimer ends a call that never left a ringing state, so an unanswered
// ring cannot hold media and subscriptions forever.
func (s *Session) armRingTimer(gen uint64) {
	if s.ringTTL <= 0 {
		return
	}
	s.mu.Lock()
	s.ringTimer = time.AfterFunc(s.ringTTL, func() {
		s.mu.Lock()
		ringing := s.gen == gen &&
			(s.state == port.StateOutgoingRinging || s.state == port.StateIncomingRinging)
		s.mu.Unlock()
		if !ringing {
			return
		}
		s.l.Info().Msg("Ring timeout")
		s.endWithReason(domain.ReasonRingTimeout)
	})
	s.mu.Unlock()
}

func (s *Session) stopRingTimerLocked() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}
