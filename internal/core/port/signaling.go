package port

import (
	"context"

	"github.com/parleyhq/parley/internal/core/domain"
)

// CancelFunc stops a subscription. After it returns, no new callback is
// started for that subscription; one already in flight may finish (sessions
// neutralize those through their generation token). Safe to call more than
// once and from inside the subscription's own callback.
type CancelFunc func()

// SignalingChannel is the relay the two parties negotiate through: a call
// record store with change streams plus two independent append-only candidate
// sequences per call. Implementations must deliver events for one subscription
// in order; candidate delivery is oldest-first and at least once.
type SignalingChannel interface {
	CreateCall(ctx context.Context, callerID, calleeID domain.UserID) (domain.CallID, error)
	UpdateCall(ctx context.Context, id domain.CallID, update domain.CallUpdate) error
	AppendCandidate(ctx context.Context, id domain.CallID, side domain.Side, data string) error

	// SubscribeIncoming pushes records where CalleeID == userID and the status
	// is still Ringing.
	SubscribeIncoming(userID domain.UserID, fn func(domain.CallRecord)) (CancelFunc, error)

	// SubscribeCall pushes every update to one record, starting with its
	// current state.
	SubscribeCall(id domain.CallID, fn func(domain.CallRecord)) (CancelFunc, error)

	// SubscribeCandidates pushes the side's sequence oldest-first, including
	// entries appended before the subscription was made.
	SubscribeCandidates(id domain.CallID, side domain.Side, fn func(domain.Candidate)) (CancelFunc, error)

	// SubscribeHistory pushes the full set of records the user participates in
	// whenever it changes. Display-only.
	SubscribeHistory(userID domain.UserID, fn func([]domain.CallRecord)) (CancelFunc, error)
}
