package domain

import "time"

type CallStatus string

const (
	StatusRinging  CallStatus = "ringing"
	StatusInCall   CallStatus = "in_call"
	StatusEnded    CallStatus = "ended"
	StatusRejected CallStatus = "rejected"
)

// Terminal reports whether no further status transition is permitted.
func (s CallStatus) Terminal() bool {
	return s == StatusEnded || s == StatusRejected
}

// Reasons recorded on terminal records.
const (
	ReasonHangup      = "hangup"
	ReasonBusy        = "busy"
	ReasonRingTimeout = "ring-timeout"
	ReasonMediaFailed = "media-failed"
	ReasonAborted     = "aborted"
)

// CallRecord is the persisted view of one call attempt. It is mutated only by
// the two participants' sessions and becomes immutable once Status is terminal.
type CallRecord struct {
	ID           CallID
	CallerID     UserID
	CalleeID     UserID
	Participants [2]UserID
	Status       CallStatus

	// Offer and Answer are opaque negotiation blobs, each written at most once.
	Offer  string
	Answer string

	// Reason explains a terminal status ("hangup", "busy", "ring-timeout", ...).
	Reason string

	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time

	// DurationMs is derived when EndedAt is set; zero until then.
	DurationMs int64
}

// HasParticipant reports whether the user is one of the two parties.
func (r CallRecord) HasParticipant(id UserID) bool {
	return r.Participants[0] == id || r.Participants[1] == id
}

// NewCallRecord builds a fresh Ringing record for a call attempt.
func NewCallRecord(callerID, calleeID UserID, now time.Time) CallRecord {
	return CallRecord{
		ID:           NewCallID(),
		CallerID:     callerID,
		CalleeID:     calleeID,
		Participants: [2]UserID{callerID, calleeID},
		Status:       StatusRinging,
		CreatedAt:    now,
	}
}

// CallUpdate is a partial merge against a CallRecord. Nil fields are left
// untouched. Write-once and monotonic-status rules are enforced in Apply, not
// trusted to the store.
type CallUpdate struct {
	Status    *CallStatus
	Offer     *string
	Answer    *string
	Reason    *string
	StartedAt *time.Time
	EndedAt   *time.Time
}

func statusAllowed(from, to CallStatus) bool {
	switch from {
	case StatusRinging:
		return to == StatusInCall || to == StatusEnded || to == StatusRejected
	case StatusInCall:
		return to == StatusEnded
	default:
		return false
	}
}

// Apply merges the update into rec. It returns ErrTerminal for any mutation of
// a terminal record and ErrWriteConflict for second writes of write-once fields
// or a non-monotonic status move.
func (u CallUpdate) Apply(rec *CallRecord) error {
	if rec.Status.Terminal() {
		return ErrTerminal
	}
	if u.Status != nil && *u.Status != rec.Status && !statusAllowed(rec.Status, *u.Status) {
		return ErrWriteConflict
	}
	if u.Offer != nil && rec.Offer != "" {
		return ErrWriteConflict
	}
	if u.Answer != nil && rec.Answer != "" {
		return ErrWriteConflict
	}
	if u.StartedAt != nil && rec.StartedAt != nil {
		return ErrWriteConflict
	}
	if u.EndedAt != nil && rec.EndedAt != nil {
		return ErrWriteConflict
	}

	if u.Offer != nil {
		rec.Offer = *u.Offer
	}
	if u.Answer != nil {
		rec.Answer = *u.Answer
	}
	if u.Reason != nil && rec.Reason == "" {
		rec.Reason = *u.Reason
	}
	if u.StartedAt != nil {
		rec.StartedAt = u.StartedAt
	}
	if u.EndedAt != nil {
		rec.EndedAt = u.EndedAt
	}
	if u.Status != nil {
		rec.Status = *u.Status
	}
	if rec.EndedAt != nil && rec.StartedAt != nil && rec.DurationMs == 0 {
		rec.DurationMs = rec.EndedAt.Sub(*rec.StartedAt).Milliseconds()
	}
	return nil
}

// Ptr helpers for building CallUpdate literals.
func StatusPtr(s CallStatus) *CallStatus { return &s }
func StringPtr(s string) *string         { return &s }
func TimePtr(t time.Time) *time.Time     { return &t }
