package port

import "github.com/parleyhq/parley/internal/core/domain"

// SessionState is the in-memory lifecycle state of one session, as surfaced
// to the UI layer.
type SessionState string

const (
	StateIdle            SessionState = "idle"
	StateOutgoingRinging SessionState = "outgoing_ringing"
	StateIncomingRinging SessionState = "incoming_ringing"
	StateNegotiating     SessionState = "negotiating"
	StateInCall          SessionState = "in_call"
	StateEnded           SessionState = "ended"
	StateRejected        SessionState = "rejected"
)

// Terminal reports whether the session is finished.
func (s SessionState) Terminal() bool {
	return s == StateEnded || s == StateRejected
}

// CallEvents is the boundary to the UI layer. Implementations must not block;
// events may fire from session-owned goroutines.
type CallEvents interface {
	OnIncomingCall(rec domain.CallRecord)
	OnStateChanged(id domain.CallID, state SessionState)
	OnRemoteTrack(id domain.CallID, track RemoteTrack)
	OnCallEnded(rec domain.CallRecord)
	OnHistory(recs []domain.CallRecord)
}
