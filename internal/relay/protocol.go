// Package relay defines the JSON frames exchanged between the signaling relay
// server and its clients over one WebSocket connection. Requests are
// correlated by req_id, subscription events by sub_id.
package relay

import (
	"errors"
	"time"

	"github.com/parleyhq/parley/internal/core/domain"
)

// Ops sent by clients.
const (
	OpCreateCall          = "create_call"
	OpUpdateCall          = "update_call"
	OpAppendCandidate     = "append_candidate"
	OpSubscribeIncoming   = "subscribe_incoming"
	OpSubscribeCall       = "subscribe_call"
	OpSubscribeCandidates = "subscribe_candidates"
	OpSubscribeHistory    = "subscribe_history"
	OpUnsubscribe         = "unsubscribe"
)

// Frame types sent by the server.
const (
	TypeResult = "result"
	TypeEvent  = "event"
)

// Request is a client frame.
type Request struct {
	Op    string `json:"op"`
	ReqID string `json:"req_id"`
	SubID string `json:"sub_id,omitempty"`

	CallerID string      `json:"caller_id,omitempty"`
	CalleeID string      `json:"callee_id,omitempty"`
	UserID   string      `json:"user_id,omitempty"`
	CallID   string      `json:"call_id,omitempty"`
	Side     string      `json:"side,omitempty"`
	Data     string      `json:"data,omitempty"`
	Update   *CallUpdate `json:"update,omitempty"`
}

// Response is a server frame: the result of one request, or one subscription
// event.
type Response struct {
	Type  string `json:"type"`
	ReqID string `json:"req_id,omitempty"`
	SubID string `json:"sub_id,omitempty"`
	Error string `json:"error,omitempty"`

	CallID    string       `json:"call_id,omitempty"`
	Call      *CallRecord  `json:"call,omitempty"`
	Candidate *Candidate   `json:"candidate,omitempty"`
	Calls     []CallRecord `json:"calls,omitempty"`
}

// CallRecord is the wire shape of domain.CallRecord.
type CallRecord struct {
	ID         string     `json:"id"`
	CallerID   string     `json:"caller_id"`
	CalleeID   string     `json:"callee_id"`
	Status     string     `json:"status"`
	Offer      string     `json:"offer,omitempty"`
	Answer     string     `json:"answer,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`
}

// CallUpdate is the wire shape of domain.CallUpdate.
type CallUpdate struct {
	Status    *string    `json:"status,omitempty"`
	Offer     *string    `json:"offer,omitempty"`
	Answer    *string    `json:"answer,omitempty"`
	Reason    *string    `json:"reason,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Candidate is the wire shape of domain.Candidate.
type Candidate struct {
	CallID     string `json:"call_id"`
	Side       string `json:"side"`
	Data       string `json:"data"`
	SequenceNo int    `json:"sequence_no"`
}

// Error codes carried in Response.Error.
const (
	ErrCodeUnavailable   = "channel_unavailable"
	ErrCodeNotFound      = "call_not_found"
	ErrCodeTerminal      = "terminal"
	ErrCodeWriteConflict = "write_conflict"
	ErrCodeInvalidState  = "invalid_state"
	ErrCodeBadRequest    = "bad_request"
)

// EncodeError maps a domain error onto a wire code.
func EncodeError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrCallNotFound):
		return ErrCodeNotFound
	case errors.Is(err, domain.ErrTerminal):
		return ErrCodeTerminal
	case errors.Is(err, domain.ErrWriteConflict):
		return ErrCodeWriteConflict
	case errors.Is(err, domain.ErrInvalidState):
		return ErrCodeInvalidState
	case errors.Is(err, domain.ErrChannelUnavailable):
		return ErrCodeUnavailable
	default:
		return ErrCodeBadRequest
	}
}

// DecodeError maps a wire code back onto the matching sentinel.
func DecodeError(code string) error {
	switch code {
	case "":
		return nil
	case ErrCodeNotFound:
		return domain.ErrCallNotFound
	case ErrCodeTerminal:
		return domain.ErrTerminal
	case ErrCodeWriteConflict:
		return domain.ErrWriteConflict
	case ErrCodeInvalidState:
		return domain.ErrInvalidState
	case ErrCodeUnavailable:
		return domain.ErrChannelUnavailable
	default:
		return errors.New(code)
	}
}

// FromRecord converts a domain record to its wire shape.
func FromRecord(rec domain.CallRecord) CallRecord {
	return CallRecord{
		ID:         rec.ID.String(),
		CallerID:   rec.CallerID.String(),
		CalleeID:   rec.CalleeID.String(),
		Status:     string(rec.Status),
		Offer:      rec.Offer,
		Answer:     rec.Answer,
		Reason:     rec.Reason,
		CreatedAt:  rec.CreatedAt,
		StartedAt:  rec.StartedAt,
		EndedAt:    rec.EndedAt,
		DurationMs: rec.DurationMs,
	}
}

// ToRecord converts a wire record back to the domain shape.
func ToRecord(w CallRecord) (domain.CallRecord, error) {
	id, err := domain.ParseCallID(w.ID)
	if err != nil {
		return domain.CallRecord{}, err
	}
	caller, err := domain.ParseUserID(w.CallerID)
	if err != nil {
		return domain.CallRecord{}, err
	}
	callee, err := domain.ParseUserID(w.CalleeID)
	if err != nil {
		return domain.CallRecord{}, err
	}
	return domain.CallRecord{
		ID:           id,
		CallerID:     caller,
		CalleeID:     callee,
		Participants: [2]domain.UserID{caller, callee},
		Status:       domain.CallStatus(w.Status),
		Offer:        w.Offer,
		Answer:       w.Answer,
		Reason:       w.Reason,
		CreatedAt:    w.CreatedAt,
		StartedAt:    w.StartedAt,
		EndedAt:      w.EndedAt,
		DurationMs:   w.DurationMs,
	}, nil
}

// FromUpdate converts a domain update to its wire shape.
func FromUpdate(u domain.CallUpdate) *CallUpdate {
	w := &CallUpdate{
		Offer:     u.Offer,
		Answer:    u.Answer,
		Reason:    u.Reason,
		StartedAt: u.StartedAt,
		EndedAt:   u.EndedAt,
	}
	if u.Status != nil {
		s := string(*u.Status)
		w.Status = &s
	}
	return w
}

// ToUpdate converts a wire update back to the domain shape.
func ToUpdate(w *CallUpdate) domain.CallUpdate {
	if w == nil {
		return domain.CallUpdate{}
	}
	u := domain.CallUpdate{
		Offer:     w.Offer,
		Answer:    w.Answer,
		Reason:    w.Reason,
		StartedAt: w.StartedAt,
		EndedAt:   w.EndedAt,
	}
	if w.Status != nil {
		s := domain.CallStatus(*w.Status)
		u.Status = &s
	}
	return u
}

// FromCandidate converts a domain candidate to its wire shape.
func FromCandidate(c domain.Candidate) *Candidate {
	return &Candidate{
		CallID:     c.CallID.String(),
		Side:       string(c.Side),
		Data:       c.Data,
		SequenceNo: c.SequenceNo,
	}
}

// ToCandidate converts a wire candidate back to the domain shape.
func ToCandidate(w Candidate) (domain.Candidate, error) {
	id, err := domain.ParseCallID(w.CallID)
	if err != nil {
		return domain.Candidate{}, err
	}
	return domain.Candidate{
		CallID:     id,
		Side:       domain.Side(w.Side),
		Data:       w.Data,
		SequenceNo: w.SequenceNo,
	}, nil
}
