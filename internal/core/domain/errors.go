package domain

import "errors"

// Sentinel errors shared across the core and its adapters. Adapters wrap the
// underlying cause with %w so errors.Is still matches at the service boundary.
var (
	// ErrChannelUnavailable means the signaling relay/store is unreachable.
	ErrChannelUnavailable = errors.New("signaling channel unavailable")

	// ErrPermissionDenied means the user denied local media capture.
	ErrPermissionDenied = errors.New("media permission denied")

	// ErrDeviceUnavailable means no usable capture device was found.
	ErrDeviceUnavailable = errors.New("media device unavailable")

	// ErrTargetNotFound means contact resolution failed for the callee.
	ErrTargetNotFound = errors.New("call target not found")

	// ErrInvalidState means an operation arrived in a state that cannot accept it,
	// e.g. a remote candidate before any remote description.
	ErrInvalidState = errors.New("invalid state")

	// ErrBusy means a session is already active for this user.
	ErrBusy = errors.New("user busy")

	// ErrTerminal means the call record already reached Ended or Rejected.
	ErrTerminal = errors.New("call already terminal")

	// ErrWriteConflict means a write-once field was written twice or a status
	// update tried to move backwards.
	ErrWriteConflict = errors.New("conflicting call record write")

	// ErrCallNotFound means no call record exists for the given id.
	ErrCallNotFound = errors.New("call not found")
)
