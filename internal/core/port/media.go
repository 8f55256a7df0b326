package port

import (
	"context"

	"github.com/parleyhq/parley/internal/core/domain"
)

// MediaConfig is the operator-supplied negotiation-path configuration handed
// to the engine at session construction.
type MediaConfig struct {
	// ICEServers lists relay/reflection endpoints (stun:/turn: URLs).
	ICEServers []string
	Audio      bool
	Video      bool
}

// RemoteTrack is an opaque handle for a remote media sink; the UI layer knows
// what to do with the concrete value.
type RemoteTrack interface {
	Kind() string
	ID() string
}

// MediaSession wraps one underlying peer connection with local capture already
// attached. Callback registration must happen before the first negotiation
// call; callbacks may fire from engine-owned goroutines.
type MediaSession interface {
	CreateOffer(ctx context.Context) (string, error)

	// CreateAnswer applies the remote offer and produces the local answer, so
	// after it returns the remote description is set.
	CreateAnswer(ctx context.Context, offer string) (string, error)

	// SetRemoteDescription applies the remote answer on the offering side.
	SetRemoteDescription(answer string) error

	// AddRemoteCandidate fails with domain.ErrInvalidState when no remote
	// description has been applied yet; the session layer buffers to make that
	// structurally unreachable.
	AddRemoteCandidate(c domain.Candidate) error

	OnLocalCandidate(fn func(data string))
	OnRemoteTrack(fn func(RemoteTrack))

	// OnConnectionFailed fires once when the established path is lost and the
	// engine cannot recover it.
	OnConnectionFailed(fn func())

	Close() error
}

// MediaEngine creates media sessions. NewSession acquires local capture; a
// failure maps to domain.ErrPermissionDenied or domain.ErrDeviceUnavailable
// and leaves no half-initialized session behind.
type MediaEngine interface {
	NewSession(ctx context.Context, cfg MediaConfig) (MediaSession, error)
}
