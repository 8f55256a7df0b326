package port

import (
	"context"

	"github.com/parleyhq/parley/internal/core/domain"
)

// Contact is one permitted call counterpart.
type Contact struct {
	ID          domain.UserID
	DisplayName string
	ContactInfo string
}

// ContactResolver maps a user to the counterparts they may call.
type ContactResolver interface {
	ListCounterparts(ctx context.Context, userID domain.UserID, role string) ([]Contact, error)

	// ResolveByContactInfo returns domain.ErrTargetNotFound on a miss.
	ResolveByContactInfo(ctx context.Context, info string) (domain.UserID, error)
}
