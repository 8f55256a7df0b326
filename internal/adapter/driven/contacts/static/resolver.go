// Package static is a fixed-directory contact resolver: the permitted
// counterpart graph is loaded once at construction. The production directory
// lives behind the same port in the dashboard backend.
package static

import (
	"context"
	"sync"

	"github.com/parleyhq/parley/internal/core/domain"
	"github.com/parleyhq/parley/internal/core/port"
)

// Entry seeds the resolver with one user and who they may call.
type Entry struct {
	Contact      port.Contact
	Counterparts []domain.UserID
}

type Resolver struct {
	mu     sync.RWMutex
	byID   map[domain.UserID]Entry
	byInfo map[string]domain.UserID
}

var _ port.ContactResolver = (*Resolver)(nil)

func NewResolver(entries []Entry) *Resolver {
	r := &Resolver{
		byID:   make(map[domain.UserID]Entry, len(entries)),
		byInfo: make(map[string]domain.UserID, len(entries)),
	}
	for _, e := range entries {
		r.byID[e.Contact.ID] = e
		if e.Contact.ContactInfo != "" {
			r.byInfo[e.Contact.ContactInfo] = e.Contact.ID
		}
	}
	return r
}

func (r *Resolver) ListCounterparts(ctx context.Context, userID domain.UserID, role string) ([]port.Contact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byID[userID]
	if !ok {
		return nil, domain.ErrTargetNotFound
	}
	out := make([]port.Contact, 0, len(entry.Counterparts))
	for _, id := range entry.Counterparts {
		if other, ok := r.byID[id]; ok {
			out = append(out, other.Contact)
		}
	}
	return out, nil
}

func (r *Resolver) ResolveByContactInfo(ctx context.Context, info string) (domain.UserID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byInfo[info]
	if !ok {
		return domain.UserID{}, domain.ErrTargetNotFound
	}
	return id, nil
}
