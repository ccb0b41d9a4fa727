// Package contacts manages the trusted contacts an owner delegates
// emergency access to. Removal is terminal; re-adding the same address mints
// a new contact identity.
package contacts

import (
	"context"
	"time"
)

// Status of a trusted contact.
type Status int

const (
	Active Status = iota
	Removed
)

func (s Status) String() string {
	if s == Removed {
		return "removed"
	}
	return "active"
}

// Contact is one delegated identity in an owner's registry.
type Contact struct {
	ID        string
	OwnerID   string
	Email     string
	AddedAt   time.Time
	Status    Status
	RemovedAt time.Time
}

// Store is the persistence port for contacts. Implementations return
// fault.ErrNoSuchContact for unknown identifiers and wrap infrastructure
// failures in fault.ErrUnavailable.
type Store interface {
	Save(ctx context.Context, c *Contact) error
	Find(ctx context.Context, id string) (*Contact, error)
	FindActiveByEmail(ctx context.Context, ownerID, email string) (*Contact, error)
	CountActive(ctx context.Context, ownerID string) (int, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*Contact, error)
}
