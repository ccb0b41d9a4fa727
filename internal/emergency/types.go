package emergency

import (
	"context"
	"errors"
	"time"

	"vaultkeep.org/internal/notify"
)

// State of an emergency access request.
type State int

const (
	Requested State = iota
	OwnerNotified
	WaitingPeriod
	Denied
	Granted
	Expired
)

func (s State) String() string {
	switch s {
	case Requested:
		return "requested"
	case OwnerNotified:
		return "owner_notified"
	case WaitingPeriod:
		return "waiting_period"
	case Denied:
		return "denied"
	case Granted:
		return "granted"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state admits no further transition.
func (s State) Terminal() bool {
	return s == Denied || s == Granted || s == Expired
}

// ErrNoSuchRequest marks an unknown request identifier.
var ErrNoSuchRequest = errors.New("emergency: no such request")

// Request is one escalation in flight. At most one non-terminal request may
// exist per (contact, owner) pair.
type Request struct {
	ID            string
	ContactID     string
	OwnerID       string
	State         State
	RequestedAt   time.Time
	NotifiedAt    time.Time
	WaitingPeriod time.Duration
	ResolvedAt    time.Time
	Delivery      notify.Status
}

// Deadline is the instant the waiting period elapses. The clock runs from
// the notification dispatch when one happened, else from the request itself.
func (r Request) Deadline() time.Time {
	base := r.RequestedAt
	if !r.NotifiedAt.IsZero() {
		base = r.NotifiedAt
	}
	return base.Add(r.WaitingPeriod)
}

// DerivedState evaluates the request at now from stored timestamps alone, so
// a restart can neither lose nor duplicate a grant. Stored terminal states
// always win; an elapsed deadline means Granted whether or not any sweep ran.
func (r Request) DerivedState(now time.Time) State {
	if r.State.Terminal() {
		return r.State
	}
	if !now.Before(r.Deadline()) {
		return Granted
	}
	if r.State == OwnerNotified && !now.Before(r.NotifiedAt) {
		return WaitingPeriod
	}
	return r.State
}

// Grant is the scoped access produced when a request resolves to Granted.
// It is separate from the owner's own vault session: granting never unlocks
// the owner's vault.
type Grant struct {
	RequestID   string
	ContactID   string
	OwnerID     string
	IssuedAt    time.Time
	Token       string
	SealedScope []byte
}

// Store is the persistence port for requests. Implementations return
// ErrNoSuchRequest for unknown identifiers and wrap infrastructure failures
// in fault.ErrUnavailable. "Pending" means stored-state non-terminal.
type Store interface {
	Save(ctx context.Context, r *Request) error
	Find(ctx context.Context, id string) (*Request, error)
	FindPending(ctx context.Context, contactID, ownerID string) (*Request, error)
	ListPending(ctx context.Context) ([]*Request, error)
	ListPendingByContact(ctx context.Context, contactID string) ([]*Request, error)
	ListPendingByOwner(ctx context.Context, ownerID string) ([]*Request, error)
}

// Encryptor seals the grant scope for delivery to the contact. Supplied by
// the caller; the core never chooses cryptographic primitives.
type Encryptor interface {
	Seal(plaintext []byte) ([]byte, error)
}
