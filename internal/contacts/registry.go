package contacts

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"vaultkeep.org/internal/audit"
	"vaultkeep.org/internal/clock"
	"vaultkeep.org/internal/fault"
	"vaultkeep.org/internal/ids"
	"vaultkeep.org/internal/keyed"
	"vaultkeep.org/internal/notify"
)

// DefaultMaxPerOwner caps how many active contacts one owner may hold.
const DefaultMaxPerOwner = 10

// RemovalHook is notified after a contact is removed, so live emergency
// requests held by that contact can be denied.
type RemovalHook func(ctx context.Context, c Contact)

// Registry enforces the per-owner contact invariants. Owner-scoped
// invariants (duplicates, cap) are serialized per owner.
type Registry struct {
	store       Store
	clock       clock.Clock
	audit       *audit.Recorder
	dispatcher  *notify.Dispatcher
	locks       *keyed.Mutex
	maxPerOwner int
	onRemoved   RemovalHook
}

// Option configures Registry behavior.
type Option func(*Registry)

// WithMaxPerOwner overrides the active-contact cap.
func WithMaxPerOwner(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxPerOwner = n
		}
	}
}

// WithDispatcher enables test notifications through the given dispatcher.
func WithDispatcher(d *notify.Dispatcher) Option {
	return func(r *Registry) { r.dispatcher = d }
}

// NewRegistry wires the registry.
func NewRegistry(store Store, clk clock.Clock, rec *audit.Recorder, opts ...Option) *Registry {
	if clk == nil {
		clk = clock.System()
	}
	r := &Registry{
		store:       store,
		clock:       clk,
		audit:       rec,
		locks:       keyed.NewMutex(),
		maxPerOwner: DefaultMaxPerOwner,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetRemovalHook registers the removal side effect. The emergency
// coordinator installs itself here; this is the only coupling between the
// two components.
func (r *Registry) SetRemovalHook(hook RemovalHook) {
	r.onRemoved = hook
}

// Add registers a new active contact for the owner.
func (r *Registry) Add(ctx context.Context, ownerID, email string) (Contact, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return Contact{}, fmt.Errorf("%w: owner id is required", fault.ErrValidation)
	}
	email, err := normalizeEmail(email)
	if err != nil {
		return Contact{}, err
	}

	r.locks.Lock(ownerID)
	defer r.locks.Unlock(ownerID)

	if existing, err := r.store.FindActiveByEmail(ctx, ownerID, email); err == nil && existing != nil {
		return Contact{}, fmt.Errorf("%w: %s", fault.ErrDuplicateContact, email)
	} else if err != nil && !errors.Is(err, fault.ErrNoSuchContact) {
		return Contact{}, err
	}

	count, err := r.store.CountActive(ctx, ownerID)
	if err != nil {
		return Contact{}, err
	}
	if count >= r.maxPerOwner {
		return Contact{}, fmt.Errorf("%w: at most %d active contacts per owner", fault.ErrLimitExceeded, r.maxPerOwner)
	}

	c := &Contact{
		ID:      ids.New(),
		OwnerID: ownerID,
		Email:   email,
		AddedAt: r.clock.Now(),
		Status:  Active,
	}
	if err := r.store.Save(ctx, c); err != nil {
		return Contact{}, err
	}
	r.audit.Record(ctx, "contact.added", "trusted_contact", c.ID, ownerID, map[string]string{"email": email})
	return *c, nil
}

// Remove marks the contact Removed. Terminal: removing an already-removed or
// unknown contact fails with NoSuchContact. The removal hook then denies any
// live emergency request the contact holds.
func (r *Registry) Remove(ctx context.Context, contactID string) (Contact, error) {
	existing, err := r.store.Find(ctx, contactID)
	if err != nil {
		return Contact{}, err
	}

	r.locks.Lock(existing.OwnerID)
	c, err := r.store.Find(ctx, contactID)
	if err != nil {
		r.locks.Unlock(existing.OwnerID)
		return Contact{}, err
	}
	if c.Status == Removed {
		r.locks.Unlock(existing.OwnerID)
		return Contact{}, fmt.Errorf("%w: contact %s already removed", fault.ErrNoSuchContact, contactID)
	}
	c.Status = Removed
	c.RemovedAt = r.clock.Now()
	if err := r.store.Save(ctx, c); err != nil {
		r.locks.Unlock(existing.OwnerID)
		return Contact{}, err
	}
	r.locks.Unlock(existing.OwnerID)

	r.audit.Record(ctx, "contact.removed", "trusted_contact", c.ID, c.OwnerID, map[string]string{"email": c.Email})
	// Outside the owner section: the hook takes the request's own section.
	if r.onRemoved != nil {
		r.onRemoved(ctx, *c)
	}
	return *c, nil
}

// Get returns one contact.
func (r *Registry) Get(ctx context.Context, contactID string) (Contact, error) {
	c, err := r.store.Find(ctx, contactID)
	if err != nil {
		return Contact{}, err
	}
	return *c, nil
}

// FindActive returns the contact only if it is Active and belongs to owner.
func (r *Registry) FindActive(ctx context.Context, contactID, ownerID string) (Contact, error) {
	c, err := r.store.Find(ctx, contactID)
	if err != nil {
		return Contact{}, err
	}
	if c.OwnerID != ownerID || c.Status != Active {
		return Contact{}, fmt.Errorf("%w: %s is not an active contact of %s", fault.ErrNoSuchContact, contactID, ownerID)
	}
	return *c, nil
}

// ListByOwner returns every contact of the owner, removed ones included.
func (r *Registry) ListByOwner(ctx context.Context, ownerID string) ([]Contact, error) {
	list, err := r.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]Contact, 0, len(list))
	for _, c := range list {
		out = append(out, *c)
	}
	return out, nil
}

// SendTestNotification pings an active contact so the owner can confirm the
// address can receive emergency requests.
func (r *Registry) SendTestNotification(ctx context.Context, contactID string) (notify.Status, error) {
	if r.dispatcher == nil {
		return notify.StatusFailed, fmt.Errorf("%w: no notification port configured", fault.ErrDeliveryFailed)
	}
	c, err := r.store.Find(ctx, contactID)
	if err != nil {
		return notify.StatusFailed, err
	}
	if c.Status != Active {
		return notify.StatusFailed, fmt.Errorf("%w: contact %s is removed", fault.ErrNoSuchContact, contactID)
	}
	status := r.dispatcher.Deliver(ctx, c.ID, notify.KindContactTest, map[string]string{
		"owner_id": c.OwnerID,
		"email":    c.Email,
	})
	r.audit.Record(ctx, "contact.test_notification", "trusted_contact", c.ID, c.OwnerID, map[string]string{"delivery": string(status)})
	if status != notify.StatusAcked {
		return status, fmt.Errorf("%w: test notification to %s", fault.ErrDeliveryFailed, c.Email)
	}
	return status, nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: malformed email %q", fault.ErrValidation, email)
	}
	at := strings.LastIndex(email, "@")
	if at < 0 || !strings.Contains(email[at:], ".") {
		return "", fmt.Errorf("%w: malformed email %q", fault.ErrValidation, email)
	}
	return email, nil
}
