// Package emergency runs the trusted-contact escalation protocol:
// Requested -> OwnerNotified -> WaitingPeriod -> Granted, with owner denial
// and contact-removal/account-closure expiry cutting it short. Every timing
// transition is derived from stored timestamps; the sweep only finalizes
// what the derivation already decided.
package emergency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"vaultkeep.org/internal/audit"
	"vaultkeep.org/internal/clock"
	"vaultkeep.org/internal/contacts"
	"vaultkeep.org/internal/fault"
	"vaultkeep.org/internal/ids"
	"vaultkeep.org/internal/keyed"
	"vaultkeep.org/internal/notify"
	"vaultkeep.org/internal/obs"
	"vaultkeep.org/internal/token"
)

// Waiting-period policy bounds; the product exposes 1-30 days, default 3.
const (
	MinWaitingPeriod     = 24 * time.Hour
	MaxWaitingPeriod     = 30 * 24 * time.Hour
	DefaultWaitingPeriod = 72 * time.Hour

	defaultGrantTTL = 24 * time.Hour
)

// ContactSource resolves active contacts. The registry implements it.
type ContactSource interface {
	FindActive(ctx context.Context, contactID, ownerID string) (contacts.Contact, error)
}

// Coordinator orchestrates emergency access requests. Per-request mutation
// is serialized under a keyed section; notification delivery always happens
// outside it.
type Coordinator struct {
	store         Store
	contacts      ContactSource
	dispatcher    *notify.Dispatcher
	tokens        *token.Minter
	encryptor     Encryptor
	clock         clock.Clock
	audit         *audit.Recorder
	locks         *keyed.Mutex
	waitingPeriod time.Duration
	grantTTL      time.Duration
}

// Option configures Coordinator behavior.
type Option func(*Coordinator) error

// WithWaitingPeriod overrides the default waiting period within policy
// bounds.
func WithWaitingPeriod(d time.Duration) Option {
	return func(c *Coordinator) error {
		if d < MinWaitingPeriod || d > MaxWaitingPeriod {
			return fmt.Errorf("%w: waiting period %s outside [%s, %s]", fault.ErrValidation, d, MinWaitingPeriod, MaxWaitingPeriod)
		}
		c.waitingPeriod = d
		return nil
	}
}

// WithEncryptor supplies the capability that seals grant scopes.
func WithEncryptor(e Encryptor) Option {
	return func(c *Coordinator) error {
		c.encryptor = e
		return nil
	}
}

// WithGrantTTL overrides the lifetime of issued grant tokens.
func WithGrantTTL(d time.Duration) Option {
	return func(c *Coordinator) error {
		if d <= 0 {
			return fmt.Errorf("%w: grant ttl must be positive", fault.ErrValidation)
		}
		c.grantTTL = d
		return nil
	}
}

// NewCoordinator wires the protocol core.
func NewCoordinator(store Store, src ContactSource, dispatcher *notify.Dispatcher, tokens *token.Minter, clk clock.Clock, rec *audit.Recorder, opts ...Option) (*Coordinator, error) {
	if clk == nil {
		clk = clock.System()
	}
	c := &Coordinator{
		store:         store,
		contacts:      src,
		dispatcher:    dispatcher,
		tokens:        tokens,
		clock:         clk,
		audit:         rec,
		locks:         keyed.NewMutex(),
		waitingPeriod: DefaultWaitingPeriod,
		grantTTL:      defaultGrantTTL,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func pairKey(contactID, ownerID string) string {
	return contactID + "\x00" + ownerID
}

// RequestAccess opens an escalation for an active contact of the owner. The
// owner is notified with retries; a delivery failure is recorded on the
// request but neither aborts it nor stalls the waiting clock.
func (c *Coordinator) RequestAccess(ctx context.Context, contactID, ownerID string) (Request, error) {
	contact, err := c.contacts.FindActive(ctx, contactID, ownerID)
	if err != nil {
		return Request{}, err
	}

	key := pairKey(contactID, ownerID)
	c.locks.Lock(key)
	existing, err := c.store.FindPending(ctx, contactID, ownerID)
	switch {
	case err == nil && existing != nil:
		now := c.clock.Now()
		if derived := existing.DerivedState(now); derived.Terminal() {
			// The stored record lagged behind its own deadline; finalize it
			// so the pair is free again. Lock order is always pair before
			// request, so resolving under the pair section is safe.
			if _, _, err := c.resolve(ctx, existing.ID); err != nil {
				c.locks.Unlock(key)
				return Request{}, err
			}
		} else {
			c.locks.Unlock(key)
			return Request{}, fmt.Errorf("%w: request %s", fault.ErrRequestAlreadyPending, existing.ID)
		}
	case err != nil && !errors.Is(err, ErrNoSuchRequest):
		c.locks.Unlock(key)
		return Request{}, err
	}

	now := c.clock.Now()
	req := &Request{
		ID:            ids.New(),
		ContactID:     contactID,
		OwnerID:       ownerID,
		State:         Requested,
		RequestedAt:   now,
		WaitingPeriod: c.waitingPeriod,
		Delivery:      notify.StatusPending,
	}
	if err := c.store.Save(ctx, req); err != nil {
		c.locks.Unlock(key)
		return Request{}, err
	}
	c.locks.Unlock(key)

	obs.EmergencyTransition("requested")
	c.audit.Record(ctx, "emergency.requested", "emergency_request", req.ID, ownerID, map[string]string{
		"contact_id":     contactID,
		"waiting_period": req.WaitingPeriod.String(),
	})

	// Owner notification runs outside every critical section.
	status := c.dispatcher.Deliver(ctx, ownerID, notify.KindEmergencyRequested, map[string]string{
		"request_id":    req.ID,
		"contact_email": contact.Email,
		"deadline":      now.Add(req.WaitingPeriod).Format(time.RFC3339),
	})

	c.locks.Lock(req.ID)
	defer c.locks.Unlock(req.ID)
	stored, err := c.store.Find(ctx, req.ID)
	if err != nil {
		return Request{}, err
	}
	// A deny may already have landed. The delivery outcome is recorded
	// either way; the terminal state and its timestamps stay untouched.
	stored.Delivery = status
	if !stored.State.Terminal() {
		stored.State = OwnerNotified
		stored.NotifiedAt = c.clock.Now()
		obs.EmergencyTransition("owner_notified")
	}
	if err := c.store.Save(ctx, stored); err != nil {
		return Request{}, err
	}
	return *stored, nil
}

// OwnerDeny rejects a live request. Legal from Requested, OwnerNotified, and
// WaitingPeriod; losing the race against the derived grant yields
// IllegalState.
func (c *Coordinator) OwnerDeny(ctx context.Context, requestID, ownerID string) (Request, error) {
	c.locks.Lock(requestID)
	defer c.locks.Unlock(requestID)

	req, err := c.store.Find(ctx, requestID)
	if err != nil {
		return Request{}, err
	}
	if req.OwnerID != ownerID {
		return Request{}, fmt.Errorf("%w: request %s does not belong to %s", fault.ErrNotAuthorized, requestID, ownerID)
	}
	now := c.clock.Now()
	if derived := req.DerivedState(now); derived.Terminal() {
		if derived == Granted && !req.State.Terminal() {
			// Finalize the grant the owner raced against.
			if _, err := c.finalizeGrant(ctx, req, now); err != nil {
				return Request{}, err
			}
		}
		return *req, fmt.Errorf("%w: request already %s", fault.ErrIllegalState, req.State)
	}

	req.State = Denied
	req.ResolvedAt = now
	if err := c.store.Save(ctx, req); err != nil {
		return Request{}, err
	}
	obs.EmergencyTransition("denied")
	c.audit.Record(ctx, "emergency.denied", "emergency_request", req.ID, req.OwnerID, map[string]string{"contact_id": req.ContactID})

	go c.dispatcher.Deliver(context.WithoutCancel(ctx), req.ContactID, notify.KindEmergencyDenied, map[string]string{"request_id": req.ID})
	return *req, nil
}

// OwnerApproveEarly grants immediately, skipping the remaining wait.
func (c *Coordinator) OwnerApproveEarly(ctx context.Context, requestID, ownerID string) (Request, *Grant, error) {
	c.locks.Lock(requestID)
	defer c.locks.Unlock(requestID)

	req, err := c.store.Find(ctx, requestID)
	if err != nil {
		return Request{}, nil, err
	}
	if req.OwnerID != ownerID {
		return Request{}, nil, fmt.Errorf("%w: request %s does not belong to %s", fault.ErrNotAuthorized, requestID, ownerID)
	}
	now := c.clock.Now()
	if derived := req.DerivedState(now); derived.Terminal() {
		if derived == Granted && !req.State.Terminal() {
			grant, err := c.finalizeGrant(ctx, req, now)
			if err != nil {
				return Request{}, nil, err
			}
			return *req, grant, nil
		}
		return *req, nil, fmt.Errorf("%w: request already %s", fault.ErrIllegalState, req.State)
	}

	grant, err := c.finalizeGrant(ctx, req, now)
	if err != nil {
		return Request{}, nil, err
	}
	return *req, grant, nil
}

// Status reports the request with its derived state. Read-only: repeated
// polling never mutates anything.
func (c *Coordinator) Status(ctx context.Context, requestID string) (Request, error) {
	req, err := c.store.Find(ctx, requestID)
	if err != nil {
		return Request{}, err
	}
	snapshot := *req
	snapshot.State = req.DerivedState(c.clock.Now())
	return snapshot, nil
}

// Resolve finalizes the derived transition for one request, if any.
func (c *Coordinator) Resolve(ctx context.Context, requestID string) (Request, *Grant, error) {
	return c.resolve(ctx, requestID)
}

func (c *Coordinator) resolve(ctx context.Context, requestID string) (Request, *Grant, error) {
	c.locks.Lock(requestID)
	defer c.locks.Unlock(requestID)

	req, err := c.store.Find(ctx, requestID)
	if err != nil {
		return Request{}, nil, err
	}
	now := c.clock.Now()
	if req.State.Terminal() {
		return *req, nil, nil
	}
	if req.DerivedState(now) != Granted {
		return *req, nil, nil
	}
	grant, err := c.finalizeGrant(ctx, req, now)
	if err != nil {
		return Request{}, nil, err
	}
	return *req, grant, nil
}

// DenyForContact terminates every live request held by a removed contact.
// Installed as the registry's removal hook.
func (c *Coordinator) DenyForContact(ctx context.Context, contactID string) error {
	pending, err := c.store.ListPendingByContact(ctx, contactID)
	if err != nil {
		return err
	}
	for _, p := range pending {
		c.locks.Lock(p.ID)
		req, err := c.store.Find(ctx, p.ID)
		if err != nil {
			c.locks.Unlock(p.ID)
			return err
		}
		if !req.State.Terminal() {
			req.State = Denied
			req.ResolvedAt = c.clock.Now()
			if err := c.store.Save(ctx, req); err != nil {
				c.locks.Unlock(p.ID)
				return err
			}
			obs.EmergencyTransition("denied")
			c.audit.Record(ctx, "emergency.denied_contact_removed", "emergency_request", req.ID, req.OwnerID, map[string]string{"contact_id": contactID})
		}
		c.locks.Unlock(p.ID)
	}
	return nil
}

// ExpireForOwner terminates every live request against a closed account.
func (c *Coordinator) ExpireForOwner(ctx context.Context, ownerID string) error {
	pending, err := c.store.ListPendingByOwner(ctx, ownerID)
	if err != nil {
		return err
	}
	for _, p := range pending {
		c.locks.Lock(p.ID)
		req, err := c.store.Find(ctx, p.ID)
		if err != nil {
			c.locks.Unlock(p.ID)
			return err
		}
		if !req.State.Terminal() {
			req.State = Expired
			req.ResolvedAt = c.clock.Now()
			if err := c.store.Save(ctx, req); err != nil {
				c.locks.Unlock(p.ID)
				return err
			}
			obs.EmergencyTransition("expired")
			c.audit.Record(ctx, "emergency.expired_owner_closed", "emergency_request", req.ID, ownerID, map[string]string{"contact_id": req.ContactID})
		}
		c.locks.Unlock(p.ID)
	}
	return nil
}

// Sweep finalizes every request whose waiting period has elapsed. Best
// effort: correctness never depends on it, since DerivedState answers
// identically on every read.
func (c *Coordinator) Sweep(ctx context.Context, now time.Time) int {
	pending, err := c.store.ListPending(ctx)
	if err != nil {
		obs.LogEvent("emergency", "sweep_list_failed", map[string]any{"error": err.Error()})
		return 0
	}
	granted := 0
	for _, p := range pending {
		if p.DerivedState(now) != Granted {
			continue
		}
		if _, grant, err := c.resolve(ctx, p.ID); err != nil {
			obs.LogEvent("emergency", "sweep_resolve_failed", map[string]any{"request_id": p.ID, "error": err.Error()})
		} else if grant != nil {
			granted++
		}
	}
	return granted
}

// finalizeGrant records Granted and issues the scoped grant. Callers hold
// the request's section; req must be non-terminal. The contact notification
// goes out asynchronously, after the section is released.
func (c *Coordinator) finalizeGrant(ctx context.Context, req *Request, now time.Time) (*Grant, error) {
	signed, err := c.tokens.Mint(req.ContactID, token.ScopeEmergency, c.grantTTL)
	if err != nil {
		return nil, fmt.Errorf("mint grant token: %w", err)
	}
	grant := &Grant{
		RequestID: req.ID,
		ContactID: req.ContactID,
		OwnerID:   req.OwnerID,
		IssuedAt:  now,
		Token:     signed,
	}
	if c.encryptor != nil {
		scope := []byte("owner=" + req.OwnerID + ";request=" + req.ID + ";issued=" + strconv.FormatInt(now.Unix(), 10))
		sealed, err := c.encryptor.Seal(scope)
		if err != nil {
			return nil, fmt.Errorf("seal grant scope: %w", err)
		}
		grant.SealedScope = sealed
	}

	req.State = Granted
	req.ResolvedAt = now
	if err := c.store.Save(ctx, req); err != nil {
		return nil, err
	}
	obs.EmergencyTransition("granted")
	c.audit.Record(ctx, "emergency.granted", "emergency_request", req.ID, req.OwnerID, map[string]string{"contact_id": req.ContactID})

	go c.dispatcher.Deliver(context.WithoutCancel(ctx), req.ContactID, notify.KindEmergencyGranted, map[string]string{
		"request_id": req.ID,
		"token":      grant.Token,
	})
	return grant, nil
}
