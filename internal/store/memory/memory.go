// Package memory is the default store: mutex-guarded maps handing out deep
// copies. It backs tests and single-node deployments; the pg and bolt
// packages provide the durable alternatives behind the same interfaces.
package memory

import (
	"context"
	"fmt"
	"sync"

	"vaultkeep.org/internal/audit"
	"vaultkeep.org/internal/contacts"
	"vaultkeep.org/internal/emergency"
	"vaultkeep.org/internal/fault"
)

// Store implements the contact, request, and audit persistence ports.
type Store struct {
	mu       sync.RWMutex
	contacts map[string]*contacts.Contact
	requests map[string]*emergency.Request
	trail    []*audit.Entry
}

// New returns an empty store.
func New() *Store {
	return &Store{
		contacts: make(map[string]*contacts.Contact),
		requests: make(map[string]*emergency.Request),
	}
}

// Contacts returns the contact port.
func (s *Store) Contacts() contacts.Store { return (*contactStore)(s) }

// Requests returns the emergency request port.
func (s *Store) Requests() emergency.Store { return (*requestStore)(s) }

// Audit returns the audit trail port.
func (s *Store) Audit() audit.Store { return (*auditStore)(s) }

// Contact store --------------------------------------------------------------

type contactStore Store

func (s *contactStore) Save(ctx context.Context, c *contacts.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.contacts[c.ID] = &cp
	return nil
}

func (s *contactStore) Find(ctx context.Context, id string) (*contacts.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", fault.ErrNoSuchContact, id)
	}
	cp := *c
	return &cp, nil
}

func (s *contactStore) FindActiveByEmail(ctx context.Context, ownerID, email string) (*contacts.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.contacts {
		if c.OwnerID == ownerID && c.Email == email && c.Status == contacts.Active {
			cp := *c
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: no active contact %s for %s", fault.ErrNoSuchContact, email, ownerID)
}

func (s *contactStore) CountActive(ctx context.Context, ownerID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.contacts {
		if c.OwnerID == ownerID && c.Status == contacts.Active {
			n++
		}
	}
	return n, nil
}

func (s *contactStore) ListByOwner(ctx context.Context, ownerID string) ([]*contacts.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contacts.Contact
	for _, c := range s.contacts {
		if c.OwnerID == ownerID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Request store --------------------------------------------------------------

type requestStore Store

func (s *requestStore) Save(ctx context.Context, r *emergency.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.requests[r.ID] = &cp
	return nil
}

func (s *requestStore) Find(ctx context.Context, id string) (*emergency.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", emergency.ErrNoSuchRequest, id)
	}
	cp := *r
	return &cp, nil
}

func (s *requestStore) FindPending(ctx context.Context, contactID, ownerID string) (*emergency.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.requests {
		if r.ContactID == contactID && r.OwnerID == ownerID && !r.State.Terminal() {
			cp := *r
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: no pending request for pair", emergency.ErrNoSuchRequest)
}

func (s *requestStore) ListPending(ctx context.Context) ([]*emergency.Request, error) {
	return s.listPending(func(*emergency.Request) bool { return true })
}

func (s *requestStore) ListPendingByContact(ctx context.Context, contactID string) ([]*emergency.Request, error) {
	return s.listPending(func(r *emergency.Request) bool { return r.ContactID == contactID })
}

func (s *requestStore) ListPendingByOwner(ctx context.Context, ownerID string) ([]*emergency.Request, error) {
	return s.listPending(func(r *emergency.Request) bool { return r.OwnerID == ownerID })
}

func (s *requestStore) listPending(match func(*emergency.Request) bool) ([]*emergency.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*emergency.Request
	for _, r := range s.requests {
		if !r.State.Terminal() && match(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Audit store ----------------------------------------------------------------

type auditStore Store

func (s *auditStore) Append(ctx context.Context, entry *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.trail = append(s.trail, &cp)
	return nil
}

// Trail returns a copy of the recorded audit entries, oldest first.
func (s *Store) Trail() []audit.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]audit.Entry, 0, len(s.trail))
	for _, e := range s.trail {
		out = append(out, *e)
	}
	return out
}
