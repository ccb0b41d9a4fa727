// Package bolt persists contacts, emergency requests, and the audit trail in
// a single bbolt file. Suited to single-node deployments without a database
// server; rows are JSON, scans stand in for indexes.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"vaultkeep.org/internal/audit"
	"vaultkeep.org/internal/contacts"
	"vaultkeep.org/internal/emergency"
	"vaultkeep.org/internal/fault"
)

// Bucket names
var (
	contactsBucket = []byte("contacts")
	requestsBucket = []byte("requests")
	auditBucket    = []byte("audit")
)

// Store wraps one bbolt database.
type Store struct {
	db *bolt.DB
}

var (
	_ contacts.Store  = (*contactStore)(nil)
	_ emergency.Store = (*requestStore)(nil)
	_ audit.Store     = (*auditStore)(nil)
)

// Open opens or creates the database at path and ensures the buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open bolt database: %v", fault.ErrUnavailable, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{contactsBucket, requestsBucket, auditBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create buckets: %v", fault.ErrUnavailable, err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Contacts returns the contact port.
func (s *Store) Contacts() contacts.Store { return (*contactStore)(s) }

// Requests returns the emergency request port.
func (s *Store) Requests() emergency.Store { return (*requestStore)(s) }

// Audit returns the audit trail port.
func (s *Store) Audit() audit.Store { return (*auditStore)(s) }

func infra(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", fault.ErrUnavailable, op, err)
}

// Contact store --------------------------------------------------------------

type contactStore Store

func (s *contactStore) Save(ctx context.Context, c *contacts.Contact) error {
	data, err := json.Marshal(c)
	if err != nil {
		return infra("marshal contact", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(contactsBucket).Put([]byte(c.ID), data)
	})
	if err != nil {
		return infra("save contact", err)
	}
	return nil
}

func (s *contactStore) Find(ctx context.Context, id string) (*contacts.Contact, error) {
	var c *contacts.Contact
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(contactsBucket).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", fault.ErrNoSuchContact, id)
		}
		c = &contacts.Contact{}
		return json.Unmarshal(data, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *contactStore) FindActiveByEmail(ctx context.Context, ownerID, email string) (*contacts.Contact, error) {
	var found *contacts.Contact
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(contactsBucket).ForEach(func(k, v []byte) error {
			var c contacts.Contact
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.OwnerID == ownerID && c.Email == email && c.Status == contacts.Active {
				found = &c
			}
			return nil
		})
	})
	if err != nil {
		return nil, infra("scan contacts", err)
	}
	if found == nil {
		return nil, fmt.Errorf("%w: no active contact %s for %s", fault.ErrNoSuchContact, email, ownerID)
	}
	return found, nil
}

func (s *contactStore) CountActive(ctx context.Context, ownerID string) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(contactsBucket).ForEach(func(k, v []byte) error {
			var c contacts.Contact
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.OwnerID == ownerID && c.Status == contacts.Active {
				n++
			}
			return nil
		})
	})
	if err != nil {
		return 0, infra("count contacts", err)
	}
	return n, nil
}

func (s *contactStore) ListByOwner(ctx context.Context, ownerID string) ([]*contacts.Contact, error) {
	var out []*contacts.Contact
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(contactsBucket).ForEach(func(k, v []byte) error {
			var c contacts.Contact
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.OwnerID == ownerID {
				out = append(out, &c)
			}
			return nil
		})
	})
	if err != nil {
		return nil, infra("list contacts", err)
	}
	return out, nil
}

// Request store --------------------------------------------------------------

type requestStore Store

func (s *requestStore) Save(ctx context.Context, r *emergency.Request) error {
	data, err := json.Marshal(r)
	if err != nil {
		return infra("marshal request", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(requestsBucket).Put([]byte(r.ID), data)
	})
	if err != nil {
		return infra("save request", err)
	}
	return nil
}

func (s *requestStore) Find(ctx context.Context, id string) (*emergency.Request, error) {
	var r *emergency.Request
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(requestsBucket).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", emergency.ErrNoSuchRequest, id)
		}
		r = &emergency.Request{}
		return json.Unmarshal(data, r)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *requestStore) FindPending(ctx context.Context, contactID, ownerID string) (*emergency.Request, error) {
	pending, err := s.listPending(func(r *emergency.Request) bool {
		return r.ContactID == contactID && r.OwnerID == ownerID
	})
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, fmt.Errorf("%w: no pending request for pair", emergency.ErrNoSuchRequest)
	}
	return pending[0], nil
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
	var out []*emergency.Request
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(requestsBucket).ForEach(func(k, v []byte) error {
			var r emergency.Request
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if !r.State.Terminal() && match(&r) {
				out = append(out, &r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, infra("scan requests", err)
	}
	return out, nil
}

// Audit store ----------------------------------------------------------------

type auditStore Store

func (s *auditStore) Append(ctx context.Context, entry *audit.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return infra("marshal audit entry", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		// ULIDs sort by creation time, so the trail reads back in order.
		return tx.Bucket(auditBucket).Put([]byte(entry.ID), data)
	})
	if err != nil {
		return infra("append audit entry", err)
	}
	return nil
}
