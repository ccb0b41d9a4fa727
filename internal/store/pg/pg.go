// Package pg persists contacts, emergency requests, and the audit trail in
// PostgreSQL through database/sql with the pgx driver.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"vaultkeep.org/internal/audit"
	"vaultkeep.org/internal/contacts"
	"vaultkeep.org/internal/emergency"
	"vaultkeep.org/internal/fault"
	"vaultkeep.org/internal/notify"
)

// Schema is the DDL the adapter expects. Applied by EnsureSchema on startup;
// every statement is idempotent.
const Schema = `
create table if not exists trusted_contacts (
	id         text primary key,
	owner_id   text not null,
	email      text not null,
	added_at   timestamptz not null,
	status     smallint not null,
	removed_at timestamptz
);
create index if not exists trusted_contacts_owner_idx on trusted_contacts(owner_id);

create table if not exists emergency_requests (
	id             text primary key,
	contact_id     text not null,
	owner_id       text not null,
	state          smallint not null,
	requested_at   timestamptz not null,
	notified_at    timestamptz,
	waiting_period bigint not null,
	resolved_at    timestamptz,
	delivery       text not null
);
create index if not exists emergency_requests_contact_idx on emergency_requests(contact_id);
create index if not exists emergency_requests_owner_idx on emergency_requests(owner_id);

create table if not exists audit_trail (
	id            text primary key,
	occurred_at   timestamptz not null,
	actor_id      text not null default '',
	owner_id      text not null default '',
	action        text not null,
	resource_type text not null,
	resource_id   text not null,
	metadata      jsonb
);
`

// Stored-state values below this mark are non-terminal; keep in sync with the
// emergency.State ordering.
const firstTerminalState = int16(emergency.Denied)

// Store holds the shared connection pool.
type Store struct {
	db *sql.DB
}

var (
	_ contacts.Store  = (*contactStore)(nil)
	_ emergency.Store = (*requestStore)(nil)
	_ audit.Store     = (*auditStore)(nil)
)

// Open dials the database identified by dsn.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open postgres: %v", fault.ErrUnavailable, err)
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing pool; used by tests.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// EnsureSchema creates the tables if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("%w: ensure schema: %v", fault.ErrUnavailable, err)
	}
	return nil
}

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
	_, err := s.db.ExecContext(ctx, `
		insert into trusted_contacts(id, owner_id, email, added_at, status, removed_at)
		values ($1,$2,$3,$4,$5,$6)
		on conflict (id) do update
		set status = excluded.status, removed_at = excluded.removed_at
	`, c.ID, c.OwnerID, c.Email, c.AddedAt, int16(c.Status), nullTime(c.RemovedAt))
	if err != nil {
		return infra("save contact", err)
	}
	return nil
}

const contactColumns = `id, owner_id, email, added_at, status, removed_at`

func scanContact(row interface{ Scan(...any) error }) (*contacts.Contact, error) {
	var c contacts.Contact
	var status int16
	var removed sql.NullTime
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Email, &c.AddedAt, &status, &removed); err != nil {
		return nil, err
	}
	c.Status = contacts.Status(status)
	if removed.Valid {
		c.RemovedAt = removed.Time
	}
	return &c, nil
}

func (s *contactStore) Find(ctx context.Context, id string) (*contacts.Contact, error) {
	c, err := scanContact(s.db.QueryRowContext(ctx, `select `+contactColumns+` from trusted_contacts where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", fault.ErrNoSuchContact, id)
	}
	if err != nil {
		return nil, infra("find contact", err)
	}
	return c, nil
}

func (s *contactStore) FindActiveByEmail(ctx context.Context, ownerID, email string) (*contacts.Contact, error) {
	c, err := scanContact(s.db.QueryRowContext(ctx, `
		select `+contactColumns+` from trusted_contacts
		where owner_id=$1 and email=$2 and status=$3
	`, ownerID, email, int16(contacts.Active)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no active contact %s for %s", fault.ErrNoSuchContact, email, ownerID)
	}
	if err != nil {
		return nil, infra("find contact by email", err)
	}
	return c, nil
}

func (s *contactStore) CountActive(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from trusted_contacts where owner_id=$1 and status=$2
	`, ownerID, int16(contacts.Active)).Scan(&n)
	if err != nil {
		return 0, infra("count contacts", err)
	}
	return n, nil
}

func (s *contactStore) ListByOwner(ctx context.Context, ownerID string) ([]*contacts.Contact, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+contactColumns+` from trusted_contacts where owner_id=$1 order by added_at
	`, ownerID)
	if err != nil {
		return nil, infra("list contacts", err)
	}
	defer rows.Close()

	var out []*contacts.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, infra("scan contact", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, infra("list contacts", err)
	}
	return out, nil
}

// Request store --------------------------------------------------------------

type requestStore Store

func (s *requestStore) Save(ctx context.Context, r *emergency.Request) error {
	_, err := s.db.ExecContext(ctx, `
		insert into emergency_requests(id, contact_id, owner_id, state, requested_at, notified_at, waiting_period, resolved_at, delivery)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		on conflict (id) do update
		set state = excluded.state,
		    notified_at = excluded.notified_at,
		    resolved_at = excluded.resolved_at,
		    delivery = excluded.delivery
	`, r.ID, r.ContactID, r.OwnerID, int16(r.State), r.RequestedAt, nullTime(r.NotifiedAt),
		int64(r.WaitingPeriod), nullTime(r.ResolvedAt), string(r.Delivery))
	if err != nil {
		return infra("save request", err)
	}
	return nil
}

const requestColumns = `id, contact_id, owner_id, state, requested_at, notified_at, waiting_period, resolved_at, delivery`

func scanRequest(row interface{ Scan(...any) error }) (*emergency.Request, error) {
	var r emergency.Request
	var state int16
	var notified, resolved sql.NullTime
	var period int64
	var delivery string
	if err := row.Scan(&r.ID, &r.ContactID, &r.OwnerID, &state, &r.RequestedAt, &notified, &period, &resolved, &delivery); err != nil {
		return nil, err
	}
	r.State = emergency.State(state)
	r.WaitingPeriod = time.Duration(period)
	r.Delivery = notify.Status(delivery)
	if notified.Valid {
		r.NotifiedAt = notified.Time
	}
	if resolved.Valid {
		r.ResolvedAt = resolved.Time
	}
	return &r, nil
}

func (s *requestStore) Find(ctx context.Context, id string) (*emergency.Request, error) {
	r, err := scanRequest(s.db.QueryRowContext(ctx, `select `+requestColumns+` from emergency_requests where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", emergency.ErrNoSuchRequest, id)
	}
	if err != nil {
		return nil, infra("find request", err)
	}
	return r, nil
}

func (s *requestStore) FindPending(ctx context.Context, contactID, ownerID string) (*emergency.Request, error) {
	r, err := scanRequest(s.db.QueryRowContext(ctx, `
		select `+requestColumns+` from emergency_requests
		where contact_id=$1 and owner_id=$2 and state < $3
	`, contactID, ownerID, firstTerminalState))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no pending request for pair", emergency.ErrNoSuchRequest)
	}
	if err != nil {
		return nil, infra("find pending request", err)
	}
	return r, nil
}

func (s *requestStore) ListPending(ctx context.Context) ([]*emergency.Request, error) {
	return s.listPending(ctx, `state < $1`, firstTerminalState)
}

func (s *requestStore) ListPendingByContact(ctx context.Context, contactID string) ([]*emergency.Request, error) {
	return s.listPending(ctx, `state < $1 and contact_id = $2`, firstTerminalState, contactID)
}

func (s *requestStore) ListPendingByOwner(ctx context.Context, ownerID string) ([]*emergency.Request, error) {
	return s.listPending(ctx, `state < $1 and owner_id = $2`, firstTerminalState, ownerID)
}

func (s *requestStore) listPending(ctx context.Context, where string, args ...any) ([]*emergency.Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+requestColumns+` from emergency_requests where `+where+` order by requested_at
	`, args...)
	if err != nil {
		return nil, infra("list pending requests", err)
	}
	defer rows.Close()

	var out []*emergency.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, infra("scan request", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, infra("list pending requests", err)
	}
	return out, nil
}

// Audit store ----------------------------------------------------------------

type auditStore Store

func (s *auditStore) Append(ctx context.Context, entry *audit.Entry) error {
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return infra("marshal audit metadata", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_trail(id, occurred_at, actor_id, owner_id, action, resource_type, resource_id, metadata)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.OccurredAt, entry.ActorID, entry.OwnerID, entry.Action, entry.ResourceType, entry.ResourceID, meta)
	if err != nil {
		return infra("append audit entry", err)
	}
	return nil
}

// --- helpers ---

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
