package bolt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"vaultkeep.org/internal/contacts"
	"vaultkeep.org/internal/emergency"
	"vaultkeep.org/internal/fault"
	"vaultkeep.org/internal/notify"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "vaultkeep.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestContactRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	added := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	c := &contacts.Contact{ID: "c1", OwnerID: "o1", Email: "ada@example.com", AddedAt: added, Status: contacts.Active}
	if err := s.Contacts().Save(ctx, c); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Contacts().Find(ctx, "c1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got.Email != "ada@example.com" || !got.AddedAt.Equal(added) {
		t.Fatalf("unexpected contact: %+v", got)
	}
	if _, err := s.Contacts().Find(ctx, "nope"); !errors.Is(err, fault.ErrNoSuchContact) {
		t.Fatalf("err = %v, want ErrNoSuchContact", err)
	}

	if n, err := s.Contacts().CountActive(ctx, "o1"); err != nil || n != 1 {
		t.Fatalf("CountActive = (%d, %v), want (1, nil)", n, err)
	}
	if _, err := s.Contacts().FindActiveByEmail(ctx, "o1", "ada@example.com"); err != nil {
		t.Fatalf("FindActiveByEmail: %v", err)
	}

	// Removal drops the contact out of the active queries but not ListByOwner.
	got.Status = contacts.Removed
	got.RemovedAt = added.Add(time.Hour)
	if err := s.Contacts().Save(ctx, got); err != nil {
		t.Fatalf("Save removed: %v", err)
	}
	if n, _ := s.Contacts().CountActive(ctx, "o1"); n != 0 {
		t.Fatalf("CountActive after removal = %d, want 0", n)
	}
	if _, err := s.Contacts().FindActiveByEmail(ctx, "o1", "ada@example.com"); !errors.Is(err, fault.ErrNoSuchContact) {
		t.Fatalf("err = %v, want ErrNoSuchContact", err)
	}
	list, err := s.Contacts().ListByOwner(ctx, "o1")
	if err != nil || len(list) != 1 {
		t.Fatalf("ListByOwner = (%v, %v), want one contact", list, err)
	}
}

func TestRequestRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	requested := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	r := &emergency.Request{
		ID: "r1", ContactID: "c1", OwnerID: "o1", State: emergency.OwnerNotified,
		RequestedAt: requested, NotifiedAt: requested.Add(time.Second),
		WaitingPeriod: 72 * time.Hour, Delivery: notify.StatusAcked,
	}
	if err := s.Requests().Save(ctx, r); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Requests().Find(ctx, "r1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got.State != emergency.OwnerNotified || got.WaitingPeriod != 72*time.Hour {
		t.Fatalf("unexpected request: %+v", got)
	}
	if !got.Deadline().Equal(r.NotifiedAt.Add(72 * time.Hour)) {
		t.Fatalf("deadline = %v, want notified+72h", got.Deadline())
	}
	if _, err := s.Requests().Find(ctx, "nope"); !errors.Is(err, emergency.ErrNoSuchRequest) {
		t.Fatalf("err = %v, want ErrNoSuchRequest", err)
	}

	if _, err := s.Requests().FindPending(ctx, "c1", "o1"); err != nil {
		t.Fatalf("FindPending: %v", err)
	}

	got.State = emergency.Denied
	got.ResolvedAt = requested.Add(time.Hour)
	if err := s.Requests().Save(ctx, got); err != nil {
		t.Fatalf("Save terminal: %v", err)
	}
	if _, err := s.Requests().FindPending(ctx, "c1", "o1"); !errors.Is(err, emergency.ErrNoSuchRequest) {
		t.Fatalf("terminal pair err = %v, want ErrNoSuchRequest", err)
	}
	all, err := s.Requests().ListPending(ctx)
	if err != nil || len(all) != 0 {
		t.Fatalf("ListPending = (%v, %v), want empty", all, err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vaultkeep.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Contacts().Save(ctx, &contacts.Contact{ID: "c1", OwnerID: "o1", Email: "ada@example.com", Status: contacts.Active}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.Contacts().Find(ctx, "c1"); err != nil {
		t.Fatalf("Find after reopen: %v", err)
	}
}
