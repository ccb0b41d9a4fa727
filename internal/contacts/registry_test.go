package contacts_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"vaultkeep.org/internal/audit"
	"vaultkeep.org/internal/clock"
	"vaultkeep.org/internal/contacts"
	"vaultkeep.org/internal/fault"
	"vaultkeep.org/internal/notify"
	"vaultkeep.org/internal/store/memory"
)

func newRegistry(t *testing.T, opts ...contacts.Option) (*contacts.Registry, *notify.Memory, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	st := memory.New()
	port := notify.NewMemory()
	dispatcher := notify.NewDispatcher(port).WithPolicy(3, time.Second, time.Millisecond)
	rec := audit.NewRecorder(st.Audit(), clk.Now)
	opts = append([]contacts.Option{contacts.WithDispatcher(dispatcher)}, opts...)
	return contacts.NewRegistry(st.Contacts(), clk, rec, opts...), port, clk
}

func TestAddContact(t *testing.T) {
	reg, _, clk := newRegistry(t)
	c, err := reg.Add(context.Background(), "owner-1", "Ada@Example.com ")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if c.Email != "ada@example.com" {
		t.Fatalf("email = %q, want normalized lowercase", c.Email)
	}
	if c.Status != contacts.Active {
		t.Fatalf("status = %s, want active", c.Status)
	}
	if !c.AddedAt.Equal(clk.Now()) {
		t.Fatalf("AddedAt = %v, want %v", c.AddedAt, clk.Now())
	}
}

func TestAddMalformedEmail(t *testing.T) {
	reg, _, _ := newRegistry(t)
	for _, email := range []string{"", "nobody", "a@b", "@example.com", "spaced name@example.com"} {
		if _, err := reg.Add(context.Background(), "owner-1", email); !errors.Is(err, fault.ErrValidation) {
			t.Fatalf("Add(%q) err = %v, want ErrValidation", email, err)
		}
	}
}

func TestAddDuplicateEmail(t *testing.T) {
	reg, _, _ := newRegistry(t)
	if _, err := reg.Add(context.Background(), "owner-1", "ada@example.com"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := reg.Add(context.Background(), "owner-1", "ADA@example.com"); !errors.Is(err, fault.ErrDuplicateContact) {
		t.Fatalf("duplicate err = %v, want ErrDuplicateContact", err)
	}
	// The same address under another owner is a distinct contact.
	if _, err := reg.Add(context.Background(), "owner-2", "ada@example.com"); err != nil {
		t.Fatalf("Add for other owner: %v", err)
	}
}

func TestAddRespectsCap(t *testing.T) {
	reg, _, _ := newRegistry(t, contacts.WithMaxPerOwner(3))
	for i := 0; i < 3; i++ {
		if _, err := reg.Add(context.Background(), "owner-1", fmt.Sprintf("c%d@example.com", i)); err != nil {
			t.Fatalf("Add #%d: %v", i, err)
		}
	}
	if _, err := reg.Add(context.Background(), "owner-1", "overflow@example.com"); !errors.Is(err, fault.ErrLimitExceeded) {
		t.Fatalf("err = %v, want ErrLimitExceeded", err)
	}

	// Removing one frees a slot.
	list, err := reg.ListByOwner(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("ListByOwner: %v", err)
	}
	if _, err := reg.Remove(context.Background(), list[0].ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := reg.Add(context.Background(), "owner-1", "overflow@example.com"); err != nil {
		t.Fatalf("Add after removal: %v", err)
	}
}

func TestRemoveIsTerminal(t *testing.T) {
	reg, _, clk := newRegistry(t)
	c, err := reg.Add(context.Background(), "owner-1", "ada@example.com")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	clk.Advance(time.Hour)
	removed, err := reg.Remove(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if removed.Status != contacts.Removed {
		t.Fatalf("status = %s, want removed", removed.Status)
	}
	if !removed.RemovedAt.Equal(clk.Now()) {
		t.Fatalf("RemovedAt = %v, want %v", removed.RemovedAt, clk.Now())
	}

	if _, err := reg.Remove(context.Background(), c.ID); !errors.Is(err, fault.ErrNoSuchContact) {
		t.Fatalf("second remove err = %v, want ErrNoSuchContact", err)
	}
	if _, err := reg.Remove(context.Background(), "nobody"); !errors.Is(err, fault.ErrNoSuchContact) {
		t.Fatalf("unknown remove err = %v, want ErrNoSuchContact", err)
	}

	// Re-adding the same address mints a new identity.
	again, err := reg.Add(context.Background(), "owner-1", "ada@example.com")
	if err != nil {
		t.Fatalf("re-Add: %v", err)
	}
	if again.ID == c.ID {
		t.Fatal("re-added contact reused the removed identity")
	}
}

func TestRemovalHookFires(t *testing.T) {
	reg, _, _ := newRegistry(t)
	c, err := reg.Add(context.Background(), "owner-1", "ada@example.com")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	var hooked contacts.Contact
	reg.SetRemovalHook(func(ctx context.Context, removed contacts.Contact) {
		hooked = removed
	})
	if _, err := reg.Remove(context.Background(), c.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if hooked.ID != c.ID || hooked.Status != contacts.Removed {
		t.Fatalf("hook saw %+v, want removed contact %s", hooked, c.ID)
	}
}

func TestFindActive(t *testing.T) {
	reg, _, _ := newRegistry(t)
	c, err := reg.Add(context.Background(), "owner-1", "ada@example.com")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := reg.FindActive(context.Background(), c.ID, "owner-1"); err != nil {
		t.Fatalf("FindActive: %v", err)
	}
	if _, err := reg.FindActive(context.Background(), c.ID, "owner-2"); !errors.Is(err, fault.ErrNoSuchContact) {
		t.Fatalf("wrong owner err = %v, want ErrNoSuchContact", err)
	}
	if _, err := reg.Remove(context.Background(), c.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := reg.FindActive(context.Background(), c.ID, "owner-1"); !errors.Is(err, fault.ErrNoSuchContact) {
		t.Fatalf("removed err = %v, want ErrNoSuchContact", err)
	}
}

func TestSendTestNotification(t *testing.T) {
	reg, port, _ := newRegistry(t)
	c, err := reg.Add(context.Background(), "owner-1", "ada@example.com")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	status, err := reg.SendTestNotification(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("SendTestNotification: %v", err)
	}
	if status != notify.StatusAcked {
		t.Fatalf("status = %s, want acked", status)
	}
	var found bool
	for _, d := range port.Delivered() {
		if d.TargetID == c.ID && d.Kind == notify.KindContactTest {
			found = true
		}
	}
	if !found {
		t.Fatal("contact never received the test notification")
	}

	port.FailNext(3)
	status, err = reg.SendTestNotification(context.Background(), c.ID)
	if !errors.Is(err, fault.ErrDeliveryFailed) {
		t.Fatalf("err = %v, want ErrDeliveryFailed", err)
	}
	if status != notify.StatusFailed {
		t.Fatalf("status = %s, want failed", status)
	}

	if _, err := reg.Remove(context.Background(), c.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := reg.SendTestNotification(context.Background(), c.ID); !errors.Is(err, fault.ErrNoSuchContact) {
		t.Fatalf("removed contact err = %v, want ErrNoSuchContact", err)
	}
}
