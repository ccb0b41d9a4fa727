package session

import (
	"errors"
	"testing"
	"time"

	"vaultkeep.org/internal/clock"
	"vaultkeep.org/internal/fault"
)

func newTestController(t *testing.T) (*Controller, *clock.Manual) {
	t.Helper()
	c := clock.NewManual(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	return NewController(c), c
}

func TestAutoLockAfterInactivity(t *testing.T) {
	ctrl, clk := newTestController(t)
	sess, err := ctrl.Create("owner-1", 15*time.Minute)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	clk.Advance(14 * time.Minute)
	if locked, _ := ctrl.IsLocked(sess.ID); locked {
		t.Fatalf("session should still be unlocked at 14min")
	}

	clk.Advance(2 * time.Minute)
	locked, err := ctrl.IsLocked(sess.ID)
	if err != nil {
		t.Fatalf("IsLocked: %v", err)
	}
	if !locked {
		t.Fatalf("session should be locked after 16min of inactivity")
	}

	// Activity cannot revive a locked session.
	if _, err := ctrl.RecordActivity(sess.ID); !errors.Is(err, fault.ErrNoSuchSession) {
		t.Fatalf("expected NoSuchSession-class rejection, got %v", err)
	}
}

func TestActivityRefreshesTimer(t *testing.T) {
	ctrl, clk := newTestController(t)
	sess, _ := ctrl.Create("owner-1", 15*time.Minute)

	clk.Advance(10 * time.Minute)
	if _, err := ctrl.RecordActivity(sess.ID); err != nil {
		t.Fatalf("RecordActivity: %v", err)
	}
	clk.Advance(10 * time.Minute)
	if locked, _ := ctrl.IsLocked(sess.ID); locked {
		t.Fatalf("activity at 10min should keep session unlocked at 20min")
	}
	clk.Advance(6 * time.Minute)
	if locked, _ := ctrl.IsLocked(sess.ID); !locked {
		t.Fatalf("session should lock 15min after last activity")
	}
}

func TestIsLockedDeterministic(t *testing.T) {
	ctrl, clk := newTestController(t)
	sess, _ := ctrl.Create("owner-1", time.Minute)
	clk.Advance(2 * time.Minute)

	first, err := ctrl.IsLocked(sess.ID)
	if err != nil {
		t.Fatalf("IsLocked: %v", err)
	}
	second, err := ctrl.IsLocked(sess.ID)
	if err != nil {
		t.Fatalf("IsLocked: %v", err)
	}
	if first != second || !first {
		t.Fatalf("two evaluations at the same now must agree: %v vs %v", first, second)
	}

	// Sweep must not change the answer either.
	ctrl.Sweep(clk.Now())
	third, _ := ctrl.IsLocked(sess.ID)
	if third != first {
		t.Fatalf("sweep changed the derived answer: %v vs %v", first, third)
	}
}

func TestLockNowIdempotent(t *testing.T) {
	ctrl, clk := newTestController(t)
	sess, _ := ctrl.Create("owner-1", 15*time.Minute)

	locked, err := ctrl.LockNow(sess.ID, LockBrowserExit)
	if err != nil {
		t.Fatalf("LockNow: %v", err)
	}
	if locked.State != Locked || locked.LockReason != LockBrowserExit {
		t.Fatalf("unexpected lock state: %+v", locked)
	}

	clk.Advance(time.Minute)
	again, err := ctrl.LockNow(sess.ID, LockManual)
	if err != nil {
		t.Fatalf("second LockNow: %v", err)
	}
	if again.LockReason != LockBrowserExit || !again.LockedAt.Equal(locked.LockedAt) {
		t.Fatalf("second lock must not overwrite the first: %+v", again)
	}
}

func TestConfigureTimeoutBounds(t *testing.T) {
	ctrl, _ := newTestController(t)
	sess, _ := ctrl.Create("owner-1", 15*time.Minute)

	if _, err := ctrl.ConfigureTimeout(sess.ID, 30*time.Second); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("sub-minute timeout should fail validation, got %v", err)
	}
	if _, err := ctrl.ConfigureTimeout(sess.ID, 2*time.Hour); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("over an hour should fail validation, got %v", err)
	}
	updated, err := ctrl.ConfigureTimeout(sess.ID, 30*time.Minute)
	if err != nil {
		t.Fatalf("ConfigureTimeout: %v", err)
	}
	if updated.LockTimeout != 30*time.Minute {
		t.Fatalf("unexpected timeout: %v", updated.LockTimeout)
	}
}

func TestConfigureTimeoutCannotReviveDerivedLock(t *testing.T) {
	ctrl, clk := newTestController(t)
	sess, _ := ctrl.Create("owner-1", 15*time.Minute)

	clk.Advance(16 * time.Minute)
	if locked, _ := ctrl.IsLocked(sess.ID); !locked {
		t.Fatalf("session should be derived-locked at 16min")
	}

	// Moving the deadline out must not flip the predicate back.
	if _, err := ctrl.ConfigureTimeout(sess.ID, 30*time.Minute); !errors.Is(err, fault.ErrIllegalState) {
		t.Fatalf("expected IllegalState-class rejection, got %v", err)
	}
	if locked, _ := ctrl.IsLocked(sess.ID); !locked {
		t.Fatalf("session was revived by ConfigureTimeout")
	}
	got, _ := ctrl.Get(sess.ID)
	if got.State != Locked || got.LockReason != LockInactivity {
		t.Fatalf("rejection should finalize the lock: %+v", got)
	}
}

func TestCreateValidation(t *testing.T) {
	ctrl, _ := newTestController(t)
	if _, err := ctrl.Create("", 15*time.Minute); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("empty owner should fail validation, got %v", err)
	}
	if _, err := ctrl.Create("owner-1", 90*time.Minute); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("out-of-range timeout should fail validation, got %v", err)
	}
}

func TestSweepFinalizesLocks(t *testing.T) {
	ctrl, clk := newTestController(t)
	a, _ := ctrl.Create("owner-1", time.Minute)
	b, _ := ctrl.Create("owner-2", 30*time.Minute)

	clk.Advance(5 * time.Minute)
	if n := ctrl.Sweep(clk.Now()); n != 1 {
		t.Fatalf("expected one session swept, got %d", n)
	}
	got, _ := ctrl.Get(a.ID)
	if got.State != Locked || got.LockReason != LockInactivity {
		t.Fatalf("swept session not finalized: %+v", got)
	}
	still, _ := ctrl.Get(b.ID)
	if still.State != Unlocked {
		t.Fatalf("active session should survive the sweep: %+v", still)
	}
}
