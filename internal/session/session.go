// Package session tracks unlocked vault sessions and enforces auto-lock.
// Lock state is derived from stored timestamps on every read; the background
// sweep only finalizes what the predicate already says. The controller never
// unlocks anything: a fresh session from a successful authentication is the
// only way back in.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State of a vault session.
type State int

const (
	Unlocked State = iota
	Locked
)

func (s State) String() string {
	if s == Locked {
		return "locked"
	}
	return "unlocked"
}

// LockReason records why a session was locked.
type LockReason string

const (
	LockNone         LockReason = ""
	LockManual       LockReason = "manual"
	LockInactivity   LockReason = "inactivity"
	LockBrowserExit  LockReason = "browser_exit"
	LockPolicyChange LockReason = "policy_change"
)

// Session is an unlocked vault for one owner.
type Session struct {
	ID             string
	OwnerID        string
	UnlockedAt     time.Time
	LastActivityAt time.Time
	LockTimeout    time.Duration
	State          State
	LockReason     LockReason
	LockedAt       time.Time
}

// LockedBy reports whether the session counts as locked at now. Pure: the
// answer depends only on the stored fields and now, never on whether a sweep
// has run.
func (s Session) LockedBy(now time.Time) bool {
	if s.State == Locked {
		return true
	}
	return !now.Before(s.LastActivityAt.Add(s.LockTimeout))
}

func newSessionID() string {
	return uuid.NewString()
}

func validateOwner(ownerID string) error {
	if ownerID == "" {
		return fmt.Errorf("owner id is required")
	}
	return nil
}
