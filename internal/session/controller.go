package session

import (
	"fmt"
	"sync"
	"time"

	"vaultkeep.org/internal/clock"
	"vaultkeep.org/internal/fault"
	"vaultkeep.org/internal/obs"
)

// Timeout policy bounds. The UI exposes 1-60 minutes; anything outside is a
// validation error.
const (
	MinLockTimeout     = time.Minute
	MaxLockTimeout     = 60 * time.Minute
	DefaultLockTimeout = 15 * time.Minute
)

// Controller owns every live vault session. Sessions are process-local: a
// restart drops them all, which fails safe into re-authentication.
type Controller struct {
	mu       sync.Mutex
	sessions map[string]*Session
	clock    clock.Clock
}

// NewController builds an empty controller on the given clock.
func NewController(c clock.Clock) *Controller {
	if c == nil {
		c = clock.System()
	}
	return &Controller{
		sessions: make(map[string]*Session),
		clock:    c,
	}
}

// Create starts tracking a freshly unlocked session. This is the hook the
// auth state machine calls on a successful authentication; nothing else may
// mint sessions. A zero timeout selects the default.
func (c *Controller) Create(ownerID string, lockTimeout time.Duration) (Session, error) {
	if err := validateOwner(ownerID); err != nil {
		return Session{}, fmt.Errorf("%w: %v", fault.ErrValidation, err)
	}
	if lockTimeout == 0 {
		lockTimeout = DefaultLockTimeout
	}
	if lockTimeout < MinLockTimeout || lockTimeout > MaxLockTimeout {
		return Session{}, fmt.Errorf("%w: lock timeout %s outside [%s, %s]", fault.ErrValidation, lockTimeout, MinLockTimeout, MaxLockTimeout)
	}

	now := c.clock.Now()
	sess := &Session{
		ID:             newSessionID(),
		OwnerID:        ownerID,
		UnlockedAt:     now,
		LastActivityAt: now,
		LockTimeout:    lockTimeout,
		State:          Unlocked,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[sess.ID] = sess
	return *sess, nil
}

// RecordActivity refreshes the inactivity clock. A session that is absent or
// already locked (stored or derived) rejects the refresh: activity cannot
// revive a locked vault.
func (c *Controller) RecordActivity(sessionID string) (Session, error) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[sessionID]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", fault.ErrNoSuchSession, sessionID)
	}
	if sess.LockedBy(now) {
		c.finalizeLock(sess, now, LockInactivity)
		return Session{}, fmt.Errorf("%w: session %s is locked", fault.ErrNoSuchSession, sessionID)
	}
	sess.LastActivityAt = now
	return *sess, nil
}

// IsLocked evaluates the lock predicate at the controller's current time
// without writing anything, so polling is always safe.
func (c *Controller) IsLocked(sessionID string) (bool, error) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[sessionID]
	if !ok {
		return false, fmt.Errorf("%w: %s", fault.ErrNoSuchSession, sessionID)
	}
	return sess.LockedBy(now), nil
}

// LockNow locks immediately for the given reason. Idempotent: locking a
// locked session keeps the original reason and timestamp.
func (c *Controller) LockNow(sessionID string, reason LockReason) (Session, error) {
	if reason == LockNone {
		reason = LockManual
	}
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[sessionID]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", fault.ErrNoSuchSession, sessionID)
	}
	if sess.State != Locked {
		c.finalizeLock(sess, now, reason)
	}
	return *sess, nil
}

// ConfigureTimeout changes the inactivity timeout within policy bounds. The
// new timeout applies from the session's existing lastActivityAt, so
// shortening it can make the session derived-locked at once.
func (c *Controller) ConfigureTimeout(sessionID string, d time.Duration) (Session, error) {
	if d < MinLockTimeout || d > MaxLockTimeout {
		return Session{}, fmt.Errorf("%w: lock timeout %s outside [%s, %s]", fault.ErrValidation, d, MinLockTimeout, MaxLockTimeout)
	}
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[sessionID]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", fault.ErrNoSuchSession, sessionID)
	}
	if sess.LockedBy(now) {
		// A derived-locked session must not come back just because the
		// deadline moved; extending the timeout is not re-authentication.
		c.finalizeLock(sess, now, LockInactivity)
		return Session{}, fmt.Errorf("%w: session %s is locked", fault.ErrIllegalState, sessionID)
	}
	sess.LockTimeout = d
	return *sess, nil
}

// Get returns a snapshot of the session.
func (c *Controller) Get(sessionID string) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[sessionID]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", fault.ErrNoSuchSession, sessionID)
	}
	return *sess, nil
}

// Sweep finalizes every derived-locked session and reports how many it
// locked. Purely an optimization; LockedBy answers identically without it.
func (c *Controller) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	locked := 0
	for _, sess := range c.sessions {
		if sess.State != Locked && sess.LockedBy(now) {
			c.finalizeLock(sess, now, LockInactivity)
			locked++
		}
	}
	return locked
}

// finalizeLock stores the lock outcome. Callers hold c.mu. The first lock
// wins: an already-locked session keeps its reason and timestamp.
func (c *Controller) finalizeLock(sess *Session, now time.Time, reason LockReason) {
	if sess.State == Locked {
		return
	}
	sess.State = Locked
	sess.LockReason = reason
	sess.LockedAt = now
	obs.SessionLocked(string(reason))
	obs.LogEvent("session", "locked", map[string]any{
		"session_id": sess.ID,
		"owner_id":   sess.OwnerID,
		"reason":     string(reason),
	})
}
