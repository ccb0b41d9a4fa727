package authn

import (
	"time"

	"vaultkeep.org/internal/session"
)

// Stage of a login attempt. Transitions are monotonic: an attempt never
// returns to an earlier stage.
type Stage int

const (
	AwaitingPassword Stage = iota
	AwaitingSecondFactor
	Authenticated
	Failed
)

func (s Stage) String() string {
	switch s {
	case AwaitingPassword:
		return "awaiting_password"
	case AwaitingSecondFactor:
		return "awaiting_second_factor"
	case Authenticated:
		return "authenticated"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s Stage) Terminal() bool {
	return s == Authenticated || s == Failed
}

// FailReason explains a Failed attempt.
type FailReason string

const (
	FailNone               FailReason = ""
	FailInvalidCredentials FailReason = "invalid_credentials"
	FailLockedOut          FailReason = "locked_out"
	FailCancelled          FailReason = "cancelled"
	FailExpired            FailReason = "expired"
)

// Attempt is one multi-step login in flight.
type Attempt struct {
	ID                   string
	Identifier           string
	Stage                Stage
	FailReason           FailReason
	CreatedAt            time.Time
	UpdatedAt            time.Time
	RememberDevice       bool
	SecondFactorFailures int
}

// ExpiredBy reports whether the attempt has sat without progress past the
// TTL at now. Derived from UpdatedAt alone, same discipline as session locks.
func (a Attempt) ExpiredBy(now time.Time, ttl time.Duration) bool {
	if a.Stage.Terminal() {
		return false
	}
	return !now.Before(a.UpdatedAt.Add(ttl))
}

// Result is the snapshot a mutating operation hands back. Session and Token
// are set only when the attempt reached Authenticated.
type Result struct {
	Attempt Attempt
	Session *session.Session
	Token   string
}

// Policy holds the tunables of the login state machine.
type Policy struct {
	CodeLength      int
	MaxCodeFailures int
	AttemptTTL      time.Duration
	MaxAttempts     int
	AttemptWindow   time.Duration
	VerifyTimeout   time.Duration
	SessionTokenTTL time.Duration
	RememberTTL     time.Duration
	LockTimeout     time.Duration
}

// DefaultPolicy mirrors the product defaults: 6-digit codes, 5 code
// failures, 5 minute attempt TTL, 10 attempts per 15 minutes.
func DefaultPolicy() Policy {
	return Policy{
		CodeLength:      6,
		MaxCodeFailures: 5,
		AttemptTTL:      5 * time.Minute,
		MaxAttempts:     10,
		AttemptWindow:   15 * time.Minute,
		VerifyTimeout:   5 * time.Second,
		SessionTokenTTL: 30 * time.Minute,
		RememberTTL:     30 * 24 * time.Hour,
		LockTimeout:     session.DefaultLockTimeout,
	}
}

// StepUpPolicy decides per account whether a second factor is required after
// a correct password.
type StepUpPolicy interface {
	RequiresSecondFactor(identifier string) bool
}

// StepUpFunc adapts a function to StepUpPolicy.
type StepUpFunc func(identifier string) bool

func (f StepUpFunc) RequiresSecondFactor(identifier string) bool { return f(identifier) }

// AlwaysStepUp requires a second factor for every account. The default,
// matching the product's always-on verification prompt.
var AlwaysStepUp = StepUpFunc(func(string) bool { return true })
