// Package authn implements the multi-step login state machine:
// AwaitingPassword -> AwaitingSecondFactor -> Authenticated, with Failed
// reachable from either non-terminal stage by rejection, cancellation,
// lockout, or TTL expiry.
package authn

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vaultkeep.org/internal/clock"
	"vaultkeep.org/internal/fault"
	"vaultkeep.org/internal/keyed"
	"vaultkeep.org/internal/obs"
	"vaultkeep.org/internal/ratelimit"
	"vaultkeep.org/internal/session"
	"vaultkeep.org/internal/token"
	"vaultkeep.org/internal/verify"
)

// SessionCreator is the single coupling point to the lock controller: a
// successful authentication mints a vault session through it.
type SessionCreator interface {
	Create(ownerID string, lockTimeout time.Duration) (session.Session, error)
}

// Service runs login attempts. Attempts are process-local; per-attempt
// mutation is serialized by a keyed mutex while verifier calls run with
// their own timeout.
type Service struct {
	mu       sync.Mutex
	attempts map[string]*Attempt

	locks    *keyed.Mutex
	verifier verify.Verifier
	sessions SessionCreator
	tokens   *token.Minter
	limiter  *ratelimit.PerKey
	stepUp   StepUpPolicy
	policy   Policy
	clock    clock.Clock
}

// Option configures Service behavior.
type Option func(*Service)

// WithPolicy overrides the default policy.
func WithPolicy(p Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithStepUp overrides the step-up decision.
func WithStepUp(p StepUpPolicy) Option {
	return func(s *Service) {
		if p != nil {
			s.stepUp = p
		}
	}
}

// NewService wires the login state machine.
func NewService(verifier verify.Verifier, sessions SessionCreator, tokens *token.Minter, clk clock.Clock, opts ...Option) *Service {
	if clk == nil {
		clk = clock.System()
	}
	s := &Service{
		attempts: make(map[string]*Attempt),
		locks:    keyed.NewMutex(),
		verifier: verifier,
		sessions: sessions,
		tokens:   tokens,
		stepUp:   AlwaysStepUp,
		policy:   DefaultPolicy(),
		clock:    clk,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.limiter = ratelimit.NewPerKey(s.policy.MaxAttempts, s.policy.AttemptWindow)
	return s
}

// SubmitPassword starts a login attempt. Empty input fails validation before
// the rate limiter so it never consumes an attempt slot; the limiter runs
// before the verifier so a limited caller learns nothing about validity.
func (s *Service) SubmitPassword(ctx context.Context, identifier, password string, rememberDevice bool) (Result, error) {
	identifier = strings.TrimSpace(strings.ToLower(identifier))
	if identifier == "" || password == "" {
		return Result{}, fmt.Errorf("%w: identifier and password are required", fault.ErrValidation)
	}

	now := s.clock.Now()
	if !s.limiter.Allow(identifier, now) {
		obs.AuthAttempt("rate_limited")
		return Result{}, fmt.Errorf("%w: too many attempts for %s", fault.ErrRateLimited, identifier)
	}

	ok, err := s.verifyPassword(ctx, identifier, password)
	if err != nil {
		return Result{}, fmt.Errorf("verify password: %w", err)
	}

	now = s.clock.Now()
	attempt := &Attempt{
		ID:             uuid.NewString(),
		Identifier:     identifier,
		Stage:          AwaitingPassword,
		CreatedAt:      now,
		UpdatedAt:      now,
		RememberDevice: rememberDevice,
	}

	if !ok {
		attempt.Stage = Failed
		attempt.FailReason = FailInvalidCredentials
		obs.AuthAttempt("invalid_credentials")
		return Result{Attempt: *attempt}, fmt.Errorf("%w: %s", fault.ErrInvalidCredentials, identifier)
	}

	if s.stepUp.RequiresSecondFactor(identifier) {
		attempt.Stage = AwaitingSecondFactor
		s.mu.Lock()
		s.attempts[attempt.ID] = attempt
		s.mu.Unlock()
		obs.AuthAttempt("step_up")
		return Result{Attempt: *attempt}, nil
	}

	return s.finishAuthenticated(attempt)
}

// SubmitSecondFactor verifies the step-up code for an attempt awaiting it.
func (s *Service) SubmitSecondFactor(ctx context.Context, attemptID, code string) (Result, error) {
	s.locks.Lock(attemptID)
	defer s.locks.Unlock(attemptID)

	attempt, ok := s.lookup(attemptID)
	if !ok {
		return Result{}, fmt.Errorf("%w: unknown attempt %s", fault.ErrIllegalState, attemptID)
	}

	now := s.clock.Now()
	if attempt.ExpiredBy(now, s.policy.AttemptTTL) {
		s.fail(attempt, FailExpired, now)
		obs.AuthAttempt("expired")
		return Result{Attempt: *attempt}, fmt.Errorf("%w: attempt expired", fault.ErrIllegalState)
	}
	if attempt.Stage != AwaitingSecondFactor {
		return Result{Attempt: *attempt}, fmt.Errorf("%w: attempt is %s", fault.ErrIllegalState, attempt.Stage)
	}
	if len(code) != s.policy.CodeLength {
		// Length mismatch is the caller's fault; it reaches neither the
		// verifier nor the failure counter.
		return Result{Attempt: *attempt}, fmt.Errorf("%w: code must be %d digits", fault.ErrValidation, s.policy.CodeLength)
	}

	ok, err := s.verifyCode(ctx, attempt.Identifier, code)
	if err != nil {
		return Result{Attempt: *attempt}, fmt.Errorf("verify code: %w", err)
	}

	now = s.clock.Now()
	if !ok {
		attempt.SecondFactorFailures++
		attempt.UpdatedAt = now
		if attempt.SecondFactorFailures >= s.policy.MaxCodeFailures {
			s.fail(attempt, FailLockedOut, now)
			obs.AuthAttempt("locked_out")
			return Result{Attempt: *attempt}, fmt.Errorf("%w: %d consecutive code failures", fault.ErrLockedOut, attempt.SecondFactorFailures)
		}
		obs.AuthAttempt("invalid_credentials")
		return Result{Attempt: *attempt}, fmt.Errorf("%w: wrong verification code", fault.ErrInvalidCredentials)
	}

	return s.finishAuthenticated(attempt)
}

// Cancel moves a non-terminal attempt to Failed/Cancelled. Cancelling an
// already-terminal attempt is a no-op.
func (s *Service) Cancel(attemptID string) (Attempt, error) {
	s.locks.Lock(attemptID)
	defer s.locks.Unlock(attemptID)

	attempt, ok := s.lookup(attemptID)
	if !ok {
		return Attempt{}, fmt.Errorf("%w: unknown attempt %s", fault.ErrIllegalState, attemptID)
	}
	if attempt.Stage.Terminal() {
		return *attempt, nil
	}
	s.fail(attempt, FailCancelled, s.clock.Now())
	obs.AuthAttempt("cancelled")
	return *attempt, nil
}

// Get returns a snapshot of an attempt.
func (s *Service) Get(attemptID string) (Attempt, bool) {
	attempt, ok := s.lookup(attemptID)
	if !ok {
		return Attempt{}, false
	}
	return *attempt, true
}

// Sweep finalizes TTL-expired attempts. Optimization only: ExpiredBy is
// derived on every read regardless.
func (s *Service) Sweep(now time.Time) int {
	s.mu.Lock()
	ids := make([]string, 0, len(s.attempts))
	for id := range s.attempts {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	expired := 0
	for _, id := range ids {
		s.locks.Lock(id)
		if attempt, ok := s.lookup(id); ok && attempt.ExpiredBy(now, s.policy.AttemptTTL) {
			s.fail(attempt, FailExpired, now)
			obs.AuthAttempt("expired")
			expired++
		}
		s.locks.Unlock(id)
	}
	return expired
}

func (s *Service) lookup(attemptID string) (*Attempt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt, ok := s.attempts[attemptID]
	return attempt, ok
}

// fail records a terminal failure. Callers hold the attempt's keyed section
// (or the attempt is not yet shared).
func (s *Service) fail(attempt *Attempt, reason FailReason, now time.Time) {
	if attempt.Stage.Terminal() {
		return
	}
	attempt.Stage = Failed
	attempt.FailReason = reason
	attempt.UpdatedAt = now
}

// finishAuthenticated completes the attempt: mints the vault session through
// the lock controller hook, signs the session token, and discards the
// attempt record.
func (s *Service) finishAuthenticated(attempt *Attempt) (Result, error) {
	sess, err := s.sessions.Create(attempt.Identifier, s.policy.LockTimeout)
	if err != nil {
		return Result{Attempt: *attempt}, fmt.Errorf("create session: %w", err)
	}

	ttl := s.policy.SessionTokenTTL
	if attempt.RememberDevice {
		ttl = s.policy.RememberTTL
	}
	signed, err := s.tokens.Mint(attempt.Identifier, token.ScopeVault, ttl)
	if err != nil {
		return Result{Attempt: *attempt}, fmt.Errorf("mint session token: %w", err)
	}

	attempt.Stage = Authenticated
	attempt.UpdatedAt = s.clock.Now()

	s.mu.Lock()
	delete(s.attempts, attempt.ID)
	s.mu.Unlock()

	obs.AuthAttempt("authenticated")
	obs.LogEvent("authn", "authenticated", map[string]any{
		"attempt_id": attempt.ID,
		"owner_id":   attempt.Identifier,
		"session_id": sess.ID,
	})
	return Result{Attempt: *attempt, Session: &sess, Token: signed}, nil
}

func (s *Service) verifyPassword(ctx context.Context, identifier, password string) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.policy.VerifyTimeout)
	defer cancel()
	return s.verifier.VerifyPassword(callCtx, identifier, password)
}

func (s *Service) verifyCode(ctx context.Context, identifier, code string) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.policy.VerifyTimeout)
	defer cancel()
	return s.verifier.VerifyCode(callCtx, identifier, code)
}
