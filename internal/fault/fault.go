// Package fault defines the error taxonomy shared by every vaultkeep core
// component. All public operations return these as wrapped sentinels; callers
// branch with errors.Is.
package fault

import "errors"

var (
	// ErrValidation marks malformed caller input. Safe to retry after
	// correction; never consumes a rate-limit or lockout counter.
	ErrValidation = errors.New("vaultkeep: validation failed")

	// ErrInvalidCredentials marks a rejected password or verification code.
	ErrInvalidCredentials = errors.New("vaultkeep: invalid credentials")

	// ErrIllegalState marks an operation that is not legal from the entity's
	// current state, including losing a race against a terminal transition.
	ErrIllegalState = errors.New("vaultkeep: illegal state")

	// ErrNotAuthorized marks a caller acting on an entity it does not own.
	ErrNotAuthorized = errors.New("vaultkeep: not authorized")

	// ErrRateLimited marks too many attempts for an identifier inside the
	// rolling window. Temporary; retry after the window drains.
	ErrRateLimited = errors.New("vaultkeep: rate limited")

	// ErrLockedOut marks an attempt that burned its verification budget.
	ErrLockedOut = errors.New("vaultkeep: locked out")

	ErrNoSuchSession         = errors.New("vaultkeep: no such session")
	ErrNoSuchContact         = errors.New("vaultkeep: no such contact")
	ErrDuplicateContact      = errors.New("vaultkeep: duplicate contact")
	ErrRequestAlreadyPending = errors.New("vaultkeep: request already pending")
	ErrLimitExceeded         = errors.New("vaultkeep: limit exceeded")

	// ErrDeliveryFailed marks a notification that could not be delivered.
	// Recorded on the owning entity; never aborts its state machine.
	ErrDeliveryFailed = errors.New("vaultkeep: delivery failed")

	// ErrUnavailable marks entity storage being unreachable. The only fatal
	// condition in the taxonomy; must never be conflated with a business
	// rejection.
	ErrUnavailable = errors.New("vaultkeep: storage unavailable")
)
