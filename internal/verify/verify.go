// Package verify defines the credential verification port the auth state
// machine consumes, plus a local implementation backed by stored bcrypt
// hashes. Lockout counting is deliberately not done here; that belongs to the
// attempt state machine.
package verify

import (
	"context"
	"crypto/subtle"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Verifier validates a password or one-time verification code for an
// identifier. Implementations must be side-effect free: pass/fail only, no
// counters, no stored secrets beyond what verification itself requires.
type Verifier interface {
	VerifyPassword(ctx context.Context, identifier, password string) (bool, error)
	VerifyCode(ctx context.Context, identifier, code string) (bool, error)
}

// Local verifies against an in-process table of bcrypt hashes and expected
// codes. Suitable for tests and single-node deployments.
type Local struct {
	mu     sync.RWMutex
	hashes map[string]string
	codes  map[string]string
}

// NewLocal returns an empty Local verifier.
func NewLocal() *Local {
	return &Local{
		hashes: make(map[string]string),
		codes:  make(map[string]string),
	}
}

// SetPassword stores the bcrypt hash of password for identifier.
func (l *Local) SetPassword(identifier, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hashes[normalize(identifier)] = string(hash)
	return nil
}

// SetCode stores the expected verification code for identifier.
func (l *Local) SetCode(identifier, code string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.codes[normalize(identifier)] = code
}

func (l *Local) VerifyPassword(ctx context.Context, identifier, password string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.RLock()
	hash, ok := l.hashes[normalize(identifier)]
	l.mu.RUnlock()
	if !ok {
		// Burn comparable time for unknown identifiers so lookups do not
		// leak account existence.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5B0x5Kc6p8G1sYvC9mUzWmB3sXv0K"), []byte(password))
		return false, nil
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil, nil
}

func (l *Local) VerifyCode(ctx context.Context, identifier, code string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.RLock()
	expected, ok := l.codes[normalize(identifier)]
	l.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if len(expected) != len(code) {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1, nil
}

func normalize(identifier string) string {
	return strings.TrimSpace(strings.ToLower(identifier))
}
