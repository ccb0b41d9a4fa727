// Package token mints and validates the signed tokens the core hands back to
// its callers: vault session tokens on a successful login and scoped grant
// tokens when an emergency access request resolves to Granted.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "vaultkeep"

// Scopes embedded in minted tokens.
const (
	ScopeVault     = "vault"
	ScopeEmergency = "emergency"
)

// ErrInvalidToken indicates the token failed validation.
var ErrInvalidToken = errors.New("token: invalid token")

// Claims carries the vaultkeep scope on top of the registered JWT claims.
type Claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// Minter signs and validates HS256 tokens with an injected secret.
type Minter struct {
	secret []byte
	now    func() time.Time
}

// NewMinter builds a Minter. The secret must be non-empty.
func NewMinter(secret []byte, now func() time.Time) (*Minter, error) {
	if len(secret) == 0 {
		return nil, errors.New("token: secret is required")
	}
	if now == nil {
		now = time.Now
	}
	return &Minter{secret: secret, now: now}, nil
}

// Mint signs a token for subject with the given scope and lifetime.
func (m *Minter) Mint(subject, scope string, ttl time.Duration) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("token: subject is required")
	}
	if scope != ScopeVault && scope != ScopeEmergency {
		return "", fmt.Errorf("token: unknown scope %q", scope)
	}
	if ttl <= 0 {
		return "", errors.New("token: ttl must be greater than zero")
	}

	now := m.now().UTC()
	claims := Claims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseAndValidate verifies the signature and required claims.
func (m *Minter) ParseAndValidate(tok string) (*Claims, error) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(tok, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return m.now().UTC() }))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := m.validateClaims(claims); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (m *Minter) validateClaims(claims *Claims) error {
	if claims.Issuer != issuer {
		return fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if claims.Scope != ScopeVault && claims.Scope != ScopeEmergency {
		return errors.New("unknown scope")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	now := m.now().UTC()
	// Allow a small clock skew of 5 seconds when validating issued-at.
	if claims.IssuedAt.Time.After(now.Add(5 * time.Second)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}
