package token

import (
	"testing"
	"time"

	"vaultkeep.org/internal/clock"
)

func TestMintAndValidate(t *testing.T) {
	c := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m, err := NewMinter([]byte("test-secret"), c.Now)
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}

	tok, err := m.Mint("owner-1", ScopeVault, 30*time.Minute)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	claims, err := m.ParseAndValidate(tok)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "owner-1" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.Scope != ScopeVault {
		t.Fatalf("unexpected scope: %s", claims.Scope)
	}
	if claims.ID == "" {
		t.Fatalf("expected a jti claim")
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	c := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m, err := NewMinter([]byte("test-secret"), c.Now)
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}
	tok, err := m.Mint("contact-1", ScopeEmergency, time.Minute)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	c.Advance(2 * time.Minute)
	if _, err := m.ParseAndValidate(tok); err == nil {
		t.Fatalf("expected expired token to fail validation")
	}
}

func TestMintRejectsBadInput(t *testing.T) {
	m, err := NewMinter([]byte("s"), nil)
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}
	if _, err := m.Mint("", ScopeVault, time.Minute); err == nil {
		t.Fatalf("expected empty subject to fail")
	}
	if _, err := m.Mint("x", "mystery", time.Minute); err == nil {
		t.Fatalf("expected unknown scope to fail")
	}
	if _, err := m.Mint("x", ScopeVault, 0); err == nil {
		t.Fatalf("expected zero ttl to fail")
	}
	if _, err := NewMinter(nil, nil); err == nil {
		t.Fatalf("expected empty secret to fail")
	}
}

func TestWrongSecretRejected(t *testing.T) {
	a, _ := NewMinter([]byte("secret-a"), nil)
	b, _ := NewMinter([]byte("secret-b"), nil)
	tok, err := a.Mint("owner-1", ScopeVault, time.Minute)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := b.ParseAndValidate(tok); err == nil {
		t.Fatalf("expected signature mismatch to fail")
	}
}
