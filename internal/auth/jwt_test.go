package auth

import (
	"errors"
	"testing"
	"time"
)

func testManager() *JWTManager {
	return NewJWTManager(DefaultJWTConfig("test-secret"))
}

func TestJWTManager_GenerateAndValidate(t *testing.T) {
	manager := testManager()

	token, err := manager.GenerateToken("acme", "Acme Corp")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := manager.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.TenantID != "acme" {
		t.Errorf("TenantID = %q, want acme", claims.TenantID)
	}
	if claims.TenantName != "Acme Corp" {
		t.Errorf("TenantName = %q", claims.TenantName)
	}
	if claims.Issuer != "docqa" {
		t.Errorf("Issuer = %q", claims.Issuer)
	}
}

func TestJWTManager_RejectsExpiredToken(t *testing.T) {
	manager := testManager()

	token, err := manager.GenerateTokenWithExpiry("acme", "Acme", -time.Minute)
	if err != nil {
		t.Fatalf("GenerateTokenWithExpiry: %v", err)
	}

	if _, err := manager.ValidateToken(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("expected ErrExpiredToken, got %v", err)
	}
}

func TestJWTManager_RejectsWrongSecret(t *testing.T) {
	token, err := testManager().GenerateToken("acme", "Acme")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	other := NewJWTManager(DefaultJWTConfig("different-secret"))
	if _, err := other.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestJWTManager_RejectsGarbage(t *testing.T) {
	manager := testManager()

	if _, err := manager.ValidateToken("not.a.token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestJWTManager_RefreshExpiredToken(t *testing.T) {
	manager := testManager()

	expired, err := manager.GenerateTokenWithExpiry("acme", "Acme", -time.Minute)
	if err != nil {
		t.Fatalf("GenerateTokenWithExpiry: %v", err)
	}

	refreshed, err := manager.RefreshToken(expired)
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}

	claims, err := manager.ValidateToken(refreshed)
	if err != nil {
		t.Fatalf("ValidateToken on refreshed token: %v", err)
	}
	if claims.TenantID != "acme" {
		t.Errorf("TenantID = %q, want acme", claims.TenantID)
	}
}

func TestJWTManager_TokenExpiry(t *testing.T) {
	manager := testManager()

	token, err := manager.GenerateTokenWithExpiry("acme", "Acme", time.Hour)
	if err != nil {
		t.Fatalf("GenerateTokenWithExpiry: %v", err)
	}

	expiry, err := manager.TokenExpiry(token)
	if err != nil {
		t.Fatalf("TokenExpiry: %v", err)
	}

	want := time.Now().Add(time.Hour)
	if expiry.Before(want.Add(-time.Minute)) || expiry.After(want.Add(time.Minute)) {
		t.Errorf("expiry = %v, want around %v", expiry, want)
	}
}
