package auth

import (
	"testing"
	"time"
)

func TestSignAndParseToken(t *testing.T) {
	v := NewVerifier("test-secret", "queenbee")

	token, err := v.SignToken(42, "ops", "admin", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("SignToken() failed: %v", err)
	}

	claims, err := v.ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken() failed: %v", err)
	}

	if claims.UID != 42 {
		t.Errorf("Expected uid 42, got %d", claims.UID)
	}
	if claims.Username != "ops" {
		t.Errorf("Expected username ops, got %s", claims.Username)
	}
	if claims.Role != "admin" {
		t.Errorf("Expected role admin, got %s", claims.Role)
	}
}

func TestParseToken_Expired(t *testing.T) {
	v := NewVerifier("test-secret", "queenbee")

	token, err := v.SignToken(1, "ops", "admin", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("SignToken() failed: %v", err)
	}

	if _, err := v.ParseToken(token); err == nil {
		t.Error("Expected error for expired token")
	}
}

func TestParseToken_WrongSecret(t *testing.T) {
	v1 := NewVerifier("secret-a", "queenbee")
	v2 := NewVerifier("secret-b", "queenbee")

	token, err := v1.SignToken(1, "ops", "admin", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("SignToken() failed: %v", err)
	}

	if _, err := v2.ParseToken(token); err == nil {
		t.Error("Expected error for token signed with different secret")
	}
}

func TestParseToken_Garbage(t *testing.T) {
	v := NewVerifier("test-secret", "queenbee")
	if _, err := v.ParseToken("not-a-token"); err == nil {
		t.Error("Expected error for malformed token")
	}
}
