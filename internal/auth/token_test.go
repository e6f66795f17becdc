package auth

import (
	"errors"
	"testing"
	"time"
)

var secret = []byte("test-secret")

func TestIssueAndParseRoundTrip(t *testing.T) {
	token, err := IssueToken(secret, "user-1", "Avery", "jti-1", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	claims, err := ParseToken(secret, token)
	if err != nil {
		t.Fatalf("ParseToken failed: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Errorf("expected subject user-1, got %q", claims.Subject)
	}
	if claims.Name != "Avery" {
		t.Errorf("expected name Avery, got %q", claims.Name)
	}
	if claims.ID != "jti-1" {
		t.Errorf("expected jti-1, got %q", claims.ID)
	}
}

func TestParseRejectsExpired(t *testing.T) {
	token, err := IssueToken(secret, "user-1", "Avery", "jti-1", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	_, err = ParseToken(secret, token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	token, err := IssueToken(secret, "user-1", "Avery", "jti-1", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	_, err = ParseToken([]byte("other-secret"), token)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := ParseToken(secret, "not.a.token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestHashTokenStable(t *testing.T) {
	if HashToken("abc") != HashToken("abc") {
		t.Error("expected stable hash")
	}
	if HashToken("abc") == HashToken("abd") {
		t.Error("expected distinct hashes")
	}
}
