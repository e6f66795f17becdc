// Package session stores rotating refresh-token families. Each redemption
// consumes one token and issues exactly one successor in the same family;
// presenting an already-consumed token destroys the whole family.
package session

import (
	"context"
	"errors"
	"time"
)

// FamilyToken is the stored state of one refresh credential.
type FamilyToken struct {
	FamilyID  string    `json:"family_id"`
	UserID    string    `json:"user_id"`
	Consumed  bool      `json:"consumed"`
	ExpiresAt time.Time `json:"expires_at"`
}

var (
	// ErrNotFound means the presented token is unknown or expired.
	ErrNotFound = errors.New("refresh token not found")
	// ErrReplayed means a consumed token was presented again; the family
	// has been invalidated and the session must re-authenticate.
	ErrReplayed = errors.New("refresh token replayed")
)

// FamilyStore is the storage contract for token families. Implementations:
// RedisStore here, (*store.PostgresStore) as the fallback.
type FamilyStore interface {
	CreateFamily(ctx context.Context, familyID, userID, tokenHash string, expiresAt time.Time) error
	Redeem(ctx context.Context, tokenHash, successorHash string, expiresAt time.Time) (FamilyToken, error)
	RevokeByHash(ctx context.Context, tokenHash string) error
	Ping(ctx context.Context) error
}
