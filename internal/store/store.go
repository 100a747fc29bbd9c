// Package store defines durable storage for the two kinds of OAuth records
// the authorization flow produces: short-lived single-use authorization
// states, and encrypted per-connection token records. Implementations must be
// reachable by every server instance, because the authorization begin and the
// provider callback may land on different instances.
package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/postflow-hq/postflow/internal/platform"
)

// ErrStateNotFound is returned by ConsumeState when the token is absent,
// expired, or was already consumed. The three cases are deliberately
// indistinguishable so a caller learns nothing about why a state was refused.
var ErrStateNotFound = errors.New("store: authorization state not found")

// ErrTokenNotFound is returned when no token record exists for a
// (platform, project) pair.
var ErrTokenNotFound = errors.New("store: token record not found")

// StateTTL bounds how long an authorization flow may stay pending between the
// redirect to the provider and the callback.
const StateTTL = 10 * time.Minute

// Token format versions for stored credential material. Legacy records predate
// encryption at rest and hold plaintext; the version tag makes the migration
// path explicit instead of guessing from the value's shape.
const (
	TokenFormatLegacy    = 0
	TokenFormatEncrypted = 1
)

// AuthorizationState is the single-use anti-CSRF record created when an
// authorization flow begins. It is consumed exactly once: by the provider
// callback, or by the expiry sweep.
type AuthorizationState struct {
	Token        string
	UserID       string
	ProjectID    string
	Platform     platform.Platform
	PKCEVerifier string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// TokenRecord holds the encrypted credentials for one connected platform.
// Plaintext tokens are never persisted; both ciphertext fields are TokenCipher
// envelopes whenever FormatVersion is TokenFormatEncrypted.
type TokenRecord struct {
	Platform               platform.Platform
	ProjectID              string
	AccessTokenCiphertext  string
	RefreshTokenCiphertext string
	FormatVersion          int
	ExpiresAt              time.Time
	Scope                  string
	Username               string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// StateStore persists authorization states with a TTL.
type StateStore interface {
	// CreateState generates a unique state token, writes the record, and
	// returns the token to embed in the provider redirect.
	CreateState(ctx context.Context, userID, projectID string, p platform.Platform, pkceVerifier string) (string, error)

	// ConsumeState atomically reads and deletes the record. Under concurrent
	// callers presenting the same token exactly one wins; every other caller
	// (and any caller past the expiry) gets ErrStateNotFound.
	ConsumeState(ctx context.Context, token string) (*AuthorizationState, error)

	// SweepExpiredStates removes records past their expiry that were never
	// consumed, bounding growth from abandoned flows. Returns the number of
	// records removed.
	SweepExpiredStates(ctx context.Context) (int, error)
}

// TokenStore persists encrypted token records keyed by (platform, project).
type TokenStore interface {
	SaveToken(ctx context.Context, rec *TokenRecord) error
	GetToken(ctx context.Context, p platform.Platform, projectID string) (*TokenRecord, error)
	// DeleteToken is idempotent; deleting an absent record is not an error.
	DeleteToken(ctx context.Context, p platform.Platform, projectID string) error
	ListTokens(ctx context.Context, projectID string) ([]*TokenRecord, error)
}

// Store combines both record kinds behind one backend.
type Store interface {
	StateStore
	TokenStore
}

// generateStateToken draws 128 bits from the CSPRNG and hex-encodes them.
func generateStateToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("store: generate state token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// tokenKey is the storage key for a token record.
func tokenKey(p platform.Platform, projectID string) string {
	return fmt.Sprintf("%s:%s", p, projectID)
}
