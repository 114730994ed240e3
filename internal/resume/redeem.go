package resume

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrTokenInvalid means the presented token matches no stored hash, or its
// hash was already consumed.
var ErrTokenInvalid = errors.New("resume: token invalid")

// ErrTokenExpired means the token's hash matched but the expiry has passed.
var ErrTokenExpired = errors.New("resume: token expired")

// TokenStore persists resume-token hashes. Implemented by the durable store.
type TokenStore interface {
	// StoreResumeTokenHash records a fresh token hash for a session.
	StoreResumeTokenHash(ctx context.Context, sessionID uuid.UUID, hash string, expiry time.Time) error
	// LookupResumeToken resolves a hash to its session and expiry.
	// Consumed or unknown hashes return found=false.
	LookupResumeToken(ctx context.Context, hash string) (sessionID uuid.UUID, expiry *time.Time, found bool, err error)
	// ConsumeResumeToken invalidates a hash so it can never be used again.
	ConsumeResumeToken(ctx context.Context, hash string) error
}

// Issue generates a fresh token for a paused session, persists only its
// hash, and returns the plaintext. The caller presents the plaintext to the
// respondent exactly once; it is never stored.
func Issue(ctx context.Context, store TokenStore, sessionID uuid.UUID, ttl time.Duration) (string, error) {
	token, err := Generate()
	if err != nil {
		return "", err
	}
	if err := store.StoreResumeTokenHash(ctx, sessionID, Hash(token), ExpiryDate(ttl)); err != nil {
		return "", fmt.Errorf("resume: store token hash: %w", err)
	}
	return token, nil
}

// Redeem validates a presented token by rehashing it, consumes it, and
// exchanges it for a signed session claim. A token redeems at most once.
func Redeem(ctx context.Context, store TokenStore, issuer *ClaimsIssuer, token string) (string, *SessionClaims, error) {
	hash := Hash(token)

	sessionID, expiry, found, err := store.LookupResumeToken(ctx, hash)
	if err != nil {
		return "", nil, fmt.Errorf("resume: lookup token: %w", err)
	}
	if !found {
		return "", nil, ErrTokenInvalid
	}
	if IsExpired(expiry) {
		return "", nil, ErrTokenExpired
	}

	// Consume before issuing: a redeemed token must never work twice, even
	// if claim signing fails afterwards.
	if err := store.ConsumeResumeToken(ctx, hash); err != nil {
		return "", nil, fmt.Errorf("resume: consume token: %w", err)
	}

	signed, _, err := issuer.Issue(sessionID)
	if err != nil {
		return "", nil, err
	}
	claims, err := issuer.Validate(signed)
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}
