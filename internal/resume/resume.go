// Package resume issues and validates the one-time bearer tokens that let a
// paused interview session be continued.
//
// Only the SHA-256 digest of a token is ever persisted; the plaintext is
// shown to the respondent exactly once at issuance. A new pause issues a new
// token, never a regenerated one.
package resume

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"
)

// TokenLength is the plaintext token length: 32 random bytes (256 bits of
// entropy) base64url-encoded without padding.
const TokenLength = 43

// DefaultTTL is the token lifetime used when the caller does not override it.
const DefaultTTL = 7 * 24 * time.Hour

// Generate returns a fresh resume token drawn from a cryptographically
// secure random source. Collisions between calls are treated as infeasible.
func Generate() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("resume: generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Hash returns the hex-encoded SHA-256 digest of a token. Deterministic;
// this digest is what gets persisted.
func Hash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ExpiryDate returns the expiry for a token issued now. A non-positive ttl
// selects DefaultTTL.
func ExpiryDate(ttl time.Duration) time.Time {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return time.Now().UTC().Add(ttl)
}

// IsExpired reports whether a stored expiry has passed. A nil expiry means
// the session is not resumable and is treated as already expired, never as
// "never expires".
func IsExpired(expiry *time.Time) bool {
	if expiry == nil {
		return true
	}
	return expiry.Before(time.Now().UTC())
}
