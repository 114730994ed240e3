package resume

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionClaims is the short-lived credential handed out when a resume token
// is redeemed. It replaces the consumed token for the rest of the session.
type SessionClaims struct {
	jwt.RegisteredClaims
	SessionID uuid.UUID `json:"session_id"`
}

// ClaimsIssuer signs and validates session claims using Ed25519.
type ClaimsIssuer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	ttl        time.Duration
}

// NewClaimsIssuer creates an issuer from an existing key pair. Pass nil keys
// to generate an ephemeral pair; sessions then survive only as long as the
// process, so production should supply persistent keys.
func NewClaimsIssuer(priv ed25519.PrivateKey, pub ed25519.PublicKey, ttl time.Duration) (*ClaimsIssuer, error) {
	if priv == nil || pub == nil {
		slog.Warn("resume: no signing keys supplied, generating ephemeral key pair (not for production)")
		var err error
		pub, priv, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("resume: generate key pair: %w", err)
		}
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ClaimsIssuer{privateKey: priv, publicKey: pub, ttl: ttl}, nil
}

// Issue signs claims for a session. Returns the compact token and its expiry.
func (ci *ClaimsIssuer) Issue(sessionID uuid.UUID) (string, time.Time, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ci.ttl)

	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
		SessionID: sessionID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(ci.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("resume: sign session claims: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate parses and verifies a signed session claim.
func (ci *ClaimsIssuer) Validate(signed string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(signed, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("resume: unexpected signing method %q", t.Method.Alg())
		}
		return ci.publicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("resume: validate session claims: %w", err)
	}
	return claims, nil
}
