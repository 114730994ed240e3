package resume_test

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sondeo-ai/sondeo/internal/resume"
)

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func TestGenerateShape(t *testing.T) {
	token, err := resume.Generate()
	require.NoError(t, err)
	assert.Len(t, token, resume.TokenLength)
	assert.Regexp(t, tokenPattern, token)
}

func TestGenerateUnique(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		token, err := resume.Generate()
		require.NoError(t, err)
		require.Len(t, token, 43)
		seen[token] = struct{}{}
	}
	assert.Len(t, seen, 1000)
}

func TestHashDeterministic(t *testing.T) {
	token, err := resume.Generate()
	require.NoError(t, err)
	assert.Equal(t, resume.Hash(token), resume.Hash(token))
	assert.Len(t, resume.Hash(token), 64)
}

func TestHashCollisionFreeInPractice(t *testing.T) {
	hashes := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		token, err := resume.Generate()
		require.NoError(t, err)
		hashes[resume.Hash(token)] = struct{}{}
	}
	assert.Len(t, hashes, 1000)
}

func TestExpiryDateDefault(t *testing.T) {
	expiry := resume.ExpiryDate(0)
	want := time.Now().UTC().Add(resume.DefaultTTL)
	assert.WithinDuration(t, want, expiry, time.Second)
}

func TestExpiryDateExplicitTTL(t *testing.T) {
	expiry := resume.ExpiryDate(30 * time.Minute)
	want := time.Now().UTC().Add(30 * time.Minute)
	assert.WithinDuration(t, want, expiry, time.Second)
}

func TestIsExpired(t *testing.T) {
	past := time.Now().UTC().Add(-time.Second)
	future := time.Now().UTC().Add(time.Minute)

	assert.True(t, resume.IsExpired(nil), "nil expiry means not resumable")
	assert.True(t, resume.IsExpired(&past))
	assert.False(t, resume.IsExpired(&future))
}
