package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionToken(t *testing.T) {
	now := time.Now()
	a, err := NewSessionToken(now, 24*time.Hour)
	require.NoError(t, err)
	b, err := NewSessionToken(now, 24*time.Hour)
	require.NoError(t, err)

	assert.Len(t, a.Value, SessionTokenBytes*2)
	assert.NotEqual(t, a.Value, b.Value)
	assert.Equal(t, now.Add(24*time.Hour), a.ExpiresAt)
}

func TestVerify(t *testing.T) {
	now := time.Now()
	tok := Token{Value: "abc123", ExpiresAt: now.Add(time.Hour)}

	assert.NoError(t, Verify(tok, "abc123", now))
	assert.ErrorIs(t, Verify(tok, "abc124", now), ErrInvalidToken)
	assert.ErrorIs(t, Verify(tok, "", now), ErrInvalidToken)
	assert.ErrorIs(t, Verify(tok, "abc123", now.Add(time.Hour)), ErrExpiredToken)
}
