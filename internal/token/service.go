package token

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"time"
)

// SessionTokenBytes is the entropy of a download session token.
const SessionTokenBytes = 32

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

func GenerateToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// NewSessionToken issues a token valid for ttl from now.
func NewSessionToken(now time.Time, ttl time.Duration) (Token, error) {
	v, err := GenerateToken(SessionTokenBytes)
	if err != nil {
		return Token{}, err
	}
	return Token{Value: v, ExpiresAt: now.Add(ttl)}, nil
}

// Equal compares in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Verify checks presented against the stored token at now.
func Verify(stored Token, presented string, now time.Time) error {
	if presented == "" || !Equal(stored.Value, presented) {
		return ErrInvalidToken
	}
	if stored.Expired(now) {
		return ErrExpiredToken
	}
	return nil
}
