package token

import "time"

// Token is an opaque bearer secret with a lifetime.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (t Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
