// Package ratelimit implements fixed-window attempt counting with lockout.
//
// One Limiter serves every throttled action. A Key pairs an action
// namespace ("login", "coupon_attempt") with a caller identity, and a
// Policy binds a namespace to its max attempts and decay window.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"downloadgate/internal/metrics"
)

// Key identifies one counter bucket.
type Key struct {
	Action   string
	Identity string
}

func (k Key) String() string {
	return fmt.Sprintf("ratelimit:%s:%s", k.Action, k.Identity)
}

// Bucket is the observable state of one counter.
type Bucket struct {
	Key         Key
	Attempts    int64
	WindowStart time.Time
	ResetAt     time.Time
}

// Store persists fixed-window counters. Implementations must be safe for
// concurrent use.
type Store interface {
	// Increment adds one attempt. The window (and its expiry) is created by
	// the first hit; later hits in the same window do not extend it.
	Increment(ctx context.Context, key string, decay time.Duration) (int64, time.Time, error)

	// Get returns the attempts in the live window and its reset time. An
	// absent or expired bucket reports zero attempts.
	Get(ctx context.Context, key string) (int64, time.Time, error)

	Delete(ctx context.Context, key string) error
}

type Limiter struct {
	store Store
	now   func() time.Time
}

func NewLimiter(store Store) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// Hit records an attempt and returns the attempt count in the current window.
func (l *Limiter) Hit(ctx context.Context, key Key, decay time.Duration) (int64, error) {
	if decay <= 0 {
		decay = time.Minute
	}
	n, _, err := l.store.Increment(ctx, key.String(), decay)
	if err != nil {
		return 0, fmt.Errorf("rate limit hit %s: %w", key, err)
	}
	metrics.RateLimitHits.WithLabelValues(key.Action).Inc()
	return n, nil
}

// Attempts returns the attempt count in the current window.
func (l *Limiter) Attempts(ctx context.Context, key Key) (int64, error) {
	n, _, err := l.store.Get(ctx, key.String())
	if err != nil {
		return 0, fmt.Errorf("rate limit get %s: %w", key, err)
	}
	return n, nil
}

// TooManyAttempts reports whether the attempts in the current window are at
// or above max.
func (l *Limiter) TooManyAttempts(ctx context.Context, key Key, max int) (bool, error) {
	n, err := l.Attempts(ctx, key)
	if err != nil {
		return false, err
	}
	if n >= int64(max) {
		metrics.RateLimitBlocked.WithLabelValues(key.Action).Inc()
		return true, nil
	}
	return false, nil
}

// Remaining returns how many attempts are left before lockout.
func (l *Limiter) Remaining(ctx context.Context, key Key, max int) (int64, error) {
	n, err := l.Attempts(ctx, key)
	if err != nil {
		return 0, err
	}
	if left := int64(max) - n; left > 0 {
		return left, nil
	}
	return 0, nil
}

// AvailableIn returns the time until the current window resets. It is zero
// when no window is open.
func (l *Limiter) AvailableIn(ctx context.Context, key Key) (time.Duration, error) {
	n, resetAt, err := l.store.Get(ctx, key.String())
	if err != nil {
		return 0, fmt.Errorf("rate limit get %s: %w", key, err)
	}
	if n == 0 {
		return 0, nil
	}
	d := resetAt.Sub(l.now())
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// Clear drops the bucket, typically after a successful attempt.
func (l *Limiter) Clear(ctx context.Context, key Key) error {
	if err := l.store.Delete(ctx, key.String()); err != nil {
		return fmt.Errorf("rate limit clear %s: %w", key, err)
	}
	return nil
}

// Inspect returns the live bucket for key.
func (l *Limiter) Inspect(ctx context.Context, key Key) (Bucket, error) {
	n, resetAt, err := l.store.Get(ctx, key.String())
	if err != nil {
		return Bucket{}, fmt.Errorf("rate limit get %s: %w", key, err)
	}
	b := Bucket{Key: key, Attempts: n}
	if n > 0 {
		b.ResetAt = resetAt
	}
	return b, nil
}

// For binds the limiter to a policy.
func (l *Limiter) For(p Policy) *Throttle {
	return &Throttle{limiter: l, policy: p}
}
