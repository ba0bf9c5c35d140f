package ratelimit

import (
	"context"
	"time"
)

const (
	ActionLogin              = "login"
	ActionRegister           = "register"
	ActionPasswordReset      = "password_reset"
	ActionCouponAttempt      = "coupon_attempt"
	ActionResendVerification = "resend_verification"
	ActionGlobal             = "global"
)

// Policy parameterizes a Limiter for a single action namespace.
type Policy struct {
	Action      string
	MaxAttempts int
	Decay       time.Duration
}

// Throttle is a Limiter bound to one Policy; callers only supply identities.
type Throttle struct {
	limiter *Limiter
	policy  Policy
}

func (t *Throttle) Policy() Policy { return t.policy }

func (t *Throttle) key(identity string) Key {
	return Key{Action: t.policy.Action, Identity: identity}
}

func (t *Throttle) Hit(ctx context.Context, identity string) (int64, error) {
	return t.limiter.Hit(ctx, t.key(identity), t.policy.Decay)
}

func (t *Throttle) TooManyAttempts(ctx context.Context, identity string) (bool, error) {
	return t.limiter.TooManyAttempts(ctx, t.key(identity), t.policy.MaxAttempts)
}

func (t *Throttle) AvailableIn(ctx context.Context, identity string) (time.Duration, error) {
	return t.limiter.AvailableIn(ctx, t.key(identity))
}

func (t *Throttle) Remaining(ctx context.Context, identity string) (int64, error) {
	return t.limiter.Remaining(ctx, t.key(identity), t.policy.MaxAttempts)
}

func (t *Throttle) Clear(ctx context.Context, identity string) error {
	return t.limiter.Clear(ctx, t.key(identity))
}
