package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"downloadgate/internal/coupon"
	"downloadgate/internal/metrics"
	"downloadgate/pkg/apperr"
)

var ErrNotAdmin = errors.New("administrator rights required")

type CouponRepository interface {
	Create(ctx context.Context, c *coupon.Coupon) error
	GetByID(ctx context.Context, id int64) (*coupon.Coupon, error)
	GetByCode(ctx context.Context, code string) (*coupon.Coupon, error)
	List(ctx context.Context) ([]*coupon.Coupon, error)
	Update(ctx context.Context, c *coupon.Coupon, expectedVersion int64) error
	Delete(ctx context.Context, id int64) error
	CountUserUsages(ctx context.Context, couponID, userID int64) (int, error)
	// Redeem runs check under the coupon's lock and stores the usage it
	// returns together with the usage_count increment.
	Redeem(ctx context.Context, code string, userID int64, check coupon.RedeemCheck) (*coupon.Coupon, *coupon.Usage, error)
	RecordFailedAttempt(ctx context.Context, id int64, threshold int, lockUntil time.Time) (*coupon.Coupon, bool, error)
}

type UserService interface {
	IsAdmin(ctx context.Context, userID int64) (bool, error)
}

// Throttle limits failed coupon attempts per user.
type Throttle interface {
	Hit(ctx context.Context, identity string) (int64, error)
	TooManyAttempts(ctx context.Context, identity string) (bool, error)
	AvailableIn(ctx context.Context, identity string) (time.Duration, error)
	Clear(ctx context.Context, identity string) error
}

// ThrottledError is returned while a user is blocked from further attempts.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("too many coupon attempts, retry in %s", e.RetryAfter.Round(time.Second))
}

func (e *ThrottledError) Unwrap() error { return coupon.ErrLocked }

type Config struct {
	LockThreshold     int
	LockDuration      time.Duration
	NewCustomerWindow time.Duration
}

// Customer is the buyer side of a checkout.
type Customer struct {
	UserID        int64
	Email         string
	Role          string
	RegisteredAt  time.Time
	PurchaseCount int
}

// Checkout is what a coupon is validated against.
type Checkout struct {
	Customer     Customer
	Amount       decimal.Decimal
	PackageID    int64
	FileID       int64
	AppliedCodes []string
	OrderRef     string
}

type Service struct {
	Repo        CouponRepository
	UserService UserService
	throttle    Throttle
	validator   *coupon.Validator
	cfg         Config
	now         func() time.Time
}

func NewService(repo CouponRepository, users UserService, throttle Throttle, cfg Config) *Service {
	if cfg.LockThreshold <= 0 {
		cfg.LockThreshold = 5
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = time.Hour
	}
	if cfg.NewCustomerWindow <= 0 {
		cfg.NewCustomerWindow = 30 * 24 * time.Hour
	}
	return &Service{
		Repo:        repo,
		UserService: users,
		throttle:    throttle,
		validator:   coupon.NewValidator(cfg.NewCustomerWindow),
		cfg:         cfg,
		now:         time.Now,
	}
}

// Validate checks code against the checkout without consuming it. Coupon
// rejections are reported in the result; the error is reserved for
// throttling and storage failures.
func (s *Service) Validate(ctx context.Context, code string, in Checkout) (coupon.Result, error) {
	if err := checkInput(code, in); err != nil {
		return coupon.Result{}, err
	}
	if err := s.checkThrottle(ctx, in.Customer.UserID); err != nil {
		return coupon.Result{}, err
	}

	c, err := s.Repo.GetByCode(ctx, code)
	if errors.Is(err, coupon.ErrNotFound) {
		s.fail(ctx, nil, in.Customer.UserID, coupon.CodeNotFound)
		return notFound(in.Amount), nil
	}
	if err != nil {
		return coupon.Result{}, err
	}

	cctx, err := s.checkoutContext(ctx, code, in)
	if err != nil {
		return coupon.Result{}, err
	}
	if cctx.UserUsages, err = s.Repo.CountUserUsages(ctx, c.ID, in.Customer.UserID); err != nil {
		return coupon.Result{}, err
	}

	res := s.validator.Validate(c, cctx)
	s.settle(ctx, c, in.Customer.UserID, res)
	return res, nil
}

// Redeem validates and consumes the coupon as one unit. Concurrent
// redemptions never push usage_count past usage_limit.
func (s *Service) Redeem(ctx context.Context, code string, in Checkout) (*coupon.Usage, coupon.Result, error) {
	if err := checkInput(code, in); err != nil {
		return nil, coupon.Result{}, err
	}
	if err := s.checkThrottle(ctx, in.Customer.UserID); err != nil {
		return nil, coupon.Result{}, err
	}
	cctx, err := s.checkoutContext(ctx, code, in)
	if err != nil {
		return nil, coupon.Result{}, err
	}

	var res coupon.Result
	c, usage, err := s.Repo.Redeem(ctx, code, in.Customer.UserID, func(c *coupon.Coupon, prior int) (*coupon.Usage, error) {
		cctx.UserUsages = prior
		res = s.validator.Validate(c, cctx)
		if err := res.Err(); err != nil {
			return nil, err
		}
		return &coupon.Usage{OrderRef: in.OrderRef, Discount: res.Discount}, nil
	})

	var rejected *coupon.Error
	switch {
	case errors.As(err, &rejected) && rejected.Code == coupon.CodeNotFound:
		s.fail(ctx, nil, in.Customer.UserID, coupon.CodeNotFound)
		return nil, notFound(in.Amount), err
	case errors.As(err, &rejected):
		if res.Valid {
			// the guarded increment lost a race after validation passed
			res = coupon.Result{Code: rejected.Code, Message: rejected.Message, FinalAmount: in.Amount}
		}
		if cur, getErr := s.Repo.GetByCode(ctx, code); getErr == nil {
			s.settle(ctx, cur, in.Customer.UserID, res)
		}
		return nil, res, err
	case err != nil:
		return nil, coupon.Result{}, err
	}

	s.settle(ctx, c, in.Customer.UserID, res)
	log.Info().
		Str("coupon_code", c.Code).
		Int64("user_id", in.Customer.UserID).
		Str("discount", res.Discount.StringFixed(2)).
		Str("order_ref", in.OrderRef).
		Msg("coupon redeemed")
	return usage, res, nil
}

// RecordUsage counts a redemption that was validated separately. Only the
// usage limits are rechecked.
func (s *Service) RecordUsage(ctx context.Context, code string, userID int64, orderRef string, discount decimal.Decimal) (*coupon.Usage, error) {
	_, usage, err := s.Repo.Redeem(ctx, code, userID, func(c *coupon.Coupon, prior int) (*coupon.Usage, error) {
		if c.UsageLimit > 0 && c.UsageCount >= c.UsageLimit {
			return nil, &coupon.Error{Code: coupon.CodeUsageLimitReached, Message: "coupon usage limit reached"}
		}
		if c.UsageLimitPerUser > 0 && prior >= c.UsageLimitPerUser {
			return nil, &coupon.Error{Code: coupon.CodeNotEligible, Message: "you have already used this coupon"}
		}
		return &coupon.Usage{OrderRef: orderRef, Discount: discount}, nil
	})
	return usage, err
}

// RecordFailedAttempt counts a failure against the coupon. Reaching the
// threshold locks it for every user.
func (s *Service) RecordFailedAttempt(ctx context.Context, couponID int64) (*coupon.Coupon, error) {
	until := s.now().Add(s.cfg.LockDuration)
	c, locked, err := s.Repo.RecordFailedAttempt(ctx, couponID, s.cfg.LockThreshold, until)
	if err != nil {
		return nil, err
	}
	if locked {
		metrics.CouponLockouts.Inc()
		log.Warn().
			Str("coupon_code", c.Code).
			Time("locked_until", until).
			Msg("coupon locked after repeated failed attempts")
	}
	return c, nil
}

func (s *Service) checkoutContext(ctx context.Context, code string, in Checkout) (coupon.Context, error) {
	cctx := coupon.Context{
		UserID:        in.Customer.UserID,
		Email:         in.Customer.Email,
		Role:          in.Customer.Role,
		RegisteredAt:  in.Customer.RegisteredAt,
		PurchaseCount: in.Customer.PurchaseCount,
		Amount:        in.Amount,
		PackageID:     in.PackageID,
		FileID:        in.FileID,
		Now:           s.now(),
	}
	for _, other := range in.AppliedCodes {
		if coupon.NormalizeCode(other) == coupon.NormalizeCode(code) {
			continue
		}
		c, err := s.Repo.GetByCode(ctx, other)
		if errors.Is(err, coupon.ErrNotFound) {
			return coupon.Context{}, apperr.Validation("applied_codes", "unknown coupon "+other)
		}
		if err != nil {
			return coupon.Context{}, err
		}
		cctx.Stack = append(cctx.Stack, c)
	}
	return cctx, nil
}

func (s *Service) checkThrottle(ctx context.Context, userID int64) error {
	if s.throttle == nil {
		return nil
	}
	identity := strconv.FormatInt(userID, 10)
	blocked, err := s.throttle.TooManyAttempts(ctx, identity)
	if err != nil {
		log.Warn().Err(err).Msg("coupon throttle unavailable")
		return nil
	}
	if !blocked {
		return nil
	}
	wait, err := s.throttle.AvailableIn(ctx, identity)
	if err != nil {
		wait = s.cfg.LockDuration
	}
	metrics.CouponValidations.WithLabelValues("Throttled").Inc()
	return &ThrottledError{RetryAfter: wait}
}

// settle applies the bookkeeping for one validation result.
func (s *Service) settle(ctx context.Context, c *coupon.Coupon, userID int64, res coupon.Result) {
	if res.Valid {
		metrics.CouponValidations.WithLabelValues("Valid").Inc()
		if s.throttle != nil {
			if err := s.throttle.Clear(ctx, strconv.FormatInt(userID, 10)); err != nil {
				log.Warn().Err(err).Msg("clear coupon throttle failed")
			}
		}
		return
	}
	s.fail(ctx, c, userID, res.Code)
}

func (s *Service) fail(ctx context.Context, c *coupon.Coupon, userID int64, code coupon.Code) {
	metrics.CouponValidations.WithLabelValues(string(code)).Inc()
	if s.throttle != nil {
		if _, err := s.throttle.Hit(ctx, strconv.FormatInt(userID, 10)); err != nil {
			log.Warn().Err(err).Msg("coupon throttle hit failed")
		}
	}
	// an already locked coupon does not extend its own lock
	if c == nil || code == coupon.CodeLocked {
		return
	}
	if _, err := s.RecordFailedAttempt(ctx, c.ID); err != nil {
		log.Error().Err(err).Str("coupon_code", c.Code).Msg("record failed coupon attempt failed")
	}
}

func checkInput(code string, in Checkout) error {
	if coupon.NormalizeCode(code) == "" {
		return apperr.Validation("code", "is required")
	}
	if in.Amount.IsNegative() {
		return apperr.Validation("amount", "must not be negative")
	}
	return nil
}

func notFound(amount decimal.Decimal) coupon.Result {
	e := coupon.NotFound()
	return coupon.Result{Code: e.Code, Message: e.Message, FinalAmount: amount}
}
