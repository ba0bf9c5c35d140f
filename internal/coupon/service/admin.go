package service

import (
	"context"

	"github.com/rs/zerolog/log"

	"downloadgate/internal/coupon"
	"downloadgate/pkg/apperr"
)

func (s *Service) requireAdmin(ctx context.Context, userID int64) error {
	isAdmin, err := s.UserService.IsAdmin(ctx, userID)
	if err != nil || !isAdmin {
		return ErrNotAdmin
	}
	return nil
}

func (s *Service) CreateCoupon(ctx context.Context, adminID int64, c *coupon.Coupon) (*coupon.Coupon, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	c.Code = coupon.NormalizeCode(c.Code)
	if err := c.Check(); err != nil {
		return nil, apperr.Validation("coupon", err.Error())
	}
	c.CreatedBy = adminID
	c.UsageCount = 0
	c.FailedAttempts = 0
	c.LockedUntil = nil
	if err := s.Repo.Create(ctx, c); err != nil {
		return nil, err
	}
	log.Info().Str("coupon_code", c.Code).Int64("admin_id", adminID).Msg("coupon created")
	return c, nil
}

func (s *Service) GetAllCoupons(ctx context.Context, adminID int64) ([]*coupon.Coupon, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	return s.Repo.List(ctx)
}

func (s *Service) GetCoupon(ctx context.Context, adminID, couponID int64) (*coupon.Coupon, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	return s.Repo.GetByID(ctx, couponID)
}

// UpdateCoupon replaces the definition of c.ID if its stored version still
// equals c.Version.
func (s *Service) UpdateCoupon(ctx context.Context, adminID int64, c *coupon.Coupon) (*coupon.Coupon, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	c.Code = coupon.NormalizeCode(c.Code)
	if err := c.Check(); err != nil {
		return nil, apperr.Validation("coupon", err.Error())
	}
	if err := s.Repo.Update(ctx, c, c.Version); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) DeleteCoupon(ctx context.Context, adminID, couponID int64) error {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return err
	}
	if err := s.Repo.Delete(ctx, couponID); err != nil {
		return err
	}
	log.Info().Int64("coupon_id", couponID).Int64("admin_id", adminID).Msg("coupon deleted")
	return nil
}
