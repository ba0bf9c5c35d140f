package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"downloadgate/internal/coupon"
)

const couponColumns = `id, code, type, active, discount_amount, discount_percent, max_discount_amount,
	valid_from, valid_until, valid_days, valid_hours_from, valid_hours_to, timezone,
	usage_limit, usage_count, usage_limit_per_user, stackable, stackable_with, not_stackable_with,
	eligibility, applies_to, minimum_amount, maximum_amount, trial_days, upgrade_package_id, credit_amount,
	failed_attempts, locked_until, version, created_by, created_at, updated_at`

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type PostgresCouponRepository struct {
	db *sql.DB
}

func NewPostgresCouponRepository(db *sql.DB) *PostgresCouponRepository {
	return &PostgresCouponRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCoupon(row rowScanner) (*coupon.Coupon, error) {
	c := &coupon.Coupon{}
	var (
		validFrom, validUntil, lockedUntil sql.NullTime
		days                               pq.Int64Array
		upgrade                            sql.NullInt64
	)
	err := row.Scan(
		&c.ID, &c.Code, &c.Type, &c.Active,
		&c.DiscountAmount, &c.DiscountPercent, &c.MaxDiscountAmount,
		&validFrom, &validUntil, &days, &c.ValidHours.From, &c.ValidHours.To, &c.Timezone,
		&c.UsageLimit, &c.UsageCount, &c.UsageLimitPerUser,
		&c.Stackable, (*pq.StringArray)(&c.StackableWith), (*pq.StringArray)(&c.NotStackableWith),
		&c.Eligibility, &c.AppliesTo,
		&c.MinimumAmount, &c.MaximumAmount,
		&c.TrialDays, &upgrade, &c.CreditAmount,
		&c.FailedAttempts, &lockedUntil,
		&c.Version, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.ValidFrom = timePtr(validFrom)
	c.ValidUntil = timePtr(validUntil)
	c.LockedUntil = timePtr(lockedUntil)
	if upgrade.Valid {
		id := upgrade.Int64
		c.UpgradePackageID = &id
	}
	for _, d := range days {
		c.ValidDays = append(c.ValidDays, time.Weekday(d))
	}
	return c, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// definition returns the admin-editable fields in column order, starting at
// code and ending at credit_amount.
func definition(c *coupon.Coupon) []any {
	days := make(pq.Int64Array, 0, len(c.ValidDays))
	for _, d := range c.ValidDays {
		days = append(days, int64(d))
	}
	return []any{
		c.Code, c.Type, c.Active, c.DiscountAmount, c.DiscountPercent, c.MaxDiscountAmount,
		c.ValidFrom, c.ValidUntil, days, c.ValidHours.From, c.ValidHours.To, c.Timezone,
		c.UsageLimit, c.UsageLimitPerUser, c.Stackable, pq.StringArray(c.StackableWith), pq.StringArray(c.NotStackableWith),
		c.Eligibility, c.AppliesTo, c.MinimumAmount, c.MaximumAmount,
		c.TrialDays, c.UpgradePackageID, c.CreditAmount,
	}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (r *PostgresCouponRepository) Create(ctx context.Context, c *coupon.Coupon) error {
	c.Code = coupon.NormalizeCode(c.Code)
	query := `
		INSERT INTO coupons (code, type, active, discount_amount, discount_percent, max_discount_amount,
			valid_from, valid_until, valid_days, valid_hours_from, valid_hours_to, timezone,
			usage_limit, usage_limit_per_user, stackable, stackable_with, not_stackable_with,
			eligibility, applies_to, minimum_amount, maximum_amount, trial_days, upgrade_package_id, credit_amount,
			created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24, $25)
		RETURNING id, version, created_at, updated_at`

	args := append(definition(c), c.CreatedBy)
	err := r.db.QueryRowContext(ctx, query, args...).Scan(&c.ID, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if isUniqueViolation(err) {
		return coupon.ErrDuplicateCode
	}
	return err
}

func (r *PostgresCouponRepository) GetByID(ctx context.Context, id int64) (*coupon.Coupon, error) {
	c, err := scanCoupon(r.db.QueryRowContext(ctx, `SELECT `+couponColumns+` FROM coupons WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, coupon.NotFound()
	}
	return c, err
}

func (r *PostgresCouponRepository) GetByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	return getByCode(ctx, r.db, code, false)
}

func getByCode(ctx context.Context, q queryer, code string, forUpdate bool) (*coupon.Coupon, error) {
	query := `SELECT ` + couponColumns + ` FROM coupons WHERE code = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	c, err := scanCoupon(q.QueryRowContext(ctx, query, coupon.NormalizeCode(code)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, coupon.NotFound()
	}
	return c, err
}

func (r *PostgresCouponRepository) List(ctx context.Context) ([]*coupon.Coupon, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+couponColumns+` FROM coupons ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var coupons []*coupon.Coupon
	for rows.Next() {
		c, err := scanCoupon(rows)
		if err != nil {
			return nil, err
		}
		coupons = append(coupons, c)
	}
	return coupons, rows.Err()
}

func (r *PostgresCouponRepository) Update(ctx context.Context, c *coupon.Coupon, expectedVersion int64) error {
	c.Code = coupon.NormalizeCode(c.Code)
	query := `UPDATE coupons SET
		code = $1, type = $2, active = $3, discount_amount = $4, discount_percent = $5, max_discount_amount = $6,
		valid_from = $7, valid_until = $8, valid_days = $9, valid_hours_from = $10, valid_hours_to = $11, timezone = $12,
		usage_limit = $13, usage_limit_per_user = $14, stackable = $15, stackable_with = $16, not_stackable_with = $17,
		eligibility = $18, applies_to = $19, minimum_amount = $20, maximum_amount = $21,
		trial_days = $22, upgrade_package_id = $23, credit_amount = $24,
		version = version + 1, updated_at = NOW()
		WHERE id = $25 AND version = $26
		RETURNING ` + couponColumns

	args := append(definition(c), c.ID, expectedVersion)
	updated, err := scanCoupon(r.db.QueryRowContext(ctx, query, args...))
	switch {
	case isUniqueViolation(err):
		return coupon.ErrDuplicateCode
	case errors.Is(err, sql.ErrNoRows):
		var exists bool
		if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM coupons WHERE id = $1)`, c.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return coupon.NotFound()
		}
		return coupon.ErrVersionConflict
	case err != nil:
		return err
	}
	*c = *updated
	return nil
}

func (r *PostgresCouponRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM coupons WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return coupon.NotFound()
	}
	return nil
}

func (r *PostgresCouponRepository) CountUserUsages(ctx context.Context, couponID, userID int64) (int, error) {
	return countUsages(ctx, r.db, couponID, userID)
}

func countUsages(ctx context.Context, q queryer, couponID, userID int64) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM coupon_usages WHERE coupon_id = $1 AND user_id = $2`,
		couponID, userID).Scan(&n)
	return n, err
}

// Redeem holds the coupon row lock while check runs, so concurrent
// redemptions of one code are serialized. The usage_count guard in the
// UPDATE keeps the limit even if check was skipped.
func (r *PostgresCouponRepository) Redeem(ctx context.Context, code string, userID int64, check coupon.RedeemCheck) (*coupon.Coupon, *coupon.Usage, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	c, err := getByCode(ctx, tx, code, true)
	if err != nil {
		return nil, nil, err
	}
	prior, err := countUsages(ctx, tx, c.ID, userID)
	if err != nil {
		return nil, nil, err
	}
	u, err := check(c, prior)
	if err != nil {
		return nil, nil, err
	}
	if u == nil {
		return c, nil, tx.Commit()
	}

	res, err := tx.ExecContext(ctx, `UPDATE coupons
		SET usage_count = usage_count + 1, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND (usage_limit <= 0 OR usage_count < usage_limit)`, c.ID)
	if err != nil {
		return nil, nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, nil, err
	} else if n == 0 {
		return nil, nil, &coupon.Error{Code: coupon.CodeUsageLimitReached, Message: "coupon usage limit reached"}
	}

	u.CouponID = c.ID
	u.UserID = userID
	err = tx.QueryRowContext(ctx, `
		INSERT INTO coupon_usages (coupon_id, user_id, order_ref, discount)
		VALUES ($1, $2, $3, $4)
		RETURNING id, used_at`,
		u.CouponID, u.UserID, u.OrderRef, u.Discount).Scan(&u.ID, &u.UsedAt)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	c.UsageCount++
	c.Version++
	return c, u, nil
}

// RecordFailedAttempt counts a failure in a single statement. Reaching the
// threshold locks the coupon until lockUntil and restarts the count.
func (r *PostgresCouponRepository) RecordFailedAttempt(ctx context.Context, id int64, threshold int, lockUntil time.Time) (*coupon.Coupon, bool, error) {
	lockUntil = lockUntil.Truncate(time.Microsecond)
	row := r.db.QueryRowContext(ctx, `UPDATE coupons SET
		failed_attempts = CASE WHEN $2 > 0 AND failed_attempts + 1 >= $2 THEN 0 ELSE failed_attempts + 1 END,
		locked_until = CASE WHEN $2 > 0 AND failed_attempts + 1 >= $2 THEN $3 ELSE locked_until END,
		version = version + 1,
		updated_at = NOW()
		WHERE id = $1
		RETURNING `+couponColumns, id, threshold, lockUntil)
	c, err := scanCoupon(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, coupon.NotFound()
	}
	if err != nil {
		return nil, false, err
	}
	locked := c.FailedAttempts == 0 && c.LockedUntil != nil && c.LockedUntil.Equal(lockUntil)
	return c, locked, nil
}
