package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"downloadgate/internal/subscription"
)

const subscriptionColumns = `id, user_id, package_id, status, daily_limit, monthly_limit, bandwidth_limit_bytes,
	downloads_used_today, downloads_used_month, total_downloads, bandwidth_used_bytes,
	daily_reset_date, bandwidth_reset_date, starts_at, ends_at, grace_period_ends, auto_renew,
	version, created_at, updated_at`

type PostgresSubscriptionRepository struct {
	db *sql.DB
}

func NewPostgresSubscriptionRepository(db *sql.DB) *PostgresSubscriptionRepository {
	return &PostgresSubscriptionRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*subscription.Subscription, error) {
	sub := &subscription.Subscription{}
	var grace sql.NullTime
	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.PackageID,
		&sub.Status,
		&sub.DailyLimit,
		&sub.MonthlyLimit,
		&sub.BandwidthLimitBytes,
		&sub.DownloadsUsedToday,
		&sub.DownloadsUsedMonth,
		&sub.TotalDownloads,
		&sub.BandwidthUsedBytes,
		&sub.DailyResetDate,
		&sub.BandwidthResetDate,
		&sub.StartsAt,
		&sub.EndsAt,
		&grace,
		&sub.AutoRenew,
		&sub.Version,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if grace.Valid {
		t := grace.Time
		sub.GracePeriodEnds = &t
	}
	return sub, nil
}

func (r *PostgresSubscriptionRepository) Create(ctx context.Context, sub *subscription.Subscription) error {
	sub.InitWindows()
	query := `
		INSERT INTO subscriptions (user_id, package_id, status, daily_limit, monthly_limit, bandwidth_limit_bytes,
			daily_reset_date, bandwidth_reset_date, starts_at, ends_at, grace_period_ends, auto_renew)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, version, created_at, updated_at`

	return r.db.QueryRowContext(ctx, query,
		sub.UserID, sub.PackageID, sub.Status, sub.DailyLimit, sub.MonthlyLimit, sub.BandwidthLimitBytes,
		sub.DailyResetDate, sub.BandwidthResetDate, sub.StartsAt, sub.EndsAt, sub.GracePeriodEnds, sub.AutoRenew,
	).Scan(&sub.ID, &sub.Version, &sub.CreatedAt, &sub.UpdatedAt)
}

func (r *PostgresSubscriptionRepository) GetByID(ctx context.Context, id int64) (*subscription.Subscription, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, subscription.ErrNotFound
	}
	return sub, err
}

func (r *PostgresSubscriptionRepository) GetActiveByUserID(ctx context.Context, userID int64, now time.Time) (*subscription.Subscription, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE user_id = $1
		  AND ((status = 'active' AND starts_at <= $2 AND ends_at > $2)
		    OR (status IN ('active', 'grace') AND grace_period_ends > $2))
		ORDER BY ends_at DESC
		LIMIT 1`, userID, now)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return sub, nil
}

func (r *PostgresSubscriptionRepository) AddBandwidth(ctx context.Context, id int64, delta int64) (*subscription.Subscription, error) {
	row := r.db.QueryRowContext(ctx, `UPDATE subscriptions
		SET bandwidth_used_bytes = bandwidth_used_bytes + $1, version = version + 1, updated_at = NOW()
		WHERE id = $2
		RETURNING `+subscriptionColumns, delta, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, subscription.ErrNotFound
	}
	return sub, err
}

func (r *PostgresSubscriptionRepository) UpdateCounters(ctx context.Context, sub *subscription.Subscription, expectedVersion int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE subscriptions SET
		downloads_used_today = $1,
		downloads_used_month = $2,
		total_downloads = $3,
		bandwidth_used_bytes = $4,
		daily_reset_date = $5,
		bandwidth_reset_date = $6,
		version = version + 1,
		updated_at = NOW()
		WHERE id = $7 AND version = $8`,
		sub.DownloadsUsedToday,
		sub.DownloadsUsedMonth,
		sub.TotalDownloads,
		sub.BandwidthUsedBytes,
		sub.DailyResetDate,
		sub.BandwidthResetDate,
		sub.ID,
		expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM subscriptions WHERE id = $1)`, sub.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return subscription.ErrNotFound
	}
	return subscription.ErrVersionConflict
}

func (r *PostgresSubscriptionRepository) ListDueForReset(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status IN ('active', 'grace')
		  AND (daily_reset_date <= $1 OR bandwidth_reset_date <= $1)
		ORDER BY id
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*subscription.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
