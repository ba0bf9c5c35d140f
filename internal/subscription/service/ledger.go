package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"downloadgate/internal/metrics"
	"downloadgate/internal/subscription"
	"downloadgate/pkg/apperr"
)

// ErrQuotaRace is returned when optimistic updates keep conflicting after the
// retry bound. It is transient.
var ErrQuotaRace = errors.New("quota counters busy, retry later")

type SubscriptionRepository interface {
	Create(ctx context.Context, sub *subscription.Subscription) error
	GetByID(ctx context.Context, id int64) (*subscription.Subscription, error)
	// GetActiveByUserID returns nil, nil when the user has no active subscription.
	GetActiveByUserID(ctx context.Context, userID int64, now time.Time) (*subscription.Subscription, error)
	// AddBandwidth atomically adds delta to bandwidth_used_bytes.
	AddBandwidth(ctx context.Context, id int64, delta int64) (*subscription.Subscription, error)
	// UpdateCounters writes the counter and window fields of sub if its stored
	// version still equals expectedVersion, else ErrVersionConflict.
	UpdateCounters(ctx context.Context, sub *subscription.Subscription, expectedVersion int64) error
	ListDueForReset(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error)
}

// Availability is the committed quota headroom for a subscription.
type Availability struct {
	OK               bool
	RemainingBytes   int64
	RemainingDaily   int64
	RemainingMonthly int64
}

// Ledger is the single writer of subscription quota counters.
type Ledger struct {
	repo       SubscriptionRepository
	maxRetries int
	now        func() time.Time
}

func NewLedger(repo SubscriptionRepository, maxRetries int) *Ledger {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Ledger{repo: repo, maxRetries: maxRetries, now: time.Now}
}

func (l *Ledger) Get(ctx context.Context, subscriptionID int64) (*subscription.Subscription, error) {
	return l.repo.GetByID(ctx, subscriptionID)
}

// ActiveForUser returns the user's active subscription or nil.
func (l *Ledger) ActiveForUser(ctx context.Context, userID int64) (*subscription.Subscription, error) {
	return l.repo.GetActiveByUserID(ctx, userID, l.now())
}

// CheckAvailable is a pure read of committed state.
func (l *Ledger) CheckAvailable(ctx context.Context, subscriptionID, bytesNeeded int64) (Availability, error) {
	if bytesNeeded < 0 {
		return Availability{}, apperr.Validation("bytes_needed", "must not be negative")
	}
	sub, err := l.repo.GetByID(ctx, subscriptionID)
	if err != nil {
		return Availability{}, err
	}
	return availability(sub, bytesNeeded, l.now()), nil
}

func availability(sub *subscription.Subscription, bytesNeeded int64, now time.Time) Availability {
	a := Availability{
		RemainingBytes:   sub.RemainingBytes(now),
		RemainingDaily:   sub.RemainingDaily(now),
		RemainingMonthly: sub.RemainingMonthly(now),
	}
	a.OK = a.RemainingDaily >= 1 && a.RemainingMonthly >= 1 && a.RemainingBytes >= bytesNeeded
	return a
}

// QuotaView is the client-facing quota summary of one subscription.
type QuotaView struct {
	SubscriptionID      int64               `json:"subscription_id"`
	Status              subscription.Status `json:"status"`
	Active              bool                `json:"active"`
	DailyLimit          int                 `json:"daily_limit"`
	MonthlyLimit        int                 `json:"monthly_limit"`
	BandwidthLimitBytes int64               `json:"bandwidth_limit_bytes"`
	DownloadsToday      int                 `json:"downloads_today"`
	DownloadsMonth      int                 `json:"downloads_month"`
	BandwidthUsedBytes  int64               `json:"bandwidth_used_bytes"`
	RemainingDaily      int64               `json:"remaining_daily"`
	RemainingMonthly    int64               `json:"remaining_monthly"`
	RemainingBytes      int64               `json:"remaining_bytes"`
	DailyResetAt        time.Time           `json:"daily_reset_at"`
	MonthlyResetAt      time.Time           `json:"monthly_reset_at"`
	EndsAt              time.Time           `json:"ends_at"`
}

// Quota reads the subscription once and reports its usage as of now.
func (l *Ledger) Quota(ctx context.Context, subscriptionID int64) (*subscription.Subscription, QuotaView, error) {
	sub, err := l.repo.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, QuotaView{}, err
	}
	return sub, view(sub, l.now()), nil
}

func view(sub *subscription.Subscription, now time.Time) QuotaView {
	u := sub.UsageAt(now)
	return QuotaView{
		SubscriptionID:      sub.ID,
		Status:              sub.Status,
		Active:              sub.IsActive(now),
		DailyLimit:          sub.DailyLimit,
		MonthlyLimit:        sub.MonthlyLimit,
		BandwidthLimitBytes: sub.BandwidthLimitBytes,
		DownloadsToday:      u.DownloadsToday,
		DownloadsMonth:      u.DownloadsMonth,
		BandwidthUsedBytes:  u.BandwidthBytes,
		RemainingDaily:      sub.RemainingDaily(now),
		RemainingMonthly:    sub.RemainingMonthly(now),
		RemainingBytes:      sub.RemainingBytes(now),
		DailyResetAt:        subscription.NextBoundary(sub.DailyResetDate, now, subscription.AddDay),
		MonthlyResetAt:      subscription.NextBoundary(sub.BandwidthResetDate, now, subscription.AddMonth),
		EndsAt:              sub.EndsAt,
	}
}

// Consume charges transferred bytes. It never rejects on limits: a transfer
// already in flight is allowed to finish past the cap.
func (l *Ledger) Consume(ctx context.Context, subscriptionID, bytesTransferred int64) (*subscription.Subscription, error) {
	if bytesTransferred <= 0 {
		return nil, apperr.Validation("bytes", "must be positive")
	}

	sub, err := l.repo.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if monthlyDue(sub, l.now()) {
		if err := l.rollWindows(ctx, subscriptionID); err != nil && !errors.Is(err, ErrQuotaRace) {
			return nil, err
		}
	}

	updated, err := l.repo.AddBandwidth(ctx, subscriptionID, bytesTransferred)
	if err != nil {
		return nil, fmt.Errorf("consume %d bytes on subscription %d: %w", bytesTransferred, subscriptionID, err)
	}
	metrics.BandwidthConsumedBytes.Add(float64(bytesTransferred))
	return updated, nil
}

// RecordDownload counts one completed download against the daily and monthly
// quotas. Called exactly once per completed session.
func (l *Ledger) RecordDownload(ctx context.Context, subscriptionID int64) (*subscription.Subscription, error) {
	return l.update(ctx, subscriptionID, func(sub *subscription.Subscription, now time.Time) bool {
		roll(sub, now)
		sub.DownloadsUsedToday++
		sub.DownloadsUsedMonth++
		sub.TotalDownloads++
		return true
	})
}

// ResetDaily zeroes the daily counter and moves the daily boundary forward.
// Before the boundary it is a no-op, so an early scheduler call never wipes
// usage mid-window.
func (l *Ledger) ResetDaily(ctx context.Context, subscriptionID int64) error {
	reset := false
	_, err := l.update(ctx, subscriptionID, func(sub *subscription.Subscription, now time.Time) bool {
		if !sub.DailyResetDate.IsZero() && now.Before(sub.DailyResetDate) {
			return false
		}
		sub.DownloadsUsedToday = 0
		sub.DailyResetDate = subscription.NextBoundary(sub.DailyResetDate, now, subscription.AddDay)
		reset = true
		return true
	})
	if err == nil && reset {
		metrics.QuotaResets.WithLabelValues("daily").Inc()
	}
	return err
}

// ResetMonthly zeroes the monthly download and bandwidth counters and moves
// bandwidthResetDate forward. Before the boundary it is a no-op.
func (l *Ledger) ResetMonthly(ctx context.Context, subscriptionID int64) error {
	reset := false
	_, err := l.update(ctx, subscriptionID, func(sub *subscription.Subscription, now time.Time) bool {
		if !sub.BandwidthResetDate.IsZero() && now.Before(sub.BandwidthResetDate) {
			return false
		}
		sub.DownloadsUsedMonth = 0
		sub.BandwidthUsedBytes = 0
		sub.BandwidthResetDate = subscription.NextBoundary(sub.BandwidthResetDate, now, subscription.AddMonth)
		reset = true
		return true
	})
	if err == nil && reset {
		metrics.QuotaResets.WithLabelValues("monthly").Inc()
	}
	return err
}

// ResetDueWindows resets every subscription whose daily or monthly boundary
// has passed. Individual failures are logged and left for the next run.
func (l *Ledger) ResetDueWindows(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		batch = 500
	}
	now := l.now()
	due, err := l.repo.ListDueForReset(ctx, now, batch)
	if err != nil {
		return 0, fmt.Errorf("list subscriptions due for reset: %w", err)
	}

	reset := 0
	for _, sub := range due {
		if !dailyDue(sub, now) && !monthlyDue(sub, now) {
			continue
		}
		if dailyDue(sub, now) {
			if err := l.ResetDaily(ctx, sub.ID); err != nil {
				log.Error().Err(err).Int64("subscription_id", sub.ID).Msg("daily quota reset failed")
				continue
			}
		}
		if monthlyDue(sub, now) {
			if err := l.ResetMonthly(ctx, sub.ID); err != nil {
				log.Error().Err(err).Int64("subscription_id", sub.ID).Msg("monthly quota reset failed")
				continue
			}
		}
		reset++
	}
	return reset, nil
}

func (l *Ledger) rollWindows(ctx context.Context, subscriptionID int64) error {
	_, err := l.update(ctx, subscriptionID, func(sub *subscription.Subscription, now time.Time) bool {
		return roll(sub, now)
	})
	return err
}

// update runs an optimistic read-modify-write. mutate returns false when no
// write is needed.
func (l *Ledger) update(ctx context.Context, id int64, mutate func(*subscription.Subscription, time.Time) bool) (*subscription.Subscription, error) {
	for attempt := 0; attempt < l.maxRetries; attempt++ {
		sub, err := l.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		expected := sub.Version
		if !mutate(sub, l.now()) {
			return sub, nil
		}
		err = l.repo.UpdateCounters(ctx, sub, expected)
		if err == nil {
			sub.Version = expected + 1
			if attempt > 0 {
				metrics.QuotaConflicts.WithLabelValues("recovered").Inc()
			}
			return sub, nil
		}
		if !errors.Is(err, subscription.ErrVersionConflict) {
			return nil, err
		}
		metrics.QuotaConflicts.WithLabelValues("retry").Inc()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	metrics.QuotaConflicts.WithLabelValues("exhausted").Inc()
	log.Warn().Int64("subscription_id", id).Int("attempts", l.maxRetries).Msg("quota update retries exhausted")
	return nil, fmt.Errorf("subscription %d: %w", id, ErrQuotaRace)
}

// roll applies any window transitions that are due at now.
func roll(sub *subscription.Subscription, now time.Time) bool {
	changed := false
	if dailyDue(sub, now) {
		sub.DownloadsUsedToday = 0
		sub.DailyResetDate = subscription.NextBoundary(sub.DailyResetDate, now, subscription.AddDay)
		changed = true
	}
	if monthlyDue(sub, now) {
		sub.DownloadsUsedMonth = 0
		sub.BandwidthUsedBytes = 0
		sub.BandwidthResetDate = subscription.NextBoundary(sub.BandwidthResetDate, now, subscription.AddMonth)
		changed = true
	}
	return changed
}

func dailyDue(sub *subscription.Subscription, now time.Time) bool {
	return !sub.DailyResetDate.IsZero() && !now.Before(sub.DailyResetDate)
}

func monthlyDue(sub *subscription.Subscription, now time.Time) bool {
	return !sub.BandwidthResetDate.IsZero() && !now.Before(sub.BandwidthResetDate)
}
