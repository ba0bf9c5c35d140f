package subscription

import (
	"errors"
	"math"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusGrace     Status = "grace"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Unlimited is reported as the remaining amount of an uncapped quota.
const Unlimited int64 = math.MaxInt64

var (
	ErrNotFound        = errors.New("subscription not found")
	ErrVersionConflict = errors.New("subscription was modified concurrently")
)

// Subscription carries the quota counters for one purchased package. A limit
// of zero or less means the quota is uncapped.
type Subscription struct {
	ID        int64
	UserID    int64
	PackageID int64
	Status    Status

	DailyLimit          int
	MonthlyLimit        int
	BandwidthLimitBytes int64

	DownloadsUsedToday int
	DownloadsUsedMonth int
	TotalDownloads     int64
	BandwidthUsedBytes int64

	DailyResetDate     time.Time
	BandwidthResetDate time.Time

	StartsAt        time.Time
	EndsAt          time.Time
	GracePeriodEnds *time.Time
	AutoRenew       bool

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsActive reports whether the subscription grants paid access at now.
func (s *Subscription) IsActive(now time.Time) bool {
	if s == nil {
		return false
	}
	switch s.Status {
	case StatusActive:
		if !now.Before(s.StartsAt) && now.Before(s.EndsAt) {
			return true
		}
	case StatusGrace:
	default:
		return false
	}
	return s.GracePeriodEnds != nil && now.Before(*s.GracePeriodEnds)
}

// Usage is the committed counter state as seen at a point in time. Windows
// whose reset date has passed read as zero even if the scheduler has not
// yet reset them.
type Usage struct {
	DownloadsToday int
	DownloadsMonth int
	BandwidthBytes int64
}

func (s *Subscription) UsageAt(now time.Time) Usage {
	u := Usage{
		DownloadsToday: s.DownloadsUsedToday,
		DownloadsMonth: s.DownloadsUsedMonth,
		BandwidthBytes: s.BandwidthUsedBytes,
	}
	if !s.DailyResetDate.IsZero() && !now.Before(s.DailyResetDate) {
		u.DownloadsToday = 0
	}
	if !s.BandwidthResetDate.IsZero() && !now.Before(s.BandwidthResetDate) {
		u.DownloadsMonth = 0
		u.BandwidthBytes = 0
	}
	return u
}

// RemainingDaily returns downloads left today, or Unlimited.
func (s *Subscription) RemainingDaily(now time.Time) int64 {
	return remaining(int64(s.DailyLimit), int64(s.UsageAt(now).DownloadsToday))
}

// RemainingMonthly returns downloads left this cycle, or Unlimited.
func (s *Subscription) RemainingMonthly(now time.Time) int64 {
	return remaining(int64(s.MonthlyLimit), int64(s.UsageAt(now).DownloadsMonth))
}

// RemainingBytes returns bandwidth left this cycle, or Unlimited.
func (s *Subscription) RemainingBytes(now time.Time) int64 {
	return remaining(s.BandwidthLimitBytes, s.UsageAt(now).BandwidthBytes)
}

func remaining(limit, used int64) int64 {
	if limit <= 0 {
		return Unlimited
	}
	if left := limit - used; left > 0 {
		return left
	}
	return 0
}

// InitWindows sets the first reset boundaries relative to the subscription
// start when they are not set.
func (s *Subscription) InitWindows() {
	start := s.StartsAt
	if s.DailyResetDate.IsZero() {
		s.DailyResetDate = AddDay(start)
	}
	if s.BandwidthResetDate.IsZero() {
		s.BandwidthResetDate = AddMonth(start)
	}
}

// NextBoundary advances from by whole periods until it is after now.
func NextBoundary(from, now time.Time, step func(time.Time) time.Time) time.Time {
	if from.IsZero() {
		from = now
	}
	next := from
	for !next.After(now) {
		next = step(next)
	}
	return next
}

func AddDay(t time.Time) time.Time   { return t.AddDate(0, 0, 1) }
func AddMonth(t time.Time) time.Time { return t.AddDate(0, 1, 0) }
