package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"downloadgate/internal/subscription"
)

// MemorySubscriptionRepository is an in-process store with the same
// atomicity guarantees as the PostgreSQL repository.
type MemorySubscriptionRepository struct {
	mu     sync.Mutex
	nextID int64
	items  map[int64]*subscription.Subscription
	now    func() time.Time
}

func NewMemorySubscriptionRepository() *MemorySubscriptionRepository {
	return &MemorySubscriptionRepository{
		items: make(map[int64]*subscription.Subscription),
		now:   time.Now,
	}
}

func (r *MemorySubscriptionRepository) Create(_ context.Context, sub *subscription.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub.ID == 0 {
		r.nextID++
		sub.ID = r.nextID
	} else if sub.ID > r.nextID {
		r.nextID = sub.ID
	}
	sub.InitWindows()
	now := r.now()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	cp := *sub
	r.items[sub.ID] = &cp
	return nil
}

func (r *MemorySubscriptionRepository) GetByID(_ context.Context, id int64) (*subscription.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.items[id]
	if !ok {
		return nil, subscription.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (r *MemorySubscriptionRepository) GetActiveByUserID(_ context.Context, userID int64, now time.Time) (*subscription.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *subscription.Subscription
	for _, sub := range r.items {
		if sub.UserID != userID || !sub.IsActive(now) {
			continue
		}
		if best == nil || sub.EndsAt.After(best.EndsAt) {
			best = sub
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (r *MemorySubscriptionRepository) AddBandwidth(_ context.Context, id int64, delta int64) (*subscription.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.items[id]
	if !ok {
		return nil, subscription.ErrNotFound
	}
	sub.BandwidthUsedBytes += delta
	sub.Version++
	sub.UpdatedAt = r.now()
	cp := *sub
	return &cp, nil
}

func (r *MemorySubscriptionRepository) UpdateCounters(_ context.Context, sub *subscription.Subscription, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.items[sub.ID]
	if !ok {
		return subscription.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return subscription.ErrVersionConflict
	}
	cur.DownloadsUsedToday = sub.DownloadsUsedToday
	cur.DownloadsUsedMonth = sub.DownloadsUsedMonth
	cur.TotalDownloads = sub.TotalDownloads
	cur.BandwidthUsedBytes = sub.BandwidthUsedBytes
	cur.DailyResetDate = sub.DailyResetDate
	cur.BandwidthResetDate = sub.BandwidthResetDate
	cur.Version++
	cur.UpdatedAt = r.now()
	return nil
}

func (r *MemorySubscriptionRepository) ListDueForReset(_ context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*subscription.Subscription
	for _, sub := range r.items {
		if sub.Status != subscription.StatusActive && sub.Status != subscription.StatusGrace {
			continue
		}
		if !now.Before(sub.DailyResetDate) || !now.Before(sub.BandwidthResetDate) {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
