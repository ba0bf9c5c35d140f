package repository

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"downloadgate/internal/coupon"
)

type MemoryCouponRepository struct {
	mu      sync.Mutex
	nextID  int64
	nextUse int64
	items   map[int64]*coupon.Coupon
	byCode  map[string]int64
	usages  []coupon.Usage
	now     func() time.Time
}

func NewMemoryCouponRepository() *MemoryCouponRepository {
	return &MemoryCouponRepository{
		items:  make(map[int64]*coupon.Coupon),
		byCode: make(map[string]int64),
		now:    time.Now,
	}
}

func clone(c *coupon.Coupon) *coupon.Coupon {
	cp := *c
	cp.ValidDays = slices.Clone(c.ValidDays)
	cp.StackableWith = slices.Clone(c.StackableWith)
	cp.NotStackableWith = slices.Clone(c.NotStackableWith)
	cp.Eligibility.AllowedUserIDs = slices.Clone(c.Eligibility.AllowedUserIDs)
	cp.Eligibility.BlockedUserIDs = slices.Clone(c.Eligibility.BlockedUserIDs)
	cp.Eligibility.AllowedEmails = slices.Clone(c.Eligibility.AllowedEmails)
	cp.Eligibility.BlockedEmails = slices.Clone(c.Eligibility.BlockedEmails)
	cp.Eligibility.AllowedDomains = slices.Clone(c.Eligibility.AllowedDomains)
	cp.Eligibility.BlockedDomains = slices.Clone(c.Eligibility.BlockedDomains)
	cp.Eligibility.AllowedRoles = slices.Clone(c.Eligibility.AllowedRoles)
	cp.AppliesTo.PackageIDs = slices.Clone(c.AppliesTo.PackageIDs)
	cp.AppliesTo.FileIDs = slices.Clone(c.AppliesTo.FileIDs)
	return &cp
}

func (r *MemoryCouponRepository) Create(_ context.Context, c *coupon.Coupon) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c.Code = coupon.NormalizeCode(c.Code)
	if _, taken := r.byCode[c.Code]; taken {
		return coupon.ErrDuplicateCode
	}
	r.nextID++
	now := r.now()
	c.ID = r.nextID
	c.Version = 1
	c.CreatedAt, c.UpdatedAt = now, now
	r.items[c.ID] = clone(c)
	r.byCode[c.Code] = c.ID
	return nil
}

func (r *MemoryCouponRepository) GetByID(_ context.Context, id int64) (*coupon.Coupon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[id]
	if !ok {
		return nil, coupon.NotFound()
	}
	return clone(c), nil
}

func (r *MemoryCouponRepository) GetByCode(_ context.Context, code string) (*coupon.Coupon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.lookup(code)
	if !ok {
		return nil, coupon.NotFound()
	}
	return clone(c), nil
}

func (r *MemoryCouponRepository) lookup(code string) (*coupon.Coupon, bool) {
	id, ok := r.byCode[coupon.NormalizeCode(code)]
	if !ok {
		return nil, false
	}
	return r.items[id], true
}

func (r *MemoryCouponRepository) List(_ context.Context) ([]*coupon.Coupon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*coupon.Coupon, 0, len(r.items))
	for _, c := range r.items {
		out = append(out, clone(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// Update replaces the coupon definition. Usage and lockout counters are
// kept from the stored row.
func (r *MemoryCouponRepository) Update(_ context.Context, c *coupon.Coupon, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.items[c.ID]
	if !ok {
		return coupon.NotFound()
	}
	if cur.Version != expectedVersion {
		return coupon.ErrVersionConflict
	}
	c.Code = coupon.NormalizeCode(c.Code)
	if id, taken := r.byCode[c.Code]; taken && id != c.ID {
		return coupon.ErrDuplicateCode
	}

	next := clone(c)
	next.UsageCount = cur.UsageCount
	next.FailedAttempts = cur.FailedAttempts
	next.LockedUntil = cur.LockedUntil
	next.CreatedBy = cur.CreatedBy
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = r.now()
	next.Version = cur.Version + 1

	delete(r.byCode, cur.Code)
	r.byCode[next.Code] = next.ID
	r.items[next.ID] = next
	*c = *clone(next)
	return nil
}

func (r *MemoryCouponRepository) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[id]
	if !ok {
		return coupon.NotFound()
	}
	delete(r.byCode, c.Code)
	delete(r.items, id)
	return nil
}

func (r *MemoryCouponRepository) CountUserUsages(_ context.Context, couponID, userID int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countUsages(couponID, userID), nil
}

func (r *MemoryCouponRepository) countUsages(couponID, userID int64) int {
	n := 0
	for _, u := range r.usages {
		if u.CouponID == couponID && u.UserID == userID {
			n++
		}
	}
	return n
}

func (r *MemoryCouponRepository) Redeem(_ context.Context, code string, userID int64, check coupon.RedeemCheck) (*coupon.Coupon, *coupon.Usage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.lookup(code)
	if !ok {
		return nil, nil, coupon.NotFound()
	}
	u, err := check(clone(c), r.countUsages(c.ID, userID))
	if err != nil {
		return nil, nil, err
	}
	if u == nil {
		return clone(c), nil, nil
	}
	if c.UsageLimit > 0 && c.UsageCount >= c.UsageLimit {
		return nil, nil, &coupon.Error{Code: coupon.CodeUsageLimitReached, Message: "coupon usage limit reached"}
	}

	c.UsageCount++
	c.Version++
	c.UpdatedAt = r.now()
	r.nextUse++
	u.ID = r.nextUse
	u.CouponID = c.ID
	u.UserID = userID
	u.UsedAt = c.UpdatedAt
	r.usages = append(r.usages, *u)
	return clone(c), u, nil
}

func (r *MemoryCouponRepository) RecordFailedAttempt(_ context.Context, id int64, threshold int, lockUntil time.Time) (*coupon.Coupon, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.items[id]
	if !ok {
		return nil, false, coupon.NotFound()
	}
	c.FailedAttempts++
	locked := false
	if threshold > 0 && c.FailedAttempts >= threshold {
		c.FailedAttempts = 0
		until := lockUntil
		c.LockedUntil = &until
		locked = true
	}
	c.Version++
	c.UpdatedAt = r.now()
	return clone(c), locked, nil
}
