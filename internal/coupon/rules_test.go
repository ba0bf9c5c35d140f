package coupon

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Wednesday noon UTC.
var now = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

func baseCoupon() *Coupon {
	return &Coupon{
		ID:              1,
		Code:            "SPRING",
		Type:            TypePercentage,
		Active:          true,
		DiscountPercent: dec("20"),
		Stackable:       true,
	}
}

func baseContext() Context {
	return Context{
		UserID:        7,
		Email:         "buyer@example.com",
		Role:          "customer",
		RegisteredAt:  now.AddDate(0, 0, -3),
		PurchaseCount: 0,
		Amount:        dec("50"),
		Now:           now,
	}
}

func TestValidatorPipeline(t *testing.T) {
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	other := &Coupon{ID: 2, Code: "SOLO"}

	tests := []struct {
		name   string
		modify func(c *Coupon, in *Context)
		want   Code
	}{
		{"valid", func(*Coupon, *Context) {}, ""},
		{"inactive", func(c *Coupon, _ *Context) { c.Active = false }, CodeNotActive},
		{"not yet valid", func(c *Coupon, _ *Context) { c.ValidFrom = &future }, CodeNotActive},
		{"expired", func(c *Coupon, _ *Context) { c.ValidUntil = &past }, CodeExpired},
		{"wrong weekday", func(c *Coupon, _ *Context) { c.ValidDays = []time.Weekday{time.Saturday, time.Sunday} }, CodeNotActive},
		{"right weekday", func(c *Coupon, _ *Context) { c.ValidDays = []time.Weekday{time.Wednesday} }, ""},
		{"outside hours", func(c *Coupon, _ *Context) { c.ValidHours = HourRange{From: 18, To: 22} }, CodeNotActive},
		// 12:00 UTC is 21:00 in Tokyo
		{"hours in timezone", func(c *Coupon, _ *Context) {
			c.ValidHours = HourRange{From: 18, To: 22}
			c.Timezone = "Asia/Tokyo"
		}, ""},
		{"usage exhausted", func(c *Coupon, _ *Context) { c.UsageLimit, c.UsageCount = 3, 3 }, CodeUsageLimitReached},
		{"blocked user", func(c *Coupon, _ *Context) { c.Eligibility.BlockedUserIDs = []int64{7} }, CodeNotEligible},
		{"not allowed user", func(c *Coupon, _ *Context) { c.Eligibility.AllowedUserIDs = []int64{8} }, CodeNotEligible},
		{"blocked domain", func(c *Coupon, _ *Context) { c.Eligibility.BlockedDomains = []string{"EXAMPLE.com"} }, CodeNotEligible},
		{"allowed email", func(c *Coupon, _ *Context) { c.Eligibility.AllowedEmails = []string{"Buyer@Example.com"} }, ""},
		{"wrong domain", func(c *Coupon, _ *Context) { c.Eligibility.AllowedDomains = []string{"corp.io"} }, CodeNotEligible},
		{"role", func(c *Coupon, _ *Context) { c.Eligibility.AllowedRoles = []string{"admin"} }, CodeNotEligible},
		{"new customer", func(c *Coupon, _ *Context) { c.Eligibility.Customer = CustomerNew }, ""},
		{"no longer new", func(c *Coupon, in *Context) {
			c.Eligibility.Customer = CustomerNew
			in.RegisteredAt = now.AddDate(-1, 0, 0)
		}, CodeNotEligible},
		{"existing only", func(c *Coupon, _ *Context) { c.Eligibility.Customer = CustomerExisting }, CodeNotEligible},
		{"first purchase used", func(c *Coupon, in *Context) {
			c.Eligibility.Customer = CustomerFirstPurchase
			in.PurchaseCount = 2
		}, CodeNotEligible},
		{"per user cap", func(c *Coupon, in *Context) { c.UsageLimitPerUser, in.UserUsages = 1, 1 }, CodeNotEligible},
		{"package scope", func(c *Coupon, in *Context) {
			c.AppliesTo = AppliesTo{Scope: ScopePackages, PackageIDs: []int64{1, 2}}
			in.PackageID = 3
		}, CodeNotEligible},
		{"package scope unnamed", func(c *Coupon, _ *Context) {
			c.AppliesTo = AppliesTo{Scope: ScopePackages, PackageIDs: []int64{1, 2}}
		}, ""},
		{"below minimum", func(c *Coupon, _ *Context) { c.MinimumAmount = dec("60") }, CodeAmountOutOfRange},
		{"above maximum", func(c *Coupon, _ *Context) { c.MaximumAmount = dec("40") }, CodeAmountOutOfRange},
		{"not stackable", func(_ *Coupon, in *Context) { in.Stack = []*Coupon{other} }, CodeNotStackable},
		{"applied twice", func(c *Coupon, in *Context) { in.Stack = []*Coupon{c} }, CodeNotStackable},
		{"locked", func(c *Coupon, _ *Context) { c.LockedUntil = &future }, CodeLocked},
		{"lock lapsed", func(c *Coupon, _ *Context) { c.LockedUntil = &past }, ""},
		// the first failing rule decides
		{"inactive and locked", func(c *Coupon, _ *Context) {
			c.Active = false
			c.LockedUntil = &future
		}, CodeNotActive},
		{"eligibility before amount", func(c *Coupon, _ *Context) {
			c.Eligibility.BlockedUserIDs = []int64{7}
			c.MinimumAmount = dec("100")
		}, CodeNotEligible},
	}

	v := NewValidator(30 * 24 * time.Hour)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, in := baseCoupon(), baseContext()
			tt.modify(c, &in)
			res := v.Validate(c, in)
			assert.Equal(t, tt.want, res.Code, res.Message)
			assert.Equal(t, tt.want == "", res.Valid)
			if !res.Valid {
				assert.NotEmpty(t, res.Message)
				assert.True(t, in.Amount.Equal(res.FinalAmount))
			}
		})
	}
}

func TestValidatorResult(t *testing.T) {
	v := NewValidator(time.Hour)

	res := v.Validate(baseCoupon(), baseContext())
	require.True(t, res.Valid)
	assert.True(t, dec("10").Equal(res.Discount))
	assert.True(t, dec("40").Equal(res.FinalAmount))
	assert.Nil(t, res.Benefit)
	assert.NoError(t, res.Err())

	trial := baseCoupon()
	trial.Type = TypeFreeTrial
	trial.TrialDays = 14
	res = v.Validate(trial, baseContext())
	require.True(t, res.Valid)
	require.NotNil(t, res.Benefit)
	assert.Equal(t, 14, res.Benefit.TrialDays)
	assert.True(t, res.Discount.IsZero())

	c := baseCoupon()
	c.Active = false
	err := v.Validate(c, baseContext()).Err()
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestExtraRulesRunBeforeLock(t *testing.T) {
	calls := 0
	v := NewValidator(time.Hour, func(c *Coupon, in Context) *Error {
		calls++
		return reject(CodeNotEligible, "custom")
	})
	c := baseCoupon()
	future := now.Add(time.Hour)
	c.LockedUntil = &future

	res := v.Validate(c, baseContext())
	assert.Equal(t, CodeNotEligible, res.Code)
	assert.Equal(t, 1, calls)
}
