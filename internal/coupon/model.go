package coupon

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Type string

const (
	TypeFixed      Type = "fixed"
	TypePercentage Type = "percentage"
	TypeFreeTrial  Type = "free_trial"
	TypeUpgrade    Type = "upgrade"
	TypeCredit     Type = "credit"
)

func (t Type) Valid() bool {
	switch t {
	case TypeFixed, TypePercentage, TypeFreeTrial, TypeUpgrade, TypeCredit:
		return true
	}
	return false
}

// Customer restricts a coupon to a kind of buyer. Empty means anyone.
type Customer string

const (
	CustomerAny           Customer = ""
	CustomerNew           Customer = "new"
	CustomerExisting      Customer = "existing"
	CustomerFirstPurchase Customer = "first_purchase"
)

// Scope names what a coupon may be applied to.
type Scope string

const (
	ScopeAll      Scope = "all"
	ScopePackages Scope = "packages"
	ScopeFiles    Scope = "files"
)

// Eligibility lists who may use a coupon. Empty allow lists allow everyone;
// block lists always win.
type Eligibility struct {
	AllowedUserIDs []int64  `json:"allowed_user_ids,omitempty"`
	BlockedUserIDs []int64  `json:"blocked_user_ids,omitempty"`
	AllowedEmails  []string `json:"allowed_emails,omitempty"`
	BlockedEmails  []string `json:"blocked_emails,omitempty"`
	AllowedDomains []string `json:"allowed_domains,omitempty"`
	BlockedDomains []string `json:"blocked_domains,omitempty"`
	AllowedRoles   []string `json:"allowed_roles,omitempty"`
	Customer       Customer `json:"customer,omitempty"`
}

// AppliesTo limits a coupon to packages or files. It is only checked when
// the checkout names one.
type AppliesTo struct {
	Scope      Scope   `json:"scope"`
	PackageIDs []int64 `json:"package_ids,omitempty"`
	FileIDs    []int64 `json:"file_ids,omitempty"`
}

// HourRange is a [From, To) range of local hours. From == To means all day;
// From > To wraps past midnight.
type HourRange struct {
	From int `json:"from"`
	To   int `json:"to"`
}

func (h HourRange) Contains(hour int) bool {
	switch {
	case h.From == h.To:
		return true
	case h.From < h.To:
		return hour >= h.From && hour < h.To
	default:
		return hour >= h.From || hour < h.To
	}
}

type Coupon struct {
	ID     int64  `json:"id"`
	Code   string `json:"code"`
	Type   Type   `json:"type"`
	Active bool   `json:"active"`

	DiscountAmount    decimal.Decimal `json:"discount_amount"`
	DiscountPercent   decimal.Decimal `json:"discount_percent"`
	MaxDiscountAmount decimal.Decimal `json:"max_discount_amount"` // zero means uncapped

	ValidFrom  *time.Time     `json:"valid_from,omitempty"`
	ValidUntil *time.Time     `json:"valid_until,omitempty"`
	ValidDays  []time.Weekday `json:"valid_days,omitempty"`
	ValidHours HourRange      `json:"valid_hours"`
	Timezone   string         `json:"timezone,omitempty"`

	UsageLimit        int `json:"usage_limit"` // zero or less means unlimited
	UsageCount        int `json:"usage_count"`
	UsageLimitPerUser int `json:"usage_limit_per_user"`

	Stackable        bool     `json:"stackable"`
	StackableWith    []string `json:"stackable_with,omitempty"`
	NotStackableWith []string `json:"not_stackable_with,omitempty"`

	Eligibility Eligibility `json:"eligibility"`
	AppliesTo   AppliesTo   `json:"applies_to"`

	MinimumAmount decimal.Decimal `json:"minimum_amount"`
	MaximumAmount decimal.Decimal `json:"maximum_amount"` // zero means no upper bound

	TrialDays        int             `json:"trial_days,omitempty"`
	UpgradePackageID *int64          `json:"upgrade_package_id,omitempty"`
	CreditAmount     decimal.Decimal `json:"credit_amount"`

	FailedAttempts int        `json:"failed_attempts"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`

	Version   int64     `json:"version"`
	CreatedBy int64     `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Usage is one redemption of a coupon.
type Usage struct {
	ID       int64           `json:"id"`
	CouponID int64           `json:"coupon_id"`
	UserID   int64           `json:"user_id"`
	OrderRef string          `json:"order_ref,omitempty"`
	Discount decimal.Decimal `json:"discount"`
	UsedAt   time.Time       `json:"used_at"`
}

// NormalizeCode is the canonical form codes are stored and looked up in.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (c *Coupon) LockedAt(now time.Time) bool {
	return c.LockedUntil != nil && now.Before(*c.LockedUntil)
}

// Location returns the coupon's timezone, UTC when unset or unknown.
func (c *Coupon) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// CalculateDiscount returns the discount for an order of amount. It is never
// negative and never exceeds amount. Benefit coupons discount nothing; their
// effect is applied by the caller.
func (c *Coupon) CalculateDiscount(amount decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() {
		return decimal.Zero
	}
	var d decimal.Decimal
	switch c.Type {
	case TypeFixed:
		d = c.DiscountAmount
	case TypePercentage:
		d = amount.Mul(c.DiscountPercent).Div(decimal.NewFromInt(100)).Round(2)
		if c.MaxDiscountAmount.IsPositive() {
			d = decimal.Min(d, c.MaxDiscountAmount)
		}
	default:
		return decimal.Zero
	}
	if d.IsNegative() {
		return decimal.Zero
	}
	return decimal.Min(d, amount)
}

// CanStackWith reports whether this coupon accepts other alongside it. The
// relation is not symmetric; use CanStack for a pair.
func (c *Coupon) CanStackWith(other string) bool {
	if !c.Stackable {
		return false
	}
	if containsCode(c.NotStackableWith, other) {
		return false
	}
	return len(c.StackableWith) == 0 || containsCode(c.StackableWith, other)
}

// CanStack checks both directions.
func CanStack(a, b *Coupon) bool {
	return a.CanStackWith(b.Code) && b.CanStackWith(a.Code)
}

func containsCode(codes []string, code string) bool {
	for _, c := range codes {
		if strings.EqualFold(c, code) {
			return true
		}
	}
	return false
}

// Check validates an admin-supplied coupon definition.
func (c *Coupon) Check() error {
	switch {
	case c.Code == "":
		return errors.New("code is required")
	case !c.Type.Valid():
		return fmt.Errorf("unknown coupon type %q", c.Type)
	case c.DiscountAmount.IsNegative(), c.MaxDiscountAmount.IsNegative(), c.CreditAmount.IsNegative():
		return errors.New("amounts must not be negative")
	case c.DiscountPercent.IsNegative(), c.DiscountPercent.GreaterThan(decimal.NewFromInt(100)):
		return errors.New("discount_percent must be between 0 and 100")
	case c.MinimumAmount.IsNegative(), c.MaximumAmount.IsNegative():
		return errors.New("amount bounds must not be negative")
	case c.MaximumAmount.IsPositive() && c.MinimumAmount.GreaterThan(c.MaximumAmount):
		return errors.New("minimum_amount exceeds maximum_amount")
	case c.ValidFrom != nil && c.ValidUntil != nil && !c.ValidFrom.Before(*c.ValidUntil):
		return errors.New("valid_from must be before valid_until")
	case c.ValidHours.From < 0 || c.ValidHours.From > 23 || c.ValidHours.To < 0 || c.ValidHours.To > 23:
		return errors.New("valid_hours must be within 0..23")
	case c.Type == TypeFreeTrial && c.TrialDays <= 0:
		return errors.New("free_trial coupons need trial_days")
	case c.Type == TypeUpgrade && c.UpgradePackageID == nil:
		return errors.New("upgrade coupons need upgrade_package_id")
	case c.Type == TypeCredit && !c.CreditAmount.IsPositive():
		return errors.New("credit coupons need credit_amount")
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("unknown timezone %q", c.Timezone)
		}
	}
	switch c.AppliesTo.Scope {
	case "", ScopeAll, ScopePackages, ScopeFiles:
	default:
		return fmt.Errorf("unknown applies_to scope %q", c.AppliesTo.Scope)
	}
	switch c.Eligibility.Customer {
	case CustomerAny, CustomerNew, CustomerExisting, CustomerFirstPurchase:
	default:
		return fmt.Errorf("unknown customer restriction %q", c.Eligibility.Customer)
	}
	return nil
}

// Value and Scan store Eligibility and AppliesTo as JSON documents.

func (e Eligibility) Value() (driver.Value, error) { return json.Marshal(e) }

func (e *Eligibility) Scan(src any) error { return scanJSON(src, e) }

func (a AppliesTo) Value() (driver.Value, error) { return json.Marshal(a) }

func (a *AppliesTo) Scan(src any) error { return scanJSON(src, a) }

func scanJSON(src any, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	}
	return fmt.Errorf("cannot scan %T into %T", src, dst)
}
