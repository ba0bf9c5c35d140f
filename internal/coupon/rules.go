package coupon

import (
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Context describes one checkout a coupon is validated against.
type Context struct {
	UserID        int64
	Email         string
	Role          string
	RegisteredAt  time.Time
	PurchaseCount int
	// UserUsages is how many times this user already redeemed the coupon.
	UserUsages int

	Amount    decimal.Decimal
	PackageID int64
	FileID    int64
	// Stack holds the other coupons already applied to the order.
	Stack []*Coupon

	Now time.Time
}

// Rule is one predicate of the pipeline. It returns nil when the coupon
// passes.
type Rule func(c *Coupon, in Context) *Error

// Benefit is the non-monetary effect of a free_trial, upgrade or credit
// coupon. The caller applies it.
type Benefit struct {
	Type             Type            `json:"type"`
	TrialDays        int             `json:"trial_days,omitempty"`
	UpgradePackageID *int64          `json:"upgrade_package_id,omitempty"`
	CreditAmount     decimal.Decimal `json:"credit_amount"`
}

type Result struct {
	Valid       bool            `json:"valid"`
	Code        Code            `json:"code,omitempty"`
	Message     string          `json:"message"`
	Discount    decimal.Decimal `json:"discount"`
	FinalAmount decimal.Decimal `json:"final_amount"`
	Benefit     *Benefit        `json:"benefit,omitempty"`
}

// Err returns the rejection as an error, or nil for a valid result.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return &Error{Code: r.Code, Message: r.Message}
}

// RedeemCheck decides, under the coupon's lock, whether a redemption may be
// recorded. userUsages is the user's prior redemption count. A nil usage
// with a nil error records nothing.
type RedeemCheck func(c *Coupon, userUsages int) (*Usage, error)

// Validator runs the rule pipeline. The first failing rule decides the
// result.
type Validator struct {
	rules []Rule
}

// NewValidator builds the standard pipeline. newCustomerWindow is how long
// after registration a user counts as a new customer. Extra rules run after
// the standard ones.
func NewValidator(newCustomerWindow time.Duration, extra ...Rule) *Validator {
	rules := []Rule{
		checkActive,
		checkValidityWindow,
		checkUsageLimit,
		checkUsers,
		checkEmails,
		checkRoles,
		customerRule(newCustomerWindow),
		checkPerUserLimit,
		checkAppliesTo,
		checkAmount,
		checkStacking,
	}
	rules = append(rules, extra...)
	rules = append(rules, checkLock)
	return &Validator{rules: rules}
}

func (v *Validator) Validate(c *Coupon, in Context) Result {
	for _, rule := range v.rules {
		if err := rule(c, in); err != nil {
			return Result{Code: err.Code, Message: err.Message, FinalAmount: in.Amount}
		}
	}

	discount := c.CalculateDiscount(in.Amount)
	res := Result{
		Valid:       true,
		Message:     "coupon applied",
		Discount:    discount,
		FinalAmount: in.Amount.Sub(discount),
	}
	switch c.Type {
	case TypeFreeTrial, TypeUpgrade, TypeCredit:
		res.Benefit = &Benefit{
			Type:             c.Type,
			TrialDays:        c.TrialDays,
			UpgradePackageID: c.UpgradePackageID,
			CreditAmount:     c.CreditAmount,
		}
	}
	return res
}

func checkActive(c *Coupon, _ Context) *Error {
	if !c.Active {
		return reject(CodeNotActive, "coupon is not active")
	}
	return nil
}

func checkValidityWindow(c *Coupon, in Context) *Error {
	if c.ValidFrom != nil && in.Now.Before(*c.ValidFrom) {
		return reject(CodeNotActive, "coupon is not valid yet")
	}
	if c.ValidUntil != nil && !in.Now.Before(*c.ValidUntil) {
		return reject(CodeExpired, "coupon has expired")
	}
	local := in.Now.In(c.Location())
	if len(c.ValidDays) > 0 && !slices.Contains(c.ValidDays, local.Weekday()) {
		return reject(CodeNotActive, "coupon is not valid today")
	}
	if !c.ValidHours.Contains(local.Hour()) {
		return reject(CodeNotActive, "coupon is not valid at this hour")
	}
	return nil
}

func checkUsageLimit(c *Coupon, _ Context) *Error {
	if c.UsageLimit > 0 && c.UsageCount >= c.UsageLimit {
		return reject(CodeUsageLimitReached, "coupon usage limit reached")
	}
	return nil
}

func checkUsers(c *Coupon, in Context) *Error {
	e := c.Eligibility
	if slices.Contains(e.BlockedUserIDs, in.UserID) {
		return reject(CodeNotEligible, "coupon is not available for this account")
	}
	if len(e.AllowedUserIDs) > 0 && !slices.Contains(e.AllowedUserIDs, in.UserID) {
		return reject(CodeNotEligible, "coupon is not available for this account")
	}
	return nil
}

func checkEmails(c *Coupon, in Context) *Error {
	e := c.Eligibility
	email := strings.ToLower(strings.TrimSpace(in.Email))
	domain := ""
	if at := strings.LastIndexByte(email, '@'); at >= 0 {
		domain = email[at+1:]
	}
	if containsCode(e.BlockedEmails, email) || containsCode(e.BlockedDomains, domain) {
		return reject(CodeNotEligible, "coupon is not available for this email")
	}
	if len(e.AllowedEmails) > 0 && !containsCode(e.AllowedEmails, email) {
		return reject(CodeNotEligible, "coupon is not available for this email")
	}
	if len(e.AllowedDomains) > 0 && !containsCode(e.AllowedDomains, domain) {
		return reject(CodeNotEligible, "coupon is not available for this email domain")
	}
	return nil
}

func checkRoles(c *Coupon, in Context) *Error {
	if roles := c.Eligibility.AllowedRoles; len(roles) > 0 && !containsCode(roles, in.Role) {
		return reject(CodeNotEligible, "coupon is not available for this account type")
	}
	return nil
}

func customerRule(newCustomerWindow time.Duration) Rule {
	return func(c *Coupon, in Context) *Error {
		switch c.Eligibility.Customer {
		case CustomerNew:
			if in.RegisteredAt.IsZero() || in.Now.Sub(in.RegisteredAt) > newCustomerWindow {
				return reject(CodeNotEligible, "coupon is only for new customers")
			}
		case CustomerExisting:
			if in.PurchaseCount == 0 {
				return reject(CodeNotEligible, "coupon is only for returning customers")
			}
		case CustomerFirstPurchase:
			if in.PurchaseCount > 0 {
				return reject(CodeNotEligible, "coupon is only valid on a first purchase")
			}
		}
		return nil
	}
}

func checkPerUserLimit(c *Coupon, in Context) *Error {
	if c.UsageLimitPerUser > 0 && in.UserUsages >= c.UsageLimitPerUser {
		return reject(CodeNotEligible, "you have already used this coupon")
	}
	return nil
}

func checkAppliesTo(c *Coupon, in Context) *Error {
	a := c.AppliesTo
	switch a.Scope {
	case ScopePackages:
		if in.PackageID != 0 && !slices.Contains(a.PackageIDs, in.PackageID) {
			return reject(CodeNotEligible, "coupon does not apply to this package")
		}
	case ScopeFiles:
		if in.FileID != 0 && !slices.Contains(a.FileIDs, in.FileID) {
			return reject(CodeNotEligible, "coupon does not apply to this file")
		}
	}
	return nil
}

func checkAmount(c *Coupon, in Context) *Error {
	if in.Amount.LessThan(c.MinimumAmount) {
		return reject(CodeAmountOutOfRange, "order amount is below the coupon minimum of "+c.MinimumAmount.StringFixed(2))
	}
	if c.MaximumAmount.IsPositive() && in.Amount.GreaterThan(c.MaximumAmount) {
		return reject(CodeAmountOutOfRange, "order amount is above the coupon maximum of "+c.MaximumAmount.StringFixed(2))
	}
	return nil
}

func checkStacking(c *Coupon, in Context) *Error {
	for _, other := range in.Stack {
		if other.ID == c.ID {
			return reject(CodeNotStackable, "coupon is already applied")
		}
		if !CanStack(c, other) {
			return reject(CodeNotStackable, "coupon cannot be combined with "+other.Code)
		}
	}
	return nil
}

func checkLock(c *Coupon, in Context) *Error {
	if c.LockedAt(in.Now) {
		return reject(CodeLocked, "coupon is temporarily locked after too many failed attempts")
	}
	return nil
}
