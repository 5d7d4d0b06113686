package coupon

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/readiness-billing/internal/domain/pricing"
)

// Messages reported by Validate.
const (
	MessageUsageLimitReached = "usage limit reached"
	MessageExpired           = "expired"
	MessageInvalidConfig     = "invalid coupon configuration"
	MessageApplied           = "coupon applied"
	MessageNotFound          = "coupon not found"
)

// Validation is the advisory outcome of checking a coupon against a price.
type Validation struct {
	Valid       bool
	Message     string
	Calculation *pricing.Calculation
}

// CheckUsable returns ErrCouponExhausted or ErrCouponExpired when the coupon
// cannot be redeemed at now. Usage is checked before expiry.
func CheckUsable(c *Coupon, now time.Time) error {
	if c.CurrentUses >= c.MaxUses {
		return ErrCouponExhausted
	}
	if now.After(c.ExpiresAt) {
		return ErrCouponExpired
	}
	return nil
}

// Validate checks usage and expiry, then applies the discount to basePrice.
// It never fails: every problem is reported as an invalid Validation.
func Validate(c *Coupon, basePrice decimal.Decimal, now time.Time) Validation {
	switch err := CheckUsable(c, now); {
	case errors.Is(err, ErrCouponExhausted):
		return Validation{Message: MessageUsageLimitReached}
	case errors.Is(err, ErrCouponExpired):
		return Validation{Message: MessageExpired}
	}

	calc, err := pricing.CalculateDiscount(basePrice, c.DiscountPercentage, c.MaxDiscount)
	if err != nil {
		return Validation{Message: MessageInvalidConfig}
	}
	return Validation{Valid: true, Message: MessageApplied, Calculation: &calc}
}
