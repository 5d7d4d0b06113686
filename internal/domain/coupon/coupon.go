// Package coupon models percentage discount codes, their usage and expiry
// checks, the read-only quote path and coupon administration.
package coupon

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrCouponNotFound is returned when no coupon matches the trimmed code.
	ErrCouponNotFound = errors.New("coupon not found")
	// ErrCouponExhausted is returned when a coupon has no uses left.
	ErrCouponExhausted = errors.New("coupon usage limit reached")
	// ErrCouponExpired is returned when a coupon is past its expiry time.
	ErrCouponExpired = errors.New("coupon expired")
	// ErrDuplicateCode is returned by Create when the code is already taken.
	ErrDuplicateCode = errors.New("coupon code already exists")
)

// Coupon is a percentage discount code with an optional cap.
type Coupon struct {
	ID                 string
	Code               string
	DiscountPercentage decimal.Decimal
	// MaxDiscount caps the discount amount when set.
	MaxDiscount *decimal.Decimal
	CurrentUses int
	MaxUses     int
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// RemainingUses reports how many redemptions are left.
func (c *Coupon) RemainingUses() int {
	if c.CurrentUses >= c.MaxUses {
		return 0
	}
	return c.MaxUses - c.CurrentUses
}

// NormalizeCode trims surrounding whitespace. Codes are case-sensitive.
func NormalizeCode(code string) string {
	return strings.TrimSpace(code)
}

// Reader looks coupons up by code.
type Reader interface {
	FindByCode(ctx context.Context, code string) (*Coupon, error)
}

// Repository provides lookup and creation of coupons. Usage counters are
// never written through this interface; they only move inside the
// redemption transaction.
type Repository interface {
	Reader
	Create(ctx context.Context, c *Coupon) error
}
