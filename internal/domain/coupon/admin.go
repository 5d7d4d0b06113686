package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/readiness-billing/internal/domain/pricing"
)

// NewCoupon holds the administrator supplied fields of a coupon.
type NewCoupon struct {
	Code               string
	DiscountPercentage decimal.Decimal
	MaxDiscount        *decimal.Decimal
	MaxUses            int
	ExpiresAt          time.Time
}

// Admin creates coupons.
type Admin struct {
	repo Repository
	now  func() time.Time
}

// NewAdmin creates an Admin backed by repo.
func NewAdmin(repo Repository) *Admin {
	return &Admin{repo: repo, now: time.Now}
}

// CheckTerms validates the discount terms of a coupon. Both values are stored
// with two fractional digits, so finer values are rejected rather than
// rounded.
func CheckTerms(pct decimal.Decimal, maxDiscount *decimal.Decimal) error {
	if err := pricing.CheckMagnitude(pct); err != nil {
		return errors.Wrap(err, "discount percentage")
	}
	switch {
	case pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(100)):
		return errors.Wrapf(pricing.ErrInvalidInput, "discount percentage %s outside 0..100", pct)
	case !pricing.HasCents(pct):
		return errors.Wrapf(pricing.ErrInvalidInput, "discount percentage %s has more than two decimal places", pct)
	}
	if maxDiscount == nil {
		return nil
	}
	if err := pricing.CheckMagnitude(*maxDiscount); err != nil {
		return errors.Wrap(err, "max discount")
	}
	switch {
	case maxDiscount.IsNegative():
		return errors.Wrapf(pricing.ErrInvalidInput, "negative max discount %s", *maxDiscount)
	case !pricing.HasCents(*maxDiscount):
		return errors.Wrapf(pricing.ErrInvalidInput, "max discount %s has more than two decimal places", *maxDiscount)
	}
	return nil
}

// Create validates nc and stores a coupon with zero uses. Field problems are
// reported as pricing.ErrInvalidInput.
func (a *Admin) Create(ctx context.Context, nc NewCoupon) (*Coupon, error) {
	now := a.now()
	code := NormalizeCode(nc.Code)

	if code == "" {
		return nil, errors.Wrap(pricing.ErrInvalidInput, "code is required")
	}
	if err := CheckTerms(nc.DiscountPercentage, nc.MaxDiscount); err != nil {
		return nil, err
	}
	switch {
	case nc.MaxUses < 1:
		return nil, errors.Wrapf(pricing.ErrInvalidInput, "max uses must be at least 1, got %d", nc.MaxUses)
	case !nc.ExpiresAt.After(now):
		return nil, errors.Wrap(pricing.ErrInvalidInput, "expiry must be in the future")
	}

	c := &Coupon{
		ID:                 uuid.New().String(),
		Code:               code,
		DiscountPercentage: nc.DiscountPercentage,
		MaxDiscount:        nc.MaxDiscount,
		MaxUses:            nc.MaxUses,
		ExpiresAt:          nc.ExpiresAt.UTC(),
		CreatedAt:          now.UTC(),
	}
	if err := a.repo.Create(ctx, c); err != nil {
		if errors.Is(err, ErrDuplicateCode) {
			return nil, err
		}
		return nil, errors.Wrap(err, "create coupon")
	}
	return c, nil
}
