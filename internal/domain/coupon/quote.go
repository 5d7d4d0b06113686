package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/readiness-billing/internal/domain/pricing"
)

// Quote is a provisional price for a tier with an optional coupon applied.
type Quote struct {
	Tier          pricing.Tier
	CouponCode    string
	OriginalPrice decimal.Decimal
	Discount      decimal.Decimal
	FinalPrice    decimal.Decimal
	Message       string
	// Valid is false when a coupon code was supplied but could not be applied.
	Valid bool
}

// Quoter prices tiers for display. It never mutates coupon usage, so the
// result is advisory and redemption re-checks everything.
type Quoter struct {
	table   *pricing.Table
	coupons Reader
	now     func() time.Time
}

// NewQuoter creates a Quoter reading coupons from the given Reader.
func NewQuoter(table *pricing.Table, coupons Reader) *Quoter {
	return &Quoter{table: table, coupons: coupons, now: time.Now}
}

// Quote resolves the tier price and applies the coupon when code is not
// blank. An unknown coupon yields an invalid quote at full price rather than
// an error. Unknown tiers follow the table's policy.
func (q *Quoter) Quote(ctx context.Context, tier, code string) (*Quote, error) {
	resolved, price, err := q.table.Resolve(tier)
	if err != nil {
		return nil, err
	}

	out := &Quote{
		Tier:          resolved,
		OriginalPrice: price,
		Discount:      decimal.Zero,
		FinalPrice:    price,
		Valid:         true,
	}

	code = NormalizeCode(code)
	if code == "" {
		return out, nil
	}
	out.CouponCode = code

	c, err := q.coupons.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrCouponNotFound) {
			out.Valid = false
			out.Message = MessageNotFound
			return out, nil
		}
		return nil, errors.Wrap(err, "lookup coupon")
	}

	v := Validate(c, price, q.now())
	out.Valid = v.Valid
	out.Message = v.Message
	if v.Calculation != nil {
		out.Discount = v.Calculation.DiscountAmount
		out.FinalPrice = v.Calculation.FinalPrice
	}
	return out, nil
}
