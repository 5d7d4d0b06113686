package pricing

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrInvalidInput is returned by the calculators for malformed numeric arguments.
var ErrInvalidInput = errors.New("invalid input")

var (
	hundred = decimal.NewFromInt(100)
	cent    = decimal.New(1, -2)
)

// Calculation is the outcome of applying a percentage discount to a base price.
// All amounts are rounded to two decimal places.
type Calculation struct {
	OriginalPrice      decimal.Decimal
	DiscountPercentage decimal.Decimal
	DiscountAmount     decimal.Decimal
	FinalPrice         decimal.Decimal
	Savings            decimal.Decimal
}

// NoDiscount returns the calculation for a full-price purchase.
func NoDiscount(basePrice decimal.Decimal) Calculation {
	p := round2(basePrice)
	return Calculation{
		OriginalPrice:      p,
		DiscountPercentage: decimal.Zero,
		DiscountAmount:     decimal.Zero,
		FinalPrice:         p,
		Savings:            decimal.Zero,
	}
}

// CalculateDiscount applies discountPercentage to basePrice, capping the
// discount at maxDiscount when it is non-nil.
func CalculateDiscount(basePrice, discountPercentage decimal.Decimal, maxDiscount *decimal.Decimal) (Calculation, error) {
	if basePrice.IsNegative() {
		return Calculation{}, errors.Wrapf(ErrInvalidInput, "negative base price %s", basePrice)
	}
	if discountPercentage.IsNegative() || discountPercentage.GreaterThan(hundred) {
		return Calculation{}, errors.Wrapf(ErrInvalidInput, "discount percentage %s outside 0..100", discountPercentage)
	}
	if maxDiscount != nil && maxDiscount.IsNegative() {
		return Calculation{}, errors.Wrapf(ErrInvalidInput, "negative max discount %s", *maxDiscount)
	}

	original := round2(basePrice)
	raw := basePrice.Mul(discountPercentage).Div(hundred)
	amount := round2(raw)
	if maxDiscount != nil && raw.GreaterThan(*maxDiscount) {
		amount = round2(*maxDiscount)
	}

	final := round2(basePrice.Sub(amount))
	if final.IsNegative() {
		final = decimal.Zero
	}

	return Calculation{
		OriginalPrice:      original,
		DiscountPercentage: discountPercentage,
		DiscountAmount:     amount,
		FinalPrice:         final,
		Savings:            original.Sub(final),
	}, nil
}

// WithinCent reports whether a and b differ by at most one cent.
func WithinCent(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(cent)
}

// round2 rounds half away from zero, which is half-up for the non-negative
// amounts the calculators work with.
func round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Limits for amounts parsed from untrusted input. Arithmetic rescales to the
// smaller exponent, so an unbounded exponent allocates without limit.
const (
	maxExponent = 10
	maxDigits   = 20
)

// CheckMagnitude rejects d with ErrInvalidInput when its exponent or its
// coefficient length is outside the range any price can use.
func CheckMagnitude(d decimal.Decimal) error {
	if exp := d.Exponent(); exp < -maxExponent || exp > maxExponent {
		return errors.Wrapf(ErrInvalidInput, "exponent %d outside -%d..%d", exp, maxExponent, maxExponent)
	}
	if n := d.NumDigits(); n > maxDigits {
		return errors.Wrapf(ErrInvalidInput, "%d digits, at most %d allowed", n, maxDigits)
	}
	return nil
}

// HasCents reports whether d needs no more than two fractional digits.
func HasCents(d decimal.Decimal) bool {
	return d.Equal(d.Round(2))
}
