package pricing

import "github.com/shopspring/decimal"

// DefaultCommissionRate is the share of the undiscounted tier price credited
// to the referring affiliate.
var DefaultCommissionRate = decimal.RequireFromString("0.10")

// CalculateCommission returns round2(originalPrice * rate). Commission is
// always computed on the undiscounted tier price, so a 100% coupon still
// pays the affiliate. Non-positive prices yield zero.
func CalculateCommission(originalPrice, rate decimal.Decimal) decimal.Decimal {
	if !originalPrice.IsPositive() || !rate.IsPositive() {
		return decimal.Zero
	}
	return round2(originalPrice.Mul(rate))
}
