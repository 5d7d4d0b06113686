// Package pricing holds the tier price table and the pure money calculations
// shared by quoting, coupon redemption and commission accrual.
package pricing

import (
	"fmt"
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Tier is one of the fixed assessment packages.
type Tier string

const (
	TierBasic    Tier = "basic"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// Tiers lists every known tier in ascending price order.
var Tiers = []Tier{TierBasic, TierStandard, TierPremium}

// UnknownTierPolicy decides what Resolve does with a tier that is not in the table.
type UnknownTierPolicy string

const (
	// UnknownTierReject surfaces an *UnknownTierError.
	UnknownTierReject UnknownTierPolicy = "reject"
	// UnknownTierBasic falls back to the basic tier price.
	UnknownTierBasic UnknownTierPolicy = "basic"
)

// UnknownTierError is returned for a tier name missing from the price table.
type UnknownTierError struct {
	Tier string
}

func (e *UnknownTierError) Error() string {
	return fmt.Sprintf("unknown tier %q", e.Tier)
}

// ParseTier normalizes a tier name. It does not check the table.
func ParseTier(s string) Tier {
	return Tier(strings.ToLower(strings.TrimSpace(s)))
}

// Table maps tiers to their base prices.
type Table struct {
	prices map[Tier]decimal.Decimal
	policy UnknownTierPolicy
}

// DefaultPrices returns the standard price list.
func DefaultPrices() map[Tier]decimal.Decimal {
	return map[Tier]decimal.Decimal{
		TierBasic:    decimal.RequireFromString("50.00"),
		TierStandard: decimal.RequireFromString("100.00"),
		TierPremium:  decimal.RequireFromString("250.00"),
	}
}

// NewTable validates that every tier has exactly one positive price.
func NewTable(prices map[Tier]decimal.Decimal, policy UnknownTierPolicy) (*Table, error) {
	switch policy {
	case "":
		policy = UnknownTierReject
	case UnknownTierReject, UnknownTierBasic:
	default:
		return nil, errors.Errorf("unsupported unknown tier policy %q", policy)
	}

	t := &Table{prices: make(map[Tier]decimal.Decimal, len(Tiers)), policy: policy}
	for _, tier := range Tiers {
		p, ok := prices[tier]
		if !ok {
			return nil, errors.Errorf("missing price for tier %q", tier)
		}
		if !p.IsPositive() {
			return nil, errors.Errorf("price for tier %q must be positive, got %s", tier, p)
		}
		t.prices[tier] = p.Round(2)
	}
	for tier := range prices {
		if _, ok := t.prices[tier]; !ok {
			return nil, &UnknownTierError{Tier: string(tier)}
		}
	}
	return t, nil
}

// MustDefaultTable returns the default table with the reject policy.
func MustDefaultTable() *Table {
	t, err := NewTable(DefaultPrices(), UnknownTierReject)
	if err != nil {
		panic(err)
	}
	return t
}

// Price returns the base price for tier or an *UnknownTierError.
func (t *Table) Price(tier string) (decimal.Decimal, error) {
	p, ok := t.prices[ParseTier(tier)]
	if !ok {
		return decimal.Zero, &UnknownTierError{Tier: tier}
	}
	return p, nil
}

// Resolve is Price with the table's unknown tier policy applied. Under
// UnknownTierBasic a missing or misspelled tier is charged the basic price.
func (t *Table) Resolve(tier string) (Tier, decimal.Decimal, error) {
	name := ParseTier(tier)
	if p, ok := t.prices[name]; ok {
		return name, p, nil
	}
	if t.policy == UnknownTierBasic {
		return TierBasic, t.prices[TierBasic], nil
	}
	return "", decimal.Zero, &UnknownTierError{Tier: tier}
}

// Policy reports the configured unknown tier policy.
func (t *Table) Policy() UnknownTierPolicy {
	return t.policy
}
