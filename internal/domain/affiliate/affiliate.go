// Package affiliate credits referring affiliates with commission on
// completed payments and reports their earnings.
package affiliate

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrAffiliateNotEligible is returned when the referrer is missing, is not
	// an affiliate, or is the paying user. Accrual treats it as a no-op.
	ErrAffiliateNotEligible = errors.New("affiliate not eligible")
	// ErrUserNotFound is returned for an unknown user.
	ErrUserNotFound = errors.New("user not found")
)

// ReferralStatusCompleted marks a referral created for a completed payment.
const ReferralStatusCompleted = "completed"

// User is the part of an account the commission flow reads.
type User struct {
	ID           string
	Email        string
	ReferralCode string
	// ReferredBy holds the referral code the user signed up with.
	ReferredBy  *string
	IsAffiliate bool
}

// Referral is an append-only commission ledger entry, one per payment.
type Referral struct {
	ID             string
	AffiliateID    string
	ReferredUserID string
	PaymentID      string
	Commission     decimal.Decimal
	Status         string
	PaidOut        bool
	CreatedAt      time.Time
}

// Stats is the per-affiliate earnings rollup.
type Stats struct {
	UserID         string
	TotalReferrals int
	TotalEarnings  decimal.Decimal
	TotalPaid      decimal.Decimal
}

// ReferralFilter narrows a referral listing. Zero values match everything.
type ReferralFilter struct {
	AffiliateID string
	Status      string
	PaidOut     *bool
	// Before returns only referrals created strictly earlier, for paging.
	Before *time.Time
	Limit  int
}

// Tx is the set of operations available inside one accrual transaction.
type Tx interface {
	GetUser(ctx context.Context, id string) (*User, error)
	// GetUserByReferralCode returns ErrUserNotFound for unknown codes.
	GetUserByReferralCode(ctx context.Context, code string) (*User, error)
	GetAssessmentTier(ctx context.Context, assessmentID string) (string, error)
	// InsertReferral reports false when a referral for the payment exists.
	InsertReferral(ctx context.Context, r *Referral) (bool, error)
	// IncrementStats adds one referral and commission to the affiliate rollup,
	// creating it on first use.
	IncrementStats(ctx context.Context, affiliateID string, commission decimal.Decimal) error
}

// Store provides transactions and the read side of affiliate reporting.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// GetStats returns ErrUserNotFound when the affiliate has no rollup.
	GetStats(ctx context.Context, userID string) (*Stats, error)
	ListReferrals(ctx context.Context, f ReferralFilter) ([]Referral, error)
}
