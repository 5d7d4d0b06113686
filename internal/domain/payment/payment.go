// Package payment owns assessments, their 1:1 payments, coupon redemption
// and the completion transition that triggers commission accrual.
package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/readiness-billing/internal/domain/coupon"
	"github.com/xenking/readiness-billing/internal/domain/pricing"
)

// Status is the payment lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Settled reports whether a redemption has already been committed for a
// payment in this state.
func (s Status) Settled() bool {
	return s == StatusProcessing || s == StatusCompleted
}

// DefaultMethod is recorded when the caller does not name a payment method.
const DefaultMethod = "online"

var (
	// ErrAlreadyPaid is returned when the payment has already been redeemed
	// or completed. It is an idempotent rejection, nothing was changed.
	ErrAlreadyPaid = errors.New("payment already processed")
	// ErrAssessmentNotFound is returned for an unknown assessment.
	ErrAssessmentNotFound = errors.New("assessment not found")
	// ErrPaymentNotFound is returned for an unknown payment.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrForbidden is returned when the caller does not own the assessment.
	ErrForbidden = errors.New("assessment belongs to another user")
)

// PriceMismatchError is returned when the client declared amount differs
// from the server computed final price by more than one cent.
type PriceMismatchError struct {
	Declared decimal.Decimal
	Computed decimal.Decimal
}

func (e *PriceMismatchError) Error() string {
	return fmt.Sprintf("declared amount %s does not match computed price", e.Declared.StringFixed(2))
}

// Assessment is a purchased readiness assessment.
type Assessment struct {
	ID        string
	UserID    string
	Tier      pricing.Tier
	CreatedAt time.Time
}

// Payment is the single payment attached to an assessment.
type Payment struct {
	ID               string
	AssessmentID     string
	UserID           string
	Amount           decimal.Decimal
	// ListPrice is the undiscounted tier price fixed at checkout and again at
	// redemption. Commission is computed from it. Nil on rows written before
	// the column existed.
	ListPrice        *decimal.Decimal
	Method           string
	Status           Status
	CouponID         *string
	GatewayPaymentID *string
	RedemptionKey    *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
}

// Tx is the set of operations available inside one store transaction.
// Lock* methods take a row lock held until the transaction ends.
type Tx interface {
	GetAssessment(ctx context.Context, id string) (*Assessment, error)
	InsertAssessment(ctx context.Context, a *Assessment) error
	InsertPayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)
	// LockPaymentByAssessment returns ErrPaymentNotFound when the assessment
	// has no payment yet.
	LockPaymentByAssessment(ctx context.Context, assessmentID string) (*Payment, error)
	// LockCouponByCode returns coupon.ErrCouponNotFound for unknown codes.
	LockCouponByCode(ctx context.Context, code string) (*coupon.Coupon, error)
	// IncrementCouponUses adds one use when current_uses < max_uses and
	// reports whether the row was updated.
	IncrementCouponUses(ctx context.Context, couponID string) (bool, error)
	// UpsertRedemption writes the redeemed payment unless the stored row is
	// already processing or completed, in which case it returns ErrAlreadyPaid.
	UpsertRedemption(ctx context.Context, p *Payment) (*Payment, error)
	// TransitionPayment moves the payment to status when its current status
	// is one of from. It reports false without error when the guard fails.
	TransitionPayment(ctx context.Context, id string, status Status, from []Status, gatewayRef *string, at time.Time) (*Payment, bool, error)
}

// Store runs functions inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// CompletionHook is notified after a payment transitions to completed.
// Implementations must not fail the payment; they handle their own errors.
type CompletionHook interface {
	PaymentCompleted(ctx context.Context, p *Payment)
}

// RedemptionHook is notified after a redemption that applied a coupon has
// committed. code is the normalised coupon code.
type RedemptionHook interface {
	CouponRedeemed(ctx context.Context, code string)
}
