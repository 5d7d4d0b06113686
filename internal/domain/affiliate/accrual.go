package affiliate

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/xenking/readiness-billing/internal/domain/payment"
	"github.com/xenking/readiness-billing/internal/domain/pricing"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

var _ payment.CompletionHook = (*Accruer)(nil)

// Accruer credits commission for completed payments and serves affiliate
// reports.
type Accruer struct {
	store    Store
	table    *pricing.Table
	rate     decimal.Decimal
	now      func() time.Time
	accruals metric.Int64Counter
}

// NewAccruer creates an Accruer paying rate of the undiscounted tier price.
func NewAccruer(store Store, table *pricing.Table, rate decimal.Decimal, meter metric.Meter) (*Accruer, error) {
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, errors.Errorf("commission rate %s outside 0..1", rate)
	}
	accruals, err := meter.Int64Counter("billing.commission_accruals",
		metric.WithDescription("Commission accrual attempts by result"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "accruals counter")
	}
	return &Accruer{
		store:    store,
		table:    table,
		rate:     rate,
		now:      time.Now,
		accruals: accruals,
	}, nil
}

// Accrue credits the referrer of the paying user once per payment. It returns
// a nil referral without error when there is nothing to credit: no referrer,
// zero commission, or a referral already recorded for the payment.
func (a *Accruer) Accrue(ctx context.Context, p *payment.Payment) (*Referral, error) {
	if p.Status != payment.StatusCompleted {
		return nil, errors.Errorf("payment %s is %s, not completed", p.ID, p.Status)
	}

	var created *Referral
	err := a.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		created = nil

		user, err := tx.GetUser(ctx, p.UserID)
		if err != nil {
			return errors.Wrap(err, "get user")
		}
		if user.ReferredBy == nil || strings.TrimSpace(*user.ReferredBy) == "" {
			return nil
		}

		aff, err := tx.GetUserByReferralCode(ctx, strings.TrimSpace(*user.ReferredBy))
		switch {
		case errors.Is(err, ErrUserNotFound):
			return ErrAffiliateNotEligible
		case err != nil:
			return errors.Wrap(err, "get affiliate")
		case !aff.IsAffiliate || aff.ID == user.ID:
			return ErrAffiliateNotEligible
		}

		price, err := a.listPrice(ctx, tx, p)
		if err != nil {
			return err
		}

		commission := pricing.CalculateCommission(price, a.rate)
		if !commission.IsPositive() {
			return nil
		}

		r := &Referral{
			ID:             uuid.New().String(),
			AffiliateID:    aff.ID,
			ReferredUserID: user.ID,
			PaymentID:      p.ID,
			Commission:     commission,
			Status:         ReferralStatusCompleted,
			CreatedAt:      a.now().UTC(),
		}
		inserted, err := tx.InsertReferral(ctx, r)
		if err != nil {
			return errors.Wrap(err, "insert referral")
		}
		if !inserted {
			return nil
		}
		if err := tx.IncrementStats(ctx, aff.ID, commission); err != nil {
			return errors.Wrap(err, "increment stats")
		}
		created = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// listPrice returns the undiscounted price recorded on p, falling back to the
// current tier table for payments stored without one.
func (a *Accruer) listPrice(ctx context.Context, tx Tx, p *payment.Payment) (decimal.Decimal, error) {
	if p.ListPrice != nil {
		return *p.ListPrice, nil
	}
	tier, err := tx.GetAssessmentTier(ctx, p.AssessmentID)
	if err != nil {
		return decimal.Decimal{}, errors.Wrap(err, "get assessment tier")
	}
	_, price, err := a.table.Resolve(tier)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return price, nil
}

// PaymentCompleted runs Accrue and logs the outcome. Errors never reach the
// payment flow.
func (a *Accruer) PaymentCompleted(ctx context.Context, p *payment.Payment) {
	lg := zctx.From(ctx).With(
		zap.String("payment_id", p.ID),
		zap.String("user_id", p.UserID),
	)

	r, err := a.Accrue(ctx, p)
	switch {
	case errors.Is(err, ErrAffiliateNotEligible):
		a.record(ctx, "not_eligible")
		lg.Debug("Referrer not eligible for commission")
	case err != nil:
		a.record(ctx, "error")
		lg.Error("Commission accrual failed", zap.Error(err))
	case r == nil:
		a.record(ctx, "noop")
	default:
		a.record(ctx, "credited")
		lg.Info("Commission credited",
			zap.String("affiliate_id", r.AffiliateID),
			zap.String("commission", r.Commission.StringFixed(2)),
		)
	}
}

func (a *Accruer) record(ctx context.Context, result string) {
	a.accruals.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// Stats returns the affiliate's rollup, zero valued when nothing has been
// credited yet.
func (a *Accruer) Stats(ctx context.Context, userID string) (*Stats, error) {
	s, err := a.store.GetStats(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return &Stats{UserID: userID, TotalEarnings: decimal.Zero, TotalPaid: decimal.Zero}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get stats")
	}
	return s, nil
}

// Referrals lists the affiliate's referrals, newest first.
func (a *Accruer) Referrals(ctx context.Context, f ReferralFilter) ([]Referral, error) {
	if strings.TrimSpace(f.AffiliateID) == "" {
		return nil, errors.Wrap(pricing.ErrInvalidInput, "affiliate id is required")
	}
	switch {
	case f.Limit <= 0:
		f.Limit = defaultListLimit
	case f.Limit > maxListLimit:
		f.Limit = maxListLimit
	}
	refs, err := a.store.ListReferrals(ctx, f)
	if err != nil {
		return nil, errors.Wrap(err, "list referrals")
	}
	return refs, nil
}
