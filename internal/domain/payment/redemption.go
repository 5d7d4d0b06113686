package payment

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/readiness-billing/internal/domain/coupon"
	"github.com/xenking/readiness-billing/internal/domain/pricing"
)

// RedeemRequest holds the input for redeeming an assessment payment.
type RedeemRequest struct {
	AssessmentID string
	UserID       string
	// CouponCode is optional. Surrounding whitespace is ignored.
	CouponCode           string
	ClientDeclaredAmount decimal.Decimal
	Method               string
	// IdempotencyKey is required under StrategyExplicitKey.
	IdempotencyKey string
}

// RedeemResult is the committed outcome of a redemption.
type RedeemResult struct {
	FinalPrice decimal.Decimal
	// Calculation is nil when no coupon was applied or the result was replayed.
	Calculation *pricing.Calculation
	Payment     *Payment
	// Replayed is true when a stored result was returned for a repeated key.
	Replayed bool
}

// Redeem prices the assessment on the server, applies the coupon, consumes
// one coupon use and moves the payment to processing, all in a single
// transaction. Any failure leaves coupon usage and the payment untouched.
func (s *Service) Redeem(ctx context.Context, req RedeemRequest) (res *RedeemResult, err error) {
	defer func() { s.record(ctx, s.redemptions, redemptionResult(res, err)) }()

	if strings.TrimSpace(req.AssessmentID) == "" || strings.TrimSpace(req.UserID) == "" {
		return nil, errors.Wrap(pricing.ErrInvalidInput, "assessment id and user id are required")
	}
	if err := pricing.CheckMagnitude(req.ClientDeclaredAmount); err != nil {
		return nil, errors.Wrap(err, "declared amount")
	}
	if req.ClientDeclaredAmount.IsNegative() {
		return nil, errors.Wrapf(pricing.ErrInvalidInput, "negative declared amount %s", req.ClientDeclaredAmount)
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if s.strategy == StrategyExplicitKey && key == "" {
		return nil, errors.Wrap(pricing.ErrInvalidInput, "idempotency key is required")
	}
	method := strings.TrimSpace(req.Method)
	if method == "" {
		method = DefaultMethod
	}
	code := coupon.NormalizeCode(req.CouponCode)

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		a, err := tx.GetAssessment(ctx, req.AssessmentID)
		if err != nil {
			return err
		}
		if a.UserID != req.UserID {
			return ErrForbidden
		}

		existing, err := tx.LockPaymentByAssessment(ctx, a.ID)
		switch {
		case errors.Is(err, ErrPaymentNotFound):
			existing = nil
		case err != nil:
			return errors.Wrap(err, "lock payment")
		}
		if existing != nil && existing.Status.Settled() {
			if s.strategy == StrategyExplicitKey && existing.RedemptionKey != nil && *existing.RedemptionKey == key {
				res = &RedeemResult{FinalPrice: existing.Amount, Payment: existing, Replayed: true}
				return nil
			}
			return ErrAlreadyPaid
		}

		_, base, err := s.table.Resolve(string(a.Tier))
		if err != nil {
			return err
		}

		calc := pricing.NoDiscount(base)
		var applied *pricing.Calculation
		var c *coupon.Coupon
		// A retry after a failed payment keeps the use it already consumed.
		reused := false
		if code != "" {
			c, err = tx.LockCouponByCode(ctx, code)
			if err != nil {
				return err
			}
			reused = existing != nil && existing.CouponID != nil && *existing.CouponID == c.ID
			if err := checkCoupon(c, reused, s.now()); err != nil {
				return err
			}
			calc, err = pricing.CalculateDiscount(base, c.DiscountPercentage, c.MaxDiscount)
			if err != nil {
				return errors.Wrapf(err, "coupon %q configuration", c.Code)
			}
			applied = &calc
		}

		if !pricing.WithinCent(req.ClientDeclaredAmount, calc.FinalPrice) {
			zctx.From(ctx).Warn("Price mismatch",
				zap.String("assessment_id", a.ID),
				zap.String("user_id", req.UserID),
				zap.String("coupon", code),
				zap.String("declared", req.ClientDeclaredAmount.StringFixed(2)),
				zap.String("computed", calc.FinalPrice.StringFixed(2)),
			)
			return &PriceMismatchError{Declared: req.ClientDeclaredAmount, Computed: calc.FinalPrice}
		}

		if c != nil && !reused {
			ok, err := tx.IncrementCouponUses(ctx, c.ID)
			if err != nil {
				return errors.Wrap(err, "increment coupon uses")
			}
			if !ok {
				return coupon.ErrCouponExhausted
			}
		}

		now := s.now().UTC()
		p := &Payment{
			ID:           s.newID(),
			AssessmentID: a.ID,
			UserID:       a.UserID,
			Amount:       calc.FinalPrice,
			ListPrice:    &base,
			Method:       method,
			Status:       StatusProcessing,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if existing != nil {
			p.ID = existing.ID
			p.CreatedAt = existing.CreatedAt
			p.GatewayPaymentID = existing.GatewayPaymentID
		}
		if c != nil {
			p.CouponID = &c.ID
		}
		if key != "" {
			p.RedemptionKey = &key
		}

		saved, err := tx.UpsertRedemption(ctx, p)
		if err != nil {
			return err
		}
		res = &RedeemResult{FinalPrice: calc.FinalPrice, Calculation: applied, Payment: saved}
		return nil
	})
	if err != nil {
		return nil, err
	}

	zctx.From(ctx).Info("Payment redeemed",
		zap.String("payment_id", res.Payment.ID),
		zap.String("assessment_id", res.Payment.AssessmentID),
		zap.String("final_price", res.FinalPrice.StringFixed(2)),
		zap.Bool("replayed", res.Replayed),
	)
	if s.redeemed != nil && res.Calculation != nil && !res.Replayed {
		s.redeemed.CouponRedeemed(context.WithoutCancel(ctx), code)
	}
	return res, nil
}

// checkCoupon re-verifies a locked coupon. A reused coupon already holds a
// use for this payment, so only its expiry matters.
func checkCoupon(c *coupon.Coupon, reused bool, now time.Time) error {
	if !reused {
		return coupon.CheckUsable(c, now)
	}
	if now.After(c.ExpiresAt) {
		return coupon.ErrCouponExpired
	}
	return nil
}
