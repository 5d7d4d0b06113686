package payment

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// CompleteResult is the outcome of a completion call.
type CompleteResult struct {
	Payment *Payment
	// AlreadyCompleted is true when an earlier call performed the transition.
	AlreadyCompleted bool
}

// FailResult is the outcome of a failure call.
type FailResult struct {
	Payment *Payment
	// Changed is false when the payment was not pending or processing.
	Changed bool
}

// Complete marks the payment completed. It is safe to call any number of
// times for the same payment: only the call that performs the transition
// notifies the completion hook, after the transition has committed.
func (s *Service) Complete(ctx context.Context, paymentID, gatewayRef string) (*CompleteResult, error) {
	res, err := s.complete(ctx, paymentID, gatewayRef)
	switch {
	case err != nil:
		s.record(ctx, s.completions, "error")
		return nil, err
	case res.AlreadyCompleted:
		s.record(ctx, s.completions, "duplicate")
		return res, nil
	}
	s.record(ctx, s.completions, "completed")

	lg := zctx.From(ctx)
	lg.Info("Payment completed",
		zap.String("payment_id", res.Payment.ID),
		zap.String("assessment_id", res.Payment.AssessmentID),
		zap.String("amount", res.Payment.Amount.StringFixed(2)),
	)
	if s.hook != nil {
		// The payment is committed; a cancelled caller must not cut accrual short.
		s.hook.PaymentCompleted(context.WithoutCancel(ctx), res.Payment)
	}
	return res, nil
}

func (s *Service) complete(ctx context.Context, paymentID, gatewayRef string) (*CompleteResult, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return nil, ErrPaymentNotFound
	}
	ref := optional(gatewayRef)

	var res *CompleteResult
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		from := []Status{StatusPending, StatusProcessing, StatusFailed}
		p, ok, err := tx.TransitionPayment(ctx, paymentID, StatusCompleted, from, ref, s.now().UTC())
		if err != nil {
			return errors.Wrap(err, "transition payment")
		}
		if ok {
			res = &CompleteResult{Payment: p}
			return nil
		}

		p, err = tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		res = &CompleteResult{Payment: p, AlreadyCompleted: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Fail marks a pending or processing payment failed. A completed or already
// failed payment is returned unchanged.
func (s *Service) Fail(ctx context.Context, paymentID, gatewayRef string) (*FailResult, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return nil, ErrPaymentNotFound
	}
	ref := optional(gatewayRef)

	var res *FailResult
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		from := []Status{StatusPending, StatusProcessing}
		p, ok, err := tx.TransitionPayment(ctx, paymentID, StatusFailed, from, ref, s.now().UTC())
		if err != nil {
			return errors.Wrap(err, "transition payment")
		}
		if ok {
			res = &FailResult{Payment: p, Changed: true}
			return nil
		}

		p, err = tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		res = &FailResult{Payment: p}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Changed {
		zctx.From(ctx).Info("Payment failed",
			zap.String("payment_id", res.Payment.ID),
			zap.String("assessment_id", res.Payment.AssessmentID),
		)
	}
	return res, nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
