package payment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xenking/readiness-billing/internal/domain/coupon"
	"github.com/xenking/readiness-billing/internal/domain/pricing"
)

// IdempotencyStrategy selects how repeated redemptions are recognised.
type IdempotencyStrategy string

const (
	// StrategyStatusCheck rejects any redemption of an already processed
	// payment with ErrAlreadyPaid.
	StrategyStatusCheck IdempotencyStrategy = "statusCheck"
	// StrategyExplicitKey requires a client key and replays the stored result
	// when a processed payment carries the same key.
	StrategyExplicitKey IdempotencyStrategy = "explicitKey"
)

// Config tunes the payment Service.
type Config struct {
	Strategy IdempotencyStrategy
	// Timeout bounds a single redemption, zero disables it.
	Timeout time.Duration
}

// Service implements checkout, coupon redemption and the completion
// transition.
type Service struct {
	store    Store
	table    *pricing.Table
	hook     CompletionHook
	redeemed RedemptionHook
	strategy IdempotencyStrategy
	timeout  time.Duration
	now      func() time.Time
	newID    func() string

	redemptions metric.Int64Counter
	completions metric.Int64Counter
}

// NewService creates a payment Service. hook may be nil.
func NewService(store Store, table *pricing.Table, hook CompletionHook, cfg Config, meter metric.Meter) (*Service, error) {
	switch cfg.Strategy {
	case "":
		cfg.Strategy = StrategyStatusCheck
	case StrategyStatusCheck, StrategyExplicitKey:
	default:
		return nil, errors.Errorf("unsupported idempotency strategy %q", cfg.Strategy)
	}

	redemptions, err := meter.Int64Counter("billing.redemptions",
		metric.WithDescription("Redemption attempts by result"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "redemptions counter")
	}
	completions, err := meter.Int64Counter("billing.payment_completions",
		metric.WithDescription("Payment completion calls by result"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "completions counter")
	}

	return &Service{
		store:       store,
		table:       table,
		hook:        hook,
		strategy:    cfg.Strategy,
		timeout:     cfg.Timeout,
		now:         time.Now,
		newID:       newID,
		redemptions: redemptions,
		completions: completions,
	}, nil
}

// SetRedemptionHook registers h to run after each committed coupon
// redemption. It must be called before the Service is used.
func (s *Service) SetRedemptionHook(h RedemptionHook) {
	s.redeemed = h
}

// Strategy reports the configured idempotency strategy.
func (s *Service) Strategy() IdempotencyStrategy {
	return s.strategy
}

func (s *Service) record(ctx context.Context, c metric.Int64Counter, result string) {
	c.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// redemptionResult labels a Redeem outcome for metrics.
func redemptionResult(res *RedeemResult, err error) string {
	var mismatch *PriceMismatchError
	switch {
	case err == nil && res != nil && res.Replayed:
		return "replayed"
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAlreadyPaid):
		return "already_paid"
	case errors.As(err, &mismatch):
		return "price_mismatch"
	case errors.Is(err, coupon.ErrCouponExhausted):
		return "exhausted"
	case errors.Is(err, coupon.ErrCouponExpired):
		return "expired"
	case errors.Is(err, coupon.ErrCouponNotFound):
		return "coupon_not_found"
	default:
		return "error"
	}
}
