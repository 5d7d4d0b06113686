package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/readiness-billing/internal/domain/coupon"
	"github.com/xenking/readiness-billing/internal/domain/payment"
	"github.com/xenking/readiness-billing/internal/domain/pricing"
)

const (
	paymentColumns = `id, assessment_id, user_id, amount, list_price, method, status, coupon_id,
		gateway_payment_id, redemption_key, created_at, updated_at, completed_at`

	getAssessmentSQL = `SELECT id, user_id, tier, created_at FROM assessments WHERE id = $1`

	insertAssessmentSQL = `INSERT INTO assessments (id, user_id, tier, created_at) VALUES ($1, $2, $3, $4)`

	insertPaymentSQL = `INSERT INTO payments (id, assessment_id, user_id, amount, list_price, method, status,
		coupon_id, gateway_payment_id, redemption_key, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	getPaymentSQL = `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`

	lockPaymentByAssessmentSQL = `SELECT ` + paymentColumns + `
		FROM payments WHERE assessment_id = $1 FOR UPDATE`

	// No row comes back when the existing payment is already processing or
	// completed, which the caller reports as already paid.
	upsertRedemptionSQL = `INSERT INTO payments (id, assessment_id, user_id, amount, list_price, method, status,
		coupon_id, redemption_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (assessment_id) DO UPDATE SET
			amount = EXCLUDED.amount,
			list_price = EXCLUDED.list_price,
			method = EXCLUDED.method,
			status = EXCLUDED.status,
			coupon_id = EXCLUDED.coupon_id,
			redemption_key = EXCLUDED.redemption_key,
			updated_at = EXCLUDED.updated_at
		WHERE payments.status NOT IN ('processing', 'completed')
		RETURNING ` + paymentColumns

	transitionPaymentSQL = `UPDATE payments SET
			status = $2::text,
			gateway_payment_id = COALESCE($3::text, gateway_payment_id),
			updated_at = $4,
			completed_at = CASE WHEN $2::text = 'completed' THEN $4 ELSE completed_at END
		WHERE id = $1 AND status = ANY($5::text[])
		RETURNING ` + paymentColumns
)

var _ payment.Store = (*PaymentStore)(nil)

// PaymentStore implements payment.Store backed by PostgreSQL.
type PaymentStore struct {
	pool *pgxpool.Pool
}

// NewPaymentStore returns a PaymentStore that uses the given pool.
func NewPaymentStore(pool *pgxpool.Pool) *PaymentStore {
	return &PaymentStore{pool: pool}
}

// InTx runs fn in one database transaction.
func (s *PaymentStore) InTx(ctx context.Context, fn func(ctx context.Context, tx payment.Tx) error) error {
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, &paymentTx{q: tx})
	})
}

// GetPayment reads a payment outside any transaction.
func (s *PaymentStore) GetPayment(ctx context.Context, id string) (*payment.Payment, error) {
	return (&paymentTx{q: s.pool}).GetPayment(ctx, id)
}

type paymentTx struct {
	q dbtx
}

func (t *paymentTx) GetAssessment(ctx context.Context, id string) (*payment.Assessment, error) {
	var (
		a    payment.Assessment
		tier string
	)
	err := t.q.QueryRow(ctx, getAssessmentSQL, id).Scan(&a.ID, &a.UserID, &tier, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payment.ErrAssessmentNotFound
		}
		return nil, fmt.Errorf("getting assessment %q: %w", id, err)
	}
	a.Tier = pricing.Tier(tier)
	return &a, nil
}

func (t *paymentTx) InsertAssessment(ctx context.Context, a *payment.Assessment) error {
	_, err := t.q.Exec(ctx, insertAssessmentSQL, a.ID, a.UserID, string(a.Tier), a.CreatedAt)
	if err != nil {
		if pgErrorCode(err) == codeForeignKeyViolation {
			return errors.Wrapf(pricing.ErrInvalidInput, "unknown user %q", a.UserID)
		}
		return fmt.Errorf("inserting assessment %q: %w", a.ID, err)
	}
	return nil
}

func (t *paymentTx) InsertPayment(ctx context.Context, p *payment.Payment) error {
	_, err := t.q.Exec(ctx, insertPaymentSQL,
		p.ID, p.AssessmentID, p.UserID, p.Amount, p.ListPrice, p.Method, string(p.Status),
		p.CouponID, p.GatewayPaymentID, p.RedemptionKey, p.CreatedAt, p.UpdatedAt, p.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting payment %q: %w", p.ID, err)
	}
	return nil
}

func (t *paymentTx) GetPayment(ctx context.Context, id string) (*payment.Payment, error) {
	return t.onePayment(ctx, getPaymentSQL, id)
}

func (t *paymentTx) LockPaymentByAssessment(ctx context.Context, assessmentID string) (*payment.Payment, error) {
	return t.onePayment(ctx, lockPaymentByAssessmentSQL, assessmentID)
}

func (t *paymentTx) LockCouponByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	return findCoupon(ctx, t.q, lockCouponByCodeSQL, code)
}

func (t *paymentTx) IncrementCouponUses(ctx context.Context, couponID string) (bool, error) {
	tag, err := t.q.Exec(ctx, incrementCouponUsesSQL, couponID)
	if err != nil {
		if pgErrorCode(err) == codeCheckViolation {
			return false, nil
		}
		return false, fmt.Errorf("incrementing uses for coupon %q: %w", couponID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *paymentTx) UpsertRedemption(ctx context.Context, p *payment.Payment) (*payment.Payment, error) {
	saved, err := t.onePayment(ctx, upsertRedemptionSQL,
		p.ID, p.AssessmentID, p.UserID, p.Amount, p.ListPrice, p.Method, string(p.Status),
		p.CouponID, p.RedemptionKey, p.CreatedAt, p.UpdatedAt,
	)
	if errors.Is(err, payment.ErrPaymentNotFound) {
		return nil, payment.ErrAlreadyPaid
	}
	return saved, err
}

func (t *paymentTx) TransitionPayment(
	ctx context.Context,
	id string,
	status payment.Status,
	from []payment.Status,
	gatewayRef *string,
	at time.Time,
) (*payment.Payment, bool, error) {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}

	p, err := t.onePayment(ctx, transitionPaymentSQL, id, string(status), gatewayRef, at, allowed)
	if err != nil {
		if errors.Is(err, payment.ErrPaymentNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return p, true, nil
}

// onePayment runs a statement returning at most one payment row and maps an
// empty result to payment.ErrPaymentNotFound.
func (t *paymentTx) onePayment(ctx context.Context, sql string, args ...any) (*payment.Payment, error) {
	rows, err := t.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying payment: %w", err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanPayment)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payment.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("querying payment: %w", err)
	}
	return &p, nil
}

func scanPayment(row pgx.CollectableRow) (payment.Payment, error) {
	var (
		p      payment.Payment
		status string
	)
	err := row.Scan(
		&p.ID, &p.AssessmentID, &p.UserID, &p.Amount, &p.ListPrice, &p.Method, &status, &p.CouponID,
		&p.GatewayPaymentID, &p.RedemptionKey, &p.CreatedAt, &p.UpdatedAt, &p.CompletedAt,
	)
	p.Status = payment.Status(status)
	return p, err
}
