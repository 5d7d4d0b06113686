package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/readiness-billing/internal/domain/coupon"
)

const (
	couponColumns = `id, code, discount_percentage, max_discount, current_uses, max_uses, expires_at, created_at`

	getCouponByCodeSQL = `SELECT ` + couponColumns + ` FROM coupons WHERE code = $1`

	lockCouponByCodeSQL = getCouponByCodeSQL + ` FOR UPDATE`

	// The guard and the increment are one statement; the row lock it takes
	// serializes concurrent redeemers of the same coupon.
	incrementCouponUsesSQL = `UPDATE coupons SET current_uses = current_uses + 1
		WHERE id = $1 AND current_uses < max_uses`

	createCouponSQL = `INSERT INTO coupons (id, code, discount_percentage, max_discount,
		current_uses, max_uses, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	importCouponSQL = createCouponSQL + ` ON CONFLICT (code) DO NOTHING`
)

var _ coupon.Repository = (*CouponRepository)(nil)

// CouponRepository implements coupon.Repository backed by PostgreSQL.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// FindByCode looks up a coupon by its exact code. Returns
// coupon.ErrCouponNotFound when no coupon matches.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	return findCoupon(ctx, r.pool, getCouponByCodeSQL, code)
}

// Create inserts a new coupon. Returns coupon.ErrDuplicateCode when the code
// is taken.
func (r *CouponRepository) Create(ctx context.Context, c *coupon.Coupon) error {
	_, err := r.pool.Exec(ctx, createCouponSQL,
		c.ID, c.Code, c.DiscountPercentage, c.MaxDiscount,
		c.CurrentUses, c.MaxUses, c.ExpiresAt, c.CreatedAt,
	)
	if err != nil {
		if pgErrorCode(err) == codeUniqueViolation {
			return coupon.ErrDuplicateCode
		}
		return fmt.Errorf("creating coupon %q: %w", c.Code, err)
	}
	return nil
}

// Import inserts coupons in one batch, skipping codes that already exist.
// It returns the number of rows inserted.
func (r *CouponRepository) Import(ctx context.Context, coupons []coupon.Coupon) (int, error) {
	if len(coupons) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, c := range coupons {
		batch.Queue(importCouponSQL,
			c.ID, c.Code, c.DiscountPercentage, c.MaxDiscount,
			c.CurrentUses, c.MaxUses, c.ExpiresAt, c.CreatedAt,
		)
	}

	var inserted int
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		for i := range coupons {
			tag, err := results.Exec()
			if err != nil {
				_ = results.Close()
				return fmt.Errorf("importing coupon %q: %w", coupons[i].Code, err)
			}
			inserted += int(tag.RowsAffected())
		}
		return results.Close()
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func findCoupon(ctx context.Context, q dbtx, sql, code string) (*coupon.Coupon, error) {
	rows, err := q.Query(ctx, sql, code)
	if err != nil {
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrCouponNotFound
		}
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}
	return &c, nil
}

func scanCoupon(row pgx.CollectableRow) (coupon.Coupon, error) {
	var (
		c           coupon.Coupon
		currentUses int32
		maxUses     int32
	)
	err := row.Scan(
		&c.ID, &c.Code, &c.DiscountPercentage, &c.MaxDiscount,
		&currentUses, &maxUses, &c.ExpiresAt, &c.CreatedAt,
	)
	c.CurrentUses = int(currentUses)
	c.MaxUses = int(maxUses)
	return c, err
}
