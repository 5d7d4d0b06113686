package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/readiness-billing/internal/domain/affiliate"
)

const upsertUserSQL = `INSERT INTO users (id, email, referral_code, referred_by, is_affiliate)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (id) DO UPDATE SET
		email = EXCLUDED.email,
		referral_code = EXCLUDED.referral_code,
		referred_by = EXCLUDED.referred_by,
		is_affiliate = EXCLUDED.is_affiliate`

// UserRepository writes user accounts. Account management belongs to the
// identity service; this exists for seeding and tests.
type UserRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository returns a UserRepository that uses the given pool.
func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// Upsert creates or replaces a user.
func (r *UserRepository) Upsert(ctx context.Context, u affiliate.User) error {
	_, err := r.pool.Exec(ctx, upsertUserSQL, u.ID, u.Email, u.ReferralCode, u.ReferredBy, u.IsAffiliate)
	if err != nil {
		return fmt.Errorf("upserting user %q: %w", u.ID, err)
	}
	return nil
}
