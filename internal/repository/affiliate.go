package repository

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/readiness-billing/internal/domain/affiliate"
)

const (
	userColumns = `id, email, referral_code, referred_by, is_affiliate`

	getUserSQL = `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	getUserByReferralCodeSQL = `SELECT ` + userColumns + ` FROM users WHERE referral_code = $1`

	getAssessmentTierSQL = `SELECT tier FROM assessments WHERE id = $1`

	insertReferralSQL = `INSERT INTO referrals (id, affiliate_id, referred_user_id, payment_id,
		commission, status, paid_out, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (payment_id) DO NOTHING`

	incrementStatsSQL = `INSERT INTO affiliate_stats (user_id, total_referrals, total_earnings, total_paid, updated_at)
		VALUES ($1, 1, $2, 0, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			total_referrals = affiliate_stats.total_referrals + 1,
			total_earnings = affiliate_stats.total_earnings + EXCLUDED.total_earnings,
			updated_at = NOW()`

	getStatsSQL = `SELECT user_id, total_referrals, total_earnings, total_paid
		FROM affiliate_stats WHERE user_id = $1`
)

var referralColumns = []string{
	"id", "affiliate_id", "referred_user_id", "payment_id",
	"commission", "status", "paid_out", "created_at",
}

var _ affiliate.Store = (*AffiliateStore)(nil)

// AffiliateStore implements affiliate.Store backed by PostgreSQL.
type AffiliateStore struct {
	pool *pgxpool.Pool
}

// NewAffiliateStore returns an AffiliateStore that uses the given pool.
func NewAffiliateStore(pool *pgxpool.Pool) *AffiliateStore {
	return &AffiliateStore{pool: pool}
}

// InTx runs fn in one database transaction.
func (s *AffiliateStore) InTx(ctx context.Context, fn func(ctx context.Context, tx affiliate.Tx) error) error {
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, &affiliateTx{q: tx})
	})
}

// GetStats returns the affiliate rollup or affiliate.ErrUserNotFound.
func (s *AffiliateStore) GetStats(ctx context.Context, userID string) (*affiliate.Stats, error) {
	var (
		st    affiliate.Stats
		total int32
	)
	err := s.pool.QueryRow(ctx, getStatsSQL, userID).Scan(&st.UserID, &total, &st.TotalEarnings, &st.TotalPaid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, affiliate.ErrUserNotFound
		}
		return nil, fmt.Errorf("getting stats for %q: %w", userID, err)
	}
	st.TotalReferrals = int(total)
	return &st, nil
}

// ListReferrals returns the affiliate's referrals matching f, newest first.
func (s *AffiliateStore) ListReferrals(ctx context.Context, f affiliate.ReferralFilter) ([]affiliate.Referral, error) {
	sql, args, err := referralListQuery(f).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building referral query: %w", err)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("listing referrals for %q: %w", f.AffiliateID, err)
	}
	refs, err := pgx.CollectRows(rows, scanReferral)
	if err != nil {
		return nil, fmt.Errorf("listing referrals for %q: %w", f.AffiliateID, err)
	}
	return refs, nil
}

func referralListQuery(f affiliate.ReferralFilter) sq.SelectBuilder {
	q := sq.Select(referralColumns...).
		From("referrals").
		Where(sq.Eq{"affiliate_id": f.AffiliateID}).
		OrderBy("created_at DESC", "id DESC").
		PlaceholderFormat(sq.Dollar)

	if f.Status != "" {
		q = q.Where(sq.Eq{"status": f.Status})
	}
	if f.PaidOut != nil {
		q = q.Where(sq.Eq{"paid_out": *f.PaidOut})
	}
	if f.Before != nil {
		q = q.Where(sq.Lt{"created_at": *f.Before})
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	return q
}

type affiliateTx struct {
	q dbtx
}

func (t *affiliateTx) GetUser(ctx context.Context, id string) (*affiliate.User, error) {
	return t.oneUser(ctx, getUserSQL, id)
}

func (t *affiliateTx) GetUserByReferralCode(ctx context.Context, code string) (*affiliate.User, error) {
	return t.oneUser(ctx, getUserByReferralCodeSQL, code)
}

func (t *affiliateTx) GetAssessmentTier(ctx context.Context, assessmentID string) (string, error) {
	var tier string
	if err := t.q.QueryRow(ctx, getAssessmentTierSQL, assessmentID).Scan(&tier); err != nil {
		return "", fmt.Errorf("getting tier of assessment %q: %w", assessmentID, err)
	}
	return tier, nil
}

func (t *affiliateTx) InsertReferral(ctx context.Context, r *affiliate.Referral) (bool, error) {
	tag, err := t.q.Exec(ctx, insertReferralSQL,
		r.ID, r.AffiliateID, r.ReferredUserID, r.PaymentID,
		r.Commission, r.Status, r.PaidOut, r.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("inserting referral for payment %q: %w", r.PaymentID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *affiliateTx) IncrementStats(ctx context.Context, affiliateID string, commission decimal.Decimal) error {
	if _, err := t.q.Exec(ctx, incrementStatsSQL, affiliateID, commission); err != nil {
		return fmt.Errorf("incrementing stats for %q: %w", affiliateID, err)
	}
	return nil
}

func (t *affiliateTx) oneUser(ctx context.Context, sql, arg string) (*affiliate.User, error) {
	var u affiliate.User
	err := t.q.QueryRow(ctx, sql, arg).Scan(&u.ID, &u.Email, &u.ReferralCode, &u.ReferredBy, &u.IsAffiliate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, affiliate.ErrUserNotFound
		}
		return nil, fmt.Errorf("getting user: %w", err)
	}
	return &u, nil
}

func scanReferral(row pgx.CollectableRow) (affiliate.Referral, error) {
	var r affiliate.Referral
	err := row.Scan(
		&r.ID, &r.AffiliateID, &r.ReferredUserID, &r.PaymentID,
		&r.Commission, &r.Status, &r.PaidOut, &r.CreatedAt,
	)
	return r, err
}
