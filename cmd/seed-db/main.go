// Command seed-db applies migrations and loads demo users, coupons and an
// API key.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/readiness-billing/internal/domain/affiliate"
	"github.com/xenking/readiness-billing/internal/domain/auth"
	"github.com/xenking/readiness-billing/internal/domain/coupon"
	"github.com/xenking/readiness-billing/internal/repository"
)

func main() {
	var (
		databaseURL  string
		apiKey       string
		apiKeyPepper string
	)
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or BILLING_DATABASE_URL, DATABASE_URL env)")
	flag.StringVar(&apiKey, "api-key", "", "API key to seed (or BILLING_SEED_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or BILLING_API_KEY_PEPPER env)")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	databaseURL = firstNonEmpty(databaseURL, os.Getenv("BILLING_DATABASE_URL"), os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		lg.Fatal("Database URL is required: set -database-url or BILLING_DATABASE_URL")
	}
	apiKey = firstNonEmpty(apiKey, os.Getenv("BILLING_SEED_API_KEY"))
	if apiKey == "" {
		lg.Fatal("API key is required: set -api-key or BILLING_SEED_API_KEY")
	}
	apiKeyPepper = firstNonEmpty(apiKeyPepper, os.Getenv("BILLING_API_KEY_PEPPER"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx = zctx.Base(ctx, lg)

	if err := run(ctx, databaseURL, apiKey, apiKeyPepper); err != nil {
		lg.Error("Seed failed", zap.Error(err))
		_ = lg.Sync()
		os.Exit(1)
	}
	lg.Info("Seed completed")
}

func run(ctx context.Context, databaseURL, apiKey, pepper string) error {
	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}
	if err := seedUsers(ctx, pool); err != nil {
		return errors.Wrap(err, "seed users")
	}
	if err := seedCoupons(ctx, pool); err != nil {
		return errors.Wrap(err, "seed coupons")
	}
	if err := seedAPIKey(ctx, pool, apiKey, pepper); err != nil {
		return errors.Wrap(err, "seed api key")
	}
	return nil
}

func seedUsers(ctx context.Context, pool *pgxpool.Pool) error {
	ref := "ALICE10"
	users := []affiliate.User{
		{ID: "user-alice", Email: "alice@example.com", ReferralCode: ref, IsAffiliate: true},
		{ID: "user-bob", Email: "bob@example.com", ReferralCode: "BOB20", ReferredBy: &ref},
		{ID: "user-carol", Email: "carol@example.com", ReferralCode: "CAROL30"},
	}

	repo := repository.NewUserRepository(pool)
	for _, u := range users {
		if err := repo.Upsert(ctx, u); err != nil {
			return err
		}
		zctx.From(ctx).Info("Upserted user", zap.String("id", u.ID), zap.Bool("affiliate", u.IsAffiliate))
	}
	return nil
}

func seedCoupons(ctx context.Context, pool *pgxpool.Pool) error {
	now := time.Now().UTC()
	capped := decimal.RequireFromString("30.00")
	coupons := []coupon.Coupon{
		{Code: "WELCOME20", DiscountPercentage: decimal.NewFromInt(20), MaxUses: 1000, ExpiresAt: now.AddDate(1, 0, 0)},
		{Code: "HALFPRICE", DiscountPercentage: decimal.NewFromInt(50), MaxDiscount: &capped, MaxUses: 100, ExpiresAt: now.AddDate(0, 3, 0)},
		{Code: "FREEONCE", DiscountPercentage: decimal.NewFromInt(100), MaxUses: 1, ExpiresAt: now.AddDate(0, 1, 0)},
	}
	for i := range coupons {
		coupons[i].ID = uuid.New().String()
		coupons[i].CreatedAt = now
	}

	n, err := repository.NewCouponRepository(pool).Import(ctx, coupons)
	if err != nil {
		return err
	}
	zctx.From(ctx).Info("Seeded coupons", zap.Int("inserted", n), zap.Int("total", len(coupons)))
	return nil
}

func seedAPIKey(ctx context.Context, pool *pgxpool.Pool, apiKey, pepper string) error {
	info := auth.APIKeyInfo{
		ID:      "default",
		KeyHash: auth.Hash([]byte(pepper), apiKey),
		Name:    "Default admin key",
		Scopes:  []string{auth.ScopeAdmin},
	}
	if err := repository.NewAPIKeyRepository(pool).Upsert(ctx, info); err != nil {
		return err
	}
	zctx.From(ctx).Info("Upserted API key", zap.String("id", info.ID), zap.Strings("scopes", info.Scopes))
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
