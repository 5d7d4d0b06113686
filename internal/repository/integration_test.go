//go:build integration

package repository_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/xenking/readiness-billing/internal/domain/affiliate"
	"github.com/xenking/readiness-billing/internal/domain/auth"
	"github.com/xenking/readiness-billing/internal/domain/coupon"
	"github.com/xenking/readiness-billing/internal/domain/payment"
	"github.com/xenking/readiness-billing/internal/domain/pricing"
	"github.com/xenking/readiness-billing/internal/repository"
)

var pool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "billing",
				"POSTGRES_PASSWORD": "billing",
				"POSTGRES_DB":       "billing",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() { _ = testcontainers.TerminateContainer(pg) }()

	host, err := pg.Host(ctx)
	if err != nil {
		log.Fatalf("host: %v", err)
	}
	port, err := pg.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Fatalf("mapped port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://billing:billing@%s:%s/billing?sslmode=disable", host, port.Port())
	pool, err = repository.NewPool(ctx, dsn)
	if err != nil {
		log.Fatalf("pool: %v", err)
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	return m.Run()
}

type fixture struct {
	coupons  *repository.CouponRepository
	users    *repository.UserRepository
	payments *payment.Service
	accruer  *affiliate.Accruer
}

func newFixture(t *testing.T, strategy payment.IdempotencyStrategy) *fixture {
	t.Helper()
	meter := noop.NewMeterProvider().Meter("test")
	table := pricing.MustDefaultTable()

	accruer, err := affiliate.NewAccruer(repository.NewAffiliateStore(pool), table, pricing.DefaultCommissionRate, meter)
	require.NoError(t, err)

	svc, err := payment.NewService(repository.NewPaymentStore(pool), table, accruer, payment.Config{
		Strategy: strategy,
		Timeout:  10 * time.Second,
	}, meter)
	require.NoError(t, err)

	return &fixture{
		coupons:  repository.NewCouponRepository(pool),
		users:    repository.NewUserRepository(pool),
		payments: svc,
		accruer:  accruer,
	}
}

func (f *fixture) user(t *testing.T, id string, referredBy *string, isAffiliate bool) {
	t.Helper()
	require.NoError(t, f.users.Upsert(context.Background(), affiliate.User{
		ID:           id,
		Email:        id + "@example.com",
		ReferralCode: "REF-" + id,
		ReferredBy:   referredBy,
		IsAffiliate:  isAffiliate,
	}))
}

func (f *fixture) coupon(t *testing.T, code string, pct string, maxDiscount *decimal.Decimal, maxUses, used int) {
	t.Helper()
	require.NoError(t, f.coupons.Create(context.Background(), &coupon.Coupon{
		ID:                 "cpn-" + code,
		Code:               code,
		DiscountPercentage: decimal.RequireFromString(pct),
		MaxDiscount:        maxDiscount,
		CurrentUses:        used,
		MaxUses:            maxUses,
		ExpiresAt:          time.Now().Add(time.Hour).UTC(),
		CreatedAt:          time.Now().UTC(),
	}))
}

func uniq(t *testing.T, prefix string) string {
	return fmt.Sprintf("%s-%s-%d", prefix, t.Name(), time.Now().UnixNano())
}

func TestConcurrentRedemptionsNeverExceedMaxUses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, payment.StrategyStatusCheck)
	code := uniq(t, "FLASH")
	f.coupon(t, code, "20", nil, 3, 0)

	const attempts = 12
	checkouts := make([]*payment.Checkout, attempts)
	for i := range checkouts {
		id := uniq(t, fmt.Sprintf("u%d", i))
		f.user(t, id, nil, false)
		co, err := f.payments.CreateAssessment(ctx, id, "basic")
		require.NoError(t, err)
		checkouts[i] = co
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		exhausted int
	)
	for _, co := range checkouts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.payments.Redeem(ctx, payment.RedeemRequest{
				AssessmentID:         co.Assessment.ID,
				UserID:               co.Assessment.UserID,
				CouponCode:           code,
				ClientDeclaredAmount: decimal.RequireFromString("40.00"),
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
				return
			}
			if assert.ErrorIs(t, err, coupon.ErrCouponExhausted) {
				exhausted++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	assert.Equal(t, attempts-3, exhausted)

	c, err := f.coupons.FindByCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, 3, c.CurrentUses)
}

func TestDuplicateRedemptionOfSameAssessment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, payment.StrategyStatusCheck)
	code := uniq(t, "SAVE20")
	f.coupon(t, code, "20", nil, 100, 0)
	userID := uniq(t, "buyer")
	f.user(t, userID, nil, false)

	co, err := f.payments.CreateAssessment(ctx, userID, "basic")
	require.NoError(t, err)

	req := payment.RedeemRequest{
		AssessmentID:         co.Assessment.ID,
		UserID:               userID,
		CouponCode:           code,
		ClientDeclaredAmount: decimal.RequireFromString("40.00"),
	}

	errs := make([]error, 4)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.payments.Redeem(ctx, req)
		}()
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, payment.ErrAlreadyPaid)
	}
	assert.Equal(t, 1, ok)

	c, err := f.coupons.FindByCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, 1, c.CurrentUses)
}

func TestPriceMismatchRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, payment.StrategyStatusCheck)
	code := uniq(t, "HALF")
	f.coupon(t, code, "50", decPtr("30.00"), 10, 0)
	userID := uniq(t, "buyer")
	f.user(t, userID, nil, false)

	co, err := f.payments.CreateAssessment(ctx, userID, "premium")
	require.NoError(t, err)

	_, err = f.payments.Redeem(ctx, payment.RedeemRequest{
		AssessmentID:         co.Assessment.ID,
		UserID:               userID,
		CouponCode:           code,
		ClientDeclaredAmount: decimal.RequireFromString("125.00"),
	})
	var mismatch *payment.PriceMismatchError
	require.ErrorAs(t, err, &mismatch)

	c, err := f.coupons.FindByCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, 0, c.CurrentUses)

	res, err := f.payments.Redeem(ctx, payment.RedeemRequest{
		AssessmentID:         co.Assessment.ID,
		UserID:               userID,
		CouponCode:           code,
		ClientDeclaredAmount: decimal.RequireFromString("220.00"),
	})
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("220.00").Equal(res.FinalPrice))
}

func TestCompletionCreditsAffiliateOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, payment.StrategyStatusCheck)

	affID := uniq(t, "aff")
	f.user(t, affID, nil, true)
	refCode := "REF-" + affID
	buyerID := uniq(t, "buyer")
	f.user(t, buyerID, &refCode, false)

	code := uniq(t, "FREE")
	f.coupon(t, code, "100", nil, 5, 0)

	co, err := f.payments.CreateAssessment(ctx, buyerID, "standard")
	require.NoError(t, err)

	res, err := f.payments.Redeem(ctx, payment.RedeemRequest{
		AssessmentID:         co.Assessment.ID,
		UserID:               buyerID,
		CouponCode:           code,
		ClientDeclaredAmount: decimal.Zero,
	})
	require.NoError(t, err)
	assert.True(t, res.FinalPrice.IsZero())
	require.NotNil(t, res.Payment.ListPrice)
	assert.True(t, decimal.RequireFromString("100.00").Equal(*res.Payment.ListPrice))

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.payments.Complete(ctx, co.Payment.ID, "gw-"+co.Payment.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stats, err := f.accruer.Stats(ctx, affID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalReferrals)
	assert.True(t, decimal.RequireFromString("10.00").Equal(stats.TotalEarnings), "got %s", stats.TotalEarnings)

	refs, err := f.accruer.Referrals(ctx, affiliate.ReferralFilter{AffiliateID: affID})
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, co.Payment.ID, refs[0].PaymentID)
	assert.False(t, refs[0].PaidOut)
}

func TestExplicitKeyReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, payment.StrategyExplicitKey)
	userID := uniq(t, "buyer")
	f.user(t, userID, nil, false)

	co, err := f.payments.CreateAssessment(ctx, userID, "standard")
	require.NoError(t, err)

	req := payment.RedeemRequest{
		AssessmentID:         co.Assessment.ID,
		UserID:               userID,
		ClientDeclaredAmount: decimal.RequireFromString("100.00"),
		IdempotencyKey:       "idem-" + co.Assessment.ID,
	}
	first, err := f.payments.Redeem(ctx, req)
	require.NoError(t, err)

	second, err := f.payments.Redeem(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Payment.ID, second.Payment.ID)
}

func TestAPIKeyLookup(t *testing.T) {
	ctx := context.Background()
	keys := repository.NewAPIKeyRepository(pool)
	pepper := []byte("pepper")

	require.NoError(t, keys.Upsert(ctx, auth.APIKeyInfo{
		ID:      uniq(t, "key"),
		KeyHash: auth.Hash(pepper, "integration-key"),
		Name:    "integration",
		Scopes:  []string{auth.ScopeAdmin},
	}))

	info, err := auth.NewAuthenticator(keys, pepper).Authenticate(ctx, "integration-key")
	require.NoError(t, err)
	assert.True(t, info.HasScope(auth.ScopeAdmin))

	_, err = auth.NewAuthenticator(keys, pepper).Authenticate(ctx, "nope")
	require.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestCouponImportSkipsExisting(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewCouponRepository(pool)
	code := uniq(t, "IMP")
	mk := func(id string) coupon.Coupon {
		return coupon.Coupon{
			ID:                 id,
			Code:               code,
			DiscountPercentage: decimal.NewFromInt(10),
			MaxUses:            1,
			ExpiresAt:          time.Now().Add(time.Hour).UTC(),
			CreatedAt:          time.Now().UTC(),
		}
	}

	n, err := repo.Import(ctx, []coupon.Coupon{mk(uniq(t, "a"))})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = repo.Import(ctx, []coupon.Coupon{mk(uniq(t, "b"))})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	err = repo.Create(ctx, &coupon.Coupon{
		ID: uniq(t, "c"), Code: code, DiscountPercentage: decimal.NewFromInt(10), MaxUses: 1,
		ExpiresAt: time.Now().Add(time.Hour), CreatedAt: time.Now(),
	})
	require.ErrorIs(t, err, coupon.ErrDuplicateCode)
}

func decPtr(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}
