package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xenking/readiness-billing/internal/domain/coupon"
)

type countingReader struct {
	mu      sync.Mutex
	coupons map[string]*coupon.Coupon
	calls   int
}

func (r *countingReader) FindByCode(_ context.Context, code string) (*coupon.Coupon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	c, ok := r.coupons[code]
	if !ok {
		return nil, coupon.ErrCouponNotFound
	}
	cp := *c
	return &cp, nil
}

func sample() *coupon.Coupon {
	maxDiscount := decimal.RequireFromString("30.00")
	return &coupon.Coupon{
		ID:                 "c1",
		Code:               "HALF",
		DiscountPercentage: decimal.RequireFromString("50"),
		MaxDiscount:        &maxDiscount,
		CurrentUses:        2,
		MaxUses:            10,
		ExpiresAt:          time.Date(2030, 1, 2, 3, 4, 5, 600, time.UTC),
		CreatedAt:          time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestCouponCodec(t *testing.T) {
	t.Run("with cap", func(t *testing.T) {
		in := sample()
		out, err := decodeCoupon(encodeCoupon(in))
		require.NoError(t, err)

		assert.Equal(t, in.ID, out.ID)
		assert.Equal(t, in.Code, out.Code)
		assert.True(t, in.DiscountPercentage.Equal(out.DiscountPercentage))
		require.NotNil(t, out.MaxDiscount)
		assert.True(t, in.MaxDiscount.Equal(*out.MaxDiscount))
		assert.Equal(t, in.CurrentUses, out.CurrentUses)
		assert.Equal(t, in.MaxUses, out.MaxUses)
		assert.True(t, in.ExpiresAt.Equal(out.ExpiresAt))
		assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
	})

	t.Run("without cap", func(t *testing.T) {
		in := sample()
		in.MaxDiscount = nil
		out, err := decodeCoupon(encodeCoupon(in))
		require.NoError(t, err)
		assert.Nil(t, out.MaxDiscount)
	})

	t.Run("unknown fields skipped", func(t *testing.T) {
		out, err := decodeCoupon([]byte(`{"id":"x","code":"Y","extra":{"a":[1,2]},"discountPercentage":"5","maxDiscount":null,"currentUses":0,"maxUses":1,"expiresAt":"2030-01-01T00:00:00Z","createdAt":"2025-01-01T00:00:00Z"}`))
		require.NoError(t, err)
		assert.Equal(t, "Y", out.Code)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := decodeCoupon([]byte(`not json`))
		require.Error(t, err)
	})

	t.Run("missing identity", func(t *testing.T) {
		_, err := decodeCoupon([]byte(`{"maxUses":1}`))
		require.Error(t, err)
	})
}

// unreachable returns a client whose every command fails fast.
func unreachable(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestCoupons_FallsBackWhenRedisDown(t *testing.T) {
	next := &countingReader{coupons: map[string]*coupon.Coupon{"HALF": sample()}}
	c := NewCoupons(unreachable(t), next, time.Minute)

	got, err := c.FindByCode(context.Background(), "HALF")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ID)

	_, err = c.FindByCode(context.Background(), "HALF")
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls)
}

func TestCoupons_NotFoundPassesThrough(t *testing.T) {
	next := &countingReader{coupons: map[string]*coupon.Coupon{}}
	c := NewCoupons(unreachable(t), next, time.Minute)

	_, err := c.FindByCode(context.Background(), "NOPE")
	require.ErrorIs(t, err, coupon.ErrCouponNotFound)
}

func TestCoupons_InvalidateReportsRedisError(t *testing.T) {
	c := NewCoupons(unreachable(t), &countingReader{}, time.Minute)
	require.Error(t, c.Invalidate(context.Background(), "HALF"))
}

func TestCoupons_CouponRedeemedLogsRedisError(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	ctx := zctx.Base(context.Background(), zap.New(core))
	c := NewCoupons(unreachable(t), &countingReader{}, time.Minute)

	c.CouponRedeemed(ctx, "HALF")

	entries := logs.FilterMessage("Coupon cache invalidation failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "HALF", entries[0].ContextMap()["coupon"])
}
