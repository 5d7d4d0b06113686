//go:build integration

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/readiness-billing/internal/domain/coupon"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(ctr) })

	endpoint, err := ctr.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestCoupons_ReadThrough(t *testing.T) {
	ctx := context.Background()
	client := startRedis(t)
	next := &countingReader{coupons: map[string]*coupon.Coupon{"HALF": sample()}}
	c := NewCoupons(client, next, time.Minute)

	for range 3 {
		got, err := c.FindByCode(ctx, "HALF")
		require.NoError(t, err)
		assert.Equal(t, "c1", got.ID)
	}
	assert.Equal(t, 1, next.calls)

	ttl, err := client.TTL(ctx, keyPrefix+"HALF").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, c.Invalidate(ctx, "HALF"))
	_, err = c.FindByCode(ctx, "HALF")
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls)
}

func TestCoupons_RedemptionDropsStaleUses(t *testing.T) {
	ctx := context.Background()
	client := startRedis(t)
	last := sample()
	last.CurrentUses = 9
	next := &countingReader{coupons: map[string]*coupon.Coupon{"HALF": last}}
	c := NewCoupons(client, next, time.Minute)

	got, err := c.FindByCode(ctx, "HALF")
	require.NoError(t, err)
	require.Equal(t, 9, got.CurrentUses)

	next.mu.Lock()
	next.coupons["HALF"].CurrentUses = 10
	next.mu.Unlock()
	c.CouponRedeemed(ctx, "HALF")

	got, err = c.FindByCode(ctx, "HALF")
	require.NoError(t, err)
	assert.Equal(t, 10, got.CurrentUses)
	assert.ErrorIs(t, coupon.CheckUsable(got, time.Now()), coupon.ErrCouponExhausted)
}

func TestCoupons_MissesAreNotCached(t *testing.T) {
	ctx := context.Background()
	client := startRedis(t)
	next := &countingReader{coupons: map[string]*coupon.Coupon{}}
	c := NewCoupons(client, next, time.Minute)

	for range 2 {
		_, err := c.FindByCode(ctx, "NOPE")
		require.ErrorIs(t, err, coupon.ErrCouponNotFound)
	}
	assert.Equal(t, 2, next.calls)
}
