// Package cache provides a Redis read-through cache for coupon lookups on
// the quote path. Redemption never reads through it and drops the entry of
// every coupon it consumes.
package cache

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/readiness-billing/internal/domain/coupon"
	"github.com/xenking/readiness-billing/internal/domain/payment"
)

const keyPrefix = "billing:coupon:"

var (
	_ coupon.Reader          = (*Coupons)(nil)
	_ payment.RedemptionHook = (*Coupons)(nil)
)

// Coupons caches coupon.Reader results in Redis for ttl. Redis failures
// degrade to direct reads from the wrapped reader.
type Coupons struct {
	client redis.Cmdable
	next   coupon.Reader
	ttl    time.Duration
}

// NewCoupons wraps next with a Redis cache.
func NewCoupons(client redis.Cmdable, next coupon.Reader, ttl time.Duration) *Coupons {
	return &Coupons{client: client, next: next, ttl: ttl}
}

// FindByCode returns the cached coupon or loads and stores it. Misses on the
// backing reader are not cached.
func (c *Coupons) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	lg := zctx.From(ctx)
	key := keyPrefix + code

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		cp, decErr := decodeCoupon(raw)
		if decErr == nil {
			return cp, nil
		}
		lg.Warn("Drop undecodable cache entry", zap.String("key", key), zap.Error(decErr))
	case !errors.Is(err, redis.Nil):
		lg.Warn("Coupon cache read failed", zap.Error(err))
	}

	cp, err := c.next.FindByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	if err := c.client.Set(ctx, key, encodeCoupon(cp), c.ttl).Err(); err != nil {
		lg.Warn("Coupon cache write failed", zap.Error(err))
	}
	return cp, nil
}

// Invalidate removes the cached entry for code.
func (c *Coupons) Invalidate(ctx context.Context, code string) error {
	if err := c.client.Del(ctx, keyPrefix+code).Err(); err != nil {
		return errors.Wrapf(err, "invalidate %q", code)
	}
	return nil
}

// CouponRedeemed drops the cached entry for code after a redemption changed
// its use count. Failures are logged.
func (c *Coupons) CouponRedeemed(ctx context.Context, code string) {
	if err := c.Invalidate(ctx, code); err != nil {
		zctx.From(ctx).Warn("Coupon cache invalidation failed", zap.String("coupon", code), zap.Error(err))
	}
}

func encodeCoupon(c *coupon.Coupon) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("id")
	e.Str(c.ID)
	e.FieldStart("code")
	e.Str(c.Code)
	e.FieldStart("discountPercentage")
	e.Str(c.DiscountPercentage.String())
	e.FieldStart("maxDiscount")
	if c.MaxDiscount != nil {
		e.Str(c.MaxDiscount.String())
	} else {
		e.Null()
	}
	e.FieldStart("currentUses")
	e.Int(c.CurrentUses)
	e.FieldStart("maxUses")
	e.Int(c.MaxUses)
	e.FieldStart("expiresAt")
	e.Str(c.ExpiresAt.UTC().Format(time.RFC3339Nano))
	e.FieldStart("createdAt")
	e.Str(c.CreatedAt.UTC().Format(time.RFC3339Nano))
	e.ObjEnd()
	return e.Bytes()
}

func decodeCoupon(raw []byte) (*coupon.Coupon, error) {
	var c coupon.Coupon
	err := jx.DecodeBytes(raw).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			c.ID, err = d.Str()
		case "code":
			c.Code, err = d.Str()
		case "discountPercentage":
			c.DiscountPercentage, err = decodeDecimal(d)
		case "maxDiscount":
			if d.Next() == jx.Null {
				return d.Null()
			}
			v, decErr := decodeDecimal(d)
			if decErr != nil {
				return decErr
			}
			c.MaxDiscount = &v
		case "currentUses":
			c.CurrentUses, err = d.Int()
		case "maxUses":
			c.MaxUses, err = d.Int()
		case "expiresAt":
			c.ExpiresAt, err = decodeTime(d)
		case "createdAt":
			c.CreatedAt, err = decodeTime(d)
		default:
			return d.Skip()
		}
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode coupon")
	}
	if c.ID == "" || c.Code == "" {
		return nil, errors.New("decode coupon: missing identity")
	}
	return &c, nil
}

func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	s, err := d.Str()
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromString(s)
}

func decodeTime(d *jx.Decoder) (time.Time, error) {
	s, err := d.Str()
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, s)
}
