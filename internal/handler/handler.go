// Package handler exposes the billing operations over HTTP.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/readiness-billing/internal/domain/affiliate"
	"github.com/xenking/readiness-billing/internal/domain/auth"
	"github.com/xenking/readiness-billing/internal/domain/coupon"
	"github.com/xenking/readiness-billing/internal/domain/payment"
)

// Quoter prices a tier with an optional coupon.
type Quoter interface {
	Quote(ctx context.Context, tier, code string) (*coupon.Quote, error)
}

// Payments is the payment lifecycle used by the API.
type Payments interface {
	CreateAssessment(ctx context.Context, userID, tier string) (*payment.Checkout, error)
	Redeem(ctx context.Context, req payment.RedeemRequest) (*payment.RedeemResult, error)
	Complete(ctx context.Context, paymentID, gatewayRef string) (*payment.CompleteResult, error)
	Fail(ctx context.Context, paymentID, gatewayRef string) (*payment.FailResult, error)
}

// Affiliates reports affiliate earnings.
type Affiliates interface {
	Stats(ctx context.Context, userID string) (*affiliate.Stats, error)
	Referrals(ctx context.Context, f affiliate.ReferralFilter) ([]affiliate.Referral, error)
}

// CouponAdmin creates coupons.
type CouponAdmin interface {
	Create(ctx context.Context, nc coupon.NewCoupon) (*coupon.Coupon, error)
}

// Handler serves the /api routes.
type Handler struct {
	quoter     Quoter
	payments   Payments
	affiliates Affiliates
	coupons    CouponAdmin
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(quoter Quoter, payments Payments, affiliates Affiliates, coupons CouponAdmin) *Handler {
	return &Handler{
		quoter:     quoter,
		payments:   payments,
		affiliates: affiliates,
		coupons:    coupons,
	}
}

// Routes mounts every API route on a new router guarded by sec. The
// returned handler expects to be mounted at /api.
func (h *Handler) Routes(sec *Security) http.Handler {
	r := chi.NewRouter()
	r.Use(sec.Middleware)

	r.Post("/quote", h.Quote)
	r.Post("/assessments", h.CreateAssessment)
	r.Post("/redeem", h.Redeem)
	r.Post("/payments/{paymentID}/complete", h.CompletePayment)
	r.Post("/payments/{paymentID}/fail", h.FailPayment)
	r.Get("/affiliates/{userID}/stats", h.AffiliateStats)
	r.Get("/affiliates/{userID}/referrals", h.AffiliateReferrals)

	r.With(RequireScope(auth.ScopeAdmin)).Post("/admin/coupons", h.CreateCoupon)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, notFoundBody)
	})
	return r
}
