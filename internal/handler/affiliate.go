package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/readiness-billing/internal/domain/affiliate"
	"github.com/xenking/readiness-billing/internal/domain/pricing"
)

// AffiliateStats handles GET /api/affiliates/{userID}/stats.
func (h *Handler) AffiliateStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.affiliates.Stats(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		strField(e, "userId", st.UserID)
		e.FieldStart("totalReferrals")
		e.Int(st.TotalReferrals)
		money(e, "totalEarnings", st.TotalEarnings)
		money(e, "totalPaid", st.TotalPaid)
		money(e, "unpaid", st.TotalEarnings.Sub(st.TotalPaid))
		e.ObjEnd()
	})
}

// AffiliateReferrals handles GET /api/affiliates/{userID}/referrals with
// optional status, paidOut, before (RFC 3339) and limit query parameters.
func (h *Handler) AffiliateReferrals(w http.ResponseWriter, r *http.Request) {
	f, err := referralFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	refs, err := h.affiliates.Referrals(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("referrals")
		e.ArrStart()
		for _, ref := range refs {
			e.ObjStart()
			strField(e, "id", ref.ID)
			strField(e, "referredUserId", ref.ReferredUserID)
			strField(e, "paymentId", ref.PaymentID)
			money(e, "commission", ref.Commission)
			strField(e, "status", ref.Status)
			e.FieldStart("paidOut")
			e.Bool(ref.PaidOut)
			timeField(e, "createdAt", ref.CreatedAt)
			e.ObjEnd()
		}
		e.ArrEnd()
		e.ObjEnd()
	})
}

func referralFilter(r *http.Request) (affiliate.ReferralFilter, error) {
	q := r.URL.Query()
	f := affiliate.ReferralFilter{
		AffiliateID: chi.URLParam(r, "userID"),
		Status:      q.Get("status"),
	}

	if v := q.Get("paidOut"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, errors.Wrapf(pricing.ErrInvalidInput, "paidOut %q", v)
		}
		f.PaidOut = &b
	}
	if v := q.Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.Wrapf(pricing.ErrInvalidInput, "before %q", v)
		}
		f.Before = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errors.Wrapf(pricing.ErrInvalidInput, "limit %q", v)
		}
		f.Limit = n
	}
	return f, nil
}
