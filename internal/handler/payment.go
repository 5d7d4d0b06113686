package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/readiness-billing/internal/domain/payment"
)

// CreateAssessment handles POST /api/assessments.
func (h *Handler) CreateAssessment(w http.ResponseWriter, r *http.Request) {
	var userID, tier string
	err := decodeBody(w, r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "userId":
			userID, err = d.Str()
		case "tier":
			tier, err = d.Str()
		default:
			return d.Skip()
		}
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	co, err := h.payments.CreateAssessment(r.Context(), userID, tier)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		e.ObjStart()
		strField(e, "assessmentId", co.Assessment.ID)
		strField(e, "paymentId", co.Payment.ID)
		strField(e, "tier", string(co.Assessment.Tier))
		money(e, "amount", co.Payment.Amount)
		strField(e, "status", string(co.Payment.Status))
		e.ObjEnd()
	})
}

// Redeem handles POST /api/redeem. The idempotency key may also be sent as
// the Idempotency-Key header.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	req := payment.RedeemRequest{IdempotencyKey: r.Header.Get("Idempotency-Key")}
	declared := false
	err := decodeBody(w, r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "assessmentId":
			req.AssessmentID, err = d.Str()
		case "userId":
			req.UserID, err = d.Str()
		case "couponCode":
			req.CouponCode, err = decodeOptionalStr(d)
		case "clientDeclaredAmount":
			req.ClientDeclaredAmount, err = decodeMoney(d)
			declared = err == nil
		case "method":
			req.Method, err = decodeOptionalStr(d)
		case "idempotencyKey":
			var k string
			if k, err = decodeOptionalStr(d); k != "" {
				req.IdempotencyKey = k
			}
		default:
			return d.Skip()
		}
		return err
	})
	if err == nil && !declared {
		err = errBadBody
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.payments.Redeem(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		strField(e, "paymentId", res.Payment.ID)
		strField(e, "status", string(res.Payment.Status))
		if res.Calculation != nil {
			money(e, "originalPrice", res.Calculation.OriginalPrice)
			money(e, "discount", res.Calculation.DiscountAmount)
		}
		money(e, "finalPrice", res.FinalPrice)
		e.FieldStart("replayed")
		e.Bool(res.Replayed)
		e.ObjEnd()
	})
}

// CompletePayment handles POST /api/payments/{paymentID}/complete. Repeating
// the call is safe and reports alreadyCompleted.
func (h *Handler) CompletePayment(w http.ResponseWriter, r *http.Request) {
	ref, err := decodeGatewayRef(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.payments.Complete(r.Context(), chi.URLParam(r, "paymentID"), ref)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		strField(e, "paymentId", res.Payment.ID)
		strField(e, "status", string(res.Payment.Status))
		money(e, "amount", res.Payment.Amount)
		e.FieldStart("alreadyCompleted")
		e.Bool(res.AlreadyCompleted)
		e.ObjEnd()
	})
}

// FailPayment handles POST /api/payments/{paymentID}/fail.
func (h *Handler) FailPayment(w http.ResponseWriter, r *http.Request) {
	ref, err := decodeGatewayRef(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.payments.Fail(r.Context(), chi.URLParam(r, "paymentID"), ref)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		strField(e, "paymentId", res.Payment.ID)
		strField(e, "status", string(res.Payment.Status))
		e.FieldStart("changed")
		e.Bool(res.Changed)
		e.ObjEnd()
	})
}

// decodeGatewayRef reads the optional {gatewayPaymentId} body. An empty body
// is accepted.
func decodeGatewayRef(w http.ResponseWriter, r *http.Request) (string, error) {
	if r.ContentLength == 0 {
		return "", nil
	}
	var ref string
	err := decodeBody(w, r, func(d *jx.Decoder, key string) error {
		if key != "gatewayPaymentId" {
			return d.Skip()
		}
		var err error
		ref, err = decodeOptionalStr(d)
		return err
	})
	return ref, err
}
