package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/readiness-billing/internal/domain/affiliate"
	"github.com/xenking/readiness-billing/internal/domain/auth"
	"github.com/xenking/readiness-billing/internal/domain/coupon"
	"github.com/xenking/readiness-billing/internal/domain/payment"
	"github.com/xenking/readiness-billing/internal/domain/pricing"
)

// Error codes rendered in the "error" field.
const (
	CodePriceMismatch      = "PriceMismatch"
	CodeCouponExhausted    = "CouponExhausted"
	CodeCouponExpired      = "CouponExpired"
	CodeCouponNotFound     = "CouponNotFound"
	CodeDuplicateCoupon    = "DuplicateCoupon"
	CodeInvalidInput       = "InvalidInput"
	CodeForbidden          = "Forbidden"
	CodeUnauthorized       = "Unauthorized"
	CodeAssessmentNotFound = "AssessmentNotFound"
	CodePaymentNotFound    = "PaymentNotFound"
	CodeTimeout            = "Timeout"
	CodeInternal           = "Internal"
)

// MessagePriceMismatch deliberately omits the server computed price.
const MessagePriceMismatch = "price changed, please refresh and retry"

type apiError struct {
	status  int
	code    string
	message string
}

func classify(err error) apiError {
	var (
		mismatch    *payment.PriceMismatchError
		unknownTier *pricing.UnknownTierError
	)
	switch {
	case errors.As(err, &mismatch):
		return apiError{http.StatusConflict, CodePriceMismatch, MessagePriceMismatch}
	case errors.Is(err, coupon.ErrCouponExhausted):
		return apiError{http.StatusUnprocessableEntity, CodeCouponExhausted, coupon.ErrCouponExhausted.Error()}
	case errors.Is(err, coupon.ErrCouponExpired):
		return apiError{http.StatusUnprocessableEntity, CodeCouponExpired, coupon.ErrCouponExpired.Error()}
	case errors.Is(err, coupon.ErrCouponNotFound):
		return apiError{http.StatusNotFound, CodeCouponNotFound, coupon.ErrCouponNotFound.Error()}
	case errors.Is(err, coupon.ErrDuplicateCode):
		return apiError{http.StatusConflict, CodeDuplicateCoupon, coupon.ErrDuplicateCode.Error()}
	case errors.As(err, &unknownTier):
		return apiError{http.StatusBadRequest, CodeInvalidInput, unknownTier.Error()}
	case errors.Is(err, pricing.ErrInvalidInput):
		return apiError{http.StatusBadRequest, CodeInvalidInput, err.Error()}
	case errors.Is(err, payment.ErrForbidden):
		return apiError{http.StatusForbidden, CodeForbidden, payment.ErrForbidden.Error()}
	case errors.Is(err, errScopeDenied):
		return apiError{http.StatusForbidden, CodeForbidden, errScopeDenied.Error()}
	case errors.Is(err, auth.ErrUnauthorized):
		return apiError{http.StatusUnauthorized, CodeUnauthorized, auth.ErrUnauthorized.Error()}
	case errors.Is(err, payment.ErrAssessmentNotFound):
		return apiError{http.StatusNotFound, CodeAssessmentNotFound, payment.ErrAssessmentNotFound.Error()}
	case errors.Is(err, payment.ErrPaymentNotFound):
		return apiError{http.StatusNotFound, CodePaymentNotFound, payment.ErrPaymentNotFound.Error()}
	case errors.Is(err, affiliate.ErrUserNotFound):
		return apiError{http.StatusNotFound, CodeInvalidInput, affiliate.ErrUserNotFound.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return apiError{http.StatusGatewayTimeout, CodeTimeout, "request timed out"}
	default:
		return apiError{http.StatusInternalServerError, CodeInternal, "internal error"}
	}
}

// writeError renders err as {code, error, message}. Unclassified errors are
// logged and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, payment.ErrAlreadyPaid) {
		writeAlreadyProcessed(w)
		return
	}

	ae := classify(err)
	if ae.status >= http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
	}
	writeJSON(w, ae.status, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("code")
		e.Int(ae.status)
		strField(e, "error", ae.code)
		strField(e, "message", ae.message)
		e.ObjEnd()
	})
}

// writeAlreadyProcessed is the friendly answer to a repeated submission.
func writeAlreadyProcessed(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		strField(e, "status", "already_processed")
		strField(e, "message", payment.ErrAlreadyPaid.Error())
		e.ObjEnd()
	})
}

func notFoundBody(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("code")
	e.Int(http.StatusNotFound)
	strField(e, "error", "NotFound")
	strField(e, "message", "route not found")
	e.ObjEnd()
}
