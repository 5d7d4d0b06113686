package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/jx"

	"github.com/xenking/readiness-billing/internal/domain/coupon"
)

// CreateCoupon handles POST /api/admin/coupons. Requires the admin scope.
func (h *Handler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	var nc coupon.NewCoupon
	err := decodeBody(w, r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "code":
			nc.Code, err = d.Str()
		case "discountPercentage":
			nc.DiscountPercentage, err = decodeMoney(d)
		case "maxDiscount":
			if d.Next() == jx.Null {
				return d.Null()
			}
			v, decErr := decodeMoney(d)
			if decErr != nil {
				return decErr
			}
			nc.MaxDiscount = &v
		case "maxUses":
			nc.MaxUses, err = d.Int()
		case "expiresAt":
			var s string
			if s, err = d.Str(); err == nil {
				nc.ExpiresAt, err = time.Parse(time.RFC3339, s)
			}
		default:
			return d.Skip()
		}
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	c, err := h.coupons.Create(r.Context(), nc)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		e.ObjStart()
		strField(e, "id", c.ID)
		strField(e, "code", c.Code)
		e.FieldStart("discountPercentage")
		e.RawStr(c.DiscountPercentage.String())
		if c.MaxDiscount != nil {
			money(e, "maxDiscount", *c.MaxDiscount)
		} else {
			e.FieldStart("maxDiscount")
			e.Null()
		}
		e.FieldStart("currentUses")
		e.Int(c.CurrentUses)
		e.FieldStart("maxUses")
		e.Int(c.MaxUses)
		e.FieldStart("remainingUses")
		e.Int(c.RemainingUses())
		timeField(e, "expiresAt", c.ExpiresAt)
		e.ObjEnd()
	})
}
