package handler

import (
	"net/http"

	"github.com/go-faster/jx"
)

// Quote handles POST /api/quote. It never changes coupon usage.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	var tier, code string
	err := decodeBody(w, r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "tier":
			tier, err = d.Str()
		case "couponCode":
			code, err = decodeOptionalStr(d)
		default:
			return d.Skip()
		}
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	q, err := h.quoter.Quote(r.Context(), tier, code)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		strField(e, "tier", string(q.Tier))
		if q.CouponCode != "" {
			strField(e, "couponCode", q.CouponCode)
		}
		money(e, "originalPrice", q.OriginalPrice)
		money(e, "discount", q.Discount)
		money(e, "finalPrice", q.FinalPrice)
		strField(e, "message", q.Message)
		e.FieldStart("valid")
		e.Bool(q.Valid)
		e.ObjEnd()
	})
}
