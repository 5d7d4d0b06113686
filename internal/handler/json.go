package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/readiness-billing/internal/domain/pricing"
)

const maxBodyBytes = 64 << 10

// errBadBody marks a request body that is not the expected JSON object.
var errBadBody = errors.Wrap(pricing.ErrInvalidInput, "malformed request body")

// decodeBody reads the request body as a JSON object, calling fn per field.
func decodeBody(w http.ResponseWriter, r *http.Request, fn func(d *jx.Decoder, key string) error) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := jx.Decode(body, 4096).Obj(fn); err != nil {
		return errors.Wrapf(errBadBody, "%v", err)
	}
	return nil
}

// decodeMoney accepts a JSON number or a numeric string of bounded
// magnitude.
func decodeMoney(d *jx.Decoder) (decimal.Decimal, error) {
	var raw string
	switch d.Next() {
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Decimal{}, err
		}
		raw = n.String()
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Decimal{}, err
		}
		raw = strings.TrimSpace(s)
	default:
		return decimal.Decimal{}, errors.New("amount must be a number")
	}

	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, errors.New("amount is not a decimal")
	}
	if err := pricing.CheckMagnitude(v); err != nil {
		return decimal.Decimal{}, err
	}
	return v, nil
}

// decodeOptionalStr returns "" for JSON null.
func decodeOptionalStr(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}

func writeJSON(w http.ResponseWriter, status int, fn func(e *jx.Encoder)) {
	var e jx.Encoder
	fn(&e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

// money writes d as a JSON number with exactly two fractional digits.
func money(e *jx.Encoder, field string, d decimal.Decimal) {
	e.FieldStart(field)
	e.RawStr(d.StringFixed(2))
}

func strField(e *jx.Encoder, field, v string) {
	e.FieldStart(field)
	e.Str(v)
}

func timeField(e *jx.Encoder, field string, t time.Time) {
	e.FieldStart(field)
	e.Str(t.UTC().Format(time.RFC3339))
}
