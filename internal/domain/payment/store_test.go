package payment

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/readiness-billing/internal/domain/coupon"
)

// memStore is a serialized in-memory Store. Every transaction holds the
// store lock and restores a snapshot when fn fails.
type memStore struct {
	mu          sync.Mutex
	assessments map[string]Assessment
	payments    map[string]Payment
	coupons     map[string]coupon.Coupon
	txCount     int
}

func newMemStore() *memStore {
	return &memStore{
		assessments: make(map[string]Assessment),
		payments:    make(map[string]Payment),
		coupons:     make(map[string]coupon.Coupon),
	}
}

func (m *memStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txCount++

	snapA := cloneMap(m.assessments)
	snapP := cloneMap(m.payments)
	snapC := cloneMap(m.coupons)

	if err := fn(ctx, &memTx{m: m}); err != nil {
		m.assessments, m.payments, m.coupons = snapA, snapP, snapC
		return err
	}
	return nil
}

func cloneMap[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (m *memStore) addCoupon(c coupon.Coupon) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coupons[c.Code] = c
}

func (m *memStore) coupon(code string) coupon.Coupon {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.coupons[code]
}

func (m *memStore) payment(id string) Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payments[id]
}

type memTx struct {
	m *memStore
}

func (t *memTx) GetAssessment(_ context.Context, id string) (*Assessment, error) {
	a, ok := t.m.assessments[id]
	if !ok {
		return nil, ErrAssessmentNotFound
	}
	return &a, nil
}

func (t *memTx) InsertAssessment(_ context.Context, a *Assessment) error {
	if _, ok := t.m.assessments[a.ID]; ok {
		return errors.Errorf("duplicate assessment %s", a.ID)
	}
	t.m.assessments[a.ID] = *a
	return nil
}

func (t *memTx) InsertPayment(_ context.Context, p *Payment) error {
	for _, existing := range t.m.payments {
		if existing.AssessmentID == p.AssessmentID {
			return errors.Errorf("duplicate payment for assessment %s", p.AssessmentID)
		}
	}
	t.m.payments[p.ID] = *p
	return nil
}

func (t *memTx) GetPayment(_ context.Context, id string) (*Payment, error) {
	p, ok := t.m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return &p, nil
}

func (t *memTx) LockPaymentByAssessment(_ context.Context, assessmentID string) (*Payment, error) {
	for _, p := range t.m.payments {
		if p.AssessmentID == assessmentID {
			return &p, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (t *memTx) LockCouponByCode(_ context.Context, code string) (*coupon.Coupon, error) {
	c, ok := t.m.coupons[code]
	if !ok {
		return nil, coupon.ErrCouponNotFound
	}
	return &c, nil
}

func (t *memTx) IncrementCouponUses(_ context.Context, couponID string) (bool, error) {
	for code, c := range t.m.coupons {
		if c.ID != couponID {
			continue
		}
		if c.CurrentUses >= c.MaxUses {
			return false, nil
		}
		c.CurrentUses++
		t.m.coupons[code] = c
		return true, nil
	}
	return false, nil
}

func (t *memTx) UpsertRedemption(_ context.Context, p *Payment) (*Payment, error) {
	for id, existing := range t.m.payments {
		if existing.AssessmentID != p.AssessmentID {
			continue
		}
		if existing.Status.Settled() {
			return nil, ErrAlreadyPaid
		}
		existing.Amount = p.Amount
		existing.ListPrice = p.ListPrice
		existing.Method = p.Method
		existing.Status = p.Status
		existing.CouponID = p.CouponID
		existing.RedemptionKey = p.RedemptionKey
		existing.UpdatedAt = p.UpdatedAt
		t.m.payments[id] = existing
		return &existing, nil
	}
	t.m.payments[p.ID] = *p
	saved := *p
	return &saved, nil
}

func (t *memTx) TransitionPayment(_ context.Context, id string, status Status, from []Status, gatewayRef *string, at time.Time) (*Payment, bool, error) {
	p, ok := t.m.payments[id]
	if !ok || !slices.Contains(from, p.Status) {
		return nil, false, nil
	}
	p.Status = status
	p.UpdatedAt = at
	if gatewayRef != nil {
		p.GatewayPaymentID = gatewayRef
	}
	if status == StatusCompleted {
		p.CompletedAt = &at
	}
	t.m.payments[id] = p
	return &p, true, nil
}

type recordingHook struct {
	mu      sync.Mutex
	calls   []string
	coupons []string
}

func (h *recordingHook) CouponRedeemed(_ context.Context, code string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.coupons = append(h.coupons, code)
}

func (h *recordingHook) redeemedCoupons() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.coupons...)
}

func (h *recordingHook) PaymentCompleted(_ context.Context, p *Payment) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, p.ID)
}

func (h *recordingHook) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}
