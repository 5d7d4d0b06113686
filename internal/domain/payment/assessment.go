package payment

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/readiness-billing/internal/domain/pricing"
)

func newID() string {
	return uuid.New().String()
}

// Checkout is the result of creating an assessment.
type Checkout struct {
	Assessment *Assessment
	Payment    *Payment
}

// CreateAssessment records a new assessment for userID together with its
// pending payment at the undiscounted tier price.
func (s *Service) CreateAssessment(ctx context.Context, userID, tier string) (*Checkout, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.Wrap(pricing.ErrInvalidInput, "user id is required")
	}

	resolved, price, err := s.table.Resolve(tier)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	a := &Assessment{
		ID:        s.newID(),
		UserID:    userID,
		Tier:      resolved,
		CreatedAt: now,
	}
	p := &Payment{
		ID:           s.newID(),
		AssessmentID: a.ID,
		UserID:       userID,
		Amount:       price,
		ListPrice:    &price,
		Method:       DefaultMethod,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertAssessment(ctx, a); err != nil {
			return errors.Wrap(err, "insert assessment")
		}
		if err := tx.InsertPayment(ctx, p); err != nil {
			return errors.Wrap(err, "insert payment")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Checkout{Assessment: a, Payment: p}, nil
}
