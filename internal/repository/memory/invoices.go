package memory

import (
	"context"
	"time"

	"github.com/jmehdipour/entitlements/internal/apperr"
	"github.com/jmehdipour/entitlements/internal/model"
)

func (s *Store) GetByPeriod(_ context.Context, subscriptionID string, period model.Period) (*model.InvoiceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	inv, ok := s.invoices[invKey(subscriptionID, period)]
	if !ok {
		return nil, apperr.NotFound("invoice snapshot", subscriptionID)
	}
	return &inv, nil
}

func (s *Store) Insert(_ context.Context, inv *model.InvoiceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	k := invKey(inv.SubscriptionID, model.Period{Start: inv.PeriodStart, End: inv.PeriodEnd})
	if _, ok := s.invoices[k]; ok {
		return apperr.ErrDuplicate
	}
	s.invoices[k] = *inv
	return nil
}

func (s *Store) SetPaymentStatus(_ context.Context, id string, status model.PaymentOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	for k, inv := range s.invoices {
		if inv.ID == id {
			inv.PaymentStatus = string(status)
			inv.UpdatedAt = time.Now().UTC()
			s.invoices[k] = inv
			return nil
		}
	}
	return apperr.NotFound("invoice snapshot", id)
}
