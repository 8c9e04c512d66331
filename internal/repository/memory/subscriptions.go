package memory

import (
	"context"
	"fmt"

	"github.com/jmehdipour/entitlements/internal/apperr"
	"github.com/jmehdipour/entitlements/internal/model"
)

// Subscriptions exposes the subscription methods under their interface names;
// Get collides with the customers repository on Store.
func (s *Store) Subscriptions() *Subscriptions { return &Subscriptions{s: s} }

type Subscriptions struct{ s *Store }

func (r *Subscriptions) Get(_ context.Context, id string) (*model.Subscription, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, apperr.NotFound("subscription", id)
	}
	return sub.Clone(), nil
}

func (r *Subscriptions) LatestByCustomer(_ context.Context, customerID string) (*model.Subscription, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	var latest *model.Subscription
	for _, sub := range s.subscriptions {
		if sub.CustomerID != customerID {
			continue
		}
		if latest == nil || sub.CreatedAt.After(latest.CreatedAt) ||
			(sub.CreatedAt.Equal(latest.CreatedAt) && sub.ID > latest.ID) {
			latest = sub
		}
	}
	if latest == nil {
		return nil, apperr.NotFound("subscription of customer", customerID)
	}
	return latest.Clone(), nil
}

func (r *Subscriptions) Create(_ context.Context, sub *model.Subscription) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	if _, ok := s.customers[sub.CustomerID]; !ok {
		return apperr.NotFound("customer", sub.CustomerID)
	}
	for _, existing := range s.subscriptions {
		if existing.CustomerID == sub.CustomerID && !existing.Status.Terminal() {
			return fmt.Errorf("customer %s already has a live subscription: %w", sub.CustomerID, apperr.ErrConflict)
		}
	}
	s.subscriptions[sub.ID] = sub.Clone()
	return nil
}

func (r *Subscriptions) Save(_ context.Context, sub *model.Subscription, expectedVersion int64) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	cur, ok := s.subscriptions[sub.ID]
	if !ok {
		return apperr.NotFound("subscription", sub.ID)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("subscription %s at version %d: %w", sub.ID, expectedVersion, apperr.ErrConflict)
	}
	s.subscriptions[sub.ID] = sub.Clone()
	return nil
}
