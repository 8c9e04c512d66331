package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmehdipour/entitlements/internal/apperr"
	"github.com/jmehdipour/entitlements/internal/model"
)

// Entitlements exposes the entitlement methods; Get collides on Store.
func (s *Store) Entitlements() *Entitlements { return &Entitlements{s: s} }

type Entitlements struct{ s *Store }

func (r *Entitlements) Get(_ context.Context, customerID, featureSlug string) (*model.Entitlement, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	e, ok := s.entitlements[entKey(customerID, featureSlug)]
	if !ok {
		return nil, apperr.NotFound("entitlement", customerID+"/"+featureSlug)
	}
	return &e, nil
}

func (r *Entitlements) Insert(_ context.Context, e *model.Entitlement) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	k := entKey(e.CustomerID, e.FeatureSlug)
	if _, ok := s.entitlements[k]; ok {
		return apperr.ErrDuplicate
	}
	s.entitlements[k] = *e
	return nil
}

func (r *Entitlements) CompareAndSwap(_ context.Context, e *model.Entitlement, expectedVersion int64) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	return s.swapLocked(e, expectedVersion)
}

func (s *Store) swapLocked(e *model.Entitlement, expectedVersion int64) error {
	k := entKey(e.CustomerID, e.FeatureSlug)
	cur, ok := s.entitlements[k]
	if !ok || cur.Version != expectedVersion {
		return fmt.Errorf("entitlement %s/%s at version %d: %w", e.CustomerID, e.FeatureSlug, expectedVersion, apperr.ErrConflict)
	}
	s.entitlements[k] = *e
	return nil
}

func (r *Entitlements) ApplyUsage(_ context.Context, e *model.Entitlement, expectedVersion int64, rec model.UsageReportRecord) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	if _, ok := s.usage[rec.IdempotencyHash]; ok {
		return apperr.ErrDuplicate
	}
	if err := s.swapLocked(e, expectedVersion); err != nil {
		return err
	}
	s.usage[rec.IdempotencyHash] = rec
	s.usageOrder = append(s.usageOrder, rec.IdempotencyHash)
	return nil
}

func (r *Entitlements) GetUsageRecord(_ context.Context, hash string) (*model.UsageReportRecord, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	rec, ok := s.usage[hash]
	if !ok {
		return nil, apperr.NotFound("usage record", hash)
	}
	return &rec, nil
}

// ListByCustomer serves usage facts from the records, newest first.
func (s *Store) ListByCustomer(_ context.Context, customerID, featureSlug string, from, to time.Time, limit, offset int) ([]model.UsageReportRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	var out []model.UsageReportRecord
	for _, h := range s.usageOrder {
		rec := s.usage[h]
		if rec.CustomerID != customerID {
			continue
		}
		if featureSlug != "" && !strings.EqualFold(rec.FeatureSlug, featureSlug) {
			continue
		}
		if !from.IsZero() && rec.AppliedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !rec.AppliedAt.Before(to) {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AppliedAt.After(out[j].AppliedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
