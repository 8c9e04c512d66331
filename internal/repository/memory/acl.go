package memory

import (
	"context"
	"time"

	"github.com/jmehdipour/entitlements/internal/apperr"
	"github.com/jmehdipour/entitlements/internal/model"
)

// ACLs exposes the ACL methods; Get and Update collide on Store.
func (s *Store) ACLs() *ACLs { return &ACLs{s: s} }

type ACLs struct{ s *Store }

func (r *ACLs) Get(_ context.Context, customerID string) (*model.AccessControlList, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	acl, ok := s.acls[customerID]
	if !ok {
		return nil, apperr.NotFound("acl", customerID)
	}
	return copyACL(acl), nil
}

func (r *ACLs) Update(_ context.Context, customerID string, upd model.ACLUpdate) (*model.AccessControlList, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	cur, ok := s.acls[customerID]
	if !ok {
		cur = model.AccessControlList{CustomerID: customerID}
	}
	next := upd.Apply(cur)
	next.Version = cur.Version + 1
	next.UpdatedAt = time.Now().UTC()
	s.acls[customerID] = next
	return copyACL(next), nil
}

func copyACL(a model.AccessControlList) *model.AccessControlList {
	if a.SubscriptionStatusOverride != nil {
		st := *a.SubscriptionStatusOverride
		a.SubscriptionStatusOverride = &st
	}
	return &a
}
