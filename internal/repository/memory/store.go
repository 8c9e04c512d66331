// Package memory is an in-process implementation of every repository
// interface. It backs `serve` with store.backend=memory and the domain tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmehdipour/entitlements/internal/apperr"
	"github.com/jmehdipour/entitlements/internal/model"
	"github.com/jmehdipour/entitlements/internal/repository"
)

var (
	_ repository.ProjectsRepository      = (*Store)(nil)
	_ repository.CustomersRepository     = (*Store)(nil)
	_ repository.PlansRepository         = (*Store)(nil)
	_ repository.SubscriptionsRepository = (*Subscriptions)(nil)
	_ repository.EntitlementsRepository  = (*Entitlements)(nil)
	_ repository.ACLRepository           = (*ACLs)(nil)
	_ repository.InvoicesRepository      = (*Store)(nil)
	_ repository.UsageFactsRepository    = (*Store)(nil)
)

type Store struct {
	mu sync.RWMutex

	projects      map[string]model.Project // by api key
	customers     map[string]model.Customer
	plans         map[string]model.PlanVersion
	subscriptions map[string]*model.Subscription
	entitlements  map[string]model.Entitlement
	usage         map[string]model.UsageReportRecord
	usageOrder    []string
	acls          map[string]model.AccessControlList
	invoices      map[string]model.InvoiceSnapshot

	// FailWith, when set, is returned by every call. Tests use it to simulate an outage.
	FailWith error
}

func New() *Store {
	return &Store{
		projects:      make(map[string]model.Project),
		customers:     make(map[string]model.Customer),
		plans:         make(map[string]model.PlanVersion),
		subscriptions: make(map[string]*model.Subscription),
		entitlements:  make(map[string]model.Entitlement),
		usage:         make(map[string]model.UsageReportRecord),
		acls:          make(map[string]model.AccessControlList),
		invoices:      make(map[string]model.InvoiceSnapshot),
	}
}

func entKey(customerID, feature string) string { return customerID + "\x00" + feature }

func invKey(subID string, p model.Period) string {
	return fmt.Sprintf("%s|%d|%d", subID, p.Start.UnixNano(), p.End.UnixNano())
}

func (s *Store) fail() error {
	if s.FailWith != nil {
		return apperr.Unavailable(s.FailWith)
	}
	return nil
}

// ---- seeding ----

func (s *Store) PutProject(p model.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.APIKey] = p
}

func (s *Store) PutCustomer(c model.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[c.ID] = c
}

func (s *Store) PutPlan(p model.PlanVersion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[p.ID] = p
}

func (s *Store) PutEntitlement(e model.Entitlement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entitlements[entKey(e.CustomerID, e.FeatureSlug)] = e
}

// ---- projects / customers / plans ----

func (s *Store) GetByAPIKey(_ context.Context, apiKey string) (*model.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	p, ok := s.projects[apiKey]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *Store) Get(_ context.Context, id string) (*model.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	c, ok := s.customers[id]
	if !ok {
		return nil, apperr.NotFound("customer", id)
	}
	return &c, nil
}

func (s *Store) GetVersion(_ context.Context, id string) (*model.PlanVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	p, ok := s.plans[id]
	if !ok {
		return nil, apperr.NotFound("plan version", id)
	}
	p.Features = append([]model.PlanFeature(nil), p.Features...)
	return &p, nil
}
