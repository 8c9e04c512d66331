package entitlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/entitlements/internal/cache"
	"github.com/jmehdipour/entitlements/internal/model"
	"github.com/jmehdipour/entitlements/internal/repository/memory"
	"github.com/jmehdipour/entitlements/internal/subscription"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store     *memory.Store
	tier      *cache.Tier
	clock     *clock
	machine   *subscription.Machine
	authority *Authority
	rollovers []string
	mu        sync.Mutex
}

func planPro() model.PlanVersion {
	return model.PlanVersion{
		ID:              "plv_pro_1",
		PlanSlug:        "pro",
		Version:         1,
		BillingInterval: model.IntervalMonth,
		IntervalCount:   1,
		Features: []model.PlanFeature{
			{PlanVersionID: "plv_pro_1", FeatureSlug: "seats", Limit: 100, OveragePolicy: model.OverageHardCap},
			{PlanVersionID: "plv_pro_1", FeatureSlug: "storage_gb", Limit: 10, OveragePolicy: model.OverageAllow},
			{PlanVersionID: "plv_pro_1", FeatureSlug: "api_calls", Limit: model.Unlimited, OveragePolicy: model.OverageHardCap},
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.New(),
		tier:  cache.NewTier(cache.NewMemoryBackend(1000), cache.Options{}),
		clock: &clock{t: start},
	}
	f.store.PutCustomer(model.Customer{ID: "cus_1", ProjectID: "prj_1", WorkspaceID: "wks_1"})
	f.store.PutCustomer(model.Customer{ID: "cus_2", ProjectID: "prj_1", WorkspaceID: "wks_1"})
	f.store.PutPlan(planPro())

	f.machine = subscription.NewMachine(f.store.Subscriptions(), f.store, f.store, f.store, f.tier, subscription.Options{
		MaxRetries: 3,
		Now:        f.clock.Now,
	})
	f.authority = NewAuthority(f.store, f.store, f.store.Entitlements(), f.machine, f.tier, Options{
		Timeout:    time.Second,
		MaxRetries: 3,
		Now:        f.clock.Now,
		OnRollover: func(_ context.Context, customerID, featureSlug string) {
			f.mu.Lock()
			f.rollovers = append(f.rollovers, customerID+"/"+featureSlug)
			f.mu.Unlock()
		},
	})
	t.Cleanup(f.tier.Close)
	return f
}

func (f *fixture) subscribe(t *testing.T, customerID string) *model.Subscription {
	t.Helper()
	sub, err := f.machine.Create(context.Background(), subscription.CreateRequest{
		CustomerID:    customerID,
		PlanVersionID: "plv_pro_1",
	})
	require.NoError(t, err)
	return sub
}
