package app

import (
	"time"

	"github.com/jmehdipour/entitlements/internal/model"
	"github.com/jmehdipour/entitlements/internal/repository/memory"
)

// Demo is the fixed data set written by the seed command and loaded into the
// memory store.
type Demo struct {
	Projects  []model.Project
	Customers []model.Customer
	Plans     []model.PlanVersion
}

func DemoData(now time.Time) Demo {
	rps := func(i int) *int { return &i }
	return Demo{
		Projects: []model.Project{
			{ID: "prj_1", WorkspaceID: "wks_1", Name: "Acme", APIKey: "11111111111111111111111111111111", Status: "active", RateLimitRPS: rps(50), CreatedAt: now, UpdatedAt: now},
			{ID: "prj_2", WorkspaceID: "wks_1", Name: "Acme Staging", APIKey: "22222222222222222222222222222222", Status: "active", RateLimitRPS: rps(5), CreatedAt: now, UpdatedAt: now},
			{ID: "prj_3", WorkspaceID: "wks_2", Name: "Suspended Inc", APIKey: "44444444444444444444444444444444", Status: "suspended", CreatedAt: now, UpdatedAt: now},
		},
		Customers: []model.Customer{
			{ID: "cus_1", ProjectID: "prj_1", WorkspaceID: "wks_1", CreatedAt: now},
			{ID: "cus_2", ProjectID: "prj_1", WorkspaceID: "wks_1", CreatedAt: now},
			{ID: "cus_3", ProjectID: "prj_2", WorkspaceID: "wks_1", CreatedAt: now},
		},
		Plans: []model.PlanVersion{
			{
				ID: "plv_team_1", PlanSlug: "team", Version: 1,
				BillingInterval: model.IntervalMonth, IntervalCount: 1, CreatedAt: now,
				Features: []model.PlanFeature{
					{PlanVersionID: "plv_team_1", FeatureSlug: "seats", Limit: 100, OveragePolicy: model.OverageHardCap},
					{PlanVersionID: "plv_team_1", FeatureSlug: "api_calls", Limit: 100000, OveragePolicy: model.OverageAllow},
					{PlanVersionID: "plv_team_1", FeatureSlug: "sso", Limit: model.Unlimited, OveragePolicy: model.OverageHardCap},
				},
			},
			{
				ID: "plv_team_trial_1", PlanSlug: "team-trial", Version: 1, TrialDays: 14,
				BillingInterval: model.IntervalMonth, IntervalCount: 1, CreatedAt: now,
				Features: []model.PlanFeature{
					{PlanVersionID: "plv_team_trial_1", FeatureSlug: "seats", Limit: 10, OveragePolicy: model.OverageHardCap},
				},
			},
			{
				ID: "plv_scale_1", PlanSlug: "scale", Version: 1,
				BillingInterval: model.IntervalYear, IntervalCount: 1, CreatedAt: now,
				Features: []model.PlanFeature{
					{PlanVersionID: "plv_scale_1", FeatureSlug: "seats", Limit: 1000, OveragePolicy: model.OverageAllow},
					{PlanVersionID: "plv_scale_1", FeatureSlug: "api_calls", Limit: model.Unlimited, OveragePolicy: model.OverageHardCap},
				},
			},
		},
	}
}

// Load puts d into store.
func (d Demo) Load(store *memory.Store) {
	for _, p := range d.Projects {
		store.PutProject(p)
	}
	for _, c := range d.Customers {
		store.PutCustomer(c)
	}
	for _, p := range d.Plans {
		store.PutPlan(p)
	}
}
