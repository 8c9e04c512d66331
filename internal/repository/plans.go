package repository

import (
	"context"

	"github.com/jmehdipour/entitlements/internal/model"
	"github.com/jmoiron/sqlx"
)

type PlansRepository interface {
	GetVersion(ctx context.Context, id string) (*model.PlanVersion, error)
}

type PlansRepositoryImpl struct {
	db *sqlx.DB
}

func NewPlansRepository(db *sqlx.DB) *PlansRepositoryImpl {
	return &PlansRepositoryImpl{db: db}
}

var _ PlansRepository = (*PlansRepositoryImpl)(nil)

// GetVersion loads a plan version together with its features.
func (r *PlansRepositoryImpl) GetVersion(ctx context.Context, id string) (*model.PlanVersion, error) {
	var pv model.PlanVersion
	err := r.db.GetContext(ctx, &pv, `
		SELECT id, plan_slug, version, trial_days, billing_interval, interval_count, created_at
		  FROM plan_versions
		 WHERE id = ? LIMIT 1
	`, id)
	if err != nil {
		return nil, notFoundOr(err, "plan version", id)
	}

	if err := r.db.SelectContext(ctx, &pv.Features, `
		SELECT plan_version_id, feature_slug, usage_limit, overage_policy
		  FROM plan_features
		 WHERE plan_version_id = ?
		 ORDER BY feature_slug
	`, id); err != nil {
		return nil, notFoundOr(err, "plan features", id)
	}
	return &pv, nil
}
