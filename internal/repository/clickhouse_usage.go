package repository

import (
	"context"
	"time"

	"github.com/jmehdipour/entitlements/internal/model"
	"github.com/jmoiron/sqlx"
)

// UsageFactsRepository reads committed usage facts from ClickHouse. Rows arrive
// there from the usage.recorded topic.
type UsageFactsRepository interface {
	ListByCustomer(ctx context.Context, customerID, featureSlug string, from, to time.Time, limit, offset int) ([]model.UsageReportRecord, error)
}

type chUsageRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHUsageRepository(ch *sqlx.DB) UsageFactsRepository {
	return &chUsageRepository{ch: ch}
}

func (r *chUsageRepository) ListByCustomer(ctx context.Context, customerID, featureSlug string, from, to time.Time, limit, offset int) ([]model.UsageReportRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT idempotency_hash, customer_id, feature_slug, quantity, applied, applied_at
		FROM entitlements.usage_events
		WHERE customer_id = ?
	`
	args := []any{customerID}

	if featureSlug != "" {
		q += " AND feature_slug = ?"
		args = append(args, featureSlug)
	}
	if !from.IsZero() {
		q += " AND applied_at >= ?"
		args = append(args, from)
	}
	if !to.IsZero() {
		q += " AND applied_at < ?"
		args = append(args, to)
	}

	q += " ORDER BY applied_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []model.UsageReportRecord
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
