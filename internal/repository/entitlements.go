package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmehdipour/entitlements/internal/apperr"
	"github.com/jmehdipour/entitlements/internal/model"
	"github.com/jmoiron/sqlx"
)

// UsageRecordedTopic receives one event per committed usage record via the outbox.
const UsageRecordedTopic = "usage.recorded"

// EntitlementsRepository persists entitlement counters and the append-only
// usage records. Every counter write is a compare-and-swap on version.
type EntitlementsRepository interface {
	Get(ctx context.Context, customerID, featureSlug string) (*model.Entitlement, error)
	Insert(ctx context.Context, e *model.Entitlement) error
	CompareAndSwap(ctx context.Context, e *model.Entitlement, expectedVersion int64) error
	// ApplyUsage inserts rec and swaps the counter in one transaction.
	ApplyUsage(ctx context.Context, e *model.Entitlement, expectedVersion int64, rec model.UsageReportRecord) error
	GetUsageRecord(ctx context.Context, hash string) (*model.UsageReportRecord, error)
}

type EntitlementsRepositoryImpl struct {
	db     *sqlx.DB
	outbox OutboxRepository
}

func NewEntitlementsRepository(db *sqlx.DB, outbox OutboxRepository) *EntitlementsRepositoryImpl {
	return &EntitlementsRepositoryImpl{db: db, outbox: outbox}
}

var _ EntitlementsRepository = (*EntitlementsRepositoryImpl)(nil)

func (r *EntitlementsRepositoryImpl) Get(ctx context.Context, customerID, featureSlug string) (*model.Entitlement, error) {
	var e model.Entitlement
	err := r.db.GetContext(ctx, &e, `
		SELECT customer_id, feature_slug, usage_limit, used, reset_at, version, overage_policy, updated_at
		  FROM entitlements
		 WHERE customer_id = ? AND feature_slug = ?
		 LIMIT 1
	`, customerID, featureSlug)
	if err != nil {
		return nil, notFoundOr(err, "entitlement", customerID+"/"+featureSlug)
	}
	return &e, nil
}

// Insert creates the counter row; ErrDuplicate when another writer created it first.
func (r *EntitlementsRepositoryImpl) Insert(ctx context.Context, e *model.Entitlement) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO entitlements
		    (customer_id, feature_slug, usage_limit, used, reset_at, version, overage_policy, updated_at)
		VALUES
		    (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.CustomerID, e.FeatureSlug, e.Limit, e.Used, e.ResetAt, e.Version, e.OveragePolicy, e.UpdatedAt)
	if isDuplicate(err) {
		return apperr.ErrDuplicate
	}
	return apperr.Passthrough(err)
}

func (r *EntitlementsRepositoryImpl) CompareAndSwap(ctx context.Context, e *model.Entitlement, expectedVersion int64) error {
	return r.swap(ctx, r.db, e, expectedVersion)
}

func (r *EntitlementsRepositoryImpl) swap(ctx context.Context, ex sqlx.ExecerContext, e *model.Entitlement, expectedVersion int64) error {
	res, err := ex.ExecContext(ctx, `
		UPDATE entitlements
		   SET usage_limit = ?, used = ?, reset_at = ?, version = ?, overage_policy = ?, updated_at = ?
		 WHERE customer_id = ? AND feature_slug = ? AND version = ?
	`, e.Limit, e.Used, e.ResetAt, e.Version, e.OveragePolicy, e.UpdatedAt,
		e.CustomerID, e.FeatureSlug, expectedVersion)
	if err != nil {
		return apperr.Unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Unavailable(err)
	}
	if n == 0 {
		return fmt.Errorf("entitlement %s/%s at version %d: %w", e.CustomerID, e.FeatureSlug, expectedVersion, apperr.ErrConflict)
	}
	return nil
}

func (r *EntitlementsRepositoryImpl) ApplyUsage(ctx context.Context, e *model.Entitlement, expectedVersion int64, rec model.UsageReportRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal usage record: %w", err)
	}

	return withTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		// 1) append-only record; the unique hash is the exactly-once guard
		_, err := tx.ExecContext(ctx, `
			INSERT INTO usage_records
			    (idempotency_hash, customer_id, feature_slug, quantity, applied, applied_at)
			VALUES
			    (?, ?, ?, ?, ?, ?)
		`, rec.IdempotencyHash, rec.CustomerID, rec.FeatureSlug, rec.Quantity, rec.Applied, rec.AppliedAt)
		if isDuplicate(err) {
			return apperr.ErrDuplicate
		}
		if err != nil {
			return apperr.Unavailable(err)
		}

		// 2) counter CAS
		if err := r.swap(ctx, tx, e, expectedVersion); err != nil {
			return err
		}

		// 3) outbox -> usage.recorded
		if r.outbox == nil {
			return nil
		}
		if err := r.outbox.Insert(ctx, tx, "usage", rec.IdempotencyHash, UsageRecordedTopic, payload); err != nil {
			return apperr.Unavailable(fmt.Errorf("insert outbox: %w", err))
		}
		return nil
	})
}

func (r *EntitlementsRepositoryImpl) GetUsageRecord(ctx context.Context, hash string) (*model.UsageReportRecord, error) {
	var rec model.UsageReportRecord
	err := r.db.GetContext(ctx, &rec, `
		SELECT idempotency_hash, customer_id, feature_slug, quantity, applied, applied_at
		  FROM usage_records
		 WHERE idempotency_hash = ?
		 LIMIT 1
	`, hash)
	if err != nil {
		return nil, notFoundOr(err, "usage record", hash)
	}
	return &rec, nil
}
