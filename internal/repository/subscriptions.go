package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/entitlements/internal/apperr"
	"github.com/jmehdipour/entitlements/internal/model"
	"github.com/jmoiron/sqlx"
)

type SubscriptionsRepository interface {
	Get(ctx context.Context, id string) (*model.Subscription, error)
	// LatestByCustomer returns the most recently created subscription of the customer.
	LatestByCustomer(ctx context.Context, customerID string) (*model.Subscription, error)
	// Create inserts sub and its phases. It fails with ErrConflict when the
	// customer already holds a non-terminal subscription.
	Create(ctx context.Context, sub *model.Subscription) error
	// Save swaps the subscription row at expectedVersion and replaces its phases.
	Save(ctx context.Context, sub *model.Subscription, expectedVersion int64) error
}

type SubscriptionsRepositoryImpl struct {
	db *sqlx.DB
}

func NewSubscriptionsRepository(db *sqlx.DB) *SubscriptionsRepositoryImpl {
	return &SubscriptionsRepositoryImpl{db: db}
}

var _ SubscriptionsRepository = (*SubscriptionsRepositoryImpl)(nil)

const subscriptionColumns = `id, customer_id, plan_version_id, status, current_phase_id, timezone,
	billing_cycle_anchor, trial_ends_at, cancel_at, canceled_at, end_at, version, created_at, updated_at`

type phaseRow struct {
	ID             string     `db:"id"`
	SubscriptionID string     `db:"subscription_id"`
	PlanVersionID  string     `db:"plan_version_id"`
	StartAt        time.Time  `db:"start_at"`
	EndAt          *time.Time `db:"end_at"`
	SequenceIndex  int        `db:"sequence_index"`
	Params         []byte     `db:"params"`
}

func (r *SubscriptionsRepositoryImpl) Get(ctx context.Context, id string) (*model.Subscription, error) {
	var sub model.Subscription
	err := r.db.GetContext(ctx, &sub, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ? LIMIT 1`, id)
	if err != nil {
		return nil, notFoundOr(err, "subscription", id)
	}
	if err := r.loadPhases(ctx, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *SubscriptionsRepositoryImpl) LatestByCustomer(ctx context.Context, customerID string) (*model.Subscription, error) {
	var sub model.Subscription
	err := r.db.GetContext(ctx, &sub, `
		SELECT `+subscriptionColumns+`
		  FROM subscriptions
		 WHERE customer_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1
	`, customerID)
	if err != nil {
		return nil, notFoundOr(err, "subscription of customer", customerID)
	}
	if err := r.loadPhases(ctx, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *SubscriptionsRepositoryImpl) loadPhases(ctx context.Context, sub *model.Subscription) error {
	var rows []phaseRow
	if err := r.db.SelectContext(ctx, &rows, `
		SELECT id, subscription_id, plan_version_id, start_at, end_at, sequence_index, params
		  FROM subscription_phases
		 WHERE subscription_id = ?
		 ORDER BY sequence_index
	`, sub.ID); err != nil {
		return apperr.Unavailable(err)
	}

	sub.Phases = make([]model.Phase, 0, len(rows))
	for _, rw := range rows {
		p := model.Phase{
			ID:             rw.ID,
			SubscriptionID: rw.SubscriptionID,
			PlanVersionID:  rw.PlanVersionID,
			StartAt:        rw.StartAt,
			EndAt:          rw.EndAt,
			SequenceIndex:  rw.SequenceIndex,
		}
		if len(rw.Params) > 0 {
			if err := json.Unmarshal(rw.Params, &p.Params); err != nil {
				return fmt.Errorf("decode phase %s params: %w", rw.ID, err)
			}
		}
		sub.Phases = append(sub.Phases, p)
	}
	return nil
}

func (r *SubscriptionsRepositoryImpl) Create(ctx context.Context, sub *model.Subscription) error {
	return withTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		// serialize creations per customer on the customer row
		var one int
		err := tx.QueryRowxContext(ctx, `SELECT 1 FROM customers WHERE id = ? FOR UPDATE`, sub.CustomerID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("customer", sub.CustomerID)
		}
		if err != nil {
			return apperr.Unavailable(err)
		}

		var live int
		if err := tx.QueryRowxContext(ctx, `
			SELECT COUNT(*) FROM subscriptions
			 WHERE customer_id = ? AND status NOT IN ('canceled', 'expired')
		`, sub.CustomerID).Scan(&live); err != nil {
			return apperr.Unavailable(err)
		}
		if live > 0 {
			return fmt.Errorf("customer %s already has a live subscription: %w", sub.CustomerID, apperr.ErrConflict)
		}

		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO subscriptions
			    (id, customer_id, plan_version_id, status, current_phase_id, timezone, billing_cycle_anchor,
			     trial_ends_at, cancel_at, canceled_at, end_at, version, created_at, updated_at)
			VALUES
			    (:id, :customer_id, :plan_version_id, :status, :current_phase_id, :timezone, :billing_cycle_anchor,
			     :trial_ends_at, :cancel_at, :canceled_at, :end_at, :version, :created_at, :updated_at)
		`, sub); err != nil {
			return apperr.Unavailable(err)
		}
		return insertPhases(ctx, tx, sub.Phases)
	})
}

func (r *SubscriptionsRepositoryImpl) Save(ctx context.Context, sub *model.Subscription, expectedVersion int64) error {
	return withTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE subscriptions
			   SET plan_version_id = ?, status = ?, current_phase_id = ?, timezone = ?, billing_cycle_anchor = ?,
			       trial_ends_at = ?, cancel_at = ?, canceled_at = ?, end_at = ?, version = ?, updated_at = ?
			 WHERE id = ? AND version = ?
		`, sub.PlanVersionID, sub.Status, sub.CurrentPhaseID, sub.Timezone, sub.BillingCycleAnchor,
			sub.TrialEndsAt, sub.CancelAt, sub.CanceledAt, sub.EndAt, sub.Version, sub.UpdatedAt,
			sub.ID, expectedVersion)
		if err != nil {
			return apperr.Unavailable(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return apperr.Unavailable(err)
		}
		if n == 0 {
			return fmt.Errorf("subscription %s at version %d: %w", sub.ID, expectedVersion, apperr.ErrConflict)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM subscription_phases WHERE subscription_id = ?`, sub.ID); err != nil {
			return apperr.Unavailable(err)
		}
		return insertPhases(ctx, tx, sub.Phases)
	})
}

func insertPhases(ctx context.Context, tx *sqlx.Tx, phases []model.Phase) error {
	for _, p := range phases {
		var params []byte
		if len(p.Params) > 0 {
			b, err := json.Marshal(p.Params)
			if err != nil {
				return fmt.Errorf("encode phase %s params: %w", p.ID, err)
			}
			params = b
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO subscription_phases
			    (id, subscription_id, plan_version_id, start_at, end_at, sequence_index, params)
			VALUES
			    (?, ?, ?, ?, ?, ?, ?)
		`, p.ID, p.SubscriptionID, p.PlanVersionID, p.StartAt, p.EndAt, p.SequenceIndex, params); err != nil {
			return apperr.Unavailable(err)
		}
	}
	return nil
}
