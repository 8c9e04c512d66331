package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/entitlements/internal/apperr"
	"github.com/jmehdipour/entitlements/internal/model"
	"github.com/jmoiron/sqlx"
)

type ACLRepository interface {
	// Get returns ErrNotFound when no override row exists for the customer.
	Get(ctx context.Context, customerID string) (*model.AccessControlList, error)
	// Update applies a partial update atomically and bumps the version.
	Update(ctx context.Context, customerID string, upd model.ACLUpdate) (*model.AccessControlList, error)
}

type ACLRepositoryImpl struct {
	db *sqlx.DB
}

func NewACLRepository(db *sqlx.DB) *ACLRepositoryImpl {
	return &ACLRepositoryImpl{db: db}
}

var _ ACLRepository = (*ACLRepositoryImpl)(nil)

const aclColumns = `customer_id, usage_limit_reached, disabled, subscription_status_override, version, updated_at`

func (r *ACLRepositoryImpl) Get(ctx context.Context, customerID string) (*model.AccessControlList, error) {
	var acl model.AccessControlList
	err := r.db.GetContext(ctx, &acl, `SELECT `+aclColumns+` FROM customer_acls WHERE customer_id = ? LIMIT 1`, customerID)
	if err != nil {
		return nil, notFoundOr(err, "acl", customerID)
	}
	return &acl, nil
}

func (r *ACLRepositoryImpl) Update(ctx context.Context, customerID string, upd model.ACLUpdate) (*model.AccessControlList, error) {
	var out model.AccessControlList
	err := withTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO customer_acls (customer_id, usage_limit_reached, disabled, version, updated_at)
			VALUES (?, 0, 0, 0, NOW())
			ON DUPLICATE KEY UPDATE customer_id = customer_id
		`, customerID); err != nil {
			return apperr.Unavailable(err)
		}

		var cur model.AccessControlList
		err := tx.GetContext(ctx, &cur, `SELECT `+aclColumns+` FROM customer_acls WHERE customer_id = ? FOR UPDATE`, customerID)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("acl", customerID)
		}
		if err != nil {
			return apperr.Unavailable(err)
		}

		out = upd.Apply(cur)
		out.Version = cur.Version + 1
		out.UpdatedAt = time.Now().UTC()

		if _, err := tx.ExecContext(ctx, `
			UPDATE customer_acls
			   SET usage_limit_reached = ?, disabled = ?, subscription_status_override = ?, version = ?, updated_at = ?
			 WHERE customer_id = ?
		`, out.UsageLimitReached, out.Disabled, out.SubscriptionStatusOverride, out.Version, out.UpdatedAt, customerID); err != nil {
			return apperr.Unavailable(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
