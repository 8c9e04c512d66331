package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmehdipour/entitlements/internal/apperr"
	"github.com/jmehdipour/entitlements/internal/model"
	"github.com/jmoiron/sqlx"
)

type InvoicesRepository interface {
	GetByPeriod(ctx context.Context, subscriptionID string, period model.Period) (*model.InvoiceSnapshot, error)
	// Insert returns ErrDuplicate when a snapshot for the period already exists.
	Insert(ctx context.Context, inv *model.InvoiceSnapshot) error
	SetPaymentStatus(ctx context.Context, id string, status model.PaymentOutcome) error
}

type InvoicesRepositoryImpl struct {
	db *sqlx.DB
}

func NewInvoicesRepository(db *sqlx.DB) *InvoicesRepositoryImpl {
	return &InvoicesRepositoryImpl{db: db}
}

var _ InvoicesRepository = (*InvoicesRepositoryImpl)(nil)

type invoiceRow struct {
	model.InvoiceSnapshot
	PhasesJSON []byte `db:"phases"`
}

func (r *InvoicesRepositoryImpl) GetByPeriod(ctx context.Context, subscriptionID string, period model.Period) (*model.InvoiceSnapshot, error) {
	var row invoiceRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, subscription_id, period_start, period_end, status, payment_status, phases, created_at, updated_at
		  FROM invoice_snapshots
		 WHERE subscription_id = ? AND period_start = ? AND period_end = ?
		 LIMIT 1
	`, subscriptionID, period.Start, period.End)
	if err != nil {
		return nil, notFoundOr(err, "invoice snapshot", subscriptionID)
	}
	inv := row.InvoiceSnapshot
	if len(row.PhasesJSON) > 0 {
		if err := json.Unmarshal(row.PhasesJSON, &inv.Phases); err != nil {
			return nil, fmt.Errorf("decode snapshot phases: %w", err)
		}
	}
	return &inv, nil
}

func (r *InvoicesRepositoryImpl) Insert(ctx context.Context, inv *model.InvoiceSnapshot) error {
	phases, err := json.Marshal(inv.Phases)
	if err != nil {
		return fmt.Errorf("encode snapshot phases: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO invoice_snapshots
		    (id, subscription_id, period_start, period_end, status, payment_status, phases, created_at, updated_at)
		VALUES
		    (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, inv.ID, inv.SubscriptionID, inv.PeriodStart, inv.PeriodEnd, inv.Status, inv.PaymentStatus, phases, inv.CreatedAt, inv.UpdatedAt)
	if isDuplicate(err) {
		return apperr.ErrDuplicate
	}
	return apperr.Passthrough(err)
}

func (r *InvoicesRepositoryImpl) SetPaymentStatus(ctx context.Context, id string, status model.PaymentOutcome) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE invoice_snapshots SET payment_status = ?, updated_at = ? WHERE id = ?
	`, status, time.Now().UTC(), id)
	if err != nil {
		return apperr.Unavailable(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("invoice snapshot", id)
	}
	return nil
}
