package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jmehdipour/entitlements/internal/apperr"
	"github.com/jmehdipour/entitlements/internal/model"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })
	return sqlx.NewDb(raw, "mysql"), mock
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seatsRow() *model.Entitlement {
	return &model.Entitlement{
		CustomerID: "cus_1", FeatureSlug: "seats", Limit: 100, Used: 30,
		ResetAt: now.AddDate(0, 1, 0), Version: 4, OveragePolicy: model.OverageHardCap, UpdatedAt: now,
	}
}

func TestApplyUsageWritesRecordCounterAndOutbox(t *testing.T) {
	db, mock := newMock(t)
	repo := NewEntitlementsRepository(db, NewOutboxRepository(db))
	e := seatsRow()
	rec := model.UsageReportRecord{IdempotencyHash: "h1", CustomerID: "cus_1", FeatureSlug: "seats", Quantity: 5, Applied: 5, AppliedAt: now}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO usage_records").
		WithArgs("h1", "cus_1", "seats", int64(5), int64(5), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE entitlements").
		WithArgs(e.Limit, e.Used, e.ResetAt, e.Version, e.OveragePolicy, e.UpdatedAt, "cus_1", "seats", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox").
		WithArgs("usage", "h1", UsageRecordedTopic, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.ApplyUsage(context.Background(), e, 3, rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyUsageDuplicateHash(t *testing.T) {
	db, mock := newMock(t)
	repo := NewEntitlementsRepository(db, nil)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO usage_records").
		WillReturnError(&mysql.MySQLError{Number: mysqlDuplicateEntry, Message: "Duplicate entry"})
	mock.ExpectRollback()

	err := repo.ApplyUsage(context.Background(), seatsRow(), 3, model.UsageReportRecord{IdempotencyHash: "h1"})
	assert.ErrorIs(t, err, apperr.ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyUsageLostRaceIsConflict(t *testing.T) {
	db, mock := newMock(t)
	repo := NewEntitlementsRepository(db, nil)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO usage_records").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE entitlements").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.ApplyUsage(context.Background(), seatsRow(), 3, model.UsageReportRecord{IdempotencyHash: "h1"})
	assert.True(t, apperr.IsConflict(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEntitlementInsertDuplicate(t *testing.T) {
	db, mock := newMock(t)
	repo := NewEntitlementsRepository(db, nil)

	mock.ExpectExec("INSERT INTO entitlements").
		WillReturnError(&mysql.MySQLError{Number: mysqlDuplicateEntry})
	assert.ErrorIs(t, repo.Insert(context.Background(), seatsRow()), apperr.ErrDuplicate)
}

func TestEntitlementGetMapsErrors(t *testing.T) {
	db, mock := newMock(t)
	repo := NewEntitlementsRepository(db, nil)
	ctx := context.Background()

	mock.ExpectQuery("FROM entitlements").WithArgs("cus_1", "seats").WillReturnError(sql.ErrNoRows)
	_, err := repo.Get(ctx, "cus_1", "seats")
	assert.True(t, apperr.IsNotFound(err))

	mock.ExpectQuery("FROM entitlements").WillReturnError(errors.New("conn reset"))
	_, err = repo.Get(ctx, "cus_1", "seats")
	assert.True(t, apperr.IsUnavailable(err))

	cols := []string{"customer_id", "feature_slug", "usage_limit", "used", "reset_at", "version", "overage_policy", "updated_at"}
	mock.ExpectQuery("FROM entitlements").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("cus_1", "seats", 100, 30, now, 4, "hard_cap", now))
	e, err := repo.Get(ctx, "cus_1", "seats")
	require.NoError(t, err)
	assert.EqualValues(t, 30, e.Used)
	assert.Equal(t, model.OverageHardCap, e.OveragePolicy)
}

func TestACLUpdateLocksAndBumpsVersion(t *testing.T) {
	db, mock := newMock(t)
	repo := NewACLRepository(db)
	disabled := true

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO customer_acls").WithArgs("cus_1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FOR UPDATE").WithArgs("cus_1").WillReturnRows(
		sqlmock.NewRows([]string{"customer_id", "usage_limit_reached", "disabled", "subscription_status_override", "version", "updated_at"}).
			AddRow("cus_1", true, false, nil, 6, now))
	mock.ExpectExec("UPDATE customer_acls").
		WithArgs(true, true, nil, int64(7), sqlmock.AnyArg(), "cus_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	acl, err := repo.Update(context.Background(), "cus_1", model.ACLUpdate{Disabled: &disabled})
	require.NoError(t, err)
	assert.True(t, acl.Disabled)
	assert.True(t, acl.UsageLimitReached)
	assert.EqualValues(t, 7, acl.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProjectByAPIKey(t *testing.T) {
	db, mock := newMock(t)
	repo := NewProjectsRepository(db)

	mock.ExpectQuery("FROM projects").WithArgs("missing").WillReturnError(sql.ErrNoRows)
	p, err := repo.GetByAPIKey(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, p)

	cols := []string{"id", "workspace_id", "name", "api_key", "status", "rate_limit_rps", "created_at", "updated_at"}
	mock.ExpectQuery("FROM projects").WithArgs("k1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("prj_1", "wks_1", "Acme", "k1", "active", 20, now, now))
	p, err = repo.GetByAPIKey(context.Background(), "k1")
	require.NoError(t, err)
	require.NotNil(t, p.RateLimitRPS)
	assert.Equal(t, 20, *p.RateLimitRPS)
}

func TestCustomerNotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCustomersRepository(db)

	mock.ExpectQuery("FROM customers").WithArgs("cus_x").WillReturnError(sql.ErrNoRows)
	_, err := repo.Get(context.Background(), "cus_x")
	assert.True(t, apperr.IsNotFound(err))
}

func TestUsageFactsQueryFilters(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCHUsageRepository(db)
	from := now.Add(-time.Hour)

	cols := []string{"idempotency_hash", "customer_id", "feature_slug", "quantity", "applied", "applied_at"}
	mock.ExpectQuery("FROM entitlements.usage_events").
		WithArgs("cus_1", "seats", from, 50, 0).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("h1", "cus_1", "seats", 5, 5, now))

	rows, err := repo.ListByCustomer(context.Background(), "cus_1", "seats", from, time.Time{}, 0, -1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 5, rows[0].Applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}
