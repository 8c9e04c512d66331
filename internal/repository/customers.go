package repository

import (
	"context"

	"github.com/jmehdipour/entitlements/internal/model"
	"github.com/jmoiron/sqlx"
)

type CustomersRepository interface {
	Get(ctx context.Context, id string) (*model.Customer, error)
}

type CustomersRepositoryImpl struct {
	db *sqlx.DB
}

func NewCustomersRepository(db *sqlx.DB) *CustomersRepositoryImpl {
	return &CustomersRepositoryImpl{db: db}
}

var _ CustomersRepository = (*CustomersRepositoryImpl)(nil)

func (r *CustomersRepositoryImpl) Get(ctx context.Context, id string) (*model.Customer, error) {
	var c model.Customer
	err := r.db.GetContext(ctx, &c, `
		SELECT id, project_id, workspace_id, created_at
		  FROM customers
		 WHERE id = ? LIMIT 1
	`, id)
	if err != nil {
		return nil, notFoundOr(err, "customer", id)
	}
	return &c, nil
}
