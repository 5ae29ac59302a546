package pgstore

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/billingkit/billingkit/pkg/billing"
)

// Customers is the directory of billable customers. The host application
// registers customers here once they exist with the payment processor.
type Customers struct {
	pool *pgxpool.Pool
}

func NewCustomers(pool *pgxpool.Pool) *Customers {
	if pool == nil {
		panic("pgstore: pool is required")
	}
	return &Customers{pool: pool}
}

func (c *Customers) GetCustomer(ctx context.Context, id uuid.UUID) (billing.Customer, error) {
	var cus billing.Customer
	err := c.pool.QueryRow(ctx,
		`SELECT id, org_id, env, name, email, processor_id FROM customers WHERE id = $1`, id).Scan(
		&cus.ID, &cus.OrgID, &cus.Env, &cus.Name, &cus.Email, &cus.ProcessorID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return billing.Customer{}, billing.ErrNotFound
		}
		return billing.Customer{}, err
	}
	return cus, nil
}

// UpsertCustomer registers or refreshes a customer. Idempotent on id.
func (c *Customers) UpsertCustomer(ctx context.Context, cus billing.Customer) error {
	_, err := c.pool.Exec(ctx,
		`INSERT INTO customers (id, org_id, env, name, email, processor_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name,
		   email = EXCLUDED.email,
		   processor_id = EXCLUDED.processor_id,
		   updated_at = now()`,
		cus.ID, cus.OrgID, cus.Env, cus.Name, cus.Email, cus.ProcessorID,
	)
	return err
}
