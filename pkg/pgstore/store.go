// Package pgstore persists billing state in PostgreSQL through pgx. It is
// the production implementation of billing.Store.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/billingkit/billingkit/pkg/billing"
)

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

var _ billing.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	if pool == nil {
		panic("pgstore: pool is required")
	}
	return &Store{pool: pool}
}

const customerProductColumns = `id, customer_id, org_id, env, product_id, product_group,
	is_add_on, status, subscription_ids, last_invoice_id, trial_ends_at,
	cancel_at_period_end, started_at, ended_at`

func scanCustomerProduct(row pgx.Row) (*billing.CustomerProduct, error) {
	var cp billing.CustomerProduct
	err := row.Scan(
		&cp.ID, &cp.CustomerID, &cp.OrgID, &cp.Env, &cp.ProductID, &cp.ProductGroup,
		&cp.IsAddOn, &cp.Status, &cp.SubscriptionIDs, &cp.LastInvoiceID, &cp.TrialEndsAt,
		&cp.CancelAtPeriodEnd, &cp.StartedAt, &cp.EndedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, billing.ErrNotFound
		}
		return nil, err
	}
	return &cp, nil
}

func (s *Store) GetCustomerProduct(ctx context.Context, id uuid.UUID) (*billing.CustomerProduct, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+customerProductColumns+` FROM customer_products WHERE id = $1`, id)
	return scanCustomerProduct(row)
}

func (s *Store) GetActiveInGroup(ctx context.Context, customerID uuid.UUID, group string) (*billing.CustomerProduct, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+customerProductColumns+` FROM customer_products
		 WHERE customer_id = $1 AND product_group = $2
		   AND is_add_on = false AND status IN ('active', 'past_due')
		 ORDER BY started_at DESC LIMIT 1`, customerID, group)
	return scanCustomerProduct(row)
}

func (s *Store) GetScheduledInGroup(ctx context.Context, customerID uuid.UUID, group string) (*billing.CustomerProduct, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+customerProductColumns+` FROM customer_products
		 WHERE customer_id = $1 AND product_group = $2
		   AND is_add_on = false AND status = 'scheduled'
		 ORDER BY started_at DESC LIMIT 1`, customerID, group)
	return scanCustomerProduct(row)
}

func (s *Store) GetActiveBySubscriptionID(ctx context.Context, subscriptionID string) ([]billing.CustomerProduct, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+customerProductColumns+` FROM customer_products
		 WHERE status IN ('active', 'past_due') AND $1 = ANY(subscription_ids)`, subscriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.CustomerProduct
	for rows.Next() {
		cp, err := scanCustomerProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

func (s *Store) GetCustomerEntitlements(ctx context.Context, customerProductID uuid.UUID) ([]billing.CustomerEntitlement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, customer_product_id, feature_id, allowance, balance, usage_allowed
		 FROM customer_entitlements WHERE customer_product_id = $1`, customerProductID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.CustomerEntitlement
	for rows.Next() {
		var ent billing.CustomerEntitlement
		if err := rows.Scan(&ent.ID, &ent.CustomerProductID, &ent.FeatureID,
			&ent.Allowance, &ent.Balance, &ent.UsageAllowed); err != nil {
			return nil, err
		}
		out = append(out, ent)
	}
	return out, rows.Err()
}

func (s *Store) InsertCustomerProduct(ctx context.Context, cp *billing.CustomerProduct, entitlements []billing.CustomerEntitlement) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO customer_products (`+customerProductColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		cp.ID, cp.CustomerID, cp.OrgID, cp.Env, cp.ProductID, cp.ProductGroup,
		cp.IsAddOn, cp.Status, cp.SubscriptionIDs, cp.LastInvoiceID, cp.TrialEndsAt,
		cp.CancelAtPeriodEnd, cp.StartedAt, cp.EndedAt,
	)
	if err != nil {
		return err
	}

	for _, ent := range entitlements {
		_, err = tx.Exec(ctx,
			`INSERT INTO customer_entitlements (id, customer_product_id, feature_id, allowance, balance, usage_allowed)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			ent.ID, ent.CustomerProductID, ent.FeatureID, ent.Allowance, ent.Balance, ent.UsageAllowed,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *Store) UpdateCustomerProduct(ctx context.Context, id uuid.UUID, update billing.CustomerProductUpdate) error {
	set, args := buildCustomerProductUpdate(update)
	if set == "" {
		return nil
	}
	args = append(args, id)

	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE customer_products SET %s WHERE id = $%d`, set, len(args)), args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrNotFound
	}
	return nil
}

// buildCustomerProductUpdate renders the SET clause for the non-nil fields,
// returning the clause and its positional arguments.
func buildCustomerProductUpdate(update billing.CustomerProductUpdate) (string, []any) {
	var clauses []string
	var args []any

	add := func(column string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.Status != nil {
		add("status", *update.Status)
	}
	if update.SubscriptionIDs != nil {
		add("subscription_ids", *update.SubscriptionIDs)
	}
	if update.CancelAtPeriodEnd != nil {
		add("cancel_at_period_end", *update.CancelAtPeriodEnd)
	}
	if update.EndedAt != nil {
		add("ended_at", *update.EndedAt)
	}
	if update.StartedAt != nil {
		add("started_at", *update.StartedAt)
	}

	return strings.Join(clauses, ", "), args
}

func (s *Store) DeleteCustomerProduct(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM customer_products WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrNotFound
	}
	return nil
}

func (s *Store) GetInvoiceByExternalID(ctx context.Context, externalID string) (*billing.Invoice, error) {
	var inv billing.Invoice
	err := s.pool.QueryRow(ctx,
		`SELECT id, external_id, customer_id, org_id, product_ids, status,
		        total_amount, currency, hosted_url, created_at
		 FROM invoices WHERE external_id = $1`, externalID).Scan(
		&inv.ID, &inv.ExternalID, &inv.CustomerID, &inv.OrgID, &inv.ProductIDs, &inv.Status,
		&inv.Total.Amount, &inv.Total.Currency, &inv.HostedURL, &inv.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, billing.ErrNotFound
		}
		return nil, err
	}
	return &inv, nil
}

func (s *Store) InsertInvoice(ctx context.Context, inv *billing.Invoice) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO invoices (id, external_id, customer_id, org_id, product_ids, status,
		                       total_amount, currency, hosted_url, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		inv.ID, inv.ExternalID, inv.CustomerID, inv.OrgID, inv.ProductIDs, inv.Status,
		inv.Total.Amount, inv.Total.Currency, inv.HostedURL, inv.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return billing.ErrDuplicateInvoice
		}
		return err
	}
	return nil
}

func (s *Store) AdjustEntitlementBalance(ctx context.Context, entitlementID uuid.UUID, delta int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE customer_entitlements SET balance = balance + $2 WHERE id = $1`, entitlementID, delta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrNotFound
	}
	return nil
}

func (s *Store) ZeroEntitlementBalance(ctx context.Context, entitlementID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE customer_entitlements SET balance = 0 WHERE id = $1`, entitlementID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrNotFound
	}
	return nil
}
