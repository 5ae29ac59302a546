package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the internal system of record for entitlements. Implementations
// must return ErrNotFound on misses and ErrDuplicateInvoice when inserting
// an invoice whose external id already exists.
//
// UpdateCustomerProduct must apply all fields of the update in a single
// atomic write; the engine relies on that to avoid lost updates between the
// request path and webhook processing.
type Store interface {
	GetCustomerProduct(ctx context.Context, id uuid.UUID) (*CustomerProduct, error)
	// GetActiveInGroup returns the active (or past-due) non-add-on customer
	// product in a product group.
	GetActiveInGroup(ctx context.Context, customerID uuid.UUID, group string) (*CustomerProduct, error)
	GetScheduledInGroup(ctx context.Context, customerID uuid.UUID, group string) (*CustomerProduct, error)
	// GetActiveBySubscriptionID returns every active customer product
	// referencing the external subscription id.
	GetActiveBySubscriptionID(ctx context.Context, subscriptionID string) ([]CustomerProduct, error)

	// GetCustomerEntitlements returns the live balances attached to a
	// customer product.
	GetCustomerEntitlements(ctx context.Context, customerProductID uuid.UUID) ([]CustomerEntitlement, error)

	InsertCustomerProduct(ctx context.Context, cp *CustomerProduct, entitlements []CustomerEntitlement) error
	UpdateCustomerProduct(ctx context.Context, id uuid.UUID, update CustomerProductUpdate) error
	DeleteCustomerProduct(ctx context.Context, id uuid.UUID) error

	GetInvoiceByExternalID(ctx context.Context, externalID string) (*Invoice, error)
	InsertInvoice(ctx context.Context, inv *Invoice) error

	// AdjustEntitlementBalance atomically adds delta (usually negative) to
	// an entitlement balance.
	AdjustEntitlementBalance(ctx context.Context, entitlementID uuid.UUID, delta int64) error

	ZeroEntitlementBalance(ctx context.Context, entitlementID uuid.UUID) error
}

// CustomerProductUpdate is a partial update; nil fields are left untouched.
type CustomerProductUpdate struct {
	Status            *CustomerProductStatus
	SubscriptionIDs   *[]string
	CancelAtPeriodEnd *bool
	EndedAt           *time.Time
	StartedAt         *time.Time
}
