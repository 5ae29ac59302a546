package billing

import (
	"time"

	"github.com/google/uuid"

	"github.com/billingkit/billingkit/pkg/price"
)

// Environment separates live and test data within an organization.
type Environment string

const (
	EnvLive Environment = "live"
	EnvTest Environment = "test"
)

// Money is a monetary amount in the smallest currency unit.
// $10.99 USD is Amount: 1099, Currency: "usd".
type Money struct {
	Amount   int64
	Currency string
}

// Organization owns products and a single connection to the payment
// processor.
type Organization struct {
	ID              uuid.UUID
	Name            string
	DefaultCurrency string
	// ProcessorConnected reports whether the org has a connected processor
	// account. Billing operations fail with ErrConfigurationMissing without it.
	ProcessorConnected bool
	// SuccessURL is where hosted checkout and portal sessions return to.
	SuccessURL string
}

// Customer is an identity within an (organization, environment) pair.
type Customer struct {
	ID    uuid.UUID
	OrgID uuid.UUID
	Env   Environment
	Name  string
	Email string
	// ProcessorID is the processor's customer reference (cus_xxx). Empty
	// until the customer has been created with the processor.
	ProcessorID string
}

// Product is a named bundle of prices and entitlements. Non-add-on products
// sharing a Group are mutually exclusive per customer.
type Product struct {
	ID      uuid.UUID
	OrgID   uuid.UUID
	Name    string
	Group   string
	IsAddOn bool
	// ProcessorID is the processor's product reference used on line items.
	ProcessorID string
}

// Price belongs to exactly one product. Its billing behavior is fully
// described by Config; derive the type via price.Classify, never store it.
type Price struct {
	ID        uuid.UUID
	ProductID uuid.UUID
	Name      string
	Config    price.Config
}

// AllowanceType describes how an entitlement grants feature usage.
type AllowanceType string

const (
	AllowanceFixed     AllowanceType = "fixed"
	AllowanceUnlimited AllowanceType = "unlimited"
	AllowanceNone      AllowanceType = "none"
)

// Entitlement defines a feature allowance on a product.
type Entitlement struct {
	ID            uuid.UUID
	ProductID     uuid.UUID
	FeatureID     uuid.UUID
	FeatureName   string
	AllowanceType AllowanceType
	Allowance     int64
}

// CustomerProductStatus is the lifecycle state of a CustomerProduct.
// Transitions move forward only: scheduled -> active -> expired.
type CustomerProductStatus string

const (
	StatusScheduled CustomerProductStatus = "scheduled"
	StatusActive    CustomerProductStatus = "active"
	StatusPastDue   CustomerProductStatus = "past_due"
	StatusExpired   CustomerProductStatus = "expired"
)

// CustomerProduct is the join of a customer and a product at a point in
// time; the aggregate whose transitions this package drives.
type CustomerProduct struct {
	ID           uuid.UUID
	CustomerID   uuid.UUID
	OrgID        uuid.UUID
	Env          Environment
	ProductID    uuid.UUID
	ProductGroup string
	IsAddOn      bool
	Status       CustomerProductStatus
	// SubscriptionIDs is an ordered list of external subscription ids, one
	// per billing interval. Index 0 is the primary slot: upgrades replace
	// items in that subscription in place and cancel the rest.
	SubscriptionIDs []string
	// LastInvoiceID references the external invoice that activated a
	// one-off purchase.
	LastInvoiceID string
	TrialEndsAt   *time.Time
	// CancelAtPeriodEnd marks a pending deferred cancellation; cleared when
	// a scheduled replacement is removed.
	CancelAtPeriodEnd bool
	StartedAt         time.Time
	EndedAt           *time.Time
}

// PrimarySubscriptionID returns the subscription in the primary slot, or ""
// when the product has no external subscriptions.
func (cp *CustomerProduct) PrimarySubscriptionID() string {
	if len(cp.SubscriptionIDs) == 0 {
		return ""
	}
	return cp.SubscriptionIDs[0]
}

// IsTrialing reports whether the product is inside its trial window at now.
func (cp *CustomerProduct) IsTrialing(now time.Time) bool {
	return cp.TrialEndsAt != nil && now.Before(*cp.TrialEndsAt)
}

// CustomerEntitlement is a live usage balance for one feature under one
// CustomerProduct. Balance goes negative only when UsageAllowed is set, and
// the negative part is the overage billed on upgrade or at cycle end.
type CustomerEntitlement struct {
	ID                uuid.UUID
	CustomerProductID uuid.UUID
	FeatureID         uuid.UUID
	Allowance         int64
	Balance           int64
	UsageAllowed      bool
}

// InvoiceStatus mirrors the processor's invoice state locally.
type InvoiceStatus string

const (
	InvoiceDraft InvoiceStatus = "draft"
	InvoiceOpen  InvoiceStatus = "open"
	InvoicePaid  InvoiceStatus = "paid"
	InvoiceVoid  InvoiceStatus = "void"
)

// Invoice is a processor invoice mirrored locally, keyed by the external
// invoice id for idempotent insertion.
type Invoice struct {
	ID         uuid.UUID
	ExternalID string
	CustomerID uuid.UUID
	OrgID      uuid.UUID
	ProductIDs []uuid.UUID
	Status     InvoiceStatus
	Total      Money
	HostedURL  string
	CreatedAt  time.Time
}

// FullCustomerProduct bundles a CustomerProduct with the product, prices and
// live balances it was created from. Upgrades need the whole picture to
// settle outstanding usage and swap subscription items.
type FullCustomerProduct struct {
	CustomerProduct
	Product      Product
	Prices       []Price
	Entitlements []CustomerEntitlement
}

// IsFree reports whether the product carries no positive attach-time or
// recurring charge.
func (f *FullCustomerProduct) IsFree() bool {
	for _, p := range f.Prices {
		switch cfg := p.Config.(type) {
		case price.FixedConfig:
			if cfg.Amount > 0 {
				return false
			}
		case price.UsageConfig:
			return false
		}
	}
	return true
}
