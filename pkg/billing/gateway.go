package billing

import (
	"context"
	"time"

	"github.com/billingkit/billingkit/pkg/price"
)

// Gateway is the only boundary to the external payment processor. One method
// per processor action; every method translates processor failures into the
// typed errors of this package (ErrCardDeclined, ErrConfigurationMissing,
// ErrProcessorUnavailable).
//
// Methods accept an IdempotencyKey where the processor supports one; callers
// pass a stable key derived from the local operation so a retried call
// cannot double-charge.
type Gateway interface {
	CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*ProcessorSubscription, error)
	// GetSubscription is used by upgrades to learn the current item ids of
	// the primary subscription before replacing them.
	GetSubscription(ctx context.Context, subscriptionID string) (*ProcessorSubscription, error)
	// UpdateSubscriptionItems swaps a subscription's items in one call: new
	// items plus deletion markers for the old ones, making the swap atomic
	// from the processor's perspective.
	UpdateSubscriptionItems(ctx context.Context, req UpdateSubscriptionRequest) (*ProcessorSubscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) error
	// UncancelSubscription clears a pending cancel-at-period-end.
	UncancelSubscription(ctx context.Context, subscriptionID string) error

	CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*ProcessorInvoice, error)
	CreateInvoiceItem(ctx context.Context, req InvoiceItemRequest) error
	FinalizeInvoice(ctx context.Context, invoiceID string) (*ProcessorInvoice, error)
	PayInvoice(ctx context.Context, invoiceID string) (*ProcessorInvoice, error)
	VoidInvoice(ctx context.Context, invoiceID string) error
	GetInvoice(ctx context.Context, invoiceID string) (*ProcessorInvoice, error)

	// CreateMeterEvent reports consumed usage for an arrears-billed feature.
	CreateMeterEvent(ctx context.Context, req MeterEventRequest) error

	// CreateBillingPortal returns a processor-hosted portal URL for a
	// connected customer.
	CreateBillingPortal(ctx context.Context, customerProcessorID, returnURL string) (string, error)
}

// SubscriptionItem is one line of a processor subscription.
type SubscriptionItem struct {
	// ItemID is set only on deletion markers during an item swap.
	ItemID string
	// Deleted tags an existing item for removal in the same update call.
	Deleted bool
	// ProcessorPriceID references a price registered with the processor
	// (metered arrears prices). When empty, the ad-hoc fields below are used.
	ProcessorPriceID string

	ProductProcessorID string
	UnitAmount         int64
	Currency           string
	Interval           price.Interval
	Quantity           int64
	Description        string
	// Metered items carry no quantity; the processor aggregates usage.
	Metered bool
}

// OneTimeItem is a non-recurring charge attached to a subscription's first
// invoice.
type OneTimeItem struct {
	ProductProcessorID string
	Amount             int64
	Currency           string
	Description        string
}

type CreateSubscriptionRequest struct {
	CustomerProcessorID string
	Items               []SubscriptionItem
	OneTimeItems        []OneTimeItem
	TrialEnd            *time.Time
	Metadata            map[string]string
	IdempotencyKey      string
}

type UpdateSubscriptionRequest struct {
	SubscriptionID string
	Items          []SubscriptionItem
	TrialEnd       *time.Time
	IdempotencyKey string
}

// ProcessorSubscription is the gateway's view of an external subscription.
type ProcessorSubscription struct {
	ID               string
	Status           string
	ItemIDs          []string
	LatestInvoiceID  string
	CurrentPeriodEnd time.Time
}

type CreateInvoiceRequest struct {
	CustomerProcessorID string
	// AutoAdvance lets the processor move the invoice through its own
	// collection lifecycle.
	AutoAdvance    bool
	IdempotencyKey string
}

type InvoiceItemRequest struct {
	CustomerProcessorID string
	InvoiceID           string
	Amount              int64
	Currency            string
	Description         string
	IdempotencyKey      string
}

// ProcessorInvoice is the gateway's view of an external invoice.
type ProcessorInvoice struct {
	ID             string
	SubscriptionID string
	Status         InvoiceStatus
	Total          Money
	HostedURL      string
	CreatedAt      time.Time
}

type MeterEventRequest struct {
	// EventName is the processor meter's event name.
	EventName           string
	CustomerProcessorID string
	Value               int64
	// Identifier deduplicates the event at the processor.
	Identifier string
}

// CheckoutFallback produces a hosted-payment URL when direct billing is
// declined during attach or upgrade. The request handler owns redirecting
// the end user there.
type CheckoutFallback interface {
	CreateCheckout(ctx context.Context, params AttachParams) (url string, err error)
}
