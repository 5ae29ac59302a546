package billing

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// EventType is a normalized processor webhook event.
type EventType string

const (
	EventInvoicePaid          EventType = "invoice.paid"
	EventSubscriptionCanceled EventType = "subscription.canceled"
)

// Event is a verified processor webhook payload. The gateway's webhook
// parser rejects unsigned or tampered payloads before an Event is ever
// constructed.
type Event struct {
	ID             string
	Type           EventType
	SubscriptionID string
	// Invoice is set for invoice events.
	Invoice *ProcessorInvoice
	// Livemode distinguishes production events from processor test traffic.
	Livemode bool
}

// HandleEvent dispatches a verified event to the matching handler. Unknown
// event types are acknowledged without action.
func (e *Engine) HandleEvent(ctx context.Context, ev Event) error {
	switch ev.Type {
	case EventInvoicePaid:
		return e.HandleInvoicePaid(ctx, ev)
	case EventSubscriptionCanceled:
		return e.HandleSubscriptionCanceled(ctx, ev)
	default:
		return nil
	}
}

// HandleInvoicePaid mirrors a processor-paid subscription invoice into the
// entitlement store. Replays are the documented idempotent no-op: a known
// event id or an already-mirrored external invoice id returns nil without
// touching anything.
//
// A paid invoice whose subscription has no local customer product is a
// missing local write. It is reported as ErrCustomerProductNotFound so it
// can be alerted on; callers still acknowledge the event to the processor
// to avoid poison-message redelivery.
func (e *Engine) HandleInvoicePaid(ctx context.Context, ev Event) (err error) {
	if ev.Invoice == nil {
		return nil
	}
	// One-off invoices carry no subscription and are mirrored synchronously
	// on the attach path.
	if ev.SubscriptionID == "" {
		return nil
	}

	unlock := e.locks.Lock(subKey(ev.SubscriptionID))
	defer unlock()

	if e.alreadySeen(ctx, ev.ID) {
		return nil
	}
	// The id is recorded only after full processing, so a transient failure
	// leaves the event unmarked and the processor's redelivery does the work.
	defer func() {
		if err == nil {
			e.markSeen(ctx, ev.ID)
		}
	}()

	cusProducts, err := e.store.GetActiveBySubscriptionID(ctx, ev.SubscriptionID)
	if err != nil {
		return err
	}
	if len(cusProducts) == 0 {
		if !ev.Livemode {
			return nil
		}
		e.log.ErrorContext(ctx, "invoice paid for unknown subscription",
			"event_id", ev.ID,
			"subscription_id", ev.SubscriptionID,
			"external_invoice_id", ev.Invoice.ID)
		return ErrCustomerProductNotFound
	}

	if _, err := e.store.GetInvoiceByExternalID(ctx, ev.Invoice.ID); err == nil {
		e.log.DebugContext(ctx, "invoice already mirrored, skipping duplicate delivery",
			"external_invoice_id", ev.Invoice.ID)
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	// One local row per external invoice id; the row links every customer
	// product the subscription covers.
	productIDs := make([]uuid.UUID, 0, len(cusProducts))
	for _, cp := range cusProducts {
		productIDs = append(productIDs, cp.ProductID)
	}

	inv := &Invoice{
		ID:         uuid.New(),
		ExternalID: ev.Invoice.ID,
		CustomerID: cusProducts[0].CustomerID,
		OrgID:      cusProducts[0].OrgID,
		ProductIDs: productIDs,
		Status:     ev.Invoice.Status,
		Total:      ev.Invoice.Total,
		HostedURL:  ev.Invoice.HostedURL,
		CreatedAt:  ev.Invoice.CreatedAt,
	}
	if err := e.store.InsertInvoice(ctx, inv); err != nil {
		if errors.Is(err, ErrDuplicateInvoice) {
			return nil
		}
		return err
	}
	return nil
}

// HandleSubscriptionCanceled expires every customer product referencing the
// cancelled subscription and activates the scheduled successor in its group,
// if any.
func (e *Engine) HandleSubscriptionCanceled(ctx context.Context, ev Event) (err error) {
	if ev.SubscriptionID == "" {
		return nil
	}

	unlock := e.locks.Lock(subKey(ev.SubscriptionID))
	defer unlock()

	if e.alreadySeen(ctx, ev.ID) {
		return nil
	}
	defer func() {
		if err == nil {
			e.markSeen(ctx, ev.ID)
		}
	}()

	cusProducts, err := e.store.GetActiveBySubscriptionID(ctx, ev.SubscriptionID)
	if err != nil {
		return err
	}

	for i := range cusProducts {
		cp := &cusProducts[i]

		unlockGroup := e.locks.Lock(groupKey(cp.CustomerID, cp.ProductGroup))
		err := e.expireAndActivate(ctx, cp)
		unlockGroup()
		if err != nil {
			return err
		}

		e.log.InfoContext(ctx, "expired customer product after subscription cancellation",
			"customer_product_id", cp.ID,
			"subscription_id", ev.SubscriptionID)
	}
	return nil
}

// alreadySeen consults the optional deduper, failing open on errors: the
// store's unique invoice index is the correctness backstop.
func (e *Engine) alreadySeen(ctx context.Context, eventID string) bool {
	if e.dedup == nil || eventID == "" {
		return false
	}
	seen, err := e.dedup.Seen(ctx, eventID)
	if err != nil {
		e.log.WarnContext(ctx, "event dedup check failed", "event_id", eventID, "error", err)
		return false
	}
	return seen
}

// markSeen records a fully processed event id, failing open on errors.
func (e *Engine) markSeen(ctx context.Context, eventID string) {
	if e.dedup == nil || eventID == "" {
		return
	}
	if err := e.dedup.Mark(ctx, eventID); err != nil {
		e.log.WarnContext(ctx, "event dedup mark failed", "event_id", eventID, "error", err)
	}
}
