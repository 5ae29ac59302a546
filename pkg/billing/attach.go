package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/billingkit/billingkit/pkg/async"
	"github.com/billingkit/billingkit/pkg/price"
)

// attachNew handles ModeNew: decides between plain attach, add-on attach and
// schedule-for-later, then routes the prices to the matching billing flow.
func (e *Engine) attachNew(ctx context.Context, params AttachParams) (*AttachResult, error) {
	if !params.Product.IsAddOn {
		if _, err := e.store.GetScheduledInGroup(ctx, params.Customer.ID, params.Product.Group); err == nil {
			return nil, ErrScheduledProductExists
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}

		cur, err := e.store.GetActiveInGroup(ctx, params.Customer.ID, params.Product.Group)
		if err == nil {
			// Another main product is active in the group: queue the new one
			// for the period boundary instead of billing now.
			return e.scheduleLater(ctx, params, cur)
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	parts := partition(params.Prices)
	switch {
	case len(parts.oneOff) > 0 && len(parts.billNow) == 0 && len(parts.billLater) == 0:
		return e.attachOneOff(ctx, params)
	case len(parts.billNow) > 0:
		return e.attachBillNow(ctx, params)
	case len(parts.oneOff) > 0:
		// One-off prices ride along on a bill-now subscription or form a
		// standalone invoice; with only arrears prices beside them there is
		// nothing to bill them on.
		return nil, fmt.Errorf("%w: one-off prices cannot combine with arrears-only billing", ErrConfigurationMissing)
	default:
		return e.attachBillLater(ctx, params)
	}
}

// scheduleLater creates the new product as scheduled and defers the current
// product's cancellation to the period boundary. The reconciliation listener
// promotes the scheduled product when the processor reports the
// cancellation.
func (e *Engine) scheduleLater(ctx context.Context, params AttachParams, cur *CustomerProduct) (*AttachResult, error) {
	for _, subID := range cur.SubscriptionIDs {
		if err := e.gateway.CancelSubscription(ctx, subID, true); err != nil {
			return nil, err
		}
	}

	pending := true
	if err := e.store.UpdateCustomerProduct(ctx, cur.ID, CustomerProductUpdate{CancelAtPeriodEnd: &pending}); err != nil {
		return nil, err
	}

	cp, ents := e.newCustomerProduct(params, StatusScheduled, nil, "")
	if err := e.store.InsertCustomerProduct(ctx, cp, ents); err != nil {
		return nil, err
	}

	e.log.InfoContext(ctx, "scheduled product for period boundary",
		"customer_id", params.Customer.ID,
		"product_id", params.Product.ID,
		"group", params.Product.Group)
	return &AttachResult{CustomerProduct: cp}, nil
}

// attachOneOff bills a product consisting solely of one-off prices as a
// single invoice: create, add one item per price, finalize, pay. A decline
// voids the invoice and falls back to hosted checkout; any other failure
// voids and aborts before entitlement creation.
func (e *Engine) attachOneOff(ctx context.Context, params AttachParams) (*AttachResult, error) {
	opKey := attachKey(params)

	inv, err := e.gateway.CreateInvoice(ctx, CreateInvoiceRequest{
		CustomerProcessorID: params.Customer.ProcessorID,
		AutoAdvance:         true,
		IdempotencyKey:      opKey + "/invoice",
	})
	if err != nil {
		return nil, err
	}

	for i, p := range params.Prices {
		amt, err := price.Amount(p.Config, 0)
		if err != nil {
			e.voidQuietly(ctx, inv.ID)
			return nil, err
		}
		if err := e.gateway.CreateInvoiceItem(ctx, InvoiceItemRequest{
			CustomerProcessorID: params.Customer.ProcessorID,
			InvoiceID:           inv.ID,
			Amount:              amt.Total(),
			Currency:            params.Org.DefaultCurrency,
			Description:         e.lineDescription(params, p, amt.Quantity),
			IdempotencyKey:      opKey + "/item/" + strconv.Itoa(i),
		}); err != nil {
			e.voidQuietly(ctx, inv.ID)
			return nil, err
		}
	}

	finalized, err := e.gateway.FinalizeInvoice(ctx, inv.ID)
	if err != nil {
		e.voidQuietly(ctx, inv.ID)
		return nil, err
	}

	paid, err := e.gateway.PayInvoice(ctx, inv.ID)
	if err != nil {
		// Fail closed: no entitlement without payment. The invoice is voided
		// on decline and on any other failure alike.
		e.voidQuietly(ctx, inv.ID)
		if errors.Is(err, ErrCardDeclined) {
			return e.fallbackToCheckout(ctx, params, err)
		}
		return nil, err
	}

	cp, ents := e.newCustomerProduct(params, StatusActive, nil, finalized.ID)
	if err := e.store.InsertCustomerProduct(ctx, cp, ents); err != nil {
		// Money moved; the local write must not fail silently and is never
		// compensated by a refund.
		e.log.ErrorContext(ctx, "customer product not persisted after payment",
			"customer_id", params.Customer.ID,
			"product_id", params.Product.ID,
			"invoice_id", finalized.ID,
			"error", err)
		return nil, errors.Join(ErrStateDesync, err)
	}

	mirrored := e.mirrorProcessorInvoice(ctx, params.Customer, params.Org, []uuid.UUID{params.Product.ID}, paid)
	return &AttachResult{CustomerProduct: cp, Invoice: mirrored}, nil
}

// attachBillNow creates one external subscription per distinct billing
// interval, then the local customer product referencing all of them, then
// mirrors each subscription's initial invoice.
func (e *Engine) attachBillNow(ctx context.Context, params AttachParams) (*AttachResult, error) {
	sets, err := itemSets(params)
	if err != nil {
		return nil, err
	}

	opKey := attachKey(params)
	trialEnd := params.FreeTrial.EndsAt(e.now())

	var (
		subIDs     []string
		invoiceIDs []string
	)
	for i, set := range sets {
		sub, err := e.gateway.CreateSubscription(ctx, CreateSubscriptionRequest{
			CustomerProcessorID: params.Customer.ProcessorID,
			Items:               set.items,
			OneTimeItems:        set.oneTime,
			TrialEnd:            trialEnd,
			Metadata: map[string]string{
				"customer_id": params.Customer.ID.String(),
				"product_id":  params.Product.ID.String(),
			},
			IdempotencyKey: opKey + "/sub/" + string(set.interval) + "/" + strconv.Itoa(i),
		})
		if err != nil {
			// Fail closed: undo subscriptions created for earlier intervals
			// before reporting the failure or escaping to checkout.
			e.cancelQuietly(ctx, subIDs)
			if errors.Is(err, ErrCardDeclined) {
				return e.fallbackToCheckout(ctx, params, err)
			}
			return nil, err
		}
		subIDs = append(subIDs, sub.ID)
		if sub.LatestInvoiceID != "" {
			invoiceIDs = append(invoiceIDs, sub.LatestInvoiceID)
		}
	}

	cp, ents := e.newCustomerProduct(params, StatusActive, subIDs, "")
	if err := e.store.InsertCustomerProduct(ctx, cp, ents); err != nil {
		e.log.ErrorContext(ctx, "customer product not persisted after subscription creation",
			"customer_id", params.Customer.ID,
			"product_id", params.Product.ID,
			"subscription_ids", subIDs,
			"error", err)
		return nil, errors.Join(ErrStateDesync, err)
	}

	e.mirrorInvoiceIDs(ctx, params.Customer, params.Org, []uuid.UUID{params.Product.ID}, invoiceIDs)
	return &AttachResult{CustomerProduct: cp}, nil
}

// attachBillLater creates the customer product with no external
// subscription; arrears usage is billed at the next cycle boundary through
// the processor's meter.
func (e *Engine) attachBillLater(ctx context.Context, params AttachParams) (*AttachResult, error) {
	cp, ents := e.newCustomerProduct(params, StatusActive, nil, "")
	if err := e.store.InsertCustomerProduct(ctx, cp, ents); err != nil {
		return nil, err
	}
	return &AttachResult{CustomerProduct: cp}, nil
}

// fallbackToCheckout turns a card decline into the hosted-checkout success
// path. Without a configured fallback the decline propagates.
func (e *Engine) fallbackToCheckout(ctx context.Context, params AttachParams, cause error) (*AttachResult, error) {
	if e.checkout == nil {
		return nil, cause
	}
	url, err := e.checkout.CreateCheckout(ctx, params)
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	e.log.InfoContext(ctx, "card declined, redirecting to hosted checkout",
		"customer_id", params.Customer.ID,
		"product_id", params.Product.ID)
	return &AttachResult{CheckoutURL: url}, nil
}

// lineDescription renders a one-off invoice line, including the feature
// allowance when the product grants one.
func (e *Engine) lineDescription(params AttachParams, p Price, quantity int64) string {
	desc := fmt.Sprintf("Invoice for %s -- %d", params.Product.Name, quantity)
	if cfg, ok := p.Config.(price.UsageConfig); ok {
		if ent := params.EntitlementFor(cfg.FeatureID); ent != nil {
			allowance := strconv.FormatInt(ent.Allowance, 10)
			switch ent.AllowanceType {
			case AllowanceUnlimited:
				allowance = "Unlimited"
			case AllowanceNone:
				allowance = "None"
			}
			desc += fmt.Sprintf(" x %s (%s)", allowance, ent.FeatureName)
		}
	}
	return desc
}

// voidQuietly best-effort voids an invoice during failure cleanup.
func (e *Engine) voidQuietly(ctx context.Context, invoiceID string) {
	if err := e.gateway.VoidInvoice(ctx, invoiceID); err != nil {
		e.log.WarnContext(ctx, "failed to void invoice during cleanup",
			"invoice_id", invoiceID, "error", err)
	}
}

// cancelQuietly best-effort cancels subscriptions created before a later
// step failed.
func (e *Engine) cancelQuietly(ctx context.Context, subIDs []string) {
	for _, id := range subIDs {
		if err := e.gateway.CancelSubscription(ctx, id, false); err != nil {
			e.log.WarnContext(ctx, "failed to cancel subscription during cleanup",
				"subscription_id", id, "error", err)
		}
	}
}

// mirrorProcessorInvoice inserts a local mirror of a processor invoice.
// Mirroring failures are logged, not fatal: the paid-invoice webhook
// reattempts the same insert later.
func (e *Engine) mirrorProcessorInvoice(ctx context.Context, cus Customer, org Organization, productIDs []uuid.UUID, pin *ProcessorInvoice) *Invoice {
	inv := &Invoice{
		ID:         uuid.New(),
		ExternalID: pin.ID,
		CustomerID: cus.ID,
		OrgID:      org.ID,
		ProductIDs: productIDs,
		Status:     pin.Status,
		Total:      pin.Total,
		HostedURL:  pin.HostedURL,
		CreatedAt:  pin.CreatedAt,
	}
	if err := e.store.InsertInvoice(ctx, inv); err != nil {
		if errors.Is(err, ErrDuplicateInvoice) {
			return inv
		}
		e.log.ErrorContext(ctx, "failed to mirror invoice",
			"external_invoice_id", pin.ID, "error", err)
		return nil
	}
	return inv
}

// mirrorInvoiceIDs retrieves and mirrors several processor invoices
// concurrently. Individual failures are logged and do not abort the others.
func (e *Engine) mirrorInvoiceIDs(ctx context.Context, cus Customer, org Organization, productIDs []uuid.UUID, invoiceIDs []string) {
	tasks := make([]*async.Task[*Invoice], 0, len(invoiceIDs))
	for _, id := range invoiceIDs {
		tasks = append(tasks, async.Run(ctx, func(ctx context.Context) (*Invoice, error) {
			pin, err := e.gateway.GetInvoice(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("retrieve invoice %s: %w", id, err)
			}
			return e.mirrorProcessorInvoice(ctx, cus, org, productIDs, pin), nil
		}))
	}

	for _, res := range async.Settle(tasks...) {
		if res.Err != nil {
			e.log.ErrorContext(ctx, "invoice mirroring failed", "error", res.Err)
		}
	}
}

// attachKey derives the stable idempotency scope of one attach operation.
func attachKey(params AttachParams) string {
	return "attach/" + params.Customer.ID.String() + "/" + params.Product.ID.String()
}
