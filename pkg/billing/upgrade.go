package billing

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/google/uuid"

	"github.com/billingkit/billingkit/pkg/price"
)

// upgrade replaces the currently active product in a group with the target
// product. Outstanding arrears usage is settled first; only then are the
// processor subscriptions touched, so a failed overage payment leaves the
// subscription items unchanged.
func (e *Engine) upgrade(ctx context.Context, params AttachParams) (*AttachResult, error) {
	cur := params.Current
	now := e.now()

	// A free current product has nothing to settle or swap.
	if cur.IsFree() {
		if err := e.expireCustomerProduct(ctx, cur.ID); err != nil {
			return nil, err
		}
		return e.attachNew(ctx, params)
	}

	// Inside the trial window there is no proration: cancel the trial
	// subscription and start fresh.
	if cur.IsTrialing(now) {
		if err := e.expireCustomerProduct(ctx, cur.ID); err != nil {
			return nil, err
		}
		res, err := e.attachNew(ctx, params)
		if err != nil {
			return nil, err
		}
		e.cancelQuietly(ctx, cur.SubscriptionIDs)
		return res, nil
	}

	// 1. Bill unconsumed arrears usage on the current product. Fatal on
	// failure, and it must not have mutated subscription state yet.
	if err := e.settleRemainingUsage(ctx, params, cur); err != nil {
		return nil, err
	}

	sets, err := itemSets(params)
	if err != nil {
		return nil, err
	}

	existing := cur.SubscriptionIDs
	if len(sets) == 0 || len(existing) == 0 {
		// Nothing to swap in place: retire the old subscriptions and treat
		// the rest as a plain attach.
		e.cancelQuietly(ctx, existing)
		if err := e.expireCustomerProduct(ctx, cur.ID); err != nil {
			return nil, err
		}
		return e.attachNew(ctx, params)
	}

	// 2. Replace items in the primary subscription. Old items are tagged
	// deleted in the same update call, which makes the swap atomic from the
	// processor's perspective.
	primary := existing[0]
	curSub, err := e.gateway.GetSubscription(ctx, primary)
	if err != nil {
		return nil, err
	}

	items := slices.Clone(sets[0].items)
	for _, itemID := range curSub.ItemIDs {
		items = append(items, SubscriptionItem{ItemID: itemID, Deleted: true})
	}

	opKey := attachKey(params)
	subUpdate, err := e.gateway.UpdateSubscriptionItems(ctx, UpdateSubscriptionRequest{
		SubscriptionID: primary,
		Items:          items,
		TrialEnd:       params.FreeTrial.EndsAt(now),
		IdempotencyKey: opKey + "/swap",
	})
	if err != nil {
		return nil, err
	}

	// 3. Cancel the remaining old subscriptions outright and create new ones
	// for any additional billing intervals of the new product.
	for _, subID := range existing[1:] {
		if err := e.gateway.CancelSubscription(ctx, subID, false); err != nil {
			return nil, fmt.Errorf("cancel superseded subscription %s: %w", subID, err)
		}
	}

	newSubIDs := []string{primary}
	var invoiceIDs []string
	if subUpdate.LatestInvoiceID != "" {
		invoiceIDs = append(invoiceIDs, subUpdate.LatestInvoiceID)
	}
	for i, set := range sets[1:] {
		sub, err := e.gateway.CreateSubscription(ctx, CreateSubscriptionRequest{
			CustomerProcessorID: params.Customer.ProcessorID,
			Items:               set.items,
			OneTimeItems:        set.oneTime,
			Metadata: map[string]string{
				"customer_id": params.Customer.ID.String(),
				"product_id":  params.Product.ID.String(),
			},
			IdempotencyKey: opKey + "/upgrade-sub/" + strconv.Itoa(i),
		})
		if err != nil {
			return nil, err
		}
		newSubIDs = append(newSubIDs, sub.ID)
		if sub.LatestInvoiceID != "" {
			invoiceIDs = append(invoiceIDs, sub.LatestInvoiceID)
		}
	}

	// 4. Expire the old customer product. The primary subscription id moves
	// to the new product; the others were cancelled above.
	expired := StatusExpired
	endedAt := now
	detached := slices.DeleteFunc(slices.Clone(existing), func(id string) bool { return id == primary })
	if err := e.store.UpdateCustomerProduct(ctx, cur.ID, CustomerProductUpdate{
		Status:          &expired,
		SubscriptionIDs: &detached,
		EndedAt:         &endedAt,
	}); err != nil {
		e.log.ErrorContext(ctx, "old customer product not expired after subscription swap",
			"customer_product_id", cur.ID, "error", err)
		return nil, errors.Join(ErrStateDesync, err)
	}

	cp, ents := e.newCustomerProduct(params, StatusActive, newSubIDs, "")
	if err := e.store.InsertCustomerProduct(ctx, cp, ents); err != nil {
		e.log.ErrorContext(ctx, "new customer product not persisted after subscription swap",
			"customer_id", params.Customer.ID,
			"product_id", params.Product.ID,
			"error", err)
		return nil, errors.Join(ErrStateDesync, err)
	}

	// 5. Mirror the resulting invoices; individual retrieval failures are
	// logged and do not abort the completed upgrade.
	e.mirrorInvoiceIDs(ctx, params.Customer, params.Org, []uuid.UUID{params.Product.ID}, invoiceIDs)

	return &AttachResult{CustomerProduct: cp}, nil
}

// settleRemainingUsage bills the negative arrears balances of the current
// product as one invoice and zeroes them after payment succeeds. Returns the
// payment failure unwrapped into the upgrade as a fatal error.
func (e *Engine) settleRemainingUsage(ctx context.Context, params AttachParams, cur *FullCustomerProduct) error {
	type overageLine struct {
		ent     CustomerEntitlement
		cfg     price.UsageConfig
		usage   int64
		overage int64
	}

	var lines []overageLine
	for _, p := range cur.Prices {
		cfg, ok := p.Config.(price.UsageConfig)
		if !ok || cfg.BillWhen != price.BillEndOfPeriod {
			continue
		}
		for _, ent := range cur.Entitlements {
			if ent.FeatureID != cfg.FeatureID || !ent.UsageAllowed || ent.Balance >= 0 {
				continue
			}
			lines = append(lines, overageLine{
				ent:     ent,
				cfg:     cfg,
				usage:   ent.Allowance - ent.Balance,
				overage: -ent.Balance,
			})
		}
	}
	if len(lines) == 0 {
		return nil
	}

	opKey := attachKey(params) + "/overage"
	inv, err := e.gateway.CreateInvoice(ctx, CreateInvoiceRequest{
		CustomerProcessorID: params.Customer.ProcessorID,
		AutoAdvance:         true,
		IdempotencyKey:      opKey + "/invoice",
	})
	if err != nil {
		return err
	}

	for i, line := range lines {
		amount, err := price.Overage(line.cfg, line.usage, line.overage)
		if err != nil {
			e.voidQuietly(ctx, inv.ID)
			return err
		}
		e.log.InfoContext(ctx, "billing outstanding usage",
			"feature_id", line.ent.FeatureID,
			"overage", line.overage,
			"amount", amount)
		if err := e.gateway.CreateInvoiceItem(ctx, InvoiceItemRequest{
			CustomerProcessorID: params.Customer.ProcessorID,
			InvoiceID:           inv.ID,
			Amount:              amount,
			Currency:            params.Org.DefaultCurrency,
			Description:         fmt.Sprintf("%s - %s x %d", cur.Product.Name, line.ent.FeatureID, line.overage),
			IdempotencyKey:      opKey + "/item/" + strconv.Itoa(i),
		}); err != nil {
			e.voidQuietly(ctx, inv.ID)
			return err
		}
	}

	if _, err := e.gateway.FinalizeInvoice(ctx, inv.ID); err != nil {
		e.voidQuietly(ctx, inv.ID)
		return err
	}

	paid, err := e.gateway.PayInvoice(ctx, inv.ID)
	if err != nil {
		e.voidQuietly(ctx, inv.ID)
		return fmt.Errorf("settle outstanding usage: %w", err)
	}

	// Zero the balances only after payment cleared, so a failed payment
	// leaves both the balances and the subscription untouched.
	for _, line := range lines {
		if err := e.store.ZeroEntitlementBalance(ctx, line.ent.ID); err != nil {
			e.log.ErrorContext(ctx, "entitlement balance not zeroed after overage payment",
				"customer_entitlement_id", line.ent.ID, "error", err)
			return errors.Join(ErrStateDesync, err)
		}
	}

	e.mirrorProcessorInvoice(ctx, params.Customer, params.Org, []uuid.UUID{cur.ProductID}, paid)
	return nil
}

// expireCustomerProduct marks a customer product expired now.
func (e *Engine) expireCustomerProduct(ctx context.Context, id uuid.UUID) error {
	expired := StatusExpired
	endedAt := e.now()
	return e.store.UpdateCustomerProduct(ctx, id, CustomerProductUpdate{
		Status:  &expired,
		EndedAt: &endedAt,
	})
}
