package billing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// UsageRecord reports consumed units of one feature under one customer
// product. The caller resolves the feature's billing terms from the catalog;
// the engine enforces the balance and forwards metered usage.
type UsageRecord struct {
	Customer          Customer
	CustomerProductID uuid.UUID
	FeatureID         uuid.UUID
	Quantity          int64

	// Unlimited skips balance enforcement for features with no cap.
	Unlimited bool

	// MeterEventName, when set, forwards the usage to the processor's meter
	// so arrears billing picks it up at period end.
	MeterEventName string
	// IdempotencyKey deduplicates the meter event at the processor on retry.
	IdempotencyKey string
}

// RecordUsage debits a feature balance and reports metered usage to the
// processor. Capped balances reject usage that would go negative unless the
// feature bills overage in arrears; arrears balances go negative and the
// negative part is settled on upgrade or at cycle end.
//
// Runs under the customer's product-group lock so it cannot race an upgrade
// settling the same balances.
func (e *Engine) RecordUsage(ctx context.Context, rec UsageRecord) error {
	if rec.Quantity <= 0 {
		return fmt.Errorf("%w: usage quantity must be positive", ErrMissingRequiredOption)
	}

	cp, err := e.store.GetCustomerProduct(ctx, rec.CustomerProductID)
	if err != nil {
		return err
	}

	unlock := e.locks.Lock(groupKey(cp.CustomerID, cp.ProductGroup))
	defer unlock()

	// Re-read now that the group is locked: an upgrade or cancellation may
	// have changed the status between the first read and the lock.
	cp, err = e.store.GetCustomerProduct(ctx, rec.CustomerProductID)
	if err != nil {
		return err
	}

	if cp.Status != StatusActive && cp.Status != StatusPastDue {
		return fmt.Errorf("%w: product is %s", ErrInvalidStatusChange, cp.Status)
	}

	if !rec.Unlimited {
		ents, err := e.store.GetCustomerEntitlements(ctx, cp.ID)
		if err != nil {
			return err
		}
		ent := findEntitlement(ents, rec.FeatureID)
		if ent == nil {
			return fmt.Errorf("%w: no entitlement for feature %s", ErrNotFound, rec.FeatureID)
		}
		if ent.Balance-rec.Quantity < 0 && !ent.UsageAllowed {
			return ErrInsufficientBalance
		}
		if err := e.store.AdjustEntitlementBalance(ctx, ent.ID, -rec.Quantity); err != nil {
			return err
		}
	}

	if rec.MeterEventName == "" {
		return nil
	}
	if rec.Customer.ProcessorID == "" {
		return fmt.Errorf("%w: metered feature without processor customer", ErrConfigurationMissing)
	}
	err = e.gateway.CreateMeterEvent(ctx, MeterEventRequest{
		EventName:           rec.MeterEventName,
		CustomerProcessorID: rec.Customer.ProcessorID,
		Value:               rec.Quantity,
		Identifier:          rec.IdempotencyKey,
	})
	if err != nil {
		// The local debit stands; the meter event identifier makes the
		// caller's retry safe at the processor.
		e.log.ErrorContext(ctx, "meter event failed",
			"customer_product_id", cp.ID, "feature_id", rec.FeatureID, "error", err)
		return err
	}
	return nil
}

func findEntitlement(ents []CustomerEntitlement, featureID uuid.UUID) *CustomerEntitlement {
	for i := range ents {
		if ents[i].FeatureID == featureID {
			return &ents[i]
		}
	}
	return nil
}
