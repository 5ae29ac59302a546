package billing

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ChangeStatus applies an explicit status-update request to a customer
// product. The only requestable target is expired; scheduled products are
// removed (and the current product's pending cancellation cleared), add-ons
// expire immediately, and main products either expire synchronously or wait
// for the processor's cancellation event depending on AtPeriodEnd.
func (e *Engine) ChangeStatus(ctx context.Context, req StatusChange) error {
	cp, err := e.store.GetCustomerProduct(ctx, req.CustomerProductID)
	if err != nil {
		return err
	}

	unlock := e.locks.Lock(groupKey(cp.CustomerID, cp.ProductGroup))
	defer unlock()

	// Re-read under the lock; a concurrent transition may have moved it.
	cp, err = e.store.GetCustomerProduct(ctx, req.CustomerProductID)
	if err != nil {
		return err
	}

	if req.Status == cp.Status || req.Status != StatusExpired {
		return ErrInvalidStatusChange
	}

	switch {
	case cp.Status == StatusScheduled:
		return e.removeScheduled(ctx, cp)

	case cp.IsAddOn:
		// Add-ons have no successor to queue: cancel and expire now.
		for _, subID := range cp.SubscriptionIDs {
			if err := e.gateway.CancelSubscription(ctx, subID, false); err != nil {
				return err
			}
		}
		return e.expireCustomerProduct(ctx, cp.ID)

	default:
		if _, err := e.store.GetScheduledInGroup(ctx, cp.CustomerID, cp.ProductGroup); err == nil {
			return ErrScheduledProductExists
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		if len(cp.SubscriptionIDs) == 0 {
			// Nothing at the processor to wait for.
			return e.expireAndActivate(ctx, cp)
		}

		if req.AtPeriodEnd {
			for _, subID := range cp.SubscriptionIDs {
				if err := e.gateway.CancelSubscription(ctx, subID, true); err != nil {
					return err
				}
			}
			// Local status stays active; the reconciliation listener
			// performs the expire/activate transition when the processor's
			// cancellation event arrives.
			pending := true
			return e.store.UpdateCustomerProduct(ctx, cp.ID, CustomerProductUpdate{CancelAtPeriodEnd: &pending})
		}

		for _, subID := range cp.SubscriptionIDs {
			if err := e.gateway.CancelSubscription(ctx, subID, false); err != nil {
				return err
			}
		}
		return e.expireAndActivate(ctx, cp)
	}
}

// removeScheduled deletes a still-scheduled customer product and lifts the
// pending cancellation off the group's active product, leaving it otherwise
// untouched.
func (e *Engine) removeScheduled(ctx context.Context, cp *CustomerProduct) error {
	if err := e.store.DeleteCustomerProduct(ctx, cp.ID); err != nil {
		return err
	}

	cur, err := e.store.GetActiveInGroup(ctx, cp.CustomerID, cp.ProductGroup)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	if !cur.CancelAtPeriodEnd {
		return nil
	}
	for _, subID := range cur.SubscriptionIDs {
		if err := e.gateway.UncancelSubscription(ctx, subID); err != nil {
			return err
		}
	}
	pending := false
	return e.store.UpdateCustomerProduct(ctx, cur.ID, CustomerProductUpdate{CancelAtPeriodEnd: &pending})
}

// expireAndActivate expires a customer product and promotes the scheduled
// successor in its group, when one exists. Shared between the synchronous
// cancel path and the reconciliation listener.
func (e *Engine) expireAndActivate(ctx context.Context, cp *CustomerProduct) error {
	if err := e.expireCustomerProduct(ctx, cp.ID); err != nil {
		return err
	}

	sched, err := e.store.GetScheduledInGroup(ctx, cp.CustomerID, cp.ProductGroup)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return e.activateScheduled(ctx, sched.ID)
}

func (e *Engine) activateScheduled(ctx context.Context, id uuid.UUID) error {
	active := StatusActive
	startedAt := e.now()
	return e.store.UpdateCustomerProduct(ctx, id, CustomerProductUpdate{
		Status:    &active,
		StartedAt: &startedAt,
	})
}
