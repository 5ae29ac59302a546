package billing

import (
	"time"

	"github.com/google/uuid"

	"github.com/billingkit/billingkit/pkg/price"
)

// AttachMode selects between attaching a fresh product and replacing the
// currently active one.
type AttachMode string

const (
	ModeNew     AttachMode = "new"
	ModeUpgrade AttachMode = "upgrade"
)

// FeatureOption supplies an attach-time quantity for a usage price billed in
// advance.
type FeatureOption struct {
	FeatureID uuid.UUID
	Quantity  int64
}

// FreeTrial describes the trial terms granted on attach.
type FreeTrial struct {
	Days int
}

// EndsAt computes the trial end from a start time; returns nil when no trial
// applies.
func (t *FreeTrial) EndsAt(start time.Time) *time.Time {
	if t == nil || t.Days <= 0 {
		return nil
	}
	end := start.AddDate(0, 0, t.Days).UTC()
	return &end
}

// AttachParams is the fully resolved parameter bundle for an attach or
// upgrade. Request-handling code validates and authorizes everything here
// before the engine sees it; the engine trusts identity and ownership but
// still enforces its own billing preconditions.
type AttachParams struct {
	Org          Organization
	Customer     Customer
	Product      Product
	Prices       []Price
	Entitlements []Entitlement
	Options      []FeatureOption
	FreeTrial    *FreeTrial
	Mode         AttachMode

	// Current is the active customer product being replaced. Required for
	// ModeUpgrade, ignored otherwise.
	Current *FullCustomerProduct
}

// QuantityFor returns the supplied quantity option for a feature, zero when
// absent.
func (p AttachParams) QuantityFor(featureID uuid.UUID) int64 {
	for _, opt := range p.Options {
		if opt.FeatureID == featureID {
			return opt.Quantity
		}
	}
	return 0
}

// EntitlementFor returns the product entitlement for a feature, nil when the
// product grants none.
func (p AttachParams) EntitlementFor(featureID uuid.UUID) *Entitlement {
	for i := range p.Entitlements {
		if p.Entitlements[i].FeatureID == featureID {
			return &p.Entitlements[i]
		}
	}
	return nil
}

// Validate enforces the engine's preconditions before any external call:
// prices must belong to the target product, required quantity options must
// be present, and the org must be connected to the processor whenever
// anything needs billing now.
func (p AttachParams) Validate() error {
	for _, pr := range p.Prices {
		if pr.ProductID != p.Product.ID {
			return ErrPriceProductMismatch
		}
		if cfg, ok := pr.Config.(price.UsageConfig); ok && price.RequiresQuantity(cfg) {
			if p.QuantityFor(cfg.FeatureID) <= 0 {
				return ErrMissingRequiredOption
			}
		}
	}

	if p.Mode == ModeUpgrade && p.Current == nil {
		return ErrCurrentProductRequired
	}

	if p.needsProcessor() {
		if !p.Org.ProcessorConnected || p.Customer.ProcessorID == "" {
			return ErrConfigurationMissing
		}
	}
	return nil
}

// needsProcessor reports whether any resolved price requires talking to the
// processor at attach time.
func (p AttachParams) needsProcessor() bool {
	for _, pr := range p.Prices {
		switch price.Classify(pr.Config) {
		case price.OneOff, price.FixedCycle, price.UsageInAdvance, price.UsageInArrear:
			// Arrears prices create a subscription line too (the metered
			// item), so every priced product needs a connected processor.
			return true
		}
	}
	return false
}

// AttachResult reports what an attach produced. Exactly one of
// CustomerProduct or CheckoutURL is set: a checkout URL means payment was
// declined and the customer was redirected to the hosted fallback without
// any entitlement being created.
type AttachResult struct {
	CustomerProduct *CustomerProduct
	Invoice         *Invoice
	CheckoutURL     string
}

// StatusChange is an explicit operator request to move a customer product to
// a target status.
type StatusChange struct {
	CustomerProductID uuid.UUID
	Status            CustomerProductStatus
	// AtPeriodEnd defers the cancellation to the processor's period
	// boundary; the reconciliation path completes the local transition when
	// the processor's cancellation event arrives.
	AtPeriodEnd bool
}
