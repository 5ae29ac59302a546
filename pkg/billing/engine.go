package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/billingkit/billingkit/pkg/keymutex"
	"github.com/billingkit/billingkit/pkg/price"
)

// Deduper short-circuits duplicate webhook deliveries before any store
// access. Seen reports whether the event id was recorded by an earlier Mark;
// Mark records it once the handler has fully processed the event, so a
// delivery that failed mid-flight is retried rather than swallowed.
// Implementations may fail open: the store's unique invoice index is the
// correctness backstop.
type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

// Engine drives the attach/upgrade/cancel lifecycle and webhook
// reconciliation, keeping the entitlement store and the payment processor
// eventually consistent.
type Engine struct {
	store    Store
	gateway  Gateway
	checkout CheckoutFallback
	locks    *keymutex.KeyMutex
	dedup    Deduper
	log      *slog.Logger
	now      func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithCheckoutFallback installs the hosted-checkout collaborator used when a
// card is declined. Without it, declines surface as ErrCardDeclined.
func WithCheckoutFallback(cf CheckoutFallback) EngineOption {
	return func(e *Engine) { e.checkout = cf }
}

func WithLogger(log *slog.Logger) EngineOption {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithDeduper installs a webhook-event deduper.
func WithDeduper(d Deduper) EngineOption {
	return func(e *Engine) { e.dedup = d }
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates an Engine. Panics when store or gateway is nil to fail
// fast on misconfiguration.
func NewEngine(store Store, gateway Gateway, opts ...EngineOption) *Engine {
	if store == nil {
		panic("billing: Store is required")
	}
	if gateway == nil {
		panic("billing: Gateway is required")
	}

	e := &Engine{
		store:   store,
		gateway: gateway,
		locks:   keymutex.New(),
		log:     slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// groupKey scopes mutual exclusion to one customer's product group.
func groupKey(customerID uuid.UUID, group string) string {
	return "group/" + customerID.String() + "/" + group
}

// subKey scopes webhook mutual exclusion to one external subscription.
func subKey(subscriptionID string) string {
	return "sub/" + subscriptionID
}

// Attach grants a customer a product, performing whatever billing the
// resolved prices require. The whole transition runs under the customer's
// product-group lock, from reading the current active product through
// writing the new status, so concurrent attaches for the same group
// serialize instead of racing.
func (e *Engine) Attach(ctx context.Context, params AttachParams) (*AttachResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(groupKey(params.Customer.ID, params.Product.Group))
	defer unlock()

	if params.Mode == ModeUpgrade {
		return e.upgrade(ctx, params)
	}
	return e.attachNew(ctx, params)
}

// priceParts is the three-way partition of resolved prices.
type priceParts struct {
	oneOff    []Price
	billNow   []Price // fixed recurring + usage in advance
	billLater []Price // usage in arrears
}

func partition(prices []Price) priceParts {
	var parts priceParts
	for _, p := range prices {
		switch price.Classify(p.Config) {
		case price.OneOff:
			parts.oneOff = append(parts.oneOff, p)
		case price.FixedCycle, price.UsageInAdvance:
			parts.billNow = append(parts.billNow, p)
		case price.UsageInArrear:
			parts.billLater = append(parts.billLater, p)
		}
	}
	return parts
}

// itemSet groups subscription items that share one billing interval. The
// processor bills per interval, so a customer holds one subscription per
// distinct interval.
type itemSet struct {
	interval price.Interval
	items    []SubscriptionItem
	oneTime  []OneTimeItem
}

// itemSets builds per-interval subscription item sets from the resolved
// prices, preserving first-seen interval order. Arrears prices join the set
// of their interval as metered items; one-off prices ride along as one-time
// items on the first set.
func itemSets(params AttachParams) ([]itemSet, error) {
	var sets []itemSet
	setFor := func(iv price.Interval) *itemSet {
		for i := range sets {
			if sets[i].interval == iv {
				return &sets[i]
			}
		}
		sets = append(sets, itemSet{interval: iv})
		return &sets[len(sets)-1]
	}

	var oneTime []OneTimeItem
	for _, p := range params.Prices {
		switch cfg := p.Config.(type) {
		case price.FixedConfig:
			if cfg.Interval == price.IntervalOneOff {
				oneTime = append(oneTime, OneTimeItem{
					ProductProcessorID: params.Product.ProcessorID,
					Amount:             cfg.Amount,
					Currency:           params.Org.DefaultCurrency,
					Description:        params.Product.Name + " - " + p.Name,
				})
				continue
			}
			set := setFor(cfg.Interval)
			set.items = append(set.items, SubscriptionItem{
				ProductProcessorID: params.Product.ProcessorID,
				UnitAmount:         cfg.Amount,
				Currency:           params.Org.DefaultCurrency,
				Interval:           cfg.Interval,
				Quantity:           1,
				Description:        params.Product.Name + " - " + p.Name,
			})
		case price.UsageConfig:
			if cfg.BillWhen == price.BillEndOfPeriod {
				if cfg.ProcessorPriceID == "" {
					return nil, ErrConfigurationMissing
				}
				set := setFor(cfg.Interval)
				set.items = append(set.items, SubscriptionItem{
					ProcessorPriceID: cfg.ProcessorPriceID,
					Interval:         cfg.Interval,
					Metered:          true,
				})
				continue
			}
			amt, err := price.Amount(cfg, params.QuantityFor(cfg.FeatureID))
			if err != nil {
				return nil, err
			}
			set := setFor(cfg.Interval)
			set.items = append(set.items, SubscriptionItem{
				ProductProcessorID: params.Product.ProcessorID,
				UnitAmount:         amt.PerUnit,
				Currency:           params.Org.DefaultCurrency,
				Interval:           cfg.Interval,
				Quantity:           amt.Quantity,
				Description:        params.Product.Name + " - " + p.Name,
			})
		}
	}

	if len(oneTime) > 0 && len(sets) > 0 {
		sets[0].oneTime = oneTime
	}
	return sets, nil
}

// newCustomerProduct builds the local aggregate for an attach.
func (e *Engine) newCustomerProduct(params AttachParams, status CustomerProductStatus, subIDs []string, lastInvoiceID string) (*CustomerProduct, []CustomerEntitlement) {
	now := e.now()
	cp := &CustomerProduct{
		ID:              uuid.New(),
		CustomerID:      params.Customer.ID,
		OrgID:           params.Org.ID,
		Env:             params.Customer.Env,
		ProductID:       params.Product.ID,
		ProductGroup:    params.Product.Group,
		IsAddOn:         params.Product.IsAddOn,
		Status:          status,
		SubscriptionIDs: subIDs,
		LastInvoiceID:   lastInvoiceID,
		TrialEndsAt:     params.FreeTrial.EndsAt(now),
		StartedAt:       now,
	}

	ents := make([]CustomerEntitlement, 0, len(params.Entitlements))
	for _, ent := range params.Entitlements {
		balance := int64(0)
		if ent.AllowanceType == AllowanceFixed {
			balance = ent.Allowance
		}
		ents = append(ents, CustomerEntitlement{
			ID:                uuid.New(),
			CustomerProductID: cp.ID,
			FeatureID:         ent.FeatureID,
			Allowance:         ent.Allowance,
			Balance:           balance,
			UsageAllowed:      hasArrearsPrice(params.Prices, ent.FeatureID),
		})
	}
	return cp, ents
}

func hasArrearsPrice(prices []Price, featureID uuid.UUID) bool {
	for _, p := range prices {
		if cfg, ok := p.Config.(price.UsageConfig); ok &&
			cfg.FeatureID == featureID && cfg.BillWhen == price.BillEndOfPeriod {
			return true
		}
	}
	return false
}
