// Package billingapi exposes the billing engine over HTTP: attach, status
// changes, usage reporting, the billing portal and the processor webhook
// ingress. It resolves products from the YAML catalog and customers through
// a caller-provided resolver, then hands the engine fully resolved
// parameters.
package billingapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/billingkit/billingkit/pkg/billing"
	"github.com/billingkit/billingkit/pkg/price"
)

// CustomerResolver looks up customers in the host application.
type CustomerResolver interface {
	GetCustomer(ctx context.Context, id uuid.UUID) (billing.Customer, error)
}

// EventParser verifies a webhook payload's signature and normalizes it into
// a billing event. Implemented by stripegw.WebhookParser.
type EventParser interface {
	Parse(payload []byte, sigHeader string) (billing.Event, bool, error)
}

// Config carries the service's collaborators. Engine, Store, Gateway,
// Catalog, Customers and WebhookParser are required.
type Config struct {
	Engine        *billing.Engine
	Store         billing.Store
	Gateway       billing.Gateway
	Catalog       *billing.Catalog
	Org           billing.Organization
	Customers     CustomerResolver
	WebhookParser EventParser
	Logger        *slog.Logger
}

type Service struct {
	engine    *billing.Engine
	store     billing.Store
	gateway   billing.Gateway
	catalog   *billing.Catalog
	org       billing.Organization
	customers CustomerResolver
	parser    EventParser
	log       *slog.Logger
}

// New creates the service. Panics on missing required collaborators to fail
// fast on miswiring.
func New(cfg Config) *Service {
	switch {
	case cfg.Engine == nil:
		panic("billingapi: Engine is required")
	case cfg.Store == nil:
		panic("billingapi: Store is required")
	case cfg.Gateway == nil:
		panic("billingapi: Gateway is required")
	case cfg.Catalog == nil:
		panic("billingapi: Catalog is required")
	case cfg.Customers == nil:
		panic("billingapi: Customers resolver is required")
	case cfg.WebhookParser == nil:
		panic("billingapi: WebhookParser is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		engine:    cfg.Engine,
		store:     cfg.Store,
		gateway:   cfg.Gateway,
		catalog:   cfg.Catalog,
		org:       cfg.Org,
		customers: cfg.Customers,
		parser:    cfg.WebhookParser,
		log:       log,
	}
}

// attachParams resolves an attach request into engine parameters: the
// customer from the resolver, the product from the catalog, and for
// upgrades the full current product from the store.
func (s *Service) attachParams(ctx context.Context, req attachRequest) (billing.AttachParams, error) {
	customer, err := s.customers.GetCustomer(ctx, req.CustomerID)
	if err != nil {
		return billing.AttachParams{}, err
	}

	product, prices, ents, err := s.catalog.Resolve(s.org, req.Product)
	if err != nil {
		return billing.AttachParams{}, err
	}

	params := billing.AttachParams{
		Org:          s.org,
		Customer:     customer,
		Product:      product,
		Prices:       prices,
		Entitlements: ents,
		Mode:         billing.ModeNew,
	}
	for _, opt := range req.Options {
		params.Options = append(params.Options, billing.FeatureOption{
			FeatureID: billing.FeatureID(opt.Feature),
			Quantity:  opt.Quantity,
		})
	}
	if req.TrialDays > 0 {
		params.FreeTrial = &billing.FreeTrial{Days: req.TrialDays}
	}

	if req.Upgrade {
		params.Mode = billing.ModeUpgrade
		current, err := s.currentProduct(ctx, customer.ID, product.Group)
		if err != nil {
			return billing.AttachParams{}, err
		}
		params.Current = current
	}
	return params, nil
}

// currentProduct rebuilds the FullCustomerProduct an upgrade replaces: the
// stored row, its live balances, and the product and prices it was resolved
// from when it was attached.
func (s *Service) currentProduct(ctx context.Context, customerID uuid.UUID, group string) (*billing.FullCustomerProduct, error) {
	cp, err := s.store.GetActiveInGroup(ctx, customerID, group)
	if err != nil {
		if errors.Is(err, billing.ErrNotFound) {
			return nil, billing.ErrCurrentProductRequired
		}
		return nil, err
	}

	slug := s.catalog.SlugFor(s.org, cp.ProductID)
	if slug == "" {
		return nil, fmt.Errorf("%w: product %s is not in the catalog", billing.ErrConfigurationMissing, cp.ProductID)
	}
	product, prices, _, err := s.catalog.Resolve(s.org, slug)
	if err != nil {
		return nil, err
	}

	ents, err := s.store.GetCustomerEntitlements(ctx, cp.ID)
	if err != nil {
		return nil, err
	}

	return &billing.FullCustomerProduct{
		CustomerProduct: *cp,
		Product:         product,
		Prices:          prices,
		Entitlements:    ents,
	}, nil
}

// usageRecord resolves a usage request against the catalog: whether the
// feature is uncapped and, for arrears prices, the processor meter to
// forward usage to.
func (s *Service) usageRecord(ctx context.Context, req usageRequest) (billing.UsageRecord, error) {
	customer, err := s.customers.GetCustomer(ctx, req.CustomerID)
	if err != nil {
		return billing.UsageRecord{}, err
	}
	cp, err := s.store.GetCustomerProduct(ctx, req.CustomerProductID)
	if err != nil {
		return billing.UsageRecord{}, err
	}

	featureID := billing.FeatureID(req.Feature)
	rec := billing.UsageRecord{
		Customer:          customer,
		CustomerProductID: cp.ID,
		FeatureID:         featureID,
		Quantity:          req.Quantity,
		IdempotencyKey:    req.IdempotencyKey,
	}

	slug := s.catalog.SlugFor(s.org, cp.ProductID)
	if slug == "" {
		return rec, nil
	}
	_, prices, ents, err := s.catalog.Resolve(s.org, slug)
	if err != nil {
		return billing.UsageRecord{}, err
	}
	for _, ent := range ents {
		if ent.FeatureID == featureID && ent.AllowanceType == billing.AllowanceUnlimited {
			rec.Unlimited = true
		}
	}
	for _, p := range prices {
		cfg, ok := p.Config.(price.UsageConfig)
		if ok && cfg.FeatureID == featureID && cfg.BillWhen == price.BillEndOfPeriod {
			// ProcessorMeterID holds the meter's event name.
			rec.MeterEventName = cfg.ProcessorMeterID
		}
	}
	return rec, nil
}

// portalURL creates a processor-hosted billing portal session for the
// customer, returning to the org's success URL unless overridden.
func (s *Service) portalURL(ctx context.Context, customerID uuid.UUID, returnURL string) (string, error) {
	customer, err := s.customers.GetCustomer(ctx, customerID)
	if err != nil {
		return "", err
	}
	if customer.ProcessorID == "" {
		return "", billing.ErrConfigurationMissing
	}
	if returnURL == "" {
		returnURL = s.org.SuccessURL
	}
	return s.gateway.CreateBillingPortal(ctx, customer.ProcessorID, returnURL)
}
