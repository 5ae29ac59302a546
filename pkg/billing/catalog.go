package billing

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/billingkit/billingkit/pkg/price"
)

var ErrInvalidCatalog = errors.New("billing: invalid catalog")

// Catalog declares an organization's products, prices and entitlements in a
// file, the way deployments without an admin surface configure their
// offering.
type Catalog struct {
	Products []CatalogProduct `yaml:"products"`
}

type CatalogProduct struct {
	Slug         string               `yaml:"slug"`
	Name         string               `yaml:"name"`
	Group        string               `yaml:"group"`
	AddOn        bool                 `yaml:"add_on"`
	ProcessorID  string               `yaml:"processor_id"`
	Prices       []CatalogPrice       `yaml:"prices"`
	Entitlements []CatalogEntitlement `yaml:"entitlements"`
}

type CatalogPrice struct {
	Name string `yaml:"name"`
	// Kind is "fixed" or "usage".
	Kind     string `yaml:"kind"`
	Amount   int64  `yaml:"amount"`
	Interval string `yaml:"interval"`
	// BillWhen is "in_advance" or "end_of_period"; usage prices only.
	BillWhen         string        `yaml:"bill_when"`
	Feature          string        `yaml:"feature"`
	RequireQuantity  bool          `yaml:"require_quantity"`
	Tiers            []CatalogTier `yaml:"tiers"`
	ProcessorPriceID string        `yaml:"processor_price_id"`
	ProcessorMeterID string        `yaml:"processor_meter_id"`
}

type CatalogTier struct {
	// UpTo is the inclusive tier bound; omit (zero) on the last tier for
	// an open-ended one.
	UpTo       int64 `yaml:"up_to"`
	UnitAmount int64 `yaml:"unit_amount"`
}

type CatalogEntitlement struct {
	Feature string `yaml:"feature"`
	// Allowance is ignored when Unlimited or None is set.
	Allowance int64 `yaml:"allowance"`
	Unlimited bool  `yaml:"unlimited"`
	None      bool  `yaml:"none"`
}

// LoadCatalog decodes and validates a YAML catalog.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var cat Catalog
	if err := yaml.NewDecoder(r).Decode(&cat); err != nil {
		return nil, errors.Join(ErrInvalidCatalog, err)
	}
	if err := cat.validate(); err != nil {
		return nil, err
	}
	return &cat, nil
}

// LoadCatalogFile reads a catalog from disk.
func LoadCatalogFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Join(ErrInvalidCatalog, err)
	}
	defer f.Close()
	return LoadCatalog(f)
}

func (c *Catalog) validate() error {
	seen := make(map[string]struct{}, len(c.Products))
	for _, p := range c.Products {
		if p.Slug == "" {
			return fmt.Errorf("%w: product without slug", ErrInvalidCatalog)
		}
		if _, dup := seen[p.Slug]; dup {
			return fmt.Errorf("%w: duplicate product slug %q", ErrInvalidCatalog, p.Slug)
		}
		seen[p.Slug] = struct{}{}

		if !p.AddOn && p.Group == "" {
			return fmt.Errorf("%w: main product %q requires a group", ErrInvalidCatalog, p.Slug)
		}
		for _, cp := range p.Prices {
			if _, err := cp.config(); err != nil {
				return fmt.Errorf("%w: product %q price %q: %w", ErrInvalidCatalog, p.Slug, cp.Name, err)
			}
		}
	}
	return nil
}

func (cp CatalogPrice) config() (price.Config, error) {
	switch cp.Kind {
	case "fixed":
		return price.FixedConfig{Amount: cp.Amount, Interval: price.Interval(cp.Interval)}, nil
	case "usage":
		if cp.Feature == "" {
			return nil, errors.New("usage price requires a feature")
		}
		billWhen := price.BillWhen(cp.BillWhen)
		if billWhen != price.BillInAdvance && billWhen != price.BillEndOfPeriod {
			return nil, fmt.Errorf("unknown bill_when %q", cp.BillWhen)
		}
		if len(cp.Tiers) == 0 {
			return nil, errors.New("usage price requires tiers")
		}
		tiers := make([]price.Tier, len(cp.Tiers))
		for i, t := range cp.Tiers {
			upTo := t.UpTo
			if upTo == 0 {
				upTo = price.TierInfinite
			}
			tiers[i] = price.Tier{UpTo: upTo, UnitAmount: t.UnitAmount}
		}
		return price.UsageConfig{
			FeatureID:        FeatureID(cp.Feature),
			Interval:         price.Interval(cp.Interval),
			BillWhen:         billWhen,
			Tiers:            tiers,
			RequireQuantity:  cp.RequireQuantity,
			ProcessorPriceID: cp.ProcessorPriceID,
			ProcessorMeterID: cp.ProcessorMeterID,
		}, nil
	default:
		return nil, fmt.Errorf("unknown price kind %q", cp.Kind)
	}
}

// Resolve materializes a catalog product into the domain types an attach
// needs. Product and price ids are derived deterministically from the org
// and the slugs, so repeated loads agree.
func (c *Catalog) Resolve(org Organization, slug string) (Product, []Price, []Entitlement, error) {
	for _, p := range c.Products {
		if p.Slug != slug {
			continue
		}

		product := Product{
			ID:          deterministicID(org.ID.String() + "/product/" + p.Slug),
			OrgID:       org.ID,
			Name:        p.Name,
			Group:       p.Group,
			IsAddOn:     p.AddOn,
			ProcessorID: p.ProcessorID,
		}

		prices := make([]Price, 0, len(p.Prices))
		for _, cp := range p.Prices {
			cfg, err := cp.config()
			if err != nil {
				return Product{}, nil, nil, err
			}
			prices = append(prices, Price{
				ID:        deterministicID(org.ID.String() + "/price/" + p.Slug + "/" + cp.Name),
				ProductID: product.ID,
				Name:      cp.Name,
				Config:    cfg,
			})
		}

		ents := make([]Entitlement, 0, len(p.Entitlements))
		for _, ce := range p.Entitlements {
			at := AllowanceFixed
			switch {
			case ce.Unlimited:
				at = AllowanceUnlimited
			case ce.None:
				at = AllowanceNone
			}
			ents = append(ents, Entitlement{
				ID:            deterministicID(org.ID.String() + "/entitlement/" + p.Slug + "/" + ce.Feature),
				ProductID:     product.ID,
				FeatureID:     FeatureID(ce.Feature),
				FeatureName:   ce.Feature,
				AllowanceType: at,
				Allowance:     ce.Allowance,
			})
		}

		return product, prices, ents, nil
	}
	return Product{}, nil, nil, ErrNotFound
}

// SlugFor reverses Resolve: it returns the slug whose resolved product id
// matches under the given organization, or "" when no product matches.
func (c *Catalog) SlugFor(org Organization, productID uuid.UUID) string {
	for _, p := range c.Products {
		if deterministicID(org.ID.String()+"/product/"+p.Slug) == productID {
			return p.Slug
		}
	}
	return ""
}

// FeatureID maps a feature slug to its stable internal id.
func FeatureID(slug string) uuid.UUID {
	return deterministicID("feature/" + slug)
}

func deterministicID(name string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))
}
