package price

import "github.com/google/uuid"

// BillingType categorizes how a price is charged. It is derived from the
// config shape by Classify and never stored independently of the config.
type BillingType string

const (
	// OneOff is a single charge with no recurring interval.
	OneOff BillingType = "one_off"
	// FixedCycle is a flat recurring charge billed every interval.
	FixedCycle BillingType = "fixed_cycle"
	// UsageInAdvance is metered usage paid for up front as a quantity.
	UsageInAdvance BillingType = "usage_in_advance"
	// UsageInArrear is metered usage billed at the end of each cycle.
	UsageInArrear BillingType = "usage_in_arrear"
)

// Interval is the recurring billing frequency of a price.
type Interval string

const (
	IntervalOneOff  Interval = ""
	IntervalMonthly Interval = "month"
	IntervalAnnual  Interval = "year"
)

// BillWhen controls whether a usage price is charged before or after consumption.
type BillWhen string

const (
	BillInAdvance   BillWhen = "in_advance"
	BillEndOfPeriod BillWhen = "end_of_period"
)

// TierInfinite marks the open-ended upper bound of the last usage tier.
const TierInfinite int64 = -1

// Config is the sealed sum type over price configurations. The two concrete
// shapes are FixedConfig and UsageConfig; Classify is the single point that
// interprets a Config into a BillingType.
type Config interface {
	isPriceConfig()
}

// FixedConfig is a flat amount, either one-off (no interval) or recurring.
type FixedConfig struct {
	// Amount is in the smallest currency unit (cents).
	Amount   int64
	Interval Interval
}

func (FixedConfig) isPriceConfig() {}

// Tier is one volume tier of a usage price. The unit amount of the tier a
// quantity falls into applies to the whole quantity.
type Tier struct {
	// UpTo is the inclusive upper bound of the tier, TierInfinite for the last one.
	UpTo int64
	// UnitAmount is the per-unit charge in the smallest currency unit.
	UnitAmount int64
}

// UsageConfig is a metered price attached to a feature.
type UsageConfig struct {
	// FeatureID is the internal id of the feature this price meters.
	FeatureID uuid.UUID
	Interval  Interval
	BillWhen  BillWhen
	Tiers     []Tier
	// RequireQuantity demands a quantity option at attach time. Only
	// meaningful for in-advance billing.
	RequireQuantity bool
	// ProcessorPriceID and ProcessorMeterID reference the metered price and
	// meter registered with the payment processor. Required for
	// end-of-period billing, where the processor aggregates usage itself.
	ProcessorPriceID string
	ProcessorMeterID string
}

func (UsageConfig) isPriceConfig() {}

// Classify derives the billing type from the structural shape of a config.
// It is deterministic: the same config always yields the same type.
func Classify(cfg Config) BillingType {
	switch c := cfg.(type) {
	case FixedConfig:
		if c.Interval == IntervalOneOff {
			return OneOff
		}
		return FixedCycle
	case UsageConfig:
		if c.BillWhen == BillEndOfPeriod {
			return UsageInArrear
		}
		return UsageInAdvance
	default:
		// Config is sealed; an unknown implementation is a programming error.
		panic("price: unknown config type")
	}
}

// IsRecurring reports whether the config carries a billing interval.
func IsRecurring(cfg Config) bool {
	t := Classify(cfg)
	return t == FixedCycle || t == UsageInAdvance || t == UsageInArrear
}

// IntervalOf returns the billing interval of a config, IntervalOneOff for
// one-off prices.
func IntervalOf(cfg Config) Interval {
	switch c := cfg.(type) {
	case FixedConfig:
		return c.Interval
	case UsageConfig:
		return c.Interval
	default:
		panic("price: unknown config type")
	}
}

// RequiresQuantity reports whether an attach must supply a quantity option
// for this config.
func RequiresQuantity(cfg Config) bool {
	c, ok := cfg.(UsageConfig)
	return ok && c.BillWhen == BillInAdvance && c.RequireQuantity
}
