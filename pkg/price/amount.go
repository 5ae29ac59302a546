package price

import "errors"

var (
	ErrNoTiers         = errors.New("price: usage config has no tiers")
	ErrNegativeUsage   = errors.New("price: usage must not be negative")
	ErrQuantityMissing = errors.New("price: quantity required for usage price billed in advance")
)

// LineAmount is a computed charge for a single price at attach time.
type LineAmount struct {
	// PerUnit is the charge per unit in the smallest currency unit.
	PerUnit int64
	// Quantity is the number of units billed.
	Quantity int64
}

// Total returns PerUnit * Quantity.
func (a LineAmount) Total() int64 {
	return a.PerUnit * a.Quantity
}

// Amount computes the attach-time line amount for a config. Fixed prices
// bill their amount once; in-advance usage prices bill the first-tier unit
// amount times the chosen quantity. End-of-period usage is billed by the
// processor's meter and has no attach-time amount.
func Amount(cfg Config, quantity int64) (LineAmount, error) {
	switch c := cfg.(type) {
	case FixedConfig:
		return LineAmount{PerUnit: c.Amount, Quantity: 1}, nil
	case UsageConfig:
		if c.BillWhen == BillEndOfPeriod {
			return LineAmount{}, nil
		}
		if len(c.Tiers) == 0 {
			return LineAmount{}, ErrNoTiers
		}
		if quantity <= 0 {
			if c.RequireQuantity {
				return LineAmount{}, ErrQuantityMissing
			}
			quantity = 1
		}
		return LineAmount{PerUnit: c.Tiers[0].UnitAmount, Quantity: quantity}, nil
	default:
		panic("price: unknown config type")
	}
}

// Overage computes the charge for usage beyond allowance. Tiers are volume
// tiers: the tier the total usage lands in sets the unit rate for every
// overage unit.
func Overage(cfg UsageConfig, usage, overage int64) (int64, error) {
	if len(cfg.Tiers) == 0 {
		return 0, ErrNoTiers
	}
	if usage < 0 || overage < 0 {
		return 0, ErrNegativeUsage
	}

	rate := cfg.Tiers[len(cfg.Tiers)-1].UnitAmount
	for _, tier := range cfg.Tiers {
		if tier.UpTo == TierInfinite || usage <= tier.UpTo {
			rate = tier.UnitAmount
			break
		}
	}
	return rate * overage, nil
}
