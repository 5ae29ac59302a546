// Package price classifies billable prices and computes line-item amounts.
//
// A price's billing behavior is fully determined by its Config shape: a
// FixedConfig with no interval is a one-off charge, with an interval a fixed
// recurring charge; a UsageConfig is metered usage billed either in advance
// (as a purchased quantity) or at the end of the period (via the processor's
// meter). Classify is the single source of truth for that derivation; no
// other package re-derives billing types.
//
// The package is pure and performs no I/O.
package price
