// Package billing implements the subscription lifecycle engine: attaching
// products to customers, upgrading between plans in a group, scheduling and
// cancelling, and reconciling local entitlement state with the payment
// processor through webhook events.
//
// The Engine is the single entry point. It owns the concurrency discipline
// (per customer-group and per subscription locks), dispatches to the payment
// processor through the Gateway interface and persists state through the
// Store interface. Processor failures surface as typed sentinel errors so
// callers can distinguish a declined card from a misconfigured account or a
// processor outage.
package billing
