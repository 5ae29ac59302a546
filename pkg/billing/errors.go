package billing

import "errors"

var (
	// ErrConfigurationMissing means the org, customer or product is not
	// provisioned with the payment processor. Fatal, surfaced to the caller,
	// never retried.
	ErrConfigurationMissing = errors.New("billing: processor configuration missing")

	// ErrCardDeclined is the recoverable payment failure: the attach falls
	// back to hosted checkout instead of failing.
	ErrCardDeclined = errors.New("billing: card declined")

	// ErrProcessorUnavailable covers network failures and processor 5xx
	// responses. Safe for the caller to retry with backoff.
	ErrProcessorUnavailable = errors.New("billing: payment processor unavailable")

	// ErrMissingRequiredOption is a caller input error: a usage price billed
	// in advance requires a quantity that was not supplied.
	ErrMissingRequiredOption = errors.New("billing: required feature option missing")

	// ErrScheduledProductExists blocks cancelling a main product while a
	// scheduled replacement exists in its group; the operator must remove
	// the scheduled product first.
	ErrScheduledProductExists = errors.New("billing: scheduled product exists in group")

	// ErrCustomerProductNotFound reports a reconciliation invariant
	// violation: a processor event references a subscription with no local
	// customer product. Logged and alerted on; the event is still
	// acknowledged to avoid poison-message retries.
	ErrCustomerProductNotFound = errors.New("billing: customer product not found for subscription")

	// ErrStateDesync wraps failures that happen after the processor moved
	// money but before the local write completed. Reported loudly, never
	// compensated by refund.
	ErrStateDesync = errors.New("billing: local state out of sync with processor")

	// ErrPriceProductMismatch rejects attach parameters whose resolved
	// prices do not all belong to the target product.
	ErrPriceProductMismatch = errors.New("billing: resolved price does not belong to target product")

	// ErrCurrentProductRequired rejects an upgrade without the currently
	// active customer product.
	ErrCurrentProductRequired = errors.New("billing: upgrade requires current customer product")

	// ErrInvalidStatusChange rejects a status request that is a no-op or
	// moves a customer product backward.
	ErrInvalidStatusChange = errors.New("billing: invalid status change")

	// ErrInsufficientBalance rejects usage that would push a capped
	// entitlement balance below zero. Overage requires an arrears price on
	// the feature.
	ErrInsufficientBalance = errors.New("billing: insufficient entitlement balance")

	// ErrNotFound is the store's generic miss.
	ErrNotFound = errors.New("billing: not found")

	// ErrDuplicateInvoice is returned by the store when an invoice with the
	// same external id already exists. Webhook replay treats it as the
	// documented idempotent no-op.
	ErrDuplicateInvoice = errors.New("billing: invoice already mirrored")
)
