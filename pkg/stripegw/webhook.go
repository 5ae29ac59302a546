package stripegw

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/billingkit/billingkit/pkg/billing"
)

var ErrBadSignature = errors.New("stripegw: webhook signature verification failed")

// WebhookParser verifies Stripe webhook signatures and maps the events the
// engine reconciles on into billing.Event. Everything else is reported as
// unhandled so the ingress can acknowledge it without work.
type WebhookParser struct {
	secret string
}

func NewWebhookParser(signingSecret string) *WebhookParser {
	if signingSecret == "" {
		panic("stripegw: webhook signing secret is required")
	}
	return &WebhookParser{secret: signingSecret}
}

// Parse verifies the payload and returns the mapped event. handled is false
// for event types the engine does not reconcile on.
func (p *WebhookParser) Parse(payload []byte, sigHeader string) (ev billing.Event, handled bool, err error) {
	// Tolerate API version drift between the Stripe account and this client;
	// the fields read below are stable across versions.
	raw, err := webhook.ConstructEventWithOptions(payload, sigHeader, p.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return billing.Event{}, false, errors.Join(ErrBadSignature, err)
	}

	switch raw.Type {
	case "invoice.paid":
		var inv stripe.Invoice
		if err := json.Unmarshal(raw.Data.Raw, &inv); err != nil {
			return billing.Event{}, false, fmt.Errorf("stripegw: decode invoice event %s: %w", raw.ID, err)
		}
		pi := buildInvoice(&inv)
		return billing.Event{
			ID:             raw.ID,
			Type:           billing.EventInvoicePaid,
			SubscriptionID: pi.SubscriptionID,
			Invoice:        pi,
			Livemode:       raw.Livemode,
		}, true, nil

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(raw.Data.Raw, &sub); err != nil {
			return billing.Event{}, false, fmt.Errorf("stripegw: decode subscription event %s: %w", raw.ID, err)
		}
		return billing.Event{
			ID:             raw.ID,
			Type:           billing.EventSubscriptionCanceled,
			SubscriptionID: sub.ID,
			Livemode:       raw.Livemode,
		}, true, nil
	}

	return billing.Event{}, false, nil
}
