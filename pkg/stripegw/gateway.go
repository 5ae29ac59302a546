package stripegw

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/billing/meterevent"
	"github.com/stripe/stripe-go/v81/billingportal/session"
	"github.com/stripe/stripe-go/v81/invoice"
	"github.com/stripe/stripe-go/v81/invoiceitem"
	"github.com/stripe/stripe-go/v81/subscription"

	"github.com/billingkit/billingkit/pkg/billing"
)

// callTimeout bounds every processor round trip so a stalled Stripe call
// cannot hold the engine's per-group lock indefinitely.
const callTimeout = 30 * time.Second

// Gateway implements billing.Gateway on the Stripe API.
type Gateway struct{}

var _ billing.Gateway = (*Gateway)(nil)

// New configures the Stripe client with the given secret key and returns a
// gateway. The key is process wide; construct the gateway once at startup.
func New(apiKey string) *Gateway {
	if apiKey == "" {
		panic("stripegw: api key is required")
	}
	stripe.Key = apiKey
	return &Gateway{}
}

func (g *Gateway) CreateSubscription(ctx context.Context, req billing.CreateSubscriptionRequest) (*billing.ProcessorSubscription, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	params := &stripe.SubscriptionParams{
		Params:          stripe.Params{Context: ctx},
		Customer:        stripe.String(req.CustomerProcessorID),
		PaymentBehavior: stripe.String("error_if_incomplete"),
	}
	for _, it := range req.Items {
		params.Items = append(params.Items, subscriptionItemParams(it))
	}
	for _, ot := range req.OneTimeItems {
		params.AddInvoiceItems = append(params.AddInvoiceItems, &stripe.SubscriptionAddInvoiceItemParams{
			PriceData: &stripe.InvoiceItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(ot.Currency)),
				Product:    stripe.String(ot.ProductProcessorID),
				UnitAmount: stripe.Int64(ot.Amount),
			},
			Quantity: stripe.Int64(1),
		})
	}
	if req.TrialEnd != nil {
		params.TrialEnd = stripe.Int64(req.TrialEnd.Unix())
		// A trial creates no immediate invoice, so there is nothing to fail
		// on incomplete payment.
		params.PaymentBehavior = nil
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	params.AddExpand("latest_invoice")

	sub, err := subscription.New(params)
	if err != nil {
		return nil, translate(err)
	}
	return buildSubscription(sub), nil
}

func (g *Gateway) GetSubscription(ctx context.Context, subscriptionID string) (*billing.ProcessorSubscription, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	sub, err := subscription.Get(subscriptionID, &stripe.SubscriptionParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return nil, translate(err)
	}
	return buildSubscription(sub), nil
}

func (g *Gateway) UpdateSubscriptionItems(ctx context.Context, req billing.UpdateSubscriptionRequest) (*billing.ProcessorSubscription, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	params := &stripe.SubscriptionParams{
		Params: stripe.Params{Context: ctx},
		// The swap bills immediately through the engine's own settlement
		// invoice, so prorations would double-charge.
		ProrationBehavior: stripe.String("none"),
	}
	for _, it := range req.Items {
		params.Items = append(params.Items, subscriptionItemParams(it))
	}
	if req.TrialEnd != nil {
		params.TrialEnd = stripe.Int64(req.TrialEnd.Unix())
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	sub, err := subscription.Update(req.SubscriptionID, params)
	if err != nil {
		return nil, translate(err)
	}
	return buildSubscription(sub), nil
}

func (g *Gateway) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	if atPeriodEnd {
		_, err := subscription.Update(subscriptionID, &stripe.SubscriptionParams{
			Params:            stripe.Params{Context: ctx},
			CancelAtPeriodEnd: stripe.Bool(true),
		})
		return translate(err)
	}
	_, err := subscription.Cancel(subscriptionID, &stripe.SubscriptionCancelParams{
		Params: stripe.Params{Context: ctx},
	})
	return translate(err)
}

func (g *Gateway) UncancelSubscription(ctx context.Context, subscriptionID string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	_, err := subscription.Update(subscriptionID, &stripe.SubscriptionParams{
		Params:            stripe.Params{Context: ctx},
		CancelAtPeriodEnd: stripe.Bool(false),
	})
	return translate(err)
}

func (g *Gateway) CreateInvoice(ctx context.Context, req billing.CreateInvoiceRequest) (*billing.ProcessorInvoice, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	params := &stripe.InvoiceParams{
		Params:      stripe.Params{Context: ctx},
		Customer:    stripe.String(req.CustomerProcessorID),
		AutoAdvance: stripe.Bool(req.AutoAdvance),
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	inv, err := invoice.New(params)
	if err != nil {
		return nil, translate(err)
	}
	return buildInvoice(inv), nil
}

func (g *Gateway) CreateInvoiceItem(ctx context.Context, req billing.InvoiceItemRequest) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	params := &stripe.InvoiceItemParams{
		Params:      stripe.Params{Context: ctx},
		Customer:    stripe.String(req.CustomerProcessorID),
		Invoice:     stripe.String(req.InvoiceID),
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Description: stripe.String(req.Description),
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	_, err := invoiceitem.New(params)
	return translate(err)
}

func (g *Gateway) FinalizeInvoice(ctx context.Context, invoiceID string) (*billing.ProcessorInvoice, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	inv, err := invoice.FinalizeInvoice(invoiceID, &stripe.InvoiceFinalizeInvoiceParams{
		Params:      stripe.Params{Context: ctx},
		AutoAdvance: stripe.Bool(false),
	})
	if err != nil {
		return nil, translate(err)
	}
	return buildInvoice(inv), nil
}

func (g *Gateway) PayInvoice(ctx context.Context, invoiceID string) (*billing.ProcessorInvoice, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	inv, err := invoice.Pay(invoiceID, &stripe.InvoicePayParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return nil, translate(err)
	}
	return buildInvoice(inv), nil
}

func (g *Gateway) VoidInvoice(ctx context.Context, invoiceID string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	_, err := invoice.VoidInvoice(invoiceID, &stripe.InvoiceVoidInvoiceParams{
		Params: stripe.Params{Context: ctx},
	})
	return translate(err)
}

func (g *Gateway) GetInvoice(ctx context.Context, invoiceID string) (*billing.ProcessorInvoice, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	inv, err := invoice.Get(invoiceID, &stripe.InvoiceParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return nil, translate(err)
	}
	return buildInvoice(inv), nil
}

func (g *Gateway) CreateMeterEvent(ctx context.Context, req billing.MeterEventRequest) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	params := &stripe.BillingMeterEventParams{
		Params:    stripe.Params{Context: ctx},
		EventName: stripe.String(req.EventName),
		Payload: map[string]string{
			"stripe_customer_id": req.CustomerProcessorID,
			"value":              fmt.Sprintf("%d", req.Value),
		},
	}
	if req.Identifier != "" {
		params.Identifier = stripe.String(req.Identifier)
	}

	_, err := meterevent.New(params)
	return translate(err)
}

func (g *Gateway) CreateBillingPortal(ctx context.Context, customerProcessorID, returnURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	sess, err := session.New(&stripe.BillingPortalSessionParams{
		Params:    stripe.Params{Context: ctx},
		Customer:  stripe.String(customerProcessorID),
		ReturnURL: stripe.String(returnURL),
	})
	if err != nil {
		return "", translate(err)
	}
	return sess.URL, nil
}

func subscriptionItemParams(it billing.SubscriptionItem) *stripe.SubscriptionItemsParams {
	if it.Deleted {
		return &stripe.SubscriptionItemsParams{
			ID:      stripe.String(it.ItemID),
			Deleted: stripe.Bool(true),
		}
	}
	if it.ProcessorPriceID != "" {
		// Pre-registered price, typically a metered one. Metered items carry
		// no quantity; Stripe aggregates reported usage.
		p := &stripe.SubscriptionItemsParams{Price: stripe.String(it.ProcessorPriceID)}
		if !it.Metered && it.Quantity > 0 {
			p.Quantity = stripe.Int64(it.Quantity)
		}
		return p
	}
	p := &stripe.SubscriptionItemsParams{
		PriceData: &stripe.SubscriptionItemPriceDataParams{
			Currency:   stripe.String(strings.ToLower(it.Currency)),
			Product:    stripe.String(it.ProductProcessorID),
			UnitAmount: stripe.Int64(it.UnitAmount),
			Recurring: &stripe.SubscriptionItemPriceDataRecurringParams{
				Interval: stripe.String(string(it.Interval)),
			},
		},
	}
	if it.Quantity > 0 {
		p.Quantity = stripe.Int64(it.Quantity)
	} else {
		p.Quantity = stripe.Int64(1)
	}
	return p
}

func buildSubscription(sub *stripe.Subscription) *billing.ProcessorSubscription {
	out := &billing.ProcessorSubscription{
		ID:     sub.ID,
		Status: string(sub.Status),
	}
	if sub.Items != nil {
		for _, it := range sub.Items.Data {
			out.ItemIDs = append(out.ItemIDs, it.ID)
		}
	}
	if sub.LatestInvoice != nil {
		out.LatestInvoiceID = sub.LatestInvoice.ID
	}
	if sub.CurrentPeriodEnd > 0 {
		out.CurrentPeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	}
	return out
}

func buildInvoice(inv *stripe.Invoice) *billing.ProcessorInvoice {
	out := &billing.ProcessorInvoice{
		ID:        inv.ID,
		Status:    invoiceStatus(inv.Status),
		Total:     billing.Money{Amount: inv.Total, Currency: strings.ToUpper(string(inv.Currency))},
		HostedURL: inv.HostedInvoiceURL,
		CreatedAt: time.Unix(inv.Created, 0).UTC(),
	}
	if inv.Subscription != nil {
		out.SubscriptionID = inv.Subscription.ID
	}
	return out
}

func invoiceStatus(s stripe.InvoiceStatus) billing.InvoiceStatus {
	switch s {
	case stripe.InvoiceStatusDraft:
		return billing.InvoiceDraft
	case stripe.InvoiceStatusOpen:
		return billing.InvoiceOpen
	case stripe.InvoiceStatusPaid:
		return billing.InvoicePaid
	case stripe.InvoiceStatusVoid, stripe.InvoiceStatusUncollectible:
		return billing.InvoiceVoid
	default:
		return billing.InvoiceOpen
	}
}
