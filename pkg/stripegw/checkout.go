package stripegw

import (
	"context"
	"strings"

	"github.com/stripe/stripe-go/v81"
	checkoutsession "github.com/stripe/stripe-go/v81/checkout/session"

	"github.com/billingkit/billingkit/pkg/billing"
	"github.com/billingkit/billingkit/pkg/price"
)

// Checkout implements billing.CheckoutFallback on Stripe Checkout. It is the
// payment path of last resort: the engine redirects here when a direct bill
// was declined, and the completed session shows up later through the webhook
// stream like any other processor activity.
type Checkout struct{}

var _ billing.CheckoutFallback = (*Checkout)(nil)

func NewCheckout() *Checkout { return &Checkout{} }

func (c *Checkout) CreateCheckout(ctx context.Context, p billing.AttachParams) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	params := &stripe.CheckoutSessionParams{
		Params:     stripe.Params{Context: ctx},
		Customer:   stripe.String(p.Customer.ProcessorID),
		SuccessURL: stripe.String(p.Org.SuccessURL),
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
	}
	params.AddMetadata("product_id", p.Product.ID.String())
	params.AddMetadata("customer_id", p.Customer.ID.String())

	currency := strings.ToLower(p.Org.DefaultCurrency)
	for _, pr := range p.Prices {
		item := &stripe.CheckoutSessionLineItemParams{}
		switch cfg := pr.Config.(type) {
		case price.FixedConfig:
			item.PriceData = &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				Product:    stripe.String(p.Product.ProcessorID),
				UnitAmount: stripe.Int64(cfg.Amount),
			}
			item.Quantity = stripe.Int64(1)
			if price.IsRecurring(cfg) {
				params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
				item.PriceData.Recurring = &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
					Interval: stripe.String(string(cfg.Interval)),
				}
			}
		case price.UsageConfig:
			if cfg.BillWhen == price.BillEndOfPeriod {
				// Metered prices are registered with the processor up front;
				// checkout takes the price id and no quantity.
				params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
				item.Price = stripe.String(cfg.ProcessorPriceID)
			} else {
				qty := p.QuantityFor(cfg.FeatureID)
				if qty <= 0 {
					qty = 1
				}
				line, err := price.Amount(cfg, qty)
				if err != nil {
					return "", err
				}
				item.PriceData = &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(currency),
					Product:    stripe.String(p.Product.ProcessorID),
					UnitAmount: stripe.Int64(line.PerUnit),
				}
				item.Quantity = stripe.Int64(line.Quantity)
				if price.IsRecurring(cfg) {
					params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
					item.PriceData.Recurring = &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
						Interval: stripe.String(string(cfg.Interval)),
					}
				}
			}
		}
		params.LineItems = append(params.LineItems, item)
	}

	sess, err := checkoutsession.New(params)
	if err != nil {
		return "", translate(err)
	}
	return sess.URL, nil
}
