package stripegw

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/stripe/stripe-go/v81"

	"github.com/billingkit/billingkit/pkg/billing"
)

// translate maps a Stripe client error onto the engine's sentinel errors so
// callers never need to know which processor is behind the gateway. The
// original error is kept in the chain for logs.
func translate(err error) error {
	if err == nil {
		return nil
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errors.Join(billing.ErrProcessorUnavailable, err)
	case errors.As(err, &netErr):
		return errors.Join(billing.ErrProcessorUnavailable, err)
	}

	var sErr *stripe.Error
	if !errors.As(err, &sErr) {
		return err
	}

	switch {
	case sErr.Type == stripe.ErrorTypeCard,
		sErr.Code == stripe.ErrorCodeCardDeclined,
		sErr.DeclineCode != "":
		return errors.Join(billing.ErrCardDeclined, err)
	case sErr.HTTPStatusCode == http.StatusUnauthorized,
		sErr.HTTPStatusCode == http.StatusForbidden:
		return errors.Join(billing.ErrConfigurationMissing, err)
	case sErr.Type == stripe.ErrorTypeAPI,
		sErr.HTTPStatusCode >= http.StatusInternalServerError,
		sErr.HTTPStatusCode == http.StatusTooManyRequests:
		return errors.Join(billing.ErrProcessorUnavailable, err)
	}
	return err
}
