package pgstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/billingkit/billingkit/pkg/billing"
)

func TestBuildCustomerProductUpdate(t *testing.T) {
	t.Parallel()

	t.Run("empty update renders nothing", func(t *testing.T) {
		t.Parallel()
		set, args := buildCustomerProductUpdate(billing.CustomerProductUpdate{})
		assert.Empty(t, set)
		assert.Empty(t, args)
	})

	t.Run("single field", func(t *testing.T) {
		t.Parallel()
		status := billing.StatusExpired
		set, args := buildCustomerProductUpdate(billing.CustomerProductUpdate{Status: &status})
		assert.Equal(t, "status = $1", set)
		assert.Equal(t, []any{billing.StatusExpired}, args)
	})

	t.Run("all fields in declaration order", func(t *testing.T) {
		t.Parallel()
		status := billing.StatusActive
		subs := []string{"sub_1", "sub_2"}
		cape := true
		ended := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
		started := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

		set, args := buildCustomerProductUpdate(billing.CustomerProductUpdate{
			Status:            &status,
			SubscriptionIDs:   &subs,
			CancelAtPeriodEnd: &cape,
			EndedAt:           &ended,
			StartedAt:         &started,
		})

		assert.Equal(t,
			"status = $1, subscription_ids = $2, cancel_at_period_end = $3, ended_at = $4, started_at = $5",
			set)
		assert.Len(t, args, 5)
		assert.Equal(t, subs, args[1])
	})

	t.Run("explicit empty subscription list is a real update", func(t *testing.T) {
		t.Parallel()
		subs := []string{}
		set, args := buildCustomerProductUpdate(billing.CustomerProductUpdate{SubscriptionIDs: &subs})
		assert.Equal(t, "subscription_ids = $1", set)
		assert.Equal(t, []any{subs}, args)
	})
}
