package billing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreCustomerProducts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	customerID := uuid.New()

	seed := func(t *testing.T, status CustomerProductStatus, startedAt time.Time) (*MemoryStore, *CustomerProduct) {
		t.Helper()
		store := NewMemoryStore()
		cp := &CustomerProduct{
			ID:              uuid.New(),
			CustomerID:      customerID,
			ProductID:       uuid.New(),
			ProductGroup:    "main",
			Status:          status,
			SubscriptionIDs: []string{"sub_1"},
			StartedAt:       startedAt,
		}
		require.NoError(t, store.InsertCustomerProduct(ctx, cp, []CustomerEntitlement{
			{ID: uuid.New(), CustomerProductID: cp.ID, FeatureID: uuid.New(), Allowance: 100, Balance: 100},
		}))
		return store, cp
	}

	t.Run("round trips a customer product", func(t *testing.T) {
		t.Parallel()
		store, cp := seed(t, StatusActive, time.Now())

		got, err := store.GetCustomerProduct(ctx, cp.ID)
		require.NoError(t, err)
		require.Equal(t, cp.ID, got.ID)
		require.Equal(t, []string{"sub_1"}, got.SubscriptionIDs)

		ents, err := store.GetCustomerEntitlements(ctx, cp.ID)
		require.NoError(t, err)
		require.Len(t, ents, 1)
		require.EqualValues(t, 100, ents[0].Balance)
	})

	t.Run("reads return copies", func(t *testing.T) {
		t.Parallel()
		store, cp := seed(t, StatusActive, time.Now())

		got, err := store.GetCustomerProduct(ctx, cp.ID)
		require.NoError(t, err)
		got.SubscriptionIDs[0] = "sub_mutated"

		again, err := store.GetCustomerProduct(ctx, cp.ID)
		require.NoError(t, err)
		require.Equal(t, "sub_1", again.SubscriptionIDs[0])
	})

	t.Run("active group lookup skips scheduled rows", func(t *testing.T) {
		t.Parallel()
		store, cp := seed(t, StatusScheduled, time.Now())

		_, err := store.GetActiveInGroup(ctx, customerID, "main")
		require.ErrorIs(t, err, ErrNotFound)

		got, err := store.GetScheduledInGroup(ctx, customerID, "main")
		require.NoError(t, err)
		require.Equal(t, cp.ID, got.ID)
	})

	t.Run("group lookup prefers the newest row", func(t *testing.T) {
		t.Parallel()
		now := time.Now()
		store, _ := seed(t, StatusActive, now.Add(-time.Hour))
		newer := &CustomerProduct{
			ID:           uuid.New(),
			CustomerID:   customerID,
			ProductID:    uuid.New(),
			ProductGroup: "main",
			Status:       StatusActive,
			StartedAt:    now,
		}
		require.NoError(t, store.InsertCustomerProduct(ctx, newer, nil))

		got, err := store.GetActiveInGroup(ctx, customerID, "main")
		require.NoError(t, err)
		require.Equal(t, newer.ID, got.ID)
	})

	t.Run("lookup by subscription id", func(t *testing.T) {
		t.Parallel()
		store, cp := seed(t, StatusActive, time.Now())

		cps, err := store.GetActiveBySubscriptionID(ctx, "sub_1")
		require.NoError(t, err)
		require.Len(t, cps, 1)
		require.Equal(t, cp.ID, cps[0].ID)

		cps, err = store.GetActiveBySubscriptionID(ctx, "sub_unknown")
		require.NoError(t, err)
		require.Empty(t, cps)
	})

	t.Run("partial update touches only set fields", func(t *testing.T) {
		t.Parallel()
		store, cp := seed(t, StatusActive, time.Now())

		expired := StatusExpired
		endedAt := time.Now().UTC()
		require.NoError(t, store.UpdateCustomerProduct(ctx, cp.ID, CustomerProductUpdate{
			Status:  &expired,
			EndedAt: &endedAt,
		}))

		got, err := store.GetCustomerProduct(ctx, cp.ID)
		require.NoError(t, err)
		require.Equal(t, StatusExpired, got.Status)
		require.NotNil(t, got.EndedAt)
		require.Equal(t, []string{"sub_1"}, got.SubscriptionIDs)
	})

	t.Run("update and delete miss with ErrNotFound", func(t *testing.T) {
		t.Parallel()
		store := NewMemoryStore()
		require.ErrorIs(t, store.UpdateCustomerProduct(ctx, uuid.New(), CustomerProductUpdate{}), ErrNotFound)
		require.ErrorIs(t, store.DeleteCustomerProduct(ctx, uuid.New()), ErrNotFound)
	})

	t.Run("delete removes entitlements too", func(t *testing.T) {
		t.Parallel()
		store, cp := seed(t, StatusActive, time.Now())

		require.NoError(t, store.DeleteCustomerProduct(ctx, cp.ID))
		_, err := store.GetCustomerProduct(ctx, cp.ID)
		require.ErrorIs(t, err, ErrNotFound)

		ents, err := store.GetCustomerEntitlements(ctx, cp.ID)
		require.NoError(t, err)
		require.Empty(t, ents)
	})

	t.Run("zeroes a single balance", func(t *testing.T) {
		t.Parallel()
		store, cp := seed(t, StatusActive, time.Now())
		ents, err := store.GetCustomerEntitlements(ctx, cp.ID)
		require.NoError(t, err)

		require.NoError(t, store.ZeroEntitlementBalance(ctx, ents[0].ID))
		ents, err = store.GetCustomerEntitlements(ctx, cp.ID)
		require.NoError(t, err)
		require.Zero(t, ents[0].Balance)

		require.ErrorIs(t, store.ZeroEntitlementBalance(ctx, uuid.New()), ErrNotFound)
	})
}

func TestMemoryStoreInvoices(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()

	inv := &Invoice{
		ID:         uuid.New(),
		ExternalID: "in_1",
		CustomerID: uuid.New(),
		Status:     InvoicePaid,
		Total:      Money{Amount: 2500, Currency: "usd"},
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.InsertInvoice(ctx, inv))
	require.ErrorIs(t, store.InsertInvoice(ctx, inv), ErrDuplicateInvoice)

	got, err := store.GetInvoiceByExternalID(ctx, "in_1")
	require.NoError(t, err)
	require.Equal(t, inv.ID, got.ID)

	_, err = store.GetInvoiceByExternalID(ctx, "in_unknown")
	require.ErrorIs(t, err, ErrNotFound)
}
