package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/billingkit/billingkit/pkg/price"
)

// noCurrentProducts stubs an empty product group.
func noCurrentProducts(store *mockStore, customerID uuid.UUID, group string) {
	store.On("GetScheduledInGroup", mock.Anything, customerID, group).Return(nil, ErrNotFound)
	store.On("GetActiveInGroup", mock.Anything, customerID, group).Return(nil, ErrNotFound)
}

func TestAttachOneOff(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("invoice created, paid and mirrored", func(t *testing.T) {
		t.Parallel()
		store := &mockStore{}
		gw := &mockGateway{}
		e := newTestEngine(t, store, gw)

		params := baseParams(fixedPrice(uuid.Nil, 2500, price.IntervalOneOff))
		noCurrentProducts(store, params.Customer.ID, params.Product.Group)

		gw.On("CreateInvoice", mock.Anything, mock.MatchedBy(func(req CreateInvoiceRequest) bool {
			return req.CustomerProcessorID == "cus_1" && req.IdempotencyKey != ""
		})).Return(&ProcessorInvoice{ID: "in_1", Status: InvoiceDraft}, nil)
		gw.On("CreateInvoiceItem", mock.Anything, mock.MatchedBy(func(req InvoiceItemRequest) bool {
			return req.InvoiceID == "in_1" && req.Amount == 2500
		})).Return(nil)
		gw.On("FinalizeInvoice", mock.Anything, "in_1").
			Return(&ProcessorInvoice{ID: "in_1", Status: InvoiceOpen}, nil)
		gw.On("PayInvoice", mock.Anything, "in_1").
			Return(&ProcessorInvoice{ID: "in_1", Status: InvoicePaid, Total: Money{Amount: 2500, Currency: "USD"}, CreatedAt: testNow}, nil)

		store.On("InsertCustomerProduct", mock.Anything, mock.Anything, mock.Anything).Return(nil)
		store.On("InsertInvoice", mock.Anything, mock.MatchedBy(func(inv *Invoice) bool {
			return inv.ExternalID == "in_1" && inv.Status == InvoicePaid
		})).Return(nil)

		res, err := e.Attach(ctx, params)
		require.NoError(t, err)
		require.NotNil(t, res.CustomerProduct)
		assert.Equal(t, StatusActive, res.CustomerProduct.Status)
		assert.Equal(t, "in_1", res.CustomerProduct.LastInvoiceID)
		assert.Empty(t, res.CustomerProduct.SubscriptionIDs)
		require.NotNil(t, res.Invoice)
		assert.Equal(t, "in_1", res.Invoice.ExternalID)

		store.AssertExpectations(t)
		gw.AssertExpectations(t)
	})

	t.Run("decline voids the invoice and falls back to checkout", func(t *testing.T) {
		t.Parallel()
		store := &mockStore{}
		gw := &mockGateway{}
		checkout := &mockCheckout{}
		e := newTestEngine(t, store, gw, WithCheckoutFallback(checkout))

		params := baseParams(fixedPrice(uuid.Nil, 2500, price.IntervalOneOff))
		noCurrentProducts(store, params.Customer.ID, params.Product.Group)

		gw.On("CreateInvoice", mock.Anything, mock.Anything).Return(&ProcessorInvoice{ID: "in_1"}, nil)
		gw.On("CreateInvoiceItem", mock.Anything, mock.Anything).Return(nil)
		gw.On("FinalizeInvoice", mock.Anything, "in_1").Return(&ProcessorInvoice{ID: "in_1"}, nil)
		gw.On("PayInvoice", mock.Anything, "in_1").Return(nil, ErrCardDeclined)
		gw.On("VoidInvoice", mock.Anything, "in_1").Return(nil)
		checkout.On("CreateCheckout", mock.Anything, mock.Anything).Return("https://pay.example/cs_1", nil)

		res, err := e.Attach(ctx, params)
		require.NoError(t, err)
		assert.Equal(t, "https://pay.example/cs_1", res.CheckoutURL)
		assert.Nil(t, res.CustomerProduct, "no entitlement before checkout completes")

		store.AssertNotCalled(t, "InsertCustomerProduct", mock.Anything, mock.Anything, mock.Anything)
		gw.AssertExpectations(t)
	})

	t.Run("decline without fallback surfaces the error", func(t *testing.T) {
		t.Parallel()
		store := &mockStore{}
		gw := &mockGateway{}
		e := newTestEngine(t, store, gw)

		params := baseParams(fixedPrice(uuid.Nil, 2500, price.IntervalOneOff))
		noCurrentProducts(store, params.Customer.ID, params.Product.Group)

		gw.On("CreateInvoice", mock.Anything, mock.Anything).Return(&ProcessorInvoice{ID: "in_1"}, nil)
		gw.On("CreateInvoiceItem", mock.Anything, mock.Anything).Return(nil)
		gw.On("FinalizeInvoice", mock.Anything, "in_1").Return(&ProcessorInvoice{ID: "in_1"}, nil)
		gw.On("PayInvoice", mock.Anything, "in_1").Return(nil, ErrCardDeclined)
		gw.On("VoidInvoice", mock.Anything, "in_1").Return(nil)

		_, err := e.Attach(ctx, params)
		assert.ErrorIs(t, err, ErrCardDeclined)
	})

	t.Run("processor outage voids and aborts without checkout", func(t *testing.T) {
		t.Parallel()
		store := &mockStore{}
		gw := &mockGateway{}
		checkout := &mockCheckout{}
		e := newTestEngine(t, store, gw, WithCheckoutFallback(checkout))

		params := baseParams(fixedPrice(uuid.Nil, 2500, price.IntervalOneOff))
		noCurrentProducts(store, params.Customer.ID, params.Product.Group)

		gw.On("CreateInvoice", mock.Anything, mock.Anything).Return(&ProcessorInvoice{ID: "in_1"}, nil)
		gw.On("CreateInvoiceItem", mock.Anything, mock.Anything).Return(nil)
		gw.On("FinalizeInvoice", mock.Anything, "in_1").Return(&ProcessorInvoice{ID: "in_1"}, nil)
		gw.On("PayInvoice", mock.Anything, "in_1").Return(nil, ErrProcessorUnavailable)
		gw.On("VoidInvoice", mock.Anything, "in_1").Return(nil)

		_, err := e.Attach(ctx, params)
		assert.ErrorIs(t, err, ErrProcessorUnavailable)
		checkout.AssertNotCalled(t, "CreateCheckout", mock.Anything, mock.Anything)
	})

	t.Run("payment cleared but local write failed", func(t *testing.T) {
		t.Parallel()
		store := &mockStore{}
		gw := &mockGateway{}
		e := newTestEngine(t, store, gw)

		params := baseParams(fixedPrice(uuid.Nil, 2500, price.IntervalOneOff))
		noCurrentProducts(store, params.Customer.ID, params.Product.Group)

		gw.On("CreateInvoice", mock.Anything, mock.Anything).Return(&ProcessorInvoice{ID: "in_1"}, nil)
		gw.On("CreateInvoiceItem", mock.Anything, mock.Anything).Return(nil)
		gw.On("FinalizeInvoice", mock.Anything, "in_1").Return(&ProcessorInvoice{ID: "in_1"}, nil)
		gw.On("PayInvoice", mock.Anything, "in_1").Return(&ProcessorInvoice{ID: "in_1", Status: InvoicePaid}, nil)
		store.On("InsertCustomerProduct", mock.Anything, mock.Anything, mock.Anything).Return(assert.AnError)

		_, err := e.Attach(ctx, params)
		assert.ErrorIs(t, err, ErrStateDesync)
		gw.AssertNotCalled(t, "VoidInvoice", mock.Anything, mock.Anything)
	})
}

func TestAttachBillNow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("one subscription per interval", func(t *testing.T) {
		t.Parallel()
		store := &mockStore{}
		gw := &mockGateway{}
		e := newTestEngine(t, store, gw)

		params := baseParams(
			fixedPrice(uuid.Nil, 900, price.IntervalMonthly),
			fixedPrice(uuid.Nil, 9000, price.IntervalAnnual),
		)
		noCurrentProducts(store, params.Customer.ID, params.Product.Group)

		gw.On("CreateSubscription", mock.Anything, mock.MatchedBy(func(req CreateSubscriptionRequest) bool {
			return len(req.Items) == 1 && req.Items[0].Interval == price.IntervalMonthly
		})).Return(&ProcessorSubscription{ID: "sub_m", LatestInvoiceID: "in_m"}, nil)
		gw.On("CreateSubscription", mock.Anything, mock.MatchedBy(func(req CreateSubscriptionRequest) bool {
			return len(req.Items) == 1 && req.Items[0].Interval == price.IntervalAnnual
		})).Return(&ProcessorSubscription{ID: "sub_a", LatestInvoiceID: "in_a"}, nil)

		var inserted *CustomerProduct
		store.On("InsertCustomerProduct", mock.Anything, mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) { inserted = args.Get(1).(*CustomerProduct) }).
			Return(nil)

		gw.On("GetInvoice", mock.Anything, "in_m").Return(&ProcessorInvoice{ID: "in_m", Status: InvoicePaid}, nil)
		gw.On("GetInvoice", mock.Anything, "in_a").Return(&ProcessorInvoice{ID: "in_a", Status: InvoicePaid}, nil)
		store.On("InsertInvoice", mock.Anything, mock.Anything).Return(nil)

		res, err := e.Attach(ctx, params)
		require.NoError(t, err)
		require.NotNil(t, inserted)
		assert.Equal(t, []string{"sub_m", "sub_a"}, inserted.SubscriptionIDs,
			"first interval's subscription holds the primary slot")
		assert.Equal(t, StatusActive, res.CustomerProduct.Status)

		store.AssertNumberOfCalls(t, "InsertInvoice", 2)
		gw.AssertExpectations(t)
	})

	t.Run("later interval failure unwinds earlier subscriptions", func(t *testing.T) {
		t.Parallel()
		store := &mockStore{}
		gw := &mockGateway{}
		e := newTestEngine(t, store, gw)

		params := baseParams(
			fixedPrice(uuid.Nil, 900, price.IntervalMonthly),
			fixedPrice(uuid.Nil, 9000, price.IntervalAnnual),
		)
		noCurrentProducts(store, params.Customer.ID, params.Product.Group)

		gw.On("CreateSubscription", mock.Anything, mock.MatchedBy(func(req CreateSubscriptionRequest) bool {
			return req.Items[0].Interval == price.IntervalMonthly
		})).Return(&ProcessorSubscription{ID: "sub_m"}, nil)
		gw.On("CreateSubscription", mock.Anything, mock.MatchedBy(func(req CreateSubscriptionRequest) bool {
			return req.Items[0].Interval == price.IntervalAnnual
		})).Return(nil, ErrProcessorUnavailable)
		gw.On("CancelSubscription", mock.Anything, "sub_m", false).Return(nil)

		_, err := e.Attach(ctx, params)
		assert.ErrorIs(t, err, ErrProcessorUnavailable)
		store.AssertNotCalled(t, "InsertCustomerProduct", mock.Anything, mock.Anything, mock.Anything)
		gw.AssertExpectations(t)
	})

	t.Run("decline falls back to checkout", func(t *testing.T) {
		t.Parallel()
		store := &mockStore{}
		gw := &mockGateway{}
		checkout := &mockCheckout{}
		e := newTestEngine(t, store, gw, WithCheckoutFallback(checkout))

		params := baseParams(fixedPrice(uuid.Nil, 900, price.IntervalMonthly))
		noCurrentProducts(store, params.Customer.ID, params.Product.Group)

		gw.On("CreateSubscription", mock.Anything, mock.Anything).Return(nil, ErrCardDeclined)
		checkout.On("CreateCheckout", mock.Anything, mock.Anything).Return("https://pay.example/cs_2", nil)

		res, err := e.Attach(ctx, params)
		require.NoError(t, err)
		assert.Equal(t, "https://pay.example/cs_2", res.CheckoutURL)
		store.AssertNotCalled(t, "InsertCustomerProduct", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("trial forwards the end date to the processor", func(t *testing.T) {
		t.Parallel()
		store := &mockStore{}
		gw := &mockGateway{}
		e := newTestEngine(t, store, gw)

		params := baseParams(fixedPrice(uuid.Nil, 900, price.IntervalMonthly))
		params.FreeTrial = &FreeTrial{Days: 7}
		noCurrentProducts(store, params.Customer.ID, params.Product.Group)

		wantEnd := testNow.AddDate(0, 0, 7)
		gw.On("CreateSubscription", mock.Anything, mock.MatchedBy(func(req CreateSubscriptionRequest) bool {
			return req.TrialEnd != nil && req.TrialEnd.Equal(wantEnd)
		})).Return(&ProcessorSubscription{ID: "sub_t"}, nil)
		store.On("InsertCustomerProduct", mock.Anything, mock.MatchedBy(func(cp *CustomerProduct) bool {
			return cp.TrialEndsAt != nil && cp.TrialEndsAt.Equal(wantEnd)
		}), mock.Anything).Return(nil)

		_, err := e.Attach(ctx, params)
		require.NoError(t, err)
		gw.AssertExpectations(t)
	})
}

func TestAttachBillLater(t *testing.T) {
	t.Parallel()

	store := &mockStore{}
	gw := &mockGateway{}
	e := newTestEngine(t, store, gw)

	featureID := uuid.New()
	params := baseParams(arrearsPrice(uuid.Nil, featureID, 2))
	params.Entitlements = []Entitlement{
		{ID: uuid.New(), ProductID: params.Product.ID, FeatureID: featureID, AllowanceType: AllowanceFixed, Allowance: 1000},
	}
	noCurrentProducts(store, params.Customer.ID, params.Product.Group)

	var ents []CustomerEntitlement
	store.On("InsertCustomerProduct", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { ents = args.Get(2).([]CustomerEntitlement) }).
		Return(nil)

	res, err := e.Attach(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, res.CustomerProduct.Status)
	assert.Empty(t, res.CustomerProduct.SubscriptionIDs, "arrears-only products bill at cycle end")
	require.Len(t, ents, 1)
	assert.True(t, ents[0].UsageAllowed)

	gw.AssertNotCalled(t, "CreateSubscription", mock.Anything, mock.Anything)
	gw.AssertNotCalled(t, "CreateInvoice", mock.Anything, mock.Anything)
}

func TestAttachRejectsOneOffWithArrearsOnly(t *testing.T) {
	t.Parallel()

	store := &mockStore{}
	gw := &mockGateway{}
	e := newTestEngine(t, store, gw)

	// Without a recurring charge there is no invoice and no subscription for
	// the one-off price to bill on; the combination must not slip through as
	// a free local activation.
	params := baseParams(
		fixedPrice(uuid.Nil, 2500, price.IntervalOneOff),
		arrearsPrice(uuid.Nil, uuid.New(), 2),
	)
	noCurrentProducts(store, params.Customer.ID, params.Product.Group)

	_, err := e.Attach(context.Background(), params)
	require.ErrorIs(t, err, ErrConfigurationMissing)
	store.AssertNotCalled(t, "InsertCustomerProduct", mock.Anything, mock.Anything, mock.Anything)
	gw.AssertNotCalled(t, "CreateInvoice", mock.Anything, mock.Anything)
}

func TestAttachScheduling(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("active product in group defers the new one", func(t *testing.T) {
		t.Parallel()
		store := &mockStore{}
		gw := &mockGateway{}
		e := newTestEngine(t, store, gw)

		params := baseParams(fixedPrice(uuid.Nil, 900, price.IntervalMonthly))
		cur := &CustomerProduct{
			ID:              uuid.New(),
			CustomerID:      params.Customer.ID,
			ProductGroup:    params.Product.Group,
			Status:          StatusActive,
			SubscriptionIDs: []string{"sub_old"},
		}
		store.On("GetScheduledInGroup", mock.Anything, params.Customer.ID, params.Product.Group).Return(nil, ErrNotFound)
		store.On("GetActiveInGroup", mock.Anything, params.Customer.ID, params.Product.Group).Return(cur, nil)

		gw.On("CancelSubscription", mock.Anything, "sub_old", true).Return(nil)
		store.On("UpdateCustomerProduct", mock.Anything, cur.ID, mock.MatchedBy(func(u CustomerProductUpdate) bool {
			return u.CancelAtPeriodEnd != nil && *u.CancelAtPeriodEnd && u.Status == nil
		})).Return(nil)
		store.On("InsertCustomerProduct", mock.Anything, mock.MatchedBy(func(cp *CustomerProduct) bool {
			return cp.Status == StatusScheduled && len(cp.SubscriptionIDs) == 0
		}), mock.Anything).Return(nil)

		res, err := e.Attach(ctx, params)
		require.NoError(t, err)
		assert.Equal(t, StatusScheduled, res.CustomerProduct.Status)

		gw.AssertNotCalled(t, "CreateSubscription", mock.Anything, mock.Anything)
		store.AssertExpectations(t)
	})

	t.Run("second scheduled product is rejected", func(t *testing.T) {
		t.Parallel()
		store := &mockStore{}
		gw := &mockGateway{}
		e := newTestEngine(t, store, gw)

		params := baseParams(fixedPrice(uuid.Nil, 900, price.IntervalMonthly))
		store.On("GetScheduledInGroup", mock.Anything, params.Customer.ID, params.Product.Group).
			Return(&CustomerProduct{ID: uuid.New(), Status: StatusScheduled}, nil)

		_, err := e.Attach(ctx, params)
		assert.ErrorIs(t, err, ErrScheduledProductExists)
	})

	t.Run("add-ons skip the group exclusivity checks", func(t *testing.T) {
		t.Parallel()
		store := &mockStore{}
		gw := &mockGateway{}
		e := newTestEngine(t, store, gw)

		params := baseParams(fixedPrice(uuid.Nil, 500, price.IntervalMonthly))
		params.Product.IsAddOn = true

		gw.On("CreateSubscription", mock.Anything, mock.Anything).Return(&ProcessorSubscription{ID: "sub_addon"}, nil)
		store.On("InsertCustomerProduct", mock.Anything, mock.MatchedBy(func(cp *CustomerProduct) bool {
			return cp.IsAddOn && cp.Status == StatusActive
		}), mock.Anything).Return(nil)

		_, err := e.Attach(ctx, params)
		require.NoError(t, err)

		store.AssertNotCalled(t, "GetActiveInGroup", mock.Anything, mock.Anything, mock.Anything)
		store.AssertNotCalled(t, "GetScheduledInGroup", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestConcurrentAttachesSerialize(t *testing.T) {
	t.Parallel()

	store := &mockStore{}
	gw := &mockGateway{}
	e := newTestEngine(t, store, gw)

	params := baseParams(arrearsPrice(uuid.Nil, uuid.New(), 2))
	noCurrentProducts(store, params.Customer.ID, params.Product.Group)

	var mu sync.Mutex
	var inFlight, maxInFlight int
	track := func(delta int) {
		mu.Lock()
		inFlight += delta
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
	}

	store.On("InsertCustomerProduct", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			track(1)
			time.Sleep(5 * time.Millisecond)
			track(-1)
		}).
		Return(nil)

	done := make(chan struct{})
	for range 8 {
		go func() {
			defer func() { done <- struct{}{} }()
			_, err := e.Attach(context.Background(), params)
			assert.NoError(t, err)
		}()
	}
	for range 8 {
		<-done
	}

	assert.Equal(t, 1, maxInFlight, "attaches for one customer group must not overlap")
}
