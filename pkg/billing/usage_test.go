package billing

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestRecordUsage(t *testing.T) {
	t.Parallel()

	featureID := uuid.New()
	cust := testCustomer(testOrg())

	activeProduct := func(customerID uuid.UUID) *CustomerProduct {
		return &CustomerProduct{
			ID:           uuid.New(),
			CustomerID:   customerID,
			ProductGroup: "main",
			Status:       StatusActive,
			StartedAt:    testNow,
		}
	}

	t.Run("debits the balance", func(t *testing.T) {
		t.Parallel()
		store := new(mockStore)
		gateway := new(mockGateway)
		engine := newTestEngine(t, store, gateway)

		cp := activeProduct(cust.ID)
		ent := CustomerEntitlement{ID: uuid.New(), CustomerProductID: cp.ID, FeatureID: featureID, Allowance: 100, Balance: 40}

		store.On("GetCustomerProduct", mock.Anything, cp.ID).Return(cp, nil)
		store.On("GetCustomerEntitlements", mock.Anything, cp.ID).Return([]CustomerEntitlement{ent}, nil)
		store.On("AdjustEntitlementBalance", mock.Anything, ent.ID, int64(-25)).Return(nil)

		err := engine.RecordUsage(context.Background(), UsageRecord{
			Customer:          cust,
			CustomerProductID: cp.ID,
			FeatureID:         featureID,
			Quantity:          25,
		})
		require.NoError(t, err)
		store.AssertExpectations(t)
		gateway.AssertNotCalled(t, "CreateMeterEvent", mock.Anything, mock.Anything)
	})

	t.Run("rejects overdraw on a capped feature", func(t *testing.T) {
		t.Parallel()
		store := new(mockStore)
		gateway := new(mockGateway)
		engine := newTestEngine(t, store, gateway)

		cp := activeProduct(cust.ID)
		ent := CustomerEntitlement{ID: uuid.New(), CustomerProductID: cp.ID, FeatureID: featureID, Allowance: 100, Balance: 10}

		store.On("GetCustomerProduct", mock.Anything, cp.ID).Return(cp, nil)
		store.On("GetCustomerEntitlements", mock.Anything, cp.ID).Return([]CustomerEntitlement{ent}, nil)

		err := engine.RecordUsage(context.Background(), UsageRecord{
			Customer:          cust,
			CustomerProductID: cp.ID,
			FeatureID:         featureID,
			Quantity:          25,
		})
		require.ErrorIs(t, err, ErrInsufficientBalance)
		store.AssertNotCalled(t, "AdjustEntitlementBalance", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("arrears feature goes negative and reports the meter", func(t *testing.T) {
		t.Parallel()
		store := new(mockStore)
		gateway := new(mockGateway)
		engine := newTestEngine(t, store, gateway)

		cp := activeProduct(cust.ID)
		ent := CustomerEntitlement{ID: uuid.New(), CustomerProductID: cp.ID, FeatureID: featureID, Allowance: 100, Balance: 10, UsageAllowed: true}

		store.On("GetCustomerProduct", mock.Anything, cp.ID).Return(cp, nil)
		store.On("GetCustomerEntitlements", mock.Anything, cp.ID).Return([]CustomerEntitlement{ent}, nil)
		store.On("AdjustEntitlementBalance", mock.Anything, ent.ID, int64(-25)).Return(nil)
		gateway.On("CreateMeterEvent", mock.Anything, MeterEventRequest{
			EventName:           "api_calls",
			CustomerProcessorID: cust.ProcessorID,
			Value:               25,
			Identifier:          "usage-1",
		}).Return(nil)

		err := engine.RecordUsage(context.Background(), UsageRecord{
			Customer:          cust,
			CustomerProductID: cp.ID,
			FeatureID:         featureID,
			Quantity:          25,
			MeterEventName:    "api_calls",
			IdempotencyKey:    "usage-1",
		})
		require.NoError(t, err)
		gateway.AssertExpectations(t)
	})

	t.Run("unlimited feature skips the balance entirely", func(t *testing.T) {
		t.Parallel()
		store := new(mockStore)
		gateway := new(mockGateway)
		engine := newTestEngine(t, store, gateway)

		cp := activeProduct(cust.ID)
		store.On("GetCustomerProduct", mock.Anything, cp.ID).Return(cp, nil)

		err := engine.RecordUsage(context.Background(), UsageRecord{
			Customer:          cust,
			CustomerProductID: cp.ID,
			FeatureID:         featureID,
			Quantity:          1000,
			Unlimited:         true,
		})
		require.NoError(t, err)
		store.AssertNotCalled(t, "GetCustomerEntitlements", mock.Anything, mock.Anything)
	})

	t.Run("rejects usage on an expired product", func(t *testing.T) {
		t.Parallel()
		store := new(mockStore)
		gateway := new(mockGateway)
		engine := newTestEngine(t, store, gateway)

		cp := activeProduct(cust.ID)
		cp.Status = StatusExpired
		store.On("GetCustomerProduct", mock.Anything, cp.ID).Return(cp, nil)

		err := engine.RecordUsage(context.Background(), UsageRecord{
			Customer:          cust,
			CustomerProductID: cp.ID,
			FeatureID:         featureID,
			Quantity:          1,
		})
		require.ErrorIs(t, err, ErrInvalidStatusChange)
	})

	t.Run("status change racing the lock is honored", func(t *testing.T) {
		t.Parallel()
		store := new(mockStore)
		gateway := new(mockGateway)
		engine := newTestEngine(t, store, gateway)

		// First read sees the product active; by the time the group lock is
		// held an upgrade has expired it. The re-read must win.
		active := activeProduct(cust.ID)
		expired := *active
		expired.Status = StatusExpired

		store.On("GetCustomerProduct", mock.Anything, active.ID).Return(active, nil).Once()
		store.On("GetCustomerProduct", mock.Anything, active.ID).Return(&expired, nil).Once()

		err := engine.RecordUsage(context.Background(), UsageRecord{
			Customer:          cust,
			CustomerProductID: active.ID,
			FeatureID:         featureID,
			Quantity:          10,
		})
		require.ErrorIs(t, err, ErrInvalidStatusChange)
		store.AssertNotCalled(t, "GetCustomerEntitlements", mock.Anything, mock.Anything)
	})

	t.Run("rejects non-positive quantity", func(t *testing.T) {
		t.Parallel()
		engine := newTestEngine(t, new(mockStore), new(mockGateway))

		err := engine.RecordUsage(context.Background(), UsageRecord{
			Customer:          cust,
			CustomerProductID: uuid.New(),
			FeatureID:         featureID,
		})
		require.ErrorIs(t, err, ErrMissingRequiredOption)
	})

	t.Run("meter failure surfaces after the debit", func(t *testing.T) {
		t.Parallel()
		store := new(mockStore)
		gateway := new(mockGateway)
		engine := newTestEngine(t, store, gateway)

		cp := activeProduct(cust.ID)
		ent := CustomerEntitlement{ID: uuid.New(), CustomerProductID: cp.ID, FeatureID: featureID, Allowance: 100, Balance: 50, UsageAllowed: true}

		store.On("GetCustomerProduct", mock.Anything, cp.ID).Return(cp, nil)
		store.On("GetCustomerEntitlements", mock.Anything, cp.ID).Return([]CustomerEntitlement{ent}, nil)
		store.On("AdjustEntitlementBalance", mock.Anything, ent.ID, int64(-5)).Return(nil)
		gateway.On("CreateMeterEvent", mock.Anything, mock.Anything).Return(ErrProcessorUnavailable)

		err := engine.RecordUsage(context.Background(), UsageRecord{
			Customer:          cust,
			CustomerProductID: cp.ID,
			FeatureID:         featureID,
			Quantity:          5,
			MeterEventName:    "api_calls",
		})
		require.ErrorIs(t, err, ErrProcessorUnavailable)
		store.AssertExpectations(t)
	})
}
