package billing

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) GetCustomerProduct(ctx context.Context, id uuid.UUID) (*CustomerProduct, error) {
	args := m.Called(ctx, id)
	if cp, ok := args.Get(0).(*CustomerProduct); ok {
		return cp, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStore) GetActiveInGroup(ctx context.Context, customerID uuid.UUID, group string) (*CustomerProduct, error) {
	args := m.Called(ctx, customerID, group)
	if cp, ok := args.Get(0).(*CustomerProduct); ok {
		return cp, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStore) GetScheduledInGroup(ctx context.Context, customerID uuid.UUID, group string) (*CustomerProduct, error) {
	args := m.Called(ctx, customerID, group)
	if cp, ok := args.Get(0).(*CustomerProduct); ok {
		return cp, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStore) GetActiveBySubscriptionID(ctx context.Context, subscriptionID string) ([]CustomerProduct, error) {
	args := m.Called(ctx, subscriptionID)
	if cps, ok := args.Get(0).([]CustomerProduct); ok {
		return cps, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStore) GetCustomerEntitlements(ctx context.Context, customerProductID uuid.UUID) ([]CustomerEntitlement, error) {
	args := m.Called(ctx, customerProductID)
	if ents, ok := args.Get(0).([]CustomerEntitlement); ok {
		return ents, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStore) InsertCustomerProduct(ctx context.Context, cp *CustomerProduct, entitlements []CustomerEntitlement) error {
	return m.Called(ctx, cp, entitlements).Error(0)
}

func (m *mockStore) UpdateCustomerProduct(ctx context.Context, id uuid.UUID, update CustomerProductUpdate) error {
	return m.Called(ctx, id, update).Error(0)
}

func (m *mockStore) DeleteCustomerProduct(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockStore) GetInvoiceByExternalID(ctx context.Context, externalID string) (*Invoice, error) {
	args := m.Called(ctx, externalID)
	if inv, ok := args.Get(0).(*Invoice); ok {
		return inv, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStore) InsertInvoice(ctx context.Context, inv *Invoice) error {
	return m.Called(ctx, inv).Error(0)
}

func (m *mockStore) AdjustEntitlementBalance(ctx context.Context, entitlementID uuid.UUID, delta int64) error {
	return m.Called(ctx, entitlementID, delta).Error(0)
}

func (m *mockStore) ZeroEntitlementBalance(ctx context.Context, entitlementID uuid.UUID) error {
	return m.Called(ctx, entitlementID).Error(0)
}

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*ProcessorSubscription, error) {
	args := m.Called(ctx, req)
	if sub, ok := args.Get(0).(*ProcessorSubscription); ok {
		return sub, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGateway) GetSubscription(ctx context.Context, subscriptionID string) (*ProcessorSubscription, error) {
	args := m.Called(ctx, subscriptionID)
	if sub, ok := args.Get(0).(*ProcessorSubscription); ok {
		return sub, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGateway) UpdateSubscriptionItems(ctx context.Context, req UpdateSubscriptionRequest) (*ProcessorSubscription, error) {
	args := m.Called(ctx, req)
	if sub, ok := args.Get(0).(*ProcessorSubscription); ok {
		return sub, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGateway) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) error {
	return m.Called(ctx, subscriptionID, atPeriodEnd).Error(0)
}

func (m *mockGateway) UncancelSubscription(ctx context.Context, subscriptionID string) error {
	return m.Called(ctx, subscriptionID).Error(0)
}

func (m *mockGateway) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*ProcessorInvoice, error) {
	args := m.Called(ctx, req)
	if inv, ok := args.Get(0).(*ProcessorInvoice); ok {
		return inv, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGateway) CreateInvoiceItem(ctx context.Context, req InvoiceItemRequest) error {
	return m.Called(ctx, req).Error(0)
}

func (m *mockGateway) FinalizeInvoice(ctx context.Context, invoiceID string) (*ProcessorInvoice, error) {
	args := m.Called(ctx, invoiceID)
	if inv, ok := args.Get(0).(*ProcessorInvoice); ok {
		return inv, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGateway) PayInvoice(ctx context.Context, invoiceID string) (*ProcessorInvoice, error) {
	args := m.Called(ctx, invoiceID)
	if inv, ok := args.Get(0).(*ProcessorInvoice); ok {
		return inv, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGateway) VoidInvoice(ctx context.Context, invoiceID string) error {
	return m.Called(ctx, invoiceID).Error(0)
}

func (m *mockGateway) GetInvoice(ctx context.Context, invoiceID string) (*ProcessorInvoice, error) {
	args := m.Called(ctx, invoiceID)
	if inv, ok := args.Get(0).(*ProcessorInvoice); ok {
		return inv, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGateway) CreateMeterEvent(ctx context.Context, req MeterEventRequest) error {
	return m.Called(ctx, req).Error(0)
}

func (m *mockGateway) CreateBillingPortal(ctx context.Context, customerProcessorID, returnURL string) (string, error) {
	args := m.Called(ctx, customerProcessorID, returnURL)
	return args.String(0), args.Error(1)
}

type mockCheckout struct {
	mock.Mock
}

func (m *mockCheckout) CreateCheckout(ctx context.Context, params AttachParams) (string, error) {
	args := m.Called(ctx, params)
	return args.String(0), args.Error(1)
}

type mockDeduper struct {
	mock.Mock
}

func (m *mockDeduper) Seen(ctx context.Context, eventID string) (bool, error) {
	args := m.Called(ctx, eventID)
	return args.Bool(0), args.Error(1)
}

func (m *mockDeduper) Mark(ctx context.Context, eventID string) error {
	args := m.Called(ctx, eventID)
	return args.Error(0)
}
