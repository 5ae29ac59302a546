package billing

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for development and tests. It mirrors
// the semantics of the SQL-backed store, including ErrNotFound on misses and
// ErrDuplicateInvoice on external-id collisions. Every read and write works
// on deep copies so callers cannot mutate internal state.
type MemoryStore struct {
	mu           sync.RWMutex
	products     map[uuid.UUID]*CustomerProduct
	entitlements map[uuid.UUID][]CustomerEntitlement
	invoices     map[string]*Invoice
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products:     make(map[uuid.UUID]*CustomerProduct),
		entitlements: make(map[uuid.UUID][]CustomerEntitlement),
		invoices:     make(map[string]*Invoice),
	}
}

func cloneCustomerProduct(cp *CustomerProduct) *CustomerProduct {
	out := *cp
	out.SubscriptionIDs = slices.Clone(cp.SubscriptionIDs)
	if cp.TrialEndsAt != nil {
		t := *cp.TrialEndsAt
		out.TrialEndsAt = &t
	}
	if cp.EndedAt != nil {
		t := *cp.EndedAt
		out.EndedAt = &t
	}
	return &out
}

func cloneInvoice(inv *Invoice) *Invoice {
	out := *inv
	out.ProductIDs = slices.Clone(inv.ProductIDs)
	return &out
}

func (s *MemoryStore) GetCustomerProduct(ctx context.Context, id uuid.UUID) (*CustomerProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCustomerProduct(cp), nil
}

func (s *MemoryStore) GetActiveInGroup(ctx context.Context, customerID uuid.UUID, group string) (*CustomerProduct, error) {
	return s.findInGroup(customerID, group, func(status CustomerProductStatus) bool {
		return status == StatusActive || status == StatusPastDue
	})
}

func (s *MemoryStore) GetScheduledInGroup(ctx context.Context, customerID uuid.UUID, group string) (*CustomerProduct, error) {
	return s.findInGroup(customerID, group, func(status CustomerProductStatus) bool {
		return status == StatusScheduled
	})
}

func (s *MemoryStore) findInGroup(customerID uuid.UUID, group string, match func(CustomerProductStatus) bool) (*CustomerProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *CustomerProduct
	for _, cp := range s.products {
		if cp.CustomerID != customerID || cp.ProductGroup != group || cp.IsAddOn || !match(cp.Status) {
			continue
		}
		if found == nil || cp.StartedAt.After(found.StartedAt) {
			found = cp
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return cloneCustomerProduct(found), nil
}

func (s *MemoryStore) GetActiveBySubscriptionID(ctx context.Context, subscriptionID string) ([]CustomerProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []CustomerProduct
	for _, cp := range s.products {
		if cp.Status != StatusActive && cp.Status != StatusPastDue {
			continue
		}
		if slices.Contains(cp.SubscriptionIDs, subscriptionID) {
			out = append(out, *cloneCustomerProduct(cp))
		}
	}
	return out, nil
}

func (s *MemoryStore) GetCustomerEntitlements(ctx context.Context, customerProductID uuid.UUID) ([]CustomerEntitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.entitlements[customerProductID]), nil
}

func (s *MemoryStore) InsertCustomerProduct(ctx context.Context, cp *CustomerProduct, entitlements []CustomerEntitlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.products[cp.ID] = cloneCustomerProduct(cp)
	s.entitlements[cp.ID] = slices.Clone(entitlements)
	return nil
}

func (s *MemoryStore) UpdateCustomerProduct(ctx context.Context, id uuid.UUID, update CustomerProductUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.products[id]
	if !ok {
		return ErrNotFound
	}
	if update.Status != nil {
		cp.Status = *update.Status
	}
	if update.SubscriptionIDs != nil {
		cp.SubscriptionIDs = slices.Clone(*update.SubscriptionIDs)
	}
	if update.CancelAtPeriodEnd != nil {
		cp.CancelAtPeriodEnd = *update.CancelAtPeriodEnd
	}
	if update.EndedAt != nil {
		t := *update.EndedAt
		cp.EndedAt = &t
	}
	if update.StartedAt != nil {
		cp.StartedAt = *update.StartedAt
	}
	return nil
}

func (s *MemoryStore) DeleteCustomerProduct(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[id]; !ok {
		return ErrNotFound
	}
	delete(s.products, id)
	delete(s.entitlements, id)
	return nil
}

func (s *MemoryStore) GetInvoiceByExternalID(ctx context.Context, externalID string) (*Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[externalID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneInvoice(inv), nil
}

func (s *MemoryStore) InsertInvoice(ctx context.Context, inv *Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.invoices[inv.ExternalID]; ok {
		return ErrDuplicateInvoice
	}
	s.invoices[inv.ExternalID] = cloneInvoice(inv)
	return nil
}

func (s *MemoryStore) AdjustEntitlementBalance(ctx context.Context, entitlementID uuid.UUID, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for cpID, ents := range s.entitlements {
		for i := range ents {
			if ents[i].ID == entitlementID {
				s.entitlements[cpID][i].Balance += delta
				return nil
			}
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) ZeroEntitlementBalance(ctx context.Context, entitlementID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for cpID, ents := range s.entitlements {
		for i := range ents {
			if ents[i].ID == entitlementID {
				s.entitlements[cpID][i].Balance = 0
				return nil
			}
		}
	}
	return ErrNotFound
}
