package billingapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/billingkit/billingkit/pkg/billing"
	"github.com/billingkit/billingkit/pkg/stripegw"
)

// maxWebhookBody bounds the webhook payload size; processor events are a
// few kilobytes.
const maxWebhookBody = 1 << 16

// Router builds the HTTP surface.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/attach", s.handleAttach)
		r.Post("/usage", s.handleUsage)
		r.Post("/portal", s.handlePortal)
		r.Get("/customer-products/{id}", s.handleGetCustomerProduct)
		r.Post("/customer-products/{id}/status", s.handleStatusChange)
	})
	r.Post("/webhooks/processor", s.handleWebhook)
	return r
}

type attachRequest struct {
	CustomerID uuid.UUID       `json:"customer_id"`
	Product    string          `json:"product"`
	Options    []optionRequest `json:"options,omitempty"`
	TrialDays  int             `json:"trial_days,omitempty"`
	Upgrade    bool            `json:"upgrade,omitempty"`
}

type optionRequest struct {
	Feature  string `json:"feature"`
	Quantity int64  `json:"quantity"`
}

type customerProductResponse struct {
	ID                uuid.UUID                     `json:"id"`
	CustomerID        uuid.UUID                     `json:"customer_id"`
	ProductID         uuid.UUID                     `json:"product_id"`
	ProductGroup      string                        `json:"product_group"`
	IsAddOn           bool                          `json:"is_add_on"`
	Status            billing.CustomerProductStatus `json:"status"`
	SubscriptionIDs   []string                      `json:"subscription_ids,omitempty"`
	TrialEndsAt       *time.Time                    `json:"trial_ends_at,omitempty"`
	CancelAtPeriodEnd bool                          `json:"cancel_at_period_end"`
	StartedAt         time.Time                     `json:"started_at"`
	EndedAt           *time.Time                    `json:"ended_at,omitempty"`
}

func toCustomerProductResponse(cp *billing.CustomerProduct) *customerProductResponse {
	return &customerProductResponse{
		ID:                cp.ID,
		CustomerID:        cp.CustomerID,
		ProductID:         cp.ProductID,
		ProductGroup:      cp.ProductGroup,
		IsAddOn:           cp.IsAddOn,
		Status:            cp.Status,
		SubscriptionIDs:   cp.SubscriptionIDs,
		TrialEndsAt:       cp.TrialEndsAt,
		CancelAtPeriodEnd: cp.CancelAtPeriodEnd,
		StartedAt:         cp.StartedAt,
		EndedAt:           cp.EndedAt,
	}
}

type invoiceResponse struct {
	ID        uuid.UUID             `json:"id"`
	Status    billing.InvoiceStatus `json:"status"`
	Amount    int64                 `json:"amount"`
	Currency  string                `json:"currency"`
	HostedURL string                `json:"hosted_url,omitempty"`
}

type attachResponse struct {
	CustomerProduct *customerProductResponse      `json:"customer_product,omitempty"`
	Entitlements    []billing.CustomerEntitlement `json:"entitlements,omitempty"`
	Invoice         *invoiceResponse              `json:"invoice,omitempty"`
	CheckoutURL     string                        `json:"checkout_url,omitempty"`
}

func (s *Service) handleAttach(w http.ResponseWriter, r *http.Request) {
	var req attachRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, errors.New("malformed request body"))
		return
	}
	if req.CustomerID == uuid.Nil || req.Product == "" {
		s.writeError(w, r, http.StatusBadRequest, errors.New("customer_id and product are required"))
		return
	}

	params, err := s.attachParams(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	result, err := s.engine.Attach(r.Context(), params)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	resp := attachResponse{CheckoutURL: result.CheckoutURL}
	status := http.StatusCreated
	if result.CustomerProduct != nil {
		resp.CustomerProduct = toCustomerProductResponse(result.CustomerProduct)
		ents, err := s.store.GetCustomerEntitlements(r.Context(), result.CustomerProduct.ID)
		if err == nil {
			resp.Entitlements = ents
		}
	}
	if result.Invoice != nil {
		resp.Invoice = &invoiceResponse{
			ID:        result.Invoice.ID,
			Status:    result.Invoice.Status,
			Amount:    result.Invoice.Total.Amount,
			Currency:  result.Invoice.Total.Currency,
			HostedURL: result.Invoice.HostedURL,
		}
	}
	if result.CheckoutURL != "" {
		// Payment declined: nothing was created, the caller redirects to
		// hosted checkout.
		status = http.StatusPaymentRequired
	}
	s.writeJSON(w, r, status, resp)
}

type usageRequest struct {
	CustomerID        uuid.UUID `json:"customer_id"`
	CustomerProductID uuid.UUID `json:"customer_product_id"`
	Feature           string    `json:"feature"`
	Quantity          int64     `json:"quantity"`
	IdempotencyKey    string    `json:"idempotency_key,omitempty"`
}

func (s *Service) handleUsage(w http.ResponseWriter, r *http.Request) {
	var req usageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, errors.New("malformed request body"))
		return
	}
	if req.CustomerID == uuid.Nil || req.CustomerProductID == uuid.Nil || req.Feature == "" {
		s.writeError(w, r, http.StatusBadRequest, errors.New("customer_id, customer_product_id and feature are required"))
		return
	}

	rec, err := s.usageRecord(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if err := s.engine.RecordUsage(r.Context(), rec); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type portalRequest struct {
	CustomerID uuid.UUID `json:"customer_id"`
	ReturnURL  string    `json:"return_url,omitempty"`
}

func (s *Service) handlePortal(w http.ResponseWriter, r *http.Request) {
	var req portalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, errors.New("malformed request body"))
		return
	}
	if req.CustomerID == uuid.Nil {
		s.writeError(w, r, http.StatusBadRequest, errors.New("customer_id is required"))
		return
	}

	url, err := s.portalURL(r.Context(), req.CustomerID, req.ReturnURL)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]string{"url": url})
}

func (s *Service) handleGetCustomerProduct(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, errors.New("invalid customer product id"))
		return
	}

	cp, err := s.store.GetCustomerProduct(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	ents, err := s.store.GetCustomerEntitlements(r.Context(), cp.ID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, attachResponse{
		CustomerProduct: toCustomerProductResponse(cp),
		Entitlements:    ents,
	})
}

type statusRequest struct {
	Status      billing.CustomerProductStatus `json:"status"`
	AtPeriodEnd bool                          `json:"at_period_end,omitempty"`
}

func (s *Service) handleStatusChange(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, errors.New("invalid customer product id"))
		return
	}
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, errors.New("malformed request body"))
		return
	}

	err = s.engine.ChangeStatus(r.Context(), billing.StatusChange{
		CustomerProductID: id,
		Status:            req.Status,
		AtPeriodEnd:       req.AtPeriodEnd,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWebhook verifies and dispatches processor events. Responses follow
// the reconciliation contract: bad signatures are rejected so the processor
// retries nothing it should not, while duplicates, unhandled event types and
// unknown-subscription events are acknowledged to stop redelivery.
func (s *Service) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, errors.New("unreadable payload"))
		return
	}

	ev, handled, err := s.parser.Parse(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, stripegw.ErrBadSignature) {
			s.writeError(w, r, http.StatusBadRequest, errors.New("signature verification failed"))
			return
		}
		s.writeError(w, r, http.StatusBadRequest, errors.New("malformed event"))
		return
	}
	if !handled {
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := s.engine.HandleEvent(r.Context(), ev); err != nil {
		if errors.Is(err, billing.ErrCustomerProductNotFound) {
			// Acknowledged so the processor stops retrying; the alert is in
			// the logs.
			s.log.ErrorContext(r.Context(), "webhook references unknown subscription",
				"event_id", ev.ID, "subscription_id", ev.SubscriptionID)
			w.WriteHeader(http.StatusOK)
			return
		}
		s.log.ErrorContext(r.Context(), "webhook processing failed", "event_id", ev.ID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Service) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.ErrorContext(r.Context(), "response encoding failed", "error", err)
	}
}

func (s *Service) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	s.writeJSON(w, r, status, map[string]string{"error": err.Error()})
}

// writeDomainError maps the typed billing failures onto HTTP statuses.
func (s *Service) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, billing.ErrNotFound):
		s.writeError(w, r, http.StatusNotFound, err)
	case errors.Is(err, billing.ErrCardDeclined):
		s.writeError(w, r, http.StatusPaymentRequired, err)
	case errors.Is(err, billing.ErrInsufficientBalance):
		s.writeError(w, r, http.StatusPaymentRequired, err)
	case errors.Is(err, billing.ErrScheduledProductExists):
		s.writeError(w, r, http.StatusConflict, err)
	case errors.Is(err, billing.ErrConfigurationMissing):
		s.writeError(w, r, http.StatusConflict, err)
	case errors.Is(err, billing.ErrMissingRequiredOption),
		errors.Is(err, billing.ErrPriceProductMismatch),
		errors.Is(err, billing.ErrCurrentProductRequired),
		errors.Is(err, billing.ErrInvalidStatusChange):
		s.writeError(w, r, http.StatusUnprocessableEntity, err)
	case errors.Is(err, billing.ErrProcessorUnavailable):
		s.writeError(w, r, http.StatusBadGateway, err)
	default:
		s.log.ErrorContext(r.Context(), "request failed", "error", err)
		s.writeError(w, r, http.StatusInternalServerError, errors.New("internal error"))
	}
}
