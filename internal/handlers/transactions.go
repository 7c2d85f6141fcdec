package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kelaskita/api/internal/platform/auth"
	"github.com/kelaskita/api/internal/platform/httpx"
	"github.com/kelaskita/api/internal/platform/pagination"
	"github.com/kelaskita/api/internal/repositories"
	"github.com/kelaskita/api/internal/services"
)

const (
	defaultTransactionPageSize = 20
	maxTransactionPageSize     = 100
	maxCheckoutBodySize        = 4 * 1024

	reconcileRateWindow = time.Minute
	reconcileRateLimit  = 30
)

type createCheckoutRequest struct {
	Email string `json:"email"`
}

type transactionPayload struct {
	ID            string            `json:"id"`
	ExternalRef   string            `json:"externalRef"`
	TotalPrice    int64             `json:"totalPrice"`
	Status        string            `json:"status"`
	PaymentStatus string            `json:"paymentStatus"`
	Token         string            `json:"token,omitempty"`
	Items         []lineItemPayload `json:"items"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	Error         string            `json:"error,omitempty"`
}

type lineItemPayload struct {
	CourseID string `json:"courseId"`
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	Quantity int64  `json:"quantity"`
	Image    string `json:"image,omitempty"`
}

// TransactionHandlers exposes the checkout and reconciliation endpoints for
// authenticated users.
type TransactionHandlers struct {
	authn     *auth.Authenticator
	reconcile services.ReconciliationService
	checkout  services.CheckoutService
	limiter   rateLimiter
}

// NewTransactionHandlers constructs a new TransactionHandlers instance.
func NewTransactionHandlers(authn *auth.Authenticator, reconcile services.ReconciliationService, checkout services.CheckoutService) *TransactionHandlers {
	return &TransactionHandlers{
		authn:     authn,
		reconcile: reconcile,
		checkout:  checkout,
		limiter:   newSimpleRateLimiter(reconcileRateLimit, reconcileRateWindow, nil),
	}
}

// Routes registers the /transactions endpoints.
func (h *TransactionHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/", h.listTransactions)
	r.Post("/", h.createCheckout)
	r.Delete("/", h.discardStaleCheckouts)
	r.Get("/{externalRef}", h.checkTransaction)
	r.Post("/{externalRef}/cancel", h.cancelTransaction)
}

// listTransactions reconciles and returns the caller's orders. Every listed
// order is re-checked against the gateway before it is returned.
func (h *TransactionHandlers) listTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconcile == nil {
		httpx.WriteError(ctx, w, httpx.NewError("transaction service unavailable", http.StatusInternalServerError))
		return
	}

	userID, ok := h.requireUser(ctx, w)
	if !ok {
		return
	}
	if !h.allow(userID) {
		httpx.WriteError(ctx, w, httpx.NewError("too many requests", http.StatusTooManyRequests))
		return
	}

	params, err := pagination.FromRequest(r, pagination.Options{
		DefaultLimit: defaultTransactionPageSize,
		MaxLimit:     maxTransactionPageSize,
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError(err.Error(), http.StatusBadRequest))
		return
	}

	filter := repositories.OrderListFilter{
		Search: params.Search,
		Limit:  params.Limit,
		Offset: params.Offset,
	}

	results, total, err := h.reconcile.ReconcileUser(ctx, userID, filter)
	if err != nil {
		writeTransactionError(ctx, w, err)
		return
	}

	items := make([]transactionPayload, 0, len(results))
	for _, res := range results {
		items = append(items, buildTransactionPayload(res))
	}

	httpx.WriteSuccess(w, http.StatusOK, "transactions reconciled", items, map[string]any{
		"total":  total,
		"limit":  params.Limit,
		"offset": params.Offset,
	})
}

// checkTransaction reconciles the single order behind the reference.
func (h *TransactionHandlers) checkTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconcile == nil {
		httpx.WriteError(ctx, w, httpx.NewError("transaction service unavailable", http.StatusInternalServerError))
		return
	}

	userID, ok := h.requireUser(ctx, w)
	if !ok {
		return
	}

	externalRef := strings.TrimSpace(chi.URLParam(r, "externalRef"))
	if externalRef == "" {
		httpx.WriteError(ctx, w, httpx.NewError("transaction reference is required", http.StatusBadRequest))
		return
	}

	result, err := h.reconcile.CheckOrder(ctx, userID, externalRef)
	if err != nil {
		writeTransactionError(ctx, w, err)
		return
	}

	httpx.WriteSuccess(w, http.StatusOK, "transaction reconciled", buildTransactionPayload(result), nil)
}

// createCheckout starts a checkout for the caller's current cart.
func (h *TransactionHandlers) createCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout service unavailable", http.StatusInternalServerError))
		return
	}

	userID, ok := h.requireUser(ctx, w)
	if !ok {
		return
	}

	var req createCheckoutRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCheckoutBodySize))
	if err := decoder.Decode(&req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("request body must be valid JSON", http.StatusBadRequest))
		return
	}

	email := strings.TrimSpace(req.Email)
	if email == "" {
		if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil {
			email = strings.TrimSpace(identity.Email)
		}
	}

	session, err := h.checkout.CreateCheckout(ctx, services.CreateCheckoutCommand{
		UserID: userID,
		Email:  email,
	})
	if err != nil {
		writeTransactionError(ctx, w, err)
		return
	}

	payload := map[string]any{
		"order":       buildTransactionPayload(services.OrderResult{Order: session.Order, Status: session.Order.Status}),
		"token":       session.Token,
		"redirectUrl": session.RedirectURL,
	}
	httpx.WriteSuccess(w, http.StatusCreated, "checkout created", payload, nil)
}

// discardStaleCheckouts deletes the caller's abandoned init orders.
func (h *TransactionHandlers) discardStaleCheckouts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout service unavailable", http.StatusInternalServerError))
		return
	}

	userID, ok := h.requireUser(ctx, w)
	if !ok {
		return
	}

	removed, err := h.checkout.DiscardStaleCheckouts(ctx, userID)
	if err != nil {
		writeTransactionError(ctx, w, err)
		return
	}

	httpx.WriteSuccess(w, http.StatusOK, "stale checkouts discarded", map[string]any{"removed": removed}, nil)
}

// cancelTransaction cancels the order at the gateway and records the outcome.
func (h *TransactionHandlers) cancelTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout service unavailable", http.StatusInternalServerError))
		return
	}

	userID, ok := h.requireUser(ctx, w)
	if !ok {
		return
	}

	externalRef := strings.TrimSpace(chi.URLParam(r, "externalRef"))
	if externalRef == "" {
		httpx.WriteError(ctx, w, httpx.NewError("transaction reference is required", http.StatusBadRequest))
		return
	}

	order, err := h.checkout.CancelOrder(ctx, userID, externalRef)
	if err != nil {
		writeTransactionError(ctx, w, err)
		return
	}

	httpx.WriteSuccess(w, http.StatusOK, "transaction cancelled", buildTransactionPayload(services.OrderResult{Order: order, Status: order.Status}), nil)
}

func (h *TransactionHandlers) requireUser(ctx context.Context, w http.ResponseWriter) (string, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("authentication required", http.StatusUnauthorized))
		return "", false
	}
	return strings.TrimSpace(identity.UID), true
}

func (h *TransactionHandlers) allow(userID string) bool {
	if h.limiter == nil {
		return true
	}
	return h.limiter.Allow(userID)
}

func buildTransactionPayload(res services.OrderResult) transactionPayload {
	order := res.Order
	items := make([]lineItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, lineItemPayload{
			CourseID: item.CourseID,
			Name:     item.Name,
			Price:    item.Price,
			Quantity: item.Quantity,
			Image:    item.Image,
		})
	}

	payload := transactionPayload{
		ID:            order.ID,
		ExternalRef:   order.ExternalRef,
		TotalPrice:    order.TotalPrice,
		Status:        string(res.Status),
		PaymentStatus: order.PaymentStatus,
		Token:         order.Token,
		Items:         items,
		CreatedAt:     order.CreatedAt,
		UpdatedAt:     order.UpdatedAt,
	}
	if res.Err != nil {
		payload.Error = res.Err.Error()
		payload.Status = string(order.Status)
	}
	return payload
}

func writeTransactionError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCheckoutInvalidInput),
		errors.Is(err, services.ErrReconcileInvalidInput),
		errors.Is(err, services.ErrCheckoutCartEmpty):
		httpx.WriteError(ctx, w, httpx.NewError(err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("transaction not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCheckoutGateway):
		// The provider's own error messages travel back to the client.
		httpx.WriteError(ctx, w, httpx.NewError(err.Error(), http.StatusInternalServerError))
	default:
		// Store and dependency failures surface as a generic 500.
		httpx.WriteError(ctx, w, httpx.NewError("internal server error", http.StatusInternalServerError))
	}
}
