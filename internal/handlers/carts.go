package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kelaskita/api/internal/platform/auth"
	"github.com/kelaskita/api/internal/platform/httpx"
	"github.com/kelaskita/api/internal/services"
)

// CartHandlers exposes the cart cleanup endpoint. Cart contents themselves are
// managed by the storefront; this service only removes rows already covered by
// a committed order.
type CartHandlers struct {
	authn     *auth.Authenticator
	reconcile services.ReconciliationService
}

// NewCartHandlers constructs a new CartHandlers instance.
func NewCartHandlers(authn *auth.Authenticator, reconcile services.ReconciliationService) *CartHandlers {
	return &CartHandlers{
		authn:     authn,
		reconcile: reconcile,
	}
}

// Routes registers the /carts endpoints.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Delete("/checkout", h.cleanupCart)
}

// cleanupCart re-derives the caller's order statuses and removes cart rows
// belonging to orders the caller has already committed to.
func (h *CartHandlers) cleanupCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconcile == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart service unavailable", http.StatusInternalServerError))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("authentication required", http.StatusUnauthorized))
		return
	}

	removed, err := h.reconcile.ClearCartsForUser(ctx, strings.TrimSpace(identity.UID))
	if err != nil {
		writeTransactionError(ctx, w, err)
		return
	}

	httpx.WriteSuccess(w, http.StatusOK, "cart cleaned up", map[string]any{"removed": removed}, nil)
}
