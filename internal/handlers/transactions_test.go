package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/kelaskita/api/internal/domain"
	"github.com/kelaskita/api/internal/platform/auth"
	"github.com/kelaskita/api/internal/repositories"
	"github.com/kelaskita/api/internal/services"
)

type stubReconciliationService struct {
	reconcileFn     func(context.Context, []domain.Order) []services.OrderResult
	reconcileUserFn func(context.Context, string, repositories.OrderListFilter) ([]services.OrderResult, int, error)
	checkFn         func(context.Context, string, string) (services.OrderResult, error)
	clearFn         func(context.Context, string) (int, error)
}

func (s *stubReconciliationService) Reconcile(ctx context.Context, orders []domain.Order) []services.OrderResult {
	if s.reconcileFn != nil {
		return s.reconcileFn(ctx, orders)
	}
	return nil
}

func (s *stubReconciliationService) ReconcileUser(ctx context.Context, userID string, filter repositories.OrderListFilter) ([]services.OrderResult, int, error) {
	if s.reconcileUserFn != nil {
		return s.reconcileUserFn(ctx, userID, filter)
	}
	return nil, 0, nil
}

func (s *stubReconciliationService) CheckOrder(ctx context.Context, userID, externalRef string) (services.OrderResult, error) {
	if s.checkFn != nil {
		return s.checkFn(ctx, userID, externalRef)
	}
	return services.OrderResult{}, services.ErrOrderNotFound
}

func (s *stubReconciliationService) ClearCartsForUser(ctx context.Context, userID string) (int, error) {
	if s.clearFn != nil {
		return s.clearFn(ctx, userID)
	}
	return 0, nil
}

type stubCheckoutService struct {
	createFn  func(context.Context, services.CreateCheckoutCommand) (services.CheckoutSession, error)
	discardFn func(context.Context, string) (int, error)
	cancelFn  func(context.Context, string, string) (domain.Order, error)
}

func (s *stubCheckoutService) CreateCheckout(ctx context.Context, cmd services.CreateCheckoutCommand) (services.CheckoutSession, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.CheckoutSession{}, services.ErrCheckoutUnavailable
}

func (s *stubCheckoutService) DiscardStaleCheckouts(ctx context.Context, userID string) (int, error) {
	if s.discardFn != nil {
		return s.discardFn(ctx, userID)
	}
	return 0, nil
}

func (s *stubCheckoutService) CancelOrder(ctx context.Context, userID, externalRef string) (domain.Order, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, userID, externalRef)
	}
	return domain.Order{}, services.ErrOrderNotFound
}

func testOrder(userID string) domain.Order {
	created := time.Date(2024, time.June, 1, 9, 0, 0, 0, time.UTC)
	return domain.Order{
		ID:            "order-1",
		UserID:        userID,
		ExternalRef:   "KLS-01HZX",
		TotalPrice:    300000,
		Email:         "user@example.com",
		Status:        domain.OrderStatusPaid,
		PaymentStatus: "settlement",
		Items: []domain.LineItem{
			{CourseID: "course-1", Name: "Course One", Price: 150000, Quantity: 1},
			{CourseID: "course-2", Name: "Course Two", Price: 150000, Quantity: 1},
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func withIdentity(req *http.Request, uid string) *http.Request {
	identity := &auth.Identity{UID: uid, Email: uid + "@example.com"}
	return req.WithContext(auth.WithIdentity(req.Context(), identity))
}

func newTransactionRouter(h *TransactionHandlers) chi.Router {
	r := chi.NewRouter()
	r.Route("/transactions", h.Routes)
	return r
}

func TestListTransactionsReconcilesAndReturnsPage(t *testing.T) {
	var gotFilter repositories.OrderListFilter
	reconcile := &stubReconciliationService{
		reconcileUserFn: func(_ context.Context, userID string, filter repositories.OrderListFilter) ([]services.OrderResult, int, error) {
			if userID != "user-1" {
				t.Fatalf("unexpected user %q", userID)
			}
			gotFilter = filter
			order := testOrder(userID)
			return []services.OrderResult{{Order: order, Status: order.Status}}, 7, nil
		},
	}

	handlers := NewTransactionHandlers(nil, reconcile, &stubCheckoutService{})
	router := newTransactionRouter(handlers)

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/transactions?limit=5&offset=2&search=kls", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotFilter.Limit != 5 || gotFilter.Offset != 2 || gotFilter.Search != "kls" {
		t.Fatalf("unexpected filter %+v", gotFilter)
	}

	var body struct {
		Status string               `json:"status"`
		Data   []transactionPayload `json:"data"`
		Total  int                  `json:"total"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Status != "success" {
		t.Fatalf("expected success envelope, got %s", body.Status)
	}
	if body.Total != 7 {
		t.Fatalf("expected total 7, got %d", body.Total)
	}
	if len(body.Data) != 1 || body.Data[0].ExternalRef != "KLS-01HZX" {
		t.Fatalf("unexpected data %+v", body.Data)
	}
	if body.Data[0].Status != "paid" {
		t.Fatalf("expected paid status, got %s", body.Data[0].Status)
	}
}

func TestListTransactionsRejectsBadPaging(t *testing.T) {
	handlers := NewTransactionHandlers(nil, &stubReconciliationService{}, &stubCheckoutService{})
	router := newTransactionRouter(handlers)

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/transactions?limit=abc", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body["status"] != "error" {
		t.Fatalf("expected error envelope, got %v", body["status"])
	}
}

func TestListTransactionsRequiresIdentity(t *testing.T) {
	handlers := NewTransactionHandlers(nil, &stubReconciliationService{}, &stubCheckoutService{})
	router := newTransactionRouter(handlers)

	req := httptest.NewRequest(http.MethodGet, "/transactions", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestCheckTransactionHidesForeignOrders(t *testing.T) {
	gotUser := ""
	reconcile := &stubReconciliationService{
		checkFn: func(_ context.Context, userID, externalRef string) (services.OrderResult, error) {
			gotUser = userID
			owner := testOrder("someone-else")
			if owner.ExternalRef == externalRef && owner.UserID != userID {
				return services.OrderResult{}, services.ErrOrderNotFound
			}
			return services.OrderResult{Order: owner, Status: owner.Status}, nil
		},
	}

	handlers := NewTransactionHandlers(nil, reconcile, &stubCheckoutService{})
	router := newTransactionRouter(handlers)

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/transactions/KLS-01HZX", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
	if gotUser != "user-1" {
		t.Fatalf("expected the caller's identity to reach the service, got %q", gotUser)
	}
}

func TestCheckTransactionReturnsReconciledOrder(t *testing.T) {
	reconcile := &stubReconciliationService{
		checkFn: func(context.Context, string, string) (services.OrderResult, error) {
			order := testOrder("user-1")
			return services.OrderResult{Order: order, Status: order.Status}, nil
		},
	}

	handlers := NewTransactionHandlers(nil, reconcile, &stubCheckoutService{})
	router := newTransactionRouter(handlers)

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/transactions/KLS-01HZX", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var body struct {
		Data transactionPayload `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Data.PaymentStatus != "settlement" {
		t.Fatalf("expected raw status settlement, got %s", body.Data.PaymentStatus)
	}
}

func TestCreateCheckoutReturnsToken(t *testing.T) {
	checkout := &stubCheckoutService{
		createFn: func(_ context.Context, cmd services.CreateCheckoutCommand) (services.CheckoutSession, error) {
			if cmd.UserID != "user-1" {
				t.Fatalf("unexpected user %q", cmd.UserID)
			}
			if cmd.Email != "buyer@example.com" {
				t.Fatalf("unexpected email %q", cmd.Email)
			}
			order := testOrder(cmd.UserID)
			order.Status = domain.OrderStatusInit
			order.PaymentStatus = "init"
			return services.CheckoutSession{Order: order, Token: "snap-token", RedirectURL: "https://pay.example"}, nil
		},
	}

	handlers := NewTransactionHandlers(nil, &stubReconciliationService{}, checkout)
	router := newTransactionRouter(handlers)

	req := withIdentity(httptest.NewRequest(http.MethodPost, "/transactions", strings.NewReader(`{"email":"buyer@example.com"}`)), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var body struct {
		Data struct {
			Token       string             `json:"token"`
			RedirectURL string             `json:"redirectUrl"`
			Order       transactionPayload `json:"order"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Data.Token != "snap-token" {
		t.Fatalf("expected snap token, got %q", body.Data.Token)
	}
	if body.Data.Order.Status != "init" {
		t.Fatalf("expected init order, got %s", body.Data.Order.Status)
	}
}

func TestCreateCheckoutEmptyCart(t *testing.T) {
	checkout := &stubCheckoutService{
		createFn: func(context.Context, services.CreateCheckoutCommand) (services.CheckoutSession, error) {
			return services.CheckoutSession{}, services.ErrCheckoutCartEmpty
		},
	}

	handlers := NewTransactionHandlers(nil, &stubReconciliationService{}, checkout)
	router := newTransactionRouter(handlers)

	req := withIdentity(httptest.NewRequest(http.MethodPost, "/transactions", strings.NewReader(`{}`)), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestDiscardStaleCheckouts(t *testing.T) {
	checkout := &stubCheckoutService{
		discardFn: func(_ context.Context, userID string) (int, error) {
			if userID != "user-1" {
				t.Fatalf("unexpected user %q", userID)
			}
			return 2, nil
		},
	}

	handlers := NewTransactionHandlers(nil, &stubReconciliationService{}, checkout)
	router := newTransactionRouter(handlers)

	req := withIdentity(httptest.NewRequest(http.MethodDelete, "/transactions", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var body struct {
		Data struct {
			Removed int `json:"removed"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Data.Removed != 2 {
		t.Fatalf("expected 2 removed, got %d", body.Data.Removed)
	}
}

func TestCancelTransaction(t *testing.T) {
	checkout := &stubCheckoutService{
		cancelFn: func(_ context.Context, userID, externalRef string) (domain.Order, error) {
			if userID != "user-1" {
				t.Errorf("unexpected user %q", userID)
			}
			order := testOrder("user-1")
			order.ExternalRef = externalRef
			order.Status = domain.OrderStatusCancelled
			order.PaymentStatus = "cancel"
			return order, nil
		},
	}

	handlers := NewTransactionHandlers(nil, &stubReconciliationService{}, checkout)
	router := newTransactionRouter(handlers)

	req := withIdentity(httptest.NewRequest(http.MethodPost, "/transactions/KLS-01HZX/cancel", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var body struct {
		Data transactionPayload `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Data.Status != "cancelled" {
		t.Fatalf("expected cancelled, got %s", body.Data.Status)
	}
}

func TestCancelTransactionHidesForeignOrders(t *testing.T) {
	gotUser := ""
	checkout := &stubCheckoutService{
		cancelFn: func(_ context.Context, userID, externalRef string) (domain.Order, error) {
			gotUser = userID
			owner := testOrder("someone-else")
			if owner.ExternalRef == externalRef && owner.UserID != userID {
				return domain.Order{}, services.ErrOrderNotFound
			}
			return owner, nil
		},
	}

	handlers := NewTransactionHandlers(nil, &stubReconciliationService{}, checkout)
	router := newTransactionRouter(handlers)

	req := withIdentity(httptest.NewRequest(http.MethodPost, "/transactions/KLS-01HZX/cancel", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
	if gotUser != "user-1" {
		t.Fatalf("expected the caller's identity to reach the service, got %q", gotUser)
	}
}

func TestCreateCheckoutGatewayRejection(t *testing.T) {
	checkout := &stubCheckoutService{
		createFn: func(context.Context, services.CreateCheckoutCommand) (services.CheckoutSession, error) {
			return services.CheckoutSession{}, fmt.Errorf("%w: %s", services.ErrCheckoutGateway, "gross_amount is invalid")
		},
	}

	handlers := NewTransactionHandlers(nil, &stubReconciliationService{}, checkout)
	router := newTransactionRouter(handlers)

	req := withIdentity(httptest.NewRequest(http.MethodPost, "/transactions", strings.NewReader(`{}`)), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rr.Code)
	}

	var body struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Status != "failed" {
		t.Fatalf("expected failed envelope, got %s", body.Status)
	}
	if !strings.Contains(body.Message, "gross_amount is invalid") {
		t.Fatalf("expected the provider message to be carried, got %q", body.Message)
	}
}

func TestCancelTransactionUnknownReference(t *testing.T) {
	handlers := NewTransactionHandlers(nil, &stubReconciliationService{}, &stubCheckoutService{})
	router := newTransactionRouter(handlers)

	req := withIdentity(httptest.NewRequest(http.MethodPost, "/transactions/KLS-missing/cancel", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body["status"] != "error" {
		t.Fatalf("expected error envelope, got %v", body["status"])
	}
}
