package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/kelaskita/api/internal/services"
)

func TestCleanupCartRemovesCoveredRows(t *testing.T) {
	reconcile := &stubReconciliationService{
		clearFn: func(_ context.Context, userID string) (int, error) {
			if userID != "user-1" {
				t.Fatalf("unexpected user %q", userID)
			}
			return 3, nil
		},
	}

	handlers := NewCartHandlers(nil, reconcile)
	router := chi.NewRouter()
	router.Route("/carts", handlers.Routes)

	req := withIdentity(httptest.NewRequest(http.MethodDelete, "/carts/checkout", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var body struct {
		Status string `json:"status"`
		Data   struct {
			Removed int `json:"removed"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Status != "success" {
		t.Fatalf("expected success envelope, got %s", body.Status)
	}
	if body.Data.Removed != 3 {
		t.Fatalf("expected 3 removed, got %d", body.Data.Removed)
	}
}

func TestCleanupCartRequiresIdentity(t *testing.T) {
	handlers := NewCartHandlers(nil, &stubReconciliationService{})
	router := chi.NewRouter()
	router.Route("/carts", handlers.Routes)

	req := httptest.NewRequest(http.MethodDelete, "/carts/checkout", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestCleanupCartStoreFailure(t *testing.T) {
	reconcile := &stubReconciliationService{
		clearFn: func(context.Context, string) (int, error) {
			return 0, services.ErrReconcileUnavailable
		},
	}

	handlers := NewCartHandlers(nil, reconcile)
	router := chi.NewRouter()
	router.Route("/carts", handlers.Routes)

	req := withIdentity(httptest.NewRequest(http.MethodDelete, "/carts/checkout", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rr.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body["status"] != "failed" {
		t.Fatalf("expected failed envelope, got %v", body["status"])
	}
}
