package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domain "github.com/kelaskita/api/internal/domain"
	"github.com/kelaskita/api/internal/payments"
	"github.com/kelaskita/api/internal/repositories"
)

type stubOrderRepo struct {
	mu sync.Mutex

	insertFn  func(context.Context, domain.Order) error
	findFn    func(context.Context, string) (domain.Order, error)
	listFn    func(context.Context, string, repositories.OrderListFilter) ([]domain.Order, int, error)
	listAllFn func(context.Context, string) ([]domain.Order, error)
	updateFn  func(context.Context, string, repositories.StatusUpdate) error
	discardFn func(context.Context, string) (int, error)

	updates map[string]repositories.StatusUpdate
}

func (s *stubOrderRepo) Insert(ctx context.Context, order domain.Order) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, order)
	}
	return nil
}

func (s *stubOrderRepo) FindByExternalRef(ctx context.Context, externalRef string) (domain.Order, error) {
	if s.findFn != nil {
		return s.findFn(ctx, externalRef)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderRepo) ListByUser(ctx context.Context, userID string, filter repositories.OrderListFilter) ([]domain.Order, int, error) {
	if s.listFn != nil {
		return s.listFn(ctx, userID, filter)
	}
	return nil, 0, nil
}

func (s *stubOrderRepo) ListAllByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	if s.listAllFn != nil {
		return s.listAllFn(ctx, userID)
	}
	return nil, nil
}

func (s *stubOrderRepo) UpdateStatus(ctx context.Context, orderID string, update repositories.StatusUpdate) error {
	if s.updateFn != nil {
		return s.updateFn(ctx, orderID, update)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updates == nil {
		s.updates = make(map[string]repositories.StatusUpdate)
	}
	s.updates[orderID] = update
	return nil
}

func (s *stubOrderRepo) DeleteStaleCheckouts(ctx context.Context, userID string) (int, error) {
	if s.discardFn != nil {
		return s.discardFn(ctx, userID)
	}
	return 0, nil
}

func (s *stubOrderRepo) update(orderID string) (repositories.StatusUpdate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.updates[orderID]
	return u, ok
}

type stubCartRepo struct {
	mu sync.Mutex

	listFn   func(context.Context, string) ([]domain.CartItem, error)
	deleteFn func(context.Context, string, string) (int, error)

	deleted [][2]string
}

func (s *stubCartRepo) ListByUser(ctx context.Context, userID string) ([]domain.CartItem, error) {
	if s.listFn != nil {
		return s.listFn(ctx, userID)
	}
	return nil, nil
}

func (s *stubCartRepo) DeleteByUserCourse(ctx context.Context, userID, courseID string) (int, error) {
	if s.deleteFn != nil {
		return s.deleteFn(ctx, userID, courseID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, [2]string{userID, courseID})
	return 1, nil
}

func (s *stubCartRepo) deletions() [][2]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][2]string, len(s.deleted))
	copy(out, s.deleted)
	return out
}

type stubEntitlementRepo struct {
	mu sync.Mutex

	ensureFn func(context.Context, domain.Entitlement) (domain.Entitlement, bool, error)

	granted map[string]int
}

func (s *stubEntitlementRepo) Ensure(ctx context.Context, entitlement domain.Entitlement) (domain.Entitlement, bool, error) {
	if s.ensureFn != nil {
		return s.ensureFn(ctx, entitlement)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.granted == nil {
		s.granted = make(map[string]int)
	}
	key := entitlement.UserID + "_" + entitlement.CourseID
	s.granted[key]++
	created := s.granted[key] == 1
	entitlement.ID = key
	return entitlement, created, nil
}

func (s *stubEntitlementRepo) ListByUser(context.Context, string) ([]domain.Entitlement, error) {
	return nil, errors.New("not implemented")
}

func (s *stubEntitlementRepo) grants(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.granted[key]
}

type stubGateway struct {
	mu sync.Mutex

	checkFn  func(context.Context, string) (payments.RawStatus, error)
	createFn func(context.Context, payments.CreateTransactionRequest) (payments.Transaction, error)
	cancelFn func(context.Context, string) (payments.RawStatus, error)

	checkCalls []string
}

func (s *stubGateway) CheckStatus(ctx context.Context, externalRef string) (payments.RawStatus, error) {
	s.mu.Lock()
	s.checkCalls = append(s.checkCalls, externalRef)
	s.mu.Unlock()
	if s.checkFn != nil {
		return s.checkFn(ctx, externalRef)
	}
	return payments.RawStatusPending, nil
}

func (s *stubGateway) CreateTransaction(ctx context.Context, req payments.CreateTransactionRequest) (payments.Transaction, error) {
	if s.createFn != nil {
		return s.createFn(ctx, req)
	}
	return payments.Transaction{}, errors.New("not implemented")
}

func (s *stubGateway) CancelTransaction(ctx context.Context, externalRef string) (payments.RawStatus, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, externalRef)
	}
	return payments.RawStatusCancel, nil
}

func (s *stubGateway) checks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.checkCalls))
	copy(out, s.checkCalls)
	return out
}

type captureReceipts struct {
	mu       sync.Mutex
	messages []ReceiptJobMessage
	err      error
}

func (c *captureReceipts) PublishReceiptJob(_ context.Context, message ReceiptJobMessage) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	c.messages = append(c.messages, message)
	return "msg-1", nil
}

func (c *captureReceipts) published() []ReceiptJobMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ReceiptJobMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

type stubRepoError struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e stubRepoError) Error() string       { return "repo error" }
func (e stubRepoError) IsNotFound() bool    { return e.notFound }
func (e stubRepoError) IsConflict() bool    { return e.conflict }
func (e stubRepoError) IsUnavailable() bool { return e.unavailable }

func newTestReconciler(t *testing.T, deps ReconciliationServiceDeps) ReconciliationService {
	t.Helper()
	if deps.Clock == nil {
		deps.Clock = func() time.Time {
			return time.Date(2024, time.June, 1, 9, 0, 0, 0, time.UTC)
		}
	}
	svc, err := NewReconciliationService(deps)
	if err != nil {
		t.Fatalf("NewReconciliationService: %v", err)
	}
	return svc
}

func pendingOrder(id, userID string, courseIDs ...string) domain.Order {
	items := make([]domain.LineItem, 0, len(courseIDs))
	for _, cid := range courseIDs {
		items = append(items, domain.LineItem{CourseID: cid, Price: 100, Quantity: 1})
	}
	return domain.Order{
		ID:          id,
		UserID:      userID,
		ExternalRef: "KLS-" + id,
		TotalPrice:  int64(len(courseIDs)) * 100,
		Email:       userID + "@example.com",
		Status:      domain.OrderStatusPending,
		Items:       items,
	}
}

func TestReconcileSettlementCommitsOrder(t *testing.T) {
	orders := &stubOrderRepo{}
	carts := &stubCartRepo{}
	entitlements := &stubEntitlementRepo{}
	receipts := &captureReceipts{}
	gateway := &stubGateway{
		checkFn: func(context.Context, string) (payments.RawStatus, error) {
			return payments.RawStatusSettlement, nil
		},
	}

	svc := newTestReconciler(t, ReconciliationServiceDeps{
		Orders:       orders,
		Carts:        carts,
		Entitlements: entitlements,
		Gateway:      gateway,
		Receipts:     receipts,
	})

	order := pendingOrder("order-1", "user-1", "course-1", "course-2")
	results := svc.Reconcile(context.Background(), []domain.Order{order})

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	res := results[0]
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Status != domain.OrderStatusPaid {
		t.Fatalf("expected paid, got %s", res.Status)
	}

	update, ok := orders.update("order-1")
	if !ok {
		t.Fatal("expected status update to be persisted")
	}
	if update.PaymentStatus != "settlement" {
		t.Fatalf("expected raw status settlement recorded verbatim, got %q", update.PaymentStatus)
	}
	if update.Status != domain.OrderStatusPaid {
		t.Fatalf("expected canonical paid, got %s", update.Status)
	}

	if got := entitlements.grants("user-1_course-1"); got != 1 {
		t.Fatalf("expected 1 grant for course-1, got %d", got)
	}
	if got := entitlements.grants("user-1_course-2"); got != 1 {
		t.Fatalf("expected 1 grant for course-2, got %d", got)
	}
	if got := len(carts.deletions()); got != 2 {
		t.Fatalf("expected 2 cart deletions, got %d", got)
	}

	published := receipts.published()
	if len(published) != 1 {
		t.Fatalf("expected 1 receipt job, got %d", len(published))
	}
	if published[0].OrderID != "order-1" || len(published[0].CourseIDs) != 2 {
		t.Fatalf("unexpected receipt job: %+v", published[0])
	}
}

func TestReconcileSkipsTerminalOrders(t *testing.T) {
	orders := &stubOrderRepo{
		updateFn: func(context.Context, string, repositories.StatusUpdate) error {
			t.Fatal("terminal orders must not be updated")
			return nil
		},
	}
	gateway := &stubGateway{}

	svc := newTestReconciler(t, ReconciliationServiceDeps{
		Orders:       orders,
		Carts:        &stubCartRepo{},
		Entitlements: &stubEntitlementRepo{},
		Gateway:      gateway,
	})

	paid := pendingOrder("order-1", "user-1", "course-1")
	paid.Status = domain.OrderStatusPaid
	cancelled := pendingOrder("order-2", "user-1", "course-2")
	cancelled.Status = domain.OrderStatusCancelled

	results := svc.Reconcile(context.Background(), []domain.Order{paid, cancelled})

	if len(gateway.checks()) != 0 {
		t.Fatalf("expected no gateway calls, got %d", len(gateway.checks()))
	}
	if results[0].Status != domain.OrderStatusPaid || results[1].Status != domain.OrderStatusCancelled {
		t.Fatalf("terminal statuses must be preserved: %+v", results)
	}
}

func TestReconcileIsolatesPerOrderFailures(t *testing.T) {
	orders := &stubOrderRepo{}
	gateway := &stubGateway{
		checkFn: func(_ context.Context, externalRef string) (payments.RawStatus, error) {
			if externalRef == "KLS-order-1" {
				return "", &payments.GatewayError{Op: "check status", StatusCode: 401, Messages: []string{"unauthorized"}}
			}
			return payments.RawStatusSettlement, nil
		},
	}

	svc := newTestReconciler(t, ReconciliationServiceDeps{
		Orders:       orders,
		Carts:        &stubCartRepo{},
		Entitlements: &stubEntitlementRepo{},
		Gateway:      gateway,
	})

	batch := []domain.Order{
		pendingOrder("order-1", "user-1", "course-1"),
		pendingOrder("order-2", "user-1", "course-2"),
	}
	results := svc.Reconcile(context.Background(), batch)

	if results[0].Err == nil {
		t.Fatal("expected order-1 to fail")
	}
	if results[1].Err != nil {
		t.Fatalf("order-2 must succeed despite sibling failure: %v", results[1].Err)
	}
	if results[1].Status != domain.OrderStatusPaid {
		t.Fatalf("expected order-2 paid, got %s", results[1].Status)
	}
	if _, ok := orders.update("order-1"); ok {
		t.Fatal("failed order must keep its stored status")
	}
}

func TestReconcileUnknownStatusHeldPending(t *testing.T) {
	orders := &stubOrderRepo{}
	carts := &stubCartRepo{}
	entitlements := &stubEntitlementRepo{}
	gateway := &stubGateway{
		checkFn: func(context.Context, string) (payments.RawStatus, error) {
			return payments.RawStatus("chargeback"), nil
		},
	}

	svc := newTestReconciler(t, ReconciliationServiceDeps{
		Orders:       orders,
		Carts:        carts,
		Entitlements: entitlements,
		Gateway:      gateway,
	})

	results := svc.Reconcile(context.Background(), []domain.Order{pendingOrder("order-1", "user-1", "course-1")})

	if results[0].Err != nil {
		t.Fatalf("unexpected error: %v", results[0].Err)
	}
	if results[0].Status != domain.OrderStatusPending {
		t.Fatalf("unknown raw status must hold the order pending, got %s", results[0].Status)
	}
	update, ok := orders.update("order-1")
	if !ok {
		t.Fatal("expected the raw status to be recorded")
	}
	if update.PaymentStatus != "chargeback" {
		t.Fatalf("expected raw status recorded verbatim, got %q", update.PaymentStatus)
	}
	if entitlements.grants("user-1_course-1") != 0 {
		t.Fatal("unknown status must not grant entitlements")
	}
	if len(carts.deletions()) != 0 {
		t.Fatal("unknown status must not clear the cart")
	}
}

func TestReconcileRetriesTransientGatewayFailures(t *testing.T) {
	orders := &stubOrderRepo{}
	attempts := 0
	gateway := &stubGateway{
		checkFn: func(context.Context, string) (payments.RawStatus, error) {
			attempts++
			if attempts < 3 {
				return "", &payments.GatewayError{Op: "check status", StatusCode: 503}
			}
			return payments.RawStatusPending, nil
		},
	}

	svc := newTestReconciler(t, ReconciliationServiceDeps{
		Orders:       orders,
		Carts:        &stubCartRepo{},
		Entitlements: &stubEntitlementRepo{},
		Gateway:      gateway,
		MaxRetries:   2,
		Timeout:      time.Second,
	})

	results := svc.Reconcile(context.Background(), []domain.Order{pendingOrder("order-1", "user-1", "course-1")})

	if results[0].Err != nil {
		t.Fatalf("expected retry to recover: %v", results[0].Err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestReconcileDoesNotRetryProviderRejection(t *testing.T) {
	attempts := 0
	gateway := &stubGateway{
		checkFn: func(context.Context, string) (payments.RawStatus, error) {
			attempts++
			return "", &payments.GatewayError{Op: "check status", StatusCode: 404, Messages: []string{"transaction doesn't exist"}}
		},
	}

	svc := newTestReconciler(t, ReconciliationServiceDeps{
		Orders:       &stubOrderRepo{},
		Carts:        &stubCartRepo{},
		Entitlements: &stubEntitlementRepo{},
		Gateway:      gateway,
		MaxRetries:   3,
	})

	results := svc.Reconcile(context.Background(), []domain.Order{pendingOrder("order-1", "user-1", "course-1")})

	if results[0].Err == nil {
		t.Fatal("expected failure")
	}
	if attempts != 1 {
		t.Fatalf("provider rejection must not be retried, got %d attempts", attempts)
	}
}

func TestReconcileReplayDoesNotDuplicateSideEffects(t *testing.T) {
	orders := &stubOrderRepo{}
	entitlements := &stubEntitlementRepo{}
	receipts := &captureReceipts{}
	gateway := &stubGateway{
		checkFn: func(context.Context, string) (payments.RawStatus, error) {
			return payments.RawStatusSettlement, nil
		},
	}

	svc := newTestReconciler(t, ReconciliationServiceDeps{
		Orders:       orders,
		Carts:        &stubCartRepo{},
		Entitlements: entitlements,
		Gateway:      gateway,
		Receipts:     receipts,
	})

	// Both passes see the same stale pending snapshot, as when a second
	// reconcile starts before the first settlement is written back.
	order := pendingOrder("order-1", "user-1", "course-1")
	first := svc.Reconcile(context.Background(), []domain.Order{order})
	if first[0].Err != nil {
		t.Fatalf("first pass: %v", first[0].Err)
	}

	second := svc.Reconcile(context.Background(), []domain.Order{order})
	if second[0].Err != nil {
		t.Fatalf("second pass: %v", second[0].Err)
	}
	if second[0].Status != domain.OrderStatusPaid {
		t.Fatalf("expected paid on replay, got %s", second[0].Status)
	}

	// The replay must re-ensure the grant rather than skip or duplicate it:
	// the second Ensure collapses into the existing row without erroring.
	if got := entitlements.grants("user-1_course-1"); got != 2 {
		t.Fatalf("expected the grant to be ensured on both passes, got %d", got)
	}

	// Each pass observed a not-yet-paid snapshot, so each publishes a receipt
	// job. The receipt worker dedupes on the orderId attribute downstream.
	published := receipts.published()
	if len(published) != 2 {
		t.Fatalf("expected a receipt job per pass, got %d", len(published))
	}
	for _, msg := range published {
		if msg.OrderID != "order-1" {
			t.Fatalf("unexpected receipt job: %+v", msg)
		}
	}
}

func TestReconcileBatchTotals(t *testing.T) {
	orders := &stubOrderRepo{}
	gateway := &stubGateway{
		checkFn: func(context.Context, string) (payments.RawStatus, error) {
			return payments.RawStatusSuccess, nil
		},
	}

	svc := newTestReconciler(t, ReconciliationServiceDeps{
		Orders:       orders,
		Carts:        &stubCartRepo{},
		Entitlements: &stubEntitlementRepo{},
		Gateway:      gateway,
	})

	first := pendingOrder("order-1", "user-1", "course-1")
	first.TotalPrice = 100
	second := pendingOrder("order-2", "user-1", "course-2", "course-3")
	second.TotalPrice = 200

	results := svc.Reconcile(context.Background(), []domain.Order{first, second})

	var total int64
	for _, res := range results {
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
		if res.Status != domain.OrderStatusPaid {
			t.Fatalf("expected paid, got %s", res.Status)
		}
		total += res.Order.TotalPrice
	}
	if total != 300 {
		t.Fatalf("expected batch total 300, got %d", total)
	}
}

func TestCheckOrderDiscardsStaleCheckouts(t *testing.T) {
	order := pendingOrder("order-1", "user-1", "course-1")
	discarded := 0
	orders := &stubOrderRepo{
		findFn: func(_ context.Context, externalRef string) (domain.Order, error) {
			if externalRef != order.ExternalRef {
				return domain.Order{}, stubRepoError{notFound: true}
			}
			return order, nil
		},
		discardFn: func(_ context.Context, userID string) (int, error) {
			if userID != "user-1" {
				t.Fatalf("unexpected user %q", userID)
			}
			discarded++
			return 2, nil
		},
	}
	gateway := &stubGateway{
		checkFn: func(context.Context, string) (payments.RawStatus, error) {
			return payments.RawStatusPending, nil
		},
	}

	svc := newTestReconciler(t, ReconciliationServiceDeps{
		Orders:       orders,
		Carts:        &stubCartRepo{},
		Entitlements: &stubEntitlementRepo{},
		Gateway:      gateway,
	})

	res, err := svc.CheckOrder(context.Background(), "user-1", order.ExternalRef)
	if err != nil {
		t.Fatalf("CheckOrder: %v", err)
	}
	if res.Status != domain.OrderStatusPending {
		t.Fatalf("expected pending, got %s", res.Status)
	}
	if discarded != 1 {
		t.Fatalf("expected stale checkouts discarded once, got %d", discarded)
	}
}

func TestCheckOrderUnknownReference(t *testing.T) {
	orders := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return domain.Order{}, stubRepoError{notFound: true}
		},
	}

	svc := newTestReconciler(t, ReconciliationServiceDeps{
		Orders:       orders,
		Carts:        &stubCartRepo{},
		Entitlements: &stubEntitlementRepo{},
		Gateway:      &stubGateway{},
	})

	if _, err := svc.CheckOrder(context.Background(), "user-1", "KLS-missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestCheckOrderRefusesForeignOrders(t *testing.T) {
	order := pendingOrder("order-1", "owner-1", "course-1")
	discarded := 0
	orders := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return order, nil
		},
		discardFn: func(context.Context, string) (int, error) {
			discarded++
			return 1, nil
		},
	}
	gateway := &stubGateway{}

	svc := newTestReconciler(t, ReconciliationServiceDeps{
		Orders:       orders,
		Carts:        &stubCartRepo{},
		Entitlements: &stubEntitlementRepo{},
		Gateway:      gateway,
	})

	// Someone else's reference must read as missing, and the refusal has to
	// happen before the gateway check and the stale-checkout discard run.
	_, err := svc.CheckOrder(context.Background(), "intruder-1", order.ExternalRef)
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	if got := len(gateway.checks()); got != 0 {
		t.Fatalf("expected no gateway calls, got %d", got)
	}
	if discarded != 0 {
		t.Fatalf("expected no stale checkouts discarded, got %d", discarded)
	}
	if _, ok := orders.update("order-1"); ok {
		t.Fatal("foreign order must keep its stored status")
	}
}

func TestClearCartsForUserKeepsInitCheckouts(t *testing.T) {
	pending := pendingOrder("order-1", "user-1", "course-1")
	fresh := pendingOrder("order-2", "user-1", "course-2")
	fresh.Status = domain.OrderStatusInit

	orders := &stubOrderRepo{
		listAllFn: func(context.Context, string) ([]domain.Order, error) {
			return []domain.Order{pending, fresh}, nil
		},
	}
	carts := &stubCartRepo{}
	gateway := &stubGateway{
		checkFn: func(_ context.Context, externalRef string) (payments.RawStatus, error) {
			if externalRef == fresh.ExternalRef {
				// The customer never opened the payment page, so the gateway
				// has no record of the transaction yet.
				return "", &payments.GatewayError{Op: "check status", StatusCode: 404, Messages: []string{"transaction doesn't exist"}}
			}
			return payments.RawStatusSettlement, nil
		},
	}

	svc := newTestReconciler(t, ReconciliationServiceDeps{
		Orders:       orders,
		Carts:        carts,
		Entitlements: &stubEntitlementRepo{},
		Gateway:      gateway,
	})

	removed, err := svc.ClearCartsForUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("ClearCartsForUser: %v", err)
	}
	if removed == 0 {
		t.Fatal("expected cart rows to be removed")
	}
	for _, pair := range carts.deletions() {
		if pair[1] == "course-2" {
			t.Fatal("untouched init checkout must keep its cart row")
		}
		if pair[0] != "user-1" {
			t.Fatalf("unexpected user in cart deletion: %v", pair)
		}
	}
}

func TestClearCartsForUserDeletesRowsOnce(t *testing.T) {
	settling := pendingOrder("order-1", "user-1", "course-1")
	alreadyPaid := pendingOrder("order-2", "user-1", "course-2")
	alreadyPaid.Status = domain.OrderStatusPaid

	orders := &stubOrderRepo{
		listAllFn: func(context.Context, string) ([]domain.Order, error) {
			return []domain.Order{settling, alreadyPaid}, nil
		},
	}
	carts := &stubCartRepo{}
	gateway := &stubGateway{
		checkFn: func(context.Context, string) (payments.RawStatus, error) {
			return payments.RawStatusSettlement, nil
		},
	}

	svc := newTestReconciler(t, ReconciliationServiceDeps{
		Orders:       orders,
		Carts:        carts,
		Entitlements: &stubEntitlementRepo{},
		Gateway:      gateway,
	})

	removed, err := svc.ClearCartsForUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("ClearCartsForUser: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 rows removed, got %d", removed)
	}

	// order-1 had its row removed while settling; the cleanup pass covers
	// order-2 only. One delete per (user, course) pair, never a second.
	seen := map[string]int{}
	for _, pair := range carts.deletions() {
		if pair[0] != "user-1" {
			t.Fatalf("unexpected user in cart deletion: %v", pair)
		}
		seen[pair[1]]++
	}
	for course, n := range seen {
		if n != 1 {
			t.Fatalf("cart row for %s deleted %d times", course, n)
		}
	}
	if len(seen) != 2 {
		t.Fatalf("expected deletions for both courses, got %v", seen)
	}
}

func TestReconcileUserRequiresUser(t *testing.T) {
	svc := newTestReconciler(t, ReconciliationServiceDeps{
		Orders:       &stubOrderRepo{},
		Carts:        &stubCartRepo{},
		Entitlements: &stubEntitlementRepo{},
		Gateway:      &stubGateway{},
	})

	if _, _, err := svc.ReconcileUser(context.Background(), "  ", repositories.OrderListFilter{}); !errors.Is(err, ErrReconcileInvalidInput) {
		t.Fatalf("expected ErrReconcileInvalidInput, got %v", err)
	}
}
