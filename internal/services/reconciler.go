package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gax "github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/kelaskita/api/internal/domain"
	"github.com/kelaskita/api/internal/payments"
	"github.com/kelaskita/api/internal/repositories"
)

const (
	defaultReconcileTimeout     = 10 * time.Second
	defaultReconcileMaxRetries  = 2
	defaultReconcileConcurrency = 8
)

var (
	// ErrOrderNotFound indicates no order carries the requested external reference.
	ErrOrderNotFound = errors.New("reconcile: order not found")
	// ErrReconcileInvalidInput indicates the caller supplied invalid input parameters.
	ErrReconcileInvalidInput = errors.New("reconcile: invalid input")
	// ErrReconcileUnavailable indicates reconciliation dependencies are currently unavailable.
	ErrReconcileUnavailable = errors.New("reconcile: unavailable")
)

// ReconciliationServiceDeps wires the dependencies required by the reconciliation service.
type ReconciliationServiceDeps struct {
	Orders       repositories.OrderRepository
	Carts        repositories.CartRepository
	Entitlements repositories.EntitlementRepository
	Gateway      payments.Client
	Receipts     ReceiptJobDispatcher
	Clock        func() time.Time
	Logger       func(ctx context.Context, event string, fields map[string]any)
	Meter        metric.Meter
	// Timeout bounds each gateway status call.
	Timeout time.Duration
	// MaxRetries is the number of additional attempts after a retryable
	// gateway failure.
	MaxRetries int
	// Concurrency caps the number of orders checked in flight at once.
	Concurrency int
}

type reconciliationService struct {
	orders       repositories.OrderRepository
	carts        repositories.CartRepository
	entitlements repositories.EntitlementRepository
	gateway      payments.Client
	receipts     ReceiptJobDispatcher
	now          func() time.Time
	logger       func(ctx context.Context, event string, fields map[string]any)
	timeout      time.Duration
	maxRetries   int
	concurrency  int

	checksTotal   metric.Int64Counter
	outcomesTotal metric.Int64Counter
}

// NewReconciliationService constructs a ReconciliationService validating required dependencies.
func NewReconciliationService(deps ReconciliationServiceDeps) (ReconciliationService, error) {
	if deps.Orders == nil {
		return nil, errors.New("reconciliation service: order repository is required")
	}
	if deps.Carts == nil {
		return nil, errors.New("reconciliation service: cart repository is required")
	}
	if deps.Entitlements == nil {
		return nil, errors.New("reconciliation service: entitlement repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("reconciliation service: gateway client is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = defaultReconcileTimeout
	}
	maxRetries := deps.MaxRetries
	if maxRetries < 0 {
		maxRetries = defaultReconcileMaxRetries
	}
	concurrency := deps.Concurrency
	if concurrency <= 0 {
		concurrency = defaultReconcileConcurrency
	}

	meter := deps.Meter
	if meter == nil {
		meter = otel.Meter("kelaskita/reconcile")
	}
	checksTotal, err := meter.Int64Counter("reconcile.gateway_checks",
		metric.WithDescription("Gateway status checks performed during reconciliation."))
	if err != nil {
		return nil, fmt.Errorf("reconciliation service: build checks counter: %w", err)
	}
	outcomesTotal, err := meter.Int64Counter("reconcile.outcomes",
		metric.WithDescription("Reconciliation outcomes by resulting order status."))
	if err != nil {
		return nil, fmt.Errorf("reconciliation service: build outcomes counter: %w", err)
	}

	return &reconciliationService{
		orders:       deps.Orders,
		carts:        deps.Carts,
		entitlements: deps.Entitlements,
		gateway:      deps.Gateway,
		receipts:     deps.Receipts,
		now: func() time.Time {
			return clock().UTC()
		},
		logger:        logger,
		timeout:       timeout,
		maxRetries:    maxRetries,
		concurrency:   concurrency,
		checksTotal:   checksTotal,
		outcomesTotal: outcomesTotal,
	}, nil
}

var _ ReconciliationService = (*reconciliationService)(nil)

// Reconcile checks every order against the gateway, each one independently:
// a failure on one order never prevents its siblings from completing.
func (s *reconciliationService) Reconcile(ctx context.Context, orders []domain.Order) []OrderResult {
	results := make([]OrderResult, len(orders))
	if len(orders) == 0 {
		return results
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, s.concurrency)
	for i := range orders {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = s.reconcileOne(ctx, orders[idx])
		}(i)
	}
	wg.Wait()
	return results
}

// ReconcileUser lists the user's orders through the filter and reconciles the
// returned page.
func (s *reconciliationService) ReconcileUser(ctx context.Context, userID string, filter repositories.OrderListFilter) ([]OrderResult, int, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return nil, 0, ErrReconcileInvalidInput
	}

	orders, total, err := s.orders.ListByUser(ctx, uid, filter)
	if err != nil {
		return nil, 0, s.translateRepoError(err)
	}
	return s.Reconcile(ctx, orders), total, nil
}

// CheckOrder reconciles the single order behind the external reference and
// afterwards discards the caller's leftover init checkouts. Ownership is
// verified before anything else runs: a foreign reference must be
// indistinguishable from a missing one and must trigger no side effects.
func (s *reconciliationService) CheckOrder(ctx context.Context, userID, externalRef string) (OrderResult, error) {
	uid := strings.TrimSpace(userID)
	ref := strings.TrimSpace(externalRef)
	if uid == "" || ref == "" {
		return OrderResult{}, ErrReconcileInvalidInput
	}

	order, err := s.orders.FindByExternalRef(ctx, ref)
	if err != nil {
		return OrderResult{}, s.translateRepoError(err)
	}
	if order.UserID != uid {
		return OrderResult{}, ErrOrderNotFound
	}

	result := s.reconcileOne(ctx, order)

	if discarded, err := s.orders.DeleteStaleCheckouts(ctx, order.UserID); err != nil {
		s.logger(ctx, "reconcile.discard_stale_failed", map[string]any{
			"userID": order.UserID,
			"error":  err.Error(),
		})
	} else if discarded > 0 {
		s.logger(ctx, "reconcile.discarded_stale", map[string]any{
			"userID": order.UserID,
			"count":  discarded,
		})
	}

	return result, nil
}

// ClearCartsForUser re-derives every order's status and removes cart rows
// already covered by an order the user has committed to. Only untouched init
// checkouts keep their cart rows.
func (s *reconciliationService) ClearCartsForUser(ctx context.Context, userID string) (int, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return 0, ErrReconcileInvalidInput
	}

	orders, err := s.orders.ListAllByUser(ctx, uid)
	if err != nil {
		return 0, s.translateRepoError(err)
	}

	results := s.Reconcile(ctx, orders)

	removed := 0
	for i, res := range results {
		if res.Err != nil {
			continue
		}
		if res.Status == domain.OrderStatusInit {
			continue
		}
		// Orders that reached a terminal status in this pass had their cart
		// rows removed by the reconciliation itself.
		if res.Status.IsTerminal() && !orders[i].Status.IsTerminal() {
			removed += res.CartRowsCleared
			continue
		}
		removed += s.clearCart(ctx, res.Order)
	}
	return removed, nil
}

func (s *reconciliationService) reconcileOne(ctx context.Context, order domain.Order) OrderResult {
	result := OrderResult{Order: order, Status: order.Status}

	// Terminal orders are settled history: no gateway call, no overwrite.
	if order.Status.IsTerminal() {
		return result
	}

	raw, err := s.checkGateway(ctx, order.ExternalRef)
	if err != nil {
		s.logger(ctx, "reconcile.gateway_check_failed", map[string]any{
			"orderID":     order.ID,
			"externalRef": order.ExternalRef,
			"error":       err.Error(),
		})
		result.Err = err
		return result
	}

	outcome := MapRawStatus(raw)
	if !outcome.Known {
		s.logger(ctx, "reconcile.unknown_gateway_status", map[string]any{
			"orderID":     order.ID,
			"externalRef": order.ExternalRef,
			"rawStatus":   string(raw),
		})
	}

	now := s.now()
	update := repositories.StatusUpdate{
		PaymentStatus: string(raw),
		Status:        outcome.Status,
		UpdatedAt:     now,
	}
	if err := s.orders.UpdateStatus(ctx, order.ID, update); err != nil {
		result.Err = s.translateRepoError(err)
		return result
	}

	wasPaid := order.Status == domain.OrderStatusPaid
	order.PaymentStatus = string(raw)
	order.Status = outcome.Status
	order.UpdatedAt = now
	result.Order = order
	result.Status = outcome.Status

	s.outcomesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(outcome.Status)),
	))

	if outcome.GrantEntitlements {
		if err := s.grantEntitlements(ctx, order, now); err != nil {
			result.Err = err
			return result
		}
		if !wasPaid {
			s.enqueueReceipt(ctx, order, now)
		}
	}
	if outcome.ClearCart {
		result.CartRowsCleared = s.clearCart(ctx, order)
	}

	return result
}

// checkGateway performs the bounded, retried status call. Only failures the
// gateway client marks retryable are retried; provider rejections surface
// immediately.
func (s *reconciliationService) checkGateway(ctx context.Context, externalRef string) (payments.RawStatus, error) {
	backoff := gax.Backoff{
		Initial:    200 * time.Millisecond,
		Max:        2 * time.Second,
		Multiplier: 2,
	}

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			if err := gax.Sleep(ctx, backoff.Pause()); err != nil {
				return "", err
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		raw, err := s.gateway.CheckStatus(callCtx, externalRef)
		cancel()

		s.checksTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("retry", attempt > 0),
			attribute.Bool("error", err != nil),
		))

		if err == nil {
			return raw, nil
		}
		lastErr = err

		var gwErr *payments.GatewayError
		if errors.As(err, &gwErr) && gwErr.IsRetryable() {
			continue
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			continue
		}
		break
	}
	return "", lastErr
}

// grantEntitlements ensures one grant per line item. Replays and concurrent
// settlements collapse into the existing grant.
func (s *reconciliationService) grantEntitlements(ctx context.Context, order domain.Order, now time.Time) error {
	for _, item := range order.Items {
		courseID := strings.TrimSpace(item.CourseID)
		if courseID == "" {
			continue
		}
		_, created, err := s.entitlements.Ensure(ctx, domain.Entitlement{
			UserID:    order.UserID,
			CourseID:  courseID,
			Metadata:  map[string]any{"orderId": order.ID},
			CreatedAt: now,
		})
		if err != nil {
			return s.translateRepoError(err)
		}
		if created {
			s.logger(ctx, "reconcile.entitlement_granted", map[string]any{
				"orderID":  order.ID,
				"userID":   order.UserID,
				"courseID": courseID,
			})
		}
	}
	return nil
}

// clearCart removes the cart rows behind the order's line items. Cleanup is
// best effort: a failed delete is logged and retried on the next pass.
func (s *reconciliationService) clearCart(ctx context.Context, order domain.Order) int {
	removed := 0
	for _, item := range order.Items {
		courseID := strings.TrimSpace(item.CourseID)
		if courseID == "" {
			continue
		}
		n, err := s.carts.DeleteByUserCourse(ctx, order.UserID, courseID)
		if err != nil {
			s.logger(ctx, "reconcile.cart_cleanup_failed", map[string]any{
				"orderID":  order.ID,
				"userID":   order.UserID,
				"courseID": courseID,
				"error":    err.Error(),
			})
			continue
		}
		removed += n
	}
	return removed
}

// enqueueReceipt publishes the receipt job when an order first turns paid.
// Delivery failures never fail the reconciliation itself.
func (s *reconciliationService) enqueueReceipt(ctx context.Context, order domain.Order, now time.Time) {
	if s.receipts == nil {
		return
	}
	courseIDs := make([]string, 0, len(order.Items))
	for _, item := range order.Items {
		if id := strings.TrimSpace(item.CourseID); id != "" {
			courseIDs = append(courseIDs, id)
		}
	}
	id, err := s.receipts.PublishReceiptJob(ctx, ReceiptJobMessage{
		OrderID:     order.ID,
		ExternalRef: order.ExternalRef,
		UserID:      order.UserID,
		Email:       order.Email,
		TotalPrice:  order.TotalPrice,
		CourseIDs:   courseIDs,
		OccurredAt:  now,
	})
	if err != nil {
		s.logger(ctx, "reconcile.receipt_enqueue_failed", map[string]any{
			"orderID": order.ID,
			"error":   err.Error(),
		})
		return
	}
	s.logger(ctx, "reconcile.receipt_enqueued", map[string]any{
		"orderID":   order.ID,
		"messageID": id,
	})
}

func (s *reconciliationService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrOrderNotFound
		case repoErr.IsUnavailable():
			return ErrReconcileUnavailable
		}
	}
	return fmt.Errorf("%w: %v", ErrReconcileUnavailable, err)
}
