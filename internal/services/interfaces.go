package services

import (
	"context"
	"time"

	domain "github.com/kelaskita/api/internal/domain"
	"github.com/kelaskita/api/internal/repositories"
)

// OrderResult is the per-order outcome of a reconciliation pass. Err is set
// when that order's gateway check or persistence failed; sibling orders in
// the same batch are unaffected.
type OrderResult struct {
	Order  domain.Order
	Status domain.OrderStatus
	// CartRowsCleared counts the cart rows removed while applying the
	// reconciliation outcome. Callers running their own cleanup pass must not
	// delete again for orders that report rows here.
	CartRowsCleared int
	Err             error
}

// ReconciliationService brings locally recorded orders in line with the
// payment gateway's view and applies the dependent side effects exactly once.
type ReconciliationService interface {
	// Reconcile processes each order independently and concurrently. The
	// returned slice matches the input order for order.
	Reconcile(ctx context.Context, orders []domain.Order) []OrderResult
	// ReconcileUser lists the user's orders through the filter, reconciles
	// them, and returns the results plus the total match count.
	ReconcileUser(ctx context.Context, userID string, filter repositories.OrderListFilter) ([]OrderResult, int, error)
	// CheckOrder reconciles the single order carrying the external reference
	// on behalf of userID and afterwards discards the caller's stale init
	// checkouts. A reference owned by someone else is reported as
	// ErrOrderNotFound before any gateway or store access happens.
	CheckOrder(ctx context.Context, userID, externalRef string) (OrderResult, error)
	// ClearCartsForUser is the defensive cart cleanup pass: it re-derives
	// every order's canonical status and removes cart rows covered by
	// committed or terminal orders. Returns the number of rows removed.
	ClearCartsForUser(ctx context.Context, userID string) (int, error)
}

// CheckoutSession is returned to the caller after a checkout transaction has
// been registered with the gateway and recorded locally.
type CheckoutSession struct {
	Order       domain.Order
	Token       string
	RedirectURL string
}

// CreateCheckoutCommand carries the inputs for starting a checkout.
type CreateCheckoutCommand struct {
	UserID string
	Email  string
}

// CheckoutService wraps order creation and explicit cancellation.
type CheckoutService interface {
	// CreateCheckout prices the user's cart, registers the transaction with
	// the gateway, and persists the order in init. No local order is written
	// when the gateway call fails.
	CreateCheckout(ctx context.Context, cmd CreateCheckoutCommand) (CheckoutSession, error)
	// DiscardStaleCheckouts deletes the user's abandoned init orders.
	// Deleting zero rows is success.
	DiscardStaleCheckouts(ctx context.Context, userID string) (int, error)
	// CancelOrder cancels the transaction at the gateway and records the
	// outcome on the local order. The order is loaded and its owner verified
	// against userID before the gateway is touched; a reference owned by
	// someone else is reported as ErrOrderNotFound.
	CancelOrder(ctx context.Context, userID, externalRef string) (domain.Order, error)
}

// ReceiptJobMessage describes the receipt-email job enqueued when an order
// first reconciles to paid. Delivery itself is handled by a worker outside
// this service.
type ReceiptJobMessage struct {
	OrderID     string    `json:"orderId"`
	ExternalRef string    `json:"externalRef"`
	UserID      string    `json:"userId"`
	Email       string    `json:"email"`
	TotalPrice  int64     `json:"totalPrice"`
	CourseIDs   []string  `json:"courseIds"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// ReceiptJobDispatcher enqueues receipt jobs for asynchronous delivery.
type ReceiptJobDispatcher interface {
	PublishReceiptJob(ctx context.Context, message ReceiptJobMessage) (string, error)
}
