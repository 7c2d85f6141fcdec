package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	ulid "github.com/oklog/ulid/v2"

	domain "github.com/kelaskita/api/internal/domain"
	"github.com/kelaskita/api/internal/payments"
	"github.com/kelaskita/api/internal/repositories"
)

const defaultExternalRefPrefix = "KLS"

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutCartEmpty indicates the user has nothing in their cart.
	ErrCheckoutCartEmpty = errors.New("checkout: cart is empty")
	// ErrCheckoutUnavailable indicates checkout dependencies are currently unavailable.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
	// ErrCheckoutGateway indicates the payment gateway failed or rejected the
	// request. The wrapped text carries the provider's own error messages.
	ErrCheckoutGateway = errors.New("checkout: payment gateway error")
)

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Orders  repositories.OrderRepository
	Carts   repositories.CartRepository
	Courses repositories.CourseCatalog
	Gateway payments.Client
	Clock   func() time.Time
	Logger  func(ctx context.Context, event string, fields map[string]any)
	IDGen   func() string
	// ExternalRefPrefix is prepended to generated gateway references.
	ExternalRefPrefix string
}

type checkoutService struct {
	orders    repositories.OrderRepository
	carts     repositories.CartRepository
	courses   repositories.CourseCatalog
	gateway   payments.Client
	now       func() time.Time
	logger    func(ctx context.Context, event string, fields map[string]any)
	idGen     func() string
	refPrefix string
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order repository is required")
	}
	if deps.Carts == nil {
		return nil, errors.New("checkout service: cart repository is required")
	}
	if deps.Courses == nil {
		return nil, errors.New("checkout service: course catalog is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("checkout service: gateway client is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	idGen := deps.IDGen
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	prefix := strings.TrimSpace(deps.ExternalRefPrefix)
	if prefix == "" {
		prefix = defaultExternalRefPrefix
	}

	return &checkoutService{
		orders:  deps.Orders,
		carts:   deps.Carts,
		courses: deps.Courses,
		gateway: deps.Gateway,
		now: func() time.Time {
			return clock().UTC()
		},
		logger:    logger,
		idGen:     idGen,
		refPrefix: prefix,
	}, nil
}

var _ CheckoutService = (*checkoutService)(nil)

// CreateCheckout prices the cart against the catalog, registers the
// transaction with the gateway, and records the order in init. The gateway
// call happens first: when it fails no local order exists at all.
func (s *checkoutService) CreateCheckout(ctx context.Context, cmd CreateCheckoutCommand) (CheckoutSession, error) {
	userID := strings.TrimSpace(cmd.UserID)
	email := strings.TrimSpace(cmd.Email)
	if userID == "" || email == "" {
		return CheckoutSession{}, ErrCheckoutInvalidInput
	}

	cartItems, err := s.carts.ListByUser(ctx, userID)
	if err != nil {
		return CheckoutSession{}, s.translateRepoError(err)
	}
	if len(cartItems) == 0 {
		return CheckoutSession{}, ErrCheckoutCartEmpty
	}

	items, total, err := s.priceCart(ctx, cartItems)
	if err != nil {
		return CheckoutSession{}, err
	}

	orderID := s.idGen()
	externalRef := fmt.Sprintf("%s-%s", s.refPrefix, s.idGen())

	tx, err := s.gateway.CreateTransaction(ctx, payments.CreateTransactionRequest{
		ExternalRef: externalRef,
		GrossAmount: total,
		Email:       email,
		Items:       buildTransactionItems(items),
	})
	if err != nil {
		s.logger(ctx, "checkout.gateway_create_failed", map[string]any{
			"userID":      userID,
			"externalRef": externalRef,
			"error":       err.Error(),
		})
		return CheckoutSession{}, wrapGatewayError(err)
	}

	now := s.now()
	order := domain.Order{
		ID:            orderID,
		UserID:        userID,
		ExternalRef:   externalRef,
		TotalPrice:    total,
		Email:         email,
		Status:        domain.OrderStatusInit,
		PaymentStatus: string(domain.OrderStatusInit),
		Token:         tx.Token,
		Items:         items,
		IsActive:      false,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.orders.Insert(ctx, order); err != nil {
		// The gateway transaction exists but the order never made it to the
		// store; cancel it so the customer cannot pay an orphaned reference.
		s.releaseTransaction(ctx, externalRef)
		return CheckoutSession{}, s.translateRepoError(err)
	}

	s.logger(ctx, "checkout.created", map[string]any{
		"orderID":     orderID,
		"userID":      userID,
		"externalRef": externalRef,
		"totalPrice":  total,
	})

	return CheckoutSession{
		Order:       order,
		Token:       tx.Token,
		RedirectURL: tx.RedirectURL,
	}, nil
}

// DiscardStaleCheckouts removes the user's abandoned init orders.
func (s *checkoutService) DiscardStaleCheckouts(ctx context.Context, userID string) (int, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return 0, ErrCheckoutInvalidInput
	}
	removed, err := s.orders.DeleteStaleCheckouts(ctx, uid)
	if err != nil {
		return 0, s.translateRepoError(err)
	}
	return removed, nil
}

// CancelOrder cancels the transaction at the gateway and records the result on
// the local order. The order is loaded and its owner verified first: a foreign
// reference reads as not found and reaches neither the gateway nor the store.
// The stored canonical status is always cancelled after a successful gateway
// call, whatever raw status the gateway answered with.
func (s *checkoutService) CancelOrder(ctx context.Context, userID, externalRef string) (domain.Order, error) {
	uid := strings.TrimSpace(userID)
	ref := strings.TrimSpace(externalRef)
	if uid == "" || ref == "" {
		return domain.Order{}, ErrCheckoutInvalidInput
	}

	order, err := s.orders.FindByExternalRef(ctx, ref)
	if err != nil {
		return domain.Order{}, s.translateRepoError(err)
	}
	if order.UserID != uid {
		return domain.Order{}, ErrOrderNotFound
	}

	raw, err := s.gateway.CancelTransaction(ctx, ref)
	if err != nil {
		s.logger(ctx, "checkout.gateway_cancel_failed", map[string]any{
			"externalRef": ref,
			"error":       err.Error(),
		})
		return domain.Order{}, wrapGatewayError(err)
	}

	now := s.now()
	update := repositories.StatusUpdate{
		PaymentStatus: string(raw),
		Status:        domain.OrderStatusCancelled,
		UpdatedAt:     now,
	}
	if err := s.orders.UpdateStatus(ctx, order.ID, update); err != nil {
		return domain.Order{}, s.translateRepoError(err)
	}

	order.PaymentStatus = string(raw)
	order.Status = domain.OrderStatusCancelled
	order.UpdatedAt = now

	s.logger(ctx, "checkout.cancelled", map[string]any{
		"orderID":     order.ID,
		"externalRef": ref,
		"rawStatus":   string(raw),
	})
	return order, nil
}

// priceCart resolves the cart rows against the catalog. Prices always come
// from the catalog at checkout time, never from the client.
func (s *checkoutService) priceCart(ctx context.Context, cartItems []domain.CartItem) ([]domain.LineItem, int64, error) {
	courseIDs := make([]string, 0, len(cartItems))
	seen := make(map[string]struct{}, len(cartItems))
	for _, item := range cartItems {
		id := strings.TrimSpace(item.CourseID)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		courseIDs = append(courseIDs, id)
	}
	if len(courseIDs) == 0 {
		return nil, 0, ErrCheckoutCartEmpty
	}

	courses, err := s.courses.FindByIDs(ctx, courseIDs)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return nil, 0, fmt.Errorf("%w: course no longer available", ErrCheckoutInvalidInput)
		}
		return nil, 0, s.translateRepoError(err)
	}

	items := make([]domain.LineItem, 0, len(courses))
	var total int64
	for _, course := range courses {
		items = append(items, domain.LineItem{
			CourseID: course.ID,
			Price:    course.Price,
			Quantity: 1,
			Name:     course.Name,
			Image:    course.ImageURL,
		})
		total += course.Price
	}
	if total <= 0 {
		return nil, 0, fmt.Errorf("%w: cart total must be positive", ErrCheckoutInvalidInput)
	}
	return items, total, nil
}

// wrapGatewayError folds any gateway failure into ErrCheckoutGateway, keeping
// the provider's error messages so they travel back to the caller.
func wrapGatewayError(err error) error {
	var gwErr *payments.GatewayError
	if errors.As(err, &gwErr) {
		if msg := gwErr.Message(); msg != "" {
			return fmt.Errorf("%w: %s", ErrCheckoutGateway, msg)
		}
		return ErrCheckoutGateway
	}
	return fmt.Errorf("%w: %v", ErrCheckoutGateway, err)
}

func (s *checkoutService) releaseTransaction(ctx context.Context, externalRef string) {
	if _, err := s.gateway.CancelTransaction(ctx, externalRef); err != nil {
		s.logger(ctx, "checkout.release_failed", map[string]any{
			"externalRef": externalRef,
			"error":       err.Error(),
		})
	}
}

func buildTransactionItems(items []domain.LineItem) []payments.TransactionItem {
	out := make([]payments.TransactionItem, 0, len(items))
	for _, item := range items {
		out = append(out, payments.TransactionItem{
			ID:       item.CourseID,
			Price:    item.Price,
			Quantity: item.Quantity,
			Name:     item.Name,
			Image:    item.Image,
		})
	}
	return out
}

func (s *checkoutService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrOrderNotFound
		case repoErr.IsConflict():
			return ErrCheckoutUnavailable
		}
	}
	return fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
}
