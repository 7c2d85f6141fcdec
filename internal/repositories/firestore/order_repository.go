package firestore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/kelaskita/api/internal/domain"
	pfirestore "github.com/kelaskita/api/internal/platform/firestore"
	"github.com/kelaskita/api/internal/repositories"
)

const orderCollection = "orders"

type orderLineItemDocument struct {
	CourseID string `firestore:"courseId"`
	Price    int64  `firestore:"price"`
	Quantity int64  `firestore:"quantity"`
	Name     string `firestore:"name"`
	Image    string `firestore:"image,omitempty"`
}

type orderDocument struct {
	UserID        string                  `firestore:"userId"`
	ExternalRef   string                  `firestore:"externalRef"`
	TotalPrice    int64                   `firestore:"totalPrice"`
	Email         string                  `firestore:"email"`
	Status        string                  `firestore:"status"`
	PaymentStatus string                  `firestore:"paymentStatus"`
	Token         string                  `firestore:"token"`
	Items         []orderLineItemDocument `firestore:"items"`
	IsActive      bool                    `firestore:"isActive"`
	CreatedAt     time.Time               `firestore:"createdAt"`
	UpdatedAt     time.Time               `firestore:"updatedAt"`
}

// OrderRepository persists orders within Firestore.
type OrderRepository struct {
	base *pfirestore.BaseRepository[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		base: pfirestore.NewBaseRepository[orderDocument](provider, orderCollection, nil, nil),
	}, nil
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// Insert writes a new order document keyed by the order ID. ExternalRef
// uniqueness holds because refs are generated once and never reused.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}
	if strings.TrimSpace(order.ExternalRef) == "" {
		return errors.New("order repository: external ref is required")
	}

	_, err := r.base.Create(ctx, orderID, encodeOrder(order))
	return err
}

// FindByExternalRef loads the single order carrying the gateway correlation id.
func (r *OrderRepository) FindByExternalRef(ctx context.Context, externalRef string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	ref := strings.TrimSpace(externalRef)
	if ref == "" {
		return domain.Order{}, errors.New("order repository: external ref is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("externalRef", "==", ref).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, &notFoundError{err: errors.New("order not found: " + ref)}
	}
	return decodeOrder(docs[0]), nil
}

// ListByUser returns the filtered page of the user's orders plus the total
// match count. Search is an in-memory substring filter over externalRef since
// Firestore offers no substring predicate.
func (r *OrderRepository) ListByUser(ctx context.Context, userID string, filter repositories.OrderListFilter) ([]domain.Order, int, error) {
	orders, err := r.ListAllByUser(ctx, userID)
	if err != nil {
		return nil, 0, err
	}

	if search := strings.ToLower(strings.TrimSpace(filter.Search)); search != "" {
		filtered := orders[:0]
		for _, order := range orders {
			if strings.Contains(strings.ToLower(order.ExternalRef), search) {
				filtered = append(filtered, order)
			}
		}
		orders = filtered
	}

	total := len(orders)
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(orders) {
		return []domain.Order{}, total, nil
	}
	orders = orders[offset:]
	if filter.Limit > 0 && filter.Limit < len(orders) {
		orders = orders[:filter.Limit]
	}
	return orders, total, nil
}

// ListAllByUser returns every order for the user, newest first.
func (r *OrderRepository) ListAllByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("order repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return nil, errors.New("order repository: user id is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("userId", "==", uid)
	})
	if err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, decodeOrder(doc))
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

// UpdateStatus assigns paymentStatus and status. Plain field writes, safe to
// repeat with the same values.
func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID string, update repositories.StatusUpdate) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}

	updatedAt := update.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err := r.base.Update(ctx, id, []firestore.Update{
		{Path: "paymentStatus", Value: update.PaymentStatus},
		{Path: "status", Value: string(update.Status)},
		{Path: "updatedAt", Value: updatedAt.UTC()},
	})
	return err
}

// DeleteStaleCheckouts removes the user's init orders.
func (r *OrderRepository) DeleteStaleCheckouts(ctx context.Context, userID string) (int, error) {
	if r == nil || r.base == nil {
		return 0, errors.New("order repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return 0, errors.New("order repository: user id is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("userId", "==", uid).Where("status", "==", string(domain.OrderStatusInit))
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, doc := range docs {
		if err := r.base.Delete(ctx, doc.ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func encodeOrder(order domain.Order) orderDocument {
	now := time.Now().UTC()
	createdAt := order.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := order.UpdatedAt.UTC()
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	items := make([]orderLineItemDocument, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderLineItemDocument{
			CourseID: item.CourseID,
			Price:    item.Price,
			Quantity: item.Quantity,
			Name:     item.Name,
			Image:    item.Image,
		})
	}

	return orderDocument{
		UserID:        strings.TrimSpace(order.UserID),
		ExternalRef:   strings.TrimSpace(order.ExternalRef),
		TotalPrice:    order.TotalPrice,
		Email:         strings.TrimSpace(order.Email),
		Status:        string(order.Status),
		PaymentStatus: order.PaymentStatus,
		Token:         order.Token,
		Items:         items,
		IsActive:      order.IsActive,
		CreatedAt:     createdAt,
		UpdatedAt:     updatedAt,
	}
}

func decodeOrder(doc pfirestore.Document[orderDocument]) domain.Order {
	items := make([]domain.LineItem, 0, len(doc.Data.Items))
	for _, item := range doc.Data.Items {
		items = append(items, domain.LineItem{
			CourseID: item.CourseID,
			Price:    item.Price,
			Quantity: item.Quantity,
			Name:     item.Name,
			Image:    item.Image,
		})
	}

	return domain.Order{
		ID:            doc.ID,
		UserID:        doc.Data.UserID,
		ExternalRef:   doc.Data.ExternalRef,
		TotalPrice:    doc.Data.TotalPrice,
		Email:         doc.Data.Email,
		Status:        domain.OrderStatus(doc.Data.Status),
		PaymentStatus: doc.Data.PaymentStatus,
		Token:         doc.Data.Token,
		Items:         items,
		IsActive:      doc.Data.IsActive,
		CreatedAt:     doc.Data.CreatedAt,
		UpdatedAt:     doc.Data.UpdatedAt,
	}
}

// notFoundError adapts query misses to the repositories.RepositoryError shape.
type notFoundError struct {
	err error
}

func (e *notFoundError) Error() string       { return e.err.Error() }
func (e *notFoundError) Unwrap() error       { return e.err }
func (e *notFoundError) IsNotFound() bool    { return true }
func (e *notFoundError) IsConflict() bool    { return false }
func (e *notFoundError) IsUnavailable() bool { return false }
