package repositories

import (
	"context"
	"time"

	domain "github.com/kelaskita/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Carts() CartRepository
	Entitlements() EntitlementRepository
	Courses() CourseCatalog
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderListFilter narrows order listings. Search matches a lowercase substring
// of the external reference; Limit/Offset page through the result set.
type OrderListFilter struct {
	Search string
	Limit  int
	Offset int
}

// StatusUpdate carries the idempotent field assignment applied after a
// gateway status check: the raw gateway status verbatim plus the canonical
// status derived from it.
type StatusUpdate struct {
	PaymentStatus string
	Status        domain.OrderStatus
	UpdatedAt     time.Time
}

// OrderRepository persists locally recorded checkout orders.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByExternalRef(ctx context.Context, externalRef string) (domain.Order, error)
	// ListByUser returns the filtered page of a user's orders plus the total
	// number of orders matching the filter regardless of paging.
	ListByUser(ctx context.Context, userID string, filter OrderListFilter) ([]domain.Order, int, error)
	// ListAllByUser returns every order for the user regardless of status.
	ListAllByUser(ctx context.Context, userID string) ([]domain.Order, error)
	// UpdateStatus overwrites paymentStatus and status for the order. The
	// write is a plain field assignment and safe to repeat.
	UpdateStatus(ctx context.Context, orderID string, update StatusUpdate) error
	// DeleteStaleCheckouts removes every order of the user still in init and
	// reports how many were removed. Deleting zero rows is success.
	DeleteStaleCheckouts(ctx context.Context, userID string) (int, error)
}

// CartRepository persists transient cart rows.
type CartRepository interface {
	ListByUser(ctx context.Context, userID string) ([]domain.CartItem, error)
	// DeleteByUserCourse removes all cart rows for the (user, course) pair and
	// reports how many existed. Absence of matching rows is not an error.
	DeleteByUserCourse(ctx context.Context, userID string, courseID string) (int, error)
}

// EntitlementRepository persists permanent course access grants.
type EntitlementRepository interface {
	// Ensure creates the entitlement unless one already exists for the
	// (user, course) pair. The returned flag reports whether a new grant was
	// written. It must be safe under concurrent calls for the same pair.
	Ensure(ctx context.Context, entitlement domain.Entitlement) (domain.Entitlement, bool, error)
	ListByUser(ctx context.Context, userID string) ([]domain.Entitlement, error)
}

// CourseCatalog is the read-only collaborator giving checkout access to
// course names and prices. Course management lives outside this service.
type CourseCatalog interface {
	FindByIDs(ctx context.Context, courseIDs []string) ([]domain.Course, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
