package domain

import (
	"time"
)

// OrderStatus is the canonical, locally-owned order state derived from the
// gateway's raw transaction status.
type OrderStatus string

const (
	// OrderStatusInit marks a freshly created checkout that the gateway has not
	// reported on yet.
	OrderStatusInit OrderStatus = "init"
	// OrderStatusPending marks an order awaiting customer payment.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusPaid marks a settled order whose entitlements have been granted.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusCancelled marks an order cancelled before settlement.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusExpired marks an order whose checkout window lapsed.
	OrderStatusExpired OrderStatus = "expired"
)

// IsTerminal reports whether the status is final. Terminal orders are never
// re-checked against the gateway and their status is never overwritten by
// reconciliation.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusPaid, OrderStatusCancelled, OrderStatusExpired:
		return true
	}
	return false
}

// LineItem captures one course position on an order, persisted exactly as it
// was sent to the gateway.
type LineItem struct {
	CourseID string
	Price    int64
	Quantity int64
	Name     string
	Image    string
}

// Order is the locally recorded view of a checkout transaction.
//
// ExternalRef is the gateway correlation id. It is unique, assigned at
// creation, and immutable afterwards.
type Order struct {
	ID            string
	UserID        string
	ExternalRef   string
	TotalPrice    int64
	Email         string
	Status        OrderStatus
	PaymentStatus string
	Token         string
	Items         []LineItem
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CartItem is a transient row linking a user to a course they intend to buy.
type CartItem struct {
	ID        string
	UserID    string
	CourseID  string
	CreatedAt time.Time
}

// Entitlement grants a user permanent access to a course. At most one
// entitlement exists per (user, course) pair; it is created when an order is
// reconciled to paid and never destroyed by reconciliation.
type Entitlement struct {
	ID        string
	UserID    string
	CourseID  string
	Metadata  map[string]any
	CreatedAt time.Time
}

// Course is the read-only slice of the course catalog needed at checkout.
// Course CRUD lives in a separate system; this service only reads it.
type Course struct {
	ID       string
	Name     string
	Price    int64
	ImageURL string
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Environment string
	GeneratedAt time.Time
}
