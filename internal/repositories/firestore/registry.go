package firestore

import (
	"context"
	"errors"
	"fmt"

	pfirestore "github.com/kelaskita/api/internal/platform/firestore"
	"github.com/kelaskita/api/internal/repositories"
)

// Registry bundles the Firestore repository implementations behind the
// repositories.Registry contract.
type Registry struct {
	provider *pfirestore.Provider

	orders       *OrderRepository
	carts        *CartRepository
	entitlements *EntitlementRepository
	courses      *CourseRepository
	health       repositories.HealthRepository
}

// NewRegistry wires every repository over a shared Firestore provider.
func NewRegistry(provider *pfirestore.Provider, health repositories.HealthRepository) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}

	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("build order repository: %w", err)
	}
	carts, err := NewCartRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("build cart repository: %w", err)
	}
	entitlements, err := NewEntitlementRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("build entitlement repository: %w", err)
	}
	courses, err := NewCourseRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("build course repository: %w", err)
	}

	return &Registry{
		provider:     provider,
		orders:       orders,
		carts:        carts,
		entitlements: entitlements,
		courses:      courses,
		health:       health,
	}, nil
}

var _ repositories.Registry = (*Registry)(nil)

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

// Orders implements repositories.Registry.
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

// Carts implements repositories.Registry.
func (r *Registry) Carts() repositories.CartRepository { return r.carts }

// Entitlements implements repositories.Registry.
func (r *Registry) Entitlements() repositories.EntitlementRepository { return r.entitlements }

// Courses implements repositories.Registry.
func (r *Registry) Courses() repositories.CourseCatalog { return r.courses }

// Health implements repositories.Registry.
func (r *Registry) Health() repositories.HealthRepository { return r.health }
