package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kelaskita/api/internal/payments"
	"github.com/kelaskita/api/internal/platform/config"
	"github.com/kelaskita/api/internal/repositories"
	"github.com/kelaskita/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Reconciliation services.ReconciliationService
	Checkout       services.CheckoutService
}

// Container wires repositories, the payment gateway client, and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Gateway      payments.Client
	Services     Services
}

// Option customises container assembly.
type Option func(*containerOptions)

type containerOptions struct {
	gateway  payments.Client
	receipts services.ReceiptJobDispatcher
	logger   func(ctx context.Context, event string, fields map[string]any)
	clock    func() time.Time
}

// WithGateway supplies a pre-built payment gateway client instead of constructing one
// from configuration. Tests use this to inject fakes.
func WithGateway(client payments.Client) Option {
	return func(o *containerOptions) {
		o.gateway = client
	}
}

// WithReceiptDispatcher enables receipt job publishing on paid transitions.
func WithReceiptDispatcher(dispatcher services.ReceiptJobDispatcher) Option {
	return func(o *containerOptions) {
		o.receipts = dispatcher
	}
}

// WithServiceLogger attaches a structured event logger to the assembled services.
func WithServiceLogger(logger func(ctx context.Context, event string, fields map[string]any)) Option {
	return func(o *containerOptions) {
		o.logger = logger
	}
}

// WithClock overrides the clock used by the assembled services.
func WithClock(clock func() time.Time) Option {
	return func(o *containerOptions) {
		o.clock = clock
	}
}

// NewContainer constructs the runtime dependencies. Production wiring provides the
// Firestore-backed registry, while tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, opts ...Option) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	options := containerOptions{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	gateway := options.gateway
	if gateway == nil {
		client, err := payments.NewSnapClient(payments.SnapClientConfig{
			BaseURL:   cfg.Gateway.BaseURL,
			SnapURL:   cfg.Gateway.SnapURL,
			ServerKey: cfg.Gateway.ServerKey,
		})
		if err != nil {
			return nil, fmt.Errorf("build gateway client: %w", err)
		}
		gateway = client
	}

	svc, err := buildServices(cfg, reg, gateway, options)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Gateway:      gateway,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(cfg config.Config, reg repositories.Registry, gateway payments.Client, options containerOptions) (Services, error) {
	var svc Services

	reconcileSvc, err := services.NewReconciliationService(services.ReconciliationServiceDeps{
		Orders:       reg.Orders(),
		Carts:        reg.Carts(),
		Entitlements: reg.Entitlements(),
		Gateway:      gateway,
		Receipts:     options.receipts,
		Clock:        options.clock,
		Logger:       options.logger,
		Timeout:      cfg.Reconcile.Timeout,
		MaxRetries:   cfg.Reconcile.MaxRetries,
		Concurrency:  cfg.Reconcile.Concurrency,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build reconciliation service: %w", err)
	}
	svc.Reconciliation = reconcileSvc

	checkoutSvc, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Orders:            reg.Orders(),
		Carts:             reg.Carts(),
		Courses:           reg.Courses(),
		Gateway:           gateway,
		Clock:             options.clock,
		Logger:            options.logger,
		ExternalRefPrefix: cfg.Gateway.ExternalRefPrefix,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}
	svc.Checkout = checkoutSvc

	return svc, nil
}
