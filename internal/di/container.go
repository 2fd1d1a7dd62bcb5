package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rewards-hub/api/internal/platform/config"
	"github.com/rewards-hub/api/internal/platform/observability"
	"github.com/rewards-hub/api/internal/repositories"
	"github.com/rewards-hub/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Sequences      services.SequenceService
	Ledger         services.LedgerService
	Carts          services.CartService
	Orders         services.OrderService
	Redemptions    services.RedemptionService
	Expiration     services.ExpirationService
	Reconciliation services.ReconciliationService
	Catalog        services.CatalogService
	System         services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// Option customises the collaborators handed to the services.
type Option func(*options)

type options struct {
	cache         services.BalanceCache
	notifications services.NotificationDispatcher
	metrics       services.MetricsRecorder
	logger        *zap.Logger
	build         services.BuildInfo
	clock         func() time.Time
	idGenerator   func() string
}

// WithBalanceCache enables the read-through balance cache.
func WithBalanceCache(cache services.BalanceCache) Option {
	return func(o *options) { o.cache = cache }
}

// WithNotifications sets the dispatcher used for order and reward notifications.
func WithNotifications(dispatcher services.NotificationDispatcher) Option {
	return func(o *options) { o.notifications = dispatcher }
}

// WithMetrics sets the counter sink shared by the services.
func WithMetrics(metrics services.MetricsRecorder) Option {
	return func(o *options) { o.metrics = metrics }
}

// WithLogger sets the base logger for service events.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithBuildInfo sets the metadata reported by readiness checks.
func WithBuildInfo(build services.BuildInfo) Option {
	return func(o *options) { o.build = build }
}

// WithClock overrides the time source of every service.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithIDGenerator overrides the id source for rewards, histories and edit logs.
func WithIDGenerator(gen func() string) Option {
	return func(o *options) { o.idGenerator = gen }
}

// NewContainer constructs the runtime dependencies. Production wiring provides the Firestore or
// Postgres backed registry, while tests supply the in-memory one.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, opts ...Option) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	o := options{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.build.StartedAt.IsZero() {
		o.build.StartedAt = o.clock().UTC()
	}
	if o.build.Environment == "" {
		o.build.Environment = cfg.Security.Environment
	}

	svc, err := buildServices(ctx, reg, cfg, o)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, o options) (Services, error) {
	var svc Services
	logger := func(name string) func(context.Context, string, map[string]any) {
		return observability.ServiceLogger(o.logger.Named(name))
	}

	sequenceSvc, err := services.NewSequenceService(services.SequenceServiceDeps{
		Repository: reg.Counters(),
		Logger:     logger("sequences"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build sequence service: %w", err)
	}
	svc.Sequences = sequenceSvc

	ledgerSvc, err := services.NewLedgerService(services.LedgerServiceDeps{
		Repository: reg.Ledger(),
		Sequences:  sequenceSvc,
		Cache:      o.cache,
		Metrics:    o.metrics,
		Clock:      o.clock,
		Logger:     logger("ledger"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build ledger service: %w", err)
	}
	svc.Ledger = ledgerSvc

	cartSvc, err := services.NewCartService(services.CartServiceDeps{
		Carts:    reg.Carts(),
		Products: reg.Products(),
		Clock:    o.clock,
		Logger:   logger("carts"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build cart service: %w", err)
	}
	svc.Carts = cartSvc

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:              reg.Orders(),
		Products:            reg.Products(),
		Ledger:              ledgerSvc,
		Sequences:           sequenceSvc,
		Carts:               cartSvc,
		Notifications:       o.notifications,
		Metrics:             o.metrics,
		Clock:               o.clock,
		IDGenerator:         o.idGenerator,
		CompensationTimeout: cfg.Ledger.CompensationTimeout,
		Logger:              logger("orders"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	redemptionSvc, err := services.NewRedemptionService(services.RedemptionServiceDeps{
		Rewards:             reg.Rewards(),
		Ledger:              ledgerSvc,
		Notifications:       o.notifications,
		Metrics:             o.metrics,
		Clock:               o.clock,
		IDGenerator:         o.idGenerator,
		BcryptCost:          cfg.Ledger.BcryptCost,
		CompensationTimeout: cfg.Ledger.CompensationTimeout,
		Logger:              logger("redemptions"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build redemption service: %w", err)
	}
	svc.Redemptions = redemptionSvc

	expirationSvc, err := services.NewExpirationService(services.ExpirationServiceDeps{
		Rewards:     reg.Rewards(),
		Schedules:   reg.Schedules(),
		BatchSize:   cfg.Sweeps.BatchSize,
		Concurrency: cfg.Sweeps.Concurrency,
		Clock:       o.clock,
		Logger:      logger("expiration"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build expiration service: %w", err)
	}
	svc.Expiration = expirationSvc

	reconciliationSvc, err := services.NewReconciliationService(services.ReconciliationServiceDeps{
		LedgerStore: reg.Ledger(),
		Ledger:      ledgerSvc,
		Orders:      reg.Orders(),
		Rewards:     reg.Rewards(),
		GracePeriod: cfg.Sweeps.GracePeriod,
		BatchSize:   cfg.Sweeps.BatchSize,
		Concurrency: cfg.Sweeps.Concurrency,
		Metrics:     o.metrics,
		Clock:       o.clock,
		Logger:      logger("reconciliation"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build reconciliation service: %w", err)
	}
	svc.Reconciliation = reconciliationSvc

	catalogSvc, err := services.NewCatalogService(services.CatalogServiceDeps{
		Products:    reg.Products(),
		Logs:        reg.ProductLogs(),
		Sequences:   sequenceSvc,
		Clock:       o.clock,
		IDGenerator: o.idGenerator,
		Logger:      logger("catalog"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build catalog service: %w", err)
	}
	svc.Catalog = catalogSvc

	if healthRepo := reg.Health(); healthRepo != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            o.clock,
			Build:            o.build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}
