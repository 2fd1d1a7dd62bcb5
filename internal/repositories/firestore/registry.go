// Package firestore implements the repositories on Cloud Firestore.
package firestore

import (
	"context"
	"errors"
	"time"

	pfirestore "github.com/rewards-hub/api/internal/platform/firestore"
	"github.com/rewards-hub/api/internal/repositories"
)

// Registry bundles the Firestore repositories behind repositories.Registry.
type Registry struct {
	provider    *pfirestore.Provider
	counters    repositories.CounterRepository
	ledger      repositories.LedgerRepository
	orders      *OrderRepository
	products    *ProductRepository
	productLogs *ProductLogRepository
	rewards     *RewardRepository
	carts       *CartRepository
	schedules   *ScheduleRepository
	health      repositories.HealthRepository
}

// RegistryOption customises the registry.
type RegistryOption func(*registryOptions)

type registryOptions struct {
	ledger   repositories.LedgerRepository
	counters repositories.CounterRepository
	checks   []repositories.DependencyCheck
	clock    func() time.Time
}

// WithLedger replaces the Firestore ledger, e.g. with the Postgres implementation.
func WithLedger(ledger repositories.LedgerRepository) RegistryOption {
	return func(o *registryOptions) { o.ledger = ledger }
}

// WithCounters replaces the Firestore counters. Use it together with WithLedger so
// transaction ids come from the same store as the entries.
func WithCounters(counters repositories.CounterRepository) RegistryOption {
	return func(o *registryOptions) { o.counters = counters }
}

// WithHealthChecks adds checks reported next to the Firestore one.
func WithHealthChecks(checks ...repositories.DependencyCheck) RegistryOption {
	return func(o *registryOptions) { o.checks = append(o.checks, checks...) }
}

// WithClock overrides the clock used for health reports.
func WithClock(clock func() time.Time) RegistryOption {
	return func(o *registryOptions) { o.clock = clock }
}

// NewRegistry wires every repository on top of provider. The registry owns the provider and
// closes it on Close.
func NewRegistry(provider *pfirestore.Provider, opts ...RegistryOption) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires a provider")
	}
	var options registryOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	var err error
	counters := options.counters
	if counters == nil {
		if counters, err = NewCounterRepository(provider); err != nil {
			return nil, err
		}
	}
	ledger := options.ledger
	if ledger == nil {
		if ledger, err = NewLedgerRepository(provider); err != nil {
			return nil, err
		}
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	products, err := NewProductRepository(provider)
	if err != nil {
		return nil, err
	}
	productLogs, err := NewProductLogRepository(provider)
	if err != nil {
		return nil, err
	}
	rewards, err := NewRewardRepository(provider)
	if err != nil {
		return nil, err
	}
	carts, err := NewCartRepository(provider)
	if err != nil {
		return nil, err
	}
	schedules, err := NewScheduleRepository(provider)
	if err != nil {
		return nil, err
	}

	checks := append([]repositories.DependencyCheck{{
		Name:    "firestore",
		Timeout: 2 * time.Second,
		Check:   provider.Ping,
	}}, options.checks...)
	health, err := repositories.NewCheckedHealthRepository(checks, options.clock)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider:    provider,
		counters:    counters,
		ledger:      ledger,
		orders:      orders,
		products:    products,
		productLogs: productLogs,
		rewards:     rewards,
		carts:       carts,
		schedules:   schedules,
		health:      health,
	}, nil
}

func (r *Registry) Close(ctx context.Context) error { return r.provider.Close(ctx) }

func (r *Registry) Counters() repositories.CounterRepository { return r.counters }
func (r *Registry) Ledger() repositories.LedgerRepository { return r.ledger }
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }
func (r *Registry) Products() repositories.ProductRepository { return r.products }
func (r *Registry) ProductLogs() repositories.ProductLogRepository { return r.productLogs }
func (r *Registry) Rewards() repositories.RewardRepository { return r.rewards }
func (r *Registry) Carts() repositories.CartRepository { return r.carts }
func (r *Registry) Schedules() repositories.ScheduleRepository { return r.schedules }
func (r *Registry) Health() repositories.HealthRepository { return r.health }

var _ repositories.Registry = (*Registry)(nil)
