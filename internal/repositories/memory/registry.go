// Package memory provides process-local repository implementations for tests and local runs.
package memory

import (
	"context"
	"time"

	"github.com/rewards-hub/api/internal/repositories"
)

// Registry bundles the in-memory repositories behind repositories.Registry.
type Registry struct {
	counters    *CounterRepository
	ledger      *LedgerRepository
	orders      *OrderRepository
	products    *ProductRepository
	productLogs *ProductLogRepository
	rewards     *RewardRepository
	carts       *CartRepository
	schedules   *ScheduleRepository
	health      repositories.HealthRepository
}

// NewRegistry constructs a registry with empty stores.
func NewRegistry() *Registry {
	health, _ := repositories.NewCheckedHealthRepository([]repositories.DependencyCheck{{
		Name:  "memory",
		Check: func(context.Context) error { return nil },
	}}, func() time.Time { return time.Now().UTC() })

	return &Registry{
		counters:    NewCounterRepository(),
		ledger:      NewLedgerRepository(),
		orders:      NewOrderRepository(),
		products:    NewProductRepository(),
		productLogs: NewProductLogRepository(),
		rewards:     NewRewardRepository(),
		carts:       NewCartRepository(),
		schedules:   NewScheduleRepository(),
		health:      health,
	}
}

func (r *Registry) Close(context.Context) error { return nil }

func (r *Registry) Counters() repositories.CounterRepository { return r.counters }
func (r *Registry) Ledger() repositories.LedgerRepository { return r.ledger }
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }
func (r *Registry) Products() repositories.ProductRepository { return r.products }
func (r *Registry) ProductLogs() repositories.ProductLogRepository { return r.productLogs }
func (r *Registry) Rewards() repositories.RewardRepository { return r.rewards }
func (r *Registry) Carts() repositories.CartRepository { return r.carts }
func (r *Registry) Schedules() repositories.ScheduleRepository { return r.schedules }
func (r *Registry) Health() repositories.HealthRepository { return r.health }

// OrderStore exposes the concrete order store so tests can inject write failures.
func (r *Registry) OrderStore() *OrderRepository { return r.orders }

// RewardStore exposes the concrete reward store so tests can inject write failures.
func (r *Registry) RewardStore() *RewardRepository { return r.rewards }
