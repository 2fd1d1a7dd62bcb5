package di

import (
	"context"
	"errors"

	"github.com/rewards-hub/api/internal/repositories"
)

// ledgerOverlay swaps the ledger, counters and health checks of a base registry while sharing
// the remaining repositories. release runs after the base registry is closed.
type ledgerOverlay struct {
	repositories.Registry
	ledger   repositories.LedgerRepository
	counters repositories.CounterRepository
	health   repositories.HealthRepository
	release  func()
}

// OverlayLedger routes ledger and counter traffic to a separate store, typically Postgres,
// on top of base. A nil health keeps the base checks.
func OverlayLedger(base repositories.Registry, ledger repositories.LedgerRepository, counters repositories.CounterRepository, health repositories.HealthRepository, release func()) (repositories.Registry, error) {
	if base == nil {
		return nil, errors.New("di: base registry is required")
	}
	if ledger == nil || counters == nil {
		return nil, errors.New("di: overlay requires ledger and counter repositories")
	}
	return &ledgerOverlay{Registry: base, ledger: ledger, counters: counters, health: health, release: release}, nil
}

func (o *ledgerOverlay) Ledger() repositories.LedgerRepository { return o.ledger }

func (o *ledgerOverlay) Counters() repositories.CounterRepository { return o.counters }

func (o *ledgerOverlay) Health() repositories.HealthRepository {
	if o.health != nil {
		return o.health
	}
	return o.Registry.Health()
}

func (o *ledgerOverlay) Close(ctx context.Context) error {
	err := o.Registry.Close(ctx)
	if o.release != nil {
		o.release()
	}
	return err
}
