package di

import (
	"context"
	"testing"
	"time"

	"github.com/rewards-hub/api/internal/platform/config"
	"github.com/rewards-hub/api/internal/repositories"
	"github.com/rewards-hub/api/internal/repositories/memory"
	"github.com/rewards-hub/api/internal/services"
)

func testConfig() config.Config {
	return config.Config{
		Security: config.SecurityConfig{Environment: "test"},
		Ledger:   config.LedgerConfig{CompensationTimeout: time.Second, BcryptCost: 4},
		Sweeps:   config.SweepConfig{GracePeriod: time.Minute, BatchSize: 10, Concurrency: 2},
	}
}

func TestNewContainer_BuildsEveryService(t *testing.T) {
	fixed := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	container, err := NewContainer(context.Background(), testConfig(), memory.NewRegistry(),
		WithClock(func() time.Time { return fixed }),
		WithBuildInfo(services.BuildInfo{Version: "1.0.0"}),
	)
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	svc := container.Services
	if svc.Sequences == nil || svc.Ledger == nil || svc.Carts == nil || svc.Orders == nil ||
		svc.Redemptions == nil || svc.Expiration == nil || svc.Reconciliation == nil ||
		svc.Catalog == nil || svc.System == nil {
		t.Fatalf("expected all services to be wired, got %+v", svc)
	}

	report, err := svc.System.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Environment != "test" || report.Version != "1.0.0" || report.Uptime != 0 {
		t.Fatalf("expected build info defaults from config and clock, got %+v", report)
	}

	if err := container.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestNewContainer_LedgerRoundTrip(t *testing.T) {
	container, err := NewContainer(context.Background(), testConfig(), memory.NewRegistry())
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	ctx := context.Background()
	ledger := container.Services.Ledger
	if _, err := ledger.Credit(ctx, services.LedgerPostCommand{EmployeeID: 7, Amount: 50, Description: "welcome"}); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	balance, err := ledger.CurrentBalance(ctx, 7)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 50 {
		t.Fatalf("expected balance 50, got %d", balance)
	}
}

func TestNewContainer_RequiresRegistry(t *testing.T) {
	if _, err := NewContainer(context.Background(), testConfig(), nil); err == nil {
		t.Fatalf("expected error for nil registry")
	}
}

func TestOverlayLedger(t *testing.T) {
	base := memory.NewRegistry()
	separate := memory.NewRegistry()
	released := false

	reg, err := OverlayLedger(base, separate.Ledger(), separate.Counters(), nil, func() { released = true })
	if err != nil {
		t.Fatalf("OverlayLedger: %v", err)
	}
	if reg.Ledger() != separate.Ledger() || reg.Counters() != separate.Counters() {
		t.Fatalf("expected ledger and counters from the overlay")
	}
	if reg.Orders() != base.Orders() || reg.Health() != base.Health() {
		t.Fatalf("expected remaining repositories from the base registry")
	}

	if _, err := reg.Counters().Next(context.Background(), "transactions", 1); err != nil {
		t.Fatalf("Next: %v", err)
	}
	current, err := base.Counters().Current(context.Background(), "transactions")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if current != 0 {
		t.Fatalf("expected base counters untouched, got %d", current)
	}

	if err := reg.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !released {
		t.Fatalf("expected release to run on Close")
	}
}

func TestOverlayLedger_Validation(t *testing.T) {
	base := memory.NewRegistry()
	tests := []struct {
		name     string
		base     repositories.Registry
		ledger   repositories.LedgerRepository
		counters repositories.CounterRepository
	}{
		{name: "missing base", ledger: base.Ledger(), counters: base.Counters()},
		{name: "missing ledger", base: base, counters: base.Counters()},
		{name: "missing counters", base: base, ledger: base.Ledger()},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := OverlayLedger(tc.base, tc.ledger, tc.counters, nil, nil); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
