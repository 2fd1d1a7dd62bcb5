package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	domain "github.com/rewards-hub/api/internal/domain"
	"github.com/rewards-hub/api/internal/repositories"
)

const defaultReconciliationGrace = 5 * time.Minute

// ReconciliationServiceDeps bundles collaborators required to construct the reconciliation sweep.
type ReconciliationServiceDeps struct {
	LedgerStore repositories.LedgerRepository
	Ledger      LedgerService
	Orders      repositories.OrderRepository
	Rewards     repositories.RewardRepository
	// GracePeriod keeps the sweep away from sagas that may still be in flight.
	GracePeriod time.Duration
	BatchSize   int
	Concurrency int
	Metrics     MetricsRecorder
	Clock       func() time.Time
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type reconciliationService struct {
	store       repositories.LedgerRepository
	ledger      LedgerService
	orders      repositories.OrderRepository
	rewards     repositories.RewardRepository
	refunds     *orderRefunder
	grace       time.Duration
	batch       int
	concurrency int
	metrics     MetricsRecorder
	clock       func() time.Time
	logger      func(context.Context, string, map[string]any)
}

var _ ReconciliationService = (*reconciliationService)(nil)

// NewReconciliationService constructs the repair sweep for interrupted sagas.
func NewReconciliationService(deps ReconciliationServiceDeps) (ReconciliationService, error) {
	switch {
	case deps.LedgerStore == nil:
		return nil, errors.New("reconciliation service: ledger repository is required")
	case deps.Ledger == nil:
		return nil, errors.New("reconciliation service: ledger service is required")
	case deps.Orders == nil:
		return nil, errors.New("reconciliation service: order repository is required")
	case deps.Rewards == nil:
		return nil, errors.New("reconciliation service: reward repository is required")
	}
	grace := deps.GracePeriod
	if grace <= 0 {
		grace = defaultReconciliationGrace
	}
	batch := deps.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatch
	}
	concurrency := deps.Concurrency
	if concurrency <= 0 {
		concurrency = defaultSweepConcurrency
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	utc := func() time.Time { return clock().UTC() }
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &reconciliationService{
		store:   deps.LedgerStore,
		ledger:  deps.Ledger,
		orders:  deps.Orders,
		rewards: deps.Rewards,
		refunds: &orderRefunder{
			orders: deps.Orders,
			ledger: deps.Ledger,
			clock:  utc,
			logger: logger,
		},
		grace:       grace,
		batch:       batch,
		concurrency: concurrency,
		metrics:     metrics,
		clock:       utc,
		logger:      logger,
	}, nil
}

type reconciliationTally struct {
	mu     sync.Mutex
	report *ReconciliationReport
}

func (t *reconciliationTally) add(apply func(r *ReconciliationReport)) {
	t.mu.Lock()
	apply(t.report)
	t.mu.Unlock()
}

// Reconcile is idempotent; each repair re-checks state before writing.
func (s *reconciliationService) Reconcile(ctx context.Context) (ReconciliationReport, error) {
	report := ReconciliationReport{StartedAt: s.clock()}
	before := report.StartedAt.Add(-s.grace)
	tally := &reconciliationTally{report: &report}

	debits, err := s.store.ListUnsettledPurchases(ctx, before, s.batch)
	if err != nil {
		return report, mapRepositoryError("reconciliation", err)
	}
	s.each(ctx, tally, len(debits), func(ctx context.Context, i int) error {
		return s.repairDebit(ctx, tally, debits[i])
	})

	refunds, err := s.orders.ListPendingRefunds(ctx, before, s.batch)
	if err != nil {
		return report, mapRepositoryError("reconciliation", err)
	}
	s.each(ctx, tally, len(refunds), func(ctx context.Context, i int) error {
		if err := s.refunds.Refund(ctx, refunds[i]); err != nil {
			return err
		}
		tally.add(func(r *ReconciliationReport) { r.RefundsApplied++ })
		return nil
	})

	claims, err := s.rewards.ListUnsettledClaims(ctx, before, s.batch)
	if err != nil {
		return report, mapRepositoryError("reconciliation", err)
	}
	s.each(ctx, tally, len(claims), func(ctx context.Context, i int) error {
		return s.repairClaim(ctx, tally, claims[i])
	})

	report.CompletedAt = s.clock()
	s.metrics.Incr(ctx, "reconciliation.runs", nil)
	s.logger(ctx, "reconciliation.completed", map[string]any{
		"settledDebits":  report.SettledDebits,
		"reversedDebits": report.ReversedDebits,
		"refunds":        report.RefundsApplied,
		"settledClaims":  report.SettledClaims,
		"releasedClaims": report.ReleasedClaims,
		"failures":       report.Failures,
	})
	return report, nil
}

// each runs fn for every index with bounded concurrency; failures are counted, not fatal.
func (s *reconciliationService) each(ctx context.Context, tally *reconciliationTally, n int, fn func(context.Context, int) error) {
	var group errgroup.Group
	group.SetLimit(s.concurrency)
	for i := range n {
		group.Go(func() error {
			if err := fn(ctx, i); err != nil {
				tally.add(func(r *ReconciliationReport) { r.Failures++ })
				s.logger(ctx, "reconciliation.repair.failed", map[string]any{"error": err.Error()})
			}
			return nil
		})
	}
	_ = group.Wait()
}

func (s *reconciliationService) repairDebit(ctx context.Context, tally *reconciliationTally, debit LedgerTransaction) error {
	view, err := s.orders.Get(ctx, debit.OrderRef)
	switch {
	case err == nil && view.Order.TransactionID == debit.TransactionID:
		if err := s.ledger.MarkSettled(ctx, debit.TransactionID); err != nil {
			return err
		}
		tally.add(func(r *ReconciliationReport) { r.SettledDebits++ })
		return nil
	case err != nil && !isNotFound(err):
		return mapRepositoryError("reconciliation", err)
	}

	_, err = s.ledger.Reverse(ctx, ReverseCommand{
		TransactionID: debit.TransactionID,
		Kind:          domain.TransactionKindReversal,
		Description:   fmt.Sprintf("Reversal of Purchase Order No %d", debit.OrderRef),
	})
	if err != nil && !errors.Is(err, ErrAlreadyReversed) {
		return err
	}
	tally.add(func(r *ReconciliationReport) { r.ReversedDebits++ })
	s.logger(ctx, "reconciliation.debit.reversed", map[string]any{
		"transactionId": debit.TransactionID,
		"orderId":       debit.OrderRef,
		"employeeId":    debit.EmployeeID,
	})
	return nil
}

func (s *reconciliationService) repairClaim(ctx context.Context, tally *reconciliationTally, reward Reward) error {
	credits, err := s.store.FindByRewardRef(ctx, reward.ID)
	if err != nil {
		return mapRepositoryError("reconciliation", err)
	}
	for _, txn := range credits {
		if txn.IsCredited && txn.ReversesTransactionID == 0 && !txn.Reversed() {
			if err := s.rewards.Settle(ctx, reward.ID, reward.ClaimToken, txn.TransactionID); err != nil {
				return mapRepositoryError("reconciliation", err)
			}
			tally.add(func(r *ReconciliationReport) { r.SettledClaims++ })
			return nil
		}
	}
	if err := s.rewards.Release(ctx, reward.ID, reward.ClaimToken); err != nil {
		return mapRepositoryError("reconciliation", err)
	}
	tally.add(func(r *ReconciliationReport) { r.ReleasedClaims++ })
	s.logger(ctx, "reconciliation.claim.released", map[string]any{"rewardId": reward.ID})
	return nil
}
