package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	domain "github.com/rewards-hub/api/internal/domain"
	"github.com/rewards-hub/api/internal/platform/textutil"
	"github.com/rewards-hub/api/internal/repositories"
)

const maxDescriptionLength = 280

// LedgerServiceDeps bundles collaborators required to construct the ledger service.
type LedgerServiceDeps struct {
	Repository repositories.LedgerRepository
	Sequences  SequenceService
	Cache      BalanceCache
	Metrics    MetricsRecorder
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type ledgerService struct {
	repo      repositories.LedgerRepository
	sequences SequenceService
	cache     BalanceCache
	metrics   MetricsRecorder
	clock     func() time.Time
	logger    func(context.Context, string, map[string]any)
}

var _ LedgerService = (*ledgerService)(nil)

// NewLedgerService wires the ledger store with transaction id generation.
func NewLedgerService(deps LedgerServiceDeps) (LedgerService, error) {
	if deps.Repository == nil {
		return nil, errors.New("ledger service: ledger repository is required")
	}
	if deps.Sequences == nil {
		return nil, errors.New("ledger service: sequence service is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &ledgerService{
		repo:      deps.Repository,
		sequences: deps.Sequences,
		cache:     deps.Cache,
		metrics:   metrics,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *ledgerService) Debit(ctx context.Context, cmd LedgerPostCommand) (LedgerTransaction, error) {
	if cmd.Kind == "" {
		cmd.Kind = domain.TransactionKindAdjustment
	}
	return s.post(ctx, cmd, false)
}

func (s *ledgerService) Credit(ctx context.Context, cmd LedgerPostCommand) (LedgerTransaction, error) {
	if cmd.Kind == "" {
		cmd.Kind = domain.TransactionKindAdjustment
	}
	return s.post(ctx, cmd, true)
}

func (s *ledgerService) post(ctx context.Context, cmd LedgerPostCommand, credit bool) (LedgerTransaction, error) {
	if cmd.EmployeeID <= 0 {
		return LedgerTransaction{}, fmt.Errorf("%w: employee id is required", ErrValidation)
	}
	if cmd.Amount <= 0 {
		return LedgerTransaction{}, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	description := truncate(textutil.SanitizeText(cmd.Description), maxDescriptionLength)
	if description == "" {
		return LedgerTransaction{}, fmt.Errorf("%w: description is required", ErrValidation)
	}

	if credit {
		balance, err := s.StoredBalance(ctx, cmd.EmployeeID)
		if err != nil {
			return LedgerTransaction{}, err
		}
		if balance > math.MaxInt64-cmd.Amount {
			return LedgerTransaction{}, fmt.Errorf("%w: credit overflows balance", ErrValidation)
		}
	}

	transactionID, err := s.sequences.Next(ctx, domain.CounterTransactions)
	if err != nil {
		return LedgerTransaction{}, err
	}

	txn, err := s.repo.Append(ctx, domain.LedgerEntry{
		TransactionID: transactionID,
		EmployeeID:    cmd.EmployeeID,
		Description:   description,
		IsCredited:    credit,
		Amount:        cmd.Amount,
		Kind:          cmd.Kind,
		OrderRef:      cmd.OrderRef,
		RewardRef:     cmd.RewardRef,
		Settled:       cmd.Settled,
		CreatedAt:     s.clock(),
	})
	if err != nil {
		return LedgerTransaction{}, mapRepositoryError("ledger", err)
	}

	s.writeThrough(ctx, txn)
	s.metrics.Incr(ctx, "ledger.posted", map[string]string{"kind": string(txn.Kind), "credited": fmt.Sprint(credit)})
	s.logger(ctx, "ledger.posted", map[string]any{
		"employeeId":    txn.EmployeeID,
		"transactionId": txn.TransactionID,
		"kind":          string(txn.Kind),
		"amount":        txn.Signed(),
		"balance":       txn.Balance,
	})
	return txn, nil
}

func (s *ledgerService) Reverse(ctx context.Context, cmd ReverseCommand) (LedgerTransaction, error) {
	if cmd.TransactionID <= 0 {
		return LedgerTransaction{}, fmt.Errorf("%w: transaction id is required", ErrValidation)
	}
	source, err := s.repo.Get(ctx, cmd.TransactionID)
	if err != nil {
		return LedgerTransaction{}, mapRepositoryError("ledger", err)
	}
	if source.Reversed() {
		return LedgerTransaction{}, fmt.Errorf("%w: transaction %d reversed by %d", ErrAlreadyReversed, source.TransactionID, source.ReversedBy)
	}

	kind := cmd.Kind
	if kind == "" {
		kind = domain.TransactionKindReversal
	}
	description := truncate(textutil.SanitizeText(cmd.Description), maxDescriptionLength)
	if description == "" {
		description = fmt.Sprintf("Reversal of transaction %d", source.TransactionID)
	}

	transactionID, err := s.sequences.Next(ctx, domain.CounterTransactions)
	if err != nil {
		return LedgerTransaction{}, err
	}

	txn, err := s.repo.Reverse(ctx, repositories.ReverseRequest{
		SourceTransactionID: source.TransactionID,
		TransactionID:       transactionID,
		Kind:                kind,
		Description:         description,
		CreatedAt:           s.clock(),
	})
	if err != nil {
		return LedgerTransaction{}, mapRepositoryError("ledger", err)
	}

	s.writeThrough(ctx, txn)
	s.metrics.Incr(ctx, "ledger.reversed", map[string]string{"kind": string(kind)})
	s.logger(ctx, "ledger.reversed", map[string]any{
		"employeeId":    txn.EmployeeID,
		"transactionId": txn.TransactionID,
		"reverses":      source.TransactionID,
		"balance":       txn.Balance,
	})
	return txn, nil
}

func (s *ledgerService) CurrentBalance(ctx context.Context, employeeID int64) (int64, error) {
	if employeeID <= 0 {
		return 0, fmt.Errorf("%w: employee id is required", ErrValidation)
	}
	if s.cache != nil {
		if balance, ok, err := s.cache.Get(ctx, employeeID); err == nil && ok {
			return balance, nil
		} else if err != nil {
			s.logger(ctx, "ledger.cache.get_failed", map[string]any{"employeeId": employeeID, "error": err.Error()})
		}
	}

	balance, sequence, err := s.head(ctx, employeeID)
	if err != nil {
		return 0, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, employeeID, balance, sequence); err != nil {
			s.logger(ctx, "ledger.cache.set_failed", map[string]any{"employeeId": employeeID, "error": err.Error()})
		}
	}
	return balance, nil
}

func (s *ledgerService) StoredBalance(ctx context.Context, employeeID int64) (int64, error) {
	if employeeID <= 0 {
		return 0, fmt.Errorf("%w: employee id is required", ErrValidation)
	}
	balance, _, err := s.head(ctx, employeeID)
	return balance, err
}

// head returns the balance and account sequence of the latest entry, zero for an empty account.
func (s *ledgerService) head(ctx context.Context, employeeID int64) (int64, int64, error) {
	latest, ok, err := s.repo.Latest(ctx, employeeID)
	if err != nil {
		return 0, 0, mapRepositoryError("ledger", err)
	}
	if !ok {
		return 0, 0, nil
	}
	return latest.Balance, latest.Sequence, nil
}

func (s *ledgerService) History(ctx context.Context, employeeID int64) ([]LedgerTransaction, error) {
	if employeeID <= 0 {
		return nil, fmt.Errorf("%w: employee id is required", ErrValidation)
	}
	entries, err := s.repo.List(ctx, employeeID)
	if err != nil {
		return nil, mapRepositoryError("ledger", err)
	}
	return entries, nil
}

func (s *ledgerService) Replay(ctx context.Context, employeeID int64) (LedgerReplay, error) {
	entries, err := s.History(ctx, employeeID)
	if err != nil {
		return LedgerReplay{}, err
	}
	replay := LedgerReplay{EmployeeID: employeeID, Entries: len(entries), Consistent: true}
	var running int64
	for i, entry := range entries {
		running += entry.Signed()
		if entry.Balance != running || entry.Balance < 0 || entry.Sequence != int64(i+1) {
			replay.Consistent = false
		}
	}
	replay.ReplayBalance = running
	if n := len(entries); n > 0 {
		replay.StoredBalance = entries[n-1].Balance
	}
	if replay.StoredBalance != replay.ReplayBalance {
		replay.Consistent = false
	}
	return replay, nil
}

func (s *ledgerService) MarkSettled(ctx context.Context, transactionID int64) error {
	if err := s.repo.MarkSettled(ctx, transactionID); err != nil {
		return mapRepositoryError("ledger", err)
	}
	return nil
}

// writeThrough stores the post-write balance. The key is dropped when the write fails.
func (s *ledgerService) writeThrough(ctx context.Context, txn LedgerTransaction) {
	if s.cache == nil {
		return
	}
	err := s.cache.Set(ctx, txn.EmployeeID, txn.Balance, txn.Sequence)
	if err == nil {
		return
	}
	s.logger(ctx, "ledger.cache.set_failed", map[string]any{"employeeId": txn.EmployeeID, "error": err.Error()})
	if err := s.cache.Invalidate(ctx, txn.EmployeeID); err != nil {
		s.logger(ctx, "ledger.cache.invalidate_failed", map[string]any{
			"employeeId": txn.EmployeeID,
			"error":      err.Error(),
		})
	}
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}
