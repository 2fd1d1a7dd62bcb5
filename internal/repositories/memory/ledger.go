package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	domain "github.com/rewards-hub/api/internal/domain"
	"github.com/rewards-hub/api/internal/repositories"
)

type account struct {
	mu      sync.Mutex
	entries []domain.LedgerTransaction
}

// LedgerRepository keeps one lock per employee so appends for different employees never contend.
type LedgerRepository struct {
	accountsMu sync.Mutex
	accounts   map[int64]*account

	indexMu sync.RWMutex
	index   map[int64]ledgerRef
}

type ledgerRef struct {
	employeeID int64
	position   int
}

// NewLedgerRepository constructs an empty in-memory ledger.
func NewLedgerRepository() *LedgerRepository {
	return &LedgerRepository{
		accounts: make(map[int64]*account),
		index:    make(map[int64]ledgerRef),
	}
}

func (r *LedgerRepository) account(employeeID int64) *account {
	r.accountsMu.Lock()
	defer r.accountsMu.Unlock()
	acc, ok := r.accounts[employeeID]
	if !ok {
		acc = &account{}
		r.accounts[employeeID] = acc
	}
	return acc
}

func (r *LedgerRepository) Append(_ context.Context, entry domain.LedgerEntry) (domain.LedgerTransaction, error) {
	acc := r.account(entry.EmployeeID)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return r.appendLocked(acc, entry)
}

func (r *LedgerRepository) appendLocked(acc *account, entry domain.LedgerEntry) (domain.LedgerTransaction, error) {
	r.indexMu.RLock()
	_, exists := r.index[entry.TransactionID]
	r.indexMu.RUnlock()
	if exists {
		return domain.LedgerTransaction{}, repositories.ConflictError("ledger.append", "transaction %d already exists", entry.TransactionID)
	}

	var balance, sequence int64
	if n := len(acc.entries); n > 0 {
		balance = acc.entries[n-1].Balance
		sequence = acc.entries[n-1].Sequence
	}
	if !entry.IsCredited && entry.Amount > balance {
		return domain.LedgerTransaction{}, &repositories.LedgerError{
			Code:       repositories.LedgerErrorInsufficientBalance,
			EmployeeID: entry.EmployeeID,
			Balance:    balance,
			Requested:  entry.Amount,
		}
	}

	txn := transactionFromEntry(entry)
	txn.Sequence = sequence + 1
	if entry.IsCredited {
		txn.Balance = balance + entry.Amount
	} else {
		txn.Balance = balance - entry.Amount
	}
	acc.entries = append(acc.entries, txn)

	r.indexMu.Lock()
	r.index[txn.TransactionID] = ledgerRef{employeeID: txn.EmployeeID, position: len(acc.entries) - 1}
	r.indexMu.Unlock()
	return txn, nil
}

func (r *LedgerRepository) Reverse(_ context.Context, req repositories.ReverseRequest) (domain.LedgerTransaction, error) {
	r.indexMu.RLock()
	ref, ok := r.index[req.SourceTransactionID]
	r.indexMu.RUnlock()
	if !ok {
		return domain.LedgerTransaction{}, repositories.NotFoundError("ledger.reverse", "transaction %d not found", req.SourceTransactionID)
	}

	acc := r.account(ref.employeeID)
	acc.mu.Lock()
	defer acc.mu.Unlock()

	source := acc.entries[ref.position]
	if source.ReversesTransactionID != 0 {
		return domain.LedgerTransaction{}, &repositories.LedgerError{Code: repositories.LedgerErrorNotReversible, TransactionID: source.TransactionID}
	}
	if source.Reversed() {
		return domain.LedgerTransaction{}, &repositories.LedgerError{Code: repositories.LedgerErrorAlreadyReversed, TransactionID: source.TransactionID}
	}

	txn, err := r.appendLocked(acc, domain.LedgerEntry{
		TransactionID:         req.TransactionID,
		EmployeeID:            source.EmployeeID,
		Description:           req.Description,
		IsCredited:            !source.IsCredited,
		Amount:                source.Amount,
		Kind:                  req.Kind,
		OrderRef:              source.OrderRef,
		RewardRef:             source.RewardRef,
		ReversesTransactionID: source.TransactionID,
		Settled:               true,
		CreatedAt:             req.CreatedAt,
	})
	if err != nil {
		return domain.LedgerTransaction{}, err
	}
	acc.entries[ref.position].ReversedBy = txn.TransactionID
	return txn, nil
}

func (r *LedgerRepository) Get(_ context.Context, transactionID int64) (domain.LedgerTransaction, error) {
	r.indexMu.RLock()
	ref, ok := r.index[transactionID]
	r.indexMu.RUnlock()
	if !ok {
		return domain.LedgerTransaction{}, repositories.NotFoundError("ledger.get", "transaction %d not found", transactionID)
	}
	acc := r.account(ref.employeeID)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.entries[ref.position], nil
}

func (r *LedgerRepository) Latest(_ context.Context, employeeID int64) (domain.LedgerTransaction, bool, error) {
	acc := r.account(employeeID)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	if len(acc.entries) == 0 {
		return domain.LedgerTransaction{}, false, nil
	}
	return acc.entries[len(acc.entries)-1], true, nil
}

func (r *LedgerRepository) List(_ context.Context, employeeID int64) ([]domain.LedgerTransaction, error) {
	acc := r.account(employeeID)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return slices.Clone(acc.entries), nil
}

func (r *LedgerRepository) MarkSettled(_ context.Context, transactionID int64) error {
	r.indexMu.RLock()
	ref, ok := r.index[transactionID]
	r.indexMu.RUnlock()
	if !ok {
		return repositories.NotFoundError("ledger.settle", "transaction %d not found", transactionID)
	}
	acc := r.account(ref.employeeID)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	acc.entries[ref.position].Settled = true
	return nil
}

func (r *LedgerRepository) ListUnsettledPurchases(_ context.Context, createdBefore time.Time, limit int) ([]domain.LedgerTransaction, error) {
	return r.collect(limit, func(txn domain.LedgerTransaction) bool {
		return txn.Kind == domain.TransactionKindPurchase && !txn.Settled && !txn.Reversed() && txn.CreatedAt.Before(createdBefore)
	}), nil
}

func (r *LedgerRepository) FindByRewardRef(_ context.Context, rewardRef string) ([]domain.LedgerTransaction, error) {
	return r.collect(0, func(txn domain.LedgerTransaction) bool {
		return rewardRef != "" && txn.RewardRef == rewardRef
	}), nil
}

func (r *LedgerRepository) collect(limit int, match func(domain.LedgerTransaction) bool) []domain.LedgerTransaction {
	r.accountsMu.Lock()
	accounts := make([]*account, 0, len(r.accounts))
	for _, acc := range r.accounts {
		accounts = append(accounts, acc)
	}
	r.accountsMu.Unlock()

	var out []domain.LedgerTransaction
	for _, acc := range accounts {
		acc.mu.Lock()
		for _, txn := range acc.entries {
			if match(txn) {
				out = append(out, txn)
			}
		}
		acc.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b domain.LedgerTransaction) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func transactionFromEntry(entry domain.LedgerEntry) domain.LedgerTransaction {
	return domain.LedgerTransaction{
		TransactionID:         entry.TransactionID,
		EmployeeID:            entry.EmployeeID,
		Description:           entry.Description,
		IsCredited:            entry.IsCredited,
		Amount:                entry.Amount,
		Kind:                  entry.Kind,
		OrderRef:              entry.OrderRef,
		RewardRef:             entry.RewardRef,
		ReversesTransactionID: entry.ReversesTransactionID,
		Settled:               entry.Settled,
		CreatedAt:             entry.CreatedAt,
	}
}
