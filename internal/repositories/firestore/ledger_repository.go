package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/rewards-hub/api/internal/domain"
	pfirestore "github.com/rewards-hub/api/internal/platform/firestore"
	"github.com/rewards-hub/api/internal/repositories"
)

// LedgerRepository stores transactions in one collection and keeps a head document per
// employee holding the running balance and last sequence.
type LedgerRepository struct {
	provider     *pfirestore.Provider
	accounts     *pfirestore.Collection[accountDocument]
	transactions *pfirestore.Collection[transactionDocument]
}

// NewLedgerRepository constructs a Firestore-backed ledger.
func NewLedgerRepository(provider *pfirestore.Provider) (*LedgerRepository, error) {
	if provider == nil {
		return nil, errors.New("ledger repository requires firestore provider")
	}
	return &LedgerRepository{
		provider:     provider,
		accounts:     pfirestore.NewCollection[accountDocument](provider, ledgerAccountsCollection),
		transactions: pfirestore.NewCollection[transactionDocument](provider, transactionsCollection),
	}, nil
}

func (r *LedgerRepository) Append(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerTransaction, error) {
	var result domain.LedgerTransaction
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var err error
		result, err = r.appendTx(ctx, tx, entry)
		return err
	})
	if err != nil {
		return domain.LedgerTransaction{}, err
	}
	return result, nil
}

// appendTx performs all reads before any write, as Firestore transactions require.
func (r *LedgerRepository) appendTx(ctx context.Context, tx *firestore.Transaction, entry domain.LedgerEntry, extra ...func() error) (domain.LedgerTransaction, error) {
	accountRef, err := r.accounts.Doc(ctx, intID(entry.EmployeeID))
	if err != nil {
		return domain.LedgerTransaction{}, err
	}
	txnRef, err := r.transactions.Doc(ctx, intID(entry.TransactionID))
	if err != nil {
		return domain.LedgerTransaction{}, err
	}

	if _, exists, err := pfirestore.GetTx[transactionDocument](tx, txnRef); err != nil {
		return domain.LedgerTransaction{}, err
	} else if exists {
		return domain.LedgerTransaction{}, repositories.ConflictError("ledger.append", "transaction %d already exists", entry.TransactionID)
	}
	account, _, err := pfirestore.GetTx[accountDocument](tx, accountRef)
	if err != nil {
		return domain.LedgerTransaction{}, err
	}

	if !entry.IsCredited && entry.Amount > account.Balance {
		return domain.LedgerTransaction{}, &repositories.LedgerError{
			Code:       repositories.LedgerErrorInsufficientBalance,
			EmployeeID: entry.EmployeeID,
			Balance:    account.Balance,
			Requested:  entry.Amount,
		}
	}

	txn := domain.LedgerTransaction{
		TransactionID:         entry.TransactionID,
		EmployeeID:            entry.EmployeeID,
		Sequence:              account.Sequence + 1,
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
	txn.Balance = account.Balance + txn.Signed()

	for _, write := range extra {
		if err := write(); err != nil {
			return domain.LedgerTransaction{}, err
		}
	}
	if err := tx.Create(txnRef, encodeTransaction(txn)); err != nil {
		return domain.LedgerTransaction{}, err
	}
	err = tx.Set(accountRef, accountDocument{
		EmployeeID: entry.EmployeeID,
		Balance:    txn.Balance,
		Sequence:   txn.Sequence,
		UpdatedAt:  entry.CreatedAt.UTC(),
	})
	if err != nil {
		return domain.LedgerTransaction{}, err
	}
	return txn, nil
}

func (r *LedgerRepository) Reverse(ctx context.Context, req repositories.ReverseRequest) (domain.LedgerTransaction, error) {
	sourceRef, err := r.transactions.Doc(ctx, intID(req.SourceTransactionID))
	if err != nil {
		return domain.LedgerTransaction{}, err
	}

	var result domain.LedgerTransaction
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, found, err := pfirestore.GetTx[transactionDocument](tx, sourceRef)
		if err != nil {
			return err
		}
		if !found {
			return repositories.NotFoundError("ledger.reverse", "transaction %d not found", req.SourceTransactionID)
		}
		source := doc.domain()
		if source.ReversesTransactionID != 0 {
			return &repositories.LedgerError{Code: repositories.LedgerErrorNotReversible, TransactionID: source.TransactionID}
		}
		if source.Reversed() {
			return &repositories.LedgerError{Code: repositories.LedgerErrorAlreadyReversed, TransactionID: source.TransactionID}
		}

		markSource := func() error {
			return tx.Update(sourceRef, []firestore.Update{{Path: "reversedBy", Value: req.TransactionID}})
		}
		result, err = r.appendTx(ctx, tx, domain.LedgerEntry{
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
		}, markSource)
		return err
	})
	if err != nil {
		return domain.LedgerTransaction{}, err
	}
	return result, nil
}

func (r *LedgerRepository) Get(ctx context.Context, transactionID int64) (domain.LedgerTransaction, error) {
	doc, err := r.transactions.Get(ctx, intID(transactionID))
	if err != nil {
		return domain.LedgerTransaction{}, err
	}
	return doc.domain(), nil
}

func (r *LedgerRepository) Latest(ctx context.Context, employeeID int64) (domain.LedgerTransaction, bool, error) {
	collection, err := r.transactions.Ref(ctx)
	if err != nil {
		return domain.LedgerTransaction{}, false, err
	}
	query := collection.Where("employeeId", "==", employeeID).OrderBy("sequence", firestore.Desc).Limit(1)
	docs, err := pfirestore.All[transactionDocument](ctx, "ledger.latest", query)
	if err != nil {
		return domain.LedgerTransaction{}, false, err
	}
	if len(docs) == 0 {
		return domain.LedgerTransaction{}, false, nil
	}
	return docs[0].domain(), true, nil
}

func (r *LedgerRepository) List(ctx context.Context, employeeID int64) ([]domain.LedgerTransaction, error) {
	collection, err := r.transactions.Ref(ctx)
	if err != nil {
		return nil, err
	}
	query := collection.Where("employeeId", "==", employeeID).OrderBy("sequence", firestore.Asc)
	return r.query(ctx, "ledger.list", query)
}

func (r *LedgerRepository) MarkSettled(ctx context.Context, transactionID int64) error {
	ref, err := r.transactions.Doc(ctx, intID(transactionID))
	if err != nil {
		return err
	}
	if _, err := ref.Update(ctx, []firestore.Update{{Path: "settled", Value: true}}); err != nil {
		return pfirestore.WrapError("ledger.settle", err)
	}
	return nil
}

func (r *LedgerRepository) ListUnsettledPurchases(ctx context.Context, createdBefore time.Time, limit int) ([]domain.LedgerTransaction, error) {
	collection, err := r.transactions.Ref(ctx)
	if err != nil {
		return nil, err
	}
	query := collection.
		Where("kind", "==", string(domain.TransactionKindPurchase)).
		Where("settled", "==", false).
		Where("reversedBy", "==", int64(0)).
		Where("createdAt", "<", createdBefore.UTC()).
		OrderBy("createdAt", firestore.Asc)
	if limit > 0 {
		query = query.Limit(limit)
	}
	return r.query(ctx, "ledger.unsettled", query)
}

func (r *LedgerRepository) FindByRewardRef(ctx context.Context, rewardRef string) ([]domain.LedgerTransaction, error) {
	if rewardRef == "" {
		return nil, nil
	}
	collection, err := r.transactions.Ref(ctx)
	if err != nil {
		return nil, err
	}
	query := collection.Where("rewardRef", "==", rewardRef).OrderBy("createdAt", firestore.Asc)
	return r.query(ctx, "ledger.reward_ref", query)
}

func (r *LedgerRepository) query(ctx context.Context, op string, query firestore.Query) ([]domain.LedgerTransaction, error) {
	docs, err := pfirestore.All[transactionDocument](ctx, op, query)
	if err != nil {
		return nil, err
	}
	out := make([]domain.LedgerTransaction, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.domain())
	}
	return out, nil
}
