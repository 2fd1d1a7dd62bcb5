package postgres

import (
	"context"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	domain "github.com/rewards-hub/api/internal/domain"
	"github.com/rewards-hub/api/internal/repositories"
)

var (
	psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

	transactionColumns = []string{
		"transaction_id", "employee_id", "sequence", "description", "is_credited", "amount",
		"balance", "kind", "order_ref", "reward_ref", "reverses_transaction_id", "reversed_by",
		"settled", "created_at",
	}
)

// LedgerRepository implements repositories.LedgerRepository. Each append locks the employee's
// account row, so appends for one employee are serialised while others proceed in parallel.
type LedgerRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewLedgerRepository constructs the ledger over an open pool.
func NewLedgerRepository(pool *pgxpool.Pool, logger *zap.Logger) (*LedgerRepository, error) {
	if pool == nil {
		return nil, errors.New("postgres ledger requires a pool")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerRepository{pool: pool, logger: logger}, nil
}

func (r *LedgerRepository) Append(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerTransaction, error) {
	var txn domain.LedgerTransaction
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		txn, err = r.appendTx(ctx, tx, entry)
		return err
	})
	if err != nil {
		return domain.LedgerTransaction{}, wrapError("ledger.append", err)
	}
	return txn, nil
}

func (r *LedgerRepository) appendTx(ctx context.Context, tx pgx.Tx, entry domain.LedgerEntry) (domain.LedgerTransaction, error) {
	if err := r.exec(ctx, tx, ensureAccountQuery(entry.EmployeeID, entry.CreatedAt)); err != nil {
		return domain.LedgerTransaction{}, err
	}

	query, args, err := lockAccountQuery(entry.EmployeeID).ToSql()
	if err != nil {
		return domain.LedgerTransaction{}, err
	}
	var balance, sequence int64
	if err := tx.QueryRow(ctx, query, args...).Scan(&balance, &sequence); err != nil {
		return domain.LedgerTransaction{}, err
	}

	if !entry.IsCredited && entry.Amount > balance {
		return domain.LedgerTransaction{}, &repositories.LedgerError{
			Code:       repositories.LedgerErrorInsufficientBalance,
			EmployeeID: entry.EmployeeID,
			Balance:    balance,
			Requested:  entry.Amount,
		}
	}

	txn := domain.LedgerTransaction{
		TransactionID:         entry.TransactionID,
		EmployeeID:            entry.EmployeeID,
		Sequence:              sequence + 1,
		Description:           entry.Description,
		IsCredited:            entry.IsCredited,
		Amount:                entry.Amount,
		Kind:                  entry.Kind,
		OrderRef:              entry.OrderRef,
		RewardRef:             entry.RewardRef,
		ReversesTransactionID: entry.ReversesTransactionID,
		Settled:               entry.Settled,
		CreatedAt:             entry.CreatedAt.UTC(),
	}
	txn.Balance = balance + txn.Signed()

	if err := r.exec(ctx, tx, insertTransactionQuery(txn)); err != nil {
		return domain.LedgerTransaction{}, err
	}
	if err := r.exec(ctx, tx, updateAccountQuery(txn)); err != nil {
		return domain.LedgerTransaction{}, err
	}
	return txn, nil
}

func (r *LedgerRepository) Reverse(ctx context.Context, req repositories.ReverseRequest) (domain.LedgerTransaction, error) {
	var txn domain.LedgerTransaction
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		query, args, err := selectTransactions().Where(sq.Eq{"transaction_id": req.SourceTransactionID}).Suffix("FOR UPDATE").ToSql()
		if err != nil {
			return err
		}
		source, err := scanTransaction(tx.QueryRow(ctx, query, args...))
		if errors.Is(err, pgx.ErrNoRows) {
			return repositories.NotFoundError("ledger.reverse", "transaction %d not found", req.SourceTransactionID)
		}
		if err != nil {
			return err
		}
		if source.ReversesTransactionID != 0 {
			return &repositories.LedgerError{Code: repositories.LedgerErrorNotReversible, TransactionID: source.TransactionID}
		}
		if source.Reversed() {
			return &repositories.LedgerError{Code: repositories.LedgerErrorAlreadyReversed, TransactionID: source.TransactionID}
		}

		txn, err = r.appendTx(ctx, tx, domain.LedgerEntry{
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
			return err
		}
		return r.exec(ctx, tx, psql.Update("ledger_transactions").
			Set("reversed_by", txn.TransactionID).
			Where(sq.Eq{"transaction_id": source.TransactionID}))
	})
	if err != nil {
		return domain.LedgerTransaction{}, wrapError("ledger.reverse", err)
	}
	return txn, nil
}

func (r *LedgerRepository) Get(ctx context.Context, transactionID int64) (domain.LedgerTransaction, error) {
	query, args, err := selectTransactions().Where(sq.Eq{"transaction_id": transactionID}).ToSql()
	if err != nil {
		return domain.LedgerTransaction{}, err
	}
	txn, err := scanTransaction(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.LedgerTransaction{}, repositories.NotFoundError("ledger.get", "transaction %d not found", transactionID)
	}
	if err != nil {
		return domain.LedgerTransaction{}, wrapError("ledger.get", err)
	}
	return txn, nil
}

func (r *LedgerRepository) Latest(ctx context.Context, employeeID int64) (domain.LedgerTransaction, bool, error) {
	txns, err := r.list(ctx, "ledger.latest", selectTransactions().
		Where(sq.Eq{"employee_id": employeeID}).
		OrderBy("sequence DESC").
		Limit(1))
	if err != nil || len(txns) == 0 {
		return domain.LedgerTransaction{}, false, err
	}
	return txns[0], true, nil
}

func (r *LedgerRepository) List(ctx context.Context, employeeID int64) ([]domain.LedgerTransaction, error) {
	return r.list(ctx, "ledger.list", selectTransactions().
		Where(sq.Eq{"employee_id": employeeID}).
		OrderBy("sequence ASC"))
}

func (r *LedgerRepository) MarkSettled(ctx context.Context, transactionID int64) error {
	query, args, err := psql.Update("ledger_transactions").
		Set("settled", true).
		Where(sq.Eq{"transaction_id": transactionID}).
		ToSql()
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return wrapError("ledger.settle", err)
	}
	if tag.RowsAffected() == 0 {
		return repositories.NotFoundError("ledger.settle", "transaction %d not found", transactionID)
	}
	return nil
}

func (r *LedgerRepository) ListUnsettledPurchases(ctx context.Context, createdBefore time.Time, limit int) ([]domain.LedgerTransaction, error) {
	return r.list(ctx, "ledger.unsettled", unsettledPurchasesQuery(createdBefore, limit))
}

func (r *LedgerRepository) FindByRewardRef(ctx context.Context, rewardRef string) ([]domain.LedgerTransaction, error) {
	if rewardRef == "" {
		return nil, nil
	}
	return r.list(ctx, "ledger.reward_ref", selectTransactions().
		Where(sq.Eq{"reward_ref": rewardRef}).
		OrderBy("created_at ASC"))
}

func (r *LedgerRepository) list(ctx context.Context, op string, builder sq.SelectBuilder) ([]domain.LedgerTransaction, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		r.logger.Error("ledger query failed", zap.String("op", op), zap.String("query", query), zap.Error(err))
		return nil, wrapError(op, err)
	}
	defer rows.Close()

	var out []domain.LedgerTransaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, wrapError(op, err)
		}
		out = append(out, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError(op, err)
	}
	return out, nil
}

func (r *LedgerRepository) exec(ctx context.Context, tx pgx.Tx, builder sq.Sqlizer) error {
	query, args, err := builder.ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		r.logger.Debug("ledger statement failed", zap.String("query", query), zap.Error(err))
		return err
	}
	return nil
}

// withTx runs fn in a read-committed transaction, retrying serialisation failures and
// deadlocks with a linear backoff.
func (r *LedgerRepository) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	var err error
	for attempt := 0; attempt <= maxSerializationRetries; attempt++ {
		err = r.runTx(ctx, fn)
		if err == nil || !retryable(err) {
			return err
		}
		wait := time.Duration(attempt+1) * serializationRetryBaseWait
		r.logger.Warn("retrying ledger transaction", zap.Int("attempt", attempt+1), zap.Duration("wait", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}

func (r *LedgerRepository) runTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			r.logger.Warn("ledger rollback failed", zap.Error(rbErr))
		}
		return err
	}
	return tx.Commit(ctx)
}

func ensureAccountQuery(employeeID int64, at time.Time) sq.InsertBuilder {
	return psql.Insert("ledger_accounts").
		Columns("employee_id", "balance", "sequence", "updated_at").
		Values(employeeID, 0, 0, at.UTC()).
		Suffix("ON CONFLICT (employee_id) DO NOTHING")
}

func lockAccountQuery(employeeID int64) sq.SelectBuilder {
	return psql.Select("balance", "sequence").
		From("ledger_accounts").
		Where(sq.Eq{"employee_id": employeeID}).
		Suffix("FOR UPDATE")
}

func updateAccountQuery(txn domain.LedgerTransaction) sq.UpdateBuilder {
	return psql.Update("ledger_accounts").
		Set("balance", txn.Balance).
		Set("sequence", txn.Sequence).
		Set("updated_at", txn.CreatedAt).
		Where(sq.Eq{"employee_id": txn.EmployeeID})
}

func insertTransactionQuery(txn domain.LedgerTransaction) sq.InsertBuilder {
	return psql.Insert("ledger_transactions").
		Columns(transactionColumns...).
		Values(
			txn.TransactionID, txn.EmployeeID, txn.Sequence, txn.Description, txn.IsCredited, txn.Amount,
			txn.Balance, string(txn.Kind), txn.OrderRef, txn.RewardRef, txn.ReversesTransactionID, txn.ReversedBy,
			txn.Settled, txn.CreatedAt,
		)
}

func selectTransactions() sq.SelectBuilder {
	return psql.Select(transactionColumns...).From("ledger_transactions")
}

func unsettledPurchasesQuery(createdBefore time.Time, limit int) sq.SelectBuilder {
	builder := selectTransactions().
		Where(sq.Eq{"kind": string(domain.TransactionKindPurchase), "settled": false, "reversed_by": 0}).
		Where(sq.Lt{"created_at": createdBefore.UTC()}).
		OrderBy("created_at ASC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	return builder
}

func scanTransaction(row pgx.Row) (domain.LedgerTransaction, error) {
	var (
		txn  domain.LedgerTransaction
		kind string
	)
	err := row.Scan(
		&txn.TransactionID, &txn.EmployeeID, &txn.Sequence, &txn.Description, &txn.IsCredited, &txn.Amount,
		&txn.Balance, &kind, &txn.OrderRef, &txn.RewardRef, &txn.ReversesTransactionID, &txn.ReversedBy,
		&txn.Settled, &txn.CreatedAt,
	)
	txn.Kind = domain.TransactionKind(kind)
	return txn, err
}

var _ repositories.LedgerRepository = (*LedgerRepository)(nil)
