package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rewards-hub/api/internal/repositories"
)

// CounterRepository keeps named sequences in the counters table. It lives next to the ledger
// so transaction identifiers survive restarts whenever the ledger does.
type CounterRepository struct {
	pool  *pgxpool.Pool
	clock func() time.Time
}

// NewCounterRepository constructs the counter store over an open pool.
func NewCounterRepository(pool *pgxpool.Pool) (*CounterRepository, error) {
	if pool == nil {
		return nil, errors.New("postgres counters require a pool")
	}
	return &CounterRepository{pool: pool, clock: time.Now}, nil
}

func (r *CounterRepository) Next(ctx context.Context, name string, step int64) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, name, "counter name is required")
	}
	if step < 0 {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, name, fmt.Sprintf("step must be positive, got %d", step))
	}
	if step == 0 {
		step = 1
	}

	query, args, err := nextCounterQuery(name, step, r.clock()).ToSql()
	if err != nil {
		return 0, err
	}
	var value int64
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&value); err != nil {
		return 0, wrapError("counters.next", err)
	}
	return value, nil
}

func (r *CounterRepository) Decrement(ctx context.Context, name string, n int64) error {
	name = strings.TrimSpace(name)
	if name == "" || n <= 0 {
		return repositories.NewCounterError(repositories.CounterErrorInvalidInput, name, "decrement requires a name and a positive amount")
	}

	query, args, err := decrementCounterQuery(name, n, r.clock()).ToSql()
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return wrapError("counters.decrement", err)
	}
	if tag.RowsAffected() == 0 {
		current, err := r.Current(ctx, name)
		if err != nil {
			return err
		}
		return repositories.NewCounterError(repositories.CounterErrorUnderflow, name, fmt.Sprintf("cannot decrement %d below zero (current %d)", n, current))
	}
	return nil
}

func (r *CounterRepository) Current(ctx context.Context, name string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, name, "counter name is required")
	}
	query, args, err := psql.Select("value").From("counters").Where(sq.Eq{"name": name}).ToSql()
	if err != nil {
		return 0, err
	}
	var value int64
	err = r.pool.QueryRow(ctx, query, args...).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapError("counters.current", err)
	}
	return value, nil
}

func nextCounterQuery(name string, step int64, at time.Time) sq.InsertBuilder {
	return psql.Insert("counters").
		Columns("name", "value", "updated_at").
		Values(name, step, at.UTC()).
		Suffix("ON CONFLICT (name) DO UPDATE SET value = counters.value + EXCLUDED.value, updated_at = EXCLUDED.updated_at RETURNING value")
}

func decrementCounterQuery(name string, n int64, at time.Time) sq.UpdateBuilder {
	return psql.Update("counters").
		Set("value", sq.Expr("value - ?", n)).
		Set("updated_at", at.UTC()).
		Where(sq.Eq{"name": name}).
		Where(sq.GtOrEq{"value": n})
}

var _ repositories.CounterRepository = (*CounterRepository)(nil)
