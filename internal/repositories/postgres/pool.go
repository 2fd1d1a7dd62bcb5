// Package postgres implements the points ledger on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rewards-hub/api/internal/platform/config"
	"github.com/rewards-hub/api/internal/repositories"
)

const (
	pgErrUniqueViolation       = "23505"
	pgErrCheckViolation        = "23514"
	pgErrSerializationFailure  = "40001"
	pgErrDeadlockDetected      = "40P01"
	defaultConnectTimeout      = 10 * time.Second
	maxSerializationRetries    = 3
	serializationRetryBaseWait = 50 * time.Millisecond
)

// Connect opens a pool for cfg and verifies the server answers.
func Connect(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres: dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	connectCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// Schema creates the ledger tables. The balance check keeps the store itself from ever
// recording a negative balance.
const Schema = `
CREATE TABLE IF NOT EXISTS counters (
	name       TEXT PRIMARY KEY,
	value      BIGINT NOT NULL DEFAULT 0 CHECK (value >= 0),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ledger_accounts (
	employee_id BIGINT PRIMARY KEY,
	balance     BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
	sequence    BIGINT NOT NULL DEFAULT 0,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ledger_transactions (
	transaction_id          BIGINT PRIMARY KEY,
	employee_id             BIGINT NOT NULL REFERENCES ledger_accounts (employee_id),
	sequence                BIGINT NOT NULL,
	description             TEXT NOT NULL DEFAULT '',
	is_credited             BOOLEAN NOT NULL,
	amount                  BIGINT NOT NULL CHECK (amount > 0),
	balance                 BIGINT NOT NULL CHECK (balance >= 0),
	kind                    TEXT NOT NULL,
	order_ref               BIGINT NOT NULL DEFAULT 0,
	reward_ref              TEXT NOT NULL DEFAULT '',
	reverses_transaction_id BIGINT NOT NULL DEFAULT 0,
	reversed_by             BIGINT NOT NULL DEFAULT 0,
	settled                 BOOLEAN NOT NULL DEFAULT false,
	created_at              TIMESTAMPTZ NOT NULL,
	UNIQUE (employee_id, sequence)
);

CREATE INDEX IF NOT EXISTS ledger_transactions_unsettled
	ON ledger_transactions (created_at) WHERE kind = 'purchase' AND NOT settled AND reversed_by = 0;
CREATE INDEX IF NOT EXISTS ledger_transactions_reward_ref
	ON ledger_transactions (reward_ref) WHERE reward_ref <> '';
`

// Migrate applies Schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// HealthCheck pings the pool for readiness reporting.
func HealthCheck(pool *pgxpool.Pool) repositories.DependencyCheck {
	return repositories.DependencyCheck{
		Name:    "postgres",
		Timeout: 2 * time.Second,
		Check:   pool.Ping,
	}
}

// wrapError categorises pgx failures as repository errors; typed ledger errors pass through.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var ledgerErr *repositories.LedgerError
	var repoErr repositories.RepositoryError
	if errors.As(err, &ledgerErr) || errors.As(err, &repoErr) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return &repositories.StoreError{Op: op, Err: err, NotFound: true}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgErrUniqueViolation, pgErrCheckViolation, pgErrSerializationFailure, pgErrDeadlockDetected:
			return &repositories.StoreError{Op: op, Err: err, Conflict: true}
		}
		return &repositories.StoreError{Op: op, Err: err}
	}
	return repositories.UnavailableError(op, err)
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == pgErrSerializationFailure || pgErr.Code == pgErrDeadlockDetected)
}
