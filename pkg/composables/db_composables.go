package composables

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iota-uz/teamgraph/pkg/constants"
	"github.com/iota-uz/teamgraph/pkg/repo"
)

var (
	ErrNoTx   = errors.New("no transaction found in context")
	ErrNoPool = errors.New("no database pool found in context")
)

func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, constants.TxKey, tx)
}

func UseTx(ctx context.Context) (repo.Tx, error) {
	tx := ctx.Value(constants.TxKey)
	if tx == nil {
		return UsePool(ctx)
	}
	return tx.(repo.Tx), nil
}

func WithPool(ctx context.Context, pool *pgxpool.Pool) context.Context {
	return context.WithValue(ctx, constants.PoolKey, pool)
}

func UsePool(ctx context.Context) (*pgxpool.Pool, error) {
	pool := ctx.Value(constants.PoolKey)
	if pool == nil {
		return nil, ErrNoPool
	}
	return pool.(*pgxpool.Pool), nil
}

func BeginTx(ctx context.Context) (pgx.Tx, error) {
	tx := ctx.Value(constants.TxKey)
	if tx != nil {
		return tx.(pgx.Tx), nil
	}
	pool, err := UsePool(ctx)
	if err != nil {
		return nil, err
	}
	return pool.Begin(ctx)
}

var (
	// Write transactions are serializable. Row locks only serialize writers
	// that touch a common row; two writers on disjoint row pairs can each
	// validate against a pre-insert snapshot and commit a combination no
	// serial order allows (write skew). SSI aborts one of them with 40001,
	// which InRetryableTx re-runs against the committed state.
	writeTxOptions = pgx.TxOptions{IsoLevel: pgx.Serializable}

	// Reads that issue more than one statement use a read-only snapshot so
	// the statements observe a single committed state.
	readTxOptions = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
)

// InTx runs fn in a write transaction. When the context already carries one,
// fn joins it and the owner stays responsible for commit/rollback.
func InTx(ctx context.Context, fn func(context.Context) error) error {
	return inTxWith(ctx, writeTxOptions, fn)
}

// InReadTx runs fn in a read-only snapshot transaction, joining any
// transaction already on the context.
func InReadTx(ctx context.Context, fn func(context.Context) error) error {
	return inTxWith(ctx, readTxOptions, fn)
}

func inTxWith(ctx context.Context, opts pgx.TxOptions, fn func(context.Context) error) error {
	if existing, ok := ctx.Value(constants.TxKey).(pgx.Tx); ok && existing != nil {
		return fn(ctx)
	}

	pool, err := UsePool(ctx)
	if err != nil {
		return err
	}

	tx, err := pool.BeginTx(ctx, opts)
	if err != nil {
		return err
	}

	txCtx := WithTx(ctx, tx)
	if err := fn(txCtx); err != nil {
		if rErr := tx.Rollback(ctx); rErr != nil && !errors.Is(rErr, pgx.ErrTxClosed) {
			return errors.Join(err, rErr)
		}
		return err
	}
	return tx.Commit(ctx)
}

// InRetryableTx behaves like InTx but retries transactions aborted by
// Postgres serialization failures (40001) and deadlocks (40P01). Fn must be
// safe to re-run.
func InRetryableTx(ctx context.Context, fn func(context.Context) error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	return backoff.Retry(func() error {
		err := InTx(ctx, fn)
		if err == nil {
			return nil
		}
		if isRetryablePgError(err) {
			return err
		}
		return backoff.Permanent(err)
	}, bo)
}

func InTxResult[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := InRetryableTx(ctx, func(txCtx context.Context) error {
		var innerErr error
		out, innerErr = fn(txCtx)
		return innerErr
	})
	return out, err
}

func InReadTxResult[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := InReadTx(ctx, func(txCtx context.Context) error {
		var innerErr error
		out, innerErr = fn(txCtx)
		return innerErr
	})
	return out, err
}

func isRetryablePgError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}
