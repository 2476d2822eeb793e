package persistence

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresUnitOfWork opens pgx transactions and threads them through
// the context for the repositories to pick up.
type PostgresUnitOfWork struct {
	pool *pgxpool.Pool
}

// NewPostgresUnitOfWork creates a unit of work on the given pool.
func NewPostgresUnitOfWork(pool *pgxpool.Pool) *PostgresUnitOfWork {
	return &PostgresUnitOfWork{pool: pool}
}

// Begin opens a transaction, or joins the one already in ctx. A joined
// context is marked not owned so only the outermost caller finishes the
// transaction.
func (u *PostgresUnitOfWork) Begin(ctx context.Context) (context.Context, error) {
	if info, ok := TxInfoFromContext(ctx); ok {
		return WithTx(ctx, info.Tx, false), nil
	}

	tx, err := u.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return WithTx(ctx, tx, true), nil
}

// Commit commits an owned transaction. For joined callers it is a no-op.
func (u *PostgresUnitOfWork) Commit(ctx context.Context) error {
	info, ok := TxInfoFromContext(ctx)
	if !ok {
		return errors.New("no transaction in context")
	}
	if !info.Owned {
		return nil
	}
	return info.Tx.Commit(ctx)
}

// Rollback rolls back an owned transaction. For joined callers it is a
// no-op.
func (u *PostgresUnitOfWork) Rollback(ctx context.Context) error {
	info, ok := TxInfoFromContext(ctx)
	if !ok {
		return errors.New("no transaction in context")
	}
	if !info.Owned {
		return nil
	}
	return info.Tx.Rollback(ctx)
}
