// Package persistence carries database transactions through the
// context so repositories and the outbox can share one commit.
package persistence

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBExecutor is the slice of pgx that *pgxpool.Pool and pgx.Tx have in
// common. Repositories run queries against it so the same code path
// works inside and outside a transaction.
type DBExecutor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type txKey struct{}

// TxInfo carries a pgx transaction through the context. Owned marks the
// unit of work that opened it; nested units see Owned false and leave
// commit and rollback to the outermost one.
type TxInfo struct {
	Tx    pgx.Tx
	Owned bool
}

// WithTx returns a context carrying the transaction.
func WithTx(ctx context.Context, tx pgx.Tx, owned bool) context.Context {
	return context.WithValue(ctx, txKey{}, TxInfo{Tx: tx, Owned: owned})
}

// TxInfoFromContext returns the transaction in ctx, if any.
func TxInfoFromContext(ctx context.Context) (TxInfo, bool) {
	info, ok := ctx.Value(txKey{}).(TxInfo)
	if !ok || info.Tx == nil {
		return TxInfo{}, false
	}
	return info, true
}

// Executor picks the context transaction when one is open, otherwise
// the pool. Enrollment leans on this: the campaign insert and its
// outbox row land in the same transaction without the repositories
// knowing about each other.
func Executor(ctx context.Context, pool *pgxpool.Pool) DBExecutor {
	if info, ok := TxInfoFromContext(ctx); ok {
		return info.Tx
	}
	return pool
}
