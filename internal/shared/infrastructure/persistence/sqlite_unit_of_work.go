package persistence

import (
	"context"
	"database/sql"
	"errors"
)

type sqliteTxKey struct{}

// SQLiteTxInfo carries a database/sql transaction through the context,
// mirroring TxInfo for the SQLite driver.
type SQLiteTxInfo struct {
	Tx    *sql.Tx
	Owned bool
}

// WithSQLiteTx returns a context carrying the transaction.
func WithSQLiteTx(ctx context.Context, tx *sql.Tx, owned bool) context.Context {
	return context.WithValue(ctx, sqliteTxKey{}, SQLiteTxInfo{Tx: tx, Owned: owned})
}

// SQLiteTxInfoFromContext returns the transaction in ctx, if any.
func SQLiteTxInfoFromContext(ctx context.Context) (SQLiteTxInfo, bool) {
	info, ok := ctx.Value(sqliteTxKey{}).(SQLiteTxInfo)
	if !ok || info.Tx == nil {
		return SQLiteTxInfo{}, false
	}
	return info, true
}

// SQLiteUnitOfWork opens database/sql transactions and threads them
// through the context. Local mode runs the same enrollment flow as
// production, just on this unit of work instead of the pgx one.
type SQLiteUnitOfWork struct {
	db *sql.DB
}

// NewSQLiteUnitOfWork creates a unit of work on the given database.
func NewSQLiteUnitOfWork(db *sql.DB) *SQLiteUnitOfWork {
	return &SQLiteUnitOfWork{db: db}
}

// Begin opens a transaction, or joins the one already in ctx. A joined
// context is marked not owned so only the outermost caller finishes the
// transaction.
func (u *SQLiteUnitOfWork) Begin(ctx context.Context) (context.Context, error) {
	if info, ok := SQLiteTxInfoFromContext(ctx); ok {
		return WithSQLiteTx(ctx, info.Tx, false), nil
	}

	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return WithSQLiteTx(ctx, tx, true), nil
}

// Commit commits an owned transaction. For joined callers it is a no-op.
func (u *SQLiteUnitOfWork) Commit(ctx context.Context) error {
	info, ok := SQLiteTxInfoFromContext(ctx)
	if !ok {
		return errors.New("no transaction in context")
	}
	if !info.Owned {
		return nil
	}
	return info.Tx.Commit()
}

// Rollback rolls back an owned transaction. For joined callers it is a
// no-op.
func (u *SQLiteUnitOfWork) Rollback(ctx context.Context) error {
	info, ok := SQLiteTxInfoFromContext(ctx)
	if !ok {
		return errors.New("no transaction in context")
	}
	if !info.Owned {
		return nil
	}
	return info.Tx.Rollback()
}
