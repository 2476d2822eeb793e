package persistence

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)`)
	require.NoError(t, err)
	return db
}

func TestSQLiteUnitOfWork_BeginOwnsTransaction(t *testing.T) {
	uow := NewSQLiteUnitOfWork(openSQLite(t))

	txCtx, err := uow.Begin(context.Background())
	require.NoError(t, err)

	info, ok := SQLiteTxInfoFromContext(txCtx)
	require.True(t, ok)
	assert.NotNil(t, info.Tx)
	assert.True(t, info.Owned)

	require.NoError(t, uow.Rollback(txCtx))
}

func TestSQLiteUnitOfWork_NestedBeginJoins(t *testing.T) {
	uow := NewSQLiteUnitOfWork(openSQLite(t))

	outerCtx, err := uow.Begin(context.Background())
	require.NoError(t, err)
	outer, ok := SQLiteTxInfoFromContext(outerCtx)
	require.True(t, ok)

	innerCtx, err := uow.Begin(outerCtx)
	require.NoError(t, err)
	inner, ok := SQLiteTxInfoFromContext(innerCtx)
	require.True(t, ok)

	assert.False(t, inner.Owned)
	assert.Equal(t, outer.Tx, inner.Tx)

	// Finishing the joined unit must not touch the outer transaction.
	require.NoError(t, uow.Commit(innerCtx))
	require.NoError(t, uow.Rollback(innerCtx))

	_, err = outer.Tx.Exec(`INSERT INTO notes (body) VALUES ('still open')`)
	require.NoError(t, err)
	require.NoError(t, uow.Rollback(outerCtx))
}

func TestSQLiteUnitOfWork_CommitPersists(t *testing.T) {
	db := openSQLite(t)
	uow := NewSQLiteUnitOfWork(db)

	txCtx, err := uow.Begin(context.Background())
	require.NoError(t, err)

	info, ok := SQLiteTxInfoFromContext(txCtx)
	require.True(t, ok)
	_, err = info.Tx.Exec(`INSERT INTO notes (body) VALUES ('kept')`)
	require.NoError(t, err)

	require.NoError(t, uow.Commit(txCtx))

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM notes WHERE body = 'kept'`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestSQLiteUnitOfWork_RollbackDiscards(t *testing.T) {
	db := openSQLite(t)
	uow := NewSQLiteUnitOfWork(db)

	txCtx, err := uow.Begin(context.Background())
	require.NoError(t, err)

	info, ok := SQLiteTxInfoFromContext(txCtx)
	require.True(t, ok)
	_, err = info.Tx.Exec(`INSERT INTO notes (body) VALUES ('dropped')`)
	require.NoError(t, err)

	require.NoError(t, uow.Rollback(txCtx))

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM notes WHERE body = 'dropped'`).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestSQLiteUnitOfWork_FinishWithoutBegin(t *testing.T) {
	uow := NewSQLiteUnitOfWork(openSQLite(t))
	ctx := context.Background()

	err := uow.Commit(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no transaction in context")

	err = uow.Rollback(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no transaction in context")
}

func TestWithSQLiteTx(t *testing.T) {
	db := openSQLite(t)

	tx, err := db.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()

	owned, ok := SQLiteTxInfoFromContext(WithSQLiteTx(context.Background(), tx, true))
	require.True(t, ok)
	assert.Equal(t, tx, owned.Tx)
	assert.True(t, owned.Owned)

	joined, ok := SQLiteTxInfoFromContext(WithSQLiteTx(context.Background(), tx, false))
	require.True(t, ok)
	assert.False(t, joined.Owned)
}

func TestSQLiteTxInfoFromContext_Absent(t *testing.T) {
	_, ok := SQLiteTxInfoFromContext(context.Background())
	assert.False(t, ok)

	_, ok = SQLiteTxInfoFromContext(WithSQLiteTx(context.Background(), nil, true))
	assert.False(t, ok)
}
