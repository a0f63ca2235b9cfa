package basic

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	core "sagaflow/data/db"
)

func newMemoryDB(t *testing.T) *DB {
	t.Helper()
	database, err := New(core.DBConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	_, err = database.Exec(context.Background(), `CREATE TABLE kv (k TEXT PRIMARY KEY, v INTEGER NOT NULL)`)
	require.NoError(t, err)
	return database
}

func TestSelectBuilder(t *testing.T) {
	q, args := NewSelect().
		Select("instance_id", "status").
		From("saga_instances").
		WhereIn("status", "PENDING", "RUNNING").
		Where("updated_at < ?", int64(10)).
		OrderBy("created_at", false).
		Limit(5).
		Build()

	assert.Equal(t, "SELECT instance_id, status FROM saga_instances WHERE status IN (?,?) AND updated_at < ? ORDER BY created_at LIMIT 5", q)
	assert.Equal(t, []any{"PENDING", "RUNNING", int64(10)}, args)

	q, _ = NewSelect().From("t").WhereIn("x").Build()
	assert.Equal(t, "SELECT * FROM t WHERE 1 = 0", q)
}

func TestSelectBuilder_QuotedTableAndPaging(t *testing.T) {
	quote := func(s string) string { return `"` + s + `"` }
	q, args := NewSelect().
		Select("data").
		FromQuoted("saga_instances", quote).
		Where("status = ?", "RUNNING").
		OrderBy("created_at", false).
		OrderBy("instance_id", true).
		Limit(10).
		Offset(20).
		Build()

	assert.Equal(t, `SELECT data FROM "saga_instances" WHERE status = ? ORDER BY created_at, instance_id DESC LIMIT 10 OFFSET 20`, q)
	assert.Equal(t, []any{"RUNNING"}, args)

	q, _ = NewSelect().From("t").Offset(5).Build()
	assert.Equal(t, "SELECT * FROM t", q)

	assert.Panics(t, func() { NewSelect().FromQuoted("t;", quote) })
	assert.Panics(t, func() { NewSelect().Offset(-1) })
}

func TestSelectBuilder_RejectsUnsafeIdentifiers(t *testing.T) {
	assert.Panics(t, func() { NewSelect().From("t; DROP TABLE x") })
	assert.Panics(t, func() { NewSelect().Select("1abc") })
	assert.Panics(t, func() { NewSelect().OrderBy("a b", true) })
	assert.Panics(t, func() { NewSelect().Limit(-1) })
}

func TestRunInTx_CommitAndRollback(t *testing.T) {
	ctx := context.Background()
	database := newMemoryDB(t)

	err := RunInTx(ctx, database, func(tx core.ITransaction) error {
		_, err := tx.Exec(ctx, "INSERT INTO kv (k, v) VALUES (?, ?)", "a", 1)
		return err
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = RunInTx(ctx, database, func(tx core.ITransaction) error {
		if _, err := tx.Exec(ctx, "INSERT INTO kv (k, v) VALUES (?, ?)", "b", 2); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, database.QueryRow(ctx, "SELECT COUNT(*) FROM kv").Scan(&count))
	assert.Equal(t, 1, count)
	assert.Equal(t, "sqlite", database.GetDialectName())
}

func TestTx_NestedNotSupported(t *testing.T) {
	ctx := context.Background()
	database := newMemoryDB(t)

	tx, err := database.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Begin(ctx)
	assert.Error(t, err)
}

func TestNew_RequiresDSN(t *testing.T) {
	_, err := New(core.DBConfig{Driver: "sqlite"})
	assert.Error(t, err)
}
