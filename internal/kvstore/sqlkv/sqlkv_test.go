package sqlkv

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mysql"
)

func setupMySQL(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	mysqlContainer, err := mysql.Run(ctx, "mysql:8.0",
		mysql.WithDatabase("testdb"),
		mysql.WithUsername("root"),
		mysql.WithPassword("testpass"),
	)
	require.NoError(t, err, "failed to start MySQL container")

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(mysqlContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := mysqlContainer.ConnectionString(ctx, "parseTime=true")
	require.NoError(t, err, "failed to get connection string")

	db, err := sql.Open("mysql", dsn)
	require.NoError(t, err, "failed to open direct DB connection")
	require.NoError(t, db.PingContext(ctx), "failed to ping database")
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return db
}

func TestStorePutGetIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	db := setupMySQL(t)

	store, err := Open(ctx, db, "objkv")
	require.NoError(t, err)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	require.NoError(t, tx.Put(ctx, []byte("a"), []byte("1")))
	require.NoError(t, tx.Put(ctx, []byte("b"), []byte("2")))
	require.NoError(t, tx.Put(ctx, []byte("c"), []byte("3")))

	v, ok, err := tx.Get(ctx, []byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)

	require.NoError(t, tx.Remove(ctx, []byte("b")))
	_, ok, err = tx.Get(ctx, []byte("b"))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, tx.Commit(ctx))
}

func TestStoreGetAtLeastAtMostIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	db := setupMySQL(t)

	store, err := Open(ctx, db, "objkv_bounds")
	require.NoError(t, err)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	for _, k := range []string{"a", "c", "e", "g"} {
		require.NoError(t, tx.Put(ctx, []byte(k), []byte(k)))
	}

	kv1, ok, err := tx.GetAtLeast(ctx, []byte("b"), []byte("f"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "c", string(kv1.Key))

	kv2, ok, err := tx.GetAtMost(ctx, []byte("f"), []byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "e", string(kv2.Key))

	require.NoError(t, tx.Rollback(ctx))
}

func TestStoreGetRangeIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	db := setupMySQL(t)

	store, err := Open(ctx, db, "objkv_range")
	require.NoError(t, err)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, tx.Put(ctx, []byte(k), []byte(k)))
	}

	it, err := tx.GetRange(ctx, []byte("b"), []byte("d"), false)
	require.NoError(t, err)
	var got []string
	for it.Next() {
		got = append(got, string(it.KeyValue().Key))
	}
	require.NoError(t, it.Err())
	require.NoError(t, it.Close())
	require.Equal(t, []string{"b", "c"}, got)

	require.NoError(t, tx.Rollback(ctx))
}

func TestStoreAdjustCounterIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	db := setupMySQL(t)

	store, err := Open(ctx, db, "objkv_counter")
	require.NoError(t, err)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	v, err := tx.AdjustCounter(ctx, []byte("counter"), 5)
	require.NoError(t, err)
	require.Equal(t, int64(5), v)

	v, err = tx.AdjustCounter(ctx, []byte("counter"), -2)
	require.NoError(t, err)
	require.Equal(t, int64(3), v)

	require.NoError(t, tx.Commit(ctx))
}
