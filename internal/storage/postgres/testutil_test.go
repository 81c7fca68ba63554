package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDB creates a PostgreSQL container for testing and applies the
// embedded migrations. Returns a cleanup function that must be called after
// tests complete.
func setupTestDB(t *testing.T) (*Pool, func()) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err, "failed to create pool")

	runTestMigrations(t, ctx, pool)

	cleanup := func() {
		pool.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}

	return pool, cleanup
}

// runTestMigrations applies the schema the archive expects. Mirrors
// migrations/postgres/001_trades.sql; duplicated here because the
// migrations package imports this one.
func runTestMigrations(t *testing.T, ctx context.Context, pool *Pool) {
	t.Helper()

	schema := `
		CREATE TABLE IF NOT EXISTS trades (
			trade_id    TEXT PRIMARY KEY,
			symbol      TEXT NOT NULL,
			price       DOUBLE PRECISION NOT NULL,
			amount      DOUBLE PRECISION NOT NULL,
			side        TEXT NOT NULL,
			source      TEXT NOT NULL,
			executed_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_trades_symbol_time ON trades (symbol, executed_at DESC);
	`
	_, err := pool.Exec(ctx, schema)
	require.NoError(t, err, "failed to apply test schema")
}
