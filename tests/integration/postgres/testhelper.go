// Package integration exercises the persistence gateway and engines against
// a real PostgreSQL instance. Tests skip unless WORKCOORD_TEST_DB_DSN is
// set; they truncate the core tables when they finish, so point the DSN at
// a throwaway database.
package integration

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rezkam/workcoord/internal/gateway/postgres"
	"github.com/stretchr/testify/require"
)

// SetupStore opens the shared pgx pool against the database named by
// WORKCOORD_TEST_DB_DSN, running migrations. Cleanup truncates every core
// table and closes the pool via t.Cleanup.
func SetupStore(t *testing.T) (*postgres.Store, context.Context) {
	t.Helper()

	dsn := os.Getenv("WORKCOORD_TEST_DB_DSN")
	if dsn == "" {
		t.Skip("WORKCOORD_TEST_DB_DSN not set, skipping integration test")
	}

	ctx := context.Background()
	store, err := postgres.Open(ctx, postgres.PoolConfig{DSN: dsn})
	require.NoError(t, err)

	t.Cleanup(func() {
		db, err := sql.Open("pgx", dsn)
		if err == nil {
			_, _ = db.Exec("TRUNCATE TABLE jobs, dead_letter_jobs, timers, batches, batch_parts, event_subscriptions, cron_job_leases CASCADE")
			_ = db.Close()
		}
		store.Close()
	})

	return store, ctx
}
