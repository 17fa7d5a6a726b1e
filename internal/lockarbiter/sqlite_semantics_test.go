package lockarbiter

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// sqliteExecer adapts an in-memory SQLite database to the Execer interface
// so the claim and sweep statements run against a real SQL engine without a
// Postgres instance: placeholders are rewritten from $N to SQLite's ?N
// form, and time arguments are bound as Unix nanoseconds so the expiry
// comparisons stay numeric.
type sqliteExecer struct {
	db *sql.DB
}

func (e sqliteExecer) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	rewritten := strings.ReplaceAll(query, "$", "?")
	bound := make([]any, len(args))
	for i, a := range args {
		if t, ok := a.(time.Time); ok {
			bound[i] = t.UnixNano()
			continue
		}
		bound[i] = a
	}
	res, err := e.db.ExecContext(ctx, rewritten, bound...)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", n)), nil
}

func openClaimDB(t *testing.T) sqliteExecer {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
		CREATE TABLE jobs (
			id              TEXT PRIMARY KEY,
			status          TEXT NOT NULL,
			lock_owner      TEXT,
			lock_expires_at INTEGER
		)`)
	require.NoError(t, err)
	return sqliteExecer{db: db}
}

var sqliteJobSpec = Spec{
	Table:             "jobs",
	IDColumn:          "id",
	StatusColumn:      "status",
	PendingValue:      "pending",
	RunningValue:      "running",
	LockOwnerColumn:   "lock_owner",
	LockExpiresColumn: "lock_expires_at",
}

func TestTryClaim_SQLSemantics_SecondClaimLoses(t *testing.T) {
	ex := openClaimDB(t)
	ctx := context.Background()

	_, err := ex.db.Exec(`INSERT INTO jobs (id, status) VALUES ('j1', 'pending')`)
	require.NoError(t, err)

	won, err := TryClaim(ctx, ex, sqliteJobSpec, "j1", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)

	// The row is now running and lock-owned, so a second claimant's
	// predicate cannot match.
	won, err = TryClaim(ctx, ex, sqliteJobSpec, "j1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, won)

	var status, owner string
	require.NoError(t, ex.db.QueryRow(`SELECT status, lock_owner FROM jobs WHERE id = 'j1'`).Scan(&status, &owner))
	assert.Equal(t, "running", status)
	assert.Equal(t, "worker-a", owner)
}

func TestTryClaim_SQLSemantics_ExpiredLockIsReclaimable(t *testing.T) {
	ex := openClaimDB(t)
	ctx := context.Background()

	// A pending row whose previous holder's lock expired in the past: the
	// predicate's (lock_owner IS NULL OR lock_expires_at < now) arm admits
	// a new claimant.
	expired := time.Now().UTC().Add(-time.Hour).UnixNano()
	_, err := ex.db.Exec(`INSERT INTO jobs (id, status, lock_owner, lock_expires_at) VALUES ('j2', 'pending', 'worker-dead', ?)`, expired)
	require.NoError(t, err)

	won, err := TryClaim(ctx, ex, sqliteJobSpec, "j2", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)

	var owner string
	require.NoError(t, ex.db.QueryRow(`SELECT lock_owner FROM jobs WHERE id = 'j2'`).Scan(&owner))
	assert.Equal(t, "worker-b", owner)
}

func TestSweep_SQLSemantics_ReapsOnlyExpiredRunningRows(t *testing.T) {
	ex := openClaimDB(t)
	ctx := context.Background()

	expired := time.Now().UTC().Add(-time.Hour).UnixNano()
	live := time.Now().UTC().Add(time.Hour).UnixNano()
	_, err := ex.db.Exec(`
		INSERT INTO jobs (id, status, lock_owner, lock_expires_at) VALUES
			('expired-1', 'running', 'worker-dead', ?),
			('expired-2', 'running', 'worker-dead', ?),
			('held',      'running', 'worker-live', ?),
			('idle',      'pending', NULL, NULL)`,
		expired, expired, live)
	require.NoError(t, err)

	n, err := Sweep(ctx, ex, sqliteJobSpec)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	var status string
	var owner *string
	require.NoError(t, ex.db.QueryRow(`SELECT status, lock_owner FROM jobs WHERE id = 'expired-1'`).Scan(&status, &owner))
	assert.Equal(t, "pending", status)
	assert.Nil(t, owner)

	require.NoError(t, ex.db.QueryRow(`SELECT status FROM jobs WHERE id = 'held'`).Scan(&status))
	assert.Equal(t, "running", status)
}
