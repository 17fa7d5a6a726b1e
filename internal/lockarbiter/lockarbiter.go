// Package lockarbiter implements the single primitive every engine uses to
// claim a row: a conditional UPDATE whose predicate only matches pending,
// unlocked (or lock-expired) rows. The affected-row count is the claim
// result — no distributed lock manager is involved.
package lockarbiter

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is satisfied by both *pgxpool.Pool and pgx.Tx, letting callers
// claim inside or outside an explicit transaction.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Spec names the columns TryClaim and Sweep operate on for a given table.
// Every engine's postgres store supplies its own Spec naming its own table;
// the arbiter logic itself is table-agnostic.
type Spec struct {
	Table             string
	IDColumn          string
	StatusColumn      string
	PendingValue      string
	RunningValue      string
	LockOwnerColumn   string
	LockExpiresColumn string
}

// TryClaim attempts to atomically transition the row identified by id from
// pending/unlocked (or lock-expired) to running, owned by workerID, with the
// lock expiring after ttl. It returns true if this caller won the claim.
//
// The predicate `status = pending AND (lockOwner IS NULL OR lockExpiresAt <
// now)` combined with the SET clause is the entirety of the "distributed
// lock": at most one concurrent UPDATE can match and return a non-zero
// affected-row count for a given id.
func TryClaim(ctx context.Context, ex Execer, spec Spec, id, workerID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	query := fmt.Sprintf(`
		UPDATE %s
		SET %s = $1, %s = $2, %s = $3
		WHERE %s = $4
		  AND %s = $5
		  AND (%s IS NULL OR %s < $6)`,
		spec.Table,
		spec.StatusColumn, spec.LockOwnerColumn, spec.LockExpiresColumn,
		spec.IDColumn,
		spec.StatusColumn,
		spec.LockOwnerColumn, spec.LockExpiresColumn,
	)

	tag, err := ex.Exec(ctx, query,
		spec.RunningValue, workerID, expiresAt,
		id, spec.PendingValue, now,
	)
	if err != nil {
		return false, fmt.Errorf("lockarbiter: claim %s#%s: %w", spec.Table, id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Sweep reverses any row whose lock has expired back to pending, clearing
// ownership. This is the crash-recovery mechanism run once per minute by
// the scheduler loop. It returns the number of
// rows reclaimed.
func Sweep(ctx context.Context, ex Execer, spec Spec) (int64, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET %s = $1, %s = NULL, %s = NULL
		WHERE %s = $2
		  AND %s < $3`,
		spec.Table,
		spec.StatusColumn, spec.LockOwnerColumn, spec.LockExpiresColumn,
		spec.StatusColumn,
		spec.LockExpiresColumn,
	)

	tag, err := ex.Exec(ctx, query, spec.PendingValue, spec.RunningValue, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("lockarbiter: sweep %s: %w", spec.Table, err)
	}
	return tag.RowsAffected(), nil
}

// TryAcquireLease claims (or renews) an exclusive, process-wide lease over
// runType in the shared cron_job_leases table, for periodic maintenance
// tasks (retention cleanup) that must run on only one worker at a time
// regardless of how many processes are ticking.
//
// The upsert either inserts a fresh row for runType, or replaces an expired
// lease, in both cases setting holderID as the new owner; it never touches
// a row still held (non-expired) by a different holder. The affected-row
// count tells the caller whether it won.
func TryAcquireLease(ctx context.Context, ex Execer, runType, holderID string, leaseDuration time.Duration) (bool, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(leaseDuration)

	tag, err := ex.Exec(ctx, `
		INSERT INTO cron_job_leases (run_type, holder_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_type) DO UPDATE
			SET holder_id = EXCLUDED.holder_id, expires_at = EXCLUDED.expires_at
			WHERE cron_job_leases.expires_at < $4 OR cron_job_leases.holder_id = $2`,
		runType, holderID, expiresAt, now,
	)
	if err != nil {
		return false, fmt.Errorf("lockarbiter: acquire lease %s: %w", runType, err)
	}
	return tag.RowsAffected() == 1, nil
}
