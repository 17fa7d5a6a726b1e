package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rezkam/workcoord/internal/coreerr"
	"github.com/rezkam/workcoord/internal/jobengine"
	"github.com/rezkam/workcoord/internal/lockarbiter"
	"github.com/rezkam/workcoord/internal/model"
)

// JobStore implements jobengine.Repository over the jobs/dead_letter_jobs
// tables.
type JobStore struct {
	*Store
}

// NewJobStore wraps a shared Store for the job engine.
func NewJobStore(s *Store) *JobStore { return &JobStore{Store: s} }

var jobLockSpec = lockarbiter.Spec{
	Table:             "jobs",
	IDColumn:          "id",
	StatusColumn:      "status",
	PendingValue:      string(model.JobPending),
	RunningValue:      string(model.JobRunning),
	LockOwnerColumn:   "lock_owner",
	LockExpiresColumn: "lock_expires_at",
}

func (s *JobStore) Insert(ctx context.Context, job *model.Job) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO jobs (
			id, type, status, priority, retry_count, max_retries, retry_wait_ms,
			due_date, payload, handler_type, handler_config,
			process_instance_id, execution_id, tenant_id, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		job.ID, job.Type, job.Status, job.Priority, job.RetryCount, job.MaxRetries, job.RetryWaitMs,
		job.DueDate, job.Payload, job.HandlerType, job.HandlerConfig,
		job.ProcessInstanceID, job.ExecutionID, job.TenantID, job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *JobStore) AcquirePending(ctx context.Context, workerID string, max int, lockTTL time.Duration) ([]*model.Job, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id FROM jobs
		WHERE status = $1
		  AND (due_date IS NULL OR due_date <= now())
		  AND (next_retry_at IS NULL OR next_retry_at <= now())
		ORDER BY priority DESC, created_at ASC
		LIMIT $2`,
		model.JobPending, max,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending jobs: %w", err)
	}
	var candidateIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending job id: %w", err)
		}
		candidateIDs = append(candidateIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var claimed []*model.Job
	for _, id := range candidateIDs {
		ok, err := lockarbiter.TryClaim(ctx, s.Pool, jobLockSpec, id, workerID, lockTTL)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue // another worker won the race for this row
		}
		// lockarbiter.TryClaim is table-agnostic and only ever touches the
		// status/lock columns; started_at is jobs-specific bookkeeping for
		// LatencyPercentiles, stamped once per claim (never overwritten by a
		// later retry claim, so it always reflects the first attempt).
		if _, err := s.Pool.Exec(ctx, `UPDATE jobs SET started_at = now() WHERE id = $1 AND started_at IS NULL`, id); err != nil {
			return nil, fmt.Errorf("stamp job started_at: %w", err)
		}
		job, err := s.FindByID(ctx, id)
		if err != nil {
			continue
		}
		claimed = append(claimed, job)
	}
	return claimed, nil
}

func (s *JobStore) FindByID(ctx context.Context, id string) (*model.Job, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT id, type, status, priority, retry_count, max_retries, retry_wait_ms,
		       next_retry_at, due_date, lock_owner, lock_expires_at, payload,
		       handler_type, handler_config, process_instance_id, execution_id,
		       exception_message, exception_stack, tenant_id, created_at, started_at, ended_at
		FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

func scanJob(row pgx.Row) (*model.Job, error) {
	j := &model.Job{}
	err := row.Scan(
		&j.ID, &j.Type, &j.Status, &j.Priority, &j.RetryCount, &j.MaxRetries, &j.RetryWaitMs,
		&j.NextRetryAt, &j.DueDate, &j.LockOwner, &j.LockExpiresAt, &j.Payload,
		&j.HandlerType, &j.HandlerConfig, &j.ProcessInstanceID, &j.ExecutionID,
		&j.ExceptionMessage, &j.ExceptionStack, &j.TenantID, &j.CreatedAt, &j.StartedAt, &j.EndedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, coreerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return j, nil
}

func (s *JobStore) MarkCompleted(ctx context.Context, id string) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE jobs SET status = $1, ended_at = now() WHERE id = $2`,
		model.JobCompleted, id)
	if err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return coreerr.ErrNotFound
	}
	return nil
}

func (s *JobStore) ScheduleRetry(ctx context.Context, id string, nextRetryAt time.Time, exceptionMessage, exceptionStack string) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE jobs
		SET status = $1, retry_count = retry_count + 1, next_retry_at = $2,
		    lock_owner = NULL, lock_expires_at = NULL,
		    exception_message = $3, exception_stack = $4
		WHERE id = $5`,
		model.JobPending, nextRetryAt, exceptionMessage, exceptionStack, id)
	if err != nil {
		return fmt.Errorf("schedule job retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return coreerr.ErrNotFound
	}
	return nil
}

func (s *JobStore) MoveToDeadLetter(ctx context.Context, job *model.Job, reason, exceptionMessage, exceptionStack string) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin dead letter tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	dlID := uuid.NewString()
	_, err = tx.Exec(ctx, `
		INSERT INTO dead_letter_jobs (
			id, original_job_id, type, handler_type, payload, handler_config,
			total_retries, failure_reason, exception_message, exception_stack,
			process_instance_id, execution_id, tenant_id, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,now())`,
		dlID, job.ID, job.Type, job.HandlerType, job.Payload, job.HandlerConfig,
		job.RetryCount, reason, exceptionMessage, exceptionStack,
		job.ProcessInstanceID, job.ExecutionID, job.TenantID,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter row: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, job.ID); err != nil {
		return fmt.Errorf("delete original job: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *JobStore) FindDeadLetter(ctx context.Context, id string) (*model.DeadLetterJob, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT id, original_job_id, type, handler_type, payload, handler_config,
		       total_retries, failure_reason, exception_message, exception_stack,
		       process_instance_id, execution_id, tenant_id, created_at,
		       resolved, resolved_at, resolution
		FROM dead_letter_jobs WHERE id = $1`, id)

	dl := &model.DeadLetterJob{}
	err := row.Scan(
		&dl.ID, &dl.OriginalJobID, &dl.Type, &dl.HandlerType, &dl.Payload, &dl.HandlerConfig,
		&dl.TotalRetries, &dl.FailureReason, &dl.ExceptionMessage, &dl.ExceptionStack,
		&dl.ProcessInstanceID, &dl.ExecutionID, &dl.TenantID, &dl.CreatedAt,
		&dl.Resolved, &dl.ResolvedAt, &dl.Resolution,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, coreerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan dead letter job: %w", err)
	}
	return dl, nil
}

func (s *JobStore) ReinsertFromDeadLetter(ctx context.Context, deadLetterID string) (*model.Job, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin retry-dead-letter tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	dl := &model.DeadLetterJob{}
	row := tx.QueryRow(ctx, `
		SELECT id, original_job_id, type, handler_type, payload, handler_config,
		       process_instance_id, execution_id, tenant_id, resolved
		FROM dead_letter_jobs WHERE id = $1 FOR UPDATE`, deadLetterID)
	var resolved bool
	if err := row.Scan(&dl.ID, &dl.OriginalJobID, &dl.Type, &dl.HandlerType, &dl.Payload, &dl.HandlerConfig,
		&dl.ProcessInstanceID, &dl.ExecutionID, &dl.TenantID, &resolved); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coreerr.ErrNotFound
		}
		return nil, fmt.Errorf("scan dead letter row: %w", err)
	}
	if resolved {
		return nil, coreerr.ErrInvalidState
	}

	job := &model.Job{
		ID:                uuid.NewString(),
		Type:              dl.Type,
		Status:            model.JobPending,
		Priority:          50,
		MaxRetries:        3,
		RetryWaitMs:       5000,
		Payload:           dl.Payload,
		HandlerType:       dl.HandlerType,
		HandlerConfig:     dl.HandlerConfig,
		ProcessInstanceID: dl.ProcessInstanceID,
		ExecutionID:       dl.ExecutionID,
		TenantID:          dl.TenantID,
		CreatedAt:         time.Now().UTC(),
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (
			id, type, status, priority, retry_count, max_retries, retry_wait_ms,
			payload, handler_type, handler_config,
			process_instance_id, execution_id, tenant_id, created_at
		) VALUES ($1,$2,$3,$4,0,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		job.ID, job.Type, job.Status, job.Priority, job.MaxRetries, job.RetryWaitMs,
		job.Payload, job.HandlerType, job.HandlerConfig,
		job.ProcessInstanceID, job.ExecutionID, job.TenantID, job.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert retried job: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE dead_letter_jobs SET resolved = true, resolved_at = now(), resolution = 'retried'
		WHERE id = $1`, deadLetterID); err != nil {
		return nil, fmt.Errorf("mark dead letter resolved: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *JobStore) SweepExpiredLocks(ctx context.Context) (int64, error) {
	return lockarbiter.Sweep(ctx, s.Pool, jobLockSpec)
}

func (s *JobStore) Stats(ctx context.Context) ([]jobengine.TypeStatusTenantCount, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT type, status, tenant_id, count(*)
		FROM jobs
		GROUP BY type, status, tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	var out []jobengine.TypeStatusTenantCount
	for rows.Next() {
		var c jobengine.TypeStatusTenantCount
		if err := rows.Scan(&c.Type, &c.Status, &c.TenantID, &c.Count); err != nil {
			return nil, fmt.Errorf("scan job stats row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LatencyPercentiles computes p50/p95/p99 execution latency in milliseconds
// per job type over completed jobs, using Postgres's percentile_cont — the
// one place in this gateway where a statistical aggregate is load-bearing
// rather than a plain count, matching batches.go's RecomputeCounters use of
// a single aggregation query over a per-group FILTER.
func (s *JobStore) LatencyPercentiles(ctx context.Context) ([]jobengine.LatencyStat, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT
			type,
			percentile_cont(0.5) WITHIN GROUP (ORDER BY extract(epoch FROM (ended_at - started_at)) * 1000),
			percentile_cont(0.95) WITHIN GROUP (ORDER BY extract(epoch FROM (ended_at - started_at)) * 1000),
			percentile_cont(0.99) WITHIN GROUP (ORDER BY extract(epoch FROM (ended_at - started_at)) * 1000),
			count(*)
		FROM jobs
		WHERE status = 'completed' AND started_at IS NOT NULL AND ended_at IS NOT NULL
		GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("job latency percentiles: %w", err)
	}
	defer rows.Close()

	var out []jobengine.LatencyStat
	for rows.Next() {
		var l jobengine.LatencyStat
		if err := rows.Scan(&l.Type, &l.P50Ms, &l.P95Ms, &l.P99Ms, &l.SampleCount); err != nil {
			return nil, fmt.Errorf("scan job latency percentile row: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *JobStore) DeadLetterCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.Pool.QueryRow(ctx, `SELECT count(*) FROM dead_letter_jobs WHERE resolved = false`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("dead letter count: %w", err)
	}
	return n, nil
}
