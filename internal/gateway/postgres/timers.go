package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rezkam/workcoord/internal/coreerr"
	"github.com/rezkam/workcoord/internal/lockarbiter"
	"github.com/rezkam/workcoord/internal/model"
	"github.com/rezkam/workcoord/internal/timerengine"
)

// TimerStore implements timerengine.Repository over the timers table.
type TimerStore struct {
	*Store
}

// NewTimerStore wraps a shared Store for the timer engine.
func NewTimerStore(s *Store) *TimerStore { return &TimerStore{Store: s} }

var timerLockSpec = lockarbiter.Spec{
	Table:             "timers",
	IDColumn:          "id",
	StatusColumn:      "status",
	PendingValue:      string(model.TimerPending),
	RunningValue:      "running",
	LockOwnerColumn:   "lock_owner",
	LockExpiresColumn: "lock_expires_at",
}

func (s *TimerStore) Insert(ctx context.Context, t *model.Timer) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO timers (
			id, timer_type, expression, due_date, repeat, repeat_interval_ms,
			max_executions, end_time, status, callback_config, payload,
			max_retries, process_instance_id, execution_id, activity_id,
			tenant_id, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		t.ID, t.TimerType, t.Expression, t.DueDate, t.Repeat, t.RepeatIntervalMs,
		t.MaxExecutions, t.EndTime, t.Status, t.CallbackConfig, t.Payload,
		t.MaxRetries, t.ProcessInstanceID, t.ExecutionID, t.ActivityID,
		t.TenantID, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert timer: %w", err)
	}
	return nil
}

func (s *TimerStore) AcquireDue(ctx context.Context, workerID string, max int, lockTTL time.Duration, now time.Time) ([]*model.Timer, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id FROM timers
		WHERE status = $1
		  AND due_date <= $2
		ORDER BY due_date ASC
		LIMIT $3`,
		model.TimerPending, now, max,
	)
	if err != nil {
		return nil, fmt.Errorf("select due timers: %w", err)
	}
	var candidateIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan due timer id: %w", err)
		}
		candidateIDs = append(candidateIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var claimed []*model.Timer
	for _, id := range candidateIDs {
		ok, err := lockarbiter.TryClaim(ctx, s.Pool, timerLockSpec, id, workerID, lockTTL)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		t, err := s.FindByID(ctx, id)
		if err != nil {
			continue
		}
		claimed = append(claimed, t)
	}
	return claimed, nil
}

func (s *TimerStore) FindByID(ctx context.Context, id string) (*model.Timer, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT id, timer_type, expression, due_date, repeat, repeat_interval_ms,
		       max_executions, execution_count, end_time, status, callback_config,
		       payload, retry_count, max_retries, lock_owner, lock_expires_at,
		       process_instance_id, execution_id, activity_id, tenant_id,
		       created_at, executed_at, next_execution_at
		FROM timers WHERE id = $1`, id)
	return scanTimer(row)
}

func scanTimer(row pgx.Row) (*model.Timer, error) {
	t := &model.Timer{}
	err := row.Scan(
		&t.ID, &t.TimerType, &t.Expression, &t.DueDate, &t.Repeat, &t.RepeatIntervalMs,
		&t.MaxExecutions, &t.ExecutionCount, &t.EndTime, &t.Status, &t.CallbackConfig,
		&t.Payload, &t.RetryCount, &t.MaxRetries, &t.LockOwner, &t.LockExpiresAt,
		&t.ProcessInstanceID, &t.ExecutionID, &t.ActivityID, &t.TenantID,
		&t.CreatedAt, &t.ExecutedAt, &t.NextExecutionAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, coreerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan timer: %w", err)
	}
	return t, nil
}

func (s *TimerStore) MarkExecuted(ctx context.Context, id string, executedAt time.Time) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE timers
		SET status = $1, executed_at = $2, execution_count = execution_count + 1,
		    lock_owner = NULL, lock_expires_at = NULL
		WHERE id = $3`,
		model.TimerExecuted, executedAt, id)
	if err != nil {
		return fmt.Errorf("mark timer executed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return coreerr.ErrNotFound
	}
	return nil
}

func (s *TimerStore) Reschedule(ctx context.Context, id string, nextDueDate time.Time, executedAt time.Time) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE timers
		SET status = $1, due_date = $2, execution_count = execution_count + 1,
		    executed_at = $3, next_execution_at = $2,
		    lock_owner = NULL, lock_expires_at = NULL
		WHERE id = $4`,
		model.TimerPending, nextDueDate, executedAt, id)
	if err != nil {
		return fmt.Errorf("reschedule timer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return coreerr.ErrNotFound
	}
	return nil
}

// MarkFailed sets status=failed. The timers table has no exception column
// (unlike jobs); the failure message is only surfaced via the log line and
// the "timer.failed" event emitted by the engine. executed_at is stamped
// here too (despite the row never having actually executed) so
// DeleteTerminalOlderThan's "executed_at IS NOT NULL" retention filter can
// see failed rows as terminal the same way it sees executed ones.
func (s *TimerStore) MarkFailed(ctx context.Context, id string, exceptionMessage string) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE timers
		SET status = $1, executed_at = now(), lock_owner = NULL, lock_expires_at = NULL
		WHERE id = $2`,
		model.TimerFailed, id)
	if err != nil {
		return fmt.Errorf("mark timer failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return coreerr.ErrNotFound
	}
	return nil
}

func (s *TimerStore) ScheduleRetry(ctx context.Context, id string) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE timers
		SET status = $1, retry_count = retry_count + 1,
		    lock_owner = NULL, lock_expires_at = NULL
		WHERE id = $2`,
		model.TimerPending, id)
	if err != nil {
		return fmt.Errorf("schedule timer retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return coreerr.ErrNotFound
	}
	return nil
}

func (s *TimerStore) Cancel(ctx context.Context, id string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE timers SET status = $1 WHERE id = $2 AND status = $3`,
		model.TimerCancelled, id, model.TimerPending)
	if err != nil {
		return fmt.Errorf("cancel timer: %w", err)
	}
	return nil
}

func (s *TimerStore) CancelByProcessInstance(ctx context.Context, processInstanceID string) (int64, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE timers SET status = $1
		WHERE process_instance_id = $2 AND status = $3`,
		model.TimerCancelled, processInstanceID, model.TimerPending)
	if err != nil {
		return 0, fmt.Errorf("cancel timers by process instance: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *TimerStore) CancelByExecution(ctx context.Context, executionID string) (int64, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE timers SET status = $1
		WHERE execution_id = $2 AND status = $3`,
		model.TimerCancelled, executionID, model.TimerPending)
	if err != nil {
		return 0, fmt.Errorf("cancel timers by execution: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *TimerStore) SweepExpiredLocks(ctx context.Context) (int64, error) {
	return lockarbiter.Sweep(ctx, s.Pool, timerLockSpec)
}

func (s *TimerStore) Stats(ctx context.Context) ([]timerengine.TypeStatusTenantCount, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT timer_type, status, tenant_id, count(*)
		FROM timers
		GROUP BY timer_type, status, tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("timer stats: %w", err)
	}
	defer rows.Close()

	var out []timerengine.TypeStatusTenantCount
	for rows.Next() {
		var c timerengine.TypeStatusTenantCount
		if err := rows.Scan(&c.TimerType, &c.Status, &c.TenantID, &c.Count); err != nil {
			return nil, fmt.Errorf("scan timer stats row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteTerminalOlderThan deletes executed/failed/cancelled timers whose
// executedAt predates cutoff. Cancelled timers that never fired have no
// executedAt, so they're matched on createdAt instead.
func (s *TimerStore) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.Pool.Exec(ctx, `
		DELETE FROM timers
		WHERE (status IN ($1, $2) AND executed_at IS NOT NULL AND executed_at < $3)
		   OR (status = $4 AND created_at < $3)`,
		model.TimerExecuted, model.TimerFailed, cutoff, model.TimerCancelled,
	)
	if err != nil {
		return 0, fmt.Errorf("delete terminal timers: %w", err)
	}
	return tag.RowsAffected(), nil
}
