package timerengine

import (
	"context"
	"time"

	"github.com/rezkam/workcoord/internal/model"
)

// Repository is the storage contract the timer engine needs, owned by this
// package per the dependency-inversion convention established in
// internal/jobengine/repository.go.
type Repository interface {
	// Insert persists a new pending timer.
	Insert(ctx context.Context, t *model.Timer) error

	// AcquireDue selects up to max pending timers whose dueDate has passed,
	// claims each via the lock arbiter, and returns the claimed ones.
	AcquireDue(ctx context.Context, workerID string, max int, lockTTL time.Duration, now time.Time) ([]*model.Timer, error)

	// FindByID looks up a timer by id. Returns coreerr.ErrNotFound if absent.
	FindByID(ctx context.Context, id string) (*model.Timer, error)

	// MarkExecuted sets status=executed, executedAt=now, increments
	// executionCount.
	MarkExecuted(ctx context.Context, id string, executedAt time.Time) error

	// Reschedule advances a repeating timer: increments executionCount,
	// sets dueDate=nextDueDate and status back to pending, clearing the lock.
	Reschedule(ctx context.Context, id string, nextDueDate time.Time, executedAt time.Time) error

	// MarkFailed sets status=failed after retries are exhausted.
	MarkFailed(ctx context.Context, id string, exceptionMessage string) error

	// ScheduleRetry returns a failed callback invocation to pending with an
	// incremented retryCount, clearing the lock, without advancing dueDate.
	ScheduleRetry(ctx context.Context, id string) error

	// Cancel sets status=cancelled, provided the timer is still pending.
	Cancel(ctx context.Context, id string) error

	// CancelByProcessInstance cancels all pending timers for a process
	// instance, returning the count affected.
	CancelByProcessInstance(ctx context.Context, processInstanceID string) (int64, error)

	// CancelByExecution cancels all pending timers for an execution,
	// returning the count affected.
	CancelByExecution(ctx context.Context, executionID string) (int64, error)

	// SweepExpiredLocks reverses stuck running timers back to pending.
	SweepExpiredLocks(ctx context.Context) (int64, error)

	// Stats returns per-(timerType,status,tenant) counts.
	Stats(ctx context.Context) ([]TypeStatusTenantCount, error)

	// DeleteTerminalOlderThan deletes executed/failed/cancelled timers whose
	// executedAt (or createdAt, for cancelled timers that never fired) is
	// older than cutoff.
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// TypeStatusTenantCount is one row of the timer statistics group-by.
type TypeStatusTenantCount struct {
	TimerType model.TimerType
	Status    model.TimerStatus
	TenantID  *string
	Count     int64
}
