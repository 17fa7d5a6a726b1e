package jobengine

import (
	"context"
	"time"

	"github.com/rezkam/workcoord/internal/model"
)

// Repository is the storage contract the job engine needs. It is owned by
// this package (the consumer), not by the postgres package (the
// provider), so the engine compiles against exactly the operations it
// uses and tests can fake them in memory.
type Repository interface {
	// Insert persists a new pending job.
	Insert(ctx context.Context, job *model.Job) error

	// AcquirePending selects up to max pending jobs ordered by
	// priority DESC, createdAt ASC, attempts to claim each via the lock
	// arbiter, and returns only the ones successfully claimed.
	AcquirePending(ctx context.Context, workerID string, max int, lockTTL time.Duration) ([]*model.Job, error)

	// FindByID looks up a job by id. Returns coreerr.ErrNotFound if absent.
	FindByID(ctx context.Context, id string) (*model.Job, error)

	// MarkCompleted sets status=completed, endedAt=now.
	MarkCompleted(ctx context.Context, id string) error

	// ScheduleRetry sets status=pending, increments retryCount, sets
	// nextRetryAt, and clears the lock.
	ScheduleRetry(ctx context.Context, id string, nextRetryAt time.Time, exceptionMessage, exceptionStack string) error

	// MoveToDeadLetter inserts a DeadLetterJob mirroring job and deletes the
	// original job row, atomically.
	MoveToDeadLetter(ctx context.Context, job *model.Job, reason, exceptionMessage, exceptionStack string) error

	// FindDeadLetter looks up a dead-letter row by id.
	FindDeadLetter(ctx context.Context, id string) (*model.DeadLetterJob, error)

	// ReinsertFromDeadLetter creates a new pending job from a dead-letter
	// row and marks the dead-letter row resolved ("retried").
	ReinsertFromDeadLetter(ctx context.Context, deadLetterID string) (*model.Job, error)

	// SweepExpiredLocks reverses status=running rows whose lock has expired
	// back to pending (the lock sweeper).
	SweepExpiredLocks(ctx context.Context) (int64, error)

	// Stats returns per-(type,status,tenant) counts for the statistics
	// aggregator.
	Stats(ctx context.Context) ([]TypeStatusTenantCount, error)
	DeadLetterCount(ctx context.Context) (int64, error)

	// LatencyPercentiles returns p50/p95/p99 execution latency (startedAt to
	// endedAt) per job type, for the statistics aggregator's "percentiles"
	// read path.
	LatencyPercentiles(ctx context.Context) ([]LatencyStat, error)
}

// TypeStatusTenantCount is one row of the job statistics group-by.
type TypeStatusTenantCount struct {
	Type     string
	Status   model.JobStatus
	TenantID *string
	Count    int64
}

// LatencyStat is one row of the job execution-latency percentile group-by.
type LatencyStat struct {
	Type        string
	P50Ms       float64
	P95Ms       float64
	P99Ms       float64
	SampleCount int64
}
