package batchengine

import (
	"context"
	"time"

	"github.com/rezkam/workcoord/internal/model"
)

// Repository is the storage contract the batch engine needs, owned by this
// package per the dependency-inversion convention established in
// internal/jobengine/repository.go.
type Repository interface {
	// InsertBatch persists a new batch, optionally with initial parts.
	InsertBatch(ctx context.Context, b *model.Batch, parts []*model.BatchPart) error

	// AppendParts adds parts to an existing batch. Callers must have already
	// verified the batch is still pending — parts may be appended only while
	// the batch has not started.
	AppendParts(ctx context.Context, batchID string, parts []*model.BatchPart) error

	// SelectActiveBatches selects up to max batches in pending or running
	// status, ordered priority DESC, createdAt ASC.
	SelectActiveBatches(ctx context.Context, max int) ([]*model.Batch, error)

	// FindBatchByID looks up a batch by id.
	FindBatchByID(ctx context.Context, id string) (*model.Batch, error)

	// TransitionToRunning sets status=running, startedAt=now, if still pending.
	TransitionToRunning(ctx context.Context, id string) error

	// FetchPendingParts fetches up to batchSize pending parts for a batch.
	FetchPendingParts(ctx context.Context, batchID string, limit int) ([]*model.BatchPart, error)

	// CountRunningParts reports how many parts of a batch are still running
	// (used to decide whether a batch with no pending parts can finalize).
	CountRunningParts(ctx context.Context, batchID string) (int, error)

	// ClaimPart transitions a part from pending to running, owned by
	// workerID (no TTL — batch parts run to completion within one tick
	// rather than across a lease).
	ClaimPart(ctx context.Context, partID, workerID string) (bool, error)

	// CompletePart marks a part completed, storing its result.
	CompletePart(ctx context.Context, partID string, result []byte) error

	// FailPart marks a part failed (terminal) or returns it to pending with
	// an incremented retryCount, depending on whether retries remain.
	FailPart(ctx context.Context, partID string, errorMessage string, retryExhausted bool) error

	// RecomputeCounters recomputes processedTotal/successTotal/failTotal/
	// skippedTotal via a single aggregation query and writes them back onto
	// the batch row, returning the updated batch.
	RecomputeCounters(ctx context.Context, batchID string) (*model.Batch, error)

	// FinalizeBatch sets status (completed or failed) and endedAt, once no
	// parts remain pending or running.
	FinalizeBatch(ctx context.Context, batchID string, status model.BatchStatus) error

	// CancelBatch transitions a pending/running batch to cancelled and all
	// its pending parts to skipped.
	CancelBatch(ctx context.Context, batchID string) error

	// ResetFailedParts resets all failed parts of a batch to pending with
	// retryCount=0, errorMessage=null, and if the batch itself was failed,
	// resets it to pending.
	ResetFailedParts(ctx context.Context, batchID string) error

	// Stats returns per-(type,status,tenant) counts.
	Stats(ctx context.Context) ([]TypeStatusTenantCount, error)

	// DeleteTerminalOlderThan deletes completed/failed/cancelled batches (and
	// their parts, via cascade) whose endedAt is older than cutoff: the
	// batch engine's retention cleanup.
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// TypeStatusTenantCount is one row of the batch statistics group-by.
type TypeStatusTenantCount struct {
	Type     string
	Status   model.BatchStatus
	TenantID *string
	Count    int64
}
