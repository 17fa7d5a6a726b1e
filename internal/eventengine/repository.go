package eventengine

import (
	"context"
	"time"

	"github.com/rezkam/workcoord/internal/model"
)

// Repository is the storage contract the event subscription engine needs,
// owned by this package per the dependency-inversion convention established
// in internal/jobengine/repository.go.
type Repository interface {
	// Insert persists a new subscription.
	Insert(ctx context.Context, sub *model.EventSubscription) error

	// FindByID looks up a subscription by id.
	FindByID(ctx context.Context, id string) (*model.EventSubscription, error)

	// MatchUnprocessed selects unprocessed subscriptions for an event type
	// and name, ordered priority DESC, createdAt ASC, optionally scoped to a
	// process instance (message) or a tenant (signal, where a subscription
	// with tenantID=NULL matches any tenant).
	MatchUnprocessed(ctx context.Context, eventType model.EventType, eventName string, processInstanceID *string, tenantID *string) ([]*model.EventSubscription, error)

	// TryMarkProcessed attempts the conditional update
	// `SET isProcessed=true, processedAt=now WHERE id=? AND isProcessed=false`.
	// Returns true if this caller won the race.
	TryMarkProcessed(ctx context.Context, id string, processedAt time.Time) (bool, error)

	// DeleteByProcessInstance bulk-deletes subscriptions for a process
	// instance, returning the count removed.
	DeleteByProcessInstance(ctx context.Context, processInstanceID string) (int64, error)

	// DeleteByExecution bulk-deletes subscriptions for an execution,
	// returning the count removed.
	DeleteByExecution(ctx context.Context, executionID string) (int64, error)

	// CleanupProcessed deletes processed subscriptions older than the given
	// cutoff, returning the count removed.
	CleanupProcessed(ctx context.Context, olderThan time.Time) (int64, error)

	// Stats returns per-(eventType,isProcessed,tenant) counts.
	Stats(ctx context.Context) ([]TypeProcessedTenantCount, error)
}

// TypeProcessedTenantCount is one row of the event subscription statistics
// group-by.
type TypeProcessedTenantCount struct {
	EventType   model.EventType
	IsProcessed bool
	TenantID    *string
	Count       int64
}
