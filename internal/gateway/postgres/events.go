package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rezkam/workcoord/internal/coreerr"
	"github.com/rezkam/workcoord/internal/eventengine"
	"github.com/rezkam/workcoord/internal/model"
)

// EventStore implements eventengine.Repository over the event_subscriptions
// table.
type EventStore struct {
	*Store
}

// NewEventStore wraps a shared Store for the event subscription engine.
func NewEventStore(s *Store) *EventStore { return &EventStore{Store: s} }

func (s *EventStore) Insert(ctx context.Context, sub *model.EventSubscription) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO event_subscriptions (
			id, event_type, event_name, process_instance_id, execution_id, activity_id,
			configuration_type, configuration, priority, tenant_id, created_at, callback_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		sub.ID, sub.EventType, sub.EventName, sub.ProcessInstanceID, sub.ExecutionID, sub.ActivityID,
		sub.ConfigurationType, sub.Configuration, sub.Priority, sub.TenantID, sub.CreatedAt, sub.CallbackID,
	)
	if err != nil {
		return fmt.Errorf("insert event subscription: %w", err)
	}
	return nil
}

func (s *EventStore) FindByID(ctx context.Context, id string) (*model.EventSubscription, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT id, event_type, event_name, process_instance_id, execution_id, activity_id,
		       configuration_type, configuration, priority, is_processed, processed_at,
		       tenant_id, created_at, callback_id
		FROM event_subscriptions WHERE id = $1`, id)
	return scanSubscription(row)
}

func scanSubscription(row pgx.Row) (*model.EventSubscription, error) {
	sub := &model.EventSubscription{}
	err := row.Scan(
		&sub.ID, &sub.EventType, &sub.EventName, &sub.ProcessInstanceID, &sub.ExecutionID, &sub.ActivityID,
		&sub.ConfigurationType, &sub.Configuration, &sub.Priority, &sub.IsProcessed, &sub.ProcessedAt,
		&sub.TenantID, &sub.CreatedAt, &sub.CallbackID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, coreerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan event subscription: %w", err)
	}
	return sub, nil
}

// MatchUnprocessed selects the unprocessed subscriptions a trigger
// call should attempt to fire. A
// processInstanceID scopes to a single message recipient; a tenantID scopes
// a broadcast signal to subscriptions with a matching tenant or no tenant
// at all (tenantID=NULL means "matches any tenant").
func (s *EventStore) MatchUnprocessed(ctx context.Context, eventType model.EventType, eventName string, processInstanceID *string, tenantID *string) ([]*model.EventSubscription, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, event_type, event_name, process_instance_id, execution_id, activity_id,
		       configuration_type, configuration, priority, is_processed, processed_at,
		       tenant_id, created_at, callback_id
		FROM event_subscriptions
		WHERE event_type = $1
		  AND event_name = $2
		  AND is_processed = false
		  AND ($3::text IS NULL OR process_instance_id = $3)
		  AND ($4::text IS NULL OR tenant_id IS NULL OR tenant_id = $4)
		ORDER BY priority DESC, created_at ASC`,
		eventType, eventName, processInstanceID, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("match unprocessed subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*model.EventSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *EventStore) TryMarkProcessed(ctx context.Context, id string, processedAt time.Time) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE event_subscriptions
		SET is_processed = true, processed_at = $1
		WHERE id = $2 AND is_processed = false`,
		processedAt, id,
	)
	if err != nil {
		return false, fmt.Errorf("mark subscription processed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *EventStore) DeleteByProcessInstance(ctx context.Context, processInstanceID string) (int64, error) {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM event_subscriptions WHERE process_instance_id = $1`, processInstanceID)
	if err != nil {
		return 0, fmt.Errorf("delete subscriptions by process instance: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *EventStore) DeleteByExecution(ctx context.Context, executionID string) (int64, error) {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM event_subscriptions WHERE execution_id = $1`, executionID)
	if err != nil {
		return 0, fmt.Errorf("delete subscriptions by execution: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *EventStore) CleanupProcessed(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.Pool.Exec(ctx, `
		DELETE FROM event_subscriptions WHERE is_processed = true AND processed_at < $1`,
		olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup processed subscriptions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *EventStore) Stats(ctx context.Context) ([]eventengine.TypeProcessedTenantCount, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT event_type, is_processed, tenant_id, count(*)
		FROM event_subscriptions
		GROUP BY event_type, is_processed, tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("event subscription stats: %w", err)
	}
	defer rows.Close()

	var out []eventengine.TypeProcessedTenantCount
	for rows.Next() {
		var c eventengine.TypeProcessedTenantCount
		if err := rows.Scan(&c.EventType, &c.IsProcessed, &c.TenantID, &c.Count); err != nil {
			return nil, fmt.Errorf("scan event subscription stats row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
