// Package eventengine implements durable event subscriptions that convert a
// named incoming signal or message into an at-most-once targeted wakeup.
package eventengine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rezkam/workcoord/internal/coreerr"
	"github.com/rezkam/workcoord/internal/eventbus"
	"github.com/rezkam/workcoord/internal/executorregistry"
	"github.com/rezkam/workcoord/internal/model"
	"github.com/rezkam/workcoord/pkg/workitem"
)

// Config holds event engine defaults.
type Config struct {
	RetentionPeriod time.Duration
}

// DefaultConfig carries the 7-day retention default.
func DefaultConfig() Config {
	return Config{RetentionPeriod: 7 * 24 * time.Hour}
}

// Engine is the event subscription engine.
type Engine struct {
	repo     Repository
	registry *executorregistry.Registry
	bus      *eventbus.Bus
	cfg      Config
}

// New constructs an event Engine.
func New(repo Repository, registry *executorregistry.Registry, bus *eventbus.Bus, cfg Config) *Engine {
	return &Engine{repo: repo, registry: registry, bus: bus, cfg: cfg}
}

// CreateSpec is the input to CreateSubscription.
type CreateSpec struct {
	EventType         model.EventType
	EventName         string
	ProcessInstanceID *string
	ExecutionID       *string
	ActivityID        *string
	ConfigurationType string
	Configuration     []byte
	Priority          int // 0 means default priority 50
	TenantID          *string
	CallbackID        *string
}

// CreateSubscription persists a new subscription and emits
// "subscription.created".
func (e *Engine) CreateSubscription(ctx context.Context, spec CreateSpec) (*model.EventSubscription, error) {
	priority := spec.Priority
	if priority == 0 {
		priority = 50
	}

	sub := &model.EventSubscription{
		ID:                uuid.NewString(),
		EventType:         spec.EventType,
		EventName:         spec.EventName,
		ProcessInstanceID: spec.ProcessInstanceID,
		ExecutionID:       spec.ExecutionID,
		ActivityID:        spec.ActivityID,
		ConfigurationType: spec.ConfigurationType,
		Configuration:     spec.Configuration,
		Priority:          priority,
		TenantID:          spec.TenantID,
		CreatedAt:         time.Now().UTC(),
		CallbackID:        spec.CallbackID,
	}

	if err := e.repo.Insert(ctx, sub); err != nil {
		return nil, coreerr.NewTransientStoreError(fmt.Errorf("eventengine: insert subscription: %w", err))
	}

	e.bus.Emit(eventbus.Event{Name: "subscription.created", Data: map[string]any{"subscription_id": sub.ID, "event_name": sub.EventName}})
	slog.InfoContext(ctx, "subscription created", "subscription_id", sub.ID, "event_type", sub.EventType, "event_name", sub.EventName)
	return sub, nil
}

// TriggerResult reports what a trigger call matched and successfully fired.
type TriggerResult struct {
	Count int
	Subs  []*model.EventSubscription
}

// TriggerMessage matches a message event scoped to a process instance.
// Each matched subscription is claimed via the conditional isProcessed
// update; only successful claims are reported and dispatched.
func (e *Engine) TriggerMessage(ctx context.Context, eventName string, payload []byte, processInstanceID *string) (TriggerResult, error) {
	return e.trigger(ctx, model.EventMessage, eventName, payload, processInstanceID, nil)
}

// TriggerSignal broadcasts a signal event, optionally scoped to a tenant. A
// subscription with tenantID=NULL matches any tenant.
func (e *Engine) TriggerSignal(ctx context.Context, eventName string, payload []byte, tenantID *string) (TriggerResult, error) {
	return e.trigger(ctx, model.EventSignal, eventName, payload, nil, tenantID)
}

func (e *Engine) trigger(ctx context.Context, eventType model.EventType, eventName string, payload []byte, processInstanceID, tenantID *string) (TriggerResult, error) {
	candidates, err := e.repo.MatchUnprocessed(ctx, eventType, eventName, processInstanceID, tenantID)
	if err != nil {
		return TriggerResult{}, coreerr.NewTransientStoreError(fmt.Errorf("eventengine: match unprocessed: %w", err))
	}

	now := time.Now().UTC()
	var fired []*model.EventSubscription
	for _, sub := range candidates {
		won, err := e.repo.TryMarkProcessed(ctx, sub.ID, now)
		if err != nil {
			slog.ErrorContext(ctx, "mark subscription processed failed", "subscription_id", sub.ID, "error", err)
			continue
		}
		if !won {
			continue // another trigger call (or process) already claimed it
		}
		sub.IsProcessed = true
		sub.ProcessedAt = &now
		e.deliver(ctx, sub, eventType, eventName, payload)
		fired = append(fired, sub)
	}

	e.bus.Emit(eventbus.Event{Name: "subscription.triggered", Data: map[string]any{
		"event_type": eventType, "event_name": eventName, "count": len(fired),
	}})
	return TriggerResult{Count: len(fired), Subs: fired}, nil
}

// deliver dispatches a matched subscription to its configured downstream
// target. Delivery is fire-and-forget: a failing delivery does not
// un-process the subscription. A missing target is a warning and a
// no-op, not an error.
func (e *Engine) deliver(ctx context.Context, sub *model.EventSubscription, eventType model.EventType, eventName string, payload []byte) {
	target, ok := e.registry.EventTrigger(sub.ConfigurationType)
	if !ok {
		slog.WarnContext(ctx, "event trigger target missing, no-op", "subscription_id", sub.ID, "configuration_type", sub.ConfigurationType)
		return
	}

	firing := workitem.EventFiring{
		SubscriptionID:    sub.ID,
		EventType:         string(eventType),
		EventName:         eventName,
		Payload:           payload,
		ProcessInstanceID: sub.ProcessInstanceID,
		ExecutionID:       sub.ExecutionID,
		ActivityID:        sub.ActivityID,
		TenantID:          sub.TenantID,
	}
	if err := target.Deliver(ctx, firing); err != nil {
		slog.WarnContext(ctx, "event delivery failed (subscription remains processed)", "subscription_id", sub.ID, "error", err)
	}
}

// DeleteSubscriptionsByProcessInstance bulk-deletes subscriptions for a
// process instance.
func (e *Engine) DeleteSubscriptionsByProcessInstance(ctx context.Context, processInstanceID string) (int64, error) {
	n, err := e.repo.DeleteByProcessInstance(ctx, processInstanceID)
	if err != nil {
		return 0, coreerr.NewTransientStoreError(fmt.Errorf("eventengine: delete by process instance: %w", err))
	}
	return n, nil
}

// DeleteSubscriptionsByExecution bulk-deletes subscriptions for an
// execution.
func (e *Engine) DeleteSubscriptionsByExecution(ctx context.Context, executionID string) (int64, error) {
	n, err := e.repo.DeleteByExecution(ctx, executionID)
	if err != nil {
		return 0, coreerr.NewTransientStoreError(fmt.Errorf("eventengine: delete by execution: %w", err))
	}
	return n, nil
}

// CleanupProcessedSubscriptions deletes processed subscriptions older than
// retentionDays (default 7).
func (e *Engine) CleanupProcessedSubscriptions(ctx context.Context, retentionDays int) (int64, error) {
	retention := e.cfg.RetentionPeriod
	if retentionDays > 0 {
		retention = time.Duration(retentionDays) * 24 * time.Hour
	}
	cutoff := time.Now().UTC().Add(-retention)
	n, err := e.repo.CleanupProcessed(ctx, cutoff)
	if err != nil {
		return 0, coreerr.NewTransientStoreError(fmt.Errorf("eventengine: cleanup processed: %w", err))
	}
	if n > 0 {
		slog.InfoContext(ctx, "retention cleanup removed processed subscriptions", "count", n, "cutoff", cutoff)
	}
	return n, nil
}
