// Package timerengine implements date/duration/cycle timer scheduling,
// repeat advancement, and callback dispatch with bounded retry on callback
// failure.
package timerengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rezkam/workcoord/internal/coreerr"
	"github.com/rezkam/workcoord/internal/eventbus"
	"github.com/rezkam/workcoord/internal/executorregistry"
	"github.com/rezkam/workcoord/internal/model"
	"github.com/rezkam/workcoord/pkg/workitem"
)

// Config holds timer engine defaults.
type Config struct {
	LockTTL           time.Duration
	DefaultMaxRetries int
}

// DefaultConfig carries the 60s lock TTL default.
func DefaultConfig() Config {
	return Config{LockTTL: 60 * time.Second, DefaultMaxRetries: 3}
}

// Engine is the timer engine.
type Engine struct {
	repo     Repository
	registry *executorregistry.Registry
	bus      *eventbus.Bus
	cfg      Config
}

// New constructs a timer Engine.
func New(repo Repository, registry *executorregistry.Registry, bus *eventbus.Bus, cfg Config) *Engine {
	return &Engine{repo: repo, registry: registry, bus: bus, cfg: cfg}
}

// CreateSpec is the input to CreateTimer.
type CreateSpec struct {
	TimerType         model.TimerType
	Expression        string
	Repeat            bool
	MaxExecutions     *int
	EndTime           *time.Time
	MaxRetries        int // 0 means use the engine default
	CallbackConfig    []byte
	Payload           []byte
	ProcessInstanceID *string
	ExecutionID       *string
	ActivityID        *string
	TenantID          *string
}

// CreateTimer computes the initial dueDate from the expression and persists
// a pending Timer. A dueDate in the past makes the timer immediately
// eligible for the next GetDueTimers scan.
func (e *Engine) CreateTimer(ctx context.Context, spec CreateSpec) (*model.Timer, error) {
	now := time.Now().UTC()
	dueDate, repeatIntervalMs, err := computeInitialDueDate(spec.TimerType, spec.Expression, now)
	if err != nil {
		return nil, err
	}

	maxRetries := spec.MaxRetries
	if maxRetries == 0 {
		maxRetries = e.cfg.DefaultMaxRetries
	}

	t := &model.Timer{
		ID:                uuid.NewString(),
		TimerType:         spec.TimerType,
		Expression:        spec.Expression,
		DueDate:           dueDate,
		Repeat:            spec.Repeat,
		RepeatIntervalMs:  repeatIntervalMs,
		MaxExecutions:     spec.MaxExecutions,
		EndTime:           spec.EndTime,
		Status:            model.TimerPending,
		CallbackConfig:    spec.CallbackConfig,
		Payload:           spec.Payload,
		MaxRetries:        maxRetries,
		ProcessInstanceID: spec.ProcessInstanceID,
		ExecutionID:       spec.ExecutionID,
		ActivityID:        spec.ActivityID,
		TenantID:          spec.TenantID,
		CreatedAt:         now,
	}

	if err := e.repo.Insert(ctx, t); err != nil {
		return nil, coreerr.NewTransientStoreError(fmt.Errorf("timerengine: insert timer: %w", err))
	}

	e.bus.Emit(eventbus.Event{Name: "timer.created", Data: map[string]any{"timer_id": t.ID, "due_date": dueDate}})
	slog.InfoContext(ctx, "timer created", "timer_id", t.ID, "timer_type", t.TimerType, "due_date", dueDate)
	return t, nil
}

// GetDueTimers selects up to limit pending timers whose dueDate has passed
// and claims each via the lock arbiter, defaulting limit to 50.
func (e *Engine) GetDueTimers(ctx context.Context, workerID string, limit int) ([]*model.Timer, error) {
	if limit <= 0 {
		limit = 50
	}
	timers, err := e.repo.AcquireDue(ctx, workerID, limit, e.cfg.LockTTL, time.Now().UTC())
	if err != nil {
		return nil, coreerr.NewTransientStoreError(fmt.Errorf("timerengine: acquire due timers: %w", err))
	}
	return timers, nil
}

// ExecuteTimer looks up the callback registered for the timer's callback
// type, invokes it, and on success either advances a repeating timer or
// terminates it. On failure it applies the bounded retry policy of
// retryCallback.
// A missing callback is a warning, not a retryable failure.
func (e *Engine) ExecuteTimer(ctx context.Context, t *model.Timer) error {
	cbType := callbackType(t.CallbackConfig)
	exec, ok := e.registry.TimerCallback(cbType)
	if !ok {
		slog.WarnContext(ctx, "timer callback missing, no-op", "timer_id", t.ID, "callback_type", cbType)
		return nil
	}

	execErr := e.invokeSafely(ctx, exec, t)
	if execErr == nil {
		return e.advance(ctx, t)
	}
	return e.retryCallback(ctx, t, execErr.Error())
}

// callbackType extracts the routing key from a timer's opaque
// callbackConfig blob, which is expected to be a JSON object with a "type"
// field (e.g. `{"type":"escalate-task"}`). A config that isn't a JSON object
// with that field routes to "default", letting single-callback deployments
// skip the field entirely.
func callbackType(callbackConfig []byte) string {
	var parsed struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(callbackConfig, &parsed); err != nil || parsed.Type == "" {
		return "default"
	}
	return parsed.Type
}

// invokeSafely runs the callback with panic recovery, mirroring
// jobengine.Engine.invokeSafely.
func (e *Engine) invokeSafely(ctx context.Context, exec workitem.TimerCallback, t *model.Timer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()

	firing := workitem.TimerFiring{
		TimerID:           t.ID,
		ProcessInstanceID: t.ProcessInstanceID,
		ExecutionID:       t.ExecutionID,
		ActivityID:        t.ActivityID,
		Payload:           t.Payload,
		CallbackConfig:    t.CallbackConfig,
		FiredAt:           time.Now().UTC(),
		ExecutionCount:    t.ExecutionCount,
	}
	return exec.Execute(ctx, firing)
}

// advance applies the repeat advancement rule: terminate on exhausted
// maxExecutions or past endTime, otherwise compute the next dueDate and
// return to pending.
func (e *Engine) advance(ctx context.Context, t *model.Timer) error {
	now := time.Now().UTC()
	executedCount := t.ExecutionCount + 1

	if !t.Repeat {
		if err := e.repo.MarkExecuted(ctx, t.ID, now); err != nil {
			return coreerr.NewTransientStoreError(fmt.Errorf("timerengine: mark executed: %w", err))
		}
		e.bus.Emit(eventbus.Event{Name: "timer.executed", Data: map[string]any{"timer_id": t.ID}})
		return nil
	}

	if t.MaxExecutions != nil && executedCount >= *t.MaxExecutions {
		if err := e.repo.MarkExecuted(ctx, t.ID, now); err != nil {
			return coreerr.NewTransientStoreError(fmt.Errorf("timerengine: mark executed: %w", err))
		}
		e.bus.Emit(eventbus.Event{Name: "timer.executed", Data: map[string]any{"timer_id": t.ID, "reason": "max_executions_reached"}})
		return nil
	}

	next, err := nextDueDate(t, t.DueDate)
	if err != nil {
		return coreerr.NewFatalStoreError(fmt.Errorf("timerengine: compute next due date: %w", err))
	}

	if t.EndTime != nil && next.After(*t.EndTime) {
		if err := e.repo.MarkExecuted(ctx, t.ID, now); err != nil {
			return coreerr.NewTransientStoreError(fmt.Errorf("timerengine: mark executed: %w", err))
		}
		e.bus.Emit(eventbus.Event{Name: "timer.executed", Data: map[string]any{"timer_id": t.ID, "reason": "end_time_reached"}})
		return nil
	}

	if err := e.repo.Reschedule(ctx, t.ID, next, now); err != nil {
		return coreerr.NewTransientStoreError(fmt.Errorf("timerengine: reschedule: %w", err))
	}
	e.bus.Emit(eventbus.Event{Name: "timer.rescheduled", Data: map[string]any{"timer_id": t.ID, "next_due_date": next}})
	slog.InfoContext(ctx, "timer rescheduled", "timer_id", t.ID, "next_due_date", next, "execution_count", executedCount)
	return nil
}

// retryCallback handles a failed callback invocation: it returns the timer
// to pending with retryCount incremented, or marks it failed once
// maxRetries is exhausted. The 2^(retryCount+1)-second backoff is computed
// for the log line only; ScheduleRetry leaves dueDate unchanged, so the
// retry is not delayed and the timer is due again on the next scan.
func (e *Engine) retryCallback(ctx context.Context, t *model.Timer, exceptionMessage string) error {
	if t.RetryCount >= t.MaxRetries {
		if err := e.repo.MarkFailed(ctx, t.ID, exceptionMessage); err != nil {
			return coreerr.NewTransientStoreError(fmt.Errorf("timerengine: mark failed: %w", err))
		}
		e.bus.Emit(eventbus.Event{Name: "timer.failed", Data: map[string]any{"timer_id": t.ID, "error": exceptionMessage}})
		slog.WarnContext(ctx, "timer callback failed permanently", "timer_id", t.ID, "error", exceptionMessage)
		return nil
	}

	if err := e.repo.ScheduleRetry(ctx, t.ID); err != nil {
		return coreerr.NewTransientStoreError(fmt.Errorf("timerengine: schedule retry: %w", err))
	}
	backoff := time.Duration(math.Pow(2, float64(t.RetryCount+1))) * time.Second
	slog.InfoContext(ctx, "timer callback scheduled for retry",
		"timer_id", t.ID, "retry_count", t.RetryCount+1, "backoff", backoff, "error", exceptionMessage)
	return nil
}

// CancelTimer cancels a single pending timer. Idempotent: cancelling an
// already-terminal timer is a no-op, not an error.
func (e *Engine) CancelTimer(ctx context.Context, id string) error {
	if err := e.repo.Cancel(ctx, id); err != nil {
		return coreerr.NewTransientStoreError(fmt.Errorf("timerengine: cancel: %w", err))
	}
	e.bus.Emit(eventbus.Event{Name: "timer.cancelled", Data: map[string]any{"timer_id": id}})
	return nil
}

// CancelTimersByProcessInstance cancels every pending timer belonging to a
// process instance (e.g. the process instance completed or was terminated).
func (e *Engine) CancelTimersByProcessInstance(ctx context.Context, processInstanceID string) (int64, error) {
	n, err := e.repo.CancelByProcessInstance(ctx, processInstanceID)
	if err != nil {
		return 0, coreerr.NewTransientStoreError(fmt.Errorf("timerengine: cancel by process instance: %w", err))
	}
	if n > 0 {
		e.bus.Emit(eventbus.Event{Name: "timer.cancelled_bulk", Data: map[string]any{"process_instance_id": processInstanceID, "count": n}})
	}
	return n, nil
}

// CancelTimersByExecution cancels every pending timer belonging to an
// execution (e.g. the enclosing scope was cancelled).
func (e *Engine) CancelTimersByExecution(ctx context.Context, executionID string) (int64, error) {
	n, err := e.repo.CancelByExecution(ctx, executionID)
	if err != nil {
		return 0, coreerr.NewTransientStoreError(fmt.Errorf("timerengine: cancel by execution: %w", err))
	}
	if n > 0 {
		e.bus.Emit(eventbus.Event{Name: "timer.cancelled_bulk", Data: map[string]any{"execution_id": executionID, "count": n}})
	}
	return n, nil
}

// SweepExpiredLocks reverses stuck running timers back to pending.
func (e *Engine) SweepExpiredLocks(ctx context.Context) (int64, error) {
	n, err := e.repo.SweepExpiredLocks(ctx)
	if err != nil {
		return 0, coreerr.NewTransientStoreError(fmt.Errorf("timerengine: sweep expired locks: %w", err))
	}
	if n > 0 {
		slog.InfoContext(ctx, "lock sweeper reclaimed timers", "count", n)
	}
	return n, nil
}

// CleanupTerminalTimers deletes executed/failed/cancelled timers older
// than retentionDays, the timer engine's single consolidated retention
// task.
func (e *Engine) CleanupTerminalTimers(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = 7
	}
	cutoff := time.Now().UTC().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	n, err := e.repo.DeleteTerminalOlderThan(ctx, cutoff)
	if err != nil {
		return 0, coreerr.NewTransientStoreError(fmt.Errorf("timerengine: cleanup terminal timers: %w", err))
	}
	if n > 0 {
		slog.InfoContext(ctx, "retention cleanup removed terminal timers", "count", n, "cutoff", cutoff)
	}
	return n, nil
}
