package main

import (
	"context"
	"log/slog"

	"github.com/rezkam/workcoord/internal/executorregistry"
	"github.com/rezkam/workcoord/pkg/workitem"
)

// RegisterExecutors wires the user-supplied handlers this deployment knows
// about into the registry before the scheduler starts; the registry is
// treated as sealed after that. A real deployment registers its BPMN service-task,
// batch-part, timer-callback, and event-trigger handlers here; this build
// registers only logging placeholders (type "log" for jobs, batch parts and
// event triggers, "default" for timer callbacks) so a fresh checkout can
// exercise the engines end to end without external handler code.
func RegisterExecutors(registry *executorregistry.Registry) {
	registry.RegisterJob("log", logJobExecutor{})
	registry.RegisterBatchPart("log", logBatchPartExecutor{})
	registry.RegisterTimerCallback("default", logTimerCallback{})
	registry.RegisterEventTrigger("log", logEventTrigger{})
}

type logJobExecutor struct{}

func (logJobExecutor) Execute(ctx context.Context, job workitem.Job) (workitem.JobResult, error) {
	slog.InfoContext(ctx, "log job executor invoked", "job_id", job.ID, "payload_bytes", len(job.Payload))
	return workitem.JobResult{Success: true}, nil
}

type logBatchPartExecutor struct{}

func (logBatchPartExecutor) Execute(ctx context.Context, part workitem.BatchPart, batch workitem.Batch) (workitem.PartResult, error) {
	slog.InfoContext(ctx, "log batch part executor invoked", "part_id", part.ID, "batch_id", batch.ID)
	return workitem.PartResult{Success: true}, nil
}

type logTimerCallback struct{}

func (logTimerCallback) Execute(ctx context.Context, firing workitem.TimerFiring) error {
	slog.InfoContext(ctx, "timer callback invoked", "timer_id", firing.TimerID, "execution_count", firing.ExecutionCount)
	return nil
}

type logEventTrigger struct{}

func (logEventTrigger) Deliver(ctx context.Context, firing workitem.EventFiring) error {
	slog.InfoContext(ctx, "event subscription fired", "subscription_id", firing.SubscriptionID, "event_name", firing.EventName)
	return nil
}
