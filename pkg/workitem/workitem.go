// Package workitem defines the handler contracts the work coordination core
// invokes on user-supplied code. These are the only interfaces
// external collaborators implement against; the core never calls back into
// the REST surface, auth, BPMN parser, DMN evaluator, or variable store
// directly.
package workitem

import (
	"context"
	"time"
)

// Job is the reconstructed context passed to a JobExecutor: everything the
// handler needs to resume the BPMN continuation it represents.
type Job struct {
	ID                string
	Type              string
	Payload           []byte
	HandlerConfig     []byte
	ProcessInstanceID *string
	ExecutionID       *string
	TenantID          *string
	RetryCount        int
}

// JobResult is what a JobExecutor returns.
type JobResult struct {
	Success bool
	Result  []byte
	Error   string
}

// JobExecutor executes a single job's `type`. Returning an error (or a
// JobResult with Success=false) is treated as a HandlerException and is
// routed through the job engine's retry/dead-letter policy; the handler
// itself never decides whether it gets retried.
type JobExecutor interface {
	Execute(ctx context.Context, job Job) (JobResult, error)
}

// BatchPart is the reconstructed context for a single batch part.
type BatchPart struct {
	ID       string
	BatchID  string
	Type     string
	Data     []byte
	TenantID *string
}

// Batch is the parent aggregate context passed alongside a BatchPart, so a
// handler can read siblings' totals if useful without querying storage
// itself.
type Batch struct {
	ID       string
	Type     string
	Total    int
	Config   []byte
	TenantID *string
}

// PartResult is what a BatchPartExecutor returns.
type PartResult struct {
	Success bool
	Result  []byte
	Error   string
}

// BatchPartExecutor executes one batch part.
type BatchPartExecutor interface {
	Execute(ctx context.Context, part BatchPart, batch Batch) (PartResult, error)
}

// TimerFiring is the reconstructed context passed to a TimerCallback.
type TimerFiring struct {
	TimerID           string
	Payload           []byte
	CallbackConfig    []byte
	ProcessInstanceID *string
	ExecutionID       *string
	ActivityID        *string
	FiredAt           time.Time
	ExecutionCount    int
}

// TimerCallback is invoked when a timer fires. It returns an error to
// signal the firing should be retried per the timer's retry policy.
type TimerCallback interface {
	Execute(ctx context.Context, firing TimerFiring) error
}

// EventFiring is the reconstructed context passed to an EventTrigger when a
// subscription is matched and successfully marked processed.
type EventFiring struct {
	SubscriptionID    string
	EventType         string
	EventName         string
	Payload           []byte
	ProcessInstanceID *string
	ExecutionID       *string
	ActivityID        *string
	TenantID          *string
}

// EventTrigger delivers a matched event subscription firing downstream.
// Delivery is fire-and-forget from the engine's perspective: a failing
// EventTrigger does not un-process the subscription.
type EventTrigger interface {
	Deliver(ctx context.Context, firing EventFiring) error
}
