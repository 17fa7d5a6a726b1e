// Package model defines the six durable record types shared by every
// engine in the work coordination core. They are plain structs;
// the persistence gateway (internal/gateway) is the only place that knows
// about rows and columns.
package model

import "time"

// JobStatus is the job lifecycle state.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is a single unit of deferred, fire-and-forget asynchronous work with
// bounded retry and a dead-letter sink.
type Job struct {
	ID                string
	Type              string
	Status            JobStatus
	Priority          int
	RetryCount        int
	MaxRetries        int
	RetryWaitMs       int64
	NextRetryAt       *time.Time
	DueDate           *time.Time
	LockOwner         *string
	LockExpiresAt     *time.Time
	Payload           []byte
	HandlerType       string
	HandlerConfig     []byte
	ProcessInstanceID *string
	ExecutionID       *string
	ExceptionMessage  *string
	ExceptionStack    *string
	TenantID          *string
	CreatedAt         time.Time
	StartedAt         *time.Time
	EndedAt           *time.Time
}

// DeadLetterJob is the terminal sink for a Job that exhausted its retry
// budget, or whose handler was missing, or which panicked.
type DeadLetterJob struct {
	ID                string
	OriginalJobID     string
	Type              string
	HandlerType       string
	Payload           []byte
	HandlerConfig     []byte
	TotalRetries      int
	FailureReason     string // "exhausted", "permanent", "panic", "handler_missing"
	ExceptionMessage  *string
	ExceptionStack    *string
	ProcessInstanceID *string
	ExecutionID       *string
	TenantID          *string
	CreatedAt         time.Time
	Resolved          bool
	ResolvedAt        *time.Time
	Resolution        *string // "retried", "discarded"
}

// TimerType distinguishes the three expression kinds a Timer can use.
type TimerType string

const (
	TimerDate     TimerType = "date"
	TimerDuration TimerType = "duration"
	TimerCycle    TimerType = "cycle"
)

// TimerStatus is the timer lifecycle state.
type TimerStatus string

const (
	TimerPending   TimerStatus = "pending"
	TimerExecuted  TimerStatus = "executed"
	TimerFailed    TimerStatus = "failed"
	TimerCancelled TimerStatus = "cancelled"
)

// Timer is a scheduled firing based on a date, duration, or cycle
// expression, optionally repeating.
type Timer struct {
	ID                string
	TimerType         TimerType
	Expression        string
	DueDate           time.Time
	Repeat            bool
	RepeatIntervalMs  *int64
	MaxExecutions     *int
	ExecutionCount    int
	EndTime           *time.Time
	Status            TimerStatus
	CallbackConfig    []byte
	Payload           []byte
	RetryCount        int
	MaxRetries        int
	LockOwner         *string
	LockExpiresAt     *time.Time
	ProcessInstanceID *string
	ExecutionID       *string
	ActivityID        *string
	TenantID          *string
	CreatedAt         time.Time
	ExecutedAt        *time.Time
	NextExecutionAt   *time.Time
}

// BatchStatus is the batch lifecycle state.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
	BatchCancelled BatchStatus = "cancelled"
)

// Batch is an aggregate of homogeneous work items ("parts") progressing
// together, with counters recomputed by re-aggregation after each part
// transition rather than incremented in place.
type Batch struct {
	ID             string
	Type           string
	Status         BatchStatus
	Total          int
	ProcessedTotal int
	SuccessTotal   int
	FailTotal      int
	SkippedTotal   int
	Priority       int
	MaxRetries     int
	Config         []byte
	TenantID       *string
	CreatedAt      time.Time
	StartedAt      *time.Time
	EndedAt        *time.Time
	ErrorMessage   *string
}

// BatchPartStatus is the batch part lifecycle state.
type BatchPartStatus string

const (
	PartPending   BatchPartStatus = "pending"
	PartRunning   BatchPartStatus = "running"
	PartCompleted BatchPartStatus = "completed"
	PartFailed    BatchPartStatus = "failed"
	PartSkipped   BatchPartStatus = "skipped"
)

// BatchPart is one leaf work item inside a batch.
type BatchPart struct {
	ID           string
	BatchID      string
	Type         string
	Status       BatchPartStatus
	Data         []byte
	Result       []byte
	ErrorMessage *string
	RetryCount   int
	LockOwner    *string
	CreatedAt    time.Time
	StartedAt    *time.Time
	EndedAt      *time.Time
}

// EventType enumerates the kinds of incoming signal/message an event
// subscription can be registered for.
type EventType string

const (
	EventMessage      EventType = "message"
	EventSignal       EventType = "signal"
	EventConditional  EventType = "conditional"
	EventCompensation EventType = "compensation"
	EventError        EventType = "error"
	EventTimer        EventType = "timer"
	EventEscalation   EventType = "escalation"
)

// EventSubscription is a durable registration that converts a named
// incoming signal/message into a targeted wakeup. It fires at most once
// (isProcessed false -> true is monotonic, guarded by conditional update).
type EventSubscription struct {
	ID                string
	EventType         EventType
	EventName         string
	ProcessInstanceID *string
	ExecutionID       *string
	ActivityID        *string
	ConfigurationType string
	Configuration     []byte
	Priority          int
	IsProcessed       bool
	ProcessedAt       *time.Time
	TenantID          *string
	CreatedAt         time.Time
	CallbackID        *string
}
