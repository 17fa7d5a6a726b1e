// Package jobengine implements the lifecycle of transient jobs: creation,
// priority-ordered acquisition, execution via the executor registry,
// exponential-backoff retry, and dead-lettering.
package jobengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rezkam/workcoord/internal/coreerr"
	"github.com/rezkam/workcoord/internal/eventbus"
	"github.com/rezkam/workcoord/internal/executorregistry"
	"github.com/rezkam/workcoord/internal/model"
	"github.com/rezkam/workcoord/pkg/workitem"
)

// Config holds job engine defaults.
type Config struct {
	LockTTL            time.Duration
	DefaultMaxRetries  int
	DefaultRetryWaitMs int64
	DefaultPriority    int
}

// DefaultConfig carries the documented defaults.
func DefaultConfig() Config {
	return Config{
		LockTTL:            300 * time.Second,
		DefaultMaxRetries:  3,
		DefaultRetryWaitMs: 5000,
		DefaultPriority:    50,
	}
}

// Archiver offloads oversized exceptionMessage/exceptionStack blobs to a
// blob store (internal/blobarchive) instead of truncating them. Owned by
// this package per the dependency-inversion convention (see repository.go).
type Archiver interface {
	Archive(ctx context.Context, key string, data []byte) (uri string, err error)
}

// Engine is the job engine. It is constructed once at startup with its
// repository, executor registry, and event bus — explicit wiring at
// startup, no global registry.
type Engine struct {
	repo     Repository
	registry *executorregistry.Registry
	bus      *eventbus.Bus
	cfg      Config
	archiver Archiver // optional, nil unless SetArchiver is called
}

// New constructs a job Engine.
func New(repo Repository, registry *executorregistry.Registry, bus *eventbus.Bus, cfg Config) *Engine {
	return &Engine{repo: repo, registry: registry, bus: bus, cfg: cfg}
}

// SetArchiver wires an optional overflow blob store. Without one, fields
// exceeding maxStoredFieldLen are truncated in place.
func (e *Engine) SetArchiver(a Archiver) {
	e.archiver = a
}

// CreateSpec is the input to CreateJob.
type CreateSpec struct {
	Type              string
	HandlerType       string
	Payload           []byte
	HandlerConfig     []byte
	Priority          int // 0 means use the engine default
	MaxRetries        int // 0 means use the engine default
	RetryWaitMs       int64
	DueDate           *time.Time
	ProcessInstanceID *string
	ExecutionID       *string
	TenantID          *string
}

// CreateJob inserts a new job with status=pending, applying configured
// defaults for unset fields, and emits "job.created".
func (e *Engine) CreateJob(ctx context.Context, spec CreateSpec) (*model.Job, error) {
	priority := spec.Priority
	if priority == 0 {
		priority = e.cfg.DefaultPriority
	}
	maxRetries := spec.MaxRetries
	if maxRetries == 0 {
		maxRetries = e.cfg.DefaultMaxRetries
	}
	retryWaitMs := spec.RetryWaitMs
	if retryWaitMs == 0 {
		retryWaitMs = e.cfg.DefaultRetryWaitMs
	}
	handlerType := spec.HandlerType
	if handlerType == "" {
		handlerType = spec.Type
	}

	job := &model.Job{
		ID:                uuid.NewString(),
		Type:              spec.Type,
		Status:            model.JobPending,
		Priority:          priority,
		MaxRetries:        maxRetries,
		RetryWaitMs:       retryWaitMs,
		DueDate:           spec.DueDate,
		Payload:           spec.Payload,
		HandlerType:       handlerType,
		HandlerConfig:     spec.HandlerConfig,
		ProcessInstanceID: spec.ProcessInstanceID,
		ExecutionID:       spec.ExecutionID,
		TenantID:          spec.TenantID,
		CreatedAt:         time.Now().UTC(),
	}

	if err := e.repo.Insert(ctx, job); err != nil {
		return nil, coreerr.NewTransientStoreError(fmt.Errorf("jobengine: insert job: %w", err))
	}

	e.bus.Emit(eventbus.Event{Name: "job.created", Data: map[string]any{"job_id": job.ID, "type": job.Type}})
	slog.InfoContext(ctx, "job created", "job_id", job.ID, "type", job.Type, "priority", job.Priority)
	return job, nil
}

// AcquireJobs selects up to max pending jobs ordered by priority DESC,
// createdAt ASC, then claims each via the lock arbiter, returning only the
// ones this worker successfully claimed.
func (e *Engine) AcquireJobs(ctx context.Context, workerID string, max int) ([]*model.Job, error) {
	lockTTL := e.cfg.LockTTL
	jobs, err := e.repo.AcquirePending(ctx, workerID, max, lockTTL)
	if err != nil {
		return nil, coreerr.NewTransientStoreError(fmt.Errorf("jobengine: acquire pending: %w", err))
	}
	for _, j := range jobs {
		e.bus.Emit(eventbus.Event{Name: "job.started", Data: map[string]any{"job_id": j.ID, "worker_id": workerID}})
	}
	return jobs, nil
}

// ExecuteJob looks up the handler for the job's HandlerType and runs it.
// On success the job is marked completed; on handler error or panic,
// RetryJob is invoked to apply the retry/dead-letter policy. A missing
// handler is immediately fatal and skips retry entirely.
func (e *Engine) ExecuteJob(ctx context.Context, job *model.Job) error {
	exec, ok := e.registry.Job(job.HandlerType)
	if !ok {
		slog.WarnContext(ctx, "job handler missing, moving directly to dead letter",
			"job_id", job.ID, "handler_type", job.HandlerType)
		return e.MoveToDeadLetter(ctx, job, "handler_missing", executorregistry.ErrNoHandler{Namespace: "job", Type: job.HandlerType}.Error(), "")
	}

	result, execErr := e.invokeSafely(ctx, exec, job)
	if execErr == nil && result.Success {
		if err := e.repo.MarkCompleted(ctx, job.ID); err != nil {
			return coreerr.NewTransientStoreError(fmt.Errorf("jobengine: mark completed: %w", err))
		}
		e.bus.Emit(eventbus.Event{Name: "job.completed", Data: map[string]any{"job_id": job.ID}})
		slog.InfoContext(ctx, "job completed", "job_id", job.ID)
		return nil
	}

	message := result.Error
	var stack string
	if execErr != nil {
		message = execErr.Error()
		var pe panicError
		if errors.As(execErr, &pe) {
			stack = pe.stack
		}
	}
	return e.RetryJob(ctx, job, message, stack)
}

type panicError struct {
	value any
	stack string
}

func (p panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

// invokeSafely runs the handler with panic recovery, converting a panic
// into a HandlerException-shaped error the same way the job's retry policy
// treats any other failure (a panicking handler is still the handler's
// fault, not grounds for skipping retry accounting).
func (e *Engine) invokeSafely(ctx context.Context, exec workitem.JobExecutor, job *model.Job) (result workitem.JobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{value: r, stack: string(debug.Stack())}
		}
	}()

	wi := workitem.Job{
		ID:                job.ID,
		Type:              job.Type,
		Payload:           job.Payload,
		HandlerConfig:     job.HandlerConfig,
		ProcessInstanceID: job.ProcessInstanceID,
		ExecutionID:       job.ExecutionID,
		TenantID:          job.TenantID,
		RetryCount:        job.RetryCount,
	}
	result, err = exec.Execute(ctx, wi)
	return result, err
}

// RetryJob applies the exponential-backoff retry policy: if
// retryCount < maxRetries, the job
// returns to pending with nextRetryAt = now + retryWaitMs * 2^retryCount;
// otherwise it is moved to the dead-letter sink.
func (e *Engine) RetryJob(ctx context.Context, job *model.Job, exceptionMessage, exceptionStack string) error {
	if job.RetryCount >= job.MaxRetries {
		return e.MoveToDeadLetter(ctx, job, "exhausted", exceptionMessage, exceptionStack)
	}

	backoff := time.Duration(float64(job.RetryWaitMs)*math.Pow(2, float64(job.RetryCount))) * time.Millisecond
	nextRetryAt := time.Now().UTC().Add(backoff)

	message := e.archiveOrTruncate(ctx, "job", job.ID, "retry", job.RetryCount, exceptionMessage)
	stack := e.archiveOrTruncate(ctx, "job", job.ID, "retry-stack", job.RetryCount, exceptionStack)
	if err := e.repo.ScheduleRetry(ctx, job.ID, nextRetryAt, message, stack); err != nil {
		return coreerr.NewTransientStoreError(fmt.Errorf("jobengine: schedule retry: %w", err))
	}

	e.bus.Emit(eventbus.Event{Name: "job.retry", Data: map[string]any{
		"job_id": job.ID, "retry_count": job.RetryCount + 1, "next_retry_at": nextRetryAt,
	}})
	slog.InfoContext(ctx, "job scheduled for retry",
		"job_id", job.ID, "retry_count", job.RetryCount+1, "next_retry_at", nextRetryAt, "error", exceptionMessage)
	return nil
}

// MoveToDeadLetter inserts a dead-letter row mirroring job and deletes the
// original.
func (e *Engine) MoveToDeadLetter(ctx context.Context, job *model.Job, reason, exceptionMessage, exceptionStack string) error {
	message := e.archiveOrTruncate(ctx, "job", job.ID, "deadletter", job.RetryCount, exceptionMessage)
	stack := e.archiveOrTruncate(ctx, "job", job.ID, "deadletter-stack", job.RetryCount, exceptionStack)
	if err := e.repo.MoveToDeadLetter(ctx, job, reason, message, stack); err != nil {
		return coreerr.NewTransientStoreError(fmt.Errorf("jobengine: move to dead letter: %w", err))
	}
	e.bus.Emit(eventbus.Event{Name: "job.dead_letter", Data: map[string]any{"job_id": job.ID, "reason": reason}})
	slog.WarnContext(ctx, "job moved to dead letter", "job_id", job.ID, "reason", reason, "error", exceptionMessage)
	return nil
}

// RetryDeadLetterJob re-inserts a pending job from a dead-letter row.
func (e *Engine) RetryDeadLetterJob(ctx context.Context, deadLetterID string) (*model.Job, error) {
	dl, err := e.repo.FindDeadLetter(ctx, deadLetterID)
	if err != nil {
		return nil, err
	}
	if dl.Resolved {
		return nil, coreerr.ErrInvalidState
	}
	job, err := e.repo.ReinsertFromDeadLetter(ctx, deadLetterID)
	if err != nil {
		return nil, coreerr.NewTransientStoreError(fmt.Errorf("jobengine: reinsert from dead letter: %w", err))
	}
	e.bus.Emit(eventbus.Event{Name: "job.created", Data: map[string]any{"job_id": job.ID, "from_dead_letter": deadLetterID}})
	return job, nil
}

// SweepExpiredLocks reverses stuck running jobs back to pending. Retried by
// the scheduler loop once per minute.
func (e *Engine) SweepExpiredLocks(ctx context.Context) (int64, error) {
	n, err := e.repo.SweepExpiredLocks(ctx)
	if err != nil {
		return 0, coreerr.NewTransientStoreError(fmt.Errorf("jobengine: sweep expired locks: %w", err))
	}
	if n > 0 {
		slog.InfoContext(ctx, "lock sweeper reclaimed jobs", "count", n)
	}
	return n, nil
}

// maxStoredFieldLen caps exceptionMessage/exceptionStack column size. A
// field past this length is archived (when an Archiver is wired) and
// replaced with a reference URI plus a truncated preview, rather than
// silently dropped.
const maxStoredFieldLen = 8192

// archiveOrTruncate offloads s to the archiver when it's oversized and one
// is configured, returning the inline-storable replacement: the archive URI
// appended to a truncated preview, or a plain truncation with no archiver.
func (e *Engine) archiveOrTruncate(ctx context.Context, kind, id, field string, attempt int, s string) string {
	if utf8.RuneCountInString(s) <= maxStoredFieldLen {
		return s
	}
	if e.archiver == nil {
		return truncate(s)
	}
	key := fmt.Sprintf("%s/%s/%s-%d", kind, id, field, attempt)
	uri, err := e.archiver.Archive(ctx, key, []byte(s))
	if err != nil {
		slog.WarnContext(ctx, "archive oversized field failed, falling back to truncation",
			"job_id", id, "field", field, "error", err)
		return truncate(s)
	}
	return truncate(s) + fmt.Sprintf(" [archived: %s]", uri)
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= maxStoredFieldLen {
		return s
	}
	r := []rune(s)
	return string(r[:maxStoredFieldLen])
}
