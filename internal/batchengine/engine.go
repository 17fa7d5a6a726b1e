// Package batchengine implements batch/part aggregate progression: tick-
// driven part dispatch, counter re-aggregation, cancellation, and failed-part
// retry.
package batchengine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rezkam/workcoord/internal/coreerr"
	"github.com/rezkam/workcoord/internal/eventbus"
	"github.com/rezkam/workcoord/internal/executorregistry"
	"github.com/rezkam/workcoord/internal/model"
	"github.com/rezkam/workcoord/pkg/workitem"
)

// maxStoredResultLen caps a batch part's inline result/error size before it
// is offloaded to the archiver, mirroring jobengine's maxStoredFieldLen.
const maxStoredResultLen = 8192

// Archiver offloads oversized part results to a blob store
// (internal/blobarchive) instead of storing them inline.
type Archiver interface {
	Archive(ctx context.Context, key string, data []byte) (uri string, err error)
}

// Config holds batch engine defaults.
type Config struct {
	MaxConcurrentBatches int
	BatchSize            int
	// MaxConcurrentParts bounds the executor pool a single batch's page of
	// parts is dispatched onto each tick.
	MaxConcurrentParts int
	DefaultMaxRetries  int
	DefaultPriority    int
}

// DefaultConfig carries the documented defaults.
func DefaultConfig() Config {
	return Config{MaxConcurrentBatches: 5, BatchSize: 50, MaxConcurrentParts: 10, DefaultMaxRetries: 3, DefaultPriority: 50}
}

// Engine is the batch engine. It owns the in-memory processingBatches
// tracking set behind the at-most-one-in-flight-per-batch guarantee;
// the per-part conditional-update claim is the cross-process
// authoritative guard, this set only avoids redundant same-process ticks.
type Engine struct {
	repo              Repository
	registry          *executorregistry.Registry
	bus               *eventbus.Bus
	cfg               Config
	workerID          string
	processingBatches sync.Map // batchID (string) -> struct{}
	archiver          Archiver // optional, nil unless SetArchiver is called
}

// New constructs a batch Engine.
func New(repo Repository, registry *executorregistry.Registry, bus *eventbus.Bus, cfg Config, workerID string) *Engine {
	return &Engine{repo: repo, registry: registry, bus: bus, cfg: cfg, workerID: workerID}
}

// SetArchiver wires an optional overflow blob store for oversized part
// results. Without one, oversized results are truncated in place.
func (e *Engine) SetArchiver(a Archiver) {
	e.archiver = a
}

// CreateSpec is the input to CreateBatch.
type CreateSpec struct {
	Type       string
	Priority   int // 0 means use the engine default
	MaxRetries int // 0 means use the engine default
	Config     []byte
	TenantID   *string
	Parts      [][]byte // initial part payloads, each becomes a BatchPart.Data
}

// CreateBatch inserts a new batch, optionally with initial parts.
func (e *Engine) CreateBatch(ctx context.Context, spec CreateSpec) (*model.Batch, error) {
	priority := spec.Priority
	if priority == 0 {
		priority = e.cfg.DefaultPriority
	}
	maxRetries := spec.MaxRetries
	if maxRetries == 0 {
		maxRetries = e.cfg.DefaultMaxRetries
	}

	b := &model.Batch{
		ID:         uuid.NewString(),
		Type:       spec.Type,
		Status:     model.BatchPending,
		Total:      len(spec.Parts),
		Priority:   priority,
		MaxRetries: maxRetries,
		Config:     spec.Config,
		TenantID:   spec.TenantID,
		CreatedAt:  time.Now().UTC(),
	}

	parts := make([]*model.BatchPart, len(spec.Parts))
	for i, data := range spec.Parts {
		parts[i] = &model.BatchPart{
			ID:        uuid.NewString(),
			BatchID:   b.ID,
			Type:      spec.Type,
			Status:    model.PartPending,
			Data:      data,
			CreatedAt: b.CreatedAt,
		}
	}

	if err := e.repo.InsertBatch(ctx, b, parts); err != nil {
		return nil, coreerr.NewTransientStoreError(fmt.Errorf("batchengine: insert batch: %w", err))
	}

	e.bus.Emit(eventbus.Event{Name: "batch.created", Data: map[string]any{"batch_id": b.ID, "total": b.Total}})
	slog.InfoContext(ctx, "batch created", "batch_id", b.ID, "type", b.Type, "total", b.Total)
	return b, nil
}

// AppendParts adds parts to a still-pending batch.
func (e *Engine) AppendParts(ctx context.Context, batchID string, partData [][]byte) error {
	b, err := e.repo.FindBatchByID(ctx, batchID)
	if err != nil {
		return err
	}
	if b.Status != model.BatchPending {
		return coreerr.ErrInvalidState
	}

	now := time.Now().UTC()
	parts := make([]*model.BatchPart, len(partData))
	for i, data := range partData {
		parts[i] = &model.BatchPart{
			ID:        uuid.NewString(),
			BatchID:   batchID,
			Type:      b.Type,
			Status:    model.PartPending,
			Data:      data,
			CreatedAt: now,
		}
	}
	if err := e.repo.AppendParts(ctx, batchID, parts); err != nil {
		return coreerr.NewTransientStoreError(fmt.Errorf("batchengine: append parts: %w", err))
	}
	return nil
}

// ProcessOnce runs one scheduler tick of the batch execution protocol:
// select active batches, skip ones already in flight, transition pending
// batches to running, dispatch a page of pending parts, and finalize
// batches with no pending or running parts remaining.
func (e *Engine) ProcessOnce(ctx context.Context) error {
	batches, err := e.repo.SelectActiveBatches(ctx, e.cfg.MaxConcurrentBatches)
	if err != nil {
		return coreerr.NewTransientStoreError(fmt.Errorf("batchengine: select active batches: %w", err))
	}

	for _, b := range batches {
		if _, inFlight := e.processingBatches.LoadOrStore(b.ID, struct{}{}); inFlight {
			continue
		}
		err := e.processBatch(ctx, b)
		e.processingBatches.Delete(b.ID)
		if err != nil {
			slog.ErrorContext(ctx, "batch tick failed", "batch_id", b.ID, "error", err)
		}
	}
	return nil
}

func (e *Engine) processBatch(ctx context.Context, b *model.Batch) error {
	if b.Status == model.BatchPending {
		if err := e.repo.TransitionToRunning(ctx, b.ID); err != nil {
			return fmt.Errorf("transition to running: %w", err)
		}
		e.bus.Emit(eventbus.Event{Name: "batch.started", Data: map[string]any{"batch_id": b.ID}})
	}

	parts, err := e.repo.FetchPendingParts(ctx, b.ID, e.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("fetch pending parts: %w", err)
	}

	if len(parts) == 0 {
		running, err := e.repo.CountRunningParts(ctx, b.ID)
		if err != nil {
			return fmt.Errorf("count running parts: %w", err)
		}
		if running == 0 {
			return e.finalize(ctx, b.ID)
		}
		return nil
	}

	// Fan the page out onto a bounded executor pool; part handlers run as
	// independent concurrent tasks, never serially on the scheduler path.
	// The page is waited on before recomputing counters so the aggregation
	// sees every part this tick touched.
	sem := make(chan struct{}, e.maxConcurrentParts())
	var wg sync.WaitGroup
	for _, p := range parts {
		wg.Add(1)
		sem <- struct{}{}
		go func(p *model.BatchPart) {
			defer wg.Done()
			defer func() { <-sem }()
			e.dispatchPart(ctx, b, p)
		}(p)
	}
	wg.Wait()

	_, err = e.repo.RecomputeCounters(ctx, b.ID)
	if err != nil {
		return fmt.Errorf("recompute counters: %w", err)
	}
	return nil
}

func (e *Engine) maxConcurrentParts() int {
	if e.cfg.MaxConcurrentParts <= 0 {
		return 10
	}
	return e.cfg.MaxConcurrentParts
}

// dispatchPart claims, executes, and resolves a single part. Errors claiming
// or executing are logged, not returned, so one bad part never aborts the
// rest of the tick's page.
func (e *Engine) dispatchPart(ctx context.Context, b *model.Batch, p *model.BatchPart) {
	ok, err := e.repo.ClaimPart(ctx, p.ID, e.workerID)
	if err != nil {
		slog.ErrorContext(ctx, "claim batch part failed", "part_id", p.ID, "error", err)
		return
	}
	if !ok {
		return // another worker won the race for this part
	}

	partType := p.Type
	if partType == "" {
		partType = b.Type
	}
	exec, ok := e.registry.BatchPart(partType)
	if !ok {
		slog.WarnContext(ctx, "batch part handler missing", "part_id", p.ID, "type", partType)
		if err := e.repo.FailPart(ctx, p.ID, executorregistry.ErrNoHandler{Namespace: "batch-part", Type: partType}.Error(), true); err != nil {
			slog.ErrorContext(ctx, "fail batch part (missing handler) failed", "part_id", p.ID, "error", err)
		}
		return
	}

	result, execErr := e.invokeSafely(ctx, exec, p, b)
	if execErr == nil && result.Success {
		stored := e.archiveOrTruncateBytes(ctx, p.ID, "result", p.RetryCount, result.Result)
		if err := e.repo.CompletePart(ctx, p.ID, stored); err != nil {
			slog.ErrorContext(ctx, "complete batch part failed", "part_id", p.ID, "error", err)
		}
		return
	}

	message := result.Error
	if execErr != nil {
		message = execErr.Error()
	}
	message = e.archiveOrTruncateString(ctx, p.ID, "error", p.RetryCount, message)
	retryExhausted := p.RetryCount+1 >= maxPartRetries(b)
	if err := e.repo.FailPart(ctx, p.ID, message, retryExhausted); err != nil {
		slog.ErrorContext(ctx, "fail batch part failed", "part_id", p.ID, "error", err)
	}
}

// archiveOrTruncateBytes offloads an oversized part result to the archiver
// when one is configured, returning the first maxStoredResultLen bytes
// followed by an " [archived: <uri>]" marker; otherwise (or when archiving
// fails) it truncates in place, mirroring jobengine's
// backstop for oversized exception fields.
func (e *Engine) archiveOrTruncateBytes(ctx context.Context, partID, field string, attempt int, data []byte) []byte {
	if len(data) <= maxStoredResultLen {
		return data
	}
	if e.archiver == nil {
		return data[:maxStoredResultLen]
	}
	key := fmt.Sprintf("batch-part/%s/%s-%d", partID, field, attempt)
	uri, err := e.archiver.Archive(ctx, key, data)
	if err != nil {
		slog.WarnContext(ctx, "archive oversized part result failed, falling back to truncation",
			"part_id", partID, "error", err)
		return data[:maxStoredResultLen]
	}
	return append(data[:maxStoredResultLen:maxStoredResultLen], []byte(fmt.Sprintf(" [archived: %s]", uri))...)
}

func (e *Engine) archiveOrTruncateString(ctx context.Context, partID, field string, attempt int, s string) string {
	if utf8.RuneCountInString(s) <= maxStoredResultLen {
		return s
	}
	if e.archiver == nil {
		r := []rune(s)
		return string(r[:maxStoredResultLen])
	}
	key := fmt.Sprintf("batch-part/%s/%s-%d", partID, field, attempt)
	uri, err := e.archiver.Archive(ctx, key, []byte(s))
	r := []rune(s)
	truncated := string(r[:maxStoredResultLen])
	if err != nil {
		slog.WarnContext(ctx, "archive oversized part error failed, falling back to truncation",
			"part_id", partID, "error", err)
		return truncated
	}
	return truncated + fmt.Sprintf(" [archived: %s]", uri)
}

func maxPartRetries(b *model.Batch) int {
	if b.MaxRetries <= 0 {
		return 1
	}
	return b.MaxRetries
}

func (e *Engine) invokeSafely(ctx context.Context, exec workitem.BatchPartExecutor, p *model.BatchPart, b *model.Batch) (result workitem.PartResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()

	wiPart := workitem.BatchPart{ID: p.ID, BatchID: p.BatchID, Type: p.Type, Data: p.Data, TenantID: b.TenantID}
	wiBatch := workitem.Batch{ID: b.ID, Type: b.Type, Total: b.Total, Config: b.Config, TenantID: b.TenantID}
	return exec.Execute(ctx, wiPart, wiBatch)
}

func (e *Engine) finalize(ctx context.Context, batchID string) error {
	b, err := e.repo.RecomputeCounters(ctx, batchID)
	if err != nil {
		return fmt.Errorf("recompute counters before finalize: %w", err)
	}

	status := model.BatchCompleted
	if b.FailTotal > 0 {
		status = model.BatchFailed
	}
	if err := e.repo.FinalizeBatch(ctx, batchID, status); err != nil {
		return fmt.Errorf("finalize batch: %w", err)
	}
	e.bus.Emit(eventbus.Event{Name: "batch.finalized", Data: map[string]any{"batch_id": batchID, "status": status}})
	slog.InfoContext(ctx, "batch finalized", "batch_id", batchID, "status", status,
		"success", b.SuccessTotal, "fail", b.FailTotal, "skipped", b.SkippedTotal)
	return nil
}

// CancelBatch transitions a pending/running batch to cancelled and all its
// pending parts to skipped. Running parts complete naturally without
// altering the cancelled terminal state.
func (e *Engine) CancelBatch(ctx context.Context, batchID string) error {
	b, err := e.repo.FindBatchByID(ctx, batchID)
	if err != nil {
		return err
	}
	if b.Status == model.BatchCancelled {
		return nil // cancelling twice is a no-op
	}
	if b.Status != model.BatchPending && b.Status != model.BatchRunning {
		return coreerr.ErrInvalidState
	}
	if err := e.repo.CancelBatch(ctx, batchID); err != nil {
		return coreerr.NewTransientStoreError(fmt.Errorf("batchengine: cancel batch: %w", err))
	}
	e.bus.Emit(eventbus.Event{Name: "batch.cancelled", Data: map[string]any{"batch_id": batchID}})
	return nil
}

// RetryFailedParts resets all failed parts of a batch to pending, and if
// the batch itself was failed, resets it to pending too. Counters are
// re-aggregated afterwards so processedTotal/failTotal no longer count the
// parts that just became pending again.
func (e *Engine) RetryFailedParts(ctx context.Context, batchID string) error {
	if err := e.repo.ResetFailedParts(ctx, batchID); err != nil {
		return coreerr.NewTransientStoreError(fmt.Errorf("batchengine: reset failed parts: %w", err))
	}
	if _, err := e.repo.RecomputeCounters(ctx, batchID); err != nil {
		return coreerr.NewTransientStoreError(fmt.Errorf("batchengine: recompute counters after reset: %w", err))
	}
	e.bus.Emit(eventbus.Event{Name: "batch.retried", Data: map[string]any{"batch_id": batchID}})
	return nil
}

// CleanupTerminalBatches deletes completed/failed/cancelled batches (and
// their parts, cascaded) whose endedAt is older than retentionDays, the
// batch engine's single consolidated retention task. Callers gate this
// on batch.autoCleanup themselves (the scheduler skips calling it
// entirely when disabled).
func (e *Engine) CleanupTerminalBatches(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	cutoff := time.Now().UTC().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	n, err := e.repo.DeleteTerminalOlderThan(ctx, cutoff)
	if err != nil {
		return 0, coreerr.NewTransientStoreError(fmt.Errorf("batchengine: cleanup terminal batches: %w", err))
	}
	if n > 0 {
		slog.InfoContext(ctx, "retention cleanup removed terminal batches", "count", n, "cutoff", cutoff)
	}
	return n, nil
}
