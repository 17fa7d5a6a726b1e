// Package stats is the statistics aggregator: a read-path view
// combining per-(type, status, tenant) counts from all four engines plus
// job execution-latency percentiles, for an ops surface to poll. It holds
// no state of its own and does no writes; it composes each engine
// repository's existing Stats/LatencyPercentiles queries instead of
// introducing a second counting mechanism.
package stats

import (
	"context"
	"fmt"

	"github.com/rezkam/workcoord/internal/batchengine"
	"github.com/rezkam/workcoord/internal/eventengine"
	"github.com/rezkam/workcoord/internal/jobengine"
	"github.com/rezkam/workcoord/internal/timerengine"
)

// GroupCount is one row of the unified cross-engine group-by: module, type,
// status, tenant, count. Every engine's distinct per-module count shape
// (TypeStatusTenantCount, TypeProcessedTenantCount, ...) flattens into this
// one shape so a caller can render a single table across all four engines.
type GroupCount struct {
	Module   string
	Type     string
	Status   string
	TenantID *string
	Count    int64
}

// Snapshot is one point-in-time read of the aggregator.
type Snapshot struct {
	Counts         []GroupCount
	JobLatency     []jobengine.LatencyStat
	JobDeadLetters int64
}

// Aggregator composes the four engines' repositories into Snapshot. It
// depends on each engine's own Repository interface rather than the engine
// structs themselves, since statistics are a pure read path that never
// needs to claim, execute, or mutate anything.
type Aggregator struct {
	jobs    jobengine.Repository
	timers  timerengine.Repository
	batches batchengine.Repository
	events  eventengine.Repository
}

// New constructs an Aggregator over the four engines' repositories.
func New(jobs jobengine.Repository, timers timerengine.Repository, batches batchengine.Repository, events eventengine.Repository) *Aggregator {
	return &Aggregator{jobs: jobs, timers: timers, batches: batches, events: events}
}

// Snapshot gathers one read of all four engines' statistics. A failure in
// any one module's query fails the whole snapshot, since a partial
// statistics view is worse than a clear error (this is a diagnostics read
// path, not work execution, so failing loudly here is safe).
func (a *Aggregator) Snapshot(ctx context.Context) (Snapshot, error) {
	var out Snapshot

	jobCounts, err := a.jobs.Stats(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("stats: job counts: %w", err)
	}
	for _, c := range jobCounts {
		out.Counts = append(out.Counts, GroupCount{Module: "job", Type: c.Type, Status: string(c.Status), TenantID: c.TenantID, Count: c.Count})
	}

	deadLetters, err := a.jobs.DeadLetterCount(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("stats: job dead letter count: %w", err)
	}
	out.JobDeadLetters = deadLetters

	latency, err := a.jobs.LatencyPercentiles(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("stats: job latency percentiles: %w", err)
	}
	out.JobLatency = latency

	timerCounts, err := a.timers.Stats(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("stats: timer counts: %w", err)
	}
	for _, c := range timerCounts {
		out.Counts = append(out.Counts, GroupCount{Module: "timer", Type: string(c.TimerType), Status: string(c.Status), TenantID: c.TenantID, Count: c.Count})
	}

	batchCounts, err := a.batches.Stats(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("stats: batch counts: %w", err)
	}
	for _, c := range batchCounts {
		out.Counts = append(out.Counts, GroupCount{Module: "batch", Type: c.Type, Status: string(c.Status), TenantID: c.TenantID, Count: c.Count})
	}

	eventCounts, err := a.events.Stats(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("stats: event subscription counts: %w", err)
	}
	for _, c := range eventCounts {
		status := "pending"
		if c.IsProcessed {
			status = "processed"
		}
		out.Counts = append(out.Counts, GroupCount{Module: "event", Type: string(c.EventType), Status: status, TenantID: c.TenantID, Count: c.Count})
	}

	return out, nil
}
