// Package scheduler is the clock & scheduler loop: a single cooperative
// tick per process that fans due work out to the four engines in a fixed
// phase order, never blocking on handler execution itself.
package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rezkam/workcoord/internal/clock"
	"github.com/rezkam/workcoord/internal/model"
)

// Config holds the scheduler loop's own timing and per-phase fetch bounds.
// Defaults match the documented configuration table.
type Config struct {
	TickInterval         time.Duration
	SweepInterval        time.Duration
	RetentionInterval    time.Duration
	DueTimerLimit        int
	JobAcquireLimit      int
	MaxConcurrentBatches int
	EventRetentionDays   int
	TimerRetentionDays   int
	BatchRetentionDays   int
	BatchAutoCleanup     bool
	BatchEnabled         bool
	WorkerID             string
}

// DefaultConfig: 1s tick, 50 due timers, 5 concurrent batches,
// once-per-minute lock sweep, once-per-hour retention.
func DefaultConfig() Config {
	return Config{
		TickInterval:         1 * time.Second,
		SweepInterval:        time.Minute,
		RetentionInterval:    time.Hour,
		DueTimerLimit:        50,
		JobAcquireLimit:      50,
		MaxConcurrentBatches: 5,
		EventRetentionDays:   7,
		TimerRetentionDays:   7,
		BatchRetentionDays:   30,
		BatchAutoCleanup:     true,
		BatchEnabled:         true,
		WorkerID:             uuid.NewString(),
	}
}

// The four engine contracts below are owned by this package (the consumer)
// the same way each engine owns its Repository: the scheduler compiles
// against exactly the operations it drives, and tests fake them without
// standing up real engines.

// JobEngine is the job-acquisition phase's contract.
type JobEngine interface {
	AcquireJobs(ctx context.Context, workerID string, max int) ([]*model.Job, error)
	ExecuteJob(ctx context.Context, job *model.Job) error
	SweepExpiredLocks(ctx context.Context) (int64, error)
}

// TimerEngine is the timer due-scan phase's contract.
type TimerEngine interface {
	GetDueTimers(ctx context.Context, workerID string, limit int) ([]*model.Timer, error)
	ExecuteTimer(ctx context.Context, t *model.Timer) error
	SweepExpiredLocks(ctx context.Context) (int64, error)
	CleanupTerminalTimers(ctx context.Context, retentionDays int) (int64, error)
}

// BatchEngine is the batch ready-scan phase's contract.
type BatchEngine interface {
	ProcessOnce(ctx context.Context) error
	CleanupTerminalBatches(ctx context.Context, retentionDays int) (int64, error)
}

// EventEngine is the subscription-retention phase's contract.
type EventEngine interface {
	CleanupProcessedSubscriptions(ctx context.Context, retentionDays int) (int64, error)
}

// leaseRunType identifies the retention task's row in cron_job_leases.
const leaseRunType = "retention-cleanup"

// LeaseArbiter grants an exclusive, renewable lease so the batch/timer
// retention sweep runs on one worker process at a time even when several
// are ticking. Optional: without one, every process runs retention on its
// own schedule, which is still correct (the deletes are idempotent) just
// redundant.
type LeaseArbiter interface {
	TryAcquireLease(ctx context.Context, runType, holderID string, leaseDuration time.Duration) (bool, error)
}

// Scheduler ties the four engines together behind a single re-entrant-safe
// loop.
type Scheduler struct {
	jobs    JobEngine
	timers  TimerEngine
	batches BatchEngine
	events  EventEngine
	cfg     Config
	clk     clock.Clock
	leases  LeaseArbiter // optional, nil unless SetLeaseArbiter is called

	isProcessing atomic.Bool
}

// New constructs a Scheduler over the four already-wired engines, ticking
// on the system clock.
func New(jobs JobEngine, timers TimerEngine, batches BatchEngine, events EventEngine, cfg Config) *Scheduler {
	return &Scheduler{jobs: jobs, timers: timers, batches: batches, events: events, cfg: cfg, clk: clock.System{}}
}

// SetClock replaces the system clock, letting tests step the loop with a
// simulated one instead of sleeping.
func (s *Scheduler) SetClock(c clock.Clock) {
	s.clk = c
}

// SetLeaseArbiter wires the optional cross-process retention lease. Without
// one, CleanupTerminalBatches/CleanupTerminalTimers run on every tick of
// every process instead of one designated leaseholder.
func (s *Scheduler) SetLeaseArbiter(l LeaseArbiter) {
	s.leases = l
}

// Run drives the scheduler loop until ctx is cancelled. Each tick runs the
// four phases in order: timer due-scan, batch ready-scan, job acquisition,
// event-subscription cleanup/retention. A separate, slower ticker drives
// the once-per-minute lock sweeper.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.InfoContext(ctx, "scheduler starting",
		"tick_interval", s.cfg.TickInterval, "worker_id", s.cfg.WorkerID)

	tick := s.clk.NewTicker(s.cfg.TickInterval)
	defer tick.Stop()
	sweep := s.clk.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()
	retention := s.clk.NewTicker(s.retentionInterval())
	defer retention.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "scheduler stopping")
			return ctx.Err()
		case <-tick.C():
			s.runTick(ctx)
		case <-sweep.C():
			s.runSweep(ctx)
		case <-retention.C():
			s.runRetention(ctx)
		}
	}
}

func (s *Scheduler) retentionInterval() time.Duration {
	if s.cfg.RetentionInterval <= 0 {
		return time.Hour
	}
	return s.cfg.RetentionInterval
}

// runTick executes one pass of all four phases, skipping entirely if the
// previous tick is still in flight. A skipped tick is harmless — the next
// one re-selects anything still due.
func (s *Scheduler) runTick(ctx context.Context) {
	if !s.isProcessing.CompareAndSwap(false, true) {
		return
	}
	defer s.isProcessing.Store(false)

	s.scanDueTimers(ctx)
	s.scanReadyBatches(ctx)
	s.acquireJobs(ctx)
	s.cleanupEvents(ctx)
}

func (s *Scheduler) scanDueTimers(ctx context.Context) {
	timers, err := s.timers.GetDueTimers(ctx, s.cfg.WorkerID, s.cfg.DueTimerLimit)
	if err != nil {
		slog.ErrorContext(ctx, "timer due-scan failed", "error", err)
		return
	}
	for _, t := range timers {
		go func(t *model.Timer) {
			if err := s.timers.ExecuteTimer(ctx, t); err != nil {
				slog.ErrorContext(ctx, "timer execution failed", "timer_id", t.ID, "error", err)
			}
		}(t)
	}
}

// scanReadyBatches is a no-op when the batch engine is disabled, so an
// operator can turn it off without stopping the other three.
func (s *Scheduler) scanReadyBatches(ctx context.Context) {
	if !s.cfg.BatchEnabled {
		return
	}
	if err := s.batches.ProcessOnce(ctx); err != nil {
		slog.ErrorContext(ctx, "batch ready-scan failed", "error", err)
	}
}

func (s *Scheduler) acquireJobs(ctx context.Context) {
	jobs, err := s.jobs.AcquireJobs(ctx, s.cfg.WorkerID, s.cfg.JobAcquireLimit)
	if err != nil {
		slog.ErrorContext(ctx, "job acquisition failed", "error", err)
		return
	}
	for _, j := range jobs {
		go func(j *model.Job) {
			if err := s.jobs.ExecuteJob(ctx, j); err != nil {
				slog.ErrorContext(ctx, "job execution failed", "job_id", j.ID, "error", err)
			}
		}(j)
	}
}

func (s *Scheduler) cleanupEvents(ctx context.Context) {
	if _, err := s.events.CleanupProcessedSubscriptions(ctx, s.cfg.EventRetentionDays); err != nil {
		slog.ErrorContext(ctx, "event subscription retention cleanup failed", "error", err)
	}
}

// runSweep reclaims locks left behind by crashed workers across the two
// lockable engines (event subscriptions have no lock to sweep — their
// at-most-once guard is a boolean flag, not a leased claim; batch parts
// run within a single tick, not across a lease).
func (s *Scheduler) runSweep(ctx context.Context) {
	if n, err := s.jobs.SweepExpiredLocks(ctx); err != nil {
		slog.ErrorContext(ctx, "job lock sweep failed", "error", err)
	} else if n > 0 {
		slog.InfoContext(ctx, "job lock sweep reclaimed rows", "count", n)
	}
	if n, err := s.timers.SweepExpiredLocks(ctx); err != nil {
		slog.ErrorContext(ctx, "timer lock sweep failed", "error", err)
	} else if n > 0 {
		slog.InfoContext(ctx, "timer lock sweep reclaimed rows", "count", n)
	}
}

// runRetention runs the batch and timer engines' single consolidated
// retention tasks. When a LeaseArbiter is wired, only the process holding
// the lease for this interval actually runs the sweep; the others skip.
func (s *Scheduler) runRetention(ctx context.Context) {
	if s.leases != nil {
		won, err := s.leases.TryAcquireLease(ctx, leaseRunType, s.cfg.WorkerID, s.retentionInterval())
		if err != nil {
			slog.ErrorContext(ctx, "retention lease acquisition failed", "error", err)
			return
		}
		if !won {
			return
		}
	}

	if s.cfg.BatchEnabled && s.cfg.BatchAutoCleanup {
		if n, err := s.batches.CleanupTerminalBatches(ctx, s.cfg.BatchRetentionDays); err != nil {
			slog.ErrorContext(ctx, "batch retention cleanup failed", "error", err)
		} else if n > 0 {
			slog.InfoContext(ctx, "batch retention cleanup removed rows", "count", n)
		}
	}

	if n, err := s.timers.CleanupTerminalTimers(ctx, s.cfg.TimerRetentionDays); err != nil {
		slog.ErrorContext(ctx, "timer retention cleanup failed", "error", err)
	} else if n > 0 {
		slog.InfoContext(ctx, "timer retention cleanup removed rows", "count", n)
	}
}
