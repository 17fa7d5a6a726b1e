// Command worker runs the asynchronous work coordination core's scheduler
// loop: the process that ticks the job, timer, batch, and event-subscription
// engines and dispatches claimed work to whatever executors have been
// registered. This binary owns no BPMN-specific logic of its own —
// handlers are the surrounding system's responsibility — so
// RegisterExecutors below is the seam a deployment plugs real handlers
// into.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rezkam/workcoord/internal/batchengine"
	"github.com/rezkam/workcoord/internal/blobarchive"
	"github.com/rezkam/workcoord/internal/config"
	"github.com/rezkam/workcoord/internal/eventbus"
	"github.com/rezkam/workcoord/internal/eventengine"
	"github.com/rezkam/workcoord/internal/executorregistry"
	"github.com/rezkam/workcoord/internal/gateway/postgres"
	"github.com/rezkam/workcoord/internal/jobengine"
	"github.com/rezkam/workcoord/internal/scheduler"
	"github.com/rezkam/workcoord/internal/stats"
	"github.com/rezkam/workcoord/internal/timerengine"
	"github.com/rezkam/workcoord/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("worker: failed to load config", "error", err)
		os.Exit(1)
	}

	providers, err := observability.Setup(ctx, cfg.OTel.ServiceName, version, !cfg.OTel.Disabled)
	if err != nil {
		slog.Error("worker: failed to init observability", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(providers.Logger)
	defer func() {
		if err := providers.Shutdown(context.Background()); err != nil {
			slog.Error("worker: observability shutdown failed", "error", err)
		}
	}()

	store, err := postgres.Open(ctx, postgres.PoolConfig{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    int32(cfg.Database.MaxOpenConns),
		MinIdleConns:    int32(cfg.Database.MinIdleConns),
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	})
	if err != nil {
		slog.ErrorContext(ctx, "worker: failed to open postgres store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	bus := eventbus.New()
	bus.Subscribe("job.dead_letter", func(e eventbus.Event) {
		slog.Warn("job dead-lettered", "data", e.Data)
	})

	registry := executorregistry.New()
	RegisterExecutors(registry)

	workerID := sourceHostname()

	jobStore := postgres.NewJobStore(store)
	timerStore := postgres.NewTimerStore(store)
	batchStore := postgres.NewBatchStore(store)
	eventStore := postgres.NewEventStore(store)

	jobs := jobengine.New(jobStore, registry, bus, jobengine.Config{
		LockTTL:            cfg.Job.LockTTL,
		DefaultMaxRetries:  cfg.Job.DefaultMaxRetries,
		DefaultRetryWaitMs: cfg.Job.DefaultRetryWaitMs,
		DefaultPriority:    cfg.Job.DefaultPriority,
	})
	timers := timerengine.New(timerStore, registry, bus, timerengine.Config{
		LockTTL:           cfg.Timer.LockTTL,
		DefaultMaxRetries: cfg.Timer.DefaultMaxRetries,
	})
	batches := batchengine.New(batchStore, registry, bus, batchengine.Config{
		MaxConcurrentBatches: cfg.Batch.MaxConcurrent,
		BatchSize:            cfg.Batch.BatchSize,
		MaxConcurrentParts:   cfg.Batch.MaxConcurrentParts,
		DefaultMaxRetries:    cfg.Batch.DefaultMaxRetries,
		DefaultPriority:      cfg.Batch.DefaultPriority,
	}, workerID)
	events := eventengine.New(eventStore, registry, bus, eventengine.Config{
		RetentionPeriod: time.Duration(cfg.Event.RetentionDays) * 24 * time.Hour,
	})
	aggregator := stats.New(jobStore, timerStore, batchStore, eventStore)

	if cfg.Blob.BucketName != "" {
		archive, err := blobarchive.Open(ctx, cfg.Blob.BucketName)
		if err != nil {
			slog.ErrorContext(ctx, "worker: failed to open blob archive, oversized fields will be truncated instead",
				"bucket", cfg.Blob.BucketName, "error", err)
		} else {
			defer archive.Close()
			jobs.SetArchiver(archive)
			batches.SetArchiver(archive)
		}
	}

	sched := scheduler.New(jobs, timers, batches, events, scheduler.Config{
		TickInterval:         cfg.Timer.TickInterval,
		SweepInterval:        defaultSweepInterval,
		RetentionInterval:    defaultRetentionInterval,
		DueTimerLimit:        cfg.Timer.DueLimit,
		JobAcquireLimit:      cfg.Job.AcquireLimit,
		MaxConcurrentBatches: cfg.Batch.MaxConcurrent,
		EventRetentionDays:   cfg.Event.RetentionDays,
		TimerRetentionDays:   cfg.Timer.RetentionDays,
		BatchRetentionDays:   cfg.Batch.RetentionDays,
		BatchAutoCleanup:     !cfg.Batch.DisableAutoCleanup,
		BatchEnabled:         !cfg.Batch.Disabled,
		WorkerID:             workerID,
	})
	sched.SetLeaseArbiter(store)

	if cfg.Batch.Disabled {
		slog.InfoContext(ctx, "batch engine disabled by configuration")
	}

	opsServer := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      newOpsRouter(cfg.OTel.ServiceName, aggregator, jobs),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	go func() {
		slog.InfoContext(ctx, "ops http server starting", "addr", opsServer.Addr)
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "ops http server failed", "error", err)
		}
	}()

	slog.InfoContext(ctx, "worker starting", "worker_id", workerID)
	runErr := sched.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(ctx, "ops http server shutdown failed", "error", err)
	}

	if runErr != nil && ctx.Err() == nil {
		slog.ErrorContext(ctx, "scheduler exited with error", "error", runErr)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "worker stopped")
}

// version is stamped at build time via -ldflags.
var version = "dev"

// defaultSweepInterval paces the once-per-minute lock sweeper.
const defaultSweepInterval = time.Minute

// defaultRetentionInterval paces the batch/timer TTL cleanup sweep.
const defaultRetentionInterval = time.Hour

func sourceHostname() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker"
	}
	return host
}
