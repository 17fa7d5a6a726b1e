package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rezkam/workcoord/internal/coreerr"
	"github.com/rezkam/workcoord/internal/eventbus"
	"github.com/rezkam/workcoord/internal/executorregistry"
	"github.com/rezkam/workcoord/internal/gateway/postgres"
	"github.com/rezkam/workcoord/internal/jobengine"
	"github.com/rezkam/workcoord/internal/model"
	"github.com/rezkam/workcoord/pkg/workitem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingExecutor struct {
	calls int
	fail  bool
}

func (r *recordingExecutor) Execute(_ context.Context, _ workitem.Job) (workitem.JobResult, error) {
	r.calls++
	if r.fail {
		return workitem.JobResult{}, errors.New("handler rejected the work")
	}
	return workitem.JobResult{Success: true}, nil
}

// TestJobRoundtrip_CreateAcquireExecute drives a job through its whole happy
// path against real storage: created pending, claimed once, executed to
// completed, and never handed out again.
func TestJobRoundtrip_CreateAcquireExecute(t *testing.T) {
	store, ctx := SetupStore(t)
	jobStore := postgres.NewJobStore(store)

	registry := executorregistry.New()
	exec := &recordingExecutor{}
	registry.RegisterJob("echo", exec)

	engine := jobengine.New(jobStore, registry, eventbus.New(), jobengine.DefaultConfig())

	created, err := engine.CreateJob(ctx, jobengine.CreateSpec{Type: "echo", Payload: []byte(`{"k":1}`)})
	require.NoError(t, err)

	claimed, err := engine.AcquireJobs(ctx, "worker-a", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, created.ID, claimed[0].ID)

	require.NoError(t, engine.ExecuteJob(ctx, claimed[0]))
	assert.Equal(t, 1, exec.calls)

	done, err := jobStore.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, done.Status)
	require.NotNil(t, done.EndedAt)

	again, err := engine.AcquireJobs(ctx, "worker-b", 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

// TestJobRoundtrip_ExhaustedRetriesDeadLetter runs a handler that always
// fails through every retry until the job lands in the dead-letter table,
// then checks the job row is gone and exactly one dead-letter row exists.
func TestJobRoundtrip_ExhaustedRetriesDeadLetter(t *testing.T) {
	store, ctx := SetupStore(t)
	jobStore := postgres.NewJobStore(store)

	registry := executorregistry.New()
	exec := &recordingExecutor{fail: true}
	registry.RegisterJob("doomed", exec)

	engine := jobengine.New(jobStore, registry, eventbus.New(), jobengine.DefaultConfig())

	created, err := engine.CreateJob(ctx, jobengine.CreateSpec{Type: "doomed", MaxRetries: 2, RetryWaitMs: 1})
	require.NoError(t, err)

	// Each round: claim (the backoff is ~ms, so re-poll briefly), execute,
	// fail. The failures at retryCount 0 and 1 schedule retries; the third
	// failure, at retryCount 2 (= MaxRetries), dead-letters the job.
	for range 3 {
		var claimed []*model.Job
		require.Eventually(t, func() bool {
			c, aerr := engine.AcquireJobs(ctx, "worker-a", 1)
			if aerr != nil {
				return false
			}
			claimed = c
			return len(c) == 1
		}, 5*time.Second, 10*time.Millisecond)
		require.NoError(t, engine.ExecuteJob(ctx, claimed[0]))
	}

	_, err = jobStore.FindByID(ctx, created.ID)
	assert.ErrorIs(t, err, coreerr.ErrNotFound)

	n, err := jobStore.DeadLetterCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// TestLockExpiryRecovery simulates a crashed worker: the claim's TTL lapses,
// the sweeper reaps it, and another worker re-acquires the job with its
// retry count untouched.
func TestLockExpiryRecovery(t *testing.T) {
	store, ctx := SetupStore(t)
	jobStore := postgres.NewJobStore(store)

	registry := executorregistry.New()
	registry.RegisterJob("sticky", &recordingExecutor{})

	cfg := jobengine.DefaultConfig()
	cfg.LockTTL = 20 * time.Millisecond
	engine := jobengine.New(jobStore, registry, eventbus.New(), cfg)

	created, err := engine.CreateJob(ctx, jobengine.CreateSpec{Type: "sticky"})
	require.NoError(t, err)

	claimed, err := engine.AcquireJobs(ctx, "worker-crashed", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Worker "crashes" here: never executes, lock expires.
	time.Sleep(50 * time.Millisecond)

	reaped, err := engine.SweepExpiredLocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reaped)

	reclaimed, err := engine.AcquireJobs(ctx, "worker-b", 1)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, created.ID, reclaimed[0].ID)
	assert.Equal(t, 0, reclaimed[0].RetryCount)
}
