package jobengine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rezkam/workcoord/internal/coreerr"
	"github.com/rezkam/workcoord/internal/eventbus"
	"github.com/rezkam/workcoord/internal/executorregistry"
	"github.com/rezkam/workcoord/internal/model"
	"github.com/rezkam/workcoord/pkg/workitem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRepo is an in-memory stand-in for Repository, keyed by job id, good
// enough to exercise the engine's lifecycle transitions without Postgres.
type fakeRepo struct {
	jobs        map[string]*model.Job
	deadLetters map[string]*model.DeadLetterJob
	nextDLID    int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{jobs: map[string]*model.Job{}, deadLetters: map[string]*model.DeadLetterJob{}}
}

func (f *fakeRepo) Insert(_ context.Context, job *model.Job) error {
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeRepo) AcquirePending(_ context.Context, _ string, max int, _ time.Duration) ([]*model.Job, error) {
	var out []*model.Job
	for _, j := range f.jobs {
		if j.Status == model.JobPending && len(out) < max {
			j.Status = model.JobRunning
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeRepo) FindByID(_ context.Context, id string) (*model.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, coreerr.ErrNotFound
	}
	return j, nil
}

func (f *fakeRepo) MarkCompleted(_ context.Context, id string) error {
	j, ok := f.jobs[id]
	if !ok {
		return coreerr.ErrNotFound
	}
	j.Status = model.JobCompleted
	return nil
}

func (f *fakeRepo) ScheduleRetry(_ context.Context, id string, nextRetryAt time.Time, exceptionMessage, exceptionStack string) error {
	j, ok := f.jobs[id]
	if !ok {
		return coreerr.ErrNotFound
	}
	j.RetryCount++
	j.Status = model.JobPending
	j.NextRetryAt = &nextRetryAt
	j.ExceptionMessage = &exceptionMessage
	j.ExceptionStack = &exceptionStack
	j.LockOwner = nil
	return nil
}

func (f *fakeRepo) MoveToDeadLetter(_ context.Context, job *model.Job, reason, exceptionMessage, exceptionStack string) error {
	f.nextDLID++
	dlID := "dl-" + job.ID
	f.deadLetters[dlID] = &model.DeadLetterJob{
		ID:               dlID,
		OriginalJobID:    job.ID,
		Type:             job.Type,
		HandlerType:      job.HandlerType,
		Payload:          job.Payload,
		HandlerConfig:    job.HandlerConfig,
		TotalRetries:     job.RetryCount,
		FailureReason:    reason,
		ExceptionMessage: &exceptionMessage,
		ExceptionStack:   &exceptionStack,
		TenantID:         job.TenantID,
		CreatedAt:        time.Now().UTC(),
	}
	delete(f.jobs, job.ID)
	return nil
}

func (f *fakeRepo) FindDeadLetter(_ context.Context, id string) (*model.DeadLetterJob, error) {
	dl, ok := f.deadLetters[id]
	if !ok {
		return nil, coreerr.ErrNotFound
	}
	return dl, nil
}

func (f *fakeRepo) ReinsertFromDeadLetter(_ context.Context, deadLetterID string) (*model.Job, error) {
	dl, ok := f.deadLetters[deadLetterID]
	if !ok {
		return nil, coreerr.ErrNotFound
	}
	dl.Resolved = true
	job := &model.Job{
		ID:            "retry-" + dl.OriginalJobID,
		Type:          dl.Type,
		Status:        model.JobPending,
		HandlerType:   dl.HandlerType,
		Payload:       dl.Payload,
		HandlerConfig: dl.HandlerConfig,
		TenantID:      dl.TenantID,
		CreatedAt:     time.Now().UTC(),
	}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeRepo) SweepExpiredLocks(_ context.Context) (int64, error) { return 0, nil }

func (f *fakeRepo) Stats(_ context.Context) ([]TypeStatusTenantCount, error) { return nil, nil }

func (f *fakeRepo) DeadLetterCount(_ context.Context) (int64, error) {
	return int64(len(f.deadLetters)), nil
}

func (f *fakeRepo) LatencyPercentiles(_ context.Context) ([]LatencyStat, error) { return nil, nil }

type fakeExecutor struct {
	result workitem.JobResult
	err    error
	panic  any
}

func (f fakeExecutor) Execute(_ context.Context, _ workitem.Job) (workitem.JobResult, error) {
	if f.panic != nil {
		panic(f.panic)
	}
	return f.result, f.err
}

func newTestEngine() (*Engine, *fakeRepo, *executorregistry.Registry) {
	repo := newFakeRepo()
	registry := executorregistry.New()
	bus := eventbus.New()
	e := New(repo, registry, bus, Config{
		LockTTL:            time.Minute,
		DefaultMaxRetries:  3,
		DefaultRetryWaitMs: 1000,
		DefaultPriority:    50,
	})
	return e, repo, registry
}

func TestCreateJob_AppliesDefaults(t *testing.T) {
	e, repo, _ := newTestEngine()

	job, err := e.CreateJob(context.Background(), CreateSpec{Type: "send-email"})
	require.NoError(t, err)
	assert.Equal(t, 50, job.Priority)
	assert.Equal(t, 3, job.MaxRetries)
	assert.Equal(t, int64(1000), job.RetryWaitMs)
	assert.Equal(t, "send-email", job.HandlerType)
	assert.Equal(t, model.JobPending, job.Status)
	assert.Same(t, job, repo.jobs[job.ID])
}

func TestExecuteJob_Success(t *testing.T) {
	e, repo, registry := newTestEngine()
	registry.RegisterJob("send-email", fakeExecutor{result: workitem.JobResult{Success: true}})

	job, err := e.CreateJob(context.Background(), CreateSpec{Type: "send-email"})
	require.NoError(t, err)

	require.NoError(t, e.ExecuteJob(context.Background(), job))
	assert.Equal(t, model.JobCompleted, repo.jobs[job.ID].Status)
}

func TestExecuteJob_MissingHandlerGoesStraightToDeadLetter(t *testing.T) {
	e, repo, _ := newTestEngine()

	job, err := e.CreateJob(context.Background(), CreateSpec{Type: "send-email"})
	require.NoError(t, err)

	require.NoError(t, e.ExecuteJob(context.Background(), job))
	_, stillExists := repo.jobs[job.ID]
	assert.False(t, stillExists)
	assert.Len(t, repo.deadLetters, 1)
}

func TestExecuteJob_FailureRetriesUntilExhausted(t *testing.T) {
	e, repo, registry := newTestEngine()
	registry.RegisterJob("send-email", fakeExecutor{err: errors.New("smtp timeout")})

	job, err := e.CreateJob(context.Background(), CreateSpec{Type: "send-email", MaxRetries: 2})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, e.ExecuteJob(context.Background(), job))
		assert.Equal(t, model.JobPending, repo.jobs[job.ID].Status)
		assert.Equal(t, i+1, repo.jobs[job.ID].RetryCount)
	}

	// Third attempt exhausts the 2-retry budget and dead-letters the job.
	require.NoError(t, e.ExecuteJob(context.Background(), job))
	_, stillExists := repo.jobs[job.ID]
	assert.False(t, stillExists)
	require.Len(t, repo.deadLetters, 1)
	for _, dl := range repo.deadLetters {
		assert.Equal(t, "exhausted", dl.FailureReason)
		assert.Equal(t, 2, dl.TotalRetries)
	}
}

func TestExecuteJob_PanicIsTreatedAsHandlerFailure(t *testing.T) {
	e, repo, registry := newTestEngine()
	registry.RegisterJob("send-email", fakeExecutor{panic: "boom"})

	job, err := e.CreateJob(context.Background(), CreateSpec{Type: "send-email", MaxRetries: 5})
	require.NoError(t, err)

	require.NoError(t, e.ExecuteJob(context.Background(), job))
	assert.Equal(t, model.JobPending, repo.jobs[job.ID].Status)
	require.NotNil(t, repo.jobs[job.ID].ExceptionMessage)
	assert.Contains(t, *repo.jobs[job.ID].ExceptionMessage, "panic: boom")
}

func TestRetryDeadLetterJob_AlreadyResolvedIsInvalidState(t *testing.T) {
	e, repo, registry := newTestEngine()
	registry.RegisterJob("send-email", fakeExecutor{err: errors.New("fail")})

	job, err := e.CreateJob(context.Background(), CreateSpec{Type: "send-email", MaxRetries: 0})
	require.NoError(t, err)
	// CreateSpec treats MaxRetries 0 as "use the engine default"; force a
	// zero retry budget so the first failure dead-letters the job.
	job.MaxRetries = 0
	require.NoError(t, e.ExecuteJob(context.Background(), job))
	require.Len(t, repo.deadLetters, 1)

	var dlID string
	for id := range repo.deadLetters {
		dlID = id
	}

	_, err = e.RetryDeadLetterJob(context.Background(), dlID)
	require.NoError(t, err)

	repo.deadLetters[dlID].Resolved = true
	_, err = e.RetryDeadLetterJob(context.Background(), dlID)
	assert.ErrorIs(t, err, coreerr.ErrInvalidState)
}

func TestArchiveOrTruncate_UsesArchiverWhenOversized(t *testing.T) {
	e, repo, registry := newTestEngine()
	oversized := make([]byte, maxStoredFieldLen+10)
	for i := range oversized {
		oversized[i] = 'x'
	}
	registry.RegisterJob("send-email", fakeExecutor{err: errors.New(string(oversized))})
	e.SetArchiver(recordingArchiver{uri: "gs://bucket/job/oversized"})

	job, err := e.CreateJob(context.Background(), CreateSpec{Type: "send-email", MaxRetries: 5})
	require.NoError(t, err)

	require.NoError(t, e.ExecuteJob(context.Background(), job))
	msg := repo.jobs[job.ID].ExceptionMessage
	require.NotNil(t, msg)
	assert.Contains(t, *msg, "[archived: gs://bucket/job/oversized]")
}

type recordingArchiver struct {
	uri string
	err error
}

func (r recordingArchiver) Archive(_ context.Context, _ string, _ []byte) (string, error) {
	return r.uri, r.err
}
