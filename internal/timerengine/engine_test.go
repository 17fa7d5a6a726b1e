package timerengine

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

// fakeRepo is an in-memory stand-in for Repository, enough to drive
// CreateTimer -> ExecuteTimer -> advance/retry without Postgres.
type fakeRepo struct {
	timers map[string]*model.Timer
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{timers: map[string]*model.Timer{}}
}

func (f *fakeRepo) Insert(_ context.Context, t *model.Timer) error {
	f.timers[t.ID] = t
	return nil
}

func (f *fakeRepo) AcquireDue(_ context.Context, _ string, max int, _ time.Duration, now time.Time) ([]*model.Timer, error) {
	var out []*model.Timer
	for _, t := range f.timers {
		if t.Status == model.TimerPending && !t.DueDate.After(now) && len(out) < max {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeRepo) FindByID(_ context.Context, id string) (*model.Timer, error) {
	t, ok := f.timers[id]
	if !ok {
		return nil, coreerr.ErrNotFound
	}
	return t, nil
}

func (f *fakeRepo) MarkExecuted(_ context.Context, id string, executedAt time.Time) error {
	t := f.timers[id]
	t.Status = model.TimerExecuted
	t.ExecutedAt = &executedAt
	t.ExecutionCount++
	return nil
}

func (f *fakeRepo) Reschedule(_ context.Context, id string, nextDueDate time.Time, executedAt time.Time) error {
	t := f.timers[id]
	t.ExecutionCount++
	t.DueDate = nextDueDate
	t.Status = model.TimerPending
	t.ExecutedAt = &executedAt
	t.LockOwner = nil
	return nil
}

func (f *fakeRepo) MarkFailed(_ context.Context, id string, exceptionMessage string) error {
	t := f.timers[id]
	t.Status = model.TimerFailed
	return nil
}

func (f *fakeRepo) ScheduleRetry(_ context.Context, id string) error {
	t := f.timers[id]
	t.RetryCount++
	t.Status = model.TimerPending
	t.LockOwner = nil
	return nil
}

func (f *fakeRepo) Cancel(_ context.Context, id string) error {
	t, ok := f.timers[id]
	if !ok {
		return coreerr.ErrNotFound
	}
	if t.Status == model.TimerPending {
		t.Status = model.TimerCancelled
	}
	return nil
}

func (f *fakeRepo) CancelByProcessInstance(_ context.Context, processInstanceID string) (int64, error) {
	var n int64
	for _, t := range f.timers {
		if t.ProcessInstanceID != nil && *t.ProcessInstanceID == processInstanceID && t.Status == model.TimerPending {
			t.Status = model.TimerCancelled
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) CancelByExecution(_ context.Context, executionID string) (int64, error) {
	var n int64
	for _, t := range f.timers {
		if t.ExecutionID != nil && *t.ExecutionID == executionID && t.Status == model.TimerPending {
			t.Status = model.TimerCancelled
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) SweepExpiredLocks(_ context.Context) (int64, error) { return 0, nil }

func (f *fakeRepo) Stats(_ context.Context) ([]TypeStatusTenantCount, error) { return nil, nil }

func (f *fakeRepo) DeleteTerminalOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	for id, t := range f.timers {
		terminal := t.Status == model.TimerExecuted || t.Status == model.TimerFailed || t.Status == model.TimerCancelled
		ts := t.ExecutedAt
		if ts == nil {
			ts = &t.CreatedAt
		}
		if terminal && ts.Before(cutoff) {
			delete(f.timers, id)
			n++
		}
	}
	return n, nil
}

type fakeCallback struct {
	err   error
	panic any
}

func (f fakeCallback) Execute(_ context.Context, _ workitem.TimerFiring) error {
	if f.panic != nil {
		panic(f.panic)
	}
	return f.err
}

func newTestEngine() (*Engine, *fakeRepo, *executorregistry.Registry) {
	repo := newFakeRepo()
	registry := executorregistry.New()
	bus := eventbus.New()
	e := New(repo, registry, bus, Config{LockTTL: time.Minute, DefaultMaxRetries: 2})
	return e, repo, registry
}

func TestCreateTimer_DurationExpression(t *testing.T) {
	e, repo, _ := newTestEngine()

	before := time.Now().UTC()
	tm, err := e.CreateTimer(context.Background(), CreateSpec{
		TimerType:  model.TimerDuration,
		Expression: "PT5M",
	})
	require.NoError(t, err)
	assert.True(t, tm.DueDate.After(before.Add(4*time.Minute)))
	assert.Equal(t, model.TimerPending, tm.Status)
	assert.Same(t, tm, repo.timers[tm.ID])
}

func TestCreateTimer_InvalidExpression(t *testing.T) {
	e, _, _ := newTestEngine()

	_, err := e.CreateTimer(context.Background(), CreateSpec{
		TimerType:  model.TimerDuration,
		Expression: "not-a-duration",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidExpression)
}

func TestExecuteTimer_NonRepeatingMarksExecuted(t *testing.T) {
	e, repo, registry := newTestEngine()
	registry.RegisterTimerCallback("default", fakeCallback{})

	tm, err := e.CreateTimer(context.Background(), CreateSpec{
		TimerType:  model.TimerDate,
		Expression: time.Now().UTC().Format(time.RFC3339),
	})
	require.NoError(t, err)

	require.NoError(t, e.ExecuteTimer(context.Background(), tm))
	assert.Equal(t, model.TimerExecuted, repo.timers[tm.ID].Status)
	assert.Equal(t, 1, repo.timers[tm.ID].ExecutionCount)
}

func TestExecuteTimer_RepeatingReschedules(t *testing.T) {
	e, repo, registry := newTestEngine()
	registry.RegisterTimerCallback("default", fakeCallback{})

	tm, err := e.CreateTimer(context.Background(), CreateSpec{
		TimerType:  model.TimerCycle,
		Expression: "R/PT1M",
		Repeat:     true,
	})
	require.NoError(t, err)
	firstDue := tm.DueDate

	require.NoError(t, e.ExecuteTimer(context.Background(), tm))
	got := repo.timers[tm.ID]
	assert.Equal(t, model.TimerPending, got.Status)
	assert.Equal(t, 1, got.ExecutionCount)
	assert.True(t, got.DueDate.After(firstDue))
}

func TestExecuteTimer_MaxExecutionsReachedStops(t *testing.T) {
	e, repo, registry := newTestEngine()
	registry.RegisterTimerCallback("default", fakeCallback{})

	maxExec := 1
	tm, err := e.CreateTimer(context.Background(), CreateSpec{
		TimerType:     model.TimerCycle,
		Expression:    "R/PT1M",
		Repeat:        true,
		MaxExecutions: &maxExec,
	})
	require.NoError(t, err)

	require.NoError(t, e.ExecuteTimer(context.Background(), tm))
	assert.Equal(t, model.TimerExecuted, repo.timers[tm.ID].Status)
}

func TestExecuteTimer_MissingCallbackIsNoOp(t *testing.T) {
	e, repo, _ := newTestEngine()

	tm, err := e.CreateTimer(context.Background(), CreateSpec{
		TimerType:  model.TimerDate,
		Expression: time.Now().UTC().Format(time.RFC3339),
	})
	require.NoError(t, err)

	require.NoError(t, e.ExecuteTimer(context.Background(), tm))
	assert.Equal(t, model.TimerPending, repo.timers[tm.ID].Status)
}

func TestExecuteTimer_FailureRetriesThenFails(t *testing.T) {
	e, repo, registry := newTestEngine()
	registry.RegisterTimerCallback("default", fakeCallback{err: errors.New("callback exploded")})

	tm, err := e.CreateTimer(context.Background(), CreateSpec{
		TimerType:  model.TimerDate,
		Expression: time.Now().UTC().Format(time.RFC3339),
		MaxRetries: 1,
	})
	require.NoError(t, err)

	require.NoError(t, e.ExecuteTimer(context.Background(), tm))
	assert.Equal(t, model.TimerPending, repo.timers[tm.ID].Status)
	assert.Equal(t, 1, repo.timers[tm.ID].RetryCount)

	require.NoError(t, e.ExecuteTimer(context.Background(), tm))
	assert.Equal(t, model.TimerFailed, repo.timers[tm.ID].Status)
}

func TestExecuteTimer_PanicIsTreatedAsCallbackFailure(t *testing.T) {
	e, repo, registry := newTestEngine()
	registry.RegisterTimerCallback("default", fakeCallback{panic: "kaboom"})

	tm, err := e.CreateTimer(context.Background(), CreateSpec{
		TimerType:  model.TimerDate,
		Expression: time.Now().UTC().Format(time.RFC3339),
		MaxRetries: 3,
	})
	require.NoError(t, err)

	require.NoError(t, e.ExecuteTimer(context.Background(), tm))
	assert.Equal(t, model.TimerPending, repo.timers[tm.ID].Status)
	assert.Equal(t, 1, repo.timers[tm.ID].RetryCount)
}

func TestCancelTimer_Idempotent(t *testing.T) {
	e, repo, _ := newTestEngine()

	tm, err := e.CreateTimer(context.Background(), CreateSpec{
		TimerType:  model.TimerDate,
		Expression: time.Now().UTC().Format(time.RFC3339),
	})
	require.NoError(t, err)

	require.NoError(t, e.CancelTimer(context.Background(), tm.ID))
	assert.Equal(t, model.TimerCancelled, repo.timers[tm.ID].Status)

	require.NoError(t, e.CancelTimer(context.Background(), tm.ID))
	assert.Equal(t, model.TimerCancelled, repo.timers[tm.ID].Status)
}

func TestCleanupTerminalTimers_RemovesOldTerminalRows(t *testing.T) {
	e, repo, _ := newTestEngine()

	old := time.Now().UTC().Add(-30 * 24 * time.Hour)
	recent := time.Now().UTC().Add(-24 * time.Hour)

	repo.timers["old-executed"] = &model.Timer{ID: "old-executed", Status: model.TimerExecuted, ExecutedAt: &old}
	repo.timers["recent-executed"] = &model.Timer{ID: "recent-executed", Status: model.TimerExecuted, ExecutedAt: &recent}
	repo.timers["old-pending"] = &model.Timer{ID: "old-pending", Status: model.TimerPending, CreatedAt: old}

	n, err := e.CleanupTerminalTimers(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, stillThere := repo.timers["old-executed"]
	assert.False(t, stillThere)
	_, recentKept := repo.timers["recent-executed"]
	assert.True(t, recentKept)
	_, pendingKept := repo.timers["old-pending"]
	assert.True(t, pendingKept)
}
