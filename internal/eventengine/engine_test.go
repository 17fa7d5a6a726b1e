package eventengine

import (
	"context"
	"testing"
	"time"

	"github.com/rezkam/workcoord/internal/eventbus"
	"github.com/rezkam/workcoord/internal/executorregistry"
	"github.com/rezkam/workcoord/internal/model"
	"github.com/rezkam/workcoord/internal/ptr"
	"github.com/rezkam/workcoord/pkg/workitem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRepo is an in-memory stand-in for Repository, enough to exercise
// subscription matching and the at-most-once claim race.
type fakeRepo struct {
	subs map[string]*model.EventSubscription
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{subs: map[string]*model.EventSubscription{}}
}

func (f *fakeRepo) Insert(_ context.Context, sub *model.EventSubscription) error {
	f.subs[sub.ID] = sub
	return nil
}

func (f *fakeRepo) FindByID(_ context.Context, id string) (*model.EventSubscription, error) {
	return f.subs[id], nil
}

func (f *fakeRepo) MatchUnprocessed(_ context.Context, eventType model.EventType, eventName string, processInstanceID, tenantID *string) ([]*model.EventSubscription, error) {
	var out []*model.EventSubscription
	for _, s := range f.subs {
		if s.IsProcessed || s.EventType != eventType || s.EventName != eventName {
			continue
		}
		if processInstanceID != nil {
			if s.ProcessInstanceID == nil || *s.ProcessInstanceID != *processInstanceID {
				continue
			}
		}
		if tenantID != nil && s.TenantID != nil && *s.TenantID != *tenantID {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeRepo) TryMarkProcessed(_ context.Context, id string, processedAt time.Time) (bool, error) {
	s, ok := f.subs[id]
	if !ok || s.IsProcessed {
		return false, nil
	}
	s.IsProcessed = true
	s.ProcessedAt = &processedAt
	return true, nil
}

func (f *fakeRepo) DeleteByProcessInstance(_ context.Context, processInstanceID string) (int64, error) {
	var n int64
	for id, s := range f.subs {
		if s.ProcessInstanceID != nil && *s.ProcessInstanceID == processInstanceID {
			delete(f.subs, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) DeleteByExecution(_ context.Context, executionID string) (int64, error) {
	var n int64
	for id, s := range f.subs {
		if s.ExecutionID != nil && *s.ExecutionID == executionID {
			delete(f.subs, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) CleanupProcessed(_ context.Context, olderThan time.Time) (int64, error) {
	var n int64
	for id, s := range f.subs {
		if s.IsProcessed && s.CreatedAt.Before(olderThan) {
			delete(f.subs, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) Stats(_ context.Context) ([]TypeProcessedTenantCount, error) { return nil, nil }

type fakeTarget struct {
	delivered []workitem.EventFiring
	err       error
}

func (f *fakeTarget) Deliver(_ context.Context, firing workitem.EventFiring) error {
	f.delivered = append(f.delivered, firing)
	return f.err
}

func newTestEngine() (*Engine, *fakeRepo, *executorregistry.Registry) {
	repo := newFakeRepo()
	registry := executorregistry.New()
	bus := eventbus.New()
	e := New(repo, registry, bus, Config{RetentionPeriod: 7 * 24 * time.Hour})
	return e, repo, registry
}

func TestCreateSubscription_DefaultsPriority(t *testing.T) {
	e, repo, _ := newTestEngine()

	sub, err := e.CreateSubscription(context.Background(), CreateSpec{
		EventType:         model.EventMessage,
		EventName:         "order-approved",
		ConfigurationType: "resume-activity",
	})
	require.NoError(t, err)
	assert.Equal(t, 50, sub.Priority)
	assert.False(t, sub.IsProcessed)
	assert.Same(t, sub, repo.subs[sub.ID])
}

func TestTriggerMessage_MatchesAndDelivers(t *testing.T) {
	e, repo, registry := newTestEngine()
	target := &fakeTarget{}
	registry.RegisterEventTrigger("resume-activity", target)

	pid := ptr.To("proc-1")
	sub, err := e.CreateSubscription(context.Background(), CreateSpec{
		EventType:         model.EventMessage,
		EventName:         "order-approved",
		ProcessInstanceID: pid,
		ConfigurationType: "resume-activity",
	})
	require.NoError(t, err)

	result, err := e.TriggerMessage(context.Background(), "order-approved", []byte("payload"), pid)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count)
	assert.True(t, repo.subs[sub.ID].IsProcessed)
	require.Len(t, target.delivered, 1)
	assert.Equal(t, sub.ID, target.delivered[0].SubscriptionID)
}

func TestTriggerMessage_AtMostOnce(t *testing.T) {
	e, _, registry := newTestEngine()
	target := &fakeTarget{}
	registry.RegisterEventTrigger("resume-activity", target)

	pid := ptr.To("proc-1")
	_, err := e.CreateSubscription(context.Background(), CreateSpec{
		EventType:         model.EventMessage,
		EventName:         "order-approved",
		ProcessInstanceID: pid,
		ConfigurationType: "resume-activity",
	})
	require.NoError(t, err)

	first, err := e.TriggerMessage(context.Background(), "order-approved", nil, pid)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Count)

	second, err := e.TriggerMessage(context.Background(), "order-approved", nil, pid)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Count)
	assert.Len(t, target.delivered, 1)
}

func TestTriggerSignal_NilTenantSubscriptionMatchesAnyTenant(t *testing.T) {
	e, _, registry := newTestEngine()
	target := &fakeTarget{}
	registry.RegisterEventTrigger("broadcast", target)

	_, err := e.CreateSubscription(context.Background(), CreateSpec{
		EventType:         model.EventSignal,
		EventName:         "global-halt",
		ConfigurationType: "broadcast",
	})
	require.NoError(t, err)

	tenant := ptr.To("tenant-42")
	result, err := e.TriggerSignal(context.Background(), "global-halt", nil, tenant)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count)
}

func TestTriggerMessage_MissingTargetIsNoOpNotError(t *testing.T) {
	e, repo, _ := newTestEngine()

	pid := ptr.To("proc-1")
	sub, err := e.CreateSubscription(context.Background(), CreateSpec{
		EventType:         model.EventMessage,
		EventName:         "order-approved",
		ProcessInstanceID: pid,
		ConfigurationType: "no-such-target",
	})
	require.NoError(t, err)

	result, err := e.TriggerMessage(context.Background(), "order-approved", nil, pid)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count)
	assert.True(t, repo.subs[sub.ID].IsProcessed)
}

func TestDeleteSubscriptionsByProcessInstance(t *testing.T) {
	e, repo, _ := newTestEngine()

	pid := ptr.To("proc-1")
	_, err := e.CreateSubscription(context.Background(), CreateSpec{
		EventType:         model.EventMessage,
		EventName:         "order-approved",
		ProcessInstanceID: pid,
		ConfigurationType: "resume-activity",
	})
	require.NoError(t, err)

	n, err := e.DeleteSubscriptionsByProcessInstance(context.Background(), *pid)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Empty(t, repo.subs)
}
