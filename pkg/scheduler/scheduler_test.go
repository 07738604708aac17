package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydraorch/hydra/pkg/eventbus"
	"github.com/hydraorch/hydra/pkg/models"
	"github.com/hydraorch/hydra/pkg/pipeline"
	"github.com/hydraorch/hydra/pkg/workerpool"
)

type fakeEscalator struct {
	calls []string
}

func (f *fakeEscalator) Escalate(issue int, cause string, memorySuggestion bool) {
	f.calls = append(f.calls, cause)
}

func newPool(t *testing.T, bus *eventbus.Bus, stage models.Stage, cap int) *workerpool.Pool {
	t.Helper()
	return workerpool.New(workerpool.Config{Stage: stage, Cap: cap, AgentCommand: "true"}, bus, nil)
}

func TestCapEnforcementAcrossStages(t *testing.T) {
	bus := eventbus.New()
	store := pipeline.New(bus)
	pool := newPool(t, bus, models.StageImplement, 2)
	pools := map[models.Stage]*workerpool.Pool{models.StageImplement: pool}
	cfg := map[models.Stage]StageConfig{models.StageImplement: {Cap: 2, Enabled: true}}
	sched := New(store, bus, pools, cfg)

	store.Upsert(1, "a", "", models.StageImplement, models.IssueQueued)
	store.Upsert(2, "b", "", models.StageImplement, models.IssueQueued)
	store.Upsert(3, "c", "", models.StageImplement, models.IssueQueued)

	sched.admitOnce()

	assert.Equal(t, 2, pool.ActiveCount(), "cap must never be exceeded")
	depth := store.QueueDepth(models.StageImplement)
	assert.Equal(t, 1, depth, "third issue stays queued until a slot frees")
}

func TestDisabledStageAdmitsNothing(t *testing.T) {
	bus := eventbus.New()
	store := pipeline.New(bus)
	pool := newPool(t, bus, models.StageImplement, 2)
	pools := map[models.Stage]*workerpool.Pool{models.StageImplement: pool}
	cfg := map[models.Stage]StageConfig{models.StageImplement: {Cap: 2, Enabled: false}}
	sched := New(store, bus, pools, cfg)

	store.Upsert(9, "x", "", models.StageImplement, models.IssueQueued)
	sched.admitOnce()

	assert.Equal(t, 0, pool.ActiveCount())

	sched.SetEnabled(models.StageImplement, true)
	sched.admitOnce()
	assert.Equal(t, 1, pool.ActiveCount())
}

func TestFailedWorkerEscalatesWithFromStageCause(t *testing.T) {
	bus := eventbus.New()
	store := pipeline.New(bus)
	pools := map[models.Stage]*workerpool.Pool{
		models.StageImplement: newPool(t, bus, models.StageImplement, 1),
	}
	cfg := map[models.Stage]StageConfig{models.StageImplement: {Cap: 1, Enabled: true}}
	sched := New(store, bus, pools, cfg)
	esc := &fakeEscalator{}
	sched.SetEscalator(esc)

	sched.handleCompletion(models.StageImplement, workerpool.Completion{Issue: 5, Status: models.WorkerFailed, Announce: func() {}})

	require.Len(t, esc.calls, 1)
	assert.Equal(t, "from-implement", esc.calls[0])
}

func TestImplementDoneWithoutPRIsSchemaViolation(t *testing.T) {
	bus := eventbus.New()
	store := pipeline.New(bus)
	pools := map[models.Stage]*workerpool.Pool{
		models.StageImplement: newPool(t, bus, models.StageImplement, 1),
	}
	cfg := map[models.Stage]StageConfig{models.StageImplement: {Cap: 1, Enabled: true}}
	sched := New(store, bus, pools, cfg)
	esc := &fakeEscalator{}
	sched.SetEscalator(esc)

	sched.handleCompletion(models.StageImplement, workerpool.Completion{Issue: 5, Status: models.WorkerDone, PR: nil, Announce: func() {}})

	require.Len(t, esc.calls, 1)
	assert.Contains(t, esc.calls[0], "schema-violation")
}

func TestImplementDoneWithPRMovesToReview(t *testing.T) {
	bus := eventbus.New()
	store := pipeline.New(bus)
	store.Upsert(5, "x", "", models.StageImplement, models.IssueActive)
	pools := map[models.Stage]*workerpool.Pool{
		models.StageImplement: newPool(t, bus, models.StageImplement, 1),
	}
	cfg := map[models.Stage]StageConfig{models.StageImplement: {Cap: 1, Enabled: true}}
	sched := New(store, bus, pools, cfg)

	sched.handleCompletion(models.StageImplement, workerpool.Completion{
		Issue: 5, Status: models.WorkerDone, PR: &models.PRRef{Number: 200, URL: "http://host/pr/200"}, Announce: func() {},
	})

	iss, ok := store.Get(5)
	require.True(t, ok)
	assert.Equal(t, models.StageReview, iss.Stage)
	require.NotNil(t, iss.PR)
	assert.Equal(t, 200, iss.PR.Number)
}

func TestTriageDoneMovesToPlan(t *testing.T) {
	bus := eventbus.New()
	store := pipeline.New(bus)
	store.Upsert(1, "x", "", models.StageTriage, models.IssueActive)
	pools := map[models.Stage]*workerpool.Pool{models.StageTriage: newPool(t, bus, models.StageTriage, 1)}
	cfg := map[models.Stage]StageConfig{models.StageTriage: {Cap: 1, Enabled: true}}
	sched := New(store, bus, pools, cfg)

	sched.handleCompletion(models.StageTriage, workerpool.Completion{Issue: 1, Status: models.WorkerDone, Announce: func() {}})

	iss, ok := store.Get(1)
	require.True(t, ok)
	assert.Equal(t, models.StagePlan, iss.Stage)
}

func TestQueueFeedbackIsConsumedOnAdmission(t *testing.T) {
	bus := eventbus.New()
	store := pipeline.New(bus)
	pool := newPool(t, bus, models.StageImplement, 1)
	pools := map[models.Stage]*workerpool.Pool{models.StageImplement: pool}
	cfg := map[models.Stage]StageConfig{models.StageImplement: {Cap: 1, Enabled: true}}
	sched := New(store, bus, pools, cfg)

	store.Upsert(3, "x", "", models.StageImplement, models.IssueQueued)
	sched.QueueFeedback(3, "use table")
	sched.admitOnce()

	sched.mu.RLock()
	_, stillPending := sched.feedback[3]
	sched.mu.RUnlock()
	assert.False(t, stillPending)
}

func TestStartStopEmitsOrchestratorStatus(t *testing.T) {
	bus := eventbus.New()
	store := pipeline.New(bus)
	pools := map[models.Stage]*workerpool.Pool{models.StageImplement: newPool(t, bus, models.StageImplement, 1)}
	cfg := map[models.Stage]StageConfig{models.StageImplement: {Cap: 1, Enabled: true}}
	sched := New(store, bus, pools, cfg)

	sub := bus.Subscribe(0)
	defer sub.Unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	ev := <-sub.Events
	assert.Equal(t, models.EventOrchestratorStatus, ev.Type)
	payload := ev.Data.(models.OrchestratorStatusPayload)
	assert.Equal(t, "running", payload.Status)

	cancel()
	sched.Stop()

	var last models.Event
	for {
		select {
		case ev := <-sub.Events:
			last = ev
		case <-time.After(100 * time.Millisecond):
			assert.Equal(t, models.EventOrchestratorStatus, last.Type)
			return
		}
	}
}
