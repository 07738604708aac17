package workerpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydraorch/hydra/pkg/eventbus"
	"github.com/hydraorch/hydra/pkg/models"
)

// fakeSpawner lets tests control subprocess behavior without exec'ing a
// real agent binary.
type fakeSpawner struct {
	lines  []string
	result terminalResult
	delay  time.Duration
}

func (f fakeSpawner) run(ctx context.Context, _ string, _ SpawnInput, onLine func(string, string), onStatus func(models.WorkerStatus)) terminalResult {
	for _, l := range f.lines {
		onLine("stdout", l)
	}
	onStatus(models.WorkerTesting)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return terminalResult{Status: models.WorkerFailed, Cause: "agent-timeout"}
		}
	}
	return f.result
}

func newTestPool(t *testing.T, cap int, spawner subprocessSpawner) *Pool {
	t.Helper()
	bus := eventbus.New()
	p := New(Config{Stage: models.StageImplement, Cap: cap, AgentCommand: "unused"}, bus, nil)
	p.spawner = spawner
	return p
}

func TestTrySpawnRespectsCapacity(t *testing.T) {
	p := newTestPool(t, 1, fakeSpawner{result: terminalResult{Status: models.WorkerDone}, delay: 200 * time.Millisecond})

	_, ok1 := p.TrySpawn(context.Background(), 1, 0, SpawnInput{Issue: 1})
	require.True(t, ok1)

	_, ok2 := p.TrySpawn(context.Background(), 2, 0, SpawnInput{Issue: 2})
	assert.False(t, ok2, "second spawn must be refused while pool is at capacity")
}

func TestCompletionDeliveredOnTerminalStatus(t *testing.T) {
	p := newTestPool(t, 2, fakeSpawner{result: terminalResult{Status: models.WorkerDone}})

	key, ok := p.TrySpawn(context.Background(), 5, 0, SpawnInput{Issue: 5})
	require.True(t, ok)

	select {
	case c := <-p.Completions():
		assert.Equal(t, key, c.Key)
		assert.Equal(t, models.WorkerDone, c.Status)
		assert.Equal(t, 5, c.Issue)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}
	assert.Equal(t, 0, p.ActiveCount())
}

func TestTranscriptLinesAreCappedAndRedacted(t *testing.T) {
	bus := eventbus.New()
	p := New(Config{Stage: models.StageImplement, Cap: 1, AgentCommand: "unused"}, bus, nil)
	p.spawner = fakeSpawner{lines: []string{"secret_key: abcdefghijklmnopqrstuvwx"}, result: terminalResult{Status: models.WorkerDone}}

	key, ok := p.TrySpawn(context.Background(), 1, 0, SpawnInput{Issue: 1})
	require.True(t, ok)

	<-p.Completions()
	w, found := p.Status(key)
	require.True(t, found)
	require.Len(t, w.Transcript, 1)
}

func TestCancelTerminatesActiveWorker(t *testing.T) {
	p := newTestPool(t, 1, fakeSpawner{result: terminalResult{Status: models.WorkerFailed, Cause: "cancelled"}, delay: time.Minute})

	key, ok := p.TrySpawn(context.Background(), 9, 0, SpawnInput{Issue: 9})
	require.True(t, ok)

	assert.True(t, p.Cancel(key))

	select {
	case c := <-p.Completions():
		assert.Equal(t, models.WorkerFailed, c.Status)
	case <-time.After(time.Second):
		t.Fatal("cancel did not produce a timely completion")
	}
}

func TestWorkerKeyNaming(t *testing.T) {
	assert.Equal(t, models.WorkerKey("triage-7"), WorkerKey(models.StageTriage, 7, 0))
	assert.Equal(t, models.WorkerKey("plan-7"), WorkerKey(models.StagePlan, 7, 0))
	assert.Equal(t, models.WorkerKey("7"), WorkerKey(models.StageImplement, 7, 0))
	assert.Equal(t, models.WorkerKey("review-200"), WorkerKey(models.StageReview, 7, 200))
}
