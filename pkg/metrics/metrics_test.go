package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydraorch/hydra/pkg/eventbus"
	"github.com/hydraorch/hydra/pkg/models"
)

func TestDerivedRatesAreZeroWithNoDenominator(t *testing.T) {
	m := New(nil)
	snap := m.Snapshot("t0")
	assert.Zero(t, snap.MergeRate)
	assert.Zero(t, snap.FirstPassApprovalRate)
	assert.Zero(t, snap.QualityFixRate)
	assert.Zero(t, snap.HITLEscalationRate)
}

func TestRatesComputeFromCounters(t *testing.T) {
	m := New(nil)
	m.RecordPROpened()
	m.RecordPROpened()
	m.RecordMerge()
	m.IncReviewsTotal()
	m.IncReviewsTotal()
	m.RecordFirstPassApproval()
	m.IncImplementations()
	m.RecordQualityFix()
	m.IncIssuesAdmitted()
	m.IncIssuesAdmitted()
	m.RecordHITLEscalation()

	snap := m.Snapshot("t1")
	assert.InDelta(t, 0.5, snap.MergeRate, 0.001)
	assert.InDelta(t, 0.5, snap.FirstPassApprovalRate, 0.001)
	assert.InDelta(t, 1.0, snap.QualityFixRate, 0.001)
	assert.InDelta(t, 0.5, snap.HITLEscalationRate, 0.001)
}

func TestResetSessionZeroesSessionCountersNotLifetime(t *testing.T) {
	m := New(nil)
	m.RecordMerge()
	m.TakeSnapshot("t0")

	m.ResetSession()

	snap := m.Snapshot("t1")
	assert.Equal(t, int64(1), snap.IssuesCompleted, "lifetime counters survive a session reset")
	assert.Zero(t, m.SessionCounters().IssuesCompleted, "session-scoped counters restart from zero")
	assert.Len(t, m.History(), 1, "snapshot history survives a session reset")

	m.RecordMerge()
	assert.Equal(t, int64(2), m.Snapshot("t2").IssuesCompleted)
	assert.Equal(t, int64(1), m.SessionCounters().IssuesCompleted, "session counters track only post-reset activity")
}

func TestTakeSnapshotEvictsOldestBeyondCapacity(t *testing.T) {
	m := New(nil)
	for i := 0; i < SnapshotCapacity+10; i++ {
		m.TakeSnapshot("t")
	}
	assert.Len(t, m.History(), SnapshotCapacity)
}

func TestTakeSnapshotPublishesMetricsUpdate(t *testing.T) {
	bus := eventbus.New()
	m := New(bus)
	sub := bus.Subscribe(0)
	defer sub.Unsubscribe()

	m.RecordMerge()
	m.TakeSnapshot("t0")

	ev := <-sub.Events
	require.Equal(t, models.EventMetricsUpdate, ev.Type)
	payload := ev.Data.(models.MetricsUpdatePayload)
	assert.Equal(t, int64(1), payload.Snapshot.IssuesCompleted)
}

func TestLoadHistoryTruncatesToCapacity(t *testing.T) {
	m := New(nil)
	seed := make([]models.MetricsSnapshot, SnapshotCapacity+5)
	for i := range seed {
		seed[i] = models.MetricsSnapshot{Timestamp: "t"}
	}
	m.LoadHistory(seed)
	assert.Len(t, m.History(), SnapshotCapacity)
}
