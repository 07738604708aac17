// Package metrics is the Metrics component: monotonic lifetime counters,
// derived rates, and a ring-buffered snapshot history, using atomic-by-mutex
// counters snapshotted on read.
package metrics

import (
	"sync"

	"github.com/hydraorch/hydra/pkg/eventbus"
	"github.com/hydraorch/hydra/pkg/models"
)

// SnapshotCapacity bounds the ring buffer at 24h of history taken at the
// default 5-minute snapshot cadence.
const SnapshotCapacity = 288

// Counters holds the raw monotonic counts, persisted to the repository and
// never zeroed by a session reset — they track the full process lifetime,
// across any number of orchestrator start/stop cycles. All fields are
// incremented only by the Metrics component itself in response to events
// from other components — increments arrive as messages, never as direct
// field writes from outside the package.
type Counters struct {
	IssuesCompleted    int64
	PRsMerged          int64
	PRsOpened          int64
	HITLEscalations    int64
	FirstPassApprovals int64
	QualityFixes       int64

	// Denominators for the derived rates below, not themselves part of the
	// published counter set.
	ReviewsTotal    int64
	Implementations int64
	IssuesAdmitted  int64
}

// Metrics owns the lifetime counters and the snapshot ring.
type Metrics struct {
	bus *eventbus.Bus

	mu              sync.RWMutex
	counters        Counters
	sessionBaseline Counters // counters at the last session reset; see ResetSession
	snapshots       []models.MetricsSnapshot
}

// New creates an empty Metrics component.
func New(bus *eventbus.Bus) *Metrics {
	return &Metrics{bus: bus}
}

// IncIssuesAdmitted records that an issue was admitted into a stage by the
// Scheduler — the denominator for hitl_escalation_rate.
func (m *Metrics) IncIssuesAdmitted() {
	m.mu.Lock()
	m.counters.IssuesAdmitted++
	m.mu.Unlock()
}

// IncImplementations records an implement-stage admission — the denominator
// for quality_fix_rate.
func (m *Metrics) IncImplementations() {
	m.mu.Lock()
	m.counters.Implementations++
	m.mu.Unlock()
}

// IncReviewsTotal records a review-stage admission — the denominator for
// first_pass_approval_rate.
func (m *Metrics) IncReviewsTotal() {
	m.mu.Lock()
	m.counters.ReviewsTotal++
	m.mu.Unlock()
}

// RecordPROpened increments prs_opened, on implement worker success.
func (m *Metrics) RecordPROpened() {
	m.mu.Lock()
	m.counters.PRsOpened++
	m.mu.Unlock()
}

// RecordFirstPassApproval increments first_pass_approvals — a review worker
// that reaches done without the issue ever having been escalated out of
// review first.
func (m *Metrics) RecordFirstPassApproval() {
	m.mu.Lock()
	m.counters.FirstPassApprovals++
	m.mu.Unlock()
}

// RecordQualityFix increments quality_fixes — a review that escalates for
// changes the implementer then resolves without a human, i.e. a retry that
// succeeds.
func (m *Metrics) RecordQualityFix() {
	m.mu.Lock()
	m.counters.QualityFixes++
	m.mu.Unlock()
}

// RecordHITLEscalation increments hitl_escalations.
func (m *Metrics) RecordHITLEscalation() {
	m.mu.Lock()
	m.counters.HITLEscalations++
	m.mu.Unlock()
}

// RecordMerge increments prs_merged and issues_completed — a PR reaching
// merged moves its issue to the terminal stage.
func (m *Metrics) RecordMerge() {
	m.mu.Lock()
	m.counters.PRsMerged++
	m.counters.IssuesCompleted++
	m.mu.Unlock()
}

// ResetSession marks the current counters as the new session baseline on
// orchestrator restart with reset=true. The lifetime counters returned by
// Snapshot/CountersSnapshot keep accumulating across the reset — only
// SessionCounters' deltas restart from zero.
func (m *Metrics) ResetSession() {
	m.mu.Lock()
	m.sessionBaseline = m.counters
	m.mu.Unlock()
}

// SessionCounters returns counts accrued since the last ResetSession (or
// since startup, if ResetSession has never been called), for the
// session-scoped portion of GET /api/stats.
func (m *Metrics) SessionCounters() Counters {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Counters{
		IssuesCompleted:    m.counters.IssuesCompleted - m.sessionBaseline.IssuesCompleted,
		PRsMerged:          m.counters.PRsMerged - m.sessionBaseline.PRsMerged,
		PRsOpened:          m.counters.PRsOpened - m.sessionBaseline.PRsOpened,
		HITLEscalations:    m.counters.HITLEscalations - m.sessionBaseline.HITLEscalations,
		FirstPassApprovals: m.counters.FirstPassApprovals - m.sessionBaseline.FirstPassApprovals,
		QualityFixes:       m.counters.QualityFixes - m.sessionBaseline.QualityFixes,
		ReviewsTotal:       m.counters.ReviewsTotal - m.sessionBaseline.ReviewsTotal,
		Implementations:    m.counters.Implementations - m.sessionBaseline.Implementations,
		IssuesAdmitted:     m.counters.IssuesAdmitted - m.sessionBaseline.IssuesAdmitted,
	}
}

func rate(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// Snapshot computes the current counters plus derived rates without
// appending to the ring.
func (m *Metrics) Snapshot(timestamp string) models.MetricsSnapshot {
	m.mu.RLock()
	c := m.counters
	m.mu.RUnlock()

	return models.MetricsSnapshot{
		Timestamp:             timestamp,
		IssuesCompleted:       c.IssuesCompleted,
		PRsMerged:             c.PRsMerged,
		PRsOpened:             c.PRsOpened,
		HITLEscalations:       c.HITLEscalations,
		FirstPassApprovals:    c.FirstPassApprovals,
		QualityFixes:          c.QualityFixes,
		MergeRate:             rate(c.PRsMerged, c.PRsOpened),
		FirstPassApprovalRate: rate(c.FirstPassApprovals, c.ReviewsTotal),
		QualityFixRate:        rate(c.QualityFixes, c.Implementations),
		HITLEscalationRate:    rate(c.HITLEscalations, c.IssuesAdmitted),
	}
}

// TakeSnapshot appends a fresh snapshot to the ring (evicting the oldest
// once at capacity) and publishes metrics_update. Called by the
// background metrics-snapshot loop on its 5-minute cadence.
func (m *Metrics) TakeSnapshot(timestamp string) models.MetricsSnapshot {
	snap := m.Snapshot(timestamp)

	m.mu.Lock()
	m.snapshots = append(m.snapshots, snap)
	if len(m.snapshots) > SnapshotCapacity {
		m.snapshots = m.snapshots[len(m.snapshots)-SnapshotCapacity:]
	}
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(models.EventMetricsUpdate, models.MetricsUpdatePayload{Snapshot: snap})
	}
	return snap
}

// History returns a copy of every retained snapshot, oldest first.
func (m *Metrics) History() []models.MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.MetricsSnapshot, len(m.snapshots))
	copy(out, m.snapshots)
	return out
}

// LoadCounters seeds the lifetime counters from the persistence repository
// on startup, before any live events have been processed.
func (m *Metrics) LoadCounters(c Counters) {
	m.mu.Lock()
	m.counters = c
	m.mu.Unlock()
}

// CountersSnapshot returns a copy of the raw counters, for the persistence
// sync loop's periodic SaveCounters calls.
func (m *Metrics) CountersSnapshot() Counters {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters
}

// LoadHistory seeds the ring from persisted snapshots on startup, truncating
// to the most recent SnapshotCapacity entries if the repository holds more.
func (m *Metrics) LoadHistory(snapshots []models.MetricsSnapshot) {
	if len(snapshots) > SnapshotCapacity {
		snapshots = snapshots[len(snapshots)-SnapshotCapacity:]
	}
	m.mu.Lock()
	m.snapshots = append([]models.MetricsSnapshot(nil), snapshots...)
	m.mu.Unlock()
}
