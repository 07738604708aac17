// Package background runs the orchestrator's periodic pollers: pr-merge
// watcher, ci-status watcher, pipeline-reconciler, lifetime-stats,
// metrics-snapshot, and retention. Each is independently toggleable and
// reports a heartbeat, scheduled via github.com/robfig/cron/v3 rather than
// six hand-rolled tickers.
package background

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hydraorch/hydra/pkg/eventbus"
	"github.com/hydraorch/hydra/pkg/issuehost"
	"github.com/hydraorch/hydra/pkg/metrics"
	"github.com/hydraorch/hydra/pkg/models"
	"github.com/hydraorch/hydra/pkg/pipeline"
)

// Names of the six loops, used as both cron job labels and the enabled-map
// key so /api/control/background can toggle by name.
const (
	NamePRMergeWatcher     = "pr-merge-watcher"
	NameCIStatusWatcher    = "ci-status-watcher"
	NamePipelineReconciler = "pipeline-reconciler"
	NameLifetimeStats      = "lifetime-stats"
	NameMetricsSnapshot    = "metrics-snapshot"
	NameRetention          = "retention"
)

// Config parameterizes the six loops' cadences and retention policy. Zero
// values fall back to the package defaults in New.
type Config struct {
	PRMergeInterval         time.Duration
	CIStatusInterval        time.Duration
	ReconcileInterval       time.Duration
	LifetimeStatsInterval   time.Duration
	MetricsSnapshotInterval time.Duration
	RetentionInterval       time.Duration
	ClosedIssueRetention    time.Duration
	LabelFilter             string
}

func (c *Config) applyDefaults() {
	if c.PRMergeInterval == 0 {
		c.PRMergeInterval = 15 * time.Second
	}
	if c.CIStatusInterval == 0 {
		c.CIStatusInterval = 30 * time.Second
	}
	if c.ReconcileInterval == 0 {
		c.ReconcileInterval = 60 * time.Second
	}
	if c.LifetimeStatsInterval == 0 {
		c.LifetimeStatsInterval = 60 * time.Second
	}
	if c.MetricsSnapshotInterval == 0 {
		c.MetricsSnapshotInterval = 5 * time.Minute
	}
	if c.RetentionInterval == 0 {
		c.RetentionInterval = 12 * time.Hour
	}
	if c.ClosedIssueRetention == 0 {
		c.ClosedIssueRetention = 30 * 24 * time.Hour
	}
}

// Escalator is implemented by the HITL Coordinator; the ci-status watcher
// calls it when CI fails on a PR that isn't already merging.
type Escalator interface {
	Escalate(issue int, cause string, memorySuggestion bool)
}

// Notifier is implemented by the Notify component.
type Notifier interface {
	NotifyMerge(issue, pr int, url string)
}

// Loops owns the six background pollers.
type Loops struct {
	cfg      Config
	store    *pipeline.Store
	bus      *eventbus.Bus
	host     issuehost.Host
	metrics  *metrics.Metrics
	notify   Notifier
	escalate Escalator

	cron    *cron.Cron
	ctx     context.Context
	entries map[string]cron.EntryID
	jobs    map[string]func(ctx context.Context) error

	mu        sync.RWMutex
	enabled   map[string]bool
	health    map[string]models.BackgroundWorkerStatusPayload
	intervals map[string]time.Duration

	logger *slog.Logger
}

// New creates a Loops with every loop enabled by default.
func New(cfg Config, store *pipeline.Store, bus *eventbus.Bus, host issuehost.Host, m *metrics.Metrics) *Loops {
	cfg.applyDefaults()
	names := []string{NamePRMergeWatcher, NameCIStatusWatcher, NamePipelineReconciler, NameLifetimeStats, NameMetricsSnapshot, NameRetention}
	enabled := make(map[string]bool, len(names))
	for _, n := range names {
		enabled[n] = true
	}
	return &Loops{
		cfg:     cfg,
		store:   store,
		bus:     bus,
		host:    host,
		metrics: m,
		enabled: enabled,
		health:  make(map[string]models.BackgroundWorkerStatusPayload),
		intervals: map[string]time.Duration{
			NamePRMergeWatcher:     cfg.PRMergeInterval,
			NameCIStatusWatcher:    cfg.CIStatusInterval,
			NamePipelineReconciler: cfg.ReconcileInterval,
			NameLifetimeStats:      cfg.LifetimeStatsInterval,
			NameMetricsSnapshot:    cfg.MetricsSnapshotInterval,
			NameRetention:          cfg.RetentionInterval,
		},
		entries: make(map[string]cron.EntryID),
		jobs:    make(map[string]func(ctx context.Context) error),
		logger:  slog.Default().With("component", "background"),
	}
}

// SetEscalator wires the HITL Coordinator's escalation callback.
func (l *Loops) SetEscalator(e Escalator) { l.escalate = e }

// SetNotifier wires the Notify component's merge notification.
func (l *Loops) SetNotifier(n Notifier) { l.notify = n }

// SetEnabled toggles one loop by name; a disabled loop's next tick is a
// no-op (heartbeat status=disabled) rather than unscheduled, so re-enabling
// takes effect on the very next tick.
func (l *Loops) SetEnabled(name string, enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled[name] = enabled
}

func (l *Loops) isEnabled(name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.enabled[name]
}

// Health returns a snapshot of every loop's last heartbeat.
func (l *Loops) Health() map[string]models.BackgroundWorkerStatusPayload {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]models.BackgroundWorkerStatusPayload, len(l.health))
	for k, v := range l.health {
		out[k] = v
	}
	return out
}

func (l *Loops) heartbeat(name, status, details string) {
	payload := models.BackgroundWorkerStatusPayload{
		Name:    name,
		Status:  status,
		LastRun: time.Now().Format(time.RFC3339),
		Details: details,
	}
	l.mu.Lock()
	l.health[name] = payload
	l.mu.Unlock()
	if l.bus != nil {
		l.bus.Publish(models.EventBackgroundWorkerStatus, payload)
	}
}

// run wraps a loop body with the enabled-check and heartbeat reporting
// common to all six jobs.
func (l *Loops) run(ctx context.Context, name string, fn func(ctx context.Context) error) {
	if !l.isEnabled(name) {
		l.heartbeat(name, "disabled", "")
		return
	}
	if err := fn(ctx); err != nil {
		l.logger.Error("background loop failed", "loop", name, "error", err)
		l.heartbeat(name, "error", err.Error())
		return
	}
	l.heartbeat(name, "ok", "")
}

// heartbeatInterval is how often each loop's last-known status is
// re-published, independent of that loop's own run interval — without this a
// loop scheduled hours apart (e.g. retention) would only ever report
// liveness on its own rare cadence.
const heartbeatInterval = 30 * time.Second

// Start schedules all six loops onto a cron instance and begins running it.
func (l *Loops) Start(ctx context.Context) {
	l.ctx = ctx
	l.cron = cron.New()
	l.jobs = map[string]func(ctx context.Context) error{
		NamePRMergeWatcher:     l.watchPRMerges,
		NameCIStatusWatcher:    l.watchCIStatus,
		NamePipelineReconciler: l.reconcilePipeline,
		NameLifetimeStats:      l.publishLifetimeStats,
		NameMetricsSnapshot:    l.snapshotMetrics,
		NameRetention:          l.runRetention,
	}
	for name, fn := range l.jobs {
		l.scheduleLocked(name, fn)
	}
	if _, err := l.cron.AddFunc(every(heartbeatInterval), l.reportHeartbeats); err != nil {
		l.logger.Error("heartbeat schedule failed", "error", err)
	}
	l.cron.Start()
}

// reportHeartbeats re-publishes every loop's last recorded status on the
// shared heartbeat cadence, so a loop's own run interval never bounds how
// often its liveness is visible to subscribers.
func (l *Loops) reportHeartbeats() {
	l.mu.RLock()
	statuses := make([]models.BackgroundWorkerStatusPayload, 0, len(l.health))
	for _, payload := range l.health {
		statuses = append(statuses, payload)
	}
	l.mu.RUnlock()

	if l.bus == nil {
		return
	}
	for _, payload := range statuses {
		l.bus.Publish(models.EventBackgroundWorkerStatus, payload)
	}
}

// Stop halts the cron scheduler and waits for any in-flight job to finish.
func (l *Loops) Stop() {
	if l.cron == nil {
		return
	}
	<-l.cron.Stop().Done()
}

// scheduleLocked registers fn with the cron instance under the interval
// currently recorded for name, replacing any previous entry for it.
func (l *Loops) scheduleLocked(name string, fn func(ctx context.Context) error) {
	l.mu.RLock()
	d := l.intervals[name]
	l.mu.RUnlock()

	id, err := l.cron.AddFunc(every(d), func() { l.run(l.ctx, name, fn) })
	if err != nil {
		l.logger.Error("background loop schedule failed", "loop", name, "error", err)
		return
	}
	l.mu.Lock()
	l.entries[name] = id
	l.mu.Unlock()
}

// SetInterval changes a loop's cadence, taking effect on its next tick. A
// name unknown to the scheduler (or before Start) is a no-op.
func (l *Loops) SetInterval(name string, d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	l.intervals[name] = d
	entryID, scheduled := l.entries[name]
	l.mu.Unlock()

	if l.cron == nil {
		return
	}
	if scheduled {
		l.cron.Remove(entryID)
	}
	if fn, ok := l.jobs[name]; ok {
		l.scheduleLocked(name, fn)
	}
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// watchPRMerges polls every PR currently in review for merge state; once
// merged it publishes merge_update and moves the issue to merged.
func (l *Loops) watchPRMerges(ctx context.Context) error {
	for _, iss := range l.store.Snapshot()[models.StageReview] {
		if iss.PR == nil {
			continue
		}
		state, err := l.host.GetPullRequest(ctx, iss.PR.Number)
		if err != nil {
			l.logger.Warn("pr-merge watcher: fetch failed", "pr", iss.PR.Number, "error", err)
			continue
		}
		if !state.Merged {
			continue
		}
		l.bus.Publish(models.EventMergeUpdate, models.MergeUpdatePayload{PR: iss.PR.Number, Status: "merged"})
		l.store.Move(iss.ID, models.StageReview, models.StageMerged, models.IssueDone)
		if l.metrics != nil {
			l.metrics.RecordMerge()
		}
		if l.notify != nil {
			l.notify.NotifyMerge(iss.ID, iss.PR.Number, iss.PR.URL)
		}
	}
	return nil
}

// watchCIStatus polls CI for every PR in review and escalates to HITL on
// failure.
func (l *Loops) watchCIStatus(ctx context.Context) error {
	for _, iss := range l.store.Snapshot()[models.StageReview] {
		if iss.PR == nil {
			continue
		}
		status, err := l.host.CIStatusForPR(ctx, iss.PR.Number)
		if err != nil {
			l.logger.Warn("ci-status watcher: fetch failed", "pr", iss.PR.Number, "error", err)
			continue
		}
		if status == issuehost.CIFailure && l.escalate != nil {
			l.escalate.Escalate(iss.ID, "ci-failed", false)
		}
	}
	return nil
}

// reconcilePipeline pulls the host's open issue list and upserts any issue
// unknown to the Pipeline Store into triage/queued.
func (l *Loops) reconcilePipeline(ctx context.Context) error {
	issues, err := l.host.ListIssues(ctx, l.cfg.LabelFilter)
	if err != nil {
		return err
	}
	for _, iss := range issues {
		if _, known := l.store.Get(iss.Number); known {
			continue
		}
		l.store.Upsert(iss.Number, iss.Title, iss.URL, models.StageTriage, models.IssueQueued)
	}
	return nil
}

// publishLifetimeStats recomputes current derived rates at a faster cadence
// than the ring-buffered snapshot, without appending to the ring.
func (l *Loops) publishLifetimeStats(ctx context.Context) error {
	if l.metrics == nil {
		return nil
	}
	snap := l.metrics.Snapshot(time.Now().Format(time.RFC3339))
	l.bus.Publish(models.EventMetricsUpdate, models.MetricsUpdatePayload{Snapshot: snap})
	return nil
}

// snapshotMetrics appends a ring-buffered snapshot every 5 minutes.
func (l *Loops) snapshotMetrics(ctx context.Context) error {
	if l.metrics == nil {
		return nil
	}
	l.metrics.TakeSnapshot(time.Now().Format(time.RFC3339))
	return nil
}

// runRetention trims merged issue history beyond ClosedIssueRetention. It
// only ever prunes the merged stage — a terminal, non-work stage — so it
// cannot violate the exactly-one-stage invariant for in-flight issues.
func (l *Loops) runRetention(ctx context.Context) error {
	cutoff := time.Now().Add(-l.cfg.ClosedIssueRetention)
	pruned := l.store.PruneOlderThan(models.StageMerged, cutoff)
	if len(pruned) > 0 {
		l.logger.Info("retention: pruned settled merged issues", "count", len(pruned))
	}
	return nil
}
