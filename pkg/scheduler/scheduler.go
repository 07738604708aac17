// Package scheduler is the Stage Scheduler: for each stage, keeps the set of
// active workers at or below its configured cap, draining the stage's
// queued issues in FIFO order via a jittered ticker-driven admission loop,
// with each of the four stages independently capped and toggleable.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/hydraorch/hydra/pkg/eventbus"
	"github.com/hydraorch/hydra/pkg/metrics"
	"github.com/hydraorch/hydra/pkg/models"
	"github.com/hydraorch/hydra/pkg/pipeline"
	"github.com/hydraorch/hydra/pkg/workerpool"
)

// tickMin/tickMax bound the admission loop's jittered interval to 200-500ms.
const (
	tickMin = 200 * time.Millisecond
	tickMax = 500 * time.Millisecond
)

// StageConfig names the cap and initial enabled state for one stage.
type StageConfig struct {
	Cap     int
	Enabled bool
}

// Scheduler is the Stage Scheduler. Its loop is single-threaded over its own
// state: admission ticks and worker-completion notifications are both
// handled on the same goroutine, so there is never a race on stage
// enablement, feedback, or the "dominant stage" phase computation.
type Scheduler struct {
	store   *pipeline.Store
	bus     *eventbus.Bus
	pools   map[models.Stage]*workerpool.Pool
	metrics *metrics.Metrics

	mu       sync.RWMutex
	enabled  map[models.Stage]bool
	feedback map[int]string // pending feedback keyed by issue, consumed on next admission

	escalate func(issue int, stage models.Stage, cause string)
	merge    func(issue, pr int, branch string)

	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	batch       int
	phase       models.Stage
	logger      *slog.Logger
}

// Escalator is implemented by the HITL Coordinator; the Scheduler calls it
// on worker failure/explicit-escalation rather than importing the hitl
// package directly, avoiding a cyclic dependency (hitl re-admits through the
// Store, which the Scheduler also reads — not through the Scheduler).
type Escalator interface {
	Escalate(issue int, cause string, memorySuggestion bool)
}

// New creates a Scheduler over the given pools (one per work stage) and
// pipeline Store.
func New(store *pipeline.Store, bus *eventbus.Bus, pools map[models.Stage]*workerpool.Pool, cfg map[models.Stage]StageConfig) *Scheduler {
	enabled := make(map[models.Stage]bool, len(cfg))
	for stage, c := range cfg {
		enabled[stage] = c.Enabled
	}
	return &Scheduler{
		store:    store,
		bus:      bus,
		pools:    pools,
		enabled:  enabled,
		feedback: make(map[int]string),
		stopCh:   make(chan struct{}),
		logger:   slog.Default().With("component", "scheduler"),
	}
}

// SetEscalator wires the HITL Coordinator's escalation callback. Must be
// called before Start.
func (s *Scheduler) SetEscalator(e Escalator) {
	s.escalate = func(issue int, stage models.Stage, cause string) {
		e.Escalate(issue, cause, false)
	}
}

// SetMetrics wires the Metrics component so admission and completion
// handling can record the counters the derived rates depend on.
func (s *Scheduler) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// SetMergeNotifier wires a callback invoked when an implement worker reports
// done with a PR attached, so the pr-merge watcher background loop can start
// tracking it immediately rather than waiting for its own reconciliation
// pass.
func (s *Scheduler) SetMergeNotifier(fn func(issue, pr int, branch string)) {
	s.merge = fn
}

// SetEnabled toggles a stage's admission gate. Existing workers always run
// to completion regardless of this flag.
func (s *Scheduler) SetEnabled(stage models.Stage, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled[stage] = enabled
}

// IsEnabled reports whether a stage currently admits new work.
func (s *Scheduler) IsEnabled(stage models.Stage) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled[stage]
}

// QueueFeedback attaches feedback to be handed to the next worker spawned
// for issue — used by HITL retry/answer.
func (s *Scheduler) QueueFeedback(issue int, feedback string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback[issue] = feedback
}

// Start launches the admission loop and a completion-draining loop per pool.
func (s *Scheduler) Start(ctx context.Context) {
	s.bus.Publish(models.EventOrchestratorStatus, models.OrchestratorStatusPayload{Status: "running", Reset: true})

	for stage, pool := range s.pools {
		s.wg.Add(1)
		go s.drainCompletions(ctx, stage, pool)
	}

	s.wg.Add(1)
	go s.tickLoop(ctx)
}

// Stop emits stopping, cancels all active workers with each pool's own
// grace period, drains pending completions, then emits idle.
func (s *Scheduler) Stop() {
	s.bus.Publish(models.EventOrchestratorStatus, models.OrchestratorStatusPayload{Status: "stopping"})
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.bus.Publish(models.EventOrchestratorStatus, models.OrchestratorStatusPayload{Status: "idle"})
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		d := tickMin + time.Duration(rand.Int64N(int64(tickMax-tickMin)))
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(d):
			s.admitOnce()
		}
	}
}

// admitOnce runs one admission cycle across all four work stages: for each
// enabled stage, admit queued issues while the pool has headroom.
func (s *Scheduler) admitOnce() {
	s.batch++
	counts := map[models.Stage]int{}
	s.bus.Publish(models.EventBatchStart, models.BatchPayload{Batch: s.batch})

	for _, stage := range models.WorkStages {
		if !s.IsEnabled(stage) {
			continue
		}
		pool := s.pools[stage]
		if pool == nil {
			continue
		}
		for pool.ActiveCount() < pool.Cap() {
			issue, ok := s.store.NextQueued(stage)
			if !ok {
				break
			}
			s.store.SetStatus(issue.ID, models.IssueActive)

			s.mu.Lock()
			fb := s.feedback[issue.ID]
			delete(s.feedback, issue.ID)
			s.mu.Unlock()

			pr := 0
			if issue.PR != nil {
				pr = issue.PR.Number
			}
			_, admitted := pool.TrySpawn(context.Background(), issue.ID, pr, workerpool.SpawnInput{
				Issue: issue.ID, Branch: issue.Branch, Feedback: fb,
			})
			if !admitted {
				break
			}
			counts[stage]++
			if s.metrics != nil {
				s.metrics.IncIssuesAdmitted()
				if stage == models.StageReview {
					s.metrics.IncReviewsTotal()
				}
			}
		}
	}

	s.updatePhase()
	s.bus.Publish(models.EventBatchComplete, models.BatchPayload{Batch: s.batch, Counts: counts})
}

// updatePhase recomputes the dominant active stage (the one with the most
// active workers) and emits phase_change if it flipped.
func (s *Scheduler) updatePhase() {
	var dominant models.Stage
	max := 0
	for _, stage := range models.WorkStages {
		if pool := s.pools[stage]; pool != nil {
			if n := pool.ActiveCount(); n > max {
				max = n
				dominant = stage
			}
		}
	}
	if dominant != "" && dominant != s.phase {
		s.phase = dominant
		s.bus.Publish(models.EventPhaseChange, models.PhaseChangePayload{Phase: dominant})
	}
}

// drainCompletions reads one pool's Completions channel and applies the
// scheduler's completion rules.
func (s *Scheduler) drainCompletions(ctx context.Context, stage models.Stage, pool *workerpool.Pool) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case c := <-pool.Completions():
			s.handleCompletion(stage, c)
		}
	}
}

func (s *Scheduler) handleCompletion(stage models.Stage, c workerpool.Completion) {
	switch c.Status {
	case models.WorkerDone:
		s.handleDone(stage, c)
	case models.WorkerFailed:
		c.Announce()
		if s.escalate != nil {
			s.escalate(c.Issue, stage, models.FromStage(stage))
		}
	case models.WorkerEscalated:
		c.Announce()
		if s.escalate != nil {
			cause := c.Cause
			if cause == "" {
				cause = models.FromStage(stage)
			}
			s.escalate(c.Issue, stage, cause)
		}
	}
	s.updatePhase()
}

func (s *Scheduler) handleDone(stage models.Stage, c workerpool.Completion) {
	switch stage {
	case models.StageImplement:
		if c.PR == nil {
			// SchemaViolation: implementers must emit pr_created before
			// done. Treat as an agent crash and escalate.
			c.Announce()
			if s.escalate != nil {
				s.escalate(c.Issue, stage, "schema-violation: implement done without pr")
			}
			return
		}
		s.store.SetPR(c.Issue, *c.PR, c.Branch)
		// pr_created is published before the worker's own status update
		// reaches done, so subscribers see the PR exist before the worker
		// that produced it is reported finished.
		s.bus.Publish(models.EventPRCreated, models.PRCreatedPayload{PR: c.PR.Number, Issue: c.Issue, URL: c.PR.URL})
		c.Announce()
		s.store.Move(c.Issue, stage, models.StageReview, models.IssueQueued)
		if s.metrics != nil {
			s.metrics.RecordPROpened()
			s.metrics.IncImplementations()
		}
	case models.StageReview:
		c.Announce()
		// Terminal done out of review does not itself move the issue to
		// merged — the pr-merge watcher background loop confirms the actual
		// host-side merge and performs that move.
		wasReviewEscalated := false
		if iss, ok := s.store.Get(c.Issue); ok {
			wasReviewEscalated = iss.ReviewEscalated
		}
		s.store.SetStatus(c.Issue, models.IssueDone)
		pr := c.PR
		if pr == nil {
			if iss, ok := s.store.Get(c.Issue); ok {
				pr = iss.PR
			}
		}
		if s.merge != nil && pr != nil {
			s.merge(c.Issue, pr.Number, c.Branch)
		}
		if s.metrics != nil {
			if wasReviewEscalated {
				s.metrics.RecordQualityFix()
			} else {
				s.metrics.RecordFirstPassApproval()
			}
		}
	default: // triage, plan
		c.Announce()
		next := nextStage(stage)
		s.store.Move(c.Issue, stage, next, models.IssueQueued)
	}
}

func nextStage(s models.Stage) models.Stage {
	switch s {
	case models.StageTriage:
		return models.StagePlan
	case models.StagePlan:
		return models.StageImplement
	default:
		return models.StageReview
	}
}
