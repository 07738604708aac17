// Package workerpool is the Worker Pool component: one bounded pool per
// pipeline stage, each a counted-semaphore gate on top of a supervised
// sub-process spawner that runs `os/exec` agent sub-processes, tracks them
// in a cancel registry, and reports health.
package workerpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hydraorch/hydra/pkg/eventbus"
	"github.com/hydraorch/hydra/pkg/models"
	"github.com/hydraorch/hydra/pkg/redact"
)

// Completion is delivered on a pool's Completions channel when a worker
// reaches a terminal status. The Stage Scheduler reads this channel to
// avoid races.
type Completion struct {
	Stage  models.Stage
	Issue  int
	Key    models.WorkerKey
	Status models.WorkerStatus
	PR     *models.PRRef
	Branch string
	Cause  string

	// Announce publishes this worker's terminal status update. It is handed
	// to the caller rather than fired eagerly so the Scheduler can publish
	// its own stage-specific event (pr_created, hitl_escalation) first and
	// have the worker's status update land after it, matching the documented
	// event order. Always non-nil; safe to call unconditionally.
	Announce func()
}

// Config parameterizes a Pool.
type Config struct {
	Stage        models.Stage
	Cap          int
	AgentCommand string
	Timeout      time.Duration // hard per-session timeout
	CancelGrace  time.Duration // SIGTERM-to-SIGKILL grace period
}

// Pool is the Worker Pool for a single stage.
type Pool struct {
	cfg      Config
	bus      *eventbus.Bus
	redactor *redact.Redactor
	spawner  subprocessSpawner

	mu      sync.RWMutex
	active  int
	workers map[models.WorkerKey]*models.Worker
	cancels map[models.WorkerKey]context.CancelFunc

	completions chan Completion
	logger      *slog.Logger
}

// New creates a Pool. redactor may be nil, in which case transcript lines
// pass through unmodified.
func New(cfg Config, bus *eventbus.Bus, redactor *redact.Redactor) *Pool {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if cfg.CancelGrace == 0 {
		cfg.CancelGrace = 10 * time.Second
	}
	return &Pool{
		cfg:         cfg,
		bus:         bus,
		redactor:    redactor,
		spawner:     execSpawner{},
		workers:     make(map[models.WorkerKey]*models.Worker),
		cancels:     make(map[models.WorkerKey]context.CancelFunc),
		completions: make(chan Completion, 64),
		logger:      slog.Default().With("component", "workerpool", "stage", cfg.Stage),
	}
}

// Cap returns the stage's configured concurrency cap.
func (p *Pool) Cap() int {
	return p.cfg.Cap
}

// ActiveCount returns the number of currently running workers in this pool,
// used by the Scheduler's admission algorithm to respect §4.3's cap.
func (p *Pool) ActiveCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active
}

// Completions returns the channel of terminal worker notifications.
func (p *Pool) Completions() <-chan Completion {
	return p.completions
}

// WorkerKey builds the stable composite key for a stage/issue/pr triple:
// "triage-<issue>", "plan-<issue>", "<issue>" for implement, "review-<pr>".
func WorkerKey(stage models.Stage, issue, pr int) models.WorkerKey {
	switch stage {
	case models.StageTriage:
		return models.WorkerKey(fmt.Sprintf("triage-%d", issue))
	case models.StagePlan:
		return models.WorkerKey(fmt.Sprintf("plan-%d", issue))
	case models.StageReview:
		return models.WorkerKey(fmt.Sprintf("review-%d", pr))
	default: // implement
		return models.WorkerKey(fmt.Sprintf("%d", issue))
	}
}

// roleFor maps a stage to the Role stamped on its worker records.
func roleFor(stage models.Stage) models.Role {
	switch stage {
	case models.StageTriage:
		return models.RoleTriage
	case models.StagePlan:
		return models.RolePlan
	case models.StageReview:
		return models.RoleReview
	default:
		return models.RoleImplement
	}
}

// SpawnInput carries the input handed to the agent sub-process on stdin.
type SpawnInput struct {
	Issue    int    `json:"issue_number"`
	Branch   string `json:"branch,omitempty"`
	Feedback string `json:"feedback,omitempty"`
}

// TrySpawn admits issue into the pool if the stage's cap has headroom. It
// returns ok=false without side effects when the pool is already at
// capacity — the caller (Scheduler) keeps the issue queued for the next
// tick. On admission it starts the sub-process asynchronously and returns
// immediately with the worker's key.
func (p *Pool) TrySpawn(ctx context.Context, issue int, pr int, in SpawnInput) (models.WorkerKey, bool) {
	p.mu.Lock()
	if p.active >= p.cfg.Cap {
		p.mu.Unlock()
		return "", false
	}
	p.active++
	key := WorkerKey(p.cfg.Stage, issue, pr)
	w := &models.Worker{
		Key:       key,
		Role:      roleFor(p.cfg.Stage),
		Issue:     issue,
		Status:    models.WorkerRunning,
		StartTime: time.Now(),
	}
	p.workers[key] = w
	workerCtx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
	p.cancels[key] = cancel
	p.mu.Unlock()

	p.publishStatus(w)
	go p.run(workerCtx, cancel, key, in)

	return key, true
}

// Status returns an immutable snapshot of a worker's current record.
func (p *Pool) Status(key models.WorkerKey) (models.Worker, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	w, ok := p.workers[key]
	if !ok {
		return models.Worker{}, false
	}
	return w.Snapshot(), true
}

// Cancel requests graceful termination of a worker: SIGTERM immediately,
// SIGKILL after the pool's configured grace period. Returns false if the
// worker is not currently active.
func (p *Pool) Cancel(key models.WorkerKey) bool {
	p.mu.RLock()
	cancel, ok := p.cancels[key]
	p.mu.RUnlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Snapshot returns an immutable copy of every worker record this pool
// currently knows about (active and recently-terminal), for GET
// /api/system/workers and orchestrator shutdown.
func (p *Pool) Snapshot() []models.Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]models.Worker, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.Snapshot())
	}
	return out
}

// CancelAll requests graceful termination of every currently active worker
// in the pool, used by the orchestrator's global stop sequence, which
// cancels all worker sub-processes with a 10s grace period.
func (p *Pool) CancelAll() {
	p.mu.RLock()
	cancels := make([]context.CancelFunc, 0, len(p.cancels))
	for _, cancel := range p.cancels {
		cancels = append(cancels, cancel)
	}
	p.mu.RUnlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (p *Pool) publishStatus(w *models.Worker) {
	if p.bus == nil {
		return
	}
	var kind models.EventKind
	switch p.cfg.Stage {
	case models.StageTriage:
		kind = models.EventTriageUpdate
	case models.StagePlan:
		kind = models.EventPlannerUpdate
	case models.StageReview:
		kind = models.EventReviewUpdate
	default:
		kind = models.EventWorkerUpdate
	}
	payload := models.StageUpdatePayload{Issue: w.Issue, Status: w.Status, Worker: w.Key, Role: w.Role}
	if w.PR != nil {
		payload.PR = w.PR.Number
	}
	p.bus.Publish(kind, payload)
}

func (p *Pool) appendTranscriptLine(key models.WorkerKey, source, line string) {
	redacted := line
	if p.redactor != nil {
		redacted = p.redactor.Line(line)
	}

	p.mu.Lock()
	w, ok := p.workers[key]
	if ok {
		w.Transcript = append(w.Transcript, redacted)
		if len(w.Transcript) > models.MaxTranscriptLines {
			w.Transcript = w.Transcript[len(w.Transcript)-models.MaxTranscriptLines:]
		}
	}
	issue := 0
	if ok {
		issue = w.Issue
	}
	p.mu.Unlock()

	if p.bus != nil {
		p.bus.Publish(models.EventTranscriptLine, models.TranscriptLinePayload{Issue: issue, Source: string(key), Line: redacted})
	}
}

func (p *Pool) run(ctx context.Context, cancel context.CancelFunc, key models.WorkerKey, in SpawnInput) {
	defer cancel()

	onLine := func(source, line string) {
		p.appendTranscriptLine(key, source, line)
	}
	onStatus := func(status models.WorkerStatus) {
		p.mu.Lock()
		w, ok := p.workers[key]
		if ok {
			w.Status = status
		}
		p.mu.Unlock()
		if ok {
			p.publishStatus(w)
		}
	}

	result := p.spawner.run(ctx, p.cfg.AgentCommand, in, onLine, onStatus)
	p.finish(key, result)
}

func (p *Pool) finish(key models.WorkerKey, result terminalResult) {
	p.mu.Lock()
	w, ok := p.workers[key]
	if ok {
		w.Status = result.Status
		w.EndTime = time.Now()
		if result.PR != nil {
			w.PR = result.PR
		}
	}
	delete(p.cancels, key)
	p.active--
	issue := 0
	if ok {
		issue = w.Issue
	}
	p.mu.Unlock()

	announce := func() {}
	if ok {
		announce = func() { p.publishStatus(w) }
	}

	p.completions <- Completion{
		Stage:    p.cfg.Stage,
		Issue:    issue,
		Key:      key,
		Status:   result.Status,
		PR:       result.PR,
		Branch:   result.Branch,
		Cause:    result.Cause,
		Announce: announce,
	}
}
