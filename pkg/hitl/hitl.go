// Package hitl is the HITL Coordinator: detains stuck or escalated issues,
// exposes correction/skip/close/approve actions, and routes question-answer
// pairs to pending workers, using a mutex-guarded registry and an
// escalate-on-failure callback from the scheduler.
package hitl

import (
	"sync"

	"github.com/hydraorch/hydra/pkg/eventbus"
	"github.com/hydraorch/hydra/pkg/metrics"
	"github.com/hydraorch/hydra/pkg/models"
	"github.com/hydraorch/hydra/pkg/pipeline"
)

// Rescheduler is the subset of the Stage Scheduler the Coordinator needs: a
// way to re-admit an issue with attached feedback. Declared here rather than
// imported from pkg/scheduler so hitl has no dependency on scheduler's
// worker-pool wiring.
type Rescheduler interface {
	QueueFeedback(issue int, feedback string)
}

// HostCloser is implemented by the issue-host adapter; closing an issue is a
// best-effort call out to the external host.
type HostCloser interface {
	CloseIssue(issue int) error
}

// Notifier is implemented by the Notify component — a best-effort, non
// blocking Slack post on escalation.
type Notifier interface {
	NotifyHITLEscalation(issue int, title, cause string)
}

// Coordinator is the HITL Coordinator. It exclusively owns the HITL item
// set.
type Coordinator struct {
	store   *pipeline.Store
	bus     *eventbus.Bus
	sched   Rescheduler
	host    HostCloser
	notify  Notifier
	metrics *metrics.Metrics

	mu      sync.RWMutex
	items   map[int]*models.HITLItem
	answers map[int]string // pending human-input answers, GET /api/human-input
}

// New creates a Coordinator.
func New(store *pipeline.Store, bus *eventbus.Bus, sched Rescheduler, host HostCloser, notify Notifier) *Coordinator {
	return &Coordinator{
		store:   store,
		bus:     bus,
		sched:   sched,
		host:    host,
		notify:  notify,
		items:   make(map[int]*models.HITLItem),
		answers: make(map[int]string),
	}
}

// SetMetrics wires the Metrics component so escalations count toward
// hitl_escalations.
func (c *Coordinator) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// Escalate is called by the Scheduler (automatic path) on worker
// failure/explicit-escalation, and by the manual request-changes REST
// handler. Both paths create a HITLItem and publish hitl_escalation.
func (c *Coordinator) Escalate(issue int, cause string, memorySuggestion bool) {
	iss, _ := c.store.Get(issue)

	var fromStage models.Stage
	var prNumber int
	var prURL string
	if iss.PR != nil {
		prNumber = iss.PR.Number
		prURL = iss.PR.URL
	}
	if iss.Stage != models.StageHITL {
		fromStage = iss.Stage
	}

	item := &models.HITLItem{
		Issue:              issue,
		Title:              iss.Title,
		Branch:             iss.Branch,
		PR:                 prNumber,
		PRURL:              prURL,
		Status:             string(models.HITLPending),
		Cause:              cause,
		IsMemorySuggestion: memorySuggestion,
		FromStage:          fromStage,
	}

	c.mu.Lock()
	c.items[issue] = item
	c.mu.Unlock()

	if fromStage == models.StageReview {
		c.store.MarkReviewEscalated(issue)
	}
	c.store.Move(issue, iss.Stage, models.StageHITL, models.IssueHITL)
	c.store.SetCause(issue, cause, memorySuggestion)

	c.bus.Publish(models.EventHITLEscalation, models.HITLEscalationPayload{Issue: issue, PR: prNumber, Cause: cause})

	if c.metrics != nil {
		c.metrics.RecordHITLEscalation()
	}

	if c.notify != nil {
		c.notify.NotifyHITLEscalation(issue, iss.Title, cause)
	}
}

// List returns a snapshot of every currently open HITL item.
func (c *Coordinator) List() []models.HITLItem {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.HITLItem, 0, len(c.items))
	for _, item := range c.items {
		out = append(out, *item)
	}
	return out
}

// Retry attaches feedback as the agent's next input and re-admits the issue
// to the stage it escalated from. Transitions status processing -> resolved.
func (c *Coordinator) Retry(issue int, feedback string) bool {
	c.mu.Lock()
	item, ok := c.items[issue]
	if !ok {
		c.mu.Unlock()
		return false
	}
	item.Status = string(models.HITLProcessing)
	fromStage := item.FromStage
	if fromStage == "" {
		fromStage = models.StageTriage
	}
	delete(c.items, issue)
	c.mu.Unlock()

	c.bus.Publish(models.EventHITLUpdate, models.HITLUpdatePayload{Issue: issue, Action: "retry", Status: string(models.HITLProcessing)})

	c.sched.QueueFeedback(issue, feedback)
	c.store.Move(issue, models.StageHITL, fromStage, models.IssueQueued)

	c.bus.Publish(models.EventHITLUpdate, models.HITLUpdatePayload{Issue: issue, Action: "retry", Status: string(models.HITLResolved)})
	return true
}

// Skip detaches the issue from HITL and returns it to backlog (triage,
// queued) without feedback.
func (c *Coordinator) Skip(issue int) bool {
	c.mu.Lock()
	_, ok := c.items[issue]
	delete(c.items, issue)
	c.mu.Unlock()
	if !ok {
		return false
	}

	c.store.Move(issue, models.StageHITL, models.StageTriage, models.IssueQueued)
	c.bus.Publish(models.EventHITLUpdate, models.HITLUpdatePayload{Issue: issue, Action: "skip", Status: string(models.HITLResolved)})
	return true
}

// Close signals the host to close the issue and removes it from the
// pipeline. A host error is logged by the caller via the returned error but
// the issue is removed from the live set regardless — the host is the
// source of truth for issues, not a blocker on local bookkeeping.
func (c *Coordinator) Close(issue int) error {
	c.mu.Lock()
	delete(c.items, issue)
	c.mu.Unlock()

	c.store.RemoveClosed(issue)
	c.bus.Publish(models.EventHITLUpdate, models.HITLUpdatePayload{Issue: issue, Action: "close", Status: string(models.HITLResolved)})

	if c.host != nil {
		return c.host.CloseIssue(issue)
	}
	return nil
}

// ApproveAsMemory is the terminal approval for the memory-suggestion
// variant: it emits hitl_update with action=approved and removes the item,
// without re-admitting the issue anywhere.
func (c *Coordinator) ApproveAsMemory(issue int) bool {
	c.mu.Lock()
	_, ok := c.items[issue]
	delete(c.items, issue)
	c.mu.Unlock()
	if !ok {
		return false
	}

	c.store.RemoveClosed(issue)
	c.bus.Publish(models.EventHITLUpdate, models.HITLUpdatePayload{Issue: issue, Action: "approved", Status: string(models.HITLApproval)})
	return true
}

// Answer services an in-flight worker question, independent of escalation —
// the issue need not currently be in the hitl stage. Because the agent
// sub-process contract only accepts input at spawn time rather than a
// persistent interactive session, the answer is queued as feedback for the
// issue's next admission cycle rather than delivered mid-run; see
// DESIGN.md for this simplification.
func (c *Coordinator) Answer(issue int, answer string) {
	c.mu.Lock()
	c.answers[issue] = answer
	c.mu.Unlock()
	c.sched.QueueFeedback(issue, answer)
}

// PendingQuestions returns the current map of issue -> queued answer, for
// GET /api/human-input.
func (c *Coordinator) PendingQuestions() map[int]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int]string, len(c.answers))
	for k, v := range c.answers {
		out[k] = v
	}
	return out
}
