// Package pipeline is the Pipeline Store: the source of truth for the set of
// in-flight issues and their stage membership, using a map-plus-mutex with
// clone-on-read semantics, one bucket per pipeline stage, and an event
// published on every mutation.
package pipeline

import (
	"sync"
	"time"

	"github.com/hydraorch/hydra/pkg/eventbus"
	"github.com/hydraorch/hydra/pkg/models"
)

// Store holds, for each stage, an ordered set of issue snapshots. It
// exclusively owns the stage→issue buckets. Reads
// return value copies; writes go through its methods, each guarded by a
// single mutex — there is no separate command-channel goroutine because the
// store's critical sections are pure in-memory map operations with no I/O,
// so a mutex gives the same single-writer discipline without the
// indirection of a channel loop.
type Store struct {
	mu    sync.RWMutex
	bus   *eventbus.Bus
	order map[models.Stage][]int        // insertion order per stage, FIFO
	index map[int]*models.Issue         // issue number -> record
}

// New creates an empty Store that publishes pipeline_update events to bus.
func New(bus *eventbus.Bus) *Store {
	return &Store{
		bus:   bus,
		order: make(map[models.Stage][]int),
		index: make(map[int]*models.Issue),
	}
}

// Snapshot returns an atomic copy of every stage's issue list, ordered by
// enqueue time within each stage.
func (s *Store) Snapshot() map[models.Stage][]models.Issue {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[models.Stage][]models.Issue, len(s.order))
	for stage, ids := range s.order {
		list := make([]models.Issue, 0, len(ids))
		for _, id := range ids {
			if iss, ok := s.index[id]; ok {
				list = append(list, iss.Snapshot())
			}
		}
		out[stage] = list
	}
	return out
}

// Get returns a snapshot of a single issue, if present.
func (s *Store) Get(issue int) (models.Issue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	iss, ok := s.index[issue]
	if !ok {
		return models.Issue{}, false
	}
	return iss.Snapshot(), true
}

// QueueDepth returns the number of issues sitting in stage with the given
// status, used by the Scheduler to find admission candidates and by
// /api/queue.
func (s *Store) QueueDepth(stage models.Stage) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, id := range s.order[stage] {
		if iss := s.index[id]; iss != nil && iss.Status == models.IssueQueued {
			n++
		}
	}
	return n
}

// NextQueued returns the oldest queued issue in stage (FIFO by enqueue time,
// ties broken by ascending issue id), or false if none is queued.
func (s *Store) NextQueued(stage models.Stage) (models.Issue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// s.order already reflects enqueue order, which is FIFO by construction;
	// ties (never possible here since order is a slice, not a set) would
	// break on ascending issue id if they ever occurred.
	for _, id := range s.order[stage] {
		if iss := s.index[id]; iss != nil && iss.Status == models.IssueQueued {
			return iss.Snapshot(), true
		}
	}
	return models.Issue{}, false
}

// removeFromStageLocked removes issue from stage's order slice. Caller must
// hold s.mu for writing.
func (s *Store) removeFromStageLocked(stage models.Stage, issue int) {
	ids := s.order[stage]
	for i, id := range ids {
		if id == issue {
			s.order[stage] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

func (s *Store) findStageLocked(issue int) (models.Stage, bool) {
	if iss, ok := s.index[issue]; ok {
		return iss.Stage, true
	}
	return "", false
}

// Move atomically removes issue from fromStage (or wherever it currently is,
// if fromStage is empty) and inserts it into toStage with newStatus. If the
// target is merged and the issue is absent entirely, the move is allowed
// idempotently — a terminal merge is recorded regardless of prior
// observation.
func (s *Store) Move(issue int, fromStage, toStage models.Stage, newStatus models.IssueStatus) {
	s.mu.Lock()

	iss, existed := s.index[issue]
	actualFrom := fromStage
	if !existed {
		if toStage != models.StageMerged {
			// Nothing to move and this isn't the merged-idempotency escape
			// hatch: synthesize a bare record so the invariant (exactly one
			// stage) holds from here on.
			iss = &models.Issue{ID: issue}
			s.index[issue] = iss
		} else {
			iss = &models.Issue{ID: issue}
			s.index[issue] = iss
		}
	} else if fromStage == "" {
		actualFrom, _ = s.findStageLocked(issue)
	}

	if existed && actualFrom != "" {
		s.removeFromStageLocked(actualFrom, issue)
	}

	iss.Stage = toStage
	iss.Status = newStatus
	iss.UpdatedAt = time.Now()
	s.order[toStage] = append(s.order[toStage], issue)

	s.mu.Unlock()

	s.publish(issue, actualFrom, toStage, newStatus)
}

// SetStatus changes an issue's status in place without moving its stage.
func (s *Store) SetStatus(issue int, status models.IssueStatus) {
	s.mu.Lock()
	iss, ok := s.index[issue]
	if !ok {
		s.mu.Unlock()
		return
	}
	iss.Status = status
	iss.UpdatedAt = time.Now()
	stage := iss.Stage
	s.mu.Unlock()

	s.publish(issue, stage, stage, status)
}

// SetCause records the escalation cause and memory-suggestion flag on an
// issue already moved to hitl.
func (s *Store) SetCause(issue int, cause string, memorySuggestion bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if iss, ok := s.index[issue]; ok {
		iss.Cause = cause
		iss.MemorySuggestion = memorySuggestion
	}
}

// MarkReviewEscalated flags an issue as having been escalated to hitl out of
// review at least once, so a later review done is counted as a quality fix
// rather than a first-pass approval.
func (s *Store) MarkReviewEscalated(issue int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if iss, ok := s.index[issue]; ok {
		iss.ReviewEscalated = true
	}
}

// SetPR attaches a pull-request reference and branch to an issue.
func (s *Store) SetPR(issue int, pr models.PRRef, branch string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if iss, ok := s.index[issue]; ok {
		prCopy := pr
		iss.PR = &prCopy
		if branch != "" {
			iss.Branch = branch
		}
	}
}

// Upsert is used by reconciliation pollers: inserts issue at stage/status if
// absent, otherwise is a no-op unless the current state differs.
func (s *Store) Upsert(issue int, title, url string, stage models.Stage, status models.IssueStatus) {
	s.mu.Lock()
	if existing, ok := s.index[issue]; ok {
		if existing.Stage == stage && existing.Status == status {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.Move(issue, "", stage, status)
		return
	}
	s.index[issue] = &models.Issue{ID: issue, Title: title, URL: url, Stage: stage, Status: status}
	s.order[stage] = append(s.order[stage], issue)
	s.mu.Unlock()

	s.publish(issue, "", stage, status)
}

// RemoveClosed removes issue from the pipeline entirely, used when the host
// reports the issue closed outside of the pipeline's own lifecycle.
func (s *Store) RemoveClosed(issue int) {
	s.mu.Lock()
	stage, ok := s.findStageLocked(issue)
	if !ok {
		s.mu.Unlock()
		return
	}
	s.removeFromStageLocked(stage, issue)
	delete(s.index, issue)
	s.mu.Unlock()

	s.publish(issue, stage, "", models.IssueDone)
}

// PruneOlderThan drops every issue in stage whose last transition predates
// cutoff, returning the pruned issue numbers. Used by the retention
// background loop to age out settled merged issues; never called on a work
// stage, so it cannot violate the exactly-one-stage invariant for in-flight
// work.
func (s *Store) PruneOlderThan(stage models.Stage, cutoff time.Time) []int {
	s.mu.Lock()
	var pruned []int
	for _, id := range append([]int(nil), s.order[stage]...) {
		iss := s.index[id]
		if iss == nil || iss.UpdatedAt.After(cutoff) {
			continue
		}
		s.removeFromStageLocked(stage, id)
		delete(s.index, id)
		pruned = append(pruned, id)
	}
	s.mu.Unlock()
	return pruned
}

func (s *Store) publish(issue int, from, to models.Stage, status models.IssueStatus) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(models.EventPipelineUpdate, models.PipelineUpdatePayload{
		Issue: issue, From: from, To: to, Status: status,
	})
}
