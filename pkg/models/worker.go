package models

import "time"

// Role identifies which pipeline stage a worker was spawned for.
type Role string

const (
	RoleTriage    Role = "triage"
	RolePlan      Role = "plan"
	RoleImplement Role = "implement"
	RoleReview    Role = "review"
)

// WorkerStatus is the stage-specific status set a worker's lifecycle moves
// through. Transitions are monotonic and terminate in exactly one of
// {done, failed, escalated}.
type WorkerStatus string

const (
	WorkerQueued     WorkerStatus = "queued"
	WorkerRunning    WorkerStatus = "running"
	WorkerPlanning   WorkerStatus = "planning"
	WorkerTesting    WorkerStatus = "testing"
	WorkerCommitting WorkerStatus = "committing"
	WorkerReviewing  WorkerStatus = "reviewing"
	WorkerQualityFix WorkerStatus = "quality_fix"
	WorkerDone       WorkerStatus = "done"
	WorkerFailed     WorkerStatus = "failed"
	WorkerEscalated  WorkerStatus = "escalated"
)

// IsTerminal reports whether s is one of the three statuses a worker's
// lifecycle must end in.
func (s WorkerStatus) IsTerminal() bool {
	switch s {
	case WorkerDone, WorkerFailed, WorkerEscalated:
		return true
	default:
		return false
	}
}

// WorkerKey is the stable composite key identifying a worker: "triage-<issue>",
// "plan-<issue>", "<issue>" for implement, "review-<pr>".
type WorkerKey string

// Worker is an active or recently-completed agent sub-process. The Worker
// Pool exclusively owns its mutable fields; every other component receives
// immutable snapshots.
type Worker struct {
	Key        WorkerKey    `json:"key"`
	Role       Role         `json:"role"`
	Issue      int          `json:"issue"`
	Status     WorkerStatus `json:"status"`
	StartTime  time.Time    `json:"startTime"`
	EndTime    time.Time    `json:"endTime,omitempty"`
	Transcript []string     `json:"transcript"`
	PR         *PRRef       `json:"pr,omitempty"`
}

// Snapshot returns a value copy with its own transcript slice, safe to read
// outside the Worker Pool's owning goroutine.
func (w Worker) Snapshot() Worker {
	t := make([]string, len(w.Transcript))
	copy(t, w.Transcript)
	w.Transcript = t
	if w.PR != nil {
		pr := *w.PR
		w.PR = &pr
	}
	return w
}

// MaxTranscriptLines bounds the rolling per-worker transcript retained for
// inspection.
const MaxTranscriptLines = 2000
