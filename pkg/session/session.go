// Package session owns the orchestrator's current run interval — the
// stretch from an `orchestrator_status=running(reset=true)` event to the
// next idle/stopped, using a single-owner, mutex-guarded lifecycle-state
// idiom.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hydraorch/hydra/pkg/eventbus"
	"github.com/hydraorch/hydra/pkg/models"
)

// Resetter is implemented by the Metrics component; Start calls it when
// reset is requested so session-scoped counters begin from zero.
type Resetter interface {
	ResetSession()
}

// Session tracks the orchestrator's current run interval.
type Session struct {
	bus      *eventbus.Bus
	resetter Resetter

	mu        sync.RWMutex
	id        string
	status    string
	startedAt time.Time
	endedAt   time.Time
}

// New creates a Session in the idle state.
func New(bus *eventbus.Bus, resetter Resetter) *Session {
	return &Session{bus: bus, resetter: resetter, status: "idle"}
}

// Start begins a new run interval, publishing orchestrator_status=running.
// When reset is true the session id is regenerated and session-scoped
// metrics counters are zeroed.
func (s *Session) Start(reset bool) {
	s.mu.Lock()
	if reset || s.id == "" {
		s.id = uuid.New().String()
		s.startedAt = time.Now()
		s.endedAt = time.Time{}
	}
	s.status = "running"
	s.mu.Unlock()

	if reset && s.resetter != nil {
		s.resetter.ResetSession()
	}

	s.bus.Publish(models.EventOrchestratorStatus, models.OrchestratorStatusPayload{Status: "running", Reset: reset})
}

// Stop ends the run interval with the given terminal status ("idle",
// "stopped", "credits_paused", or "auth_failed"), retaining lifetime
// counters and event history.
func (s *Session) Stop(status string) {
	s.mu.Lock()
	s.status = status
	s.endedAt = time.Now()
	s.mu.Unlock()

	s.bus.Publish(models.EventOrchestratorStatus, models.OrchestratorStatusPayload{Status: status})
}

// Stopping publishes the transitional orchestrator_status=stopping state
// while worker sub-processes are being cancelled and drained.
func (s *Session) Stopping() {
	s.mu.Lock()
	s.status = "stopping"
	s.mu.Unlock()

	s.bus.Publish(models.EventOrchestratorStatus, models.OrchestratorStatusPayload{Status: "stopping"})
}

// Info is a snapshot of the session's current state, read by /api/stats.
type Info struct {
	ID        string
	Status    string
	StartedAt time.Time
	EndedAt   time.Time
}

// Snapshot returns the session's current state.
func (s *Session) Snapshot() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{ID: s.id, Status: s.status, StartedAt: s.startedAt, EndedAt: s.endedAt}
}
