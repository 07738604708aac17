package api

import (
	"github.com/hydraorch/hydra/pkg/metrics"
	"github.com/hydraorch/hydra/pkg/models"
)

// submitIntentResponse is returned by POST /api/intent.
type submitIntentResponse struct {
	IssueNumber int `json:"issue_number"`
}

// pipelineResponse is returned by GET /api/pipeline.
type pipelineResponse struct {
	Stages map[models.Stage][]models.Issue `json:"stages"`
}

// controlStatusResponse is returned by GET /api/control/status.
type controlStatusResponse struct {
	Status string     `json:"status"`
	Config configView `json:"config"`
}

// configView is the subset of configuration safe to expose over the API —
// no tokens, no DSNs.
type configView struct {
	Stages     map[models.Stage]stageView `json:"stages"`
	ListenAddr string                     `json:"listenAddr"`
}

type stageView struct {
	Cap     int  `json:"cap"`
	Enabled bool `json:"enabled"`
}

// queueResponse is returned by GET /api/queue.
type queueResponse struct {
	Depths map[models.Stage]int `json:"depths"`
}

// statsResponse is returned by GET /api/stats.
type statsResponse struct {
	SessionID        string                 `json:"sessionId"`
	SessionStatus    string                 `json:"sessionStatus"`
	SessionStartedAt string                 `json:"sessionStartedAt,omitempty"`
	Lifetime         models.MetricsSnapshot `json:"lifetime"`
	Session          metrics.Counters       `json:"session"`
}

// historyResponse is returned by GET /api/metrics/history.
type historyResponse struct {
	Snapshots []models.MetricsSnapshot `json:"snapshots"`
}

// acceptedResponse is the generic body for a mutating endpoint that only
// confirms the command was accepted, not necessarily complete.
type acceptedResponse struct {
	Accepted bool `json:"accepted"`
}
