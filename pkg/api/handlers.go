package api

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/hydraorch/hydra/pkg/background"
	"github.com/hydraorch/hydra/pkg/models"
)

// issueParam parses the ":issue" path parameter shared by every /api/hitl
// and /api/human-input route.
func issueParam(c *echo.Context) (int, error) {
	return strconv.Atoi(c.Param("issue"))
}

// eventsBackfillHandler handles GET /api/events?since=<ISO-ts>. Unlike the
// WS replay (keyed by event id), this REST backfill window is keyed by an
// ISO timestamp; events are filtered from the bus's retained ring by
// timestamp rather than id.
func (s *Server) eventsBackfillHandler(c *echo.Context) error {
	var since time.Time
	if raw := c.QueryParam("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return httpError(http.StatusBadRequest, "SchemaViolation", "since must be an RFC3339 timestamp")
		}
		since = parsed
	}

	all := s.bus.SnapshotSince(0)
	out := make([]wireEvent, 0, len(all))
	for _, ev := range all {
		if !since.IsZero() && !ev.Timestamp.After(since) {
			continue
		}
		out = append(out, wireEvent{Type: ev.Type, Data: ev.Data, Timestamp: ev.Timestamp.Format(time.RFC3339Nano), ID: ev.ID})
	}
	return c.JSON(http.StatusOK, map[string]any{"events": out})
}

// submitIntentHandler handles POST /api/intent.
func (s *Server) submitIntentHandler(c *echo.Context) error {
	var req submitIntentRequest
	if err := c.Bind(&req); err != nil {
		return httpError(http.StatusBadRequest, "SchemaViolation", "malformed request body")
	}

	issue, err := s.ingestor.SubmitIntent(c.Request().Context(), req.Text)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, submitIntentResponse{IssueNumber: issue})
}

// pipelineHandler handles GET /api/pipeline.
func (s *Server) pipelineHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, pipelineResponse{Stages: s.store.Snapshot()})
}

// prsHandler handles GET /api/prs: every issue across every stage that
// carries an open PR reference.
func (s *Server) prsHandler(c *echo.Context) error {
	out := make([]models.Issue, 0)
	for _, issues := range s.store.Snapshot() {
		for _, iss := range issues {
			if iss.PR != nil {
				out = append(out, iss)
			}
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"prs": out})
}

// hitlListHandler handles GET /api/hitl.
func (s *Server) hitlListHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"items": s.coordinator.List()})
}

// hitlRetryHandler handles POST /api/hitl/<issue>/retry.
func (s *Server) hitlRetryHandler(c *echo.Context) error {
	issue, err := issueParam(c)
	if err != nil {
		return httpError(http.StatusBadRequest, "SchemaViolation", "issue must be an integer")
	}
	var req hitlRetryRequest
	if err := c.Bind(&req); err != nil {
		return httpError(http.StatusBadRequest, "SchemaViolation", "malformed request body")
	}
	if !s.coordinator.Retry(issue, req.Feedback) {
		return mapServiceError(errNotFound)
	}
	return c.JSON(http.StatusAccepted, acceptedResponse{Accepted: true})
}

// hitlSkipHandler handles POST /api/hitl/<issue>/skip.
func (s *Server) hitlSkipHandler(c *echo.Context) error {
	issue, err := issueParam(c)
	if err != nil {
		return httpError(http.StatusBadRequest, "SchemaViolation", "issue must be an integer")
	}
	if !s.coordinator.Skip(issue) {
		return mapServiceError(errNotFound)
	}
	return c.JSON(http.StatusAccepted, acceptedResponse{Accepted: true})
}

// hitlCloseHandler handles POST /api/hitl/<issue>/close.
func (s *Server) hitlCloseHandler(c *echo.Context) error {
	issue, err := issueParam(c)
	if err != nil {
		return httpError(http.StatusBadRequest, "SchemaViolation", "issue must be an integer")
	}
	if err := s.coordinator.Close(issue); err != nil {
		return closeErrKind(err)
	}
	return c.JSON(http.StatusAccepted, acceptedResponse{Accepted: true})
}

// hitlApproveHandler handles POST /api/hitl/<issue>/approve.
func (s *Server) hitlApproveHandler(c *echo.Context) error {
	issue, err := issueParam(c)
	if err != nil {
		return httpError(http.StatusBadRequest, "SchemaViolation", "issue must be an integer")
	}
	if !s.coordinator.ApproveAsMemory(issue) {
		return mapServiceError(errNotFound)
	}
	return c.JSON(http.StatusAccepted, acceptedResponse{Accepted: true})
}

// humanInputListHandler handles GET /api/human-input.
func (s *Server) humanInputListHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.coordinator.PendingQuestions())
}

// humanInputAnswerHandler handles POST /api/human-input/<issue>.
func (s *Server) humanInputAnswerHandler(c *echo.Context) error {
	issue, err := issueParam(c)
	if err != nil {
		return httpError(http.StatusBadRequest, "SchemaViolation", "issue must be an integer")
	}
	var req humanInputRequest
	if err := c.Bind(&req); err != nil {
		return httpError(http.StatusBadRequest, "SchemaViolation", "malformed request body")
	}
	s.coordinator.Answer(issue, req.Answer)
	return c.JSON(http.StatusAccepted, acceptedResponse{Accepted: true})
}

// requestChangesHandler handles POST /api/request-changes: a reviewer's
// manual escalation to HITL, independent of the Scheduler's automatic path.
func (s *Server) requestChangesHandler(c *echo.Context) error {
	var req requestChangesRequest
	if err := c.Bind(&req); err != nil {
		return httpError(http.StatusBadRequest, "SchemaViolation", "malformed request body")
	}
	if req.IssueNumber == 0 {
		return httpError(http.StatusBadRequest, "SchemaViolation", "issue_number is required")
	}
	s.coordinator.Escalate(req.IssueNumber, req.Feedback, false)
	return c.JSON(http.StatusAccepted, acceptedResponse{Accepted: true})
}

// controlStartHandler handles POST /api/control/start.
func (s *Server) controlStartHandler(c *echo.Context) error {
	reset := c.QueryParam("reset") == "true"
	s.sess.Start(reset)
	for _, stage := range models.WorkStages {
		s.sched.SetEnabled(stage, true)
	}
	return c.JSON(http.StatusAccepted, acceptedResponse{Accepted: true})
}

// controlStopHandler handles POST /api/control/stop: publishes stopping,
// disables admission into every stage, cancels every active worker
// sub-process (the pool's own grace period governs the SIGTERM-to-SIGKILL
// window), then transitions to idle.
func (s *Server) controlStopHandler(c *echo.Context) error {
	s.sess.Stopping()
	for _, stage := range models.WorkStages {
		s.sched.SetEnabled(stage, false)
	}
	for _, pool := range s.pools {
		pool.CancelAll()
	}
	s.sess.Stop("idle")
	return c.JSON(http.StatusAccepted, acceptedResponse{Accepted: true})
}

// controlStatusHandler handles GET /api/control/status.
func (s *Server) controlStatusHandler(c *echo.Context) error {
	stages := make(map[models.Stage]stageView, len(s.cfg.Stages))
	for stage, sc := range s.cfg.Stages {
		stages[stage] = stageView{Cap: sc.Cap, Enabled: s.sched.IsEnabled(stage)}
	}
	info := s.sess.Snapshot()
	return c.JSON(http.StatusOK, controlStatusResponse{
		Status: info.Status,
		Config: configView{Stages: stages, ListenAddr: s.cfg.ListenAddr},
	})
}

// backgroundLoopNames lists the six toggleable loop names, for validating
// /api/control/bg-worker{,/interval} requests.
var backgroundLoopNames = map[string]bool{
	background.NamePRMergeWatcher:     true,
	background.NameCIStatusWatcher:    true,
	background.NamePipelineReconciler: true,
	background.NameLifetimeStats:      true,
	background.NameMetricsSnapshot:    true,
	background.NameRetention:          true,
}

// bgWorkerToggleHandler handles POST /api/control/bg-worker.
func (s *Server) bgWorkerToggleHandler(c *echo.Context) error {
	var req bgWorkerToggleRequest
	if err := c.Bind(&req); err != nil || !backgroundLoopNames[req.Name] {
		return httpError(http.StatusBadRequest, "SchemaViolation", "name must be a known background loop")
	}
	s.background.SetEnabled(req.Name, req.Enabled)
	return c.JSON(http.StatusAccepted, acceptedResponse{Accepted: true})
}

// bgWorkerIntervalHandler handles POST /api/control/bg-worker/interval.
func (s *Server) bgWorkerIntervalHandler(c *echo.Context) error {
	var req bgWorkerIntervalRequest
	if err := c.Bind(&req); err != nil || !backgroundLoopNames[req.Name] || req.IntervalSeconds <= 0 {
		return httpError(http.StatusBadRequest, "SchemaViolation", "name must be a known loop and interval_seconds must be positive")
	}
	s.background.SetInterval(req.Name, time.Duration(req.IntervalSeconds)*time.Second)
	return c.JSON(http.StatusAccepted, acceptedResponse{Accepted: true})
}

// systemWorkersHandler handles GET /api/system/workers: the background
// loops' heartbeat table plus each stage's currently active worker records.
func (s *Server) systemWorkersHandler(c *echo.Context) error {
	workers := make([]models.Worker, 0)
	for _, pool := range s.pools {
		workers = append(workers, pool.Snapshot()...)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"background": s.background.Health(),
		"workers":    workers,
	})
}

// metricsCurrentHandler handles GET /api/metrics.
func (s *Server) metricsCurrentHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.metrics.Snapshot(time.Now().UTC().Format(time.RFC3339)))
}

// metricsHistoryHandler handles GET /api/metrics/history.
func (s *Server) metricsHistoryHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, historyResponse{Snapshots: s.metrics.History()})
}

// githubPRStatus is one entry of the host-sourced metrics view.
type githubPRStatus struct {
	Issue  int    `json:"issue"`
	PR     int    `json:"pr"`
	Merged bool   `json:"merged"`
	CI     string `json:"ci"`
}

// metricsGitHubHandler handles GET /api/metrics/github: live,
// host-sourced state for every PR currently in review, as opposed to the
// locally-derived counters the other two /api/metrics* routes report.
func (s *Server) metricsGitHubHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	out := make([]githubPRStatus, 0)
	for _, iss := range s.store.Snapshot()[models.StageReview] {
		if iss.PR == nil {
			continue
		}
		entry := githubPRStatus{Issue: iss.ID, PR: iss.PR.Number}
		if pr, err := s.host.GetPullRequest(ctx, iss.PR.Number); err == nil {
			entry.Merged = pr.Merged
		}
		if ci, err := s.host.CIStatusForPR(ctx, iss.PR.Number); err == nil {
			entry.CI = string(ci)
		}
		out = append(out, entry)
	}
	return c.JSON(http.StatusOK, map[string]any{"prs": out})
}

// statsHandler handles GET /api/stats.
func (s *Server) statsHandler(c *echo.Context) error {
	info := s.sess.Snapshot()
	resp := statsResponse{
		SessionID:     info.ID,
		SessionStatus: info.Status,
		Lifetime:      s.metrics.Snapshot(time.Now().UTC().Format(time.RFC3339)),
		Session:       s.metrics.SessionCounters(),
	}
	if !info.StartedAt.IsZero() {
		resp.SessionStartedAt = info.StartedAt.Format(time.RFC3339)
	}
	return c.JSON(http.StatusOK, resp)
}

// queueHandler handles GET /api/queue.
func (s *Server) queueHandler(c *echo.Context) error {
	depths := make(map[models.Stage]int, len(models.WorkStages))
	for _, stage := range models.WorkStages {
		depths[stage] = s.store.QueueDepth(stage)
	}
	return c.JSON(http.StatusOK, queueResponse{Depths: depths})
}
