package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydraorch/hydra/pkg/background"
	"github.com/hydraorch/hydra/pkg/config"
	"github.com/hydraorch/hydra/pkg/eventbus"
	"github.com/hydraorch/hydra/pkg/hitl"
	"github.com/hydraorch/hydra/pkg/ingestor"
	"github.com/hydraorch/hydra/pkg/metrics"
	"github.com/hydraorch/hydra/pkg/models"
	"github.com/hydraorch/hydra/pkg/pipeline"
	"github.com/hydraorch/hydra/pkg/scheduler"
	"github.com/hydraorch/hydra/pkg/session"
	"github.com/hydraorch/hydra/pkg/workerpool"
)

// newTestServer wires a fully-validated Server over an in-memory stack, for
// handler-level tests.
func newTestServer(t *testing.T) (*Server, *fakeHost) {
	t.Helper()

	bus := eventbus.New()
	store := pipeline.New(bus)
	host := &fakeHost{}
	pools := map[models.Stage]*workerpool.Pool{
		models.StageTriage:    workerpool.New(workerpool.Config{Stage: models.StageTriage, Cap: 1}, bus, nil),
		models.StagePlan:      workerpool.New(workerpool.Config{Stage: models.StagePlan, Cap: 1}, bus, nil),
		models.StageImplement: workerpool.New(workerpool.Config{Stage: models.StageImplement, Cap: 1}, bus, nil),
		models.StageReview:    workerpool.New(workerpool.Config{Stage: models.StageReview, Cap: 1}, bus, nil),
	}
	sched := scheduler.New(store, bus, pools, map[models.Stage]scheduler.StageConfig{
		models.StageTriage:    {Cap: 1, Enabled: true},
		models.StagePlan:      {Cap: 1, Enabled: true},
		models.StageImplement: {Cap: 1, Enabled: true},
		models.StageReview:    {Cap: 1, Enabled: true},
	})
	coordinator := hitl.New(store, bus, sched, fakeHostCloser{host: host}, nil)
	m := metrics.New(bus)
	sess := session.New(bus, nil)
	ing := ingestor.New(host, store, bus)
	bg := background.New(background.Config{}, store, bus, host, m)

	cfg := &config.Config{
		Stages: map[models.Stage]scheduler.StageConfig{
			models.StageTriage:    {Cap: 1, Enabled: true},
			models.StagePlan:      {Cap: 1, Enabled: true},
			models.StageImplement: {Cap: 1, Enabled: true},
			models.StageReview:    {Cap: 1, Enabled: true},
		},
		ListenAddr: ":8080",
	}

	s := NewServer(cfg, store, bus)
	s.SetScheduler(sched)
	s.SetHITLCoordinator(coordinator)
	s.SetMetrics(m)
	s.SetSession(sess)
	s.SetIngestor(ing)
	s.SetBackground(bg)
	s.SetIssueHost(host)
	s.SetWorkerPools(pools)
	require.NoError(t, s.ValidateWiring())

	return s, host
}

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestSubmitIntentHandler(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/intent", `{"text":"fix the flaky retry test"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp submitIntentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.IssueNumber)
}

func TestSubmitIntentHandlerRejectsEmptyText(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/intent", `{"text":"   "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "SchemaViolation", body.Kind)
}

func TestPipelineAndQueueHandlers(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/intent", `{"text":"add retry backoff"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/pipeline", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var pr pipelineResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pr))
	assert.Len(t, pr.Stages[models.StageTriage], 1)

	rec = doJSON(t, s, http.MethodGet, "/api/queue", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var q queueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &q))
	assert.Equal(t, 1, q.Depths[models.StageTriage])
}

func TestHITLRetrySkipCloseLifecycle(t *testing.T) {
	s, host := newTestServer(t)

	s.coordinator.Escalate(42, "agent crashed", false)

	rec := doJSON(t, s, http.MethodGet, "/api/hitl", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"issue":42`)

	rec = doJSON(t, s, http.MethodPost, "/api/hitl/42/retry", `{"feedback":"try again with a smaller diff"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/hitl/42/retry", `{"feedback":"no longer pending"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	s.coordinator.Escalate(43, "needs human decision", false)
	rec = doJSON(t, s, http.MethodPost, "/api/hitl/43/skip", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	s.coordinator.Escalate(44, "host close failure path", false)
	host.closeErr = hostCloseErr
	rec = doJSON(t, s, http.MethodPost, "/api/hitl/44/close", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "TransientHost")
}

func TestHumanInputAnswerHandler(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/human-input/7", `{"answer":"use the staging database"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/human-input", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "use the staging database")
}

func TestControlStartStopStatus(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/control/start", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/control/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var status controlStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Config.Stages[models.StageTriage].Enabled)

	rec = doJSON(t, s, http.MethodPost, "/api/control/stop", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.False(t, s.sched.IsEnabled(models.StageTriage))
}

func TestBgWorkerToggleAndIntervalHandlers(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/control/bg-worker", `{"name":"unknown-loop","enabled":false}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/control/bg-worker", `{"name":"`+background.NameRetention+`","enabled":false}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/control/bg-worker/interval", `{"name":"`+background.NameRetention+`","interval_seconds":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/control/bg-worker/interval", `{"name":"`+background.NameRetention+`","interval_seconds":120}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestMetricsAndStatsHandlers(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/api/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/metrics/history", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/stats", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsGitHubHandler(t *testing.T) {
	s, host := newTestServer(t)
	host.pr.Merged = true
	host.ci = "success"

	s.store.Move(99, "", models.StageReview, models.IssueActive)
	s.store.SetPR(99, models.PRRef{Number: 5, URL: "https://example.test/pr/5"}, "feature/x")

	rec := doJSON(t, s, http.MethodGet, "/api/metrics/github", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"merged":true`)
	assert.Contains(t, rec.Body.String(), `"ci":"success"`)
}

func TestRequestChangesHandler(t *testing.T) {
	s, _ := newTestServer(t)
	s.store.Move(12, "", models.StageReview, models.IssueActive)

	rec := doJSON(t, s, http.MethodPost, "/api/request-changes", `{"issue_number":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/request-changes", `{"issue_number":12,"feedback":"tighten the error messages"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/hitl", "")
	assert.Contains(t, rec.Body.String(), `"issue":12`)
}

func TestPrsHandler(t *testing.T) {
	s, _ := newTestServer(t)
	s.store.Move(5, "", models.StageReview, models.IssueActive)
	s.store.SetPR(5, models.PRRef{Number: 9, URL: "https://example.test/pr/9"}, "feature/y")

	rec := doJSON(t, s, http.MethodGet, "/api/prs", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"number":9`)
}

func TestEventsBackfillHandler(t *testing.T) {
	s, _ := newTestServer(t)
	s.bus.Publish(models.EventIntentCreated, models.IntentCreatedPayload{Text: "x", IssueNumber: 1})

	rec := doJSON(t, s, http.MethodGet, "/api/events", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"type":"intent_created"`)

	rec = doJSON(t, s, http.MethodGet, "/api/events?since=not-a-timestamp", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSystemWorkersHandler(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/system/workers", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthHandler(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
}

// hostCloseErr is a stand-in host failure used to exercise the
// best-effort-close error path.
var hostCloseErr = &testHostError{"github: 502 bad gateway"}

type testHostError struct{ msg string }

func (e *testHostError) Error() string { return e.msg }
