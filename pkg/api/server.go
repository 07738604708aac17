// Package api is the Transport component: an Echo-based HTTP/WebSocket
// surface over the orchestrator's components, covering the pipeline's
// intent/pipeline/hitl/control/metrics surface.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/hydraorch/hydra/pkg/background"
	"github.com/hydraorch/hydra/pkg/config"
	"github.com/hydraorch/hydra/pkg/eventbus"
	"github.com/hydraorch/hydra/pkg/hitl"
	"github.com/hydraorch/hydra/pkg/ingestor"
	"github.com/hydraorch/hydra/pkg/issuehost"
	"github.com/hydraorch/hydra/pkg/metrics"
	"github.com/hydraorch/hydra/pkg/models"
	"github.com/hydraorch/hydra/pkg/pipeline"
	"github.com/hydraorch/hydra/pkg/scheduler"
	"github.com/hydraorch/hydra/pkg/session"
	"github.com/hydraorch/hydra/pkg/version"
	"github.com/hydraorch/hydra/pkg/workerpool"
)

// maxBodyBytes bounds request bodies; intent text itself is capped far
// lower (ingestor.MaxIntentBytes) but this protects against oversized
// envelopes on every endpoint.
const maxBodyBytes = 1 << 20 // 1 MiB

// Server is the Transport component.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	cfg   *config.Config
	store *pipeline.Store
	bus   *eventbus.Bus

	sched       *scheduler.Scheduler
	coordinator *hitl.Coordinator
	metrics     *metrics.Metrics
	sess        *session.Session
	ingestor    *ingestor.Ingestor
	background  *background.Loops
	host        issuehost.Host
	pools       map[models.Stage]*workerpool.Pool
}

// NewServer creates a Server over the always-required core components
// (config, pipeline store, event bus). The remaining components are wired
// via Set* methods, so each can be wired incrementally as it's constructed.
func NewServer(cfg *config.Config, store *pipeline.Store, bus *eventbus.Bus) *Server {
	e := echo.New()
	s := &Server{echo: e, cfg: cfg, store: store, bus: bus}
	s.setupRoutes()
	return s
}

// SetScheduler wires the Stage Scheduler, for /api/control/* and /api/queue.
func (s *Server) SetScheduler(sched *scheduler.Scheduler) { s.sched = sched }

// SetHITLCoordinator wires the HITL Coordinator, for /api/hitl* and
// /api/human-input*.
func (s *Server) SetHITLCoordinator(c *hitl.Coordinator) { s.coordinator = c }

// SetMetrics wires the Metrics component, for /api/metrics* and /api/stats.
func (s *Server) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// SetSession wires the Session component, for /api/stats and
// /api/control/start.
func (s *Server) SetSession(sess *session.Session) { s.sess = sess }

// SetIngestor wires the Intent Ingestor, for POST /api/intent.
func (s *Server) SetIngestor(i *ingestor.Ingestor) { s.ingestor = i }

// SetBackground wires the Background Loops, for /api/system/workers and the
// bg-worker control endpoints.
func (s *Server) SetBackground(l *background.Loops) { s.background = l }

// SetIssueHost wires the Issue Host client, for /api/metrics/github.
func (s *Server) SetIssueHost(h issuehost.Host) { s.host = h }

// SetWorkerPools wires one workerpool.Pool per work stage, for
// /api/system/workers and the orchestrator's stop sequence.
func (s *Server) SetWorkerPools(pools map[models.Stage]*workerpool.Pool) { s.pools = pools }

// ValidateWiring checks that every component the route table depends on has
// been wired via its Set* method, so a missing wire-up fails fast at
// startup rather than as a 500 at request time.
func (s *Server) ValidateWiring() error {
	var errs []error
	if s.sched == nil {
		errs = append(errs, fmt.Errorf("scheduler not set (call SetScheduler)"))
	}
	if s.coordinator == nil {
		errs = append(errs, fmt.Errorf("hitl coordinator not set (call SetHITLCoordinator)"))
	}
	if s.metrics == nil {
		errs = append(errs, fmt.Errorf("metrics not set (call SetMetrics)"))
	}
	if s.sess == nil {
		errs = append(errs, fmt.Errorf("session not set (call SetSession)"))
	}
	if s.ingestor == nil {
		errs = append(errs, fmt.Errorf("ingestor not set (call SetIngestor)"))
	}
	if s.background == nil {
		errs = append(errs, fmt.Errorf("background loops not set (call SetBackground)"))
	}
	if s.host == nil {
		errs = append(errs, fmt.Errorf("issue host not set (call SetIssueHost)"))
	}
	if s.pools == nil {
		errs = append(errs, fmt.Errorf("worker pools not set (call SetWorkerPools)"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("server wiring incomplete: %w", errors.Join(errs...))
	}
	return nil
}

// setupRoutes registers the full HTTP/WebSocket route table.
func (s *Server) setupRoutes() {
	s.echo.Use(middleware.BodyLimit(maxBodyBytes))
	s.echo.Use(securityHeaders())

	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/ws", s.wsHandler)

	api := s.echo.Group("/api")
	api.GET("/events", s.eventsBackfillHandler)
	api.POST("/intent", s.submitIntentHandler)
	api.GET("/pipeline", s.pipelineHandler)
	api.GET("/prs", s.prsHandler)

	api.GET("/hitl", s.hitlListHandler)
	api.POST("/hitl/:issue/retry", s.hitlRetryHandler)
	api.POST("/hitl/:issue/skip", s.hitlSkipHandler)
	api.POST("/hitl/:issue/close", s.hitlCloseHandler)
	api.POST("/hitl/:issue/approve", s.hitlApproveHandler)

	api.GET("/human-input", s.humanInputListHandler)
	api.POST("/human-input/:issue", s.humanInputAnswerHandler)

	api.POST("/request-changes", s.requestChangesHandler)

	api.POST("/control/start", s.controlStartHandler)
	api.POST("/control/stop", s.controlStopHandler)
	api.GET("/control/status", s.controlStatusHandler)
	api.POST("/control/bg-worker", s.bgWorkerToggleHandler)
	api.POST("/control/bg-worker/interval", s.bgWorkerIntervalHandler)

	api.GET("/system/workers", s.systemWorkersHandler)

	api.GET("/metrics", s.metricsCurrentHandler)
	api.GET("/metrics/history", s.metricsHistoryHandler)
	api.GET("/metrics/github", s.metricsGitHubHandler)

	api.GET("/stats", s.statsHandler)
	api.GET("/queue", s.queueHandler)
}

// healthHandler handles GET /health, aggregating the background loops'
// heartbeat map into a single status.
func (s *Server) healthHandler(c *echo.Context) error {
	status := "healthy"
	if s.background != nil {
		for _, h := range s.background.Health() {
			if h.Status == "error" {
				status = "degraded"
				break
			}
		}
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status":  status,
		"version": version.GitCommit,
	})
}

// Start starts the HTTP server on the given address (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.echo}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener, used
// by tests to serve on a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
