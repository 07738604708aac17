// Hydra orchestrator: drives autonomous coding agents through
// triage/plan/implement/review, exposing the pipeline over HTTP/WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	gh "github.com/google/go-github/v68/github"
	"github.com/joho/godotenv"

	"github.com/hydraorch/hydra/pkg/api"
	"github.com/hydraorch/hydra/pkg/background"
	"github.com/hydraorch/hydra/pkg/config"
	"github.com/hydraorch/hydra/pkg/eventbus"
	"github.com/hydraorch/hydra/pkg/hitl"
	"github.com/hydraorch/hydra/pkg/ingestor"
	"github.com/hydraorch/hydra/pkg/issuehost"
	ghhost "github.com/hydraorch/hydra/pkg/issuehost/github"
	"github.com/hydraorch/hydra/pkg/metrics"
	"github.com/hydraorch/hydra/pkg/models"
	"github.com/hydraorch/hydra/pkg/notify"
	"github.com/hydraorch/hydra/pkg/persistence"
	"github.com/hydraorch/hydra/pkg/persistence/postgres"
	"github.com/hydraorch/hydra/pkg/pipeline"
	"github.com/hydraorch/hydra/pkg/redact"
	"github.com/hydraorch/hydra/pkg/scheduler"
	"github.com/hydraorch/hydra/pkg/session"
	"github.com/hydraorch/hydra/pkg/version"
	"github.com/hydraorch/hydra/pkg/workerpool"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	os.Exit(run())
}

// run wires every component and blocks until shutdown, returning the
// process exit code: 0 graceful, 2 config error, 3 unrecoverable
// host-auth failure.
func run() int {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "path to configuration directory")
	flag.Parse()

	if err := godotenv.Load(filepath.Join(*configDir, ".env")); err != nil {
		log.Printf("no .env file loaded from %s: %v", *configDir, err)
	}

	log.Printf("starting %s", version.Full())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		log.Printf("configuration error: %v", err)
		return 2
	}

	repo, err := openRepository(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Printf("persistence error: %v", err)
		return 2
	}
	defer repo.Close()

	bus := eventbus.New()
	store := pipeline.New(bus)
	redactor := redact.New(cfg.RedactionPatterns)

	m := metrics.New(bus)
	if counters, err := repo.LoadCounters(ctx); err != nil {
		slog.Warn("failed to load persisted counters, starting from zero", "error", err)
	} else {
		m.LoadCounters(counters)
	}
	if snapshots, err := repo.LoadSnapshots(ctx); err != nil {
		slog.Warn("failed to load persisted metrics history", "error", err)
	} else {
		m.LoadHistory(snapshots)
	}
	if lastSeenID, err := repo.LoadLastSeenID(ctx); err != nil {
		slog.Warn("failed to load last-seen event id", "error", err)
	} else if lastSeenID > 0 {
		slog.Info("resuming after restart", "last_seen_event_id", lastSeenID)
	}

	sess := session.New(bus, m)

	pools := make(map[models.Stage]*workerpool.Pool, len(models.WorkStages))
	for _, stage := range models.WorkStages {
		sc := cfg.Stages[stage]
		pools[stage] = workerpool.New(workerpool.Config{
			Stage:        stage,
			Cap:          sc.Cap,
			AgentCommand: cfg.AgentCommand,
			Timeout:      cfg.WorkerTimeout,
			CancelGrace:  cfg.CancelGrace,
		}, bus, redactor)
	}

	sched := scheduler.New(store, bus, pools, cfg.Stages)
	sched.SetMetrics(m)

	host := ghhost.New(cfg.IssueHost.Token, cfg.IssueHost.Owner, cfg.IssueHost.Repo)
	if err := verifyHostAuth(ctx, host, cfg.Background.LabelFilter); err != nil {
		bus.Publish(models.EventOrchestratorStatus, models.OrchestratorStatusPayload{Status: "auth_failed"})
		log.Printf("issue host authentication failed: %v", err)
		return 3
	}

	notifier := notify.New(cfg.Notify)
	coordinator := hitl.New(store, bus, sched, hostCloser{host: host}, notifier)
	coordinator.SetMetrics(m)
	sched.SetEscalator(coordinator)

	bg := background.New(cfg.Background, store, bus, host, m)
	bg.SetEscalator(coordinator)
	bg.SetNotifier(notifier)

	ing := ingestor.New(host, store, bus)

	server := api.NewServer(cfg, store, bus)
	server.SetScheduler(sched)
	server.SetHITLCoordinator(coordinator)
	server.SetMetrics(m)
	server.SetSession(sess)
	server.SetIngestor(ing)
	server.SetBackground(bg)
	server.SetIssueHost(host)
	server.SetWorkerPools(pools)
	if err := server.ValidateWiring(); err != nil {
		log.Printf("server wiring error: %v", err)
		return 2
	}

	bg.Start(ctx)
	sched.Start(ctx)

	stopSync := runPersistenceSync(ctx, repo, m, bus, cfg.Background.MetricsSnapshotInterval)
	defer stopSync()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", cfg.ListenAddr)
		ln, err := net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			errCh <- err
			return
		}
		errCh <- server.StartWithListener(ln)
	}()

	select {
	case <-ctx.Done():
		log.Printf("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server error: %v", err)
		}
	}

	sched.Stop()
	bg.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}

	persistFinal(context.Background(), repo, m, bus)

	return 0
}

func openRepository(ctx context.Context, dsn string) (persistence.Repository, error) {
	if dsn == "" {
		return persistence.NewMemory(), nil
	}
	return postgres.Open(ctx, dsn)
}

// hostCloser adapts issuehost.Host's ctx-taking CloseIssue to
// hitl.HostCloser's signature — the HITL Coordinator is constructed before
// any particular request context exists, so it calls out with a background
// context instead.
type hostCloser struct{ host issuehost.Host }

func (h hostCloser) CloseIssue(issue int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return h.host.CloseIssue(ctx, issue)
}

// verifyHostAuth makes one read-only call against the issue host at startup
// so an invalid token fails fast as an auth error (exit code 3) rather than
// surfacing as a confusing stream of failed background-loop polls.
func verifyHostAuth(ctx context.Context, host issuehost.Host, labelFilter string) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_, err := host.ListIssues(ctx, labelFilter)
	if err == nil {
		return nil
	}
	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		if ghErr.Response.StatusCode == http.StatusUnauthorized || ghErr.Response.StatusCode == http.StatusForbidden {
			return err
		}
	}
	// A non-auth failure (network blip, rate limit) isn't fatal at startup —
	// the reconciler loop will keep retrying on its own cadence.
	slog.Warn("issue host reachability check failed at startup, continuing", "error", err)
	return nil
}

// runPersistenceSync periodically flushes lifetime counters, the latest
// metrics snapshot, and the last-seen event id to the repository, so a
// restart resumes from near-current state. Returns a function that stops
// the loop.
func runPersistenceSync(ctx context.Context, repo persistence.Repository, m *metrics.Metrics, bus *eventbus.Bus, interval time.Duration) func() {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				persistFinal(ctx, repo, m, bus)
			}
		}
	}()
	return func() { close(done) }
}

func persistFinal(ctx context.Context, repo persistence.Repository, m *metrics.Metrics, bus *eventbus.Bus) {
	if err := repo.SaveCounters(ctx, m.CountersSnapshot()); err != nil {
		slog.Warn("failed to persist counters", "error", err)
	}
	if err := repo.SaveLastSeenID(ctx, bus.LastID()); err != nil {
		slog.Warn("failed to persist last-seen event id", "error", err)
	}
	if history := m.History(); len(history) > 0 {
		latest := history[len(history)-1]
		if err := repo.AppendSnapshot(ctx, latest); err != nil {
			slog.Warn("failed to persist metrics snapshot", "error", err)
		}
	}
}
