package config

import (
	"time"

	"github.com/hydraorch/hydra/pkg/background"
	"github.com/hydraorch/hydra/pkg/models"
	"github.com/hydraorch/hydra/pkg/notify"
	"github.com/hydraorch/hydra/pkg/redact"
	"github.com/hydraorch/hydra/pkg/scheduler"
)

// Config is the umbrella configuration object returned by Initialize and
// threaded through cmd/hydra's wiring: stage caps, worker lifecycle
// timing, background loop cadences, transport settings, and the issue-host
// and notification integrations.
type Config struct {
	configDir string

	// Stages holds the per-stage cap and initial enabled state, keyed by
	// models.Stage, feeding scheduler.New directly.
	Stages map[models.Stage]scheduler.StageConfig

	// AgentCommand is the path to the agent binary the Worker Pool spawns
	// for every stage (env: AGENT_COMMAND).
	AgentCommand string

	// WorkerTimeout is the hard per-session timeout passed to every
	// workerpool.Pool.
	WorkerTimeout time.Duration

	// CancelGrace is the SIGTERM-to-SIGKILL grace period passed to every
	// workerpool.Pool.
	CancelGrace time.Duration

	// Background carries the six background loops' cadences, retention
	// policy, and issue label filter.
	Background background.Config

	// ListenAddr is the address the Transport component binds (env:
	// LISTEN_ADDR).
	ListenAddr string

	// AllowedWSOrigins restricts which browser origins may open /ws. Empty
	// means same-origin only.
	AllowedWSOrigins []string

	// RedactionPatterns are additional regex patterns merged with
	// redact.BuiltinPatterns.
	RedactionPatterns []redact.RawPattern

	// Notify carries Slack notification settings; a zero-value Config
	// disables notifications.
	Notify notify.Config

	// IssueHost carries GitHub integration settings.
	IssueHost IssueHostConfig

	// PostgresDSN selects the persistence backend. Empty means the
	// in-memory repository.
	PostgresDSN string
}

// IssueHostConfig holds resolved issue-host (GitHub) settings.
type IssueHostConfig struct {
	Token string
	Owner string
	Repo  string
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}
