package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/hydraorch/hydra/pkg/background"
	"github.com/hydraorch/hydra/pkg/models"
	"github.com/hydraorch/hydra/pkg/notify"
	"github.com/hydraorch/hydra/pkg/redact"
	"github.com/hydraorch/hydra/pkg/scheduler"
)

// HydraYAMLConfig represents the complete hydra.yaml file structure.
type HydraYAMLConfig struct {
	ListenAddr       string                     `yaml:"listen_addr"`
	AllowedWSOrigins []string                   `yaml:"allowed_ws_origins"`
	Stages           map[string]StageYAMLConfig `yaml:"stages"`
	Worker           *WorkerYAMLConfig          `yaml:"worker"`
	Background       *BackgroundYAMLConfig      `yaml:"background"`
	Retention        *RetentionYAMLConfig       `yaml:"retention"`
	Redaction        *RedactionYAMLConfig       `yaml:"redaction"`
	Slack            *SlackYAMLConfig           `yaml:"slack"`
	IssueHost        *IssueHostYAMLConfig       `yaml:"issue_host"`
	Postgres         *PostgresYAMLConfig        `yaml:"postgres"`
}

// StageYAMLConfig holds one stage's cap/enabled settings.
type StageYAMLConfig struct {
	Cap     int   `yaml:"cap"`
	Enabled *bool `yaml:"enabled,omitempty"`
}

// WorkerYAMLConfig holds worker sub-process settings shared by every stage.
type WorkerYAMLConfig struct {
	AgentCommand string `yaml:"agent_command"`
	Timeout      string `yaml:"timeout,omitempty"`      // parsed to time.Duration
	CancelGrace  string `yaml:"cancel_grace,omitempty"` // parsed to time.Duration
}

// BackgroundYAMLConfig holds the six background loops' cadences and the
// issue label filter used by the reconciler and intent ingestor.
type BackgroundYAMLConfig struct {
	PRMergeInterval         string `yaml:"pr_merge_interval,omitempty"`
	CIStatusInterval        string `yaml:"ci_status_interval,omitempty"`
	ReconcileInterval       string `yaml:"reconcile_interval,omitempty"`
	LifetimeStatsInterval   string `yaml:"lifetime_stats_interval,omitempty"`
	MetricsSnapshotInterval string `yaml:"metrics_snapshot_interval,omitempty"`
	LabelFilter             string `yaml:"label_filter,omitempty"`
}

// RedactionYAMLConfig holds additional transcript redaction patterns on top
// of redact.BuiltinPatterns.
type RedactionYAMLConfig struct {
	Patterns []RedactionPattern `yaml:"patterns,omitempty"`
}

// RedactionPattern is the YAML-facing shape of one redaction rule.
type RedactionPattern struct {
	Name        string `yaml:"name"`
	Regex       string `yaml:"regex"`
	Replacement string `yaml:"replacement"`
}

// SlackYAMLConfig holds Slack notification settings from YAML.
type SlackYAMLConfig struct {
	TokenEnv string `yaml:"token_env,omitempty"`
	Channel  string `yaml:"channel,omitempty"`
}

// IssueHostYAMLConfig holds GitHub integration settings from YAML.
type IssueHostYAMLConfig struct {
	URL      string `yaml:"url,omitempty"`       // e.g. https://github.com/owner/repo
	TokenEnv string `yaml:"token_env,omitempty"` // defaults to "ISSUE_HOST_TOKEN"
}

// PostgresYAMLConfig holds the Postgres DSN env var name.
type PostgresYAMLConfig struct {
	DSNEnv string `yaml:"dsn_env,omitempty"` // defaults to "DATABASE_URL"
}

// Initialize loads, expands, merges, overrides, and validates configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load hydra.yaml from configDir, expanding ${VAR}/$VAR environment
//     references first.
//  2. Merge the parsed YAML over built-in defaults (dario.cat/mergo).
//  3. Apply the documented environment variables as a final override layer.
//  4. Validate all configuration.
//  5. Return Config ready for use.
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"listen_addr", cfg.ListenAddr,
		"stages", len(cfg.Stages),
		"postgres", cfg.PostgresDSN != "")

	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	yamlCfg, err := loader.loadHydraYAML()
	if err != nil {
		return nil, NewLoadError("hydra.yaml", err)
	}

	cfg := &Config{
		configDir: configDir,
		Stages:    defaultStages(),
	}

	if err := mergo.Merge(cfg, fromYAML(yamlCfg), mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge config: %w", err)
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// fromYAML converts the parsed YAML document into the partial Config that
// mergo layers over the built-in defaults.
func fromYAML(y *HydraYAMLConfig) *Config {
	cfg := &Config{
		ListenAddr:       y.ListenAddr,
		AllowedWSOrigins: y.AllowedWSOrigins,
		Stages:           resolveStages(y.Stages),
		IssueHost:        resolveIssueHost(y.IssueHost),
		Notify:           resolveNotify(y.Slack),
		PostgresDSN:      resolvePostgresDSN(y.Postgres),
	}

	if y.Worker != nil {
		cfg.AgentCommand = y.Worker.AgentCommand
		if y.Worker.Timeout != "" {
			if d, err := time.ParseDuration(y.Worker.Timeout); err == nil {
				cfg.WorkerTimeout = d
			}
		}
		if y.Worker.CancelGrace != "" {
			if d, err := time.ParseDuration(y.Worker.CancelGrace); err == nil {
				cfg.CancelGrace = d
			}
		}
	}

	cfg.Background = resolveBackground(y.Background)
	cfg.Background.ClosedIssueRetention, cfg.Background.RetentionInterval = resolveRetention(y.Retention)

	if y.Redaction != nil {
		for _, p := range y.Redaction.Patterns {
			cfg.RedactionPatterns = append(cfg.RedactionPatterns, redact.RawPattern{
				Name:        p.Name,
				Regex:       p.Regex,
				Replacement: p.Replacement,
			})
		}
	}

	return cfg
}

// defaultStages returns the built-in stage caps, all enabled.
func defaultStages() map[models.Stage]scheduler.StageConfig {
	return map[models.Stage]scheduler.StageConfig{
		models.StageTriage:    {Cap: 3, Enabled: true},
		models.StagePlan:      {Cap: 2, Enabled: true},
		models.StageImplement: {Cap: 2, Enabled: true},
		models.StageReview:    {Cap: 2, Enabled: true},
	}
}

func resolveStages(y map[string]StageYAMLConfig) map[models.Stage]scheduler.StageConfig {
	out := defaultStages()
	for name, sc := range y {
		stage := models.Stage(name)
		cur, ok := out[stage]
		if !ok {
			cur = scheduler.StageConfig{Enabled: true}
		}
		if sc.Cap > 0 {
			cur.Cap = sc.Cap
		}
		if sc.Enabled != nil {
			cur.Enabled = *sc.Enabled
		}
		out[stage] = cur
	}
	return out
}

func resolveBackground(y *BackgroundYAMLConfig) background.Config {
	var cfg background.Config
	if y == nil {
		return cfg
	}
	cfg.LabelFilter = y.LabelFilter
	parse := func(s string) time.Duration {
		if s == "" {
			return 0
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0
		}
		return d
	}
	cfg.PRMergeInterval = parse(y.PRMergeInterval)
	cfg.CIStatusInterval = parse(y.CIStatusInterval)
	cfg.ReconcileInterval = parse(y.ReconcileInterval)
	cfg.LifetimeStatsInterval = parse(y.LifetimeStatsInterval)
	cfg.MetricsSnapshotInterval = parse(y.MetricsSnapshotInterval)
	return cfg
}

func resolveIssueHost(y *IssueHostYAMLConfig) IssueHostConfig {
	cfg := IssueHostConfig{}
	if y == nil {
		return cfg
	}
	tokenEnv := y.TokenEnv
	if tokenEnv == "" {
		tokenEnv = "ISSUE_HOST_TOKEN"
	}
	cfg.Token = os.Getenv(tokenEnv)
	cfg.Owner, cfg.Repo = ownerRepoFromURL(y.URL)
	return cfg
}

// ownerRepoFromURL extracts "owner" and "repo" from a
// https://github.com/owner/repo style URL.
func ownerRepoFromURL(raw string) (owner, repo string) {
	if raw == "" {
		return "", ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 {
		return "", ""
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git")
}

func resolveNotify(y *SlackYAMLConfig) notify.Config {
	cfg := notify.Config{}
	if y == nil {
		return cfg
	}
	tokenEnv := y.TokenEnv
	if tokenEnv == "" {
		tokenEnv = "SLACK_BOT_TOKEN"
	}
	cfg.Token = os.Getenv(tokenEnv)
	cfg.Channel = y.Channel
	return cfg
}

func resolvePostgresDSN(y *PostgresYAMLConfig) string {
	dsnEnv := "DATABASE_URL"
	if y != nil && y.DSNEnv != "" {
		dsnEnv = y.DSNEnv
	}
	return os.Getenv(dsnEnv)
}

// applyEnvOverrides applies the documented environment variables as the
// final layer on top of the merged YAML ("env wins" precedence).
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ISSUE_HOST_URL"); v != "" {
		owner, repo := ownerRepoFromURL(v)
		if owner != "" && repo != "" {
			cfg.IssueHost.Owner = owner
			cfg.IssueHost.Repo = repo
		}
	}
	if v := os.Getenv("ISSUE_HOST_TOKEN"); v != "" {
		cfg.IssueHost.Token = v
	}
	if v, ok := envInt("MAX_TRIAGERS"); ok {
		setStageCap(cfg.Stages, models.StageTriage, v)
	}
	if v, ok := envInt("MAX_PLANNERS"); ok {
		setStageCap(cfg.Stages, models.StagePlan, v)
	}
	if v, ok := envInt("MAX_WORKERS"); ok {
		setStageCap(cfg.Stages, models.StageImplement, v)
	}
	if v, ok := envInt("MAX_REVIEWERS"); ok {
		setStageCap(cfg.Stages, models.StageReview, v)
	}
	if v := os.Getenv("AGENT_COMMAND"); v != "" {
		cfg.AgentCommand = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v, ok := envInt("SNAPSHOT_INTERVAL_SEC"); ok {
		cfg.Background.MetricsSnapshotInterval = time.Duration(v) * time.Second
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func setStageCap(stages map[models.Stage]scheduler.StageConfig, stage models.Stage, cap int) {
	sc := stages[stage]
	sc.Cap = cap
	stages[stage] = sc
}

// validate performs comprehensive validation on loaded configuration.
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Note: ExpandEnv passes through original data on malformed syntax,
	// leaving the YAML parser to fail with a clearer error message.
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadHydraYAML() (*HydraYAMLConfig, error) {
	var cfg HydraYAMLConfig
	cfg.Stages = make(map[string]StageYAMLConfig)

	if err := l.loadYAML("hydra.yaml", &cfg); err != nil {
		// hydra.yaml is optional; env overrides and built-in defaults alone
		// can produce a valid config.
		if strings.Contains(err.Error(), ErrConfigNotFound.Error()) {
			return &cfg, nil
		}
		return nil, err
	}

	return &cfg, nil
}
