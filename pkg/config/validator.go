package config

import (
	"fmt"
	"net"
)

// Validator validates configuration comprehensively with clear error
// messages.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast — stops at the
// first error).
func (v *Validator) ValidateAll() error {
	if err := v.validateStages(); err != nil {
		return fmt.Errorf("stage validation failed: %w", err)
	}
	if err := v.validateWorker(); err != nil {
		return fmt.Errorf("worker validation failed: %w", err)
	}
	if err := v.validateListenAddr(); err != nil {
		return fmt.Errorf("listen address validation failed: %w", err)
	}
	if err := v.validateBackground(); err != nil {
		return fmt.Errorf("background loop validation failed: %w", err)
	}
	return nil
}

func (v *Validator) validateStages() error {
	if len(v.cfg.Stages) == 0 {
		return fmt.Errorf("%w: at least one stage must be configured", ErrMissingRequiredField)
	}
	for stage, sc := range v.cfg.Stages {
		if sc.Cap <= 0 {
			return NewValidationError("stage", string(stage), "cap", fmt.Errorf("must be positive, got %d", sc.Cap))
		}
	}
	return nil
}

func (v *Validator) validateWorker() error {
	if v.cfg.AgentCommand == "" {
		return NewValidationError("worker", "", "agent_command", fmt.Errorf("%w", ErrMissingRequiredField))
	}
	return nil
}

func (v *Validator) validateListenAddr() error {
	if v.cfg.ListenAddr == "" {
		return NewValidationError("transport", "", "listen_addr", fmt.Errorf("%w", ErrMissingRequiredField))
	}
	if _, _, err := net.SplitHostPort(v.cfg.ListenAddr); err != nil {
		return NewValidationError("transport", "", "listen_addr", fmt.Errorf("not a valid host:port: %w", err))
	}
	return nil
}

func (v *Validator) validateBackground() error {
	b := v.cfg.Background
	durations := map[string]int64{
		"pr_merge_interval":          int64(b.PRMergeInterval),
		"ci_status_interval":         int64(b.CIStatusInterval),
		"reconcile_interval":         int64(b.ReconcileInterval),
		"lifetime_stats_interval":    int64(b.LifetimeStatsInterval),
		"metrics_snapshot_interval":  int64(b.MetricsSnapshotInterval),
		"retention_interval":         int64(b.RetentionInterval),
		"closed_issue_retention":     int64(b.ClosedIssueRetention),
	}
	for field, d := range durations {
		if d < 0 {
			return NewValidationError("background", "", field, fmt.Errorf("must be non-negative"))
		}
	}
	return nil
}
