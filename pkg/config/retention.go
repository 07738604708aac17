package config

import "time"

// RetentionYAMLConfig holds the `retention` section of hydra.yaml.
type RetentionYAMLConfig struct {
	ClosedIssueRetentionDays int    `yaml:"closed_issue_retention_days,omitempty"`
	CleanupInterval          string `yaml:"cleanup_interval,omitempty"` // parsed to time.Duration
}

// resolveRetention applies r on top of the background defaults, returning
// the two fields background.Config cares about. A nil r leaves the
// defaults untouched (background.Config.applyDefaults fills them in).
func resolveRetention(r *RetentionYAMLConfig) (closedIssueRetention, cleanupInterval time.Duration) {
	if r == nil {
		return 0, 0
	}
	if r.ClosedIssueRetentionDays > 0 {
		closedIssueRetention = time.Duration(r.ClosedIssueRetentionDays) * 24 * time.Hour
	}
	if r.CleanupInterval != "" {
		if d, err := time.ParseDuration(r.CleanupInterval); err == nil {
			cleanupInterval = d
		}
	}
	return closedIssueRetention, cleanupInterval
}
