package config

import "time"

// RetentionConfig controls pkg/cleanup's sweep of on-disk run state.
type RetentionConfig struct {
	// RunRetentionDays is how many days to keep a completed SID's
	// workspaces/<sid>/ and artifacts/<sid>/ directories before pruning
	// them.
	RunRetentionDays int `yaml:"run_retention_days"`

	// OrphanWorkspaceTTL is the maximum age of a workspaces/<sid>/ dir with
	// no matching loop_state.json before it is pruned as abandoned. Normal
	// per-run cleanup handles the completed case; this is a safety net.
	OrphanWorkspaceTTL time.Duration `yaml:"orphan_workspace_ttl"`

	// CleanupInterval is how often the sweep loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		RunRetentionDays:   30,
		OrphanWorkspaceTTL: 24 * time.Hour,
		CleanupInterval:    1 * time.Hour,
	}
}
