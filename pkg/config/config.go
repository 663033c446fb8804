package config

// Config is the umbrella configuration object returned by Initialize() and
// used throughout the application: system-wide defaults plus the
// component configs pkg/queue, pkg/cleanup, pkg/runbook, pkg/llm, and
// pkg/masking are constructed from.
type Config struct {
	configDir string // Configuration directory path (for reference)

	// System-wide defaults
	Defaults *Defaults

	// Queue/worker pool configuration (pkg/queue.WorkerPool)
	Queue *QueueConfig

	// Retention/cleanup sweep configuration (pkg/cleanup)
	Retention *RetentionConfig

	// GitHub integration (pkg/runbook's go-github client)
	GitHub *GitHubConfig

	// CWE pattern-corpus fetch configuration (pkg/runbook)
	Runbook *RunbookConfig

	// LLM provider registry (pkg/llm.Client construction)
	LLMProviderRegistry *LLMProviderRegistry
}

// Initialize is defined in loader.go

// ConfigStats contains statistics about loaded configuration.
type ConfigStats struct {
	LLMProviders int
}

// Stats returns configuration statistics for logging/monitoring.
func (c *Config) Stats() ConfigStats {
	return ConfigStats{
		LLMProviders: c.LLMProviderRegistry.Len(),
	}
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// GetLLMProvider retrieves an LLM provider configuration by name.
// This is a convenience method that wraps LLMProviderRegistry.Get().
func (c *Config) GetLLMProvider(name string) (*LLMProviderConfig, error) {
	return c.LLMProviderRegistry.Get(name)
}
