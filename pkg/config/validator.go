package config

import (
	"fmt"
	"net/url"
)

// Validator validates configuration comprehensively with clear error messages.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast — stops at first error).
func (v *Validator) ValidateAll() error {
	if err := v.validateQueue(); err != nil {
		return fmt.Errorf("queue validation failed: %w", err)
	}
	if err := v.validateLLMProviders(); err != nil {
		return fmt.Errorf("LLM provider validation failed: %w", err)
	}
	if err := v.validateDefaults(); err != nil {
		return fmt.Errorf("defaults validation failed: %w", err)
	}
	if err := v.validateRunbook(); err != nil {
		return fmt.Errorf("runbook validation failed: %w", err)
	}
	if err := v.validateRetention(); err != nil {
		return fmt.Errorf("retention validation failed: %w", err)
	}
	return nil
}

func (v *Validator) validateQueue() error {
	q := v.cfg.Queue
	if q == nil {
		return fmt.Errorf("queue configuration is nil")
	}

	if q.WorkerCount < 1 || q.WorkerCount > 50 {
		return fmt.Errorf("worker_count must be between 1 and 50, got %d", q.WorkerCount)
	}
	if q.MaxConcurrentRuns < 1 {
		return fmt.Errorf("max_concurrent_runs must be at least 1, got %d", q.MaxConcurrentRuns)
	}
	if q.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", q.PollInterval)
	}
	if q.PollIntervalJitter < 0 {
		return fmt.Errorf("poll_interval_jitter must be non-negative, got %v", q.PollIntervalJitter)
	}
	if q.PollIntervalJitter >= q.PollInterval {
		return fmt.Errorf("poll_interval_jitter must be less than poll_interval, got jitter=%v interval=%v", q.PollIntervalJitter, q.PollInterval)
	}
	if q.RunTimeout <= 0 {
		return fmt.Errorf("run_timeout must be positive, got %v", q.RunTimeout)
	}
	if q.GracefulShutdownTimeout <= 0 {
		return fmt.Errorf("graceful_shutdown_timeout must be positive, got %v", q.GracefulShutdownTimeout)
	}
	if q.OrphanDetectionInterval <= 0 {
		return fmt.Errorf("orphan_detection_interval must be positive, got %v", q.OrphanDetectionInterval)
	}
	if q.OrphanThreshold <= 0 {
		return fmt.Errorf("orphan_threshold must be positive, got %v", q.OrphanThreshold)
	}

	return nil
}

func (v *Validator) validateLLMProviders() error {
	for name, provider := range v.cfg.LLMProviderRegistry.GetAll() {
		if provider.Type == "" || !provider.Type.IsValid() {
			return NewValidationError("llm_provider", name, "type", fmt.Errorf("invalid or missing provider type: %q", provider.Type))
		}
		if provider.Model == "" {
			return NewValidationError("llm_provider", name, "model", fmt.Errorf("model is required"))
		}
		if provider.MaxTokens < 1 {
			return NewValidationError("llm_provider", name, "max_tokens", fmt.Errorf("must be at least 1, got %d", provider.MaxTokens))
		}
		if provider.BaseURL != "" {
			if _, err := url.Parse(provider.BaseURL); err != nil {
				return NewValidationError("llm_provider", name, "base_url", fmt.Errorf("invalid URL: %w", err))
			}
		}
	}
	return nil
}

func (v *Validator) validateDefaults() error {
	defaults := v.cfg.Defaults
	if defaults == nil {
		return nil
	}

	if defaults.LLMProvider != "" && !v.cfg.LLMProviderRegistry.Has(defaults.LLMProvider) {
		return NewValidationError("defaults", "", "llm_provider", fmt.Errorf("provider '%s' not found", defaults.LLMProvider))
	}
	if defaults.MaxLoops < 1 {
		return NewValidationError("defaults", "", "max_loops", fmt.Errorf("must be at least 1, got %d", defaults.MaxLoops))
	}
	switch defaults.GeneratorMode {
	case "template", "synthesis", "hybrid":
	default:
		return NewValidationError("defaults", "", "generator_mode", fmt.Errorf("invalid generator mode: %q", defaults.GeneratorMode))
	}

	if defaults.Masking != nil && defaults.Masking.Enabled {
		builtin := GetBuiltinConfig()
		groupName := defaults.Masking.PatternGroup
		if groupName == "" {
			return NewValidationError("defaults", "", "masking.pattern_group",
				fmt.Errorf("pattern_group is required when masking is enabled"))
		}
		if _, exists := builtin.PatternGroups[groupName]; !exists {
			return NewValidationError("defaults", "", "masking.pattern_group",
				fmt.Errorf("pattern group '%s' not found in built-in groups", groupName))
		}
	}

	return nil
}

func (v *Validator) validateRunbook() error {
	rb := v.cfg.Runbook
	if rb == nil || rb.RepoURL == "" {
		return nil // disabled
	}

	parsed, err := url.Parse(rb.RepoURL)
	if err != nil {
		return NewValidationError("runbook", "", "repo_url", fmt.Errorf("invalid URL: %w", err))
	}

	allowed := false
	for _, domain := range rb.AllowedDomains {
		if parsed.Host == domain {
			allowed = true
			break
		}
	}
	if !allowed {
		return NewValidationError("runbook", "", "repo_url", fmt.Errorf("host %q is not in allowed_domains %v", parsed.Host, rb.AllowedDomains))
	}
	if rb.CacheTTL <= 0 {
		return NewValidationError("runbook", "", "cache_ttl", fmt.Errorf("must be positive, got %v", rb.CacheTTL))
	}

	return nil
}

func (v *Validator) validateRetention() error {
	r := v.cfg.Retention
	if r == nil {
		return fmt.Errorf("retention configuration is nil")
	}
	if r.RunRetentionDays < 1 {
		return NewValidationError("retention", "", "run_retention_days", fmt.Errorf("must be at least 1, got %d", r.RunRetentionDays))
	}
	if r.OrphanWorkspaceTTL <= 0 {
		return NewValidationError("retention", "", "orphan_workspace_ttl", fmt.Errorf("must be positive, got %v", r.OrphanWorkspaceTTL))
	}
	if r.CleanupInterval <= 0 {
		return NewValidationError("retention", "", "cleanup_interval", fmt.Errorf("must be positive, got %v", r.CleanupInterval))
	}
	return nil
}
