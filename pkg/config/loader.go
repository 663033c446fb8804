package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// VulnforgeYAMLConfig represents the complete vulnforge.yaml file structure.
type VulnforgeYAMLConfig struct {
	System   *SystemYAMLConfig `yaml:"system"`
	Defaults *Defaults         `yaml:"defaults"`
	Queue    *QueueConfig      `yaml:"queue"`
}

// SystemYAMLConfig groups system-wide infrastructure settings.
type SystemYAMLConfig struct {
	GitHub    *GitHubYAMLConfig  `yaml:"github"`
	Runbook   *RunbookYAMLConfig `yaml:"runbook"`
	Retention *RetentionConfig   `yaml:"retention"`
}

// GitHubYAMLConfig holds GitHub integration settings from YAML.
type GitHubYAMLConfig struct {
	TokenEnv string `yaml:"token_env,omitempty"` // Defaults to "GITHUB_TOKEN" if omitted
}

// RunbookYAMLConfig holds CWE pattern-corpus fetch settings from YAML.
type RunbookYAMLConfig struct {
	RepoURL        string   `yaml:"repo_url,omitempty"`
	CacheTTL       string   `yaml:"cache_ttl,omitempty"` // Parsed to time.Duration
	AllowedDomains []string `yaml:"allowed_domains,omitempty"`
}

// LLMProvidersYAMLConfig represents the complete llm-providers.yaml file structure.
type LLMProvidersYAMLConfig struct {
	LLMProviders map[string]LLMProviderConfig `yaml:"llm_providers"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load YAML files from configDir
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge built-in + user-defined LLM providers
//  5. Build the LLM provider registry
//  6. Apply default values
//  7. Validate all configuration
//  8. Return Config ready for use
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

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully", "llm_providers", stats.LLMProviders)

	return cfg, nil
}

// load is the internal loader (not exported).
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	vfConfig, err := loader.loadVulnforgeYAML()
	if err != nil {
		return nil, NewLoadError("vulnforge.yaml", err)
	}

	llmProviders, err := loader.loadLLMProvidersYAML()
	if err != nil {
		return nil, NewLoadError("llm-providers.yaml", err)
	}

	builtin := GetBuiltinConfig()

	llmProvidersMerged := mergeLLMProviders(builtin.LLMProviders, llmProviders)
	llmProviderRegistry := NewLLMProviderRegistry(llmProvidersMerged)

	defaults := vfConfig.Defaults
	if defaults == nil {
		defaults = &Defaults{}
	}
	if defaults.MaxLoops == 0 {
		defaults.MaxLoops = 3
	}
	if defaults.GeneratorMode == "" {
		defaults.GeneratorMode = "synthesis"
	}
	if defaults.Masking == nil {
		defaults.Masking = &MaskingDefaults{Enabled: true, PatternGroup: "security"}
	}

	queueConfig := DefaultQueueConfig()
	if vfConfig.Queue != nil {
		if err := mergo.Merge(queueConfig, vfConfig.Queue, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge queue config: %w", err)
		}
	}

	githubCfg := resolveGitHubConfig(vfConfig.System)
	runbookCfg := resolveRunbookConfig(vfConfig.System)
	retentionCfg := resolveRetentionConfig(vfConfig.System)

	return &Config{
		configDir:           configDir,
		Defaults:            defaults,
		Queue:               queueConfig,
		GitHub:              githubCfg,
		Runbook:             runbookCfg,
		Retention:           retentionCfg,
		LLMProviderRegistry: llmProviderRegistry,
	}, nil
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

	// Expand environment variables; on parse/execution errors the original
	// data passes through unchanged, letting the YAML parser fail with a
	// clearer error message.
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadVulnforgeYAML() (*VulnforgeYAMLConfig, error) {
	var config VulnforgeYAMLConfig
	if err := l.loadYAML("vulnforge.yaml", &config); err != nil {
		return nil, err
	}
	return &config, nil
}

func (l *configLoader) loadLLMProvidersYAML() (map[string]LLMProviderConfig, error) {
	var config LLMProvidersYAMLConfig
	config.LLMProviders = make(map[string]LLMProviderConfig)

	if err := l.loadYAML("llm-providers.yaml", &config); err != nil {
		return nil, err
	}

	return config.LLMProviders, nil
}

// resolveGitHubConfig resolves GitHub configuration from system YAML, applying defaults.
func resolveGitHubConfig(sys *SystemYAMLConfig) *GitHubConfig {
	cfg := &GitHubConfig{TokenEnv: "GITHUB_TOKEN"}

	if sys != nil && sys.GitHub != nil && sys.GitHub.TokenEnv != "" {
		cfg.TokenEnv = sys.GitHub.TokenEnv
	}

	return cfg
}

// resolveRunbookConfig resolves the CWE corpus fetch configuration from system YAML, applying defaults.
func resolveRunbookConfig(sys *SystemYAMLConfig) *RunbookConfig {
	cfg := &RunbookConfig{
		CacheTTL:       1 * time.Minute,
		AllowedDomains: []string{"github.com", "raw.githubusercontent.com"},
	}

	if sys == nil || sys.Runbook == nil {
		return cfg
	}

	rb := sys.Runbook
	if rb.RepoURL != "" {
		cfg.RepoURL = rb.RepoURL
	}
	if rb.CacheTTL != "" {
		if d, err := time.ParseDuration(rb.CacheTTL); err == nil {
			cfg.CacheTTL = d
		} else {
			slog.Warn("invalid cache_ttl in runbook config, using default",
				"value", rb.CacheTTL, "default", cfg.CacheTTL, "error", err)
		}
	}
	if len(rb.AllowedDomains) > 0 {
		cfg.AllowedDomains = rb.AllowedDomains
	}

	return cfg
}

// resolveRetentionConfig resolves retention configuration from system YAML, applying defaults.
func resolveRetentionConfig(sys *SystemYAMLConfig) *RetentionConfig {
	cfg := DefaultRetentionConfig()

	if sys == nil || sys.Retention == nil {
		return cfg
	}

	r := sys.Retention
	if r.RunRetentionDays > 0 {
		cfg.RunRetentionDays = r.RunRetentionDays
	}
	if r.OrphanWorkspaceTTL > 0 {
		cfg.OrphanWorkspaceTTL = r.OrphanWorkspaceTTL
	}
	if r.CleanupInterval > 0 {
		cfg.CleanupInterval = r.CleanupInterval
	}

	return cfg
}
