package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfigForTest() *Config {
	providers := map[string]*LLMProviderConfig{
		"openai-default": {Type: LLMProviderTypeOpenAI, Model: "gpt-4o-mini", MaxTokens: 4096},
	}
	return &Config{
		configDir: "/tmp",
		Defaults: &Defaults{
			LLMProvider:   "openai-default",
			MaxLoops:      3,
			GeneratorMode: "synthesis",
			Masking:       &MaskingDefaults{Enabled: true, PatternGroup: "security"},
		},
		Queue:               DefaultQueueConfig(),
		Retention:           DefaultRetentionConfig(),
		GitHub:              &GitHubConfig{TokenEnv: "GITHUB_TOKEN"},
		Runbook:             &RunbookConfig{},
		LLMProviderRegistry: NewLLMProviderRegistry(providers),
	}
}

func TestValidateAllAcceptsValidConfig(t *testing.T) {
	err := NewValidator(validConfigForTest()).ValidateAll()
	assert.NoError(t, err)
}

func TestValidateQueueRejectsZeroWorkerCount(t *testing.T) {
	cfg := validConfigForTest()
	cfg.Queue.WorkerCount = 0

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker_count")
}

func TestValidateQueueRejectsJitterGreaterThanInterval(t *testing.T) {
	cfg := validConfigForTest()
	cfg.Queue.PollInterval = 1 * time.Second
	cfg.Queue.PollIntervalJitter = 2 * time.Second

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll_interval_jitter")
}

func TestValidateLLMProvidersRejectsMissingModel(t *testing.T) {
	cfg := validConfigForTest()
	cfg.LLMProviderRegistry = NewLLMProviderRegistry(map[string]*LLMProviderConfig{
		"broken": {Type: LLMProviderTypeOpenAI, MaxTokens: 100},
	})

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model")
}

func TestValidateLLMProvidersRejectsInvalidBaseURL(t *testing.T) {
	cfg := validConfigForTest()
	cfg.LLMProviderRegistry = NewLLMProviderRegistry(map[string]*LLMProviderConfig{
		"broken": {Type: LLMProviderTypeOpenAI, Model: "m", MaxTokens: 100, BaseURL: "://not-a-url"},
	})

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_url")
}

func TestValidateDefaultsRejectsUnknownLLMProvider(t *testing.T) {
	cfg := validConfigForTest()
	cfg.Defaults.LLMProvider = "does-not-exist"

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm_provider")
}

func TestValidateDefaultsRejectsInvalidGeneratorMode(t *testing.T) {
	cfg := validConfigForTest()
	cfg.Defaults.GeneratorMode = "magic"

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generator_mode")
}

func TestValidateDefaultsRejectsUnknownPatternGroupWhenMaskingEnabled(t *testing.T) {
	cfg := validConfigForTest()
	cfg.Defaults.Masking = &MaskingDefaults{Enabled: true, PatternGroup: "nonexistent"}

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pattern_group")
}

func TestValidateDefaultsSkipsPatternGroupCheckWhenMaskingDisabled(t *testing.T) {
	cfg := validConfigForTest()
	cfg.Defaults.Masking = &MaskingDefaults{Enabled: false, PatternGroup: ""}

	err := NewValidator(cfg).ValidateAll()
	assert.NoError(t, err)
}

func TestValidateRunbookSkippedWhenRepoURLEmpty(t *testing.T) {
	cfg := validConfigForTest()
	cfg.Runbook = &RunbookConfig{}

	err := NewValidator(cfg).ValidateAll()
	assert.NoError(t, err)
}

func TestValidateRunbookRejectsDisallowedDomain(t *testing.T) {
	cfg := validConfigForTest()
	cfg.Runbook = &RunbookConfig{
		RepoURL:        "https://evil.example.com/corpus",
		CacheTTL:       1 * time.Minute,
		AllowedDomains: []string{"github.com"},
	}

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allowed_domains")
}

func TestValidateRunbookAcceptsAllowedDomain(t *testing.T) {
	cfg := validConfigForTest()
	cfg.Runbook = &RunbookConfig{
		RepoURL:        "https://github.com/cwe/corpus",
		CacheTTL:       1 * time.Minute,
		AllowedDomains: []string{"github.com"},
	}

	err := NewValidator(cfg).ValidateAll()
	assert.NoError(t, err)
}

func TestValidateRetentionRejectsZeroRetentionDays(t *testing.T) {
	cfg := validConfigForTest()
	cfg.Retention.RunRetentionDays = 0

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run_retention_days")
}
