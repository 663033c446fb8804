package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestInitializeHappyPath(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "vulnforge.yaml", `
system:
  github:
    token_env: GITHUB_TOKEN
  runbook:
    repo_url: "https://github.com/cwe/corpus"
    cache_ttl: "10m"
    allowed_domains: ["github.com"]
  retention:
    run_retention_days: 14
defaults:
  llm_provider: openai-default
  max_loops: 5
  generator_mode: synthesis
`)
	writeConfigFile(t, dir, "llm-providers.yaml", `
llm_providers:
  custom-proxy:
    type: openai
    model: gpt-4o
    api_key_env: CUSTOM_KEY
    max_tokens: 8192
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Defaults.MaxLoops)
	assert.Equal(t, "synthesis", cfg.Defaults.GeneratorMode)
	assert.True(t, cfg.Defaults.Masking.Enabled)
	assert.Equal(t, "security", cfg.Defaults.Masking.PatternGroup)

	assert.Equal(t, 14, cfg.Retention.RunRetentionDays)
	assert.Equal(t, "https://github.com/cwe/corpus", cfg.Runbook.RepoURL)
	assert.Equal(t, "GITHUB_TOKEN", cfg.GitHub.TokenEnv)

	// Built-ins plus the user-defined provider.
	assert.True(t, cfg.LLMProviderRegistry.Has("openai-default"))
	assert.True(t, cfg.LLMProviderRegistry.Has("anthropic-default"))
	assert.True(t, cfg.LLMProviderRegistry.Has("custom-proxy"))
}

func TestInitializeMissingVulnforgeYAML(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "llm-providers.yaml", "llm_providers: {}\n")

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestInitializeAppliesQueueOverrides(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "vulnforge.yaml", `
queue:
  worker_count: 10
  max_concurrent_runs: 2
`)
	writeConfigFile(t, dir, "llm-providers.yaml", "llm_providers: {}\n")

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Queue.WorkerCount)
	assert.Equal(t, 2, cfg.Queue.MaxConcurrentRuns)
	// Untouched fields keep built-in defaults.
	assert.Equal(t, DefaultQueueConfig().RunTimeout, cfg.Queue.RunTimeout)
}

func TestInitializeFailsValidationOnBadOverride(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "vulnforge.yaml", `
queue:
  worker_count: 0
`)
	writeConfigFile(t, dir, "llm-providers.yaml", "llm_providers: {}\n")

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker_count")
}

func TestInitializeExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CWE_REPO_URL", "https://github.com/cwe/corpus")
	writeConfigFile(t, dir, "vulnforge.yaml", `
system:
  runbook:
    repo_url: "{{.CWE_REPO_URL}}"
    allowed_domains: ["github.com"]
`)
	writeConfigFile(t, dir, "llm-providers.yaml", "llm_providers: {}\n")

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/cwe/corpus", cfg.Runbook.RepoURL)
}

func TestInitializeDefaultRetentionWhenSystemOmitted(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "vulnforge.yaml", "defaults:\n  max_loops: 2\n")
	writeConfigFile(t, dir, "llm-providers.yaml", "llm_providers: {}\n")

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, DefaultRetentionConfig().RunRetentionDays, cfg.Retention.RunRetentionDays)
	assert.Equal(t, "GITHUB_TOKEN", cfg.GitHub.TokenEnv)
}
