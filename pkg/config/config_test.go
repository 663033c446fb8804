package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigStats(t *testing.T) {
	cfg := validConfigForTest()
	stats := cfg.Stats()
	assert.Equal(t, 1, stats.LLMProviders)
}

func TestConfigGetLLMProvider(t *testing.T) {
	cfg := validConfigForTest()

	p, err := cfg.GetLLMProvider("openai-default")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", p.Model)

	_, err = cfg.GetLLMProvider("missing")
	assert.Error(t, err)
}

func TestConfigDir(t *testing.T) {
	cfg := validConfigForTest()
	assert.Equal(t, "/tmp", cfg.ConfigDir())
}
