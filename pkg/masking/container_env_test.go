package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContainerEnvMasker_Name(t *testing.T) {
	assert.Equal(t, "container_env", (&ContainerEnvMasker{}).Name())
}

func TestContainerEnvMasker_AppliesTo(t *testing.T) {
	m := &ContainerEnvMasker{}
	assert.True(t, m.AppliesTo("DB_PASSWORD=hunter2"))
	assert.False(t, m.AppliesTo("no equals sign here"))
}

func TestContainerEnvMasker_Mask(t *testing.T) {
	m := &ContainerEnvMasker{}

	t.Run("masks a sensitive key regardless of value shape", func(t *testing.T) {
		out := m.Mask("DB_PASSWORD=x")
		assert.Equal(t, "DB_PASSWORD=[MASKED_ENV_VALUE]", out)
	})

	t.Run("masks short, oddly-formatted secrets the regex patterns miss", func(t *testing.T) {
		out := m.Mask("API_TOKEN=ab")
		assert.Equal(t, "API_TOKEN=[MASKED_ENV_VALUE]", out)
	})

	t.Run("leaves non-sensitive env lines untouched", func(t *testing.T) {
		out := m.Mask("PATH=/usr/bin:/bin")
		assert.Equal(t, "PATH=/usr/bin:/bin", out)
	})

	t.Run("leaves non-env log lines untouched", func(t *testing.T) {
		out := m.Mask("starting server on :8080")
		assert.Equal(t, "starting server on :8080", out)
	})

	t.Run("ignores lines with an embedded equals that aren't KEY=VALUE env lines", func(t *testing.T) {
		out := m.Mask("config: password = set via flag")
		assert.Equal(t, "config: password = set via flag", out)
	})

	t.Run("processes multiple lines independently", func(t *testing.T) {
		input := "PATH=/bin\nSECRET_KEY=abc123\nDEBUG=true"
		expected := "PATH=/bin\nSECRET_KEY=[MASKED_ENV_VALUE]\nDEBUG=true"
		assert.Equal(t, expected, m.Mask(input))
	})

	t.Run("case-insensitive key match", func(t *testing.T) {
		out := m.Mask("DbPassWord=x")
		assert.Equal(t, "DbPassWord=[MASKED_ENV_VALUE]", out)
	})

	t.Run("empty value is still masked", func(t *testing.T) {
		out := m.Mask("AWS_SECRET_ACCESS_KEY=")
		assert.Equal(t, "AWS_SECRET_ACCESS_KEY=[MASKED_ENV_VALUE]", out)
	})
}
