package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationErrorFormatting(t *testing.T) {
	withField := NewValidationError("queue", "default", "worker_count", errors.New("must be positive"))
	assert.Equal(t, `queue 'default': field 'worker_count': must be positive`, withField.Error())

	withoutField := NewValidationError("retention", "", "", errors.New("is nil"))
	assert.Equal(t, `retention '': is nil`, withoutField.Error())
}

func TestValidationErrorUnwrap(t *testing.T) {
	sentinel := errors.New("boom")
	wrapped := NewValidationError("defaults", "", "llm_provider", sentinel)
	assert.True(t, errors.Is(wrapped, sentinel))
}

func TestLoadErrorFormatting(t *testing.T) {
	err := NewLoadError("vulnforge.yaml", ErrConfigNotFound)
	assert.Contains(t, err.Error(), "vulnforge.yaml")
	assert.True(t, errors.Is(err, ErrConfigNotFound))
}
