package config

import (
	"sync"
)

// BuiltinConfig holds all built-in configuration data: default LLM
// providers and the secret-masking pattern library pkg/masking draws from.
type BuiltinConfig struct {
	LLMProviders    map[string]LLMProviderConfig
	MaskingPatterns map[string]MaskingPattern
	PatternGroups   map[string][]string
	CodeMaskers     []string
}

// MaskingPattern defines a regex-based masking pattern, consumed by
// pkg/masking to scrub secret-shaped values out of build/run logs before
// they are persisted under artifacts/<sid>/ or surfaced via the API.
type MaskingPattern struct {
	Pattern     string `yaml:"pattern" validate:"required"`
	Replacement string `yaml:"replacement" validate:"required"`
	Description string `yaml:"description,omitempty"`
}

var (
	builtinConfig     *BuiltinConfig
	builtinConfigOnce sync.Once
)

// GetBuiltinConfig returns the singleton built-in configuration (thread-safe, lazy-initialized)
func GetBuiltinConfig() *BuiltinConfig {
	builtinConfigOnce.Do(initBuiltinConfig)
	return builtinConfig
}

func initBuiltinConfig() {
	builtinConfig = &BuiltinConfig{
		LLMProviders:    initBuiltinLLMProviders(),
		MaskingPatterns: initBuiltinMaskingPatterns(),
		PatternGroups:   initBuiltinPatternGroups(),
		CodeMaskers:     initBuiltinCodeMaskers(),
	}
}

func initBuiltinLLMProviders() map[string]LLMProviderConfig {
	return map[string]LLMProviderConfig{
		"openai-default": {
			Type:      LLMProviderTypeOpenAI,
			Model:     "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
			MaxTokens: 4096,
		},
		"anthropic-default": {
			Type:      LLMProviderTypeAnthropic,
			Model:     "claude-3-5-sonnet-20241022",
			APIKeyEnv: "ANTHROPIC_API_KEY",
			MaxTokens: 4096,
		},
	}
}

// initBuiltinMaskingPatterns defines the secret-shaped regexes pkg/masking
// scrubs out of synthesized-app build/run logs, so a candidate's own
// container environment (credentials the sandbox host happens to export)
// never leaks into a packed artifact.
func initBuiltinMaskingPatterns() map[string]MaskingPattern {
	return map[string]MaskingPattern{
		"api_key": {
			Pattern:     `(?i)(?:api[_-]?key|apikey|key)["\']?\s*[:=]\s*["\']?([A-Za-z0-9_\-]{20,})["\']?`,
			Replacement: `"api_key": "[MASKED_API_KEY]"`,
			Description: "API keys",
		},
		"password": {
			Pattern:     `(?i)(?:password|pwd|pass)["\']?\s*[:=]\s*["\']?([^"\'\s\n]{6,})["\']?`,
			Replacement: `"password": "[MASKED_PASSWORD]"`,
			Description: "Passwords",
		},
		"token": {
			Pattern:     `(?i)(?:token|bearer|jwt)["\']?\s*[:=]\s*["\']?([A-Za-z0-9_\-\.]{20,})["\']?`,
			Replacement: `"token": "[MASKED_TOKEN]"`,
			Description: "Access tokens",
		},
		"private_key": {
			Pattern:     `(?i)(?:private[_-]?key)["\']?\s*[:=]\s*["\']?([A-Za-z0-9_\-\.]{20,})["\']?`,
			Replacement: `"private_key": "[MASKED_PRIVATE_KEY]"`,
			Description: "Private keys",
		},
		"secret_key": {
			Pattern:     `(?i)(?:secret[_-]?key)["\']?\s*[:=]\s*["\']?([A-Za-z0-9_\-\.]{20,})["\']?`,
			Replacement: `"secret_key": "[MASKED_SECRET_KEY]"`,
			Description: "Secret keys",
		},
		"aws_access_key": {
			Pattern:     `(?i)(?:aws[_-]?access[_-]?key[_-]?id)["\']?\s*[:=]\s*["\']?(AKIA[A-Z0-9]{16})["\']?`,
			Replacement: `"aws_access_key_id": "[MASKED_AWS_KEY]"`,
			Description: "AWS access keys",
		},
		"aws_secret_key": {
			Pattern:     `(?i)(?:aws[_-]?secret[_-]?access[_-]?key)["\']?\s*[:=]\s*["\']?([A-Za-z0-9/+=]{40})["\']?`,
			Replacement: `"aws_secret_access_key": "[MASKED_AWS_SECRET]"`,
			Description: "AWS secret keys",
		},
		"github_token": {
			Pattern:     `(?i)(?:github[_-]?token|gh[ps]_[A-Za-z0-9_]{36,255})`,
			Replacement: `[MASKED_GITHUB_TOKEN]`,
			Description: "GitHub tokens",
		},
		"flag_token": {
			Pattern:     `FLAG\{[^}]{1,200}\}`,
			Replacement: `[MASKED_FLAG_TOKEN]`,
			Description: "Synthesized PoC flag tokens, masked from any log surface other than the verifier's own evidence trail",
		},
		"base64_secret": {
			Pattern:     `\b([A-Za-z0-9+/]{20,}={0,2})\b`,
			Replacement: `[MASKED_BASE64_VALUE]`,
			Description: "Base64 values (20+ chars)",
		},
	}
}

// initBuiltinPatternGroups returns predefined groups of masking patterns.
// Pattern group members can reference either MaskingPatterns (regex-based)
// or CodeMaskers (structural, for shapes a single regex can't safely
// capture).
func initBuiltinPatternGroups() map[string][]string {
	return map[string][]string{
		"basic":    {"api_key", "password"},
		"secrets":  {"api_key", "password", "token", "private_key", "secret_key"},
		"security": {"container_env", "api_key", "password", "token", "secret_key", "flag_token"},
		"cloud":    {"aws_access_key", "aws_secret_key", "api_key", "token"},
		"all": {"container_env", "base64_secret", "api_key", "password", "token", "private_key",
			"secret_key", "aws_access_key", "aws_secret_key", "github_token", "flag_token"},
	}
}

// initBuiltinCodeMaskers returns names of code-based maskers for masking
// scenarios a single regex can't express correctly. Each name must match a
// Masker registered in pkg/masking/service.go (registerMasker).
func initBuiltinCodeMaskers() []string {
	return []string{
		"container_env", // pkg/masking/container_env.go — scrubs sandbox-host env values echoed into a log
	}
}
