package config

// Defaults contains system-wide default configurations, applied when a
// Requirement or run request doesn't specify its own values.
type Defaults struct {
	// LLMProvider is the provider name (key into LLMProviderRegistry) used
	// when a Requirement omits one.
	LLMProvider string `yaml:"llm_provider,omitempty"`

	// MaxLoops is the default Loop Controller retry budget per SID.
	MaxLoops int `yaml:"max_loops,omitempty" validate:"omitempty,min=1"`

	// GeneratorMode is the default Synthesis Engine mode: "template",
	// "synthesis", or "hybrid" (pkg/requirement.GeneratorMode).
	GeneratorMode string `yaml:"generator_mode,omitempty"`

	// VerifierPreferRule is the default Verifier Chain decision-order
	// policy: try the rule verifier before any registered plugin.
	VerifierPreferRule bool `yaml:"verifier_prefer_rule"`

	// VerifierLLMAssist enables the last-resort LLM-assisted verifier by
	// default.
	VerifierLLMAssist bool `yaml:"verifier_llm_assist"`

	// Masking holds the default secret-scrubbing policy applied to build
	// and run logs before they are persisted under artifacts/<sid>/.
	Masking *MaskingDefaults `yaml:"masking,omitempty"`
}

// MaskingDefaults controls pkg/masking's default scrubbing behavior.
type MaskingDefaults struct {
	Enabled      bool   `yaml:"enabled"`
	PatternGroup string `yaml:"pattern_group"`
}
