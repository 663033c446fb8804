package config

// LLMProviderType defines supported LLM providers.
type LLMProviderType string

const (
	// LLMProviderTypeOpenAI talks to the OpenAI API, or any OpenAI-compatible
	// endpoint reached via BaseURL override, through
	// github.com/sashabaranov/go-openai.
	LLMProviderTypeOpenAI LLMProviderType = "openai"
	// LLMProviderTypeAnthropic talks to an Anthropic-compatible endpoint
	// through the same OpenAI-shaped client via BaseURL override.
	LLMProviderTypeAnthropic LLMProviderType = "anthropic"
	// LLMProviderTypeFixture is the deterministic in-memory test double
	// (pkg/llm.Fixture); never valid outside tests.
	LLMProviderTypeFixture LLMProviderType = "fixture"
)

// IsValid checks if the LLM provider type is valid.
func (t LLMProviderType) IsValid() bool {
	switch t {
	case LLMProviderTypeOpenAI, LLMProviderTypeAnthropic, LLMProviderTypeFixture:
		return true
	default:
		return false
	}
}
