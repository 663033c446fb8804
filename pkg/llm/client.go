// Package llm models the LLM collaborator as an opaque text-in/text-out
// interface. The wire protocol to the model provider is intentionally out
// of scope; this package exists only so agents (pkg/agent) have something
// concrete to call, backed by a real SDK rather than a hand-rolled
// transport.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	openai "github.com/sashabaranov/go-openai"
)

// Client is the collaborator abstraction every agent façade depends on.
// Backed by an OpenAI-compatible completion API rather than a
// generated-stub gRPC transport; see DESIGN.md for the rationale.
type Client interface {
	// Complete sends a single prompt and returns the model's raw text
	// response.
	Complete(ctx context.Context, prompt string, temperature float64) (string, error)
}

// OpenAIClient is the concrete Client backed by the OpenAI-compatible API.
type OpenAIClient struct {
	inner *openai.Client
	model string
}

// NewOpenAIClient builds an OpenAIClient from environment-driven
// configuration (model name, no CLI flags).
func NewOpenAIClient(apiKey, model string) *OpenAIClient {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIClient{inner: openai.NewClient(apiKey), model: model}
}

// Complete implements Client.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string, temperature float64) (string, error) {
	resp, err := c.inner.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: float32(temperature),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("llm: completion request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm: empty completion response")
	}
	return resp.Choices[0].Message.Content, nil
}

// NewFromEnv builds a Client from VULNFORGE_LLM_API_KEY /
// VULNFORGE_LLM_MODEL, logging the resolved model on construction.
func NewFromEnv() Client {
	model := os.Getenv("VULNFORGE_LLM_MODEL")
	client := NewOpenAIClient(os.Getenv("VULNFORGE_LLM_API_KEY"), model)
	slog.Info("llm client configured", "model", client.model)
	return client
}

// Fixture is an in-memory Client for tests: responses are played back in
// order; once exhausted, Complete returns Err (or a canned error if Err is
// nil).
type Fixture struct {
	Responses []string
	Err       error
	calls     int
	Prompts   []string
}

// Complete implements Client.
func (f *Fixture) Complete(_ context.Context, prompt string, _ float64) (string, error) {
	f.Prompts = append(f.Prompts, prompt)
	defer func() { f.calls++ }()
	if f.calls < len(f.Responses) {
		return f.Responses[f.calls], nil
	}
	if f.Err != nil {
		return "", f.Err
	}
	return "", fmt.Errorf("llm: fixture exhausted after %d calls", f.calls)
}
