// Package llm provides interfaces and implementations for Large Language Model clients.
package llm

import (
	"context"
)

// GenerateOptions configures the LLM generation request.
type GenerateOptions struct {
	// Model overrides the client's default model when set.
	Model string

	// SystemPrompt sets the system-level instructions for the model.
	SystemPrompt string

	// Temperature controls randomness in generation. Zero leaves the model default.
	Temperature float32

	// MaxTokens limits the response length. Zero means no limit.
	MaxTokens int
}

// LLM generates text completions.
type LLM interface {
	// Generate sends a prompt and blocks until the full response is received.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}
