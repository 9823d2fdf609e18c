package toolexec

import (
	"context"
)

// PromptMaterial is the output of a successful tool-service call: everything
// the generation provider needs to produce final content.
type PromptMaterial struct {
	System      string  `json:"system"`
	User        string  `json:"user"`
	Model       string  `json:"model,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
}

// Generation is the normalized result of one generation-provider call.
type Generation struct {
	// Content is the raw generated text. Callers expecting structured output
	// JSON-parse it themselves.
	Content string

	// TokensUsed is the total token count reported by the provider, when known.
	TokensUsed int
}

// Generator turns prompt material into generated content. Implementations
// wrap a specific provider SDK and normalize failures into PipelineError.
type Generator interface {
	Generate(ctx context.Context, material PromptMaterial) (*Generation, error)
}
