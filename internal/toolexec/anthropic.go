package toolexec

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultAnthropicModel is used when neither the prompt material nor the
// configuration names a model.
const DefaultAnthropicModel = "claude-sonnet-4-20250514"

const defaultAnthropicMaxTokens = 4096

// AnthropicGenerator calls the Anthropic Messages API.
type AnthropicGenerator struct {
	client       anthropic.Client
	defaultModel string
}

// AnthropicConfig configures the Anthropic generation backend.
type AnthropicConfig struct {
	// APIKey is the provider API key (required).
	APIKey string

	// BaseURL overrides the API endpoint (optional).
	BaseURL string

	// DefaultModel is used when the prompt material does not name one.
	DefaultModel string
}

// NewAnthropicGenerator creates an Anthropic-backed generator.
func NewAnthropicGenerator(cfg AnthropicConfig) (*AnthropicGenerator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultAnthropicModel
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicGenerator{
		client:       anthropic.NewClient(options...),
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Generate implements Generator.
func (g *AnthropicGenerator) Generate(ctx context.Context, material PromptMaterial) (*Generation, error) {
	model := material.Model
	if model == "" {
		model = g.defaultModel
	}
	maxTokens := material.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(material.User)),
		},
	}
	if material.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: material.System}}
	}
	if material.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(material.Temperature))
	}

	msg, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return nil, normalizeAnthropicError(ctx, err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(text.Text)
		}
	}
	if sb.Len() == 0 {
		return nil, &PipelineError{
			Reason:  ReasonMalformedResponse,
			Target:  targetGeneration,
			Message: "message response carried no text content",
		}
	}

	return &Generation{
		Content:    sb.String(),
		TokensUsed: int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}, nil
}

func normalizeAnthropicError(ctx context.Context, err error) *PipelineError {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &PipelineError{
			Reason: ReasonUpstreamHTTP,
			Target: targetGeneration,
			Status: apiErr.StatusCode,
			Cause:  err,
		}
	}
	return transportError(ctx, targetGeneration, err)
}
