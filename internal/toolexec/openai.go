package toolexec

import (
	"context"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultOpenAIModel is used when neither the prompt material nor the
// configuration names a model.
const DefaultOpenAIModel = "gpt-4o-mini"

// OpenAIGenerator calls an OpenAI-compatible chat-completions endpoint.
type OpenAIGenerator struct {
	client       *openai.Client
	defaultModel string
}

// OpenAIConfig configures the OpenAI generation backend.
type OpenAIConfig struct {
	// APIKey is the provider API key (required).
	APIKey string

	// BaseURL overrides the API endpoint (optional).
	BaseURL string

	// DefaultModel is used when the prompt material does not name one.
	DefaultModel string
}

// NewOpenAIGenerator creates an OpenAI-backed generator.
func NewOpenAIGenerator(cfg OpenAIConfig) (*OpenAIGenerator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultOpenAIModel
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &OpenAIGenerator{
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Generate implements Generator.
func (g *OpenAIGenerator) Generate(ctx context.Context, material PromptMaterial) (*Generation, error) {
	model := material.Model
	if model == "" {
		model = g.defaultModel
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if material.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: material.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: material.User,
	})

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: material.Temperature,
		MaxTokens:   material.MaxTokens,
	})
	if err != nil {
		return nil, normalizeOpenAIError(ctx, err)
	}

	if len(resp.Choices) == 0 {
		return nil, &PipelineError{
			Reason:  ReasonMalformedResponse,
			Target:  targetGeneration,
			Message: "completion response carried no choices",
		}
	}

	return &Generation{
		Content:    resp.Choices[0].Message.Content,
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}

func normalizeOpenAIError(ctx context.Context, err error) *PipelineError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &PipelineError{
			Reason:  ReasonUpstreamHTTP,
			Target:  targetGeneration,
			Status:  apiErr.HTTPStatusCode,
			Message: apiErr.Message,
			Cause:   err,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &PipelineError{
			Reason: ReasonUpstreamHTTP,
			Target: targetGeneration,
			Status: reqErr.HTTPStatusCode,
			Cause:  err,
		}
	}
	return transportError(ctx, targetGeneration, err)
}
