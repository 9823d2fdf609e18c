// Package pipeline coordinates the two-call generation flow: the
// tool-execution service produces prompt material, the generation provider
// turns it into content, and the session records progress in between.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/stratagem-ai/stratagem/internal/automation"
	"github.com/stratagem-ai/stratagem/internal/generation"
	"github.com/stratagem-ai/stratagem/internal/observability"
	"github.com/stratagem-ai/stratagem/internal/toolexec"
)

// Tool names on the tool-execution service.
const (
	toolGenerateFields    = "generate_card_fields"
	toolTranscriptEdits   = "apply_transcript_edits"
	toolAnalyzeURL        = "analyze_url"
	toolAutomationPrompts = "generate_automation_prompts"
)

// ToolInvoker is the slice of the toolexec client the orchestrator needs.
type ToolInvoker interface {
	InvokeTool(ctx context.Context, name string, payload any) (json.RawMessage, error)
}

// Request describes one interactive generation.
type Request struct {
	CardID         string         `json:"cardId"`
	BlueprintType  string         `json:"blueprintType"`
	CardTitle      string         `json:"cardTitle"`
	StrategyID     string         `json:"strategyId,omitempty"`
	Transcript     string         `json:"transcript,omitempty"`
	ExistingFields map[string]any `json:"existingFields,omitempty"`
}

// AnalyzeRequest describes one URL analysis.
type AnalyzeRequest struct {
	URL      string `json:"url"`
	Context  string `json:"context,omitempty"`
	Category string `json:"category,omitempty"`
}

// AnalysisResult is the normalized URL analysis payload.
type AnalysisResult struct {
	CardsCreated int              `json:"cardsCreated"`
	Cards        []map[string]any `json:"cards,omitempty"`
	Summary      string           `json:"summary,omitempty"`
}

// promptResponse is the payload the tool service returns for generation
// requests: prompt material and provider configuration, not final content.
type promptResponse struct {
	Success bool `json:"success"`
	Prompts struct {
		System string `json:"system"`
		User   string `json:"user"`
	} `json:"prompts"`
	Model       string  `json:"model,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
}

// Orchestrator drives generation sessions through the two-call sequence.
type Orchestrator struct {
	tools        ToolInvoker
	generator    toolexec.Generator
	logger       *slog.Logger
	metrics      *observability.Metrics
	tracer       trace.Tracer
	costPerToken float64
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithLogger configures the orchestrator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithCostPerToken sets the rate used to derive cost metrics for automation
// audit rows.
func WithCostPerToken(rate float64) Option {
	return func(o *Orchestrator) {
		if rate > 0 {
			o.costPerToken = rate
		}
	}
}

// NewOrchestrator wires the two upstream clients together.
func NewOrchestrator(tools ToolInvoker, generator toolexec.Generator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		tools:     tools,
		generator: generator,
		logger:    slog.Default().With("component", "pipeline"),
		tracer:    otel.Tracer("stratagem/pipeline"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run drives one interactive generation through a session. The session is
// expected to be processing when Run is called; Run applies the terminal
// transition itself. Errors are also returned so callers on the headless path
// can record them.
func (o *Orchestrator) Run(ctx context.Context, session *generation.Session, req Request) (map[string]any, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.Run")
	defer span.End()

	tool := toolGenerateFields
	if req.Transcript != "" {
		tool = toolTranscriptEdits
	}

	session.Advance(10, "Preparing prompt material")

	material, err := o.fetchPromptMaterial(ctx, tool, req)
	if err != nil {
		return nil, o.finish(session, err)
	}

	// The tool call is a suspension point: the session may have been
	// cancelled while it was in flight. Re-check before continuing so a
	// discarded result never produces further upstream calls.
	if session.Phase().Terminal() {
		o.logger.Debug("session ended during tool call, discarding result", "id", session.ID())
		return nil, context.Canceled
	}

	session.Advance(45, "Prompt material ready")
	session.Advance(60, "Generating content")

	start := time.Now()
	gen, err := o.generator.Generate(ctx, material)
	o.metrics.ObserveUpstream("generation-provider", time.Since(start).Seconds())
	if err != nil {
		return nil, o.finish(session, err)
	}
	o.metrics.AddTokens(gen.TokensUsed)

	if session.Phase().Terminal() {
		o.logger.Debug("session ended during generation, discarding result", "id", session.ID())
		return nil, context.Canceled
	}

	session.Advance(90, "Processing generated content")

	result, err := parseGeneratedContent(gen.Content)
	if err != nil {
		return nil, o.finish(session, err)
	}
	session.Complete("Generation complete", result)
	o.metrics.GenerationFinished("complete")
	return result, nil
}

// AnalyzeURL performs the single-call analysis flow. Timeout policy belongs
// to the caller via ctx.
func (o *Orchestrator) AnalyzeURL(ctx context.Context, req AnalyzeRequest) (*AnalysisResult, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.AnalyzeURL")
	defer span.End()

	start := time.Now()
	payload, err := o.tools.InvokeTool(ctx, toolAnalyzeURL, req)
	o.metrics.ObserveUpstream("tool-service", time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	var result AnalysisResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, &toolexec.PipelineError{
			Reason:  toolexec.ReasonMalformedResponse,
			Target:  "tool-service",
			Message: "analysis payload did not match expected shape",
			Cause:   err,
		}
	}
	return &result, nil
}

// HeadlessRunner adapts the orchestrator to the automation scheduler: the
// same two-call sequence, driven without a stream observer, with metrics
// extracted for the execution audit row.
type HeadlessRunner struct {
	o *Orchestrator
}

// NewHeadlessRunner creates the automation adapter.
func NewHeadlessRunner(o *Orchestrator) *HeadlessRunner {
	return &HeadlessRunner{o: o}
}

// Run implements automation.Runner.
func (r *HeadlessRunner) Run(ctx context.Context, rule *automation.Rule) (*automation.RunResult, error) {
	o := r.o

	material, err := o.fetchPromptMaterial(ctx, toolAutomationPrompts, map[string]any{
		"ruleId":            rule.ID,
		"strategyId":        rule.TargetStrategyID,
		"categories":        rule.Categories,
		"maxCards":          rule.MaxCardsPerRun,
		"optimizationLevel": rule.OptimizationLevel,
	})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	gen, err := o.generator.Generate(ctx, material)
	o.metrics.ObserveUpstream("generation-provider", time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	o.metrics.AddTokens(gen.TokensUsed)

	var batch struct {
		Cards []map[string]any `json:"cards"`
	}
	if err := json.Unmarshal([]byte(gen.Content), &batch); err != nil {
		return nil, &toolexec.PipelineError{
			Reason:  toolexec.ReasonMalformedResponse,
			Target:  "generation-provider",
			Message: "generated batch was not valid JSON",
			Cause:   err,
		}
	}

	totalTokens := gen.TokensUsed
	return &automation.RunResult{
		CardsCreated: len(batch.Cards),
		TokensUsed:   totalTokens,
		CostIncurred: float64(totalTokens) * o.costPerToken,
	}, nil
}

// fetchPromptMaterial performs call 1 and parses the prompt payload. A failed
// call short-circuits: call 2 is never attempted.
func (o *Orchestrator) fetchPromptMaterial(ctx context.Context, tool string, payload any) (toolexec.PromptMaterial, error) {
	start := time.Now()
	raw, err := o.tools.InvokeTool(ctx, tool, payload)
	o.metrics.ObserveUpstream("tool-service", time.Since(start).Seconds())
	if err != nil {
		return toolexec.PromptMaterial{}, err
	}

	var resp promptResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return toolexec.PromptMaterial{}, &toolexec.PipelineError{
			Reason:  toolexec.ReasonMalformedResponse,
			Target:  "tool-service",
			Message: "prompt payload did not match expected shape",
			Cause:   err,
		}
	}
	if resp.Prompts.User == "" && resp.Prompts.System == "" {
		return toolexec.PromptMaterial{}, &toolexec.PipelineError{
			Reason:  toolexec.ReasonMalformedResponse,
			Target:  "tool-service",
			Message: "prompt payload carried no prompts",
		}
	}

	return toolexec.PromptMaterial{
		System:      resp.Prompts.System,
		User:        resp.Prompts.User,
		Model:       resp.Model,
		Temperature: resp.Temperature,
		MaxTokens:   resp.MaxTokens,
	}, nil
}

// finish applies the session's failure terminal transition and outcome metrics.
func (o *Orchestrator) finish(session *generation.Session, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		session.Cancel("generation cancelled")
		o.metrics.GenerationFinished("cancelled")
		return err
	default:
		session.Fail(userMessage(err))
		o.metrics.GenerationFinished("error")
		return err
	}
}

// parseGeneratedContent decodes the provider's structured output.
func parseGeneratedContent(content string) (map[string]any, error) {
	var result map[string]any
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return nil, &toolexec.PipelineError{
			Reason:  toolexec.ReasonMalformedResponse,
			Target:  "generation-provider",
			Message: "generated content was not valid JSON",
			Cause:   err,
		}
	}
	return result, nil
}

// userMessage renders an error for the terminal frame.
func userMessage(err error) string {
	var pe *toolexec.PipelineError
	if errors.As(err, &pe) {
		switch pe.Reason {
		case toolexec.ReasonTimeout:
			return "The generation service took too long to respond. Please try again."
		case toolexec.ReasonUpstreamLogical:
			return pe.Message
		case toolexec.ReasonMalformedResponse:
			return "The generation service returned an unexpected response."
		default:
			return fmt.Sprintf("Generation failed: %s", pe.Error())
		}
	}
	return err.Error()
}
