// Package toolexec calls the external tool-execution service and the
// generation provider on behalf of the orchestration pipeline.
//
// The client is deliberately retryless: a failed call is normalized into a
// PipelineError and returned. Retry policy belongs to the caller (a human
// re-submitting, or the automation scheduler on its next due time).
package toolexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const defaultTimeout = 120 * time.Second

// Client invokes named tools on the tool-execution service.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
	tracer  trace.Tracer
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for tool calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger configures the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a tool-execution service client.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
		logger:  slog.Default().With("component", "toolexec"),
		tracer:  otel.Tracer("stratagem/toolexec"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// toolEnvelope is the wrapped response form: the payload JSON is carried as a
// string inside the first content block.
type toolEnvelope struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
}

// logicalStatus is the portion of a tool payload used to detect
// upstream-reported failure.
type logicalStatus struct {
	Success *bool  `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// InvokeTool POSTs payload to /api/tools/<name> and returns the unwrapped
// payload JSON. The response is tried as the wrapped envelope form first, then
// as direct JSON; anything else is a malformed-response error.
func (c *Client) InvokeTool(ctx context.Context, name string, payload any) (json.RawMessage, error) {
	ctx, span := c.tracer.Start(ctx, "toolexec.InvokeTool",
		trace.WithAttributes(attribute.String("tool.name", name)))
	defer span.End()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &PipelineError{
			Reason:  ReasonTransport,
			Target:  targetToolService,
			Message: "encode tool payload",
			Cause:   err,
		}
	}

	url := fmt.Sprintf("%s/api/tools/%s", c.baseURL, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &PipelineError{Reason: ReasonTransport, Target: targetToolService, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(ctx, targetToolService, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(ctx, targetToolService, err)
	}

	c.logger.Debug("tool call finished",
		"tool", name,
		"status", resp.StatusCode,
		"duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &PipelineError{
			Reason:  ReasonUpstreamHTTP,
			Target:  targetToolService,
			Status:  resp.StatusCode,
			Body:    bodySnippet(raw),
			Message: fmt.Sprintf("tool %s returned %d", name, resp.StatusCode),
		}
	}

	unwrapped, err := unwrapPayload(raw)
	if err != nil {
		return nil, err
	}
	if err := checkLogicalFailure(unwrapped); err != nil {
		return nil, err
	}
	return unwrapped, nil
}

// unwrapPayload tries the wrapped envelope form first and falls back to
// direct JSON.
func unwrapPayload(raw []byte) (json.RawMessage, error) {
	var env toolEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Content) > 0 {
		inner := []byte(env.Content[0].Text)
		if json.Valid(inner) {
			return json.RawMessage(inner), nil
		}
	}
	if json.Valid(raw) {
		return json.RawMessage(raw), nil
	}
	return nil, &PipelineError{
		Reason:  ReasonMalformedResponse,
		Target:  targetToolService,
		Body:    bodySnippet(raw),
		Message: "response parsed as neither envelope nor direct JSON",
	}
}

// checkLogicalFailure surfaces payloads that carry success:false.
func checkLogicalFailure(payload json.RawMessage) error {
	var status logicalStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		// Non-object payloads (arrays, scalars) carry no logical status.
		return nil
	}
	if status.Success != nil && !*status.Success {
		msg := status.Error
		if msg == "" {
			msg = status.Message
		}
		if msg == "" {
			msg = "upstream reported failure"
		}
		return &PipelineError{
			Reason:  ReasonUpstreamLogical,
			Target:  targetToolService,
			Message: msg,
		}
	}
	return nil
}

// transportError maps a failed round trip to timeout or transport.
func transportError(ctx context.Context, target string, err error) *PipelineError {
	reason := ReasonTransport
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		reason = ReasonTimeout
	}
	return &PipelineError{Reason: reason, Target: target, Cause: err}
}

const (
	targetToolService = "tool-service"
	targetGeneration  = "generation-provider"
)
