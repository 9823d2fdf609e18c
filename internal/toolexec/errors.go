package toolexec

import (
	"errors"
	"fmt"
	"strings"
)

// Reason categorizes why an upstream invocation failed.
// It drives HTTP status mapping at the entry points and terminal
// frame content on the streaming path.
type Reason string

const (
	// ReasonTransport indicates a network-level failure before a response was received.
	ReasonTransport Reason = "transport"

	// ReasonUpstreamHTTP indicates the upstream answered with a non-2xx status.
	ReasonUpstreamHTTP Reason = "upstream_http"

	// ReasonMalformedResponse indicates the response body parsed as neither the
	// wrapped envelope form nor direct JSON.
	ReasonMalformedResponse Reason = "malformed_response"

	// ReasonUpstreamLogical indicates the upstream reported success:false in an
	// otherwise well-formed payload.
	ReasonUpstreamLogical Reason = "upstream_logical"

	// ReasonTimeout indicates the call exceeded its deadline.
	ReasonTimeout Reason = "timeout"
)

// PipelineError is the single normalized error shape surfaced by the
// tool-invocation client and the generation backends. Callers never see a raw
// transport or JSON error cross this boundary.
type PipelineError struct {
	// Reason categorizes the failure.
	Reason Reason

	// Target names the upstream: "tool-service" or "generation-provider".
	Target string

	// Status is the HTTP status code when Reason is upstream_http.
	Status int

	// Body holds a truncated copy of the upstream response body, if any.
	Body string

	// Message is the human-readable description.
	Message string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Reason))
	if e.Target != "" {
		parts = append(parts, e.Target)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// ReasonOf extracts the failure reason from err, or ReasonTransport if err is
// not a PipelineError.
func ReasonOf(err error) Reason {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return ReasonTransport
}

const maxBodySnippet = 512

func bodySnippet(body []byte) string {
	if len(body) > maxBodySnippet {
		return string(body[:maxBodySnippet])
	}
	return string(body)
}
