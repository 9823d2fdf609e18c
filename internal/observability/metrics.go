// Package observability holds the service's Prometheus collectors.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the pipeline's Prometheus collectors.
type Metrics struct {
	// GenerationCounter counts sessions by their terminal outcome.
	// Labels: outcome (complete|error|cancelled)
	GenerationCounter *prometheus.CounterVec

	// UpstreamDuration measures upstream call latency in seconds.
	// Labels: target (tool-service|generation-provider)
	UpstreamDuration *prometheus.HistogramVec

	// TokensUsed tracks generation-provider token consumption.
	TokensUsed prometheus.Counter

	// CacheCounter counts URL analysis cache lookups.
	// Labels: result (hit|miss)
	CacheCounter *prometheus.CounterVec

	// RateLimitRejected counts requests rejected by the per-caller limiter.
	RateLimitRejected prometheus.Counter

	// AutomationExecutions counts rule executions by terminal status.
	// Labels: status (completed|failed)
	AutomationExecutions *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors with the default registry.
// Call once at startup.
func NewMetrics() *Metrics {
	return &Metrics{
		GenerationCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratagem_generations_total",
				Help: "Generation sessions by terminal outcome",
			},
			[]string{"outcome"},
		),
		UpstreamDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stratagem_upstream_call_duration_seconds",
				Help:    "Duration of tool-service and generation-provider calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"target"},
		),
		TokensUsed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stratagem_generation_tokens_total",
				Help: "Tokens consumed by the generation provider",
			},
		),
		CacheCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratagem_analysis_cache_lookups_total",
				Help: "URL analysis cache lookups by result",
			},
			[]string{"result"},
		),
		RateLimitRejected: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stratagem_rate_limit_rejected_total",
				Help: "Requests rejected by the per-caller rate limiter",
			},
		),
		AutomationExecutions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratagem_automation_executions_total",
				Help: "Automation rule executions by terminal status",
			},
			[]string{"status"},
		),
	}
}

// GenerationFinished records a session's terminal outcome.
func (m *Metrics) GenerationFinished(outcome string) {
	if m == nil {
		return
	}
	m.GenerationCounter.WithLabelValues(outcome).Inc()
}

// ObserveUpstream records one upstream call duration.
func (m *Metrics) ObserveUpstream(target string, seconds float64) {
	if m == nil {
		return
	}
	m.UpstreamDuration.WithLabelValues(target).Observe(seconds)
}

// AddTokens records provider token usage.
func (m *Metrics) AddTokens(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TokensUsed.Add(float64(n))
}

// CacheLookup records a cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheCounter.WithLabelValues("hit").Inc()
	} else {
		m.CacheCounter.WithLabelValues("miss").Inc()
	}
}

// RateLimited records a rejected request.
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.RateLimitRejected.Inc()
}

// AutomationFinished records a rule execution outcome.
func (m *Metrics) AutomationFinished(status string) {
	if m == nil {
		return
	}
	m.AutomationExecutions.WithLabelValues(status).Inc()
}
