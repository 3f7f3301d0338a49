// Package observability carries the Prometheus metrics and OpenTelemetry
// tracing shared across the server.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the server records.
type Metrics struct {
	// LLMRequestCounter counts LLM streams by model and status
	// (success|error).
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures full LLM stream latency in seconds.
	LLMRequestDuration *prometheus.HistogramVec

	// ToolExecutionCounter counts tool invocations by tool and status.
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	ToolExecutionDuration *prometheus.HistogramVec

	// FilterOutcomes counts persistence-filter results.
	// Labels: outcome (unchanged|filtered|empty|too_long)
	FilterOutcomes *prometheus.CounterVec

	// TokenCacheLookups counts MCP auth token cache hits and misses.
	TokenCacheLookups *prometheus.CounterVec

	// HTTPRequestCounter counts facade requests by method, route pattern,
	// and status code.
	HTTPRequestCounter *prometheus.CounterVec

	// HTTPRequestDuration measures facade request latency in seconds.
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers all collectors with reg; a nil reg uses the default
// registry. Call once at startup.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_llm_requests_total",
				Help: "Total number of LLM streams by model and status",
			},
			[]string{"model", "status"},
		),
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_llm_request_duration_seconds",
				Help:    "Duration of LLM streams in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 360},
			},
			[]string{"model"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_tool_executions_total",
				Help: "Total number of tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		FilterOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_filter_outcomes_total",
				Help: "Persistence-filter results by outcome",
			},
			[]string{"outcome"},
		),
		TokenCacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_token_cache_lookups_total",
				Help: "MCP auth token cache lookups by result (hit|miss)",
			},
			[]string{"result"},
		),
		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_http_requests_total",
				Help: "Total number of HTTP requests by method, route, and status code",
			},
			[]string{"method", "route", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
			},
			[]string{"method", "route"},
		),
	}
}

// RecordLLMRequest records one completed LLM stream.
func (m *Metrics) RecordLLMRequest(model, status string, seconds float64) {
	m.LLMRequestCounter.WithLabelValues(model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(model).Observe(seconds)
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(tool, status string, seconds float64) {
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(seconds)
}

// RecordFilterOutcome counts one persistence-filter result.
func (m *Metrics) RecordFilterOutcome(outcome string) {
	m.FilterOutcomes.WithLabelValues(outcome).Inc()
}

// RecordTokenCacheLookup counts one token-cache hit or miss.
func (m *Metrics) RecordTokenCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.TokenCacheLookups.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records one facade request.
func (m *Metrics) RecordHTTPRequest(method, route, statusCode string, seconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, route, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(seconds)
}
