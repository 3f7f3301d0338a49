package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordLLMRequest("qwen3", "success", 1.2)
	m.RecordToolExecution("search", "error", 0.3)
	m.RecordFilterOutcome("filtered")
	m.RecordTokenCacheLookup(true)
	m.RecordTokenCacheLookup(false)
	m.RecordHTTPRequest("POST", "/v1/chats/{id}/messages", "200", 0.5)

	if got := testutil.ToFloat64(m.LLMRequestCounter.WithLabelValues("qwen3", "success")); got != 1 {
		t.Errorf("llm counter = %v", got)
	}
	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("search", "error")); got != 1 {
		t.Errorf("tool counter = %v", got)
	}
	if got := testutil.ToFloat64(m.TokenCacheLookups.WithLabelValues("hit")); got != 1 {
		t.Errorf("cache hits = %v", got)
	}
	if got := testutil.ToFloat64(m.TokenCacheLookups.WithLabelValues("miss")); got != 1 {
		t.Errorf("cache misses = %v", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	joined := strings.Join(names, " ")
	for _, want := range []string{
		"loom_llm_requests_total",
		"loom_tool_executions_total",
		"loom_filter_outcomes_total",
		"loom_token_cache_lookups_total",
		"loom_http_requests_total",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("registry missing %s (have %s)", want, joined)
		}
	}
}
