package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()

	assert.Equal(t, "maestro", cfg.Tracing.ServiceName)
	assert.Equal(t, "otlp", cfg.Tracing.Exporter)
	assert.Equal(t, 1.0, cfg.Tracing.SamplingRate)
	assert.Equal(t, "maestro", cfg.Metrics.Namespace)
	require.NoError(t, cfg.Validate())
}

func TestConfigValidation(t *testing.T) {
	cfg := Config{Tracing: TracingConfig{Enabled: true, Exporter: "jaeger"}}
	require.Error(t, cfg.Validate())

	cfg = Config{Tracing: TracingConfig{Enabled: true, Exporter: "otlp", SamplingRate: 1.5, Endpoint: "localhost:4317"}}
	require.Error(t, cfg.Validate())
}

func TestDisabledTracingIsNoop(t *testing.T) {
	tp, err := InitTracer(context.Background(), TracingConfig{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, tp)

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}

func TestMetricsExposition(t *testing.T) {
	m := NewMetrics("maestro")

	m.WorkflowsStarted.Inc()
	m.WorkflowsCompleted.Inc()
	m.ApprovalDecisions.WithLabelValues("approved").Inc()
	m.ToolTokenSavings.Set(0.85)
	m.RecordHTTPRequest(http.MethodGet, "/health", 200, 3*time.Millisecond)

	handler := promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rr.Body.String()
	assert.Contains(t, body, "maestro_workflows_started_total 1")
	assert.Contains(t, body, `maestro_approval_decisions_total{decision="approved"} 1`)
	assert.Contains(t, body, "maestro_tool_selection_token_savings_ratio 0.85")
	assert.Contains(t, body, `maestro_http_requests_total{method="GET",path="/health",status="200"} 1`)
}

func TestHTTPMiddleware(t *testing.T) {
	m := NewMetrics("maestro")
	wrapped := m.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rr := httptest.NewRecorder()
	wrapped.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/tasks/abc", nil))
	assert.Equal(t, http.StatusTeapot, rr.Code)

	handler := promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rr.Body.String(), `status="418"`)
}

func TestManagerLifecycle(t *testing.T) {
	mgr := NewManager(Config{})
	require.NoError(t, mgr.Initialize(context.Background()))

	assert.NotNil(t, mgr.Tracer("maestro"))
	assert.NotNil(t, mgr.Metrics())
	require.NoError(t, mgr.Shutdown(context.Background()))
}
