package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ajitpratap0/mcp-control-plane/pkg/protocol"
)

func TestMetricsRecord(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{ServiceName: "test"})
	require.NoError(t, err)

	m.RecordRequest("rpc.ping", "success", 0)
	m.RecordRequest("rpc.ping", "success", 0)
	m.RecordRejection("rate limit exceeded")
	m.SetActiveSessions(3)
	m.RecordError(-32601)
	m.RecordLifecycleState("running")
	m.RecordAlert("high-error-rate", "error")
	m.RecordAlertResolved()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestTotal.WithLabelValues("rpc.ping", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.admissionRejected.WithLabelValues("rate limit exceeded")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.activeSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorTotal.WithLabelValues("-32601", "method_not_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lifecycleState.WithLabelValues("running")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.lifecycleState.WithLabelValues("stopped")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeAlerts))
}

func TestMetricsInstancesAreIndependent(t *testing.T) {
	a, err := NewMetrics(MetricsConfig{})
	require.NoError(t, err)
	b, err := NewMetrics(MetricsConfig{})
	require.NoError(t, err)

	a.RecordRejection("x")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.admissionRejected.WithLabelValues("x")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordRequest("x", "success", 0)
	m.RecordError(-32603)
	m.SetActiveSessions(1)
	m.RecordLifecycleEvent("restart")
}

func TestMetricsHandler(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{})
	require.NoError(t, err)
	m.RecordRequest("tools.list", "success", 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "mcp_request_total"))
}

func TestErrorType(t *testing.T) {
	tests := map[int]string{
		-32700: "parse_error",
		-32601: "method_not_found",
		-32603: "internal_error",
		-32000: "server_error",
		-32005: "server_error",
		42:     "unknown_error",
	}
	for code, want := range tests {
		assert.Equal(t, want, ErrorType(code), code)
	}
}

func TestInstrumentRecordsSpanAndMetrics(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp, err := newTracingProvider(TracingConfig{ServiceName: "test"}, exporter)
	require.NoError(t, err)
	m, err := NewMetrics(MetricsConfig{})
	require.NoError(t, err)

	h := Instrument(tp, m, func(_ context.Context, req *protocol.Request) *protocol.Response {
		return protocol.NewErrorResponse(req.ID, &protocol.Error{Code: -32601, Message: "Method not found"})
	})

	req, err := protocol.NewRequest(1, "nope", nil)
	require.NoError(t, err)
	resp := h(context.Background(), req)
	require.NotNil(t, resp.Error)

	require.NoError(t, tp.tracerProvider.ForceFlush(context.Background()))
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "mcp.nope", spans[0].Name)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestTotal.WithLabelValues("nope", "error")))

	require.NoError(t, tp.Shutdown(context.Background()))
	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestInstrumentPassThrough(t *testing.T) {
	called := false
	h := Instrument(nil, nil, func(context.Context, *protocol.Request) *protocol.Response {
		called = true
		return nil
	})
	assert.Nil(t, h(context.Background(), &protocol.Request{Method: "x"}))
	assert.True(t, called)
}

func TestMethodSampler(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp, err := newTracingProvider(TracingConfig{NeverSample: []string{"rpc.ping"}}, exporter)
	require.NoError(t, err)

	_, span := tp.StartRequestSpan(context.Background(), "rpc.ping", "s")
	span.End()
	_, span = tp.StartRequestSpan(context.Background(), "tools.list", "s")
	span.End()

	require.NoError(t, tp.tracerProvider.ForceFlush(context.Background()))
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "mcp.tools.list", spans[0].Name)
}

func TestUnsupportedExporter(t *testing.T) {
	_, err := NewTracingProvider(TracingConfig{ExporterType: "jaeger"})
	assert.Error(t, err)
}

func TestToolObserver(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp, err := newTracingProvider(TracingConfig{}, exporter)
	require.NoError(t, err)
	m, err := NewMetrics(MetricsConfig{})
	require.NoError(t, err)
	o := &ToolObserver{Tracer: tp, Metrics: m}

	ctx := o.BeforeExecute(context.Background(), "system/echo")
	o.AfterExecute(ctx, "system/echo", 2*time.Millisecond, nil)
	ctx = o.BeforeExecute(context.Background(), "system/echo")
	o.AfterExecute(ctx, "system/echo", time.Millisecond, errors.New("boom"))

	require.NoError(t, tp.tracerProvider.ForceFlush(context.Background()))
	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "tool.system/echo", spans[0].Name)
	assert.Equal(t, codes.Unset, spans[0].Status.Code)
	assert.Equal(t, codes.Error, spans[1].Status.Code)
	assert.Equal(t, "boom", spans[1].Status.Description)
	require.Len(t, spans[1].Events, 1)
	assert.Equal(t, "exception", spans[1].Events[0].Name)
	assert.Equal(t, 2, testutil.CollectAndCount(m.toolDuration), "one series per status")

	var nilObserver *ToolObserver
	assert.Equal(t, context.Background(), nilObserver.BeforeExecute(context.Background(), "x"))
	nilObserver.AfterExecute(context.Background(), "x", 0, nil)
}
