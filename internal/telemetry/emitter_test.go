package telemetry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type fixture struct {
	emitter  *Emitter
	provider *Provider
	spans    *tracetest.SpanRecorder
	reader   *sdkmetric.ManualReader
	logs     *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	spans := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()

	p, err := Setup(context.Background(), Config{ServiceName: "tool-service"}, nil,
		WithSpanProcessor(spans),
		WithMetricReader(reader),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	logs := &bytes.Buffer{}
	e, err := NewEmitter("tool-service", p, slog.New(slog.NewJSONHandler(logs, nil)))
	require.NoError(t, err)

	return &fixture{emitter: e, provider: p, spans: spans, reader: reader, logs: logs}
}

func (f *fixture) events(t *testing.T) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(f.logs.Bytes()))
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	return out
}

func TestEventCarriesSpanCorrelation(t *testing.T) {
	f := newFixture(t)

	ctx, span := f.emitter.StartSpan(context.Background(), "tool.execute_search")
	f.emitter.Info(ctx, "tool_search_invoked", "mode", "none", "query", "x")
	span.End()

	events := f.events(t)
	require.Len(t, events, 1)
	ev := events[0]

	sc := span.SpanContext()
	assert.Equal(t, "tool_search_invoked", ev["event"])
	assert.Equal(t, sc.TraceID().String(), ev["trace_id"])
	assert.Equal(t, sc.SpanID().String(), ev["span_id"])
	assert.Equal(t, "tool-service", ev["service"])
	assert.Equal(t, "x", ev["query"])
	assert.Len(t, ev["trace_id"], 32)
	assert.Len(t, ev["span_id"], 16)

	ended := f.spans.Ended()
	require.Len(t, ended, 1)
	require.Len(t, ended[0].Events(), 1)
	assert.Equal(t, "tool_search_invoked", ended[0].Events()[0].Name)
}

func TestCorrelationWithoutSpanIsZero(t *testing.T) {
	f := newFixture(t)
	corr := f.emitter.Correlation(context.Background())
	assert.Equal(t, "00000000000000000000000000000000", corr.TraceID)
	assert.Equal(t, "tool-service", corr.Service)
}

func TestWithSpanEndsOnErrorAndPanic(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("boom")

	err := f.emitter.WithSpan(context.Background(), "failing", func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	assert.Panics(t, func() {
		_ = f.emitter.WithSpan(context.Background(), "panicking", func(ctx context.Context) error {
			panic("kaput")
		})
	})

	require.NoError(t, f.emitter.WithSpan(context.Background(), "fine", func(ctx context.Context) error {
		return nil
	}))

	ended := f.spans.Ended()
	require.Len(t, ended, 3)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, codes.Error, ended[1].Status().Code)
	assert.Equal(t, codes.Unset, ended[2].Status().Code)
}

func TestCountFeedsOTelAndPrometheus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.emitter.Count(ctx, ErrorsTotal, Labels{"reason": "db_connection_refused"})
	f.emitter.Count(ctx, ErrorsTotal, Labels{"reason": "db_connection_refused"})
	f.emitter.Count(ctx, RequestsTotal, Labels{"route": "/tools/search", "mode": "error"})
	f.emitter.Count(ctx, Counter("unknown_total"), nil)

	errs := f.emitter.counters[ErrorsTotal].prom
	assert.Equal(t, 2.0, testutil.ToFloat64(errs.WithLabelValues("tool-service", "db_connection_refused")))
	reqs := f.emitter.counters[RequestsTotal].prom
	assert.Equal(t, 1.0, testutil.ToFloat64(reqs.WithLabelValues("tool-service", "/tools/search", "error")))

	var rm metricdata.ResourceMetrics
	require.NoError(t, f.reader.Collect(ctx, &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != string(ErrorsTotal) {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				total += dp.Value
				svc, _ := dp.Attributes.Value("service")
				assert.Equal(t, "tool-service", svc.AsString())
			}
		}
	}
	assert.Equal(t, int64(2), total)
}

func TestSecondEmitterReusesPrometheusCounters(t *testing.T) {
	f := newFixture(t)
	other, err := NewEmitter("tool-service", f.provider, nil)
	require.NoError(t, err)

	other.Count(context.Background(), ErrorsTotal, Labels{"reason": "x"})
	assert.Equal(t, 1.0, testutil.ToFloat64(f.emitter.counters[ErrorsTotal].prom.WithLabelValues("tool-service", "x")))
}

func TestExportFailuresDoNotSurface(t *testing.T) {
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer collector.Close()

	p, err := Setup(context.Background(), Config{
		ServiceName:         "gateway-api",
		Endpoint:            collector.URL,
		Enabled:             true,
		TraceExportInterval: 10 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	e, err := NewEmitter("gateway-api", p, slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)))
	require.NoError(t, err)

	err = e.WithSpan(context.Background(), "gateway.handle_request", func(ctx context.Context) error {
		e.Info(ctx, "gateway_received_question", "question", "q")
		e.Count(ctx, RequestsTotal, Labels{"route": "/ask"})
		return nil
	})
	assert.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = p.Shutdown(ctx)
}

type logRecorder struct {
	mu      sync.Mutex
	records []sdklog.Record
}

func (r *logRecorder) OnEmit(_ context.Context, rec *sdklog.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec.Clone())
	return nil
}

func (r *logRecorder) Shutdown(context.Context) error   { return nil }
func (r *logRecorder) ForceFlush(context.Context) error { return nil }

func TestEventReachesLogPipeline(t *testing.T) {
	logs := &logRecorder{}
	p, err := Setup(context.Background(), Config{ServiceName: "llm-service"}, nil, WithLogProcessor(logs))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	e, err := NewEmitter("llm-service", p, slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)))
	require.NoError(t, err)

	ctx, span := e.StartSpan(context.Background(), "llm.plan_and_call_tool")
	e.Error(ctx, "llm_tool_call_failed", "reason", "tool_dependency")
	span.End()

	logs.mu.Lock()
	defer logs.mu.Unlock()
	require.Len(t, logs.records, 1)
	rec := logs.records[0]
	assert.Equal(t, "llm_tool_call_failed", rec.Body().AsString())
	assert.Equal(t, otellog.SeverityError, rec.Severity())
	assert.Equal(t, span.SpanContext().TraceID(), rec.TraceID())
}
