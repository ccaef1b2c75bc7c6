package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Counter names a demo counter.
type Counter string

const (
	RequestsTotal Counter = "demo_requests_total"
	ErrorsTotal   Counter = "demo_errors_total"
)

// Labels are the dimensions attached to a counter increment.
type Labels map[string]string

// Correlation ties an event to the span that was active when it was emitted.
type Correlation struct {
	TraceID string `json:"trace_id"`
	SpanID  string `json:"span_id"`
	Service string `json:"service"`
}

// Event is a single structured log event as it was emitted.
type Event struct {
	Name        string
	Level       slog.Level
	Fields      []any
	Correlation Correlation
}

type counter struct {
	otel   metric.Int64Counter
	prom   *prometheus.CounterVec
	labels []string
}

var counterDefs = []struct {
	name   Counter
	help   string
	labels []string
}{
	{RequestsTotal, "Total requests in demo services", []string{"service", "route", "mode"}},
	{ErrorsTotal, "Total errors in demo services", []string{"service", "reason"}},
}

// Emitter creates spans, counts and log events for one service. Every event it writes carries
// the trace and span ids found in the context it is given.
type Emitter struct {
	service  string
	tracer   trace.Tracer
	local    *slog.Logger
	export   *slog.Logger
	counters map[Counter]*counter
}

// NewEmitter wires an emitter to the providers of p. local receives every event as JSON; the
// same events go to the OTel log pipeline through the slog bridge.
func NewEmitter(service string, p *Provider, local *slog.Logger) (*Emitter, error) {
	if local == nil {
		local = slog.Default()
	}

	e := &Emitter{
		service:  service,
		tracer:   p.Tracers.Tracer(service),
		local:    local,
		export:   otelslog.NewLogger(service, otelslog.WithLoggerProvider(p.Logs)),
		counters: make(map[Counter]*counter, len(counterDefs)),
	}

	meter := p.Meters.Meter(service)
	for _, def := range counterDefs {
		oc, err := meter.Int64Counter(string(def.name),
			metric.WithUnit("1"),
			metric.WithDescription(def.help),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create counter %s: %w", def.name, err)
		}

		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: string(def.name),
			Help: def.help,
		}, def.labels)
		if err := p.Registry.Register(vec); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, fmt.Errorf("failed to register counter %s: %w", def.name, err)
			}
			vec = are.ExistingCollector.(*prometheus.CounterVec)
		}

		e.counters[def.name] = &counter{otel: oc, prom: vec, labels: def.labels}
	}

	return e, nil
}

// Service returns the service name stamped on every event.
func (e *Emitter) Service() string {
	return e.service
}

// StartSpan starts a span as a child of whatever span ctx carries. The caller must End it.
func (e *Emitter) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, opts...)
}

// WithSpan runs fn inside a span that is ended on every exit path. A returned error or a
// panic marks the span as failed; panics are re-raised after the span ends.
func (e *Emitter) WithSpan(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	ctx, span := e.StartSpan(ctx, name)
	defer func() {
		if r := recover(); r != nil {
			span.SetStatus(codes.Error, fmt.Sprint(r))
			span.End()
			panic(r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	return fn(ctx)
}

// Correlation extracts the ids of the span active in ctx.
func (e *Emitter) Correlation(ctx context.Context) Correlation {
	sc := trace.SpanContextFromContext(ctx)
	return Correlation{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
		Service: e.service,
	}
}

// Event writes a structured event. fields are slog key/value pairs.
func (e *Emitter) Event(ctx context.Context, level slog.Level, name string, fields ...any) Event {
	corr := e.Correlation(ctx)
	args := make([]any, 0, len(fields)+8)
	args = append(args,
		"event", name,
		"trace_id", corr.TraceID,
		"span_id", corr.SpanID,
		"service", corr.Service,
	)
	args = append(args, fields...)

	e.local.Log(ctx, level, name, args...)
	e.export.Log(ctx, level, name, args...)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent(name)
	}

	return Event{Name: name, Level: level, Fields: fields, Correlation: corr}
}

// Info is shorthand for an info-level Event.
func (e *Emitter) Info(ctx context.Context, name string, fields ...any) {
	e.Event(ctx, slog.LevelInfo, name, fields...)
}

// Error is shorthand for an error-level Event.
func (e *Emitter) Error(ctx context.Context, name string, fields ...any) {
	e.Event(ctx, slog.LevelError, name, fields...)
}

// Count adds one to the named counter. The service label is always set.
func (e *Emitter) Count(ctx context.Context, name Counter, labels Labels) {
	c, ok := e.counters[name]
	if !ok {
		e.local.Debug("unknown counter", "counter", string(name))
		return
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		if k != "service" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	attrs := make([]attribute.KeyValue, 0, len(keys)+1)
	attrs = append(attrs, attribute.String("service", e.service))
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, labels[k]))
	}
	c.otel.Add(ctx, 1, metric.WithAttributes(attrs...))

	values := make([]string, len(c.labels))
	for i, l := range c.labels {
		if l == "service" {
			values[i] = e.service
			continue
		}
		values[i] = labels[l]
	}
	c.prom.WithLabelValues(values...).Inc()
}
