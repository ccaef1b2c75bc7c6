// Package telemetry bootstraps OpenTelemetry for a chain process and exposes the Emitter
// every hop uses to produce correlated spans, counters and log events.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config describes where and how often telemetry is exported.
type Config struct {
	ServiceName          string
	Environment          string
	Endpoint             string
	Enabled              bool
	TraceExportInterval  time.Duration
	MetricExportInterval time.Duration
}

// Provider owns the SDK providers of one process plus the Prometheus registry that mirrors its counters.
type Provider struct {
	Tracers    *sdktrace.TracerProvider
	Meters     *sdkmetric.MeterProvider
	Logs       *sdklog.LoggerProvider
	Registry   *prometheus.Registry
	Propagator propagation.TextMapPropagator

	cfg    Config
	logger *slog.Logger
}

// Option adds extra processors or readers, mostly for in-memory inspection in tests.
type Option func(*setupOptions)

type setupOptions struct {
	spanProcessors []sdktrace.SpanProcessor
	metricReaders  []sdkmetric.Reader
	logProcessors  []sdklog.Processor
}

// WithSpanProcessor registers an additional span processor.
func WithSpanProcessor(p sdktrace.SpanProcessor) Option {
	return func(o *setupOptions) { o.spanProcessors = append(o.spanProcessors, p) }
}

// WithMetricReader registers an additional metric reader.
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(o *setupOptions) { o.metricReaders = append(o.metricReaders, r) }
}

// WithLogProcessor registers an additional log record processor.
func WithLogProcessor(p sdklog.Processor) Option {
	return func(o *setupOptions) { o.logProcessors = append(o.logProcessors, p) }
}

// Setup builds trace, metric and log providers. When cfg.Enabled is false or no endpoint is
// configured the providers still generate ids but export nowhere.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger, opts ...Option) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Environment == "" {
		cfg.Environment = "demo"
	}
	if cfg.TraceExportInterval <= 0 {
		cfg.TraceExportInterval = time.Second
	}
	if cfg.MetricExportInterval <= 0 {
		cfg.MetricExportInterval = 5 * time.Second
	}

	var so setupOptions
	for _, opt := range opts {
		opt(&so)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.DeploymentEnvironment(cfg.Environment),
	)

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	logOpts := []sdklog.LoggerProviderOption{sdklog.WithResource(res)}

	if cfg.Enabled && cfg.Endpoint != "" {
		base := strings.TrimRight(cfg.Endpoint, "/")

		traceExporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(base+"/v1/traces"))
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(traceExporter,
			sdktrace.WithBatchTimeout(cfg.TraceExportInterval),
		))

		metricExporter, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpointURL(base+"/v1/metrics"))
		if err != nil {
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}
		meterOpts = append(meterOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(cfg.MetricExportInterval)),
		))

		logExporter, err := otlploghttp.New(ctx, otlploghttp.WithEndpointURL(base+"/v1/logs"))
		if err != nil {
			return nil, fmt.Errorf("failed to create log exporter: %w", err)
		}
		logOpts = append(logOpts, sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)))
	}

	for _, p := range so.spanProcessors {
		traceOpts = append(traceOpts, sdktrace.WithSpanProcessor(p))
	}
	for _, r := range so.metricReaders {
		meterOpts = append(meterOpts, sdkmetric.WithReader(r))
	}
	for _, p := range so.logProcessors {
		logOpts = append(logOpts, sdklog.WithProcessor(p))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Provider{
		Tracers:    sdktrace.NewTracerProvider(traceOpts...),
		Meters:     sdkmetric.NewMeterProvider(meterOpts...),
		Logs:       sdklog.NewLoggerProvider(logOpts...),
		Registry:   registry,
		Propagator: propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// Config returns the effective configuration.
func (p *Provider) Config() Config {
	return p.cfg
}

// InstallGlobals makes p the process-wide OTel provider set. Export errors reported by the
// SDK are logged at debug level and otherwise dropped.
func (p *Provider) InstallGlobals() {
	otel.SetTracerProvider(p.Tracers)
	otel.SetMeterProvider(p.Meters)
	global.SetLoggerProvider(p.Logs)
	otel.SetTextMapPropagator(p.Propagator)
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		p.logger.Debug("telemetry export failed", "error", err)
	}))
}

// Shutdown flushes and stops every provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if err := p.Tracers.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer provider: %w", err))
	}
	if err := p.Meters.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("meter provider: %w", err))
	}
	if err := p.Logs.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("logger provider: %w", err))
	}
	return errors.Join(errs...)
}
