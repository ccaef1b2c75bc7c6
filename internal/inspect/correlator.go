// Package inspect checks, after the fact, that every hop of the chain reported spans, logs and
// counters for one trace.
package inspect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"tracechain/internal/clients/tempo"
	"tracechain/internal/models"
	"tracechain/internal/role"
)

// TraceSource fetches a complete trace.
type TraceSource interface {
	GetTraceByID(ctx context.Context, traceID string) (*tempo.Trace, error)
}

// LogSource fetches the log lines one service wrote for a trace.
type LogSource interface {
	QueryByTraceID(ctx context.Context, serviceName, traceID string, start, end time.Time, limit int) ([]models.LogEntry, error)
}

// MetricSource fetches error counters per reason.
type MetricSource interface {
	QueryErrorsByReason(ctx context.Context, serviceName string, window time.Duration) (map[string]float64, error)
}

const defaultLogLimit = 100

// Inspector coordinates data collection from Tempo, Loki and Prometheus
type Inspector struct {
	traces   TraceSource
	logs     LogSource
	metrics  MetricSource
	services []string
	window   time.Duration
	logger   *slog.Logger
}

// Option configures an Inspector.
type Option func(*Inspector)

// WithServices overrides the services expected to report, in chain order.
func WithServices(services ...string) Option {
	return func(i *Inspector) { i.services = services }
}

// WithWindow sets how far around the request time logs and counters are searched.
func WithWindow(d time.Duration) Option {
	return func(i *Inspector) { i.window = d }
}

// New creates an inspector. metrics may be nil.
func New(traces TraceSource, logs LogSource, metrics MetricSource, logger *slog.Logger, opts ...Option) *Inspector {
	if logger == nil {
		logger = slog.Default()
	}
	i := &Inspector{
		traces:   traces,
		logs:     logs,
		metrics:  metrics,
		services: []string{role.GatewayService, role.OrchestratorService, role.ToolService},
		window:   5 * time.Minute,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Correlate gathers what every backend holds for traceID around at. The report is returned
// even when some backends failed; their errors are joined into the returned error.
func (i *Inspector) Correlate(ctx context.Context, traceID string, at time.Time) (*models.CorrelationReport, error) {
	if at.IsZero() {
		at = time.Now()
	}
	start, end := at.Add(-i.window), at.Add(i.window)

	i.logger.Info("correlating trace", "trace_id", traceID, "services", i.services)

	type result struct {
		service string
		trace   *tempo.Trace
		logs    []models.LogEntry
		errs    map[string]float64
		err     error
	}

	jobs := 1 + len(i.services)
	if i.metrics != nil {
		jobs += len(i.services)
	}
	resultCh := make(chan result, jobs)

	go func() {
		tr, err := i.traces.GetTraceByID(ctx, traceID)
		resultCh <- result{trace: tr, err: err}
	}()

	for _, svc := range i.services {
		go func(svc string) {
			entries, err := i.logs.QueryByTraceID(ctx, svc, traceID, start, end, defaultLogLimit)
			resultCh <- result{service: svc, logs: entries, err: err}
		}(svc)

		if i.metrics != nil {
			go func(svc string) {
				counts, err := i.metrics.QueryErrorsByReason(ctx, svc, i.window)
				resultCh <- result{service: svc, errs: counts, err: err}
			}(svc)
		}
	}

	report := &models.CorrelationReport{
		TraceID: traceID,
		TimeWindow: models.TimeWindow{
			Start:    start,
			End:      end,
			Duration: (2 * i.window).String(),
		},
	}
	byService := make(map[string]*models.ServiceCorrelation, len(i.services))
	for _, svc := range i.services {
		byService[svc] = &models.ServiceCorrelation{Service: svc}
	}

	var errs []error
	for n := 0; n < jobs; n++ {
		r := <-resultCh
		if r.err != nil {
			if errors.Is(r.err, tempo.ErrTraceNotFound) {
				report.Warnings = append(report.Warnings, "trace not found in Tempo")
				continue
			}
			i.logger.Error("Error fetching data", "service", r.service, "error", r.err)
			errs = append(errs, r.err)
			report.Warnings = append(report.Warnings, r.err.Error())
			continue
		}
		if r.trace != nil {
			applyTrace(byService, r.trace)
		}
		if sc, ok := byService[r.service]; ok {
			if r.logs != nil {
				sc.Logs = r.logs
			}
			if r.errs != nil {
				sc.Errors = r.errs
			}
		}
	}

	for _, svc := range i.services {
		report.Services = append(report.Services, *byService[svc])
	}
	Verify(report)
	sort.Strings(report.Warnings)

	return report, errors.Join(errs...)
}

// Wait calls Correlate every interval until the report is complete or ctx is done. Export is
// batched, so a fresh trace usually needs a few seconds to show up everywhere.
func (i *Inspector) Wait(ctx context.Context, traceID string, at time.Time, interval time.Duration) (*models.CorrelationReport, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report, err := i.Correlate(ctx, traceID, at)
		if report != nil && report.Complete {
			return report, nil
		}

		select {
		case <-ctx.Done():
			if err == nil {
				err = fmt.Errorf("trace %s incomplete: %w", traceID, ctx.Err())
			}
			return report, err
		case <-ticker.C:
		}
	}
}

// Verify marks the report complete when every service has both spans and logs, and lists what
// is missing otherwise.
func Verify(report *models.CorrelationReport) {
	report.Missing = nil
	for _, sc := range report.Services {
		if !sc.HasSpans() {
			report.Missing = append(report.Missing, sc.Service+": spans")
		}
		if !sc.HasLogs() {
			report.Missing = append(report.Missing, sc.Service+": logs")
		}
	}
	report.Complete = len(report.Services) > 0 && len(report.Missing) == 0
}

func applyTrace(byService map[string]*models.ServiceCorrelation, tr *tempo.Trace) {
	for svc, spans := range tr.SpansByService() {
		sc, ok := byService[svc]
		if !ok {
			continue
		}
		sc.SpanCount = len(spans)
		sc.ErrorSpans = 0
		sc.Operations = sc.Operations[:0]
		for _, s := range spans {
			if s.Status == "error" {
				sc.ErrorSpans++
			}
			sc.Operations = append(sc.Operations, s.OperationName)
		}
		sort.Strings(sc.Operations)
	}
}
