package inspect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tracechain/internal/clients/tempo"
)

// ErrNoTraces is returned by LatestTrace when the search window holds no matching trace.
var ErrNoTraces = errors.New("no traces found")

// TraceFinder searches recent traces of one service.
type TraceFinder interface {
	GetTracesByService(ctx context.Context, service string, start, end time.Time) ([]tempo.TraceSummary, error)
	GetErrorTraces(ctx context.Context, service string, start, end time.Time) ([]tempo.TraceSummary, error)
}

// LatestTrace returns the most recent trace touching service in the window ending at now.
// With errorsOnly set, only traces with an error span on that service count.
func LatestTrace(ctx context.Context, finder TraceFinder, service string, errorsOnly bool, now time.Time, window time.Duration) (tempo.TraceSummary, error) {
	start := now.Add(-window)

	var (
		traces []tempo.TraceSummary
		err    error
	)
	if errorsOnly {
		traces, err = finder.GetErrorTraces(ctx, service, start, now)
	} else {
		traces, err = finder.GetTracesByService(ctx, service, start, now)
	}
	if err != nil {
		return tempo.TraceSummary{}, fmt.Errorf("failed to search traces of %s: %w", service, err)
	}
	if len(traces) == 0 {
		return tempo.TraceSummary{}, fmt.Errorf("%w for %s in the last %s", ErrNoTraces, service, window)
	}

	latest := traces[0]
	for _, t := range traces[1:] {
		if t.StartTime.After(latest.StartTime) {
			latest = t
		}
	}
	return latest, nil
}
