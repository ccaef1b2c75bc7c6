package inspect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracechain/internal/clients/tempo"
)

type fakeFinder struct {
	all, failed []tempo.TraceSummary
	err         error
	start, end  time.Time
}

func (f *fakeFinder) GetTracesByService(_ context.Context, _ string, start, end time.Time) ([]tempo.TraceSummary, error) {
	f.start, f.end = start, end
	return f.all, f.err
}

func (f *fakeFinder) GetErrorTraces(_ context.Context, _ string, start, end time.Time) ([]tempo.TraceSummary, error) {
	f.start, f.end = start, end
	return f.failed, f.err
}

func TestLatestTrace(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	finder := &fakeFinder{
		all: []tempo.TraceSummary{
			{TraceID: "a", StartTime: now.Add(-3 * time.Minute)},
			{TraceID: "b", StartTime: now.Add(-time.Minute)},
			{TraceID: "c", StartTime: now.Add(-2 * time.Minute)},
		},
		failed: []tempo.TraceSummary{
			{TraceID: "e1", StartTime: now.Add(-4 * time.Minute)},
			{TraceID: "e2", StartTime: now.Add(-90 * time.Second)},
		},
	}

	got, err := LatestTrace(context.Background(), finder, "gateway-api", false, now, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "b", got.TraceID)
	assert.Equal(t, now.Add(-5*time.Minute), finder.start)
	assert.Equal(t, now, finder.end)

	got, err = LatestTrace(context.Background(), finder, "gateway-api", true, now, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "e2", got.TraceID)
}

func TestLatestTraceEmpty(t *testing.T) {
	_, err := LatestTrace(context.Background(), &fakeFinder{}, "tool-service", true, time.Now(), time.Minute)
	assert.ErrorIs(t, err, ErrNoTraces)
	assert.ErrorContains(t, err, "tool-service")
}

func TestLatestTraceSearchError(t *testing.T) {
	boom := errors.New("tempo unavailable")
	_, err := LatestTrace(context.Background(), &fakeFinder{err: boom}, "gateway-api", false, time.Now(), time.Minute)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrNoTraces)
}
