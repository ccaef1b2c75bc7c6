// Package telemetrytest provides in-memory telemetry for tests.
package telemetrytest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"tracechain/internal/telemetry"
)

// Buffer is a goroutine-safe log sink.
type Buffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// Events decodes every JSON line written so far.
func (b *Buffer) Events(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	data := append([]byte(nil), b.buf.Bytes()...)
	b.mu.Unlock()

	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	return out
}

// Named returns the events whose event field equals name.
func (b *Buffer) Named(t *testing.T, name string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, ev := range b.Events(t) {
		if ev["event"] == name {
			out = append(out, ev)
		}
	}
	return out
}

// Fixture bundles an emitter with the sinks it writes to.
type Fixture struct {
	Provider *telemetry.Provider
	Emitter  *telemetry.Emitter
	Spans    *tracetest.SpanRecorder
	Logs     *Buffer
}

// New builds a non-exporting provider and emitter for service.
func New(t *testing.T, service string) *Fixture {
	t.Helper()
	spans := tracetest.NewSpanRecorder()
	p, err := telemetry.Setup(context.Background(), telemetry.Config{ServiceName: service}, nil,
		telemetry.WithSpanProcessor(spans),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	logs := &Buffer{}
	e, err := telemetry.NewEmitter(service, p, slog.New(slog.NewJSONHandler(logs, nil)))
	require.NoError(t, err)

	return &Fixture{Provider: p, Emitter: e, Spans: spans, Logs: logs}
}

// CounterValue reads a counter from the fixture's Prometheus registry. Labels not given are
// not matched.
func (f *Fixture) CounterValue(t *testing.T, name telemetry.Counter, labels telemetry.Labels) float64 {
	t.Helper()
	return CounterValue(t, f.Provider.Registry, name, labels)
}

// CounterValue sums every series of name in reg whose labels include labels.
func CounterValue(t *testing.T, reg prometheus.Gatherer, name telemetry.Counter, labels telemetry.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	var total float64
	for _, mf := range families {
		if mf.GetName() != string(name) {
			continue
		}
		for _, m := range mf.GetMetric() {
			got := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			match := true
			for k, v := range labels {
				if got[k] != v {
					match = false
					break
				}
			}
			if match {
				total += m.GetCounter().GetValue()
			}
		}
	}
	return total
}
