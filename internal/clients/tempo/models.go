package tempo

import (
	"sort"
	"time"
)

// Trace represents a complete distributed trace containing multiple spans.
type Trace struct {
	TraceID string `json:"traceID"`
	Spans   []Span `json:"spans"`
}

// Span represents a single timed operation within a larger trace.
type Span struct {
	SpanID        string    `json:"spanID"`
	ParentSpanID  string    `json:"parentSpanID,omitempty"`
	ServiceName   string    `json:"serviceName"`
	OperationName string    `json:"operationName"`
	StartTime     time.Time `json:"startTime"`
	DurationMs    int64     `json:"durationMs"`
	Status        string    `json:"status"` // "unset", "ok" or "error"
}

// TraceSummary is one hit of a TraceQL search.
type TraceSummary struct {
	TraceID         string    `json:"traceID"`
	RootServiceName string    `json:"rootServiceName"`
	RootTraceName   string    `json:"rootTraceName"`
	StartTime       time.Time `json:"startTime"`
	DurationMs      int64     `json:"durationMs"`
}

// SpansByService groups the spans of the trace by the service that emitted them.
func (t *Trace) SpansByService() map[string][]Span {
	out := make(map[string][]Span)
	for _, s := range t.Spans {
		out[s.ServiceName] = append(out[s.ServiceName], s)
	}
	return out
}

// Services returns the sorted names of every service that reported a span.
func (t *Trace) Services() []string {
	byService := t.SpansByService()
	names := make([]string, 0, len(byService))
	for name := range byService {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
