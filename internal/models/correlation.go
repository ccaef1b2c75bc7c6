package models

import "time"

// CorrelationReport gathers everything the telemetry backends hold for one trace.
type CorrelationReport struct {
	TraceID    string               `json:"trace_id"`
	TimeWindow TimeWindow           `json:"time_window"`
	Services   []ServiceCorrelation `json:"services"`
	Complete   bool                 `json:"complete"`
	Missing    []string             `json:"missing,omitempty"`
	Warnings   []string             `json:"warnings,omitempty"`
}

// ServiceCorrelation is what one hop reported for the trace.
type ServiceCorrelation struct {
	Service    string             `json:"service"`
	SpanCount  int                `json:"span_count"`
	ErrorSpans int                `json:"error_spans"`
	Operations []string           `json:"operations,omitempty"`
	Logs       []LogEntry         `json:"logs,omitempty"`
	Errors     map[string]float64 `json:"errors,omitempty"` // demo_errors_total increase by reason
}

// HasSpans reports whether the hop exported at least one span.
func (s ServiceCorrelation) HasSpans() bool {
	return s.SpanCount > 0
}

// HasLogs reports whether the hop exported at least one log line.
func (s ServiceCorrelation) HasLogs() bool {
	return len(s.Logs) > 0
}

// TimeWindow represents the time range for queries
type TimeWindow struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Duration string    `json:"duration"`
}

// LogEntry represents a log entry from Loki
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Service   string    `json:"service"`
	TraceID   string    `json:"trace_id,omitempty"`
}

// Service returns the entry for name, or nil.
func (r *CorrelationReport) Service(name string) *ServiceCorrelation {
	for i := range r.Services {
		if r.Services[i].Service == name {
			return &r.Services[i]
		}
	}
	return nil
}
