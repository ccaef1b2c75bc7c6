// Package tempo provides a client for interacting with the Grafana Tempo distributed tracing backend.
package tempo

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// ErrTraceNotFound is returned when Tempo has no trace for the requested id.
var ErrTraceNotFound = errors.New("trace not found")

// Client implements HTTP interaction with the Tempo API to fetch traces and spans.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new Tempo client
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// QueryResult represents a Tempo query response
type QueryResult struct {
	Traces []struct {
		TraceID           string `json:"traceID"`
		RootServiceName   string `json:"rootServiceName"`
		RootTraceName     string `json:"rootTraceName"`
		StartTimeUnixNano string `json:"startTimeUnixNano"`
		DurationMs        int64  `json:"durationMs"`
	} `json:"traces"`
}

// doRequest performs the HTTP request to Tempo via HTTP API
func (c *Client) doRequest(ctx context.Context, apiPath string, params url.Values) ([]byte, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	u.Path = apiPath
	if params != nil {
		u.RawQuery = params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tempo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrTraceNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code from tempo: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return body, nil
}

// Search runs a TraceQL query over the time window and returns the matching trace summaries.
func (c *Client) Search(ctx context.Context, query string, start, end time.Time, limit int) ([]TraceSummary, error) {
	params := url.Values{
		"q":     []string{query},
		"start": []string{strconv.FormatInt(start.Unix(), 10)},
		"end":   []string{strconv.FormatInt(end.Unix(), 10)},
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	resp, err := c.doRequest(ctx, "/api/search", params)
	if err != nil {
		c.logger.Error("Failed to search traces", "query", query, "error", err)
		return nil, err
	}

	var searchResult QueryResult
	if err := json.Unmarshal(resp, &searchResult); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}

	traces := make([]TraceSummary, 0, len(searchResult.Traces))
	for _, t := range searchResult.Traces {
		ns, _ := strconv.ParseInt(t.StartTimeUnixNano, 10, 64)
		traces = append(traces, TraceSummary{
			TraceID:         t.TraceID,
			RootServiceName: t.RootServiceName,
			RootTraceName:   t.RootTraceName,
			StartTime:       time.Unix(0, ns).UTC(),
			DurationMs:      t.DurationMs,
		})
	}

	return traces, nil
}

// GetTracesByService fetches recent traces for a given service within the time window
func (c *Client) GetTracesByService(ctx context.Context, service string, start, end time.Time) ([]TraceSummary, error) {
	return c.Search(ctx, BuildServiceQuery(service), start, end, 0)
}

// GetErrorTraces fetches recent traces in which the service recorded an error span
func (c *Client) GetErrorTraces(ctx context.Context, service string, start, end time.Time) ([]TraceSummary, error) {
	return c.Search(ctx, BuildErrorSpansQuery(service), start, end, 0)
}

// GetTraceByID fetches a single complete trace by its ID and decodes its OTLP JSON body.
func (c *Client) GetTraceByID(ctx context.Context, traceID string) (*Trace, error) {
	resp, err := c.doRequest(ctx, fmt.Sprintf("/api/traces/%s", traceID), nil)
	if err != nil {
		if !errors.Is(err, ErrTraceNotFound) {
			c.logger.Error("Failed to fetch trace by ID", "traceID", traceID, "error", err)
		}
		return nil, err
	}

	trace, err := ParseTrace(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to parse trace %s: %w", traceID, err)
	}
	trace.TraceID = traceID
	return trace, nil
}

// ParseTrace decodes an OTLP JSON trace as returned by Tempo. Both the "batches" layout of the
// v1 API and the "resourceSpans" layout are accepted.
func ParseTrace(body []byte) (*Trace, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("invalid JSON")
	}

	root := gjson.ParseBytes(body)
	resources := root.Get("batches")
	if !resources.Exists() {
		resources = root.Get("resourceSpans")
	}

	trace := &Trace{}
	resources.ForEach(func(_, rs gjson.Result) bool {
		service := resourceService(rs.Get("resource.attributes"))

		scopes := rs.Get("scopeSpans")
		if !scopes.Exists() {
			scopes = rs.Get("instrumentationLibrarySpans")
		}
		scopes.ForEach(func(_, scope gjson.Result) bool {
			scope.Get("spans").ForEach(func(_, s gjson.Result) bool {
				start := s.Get("startTimeUnixNano").Int()
				end := s.Get("endTimeUnixNano").Int()
				trace.Spans = append(trace.Spans, Span{
					SpanID:        spanID(s.Get("spanId").String()),
					ParentSpanID:  spanID(s.Get("parentSpanId").String()),
					ServiceName:   service,
					OperationName: s.Get("name").String(),
					StartTime:     time.Unix(0, start).UTC(),
					DurationMs:    (end - start) / int64(time.Millisecond),
					Status:        spanStatus(s.Get("status.code")),
				})
				return true
			})
			return true
		})
		return true
	})

	return trace, nil
}

func resourceService(attrs gjson.Result) string {
	for _, a := range attrs.Array() {
		if a.Get("key").String() == "service.name" {
			return a.Get("value.stringValue").String()
		}
	}
	return ""
}

// spanStatus accepts both the numeric and the enum-name form of an OTLP status code.
func spanStatus(code gjson.Result) string {
	switch code.String() {
	case "1", "STATUS_CODE_OK":
		return "ok"
	case "2", "STATUS_CODE_ERROR":
		return "error"
	default:
		return "unset"
	}
}

// spanID normalizes Tempo's base64 span ids to the hex form used in logs.
func spanID(raw string) string {
	if raw == "" {
		return ""
	}
	if _, err := hex.DecodeString(raw); err == nil && len(raw) == 16 {
		return raw
	}
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return raw
	}
	return hex.EncodeToString(b)
}
