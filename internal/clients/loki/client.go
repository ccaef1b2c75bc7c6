// Package loki provides a client to interface with Grafana Loki for log aggregation and LogQL querying.
package loki

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"tracechain/internal/models"
)

// Client handles LogQL queries against a specified Loki instance.
type Client struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

// NewClient creates a new Loki client
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:3100"
	}
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
		timeout: timeout,
	}
}

// LogResponse represents Loki query response
type LogResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Stream map[string]string `json:"stream"`
			Values [][]string        `json:"values"`
		} `json:"result"`
	} `json:"data"`
}

// Query executes a LogQL query and returns log entries sorted by time
func (c *Client) Query(ctx context.Context, query string, start, end time.Time, limit int) ([]models.LogEntry, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("start", strconv.FormatInt(start.UnixNano(), 10))
	params.Set("end", strconv.FormatInt(end.UnixNano(), 10))
	params.Set("limit", strconv.Itoa(limit))
	params.Set("direction", "forward")

	req, err := c.newRequest(ctx, http.MethodGet, "/loki/api/v1/query_range", params)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var result LogResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	entries := make([]models.LogEntry, 0)
	for _, res := range result.Data.Result {
		for _, value := range res.Values {
			if len(value) < 2 {
				continue
			}
			ns, err := strconv.ParseInt(value[0], 10, 64)
			if err != nil {
				continue
			}
			entries = append(entries, toEntry(time.Unix(0, ns).UTC(), value[1], res.Stream))
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})

	return entries, nil
}

// QueryByTraceID fetches the log lines a service wrote while handling one trace
func (c *Client) QueryByTraceID(ctx context.Context, serviceName, traceID string, start, end time.Time, limit int) ([]models.LogEntry, error) {
	return c.Query(ctx, BuildTraceQuery(serviceName, traceID), start, end, limit)
}

// BuildTraceQuery matches lines of a service whose trace_id, as a label, structured metadata or
// JSON field, equals traceID.
func BuildTraceQuery(serviceName, traceID string) string {
	return fmt.Sprintf(`{service_name="%s"} |= "%s"`, serviceName, traceID)
}

// toEntry fills level and trace id from the stream labels, falling back to the line itself
// when it is one of our JSON events.
func toEntry(ts time.Time, line string, stream map[string]string) models.LogEntry {
	entry := models.LogEntry{
		Timestamp: ts,
		Message:   line,
		Service:   firstOf(stream, "service_name", "service"),
		Level:     firstOf(stream, "level", "detected_level", "severity_text"),
		TraceID:   firstOf(stream, "trace_id", "traceid"),
	}

	if gjson.Valid(line) {
		parsed := gjson.Parse(line)
		if ev := parsed.Get("event"); ev.Exists() {
			entry.Message = ev.String()
		}
		if entry.Level == "" {
			entry.Level = parsed.Get("level").String()
		}
		if entry.TraceID == "" {
			entry.TraceID = parsed.Get("trace_id").String()
		}
		if entry.Service == "" {
			entry.Service = parsed.Get("service").String()
		}
	}

	return entry
}

func firstOf(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := m[k]; v != "" {
			return v
		}
	}
	return ""
}

// newRequest creates a new HTTP request
func (c *Client) newRequest(ctx context.Context, method, path string, params url.Values) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	u.Path = path
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	return req, nil
}
