package prometheus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client wraps Prometheus HTTP API calls
type Client struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

// NewClient creates a new Prometheus client
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
		timeout: timeout,
	}
}

// QueryResult represents a Prometheus query result
type QueryResult struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string   `json:"resultType"`
		Result     []Sample `json:"result"`
	} `json:"data"`
}

// Sample is one series of a vector result.
type Sample struct {
	Metric map[string]string `json:"metric"`
	Value  []interface{}     `json:"value"`
}

// Float returns the instant value of the sample.
func (s Sample) Float() (float64, error) {
	if len(s.Value) < 2 {
		return 0, nil
	}
	value, ok := s.Value[1].(string)
	if !ok {
		return 0, fmt.Errorf("invalid value type")
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse value: %w", err)
	}
	return f, nil
}

// QueryVector executes an instant query and returns every series
func (c *Client) QueryVector(ctx context.Context, query string) ([]Sample, error) {
	params := url.Values{
		"query": []string{query},
	}

	resp, err := c.doRequest(ctx, "/api/v1/query", params)
	if err != nil {
		return nil, err
	}

	var result QueryResult
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if result.Status != "success" {
		return nil, fmt.Errorf("query failed: %s", result.Status)
	}

	return result.Data.Result, nil
}

// doRequest makes an HTTP request to Prometheus
func (c *Client) doRequest(ctx context.Context, path string, params url.Values) ([]byte, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	u.Path = path
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
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

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return body, nil
}

// QueryErrorsByReason returns the demo_errors_total increase per reason for a service over window
func (c *Client) QueryErrorsByReason(ctx context.Context, serviceName string, window time.Duration) (map[string]float64, error) {
	query := fmt.Sprintf(
		"sum by (reason) (increase(demo_errors_total{service='%s'}[%s]))",
		serviceName, promDuration(window),
	)
	samples, err := c.QueryVector(ctx, query)
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(samples))
	for _, s := range samples {
		v, err := s.Float()
		if err != nil {
			return nil, err
		}
		out[s.Metric["reason"]] = v
	}
	return out, nil
}

// promDuration renders d in whole seconds, the smallest unit PromQL range selectors need here.
func promDuration(d time.Duration) string {
	s := int64(d / time.Second)
	if s < 1 {
		s = 1
	}
	return strconv.FormatInt(s, 10) + "s"
}
