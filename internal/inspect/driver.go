package inspect

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"tracechain/internal/failmode"
)

// Result is one response of the gateway as seen from outside the chain.
type Result struct {
	Status    int
	TraceID   string
	RequestID string
	Body      []byte
	At        time.Time
}

// OK reports whether the gateway answered 2xx.
func (r *Result) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Detail returns the error detail of a failed response, if any.
func (r *Result) Detail() string {
	return gjson.GetBytes(r.Body, "detail").String()
}

// Driver sends requests into the chain through the gateway.
type Driver struct {
	baseURL string
	client  *http.Client
}

// NewDriver creates a driver for the gateway at baseURL.
func NewDriver(baseURL string, timeout time.Duration) *Driver {
	return &Driver{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Ask sends a question through the whole chain.
func (d *Driver) Ask(ctx context.Context, question string) (*Result, error) {
	return d.do(ctx, "/ask?"+url.Values{"question": {question}}.Encode())
}

// SetToolFailMode switches the tool's fail mode through the gateway admin proxy.
func (d *Driver) SetToolFailMode(ctx context.Context, mode failmode.Mode) (*Result, error) {
	return d.do(ctx, "/admin/tool-fail-mode/"+url.PathEscape(string(mode)))
}

func (d *Driver) do(ctx context.Context, path string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	at := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &Result{
		Status:    resp.StatusCode,
		TraceID:   resp.Header.Get("X-Trace-Id"),
		RequestID: resp.Header.Get("X-Request-Id"),
		Body:      body,
		At:        at,
	}, nil
}
