package dependency

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"tracechain/internal/telemetry"
)

// DefaultTimeout applies when neither the request nor the caller sets one.
const DefaultTimeout = 2 * time.Second

const maxBodyBytes = 1 << 20

// Request describes one outbound call.
type Request struct {
	Method string
	URL    string
	Params url.Values
	// Timeout overrides the caller default when positive.
	Timeout time.Duration
	// Reason labels demo_errors_total when the call fails.
	Reason string
	// FailureEvent is the name of the error event emitted when the call fails.
	FailureEvent string
	// Fields are extra key/value pairs added to the failure event.
	Fields []any
}

// Caller issues requests to the next hop. It never retries.
type Caller struct {
	client  *http.Client
	emitter *telemetry.Emitter
	timeout time.Duration
}

// NewCaller builds a caller whose transport propagates trace context and records client spans.
func NewCaller(emitter *telemetry.Emitter, p *telemetry.Provider, timeout time.Duration) *Caller {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithTracerProvider(p.Tracers),
		otelhttp.WithMeterProvider(p.Meters),
		otelhttp.WithPropagators(p.Propagator),
	)
	return &Caller{
		client:  &http.Client{Transport: transport},
		emitter: emitter,
		timeout: timeout,
	}
}

// Timeout returns the default deadline applied to calls.
func (c *Caller) Timeout() time.Duration {
	return c.timeout
}

// Call performs req under a hard deadline and classifies the result. Failed outcomes are
// counted and logged before Call returns.
func (c *Caller) Call(ctx context.Context, req Request) Outcome {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	target, err := buildURL(req.URL, req.Params)
	if err != nil {
		return c.fail(ctx, req, req.URL, HTTPFailure{Status: StatusTransportFailure, Body: err.Error(), Err: err})
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()

	httpReq, err := http.NewRequestWithContext(callCtx, method, target, nil)
	if err != nil {
		return c.fail(ctx, req, target, HTTPFailure{Status: StatusTransportFailure, Body: err.Error(), Err: err})
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return c.fail(ctx, req, target, classify(callCtx, err, timeout, start))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return c.fail(ctx, req, target, classify(callCtx, err, timeout, start))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.fail(ctx, req, target, HTTPFailure{
			Status: resp.StatusCode,
			Body:   string(body),
			Err:    fmt.Errorf("unexpected status code: %d", resp.StatusCode),
		})
	}

	return Success{Status: resp.StatusCode, Body: body}
}

func (c *Caller) fail(ctx context.Context, req Request, target string, o Outcome) Outcome {
	reason := req.Reason
	if reason == "" {
		reason = "dependency"
	}
	event := req.FailureEvent
	if event == "" {
		event = "dependency_call_failed"
	}

	c.emitter.Count(ctx, telemetry.ErrorsTotal, telemetry.Labels{"reason": reason})

	fields := []any{
		"error", Err(target, o).Error(),
		"outcome", Reason(o),
		"url", target,
	}
	fields = append(fields, req.Fields...)
	c.emitter.Event(ctx, slog.LevelError, event, fields...)

	return o
}

func classify(callCtx context.Context, err error, timeout time.Duration, start time.Time) Outcome {
	if isTimeout(callCtx, err) {
		return TimeoutFailure{Timeout: timeout, Elapsed: time.Since(start), Err: err}
	}
	return HTTPFailure{Status: StatusTransportFailure, Body: err.Error(), Err: err}
}

func isTimeout(callCtx context.Context, err error) bool {
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func buildURL(raw string, params url.Values) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid URL %q: missing scheme or host", raw)
	}
	if len(params) > 0 {
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
