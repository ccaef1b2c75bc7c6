package dependency

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracechain/internal/telemetry"
	"tracechain/internal/telemetry/telemetrytest"
)

func newCaller(t *testing.T, timeout time.Duration) (*Caller, *telemetrytest.Fixture) {
	t.Helper()
	f := telemetrytest.New(t, "gateway-api")
	return NewCaller(f.Emitter, f.Provider, timeout), f
}

func TestCallSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/generate", r.URL.Path)
		assert.Equal(t, "why is the sky blue?", r.URL.Query().Get("question"))
		assert.NotEmpty(t, r.Header.Get("traceparent"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"answer":"ok","tokens":100}`))
	}))
	defer server.Close()

	caller, f := newCaller(t, time.Second)

	ctx, span := f.Emitter.StartSpan(context.Background(), "gateway.handle_request")
	out := caller.Call(ctx, Request{
		Method: http.MethodPost,
		URL:    server.URL + "/generate",
		Params: url.Values{"question": {"why is the sky blue?"}},
		Reason: "llm_dependency",
	})
	span.End()

	success, ok := out.(Success)
	require.True(t, ok, "expected Success, got %T", out)
	assert.Equal(t, http.StatusOK, success.Status)
	assert.JSONEq(t, `{"answer":"ok","tokens":100}`, string(success.Body))
	assert.NoError(t, Err(server.URL, out))
	assert.Equal(t, 0.0, f.CounterValue(t, telemetry.ErrorsTotal, nil))
}

func TestCallNon2xxIsHTTPFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"detail":"Database connection refused"}`))
	}))
	defer server.Close()

	caller, f := newCaller(t, time.Second)
	ctx, span := f.Emitter.StartSpan(context.Background(), "llm.plan_and_call_tool")
	out := caller.Call(ctx, Request{
		URL:          server.URL + "/tools/search",
		Reason:       "tool_dependency",
		FailureEvent: "llm_tool_call_failed",
		Fields:       []any{"dependency", "tool-service"},
	})
	span.End()

	failure, ok := out.(HTTPFailure)
	require.True(t, ok, "expected HTTPFailure, got %T", out)
	assert.Equal(t, http.StatusServiceUnavailable, failure.Status)
	assert.Contains(t, failure.Body, "Database connection refused")

	var httpErr *HTTPError
	require.ErrorAs(t, Err(server.URL, out), &httpErr)
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.Status)

	assert.Equal(t, 1.0, f.CounterValue(t, telemetry.ErrorsTotal, telemetry.Labels{
		"service": "gateway-api",
		"reason":  "tool_dependency",
	}))

	events := f.Logs.Named(t, "llm_tool_call_failed")
	require.Len(t, events, 1)
	assert.Equal(t, "ERROR", events[0]["level"])
	assert.Equal(t, "tool-service", events[0]["dependency"])
	assert.Equal(t, "http_503", events[0]["outcome"])
	assert.Equal(t, span.SpanContext().TraceID().String(), events[0]["trace_id"])
}

func TestCallDeadlineDecidesTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	timeout := 300 * time.Millisecond
	caller, f := newCaller(t, timeout)

	start := time.Now()
	out := caller.Call(context.Background(), Request{URL: server.URL, Reason: "tool_dependency"})
	elapsed := time.Since(start)

	failure, ok := out.(TimeoutFailure)
	require.True(t, ok, "expected TimeoutFailure, got %T", out)
	assert.Equal(t, timeout, failure.Timeout)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+time.Second)

	var timeoutErr *TimeoutError
	assert.ErrorAs(t, Err(server.URL, out), &timeoutErr)
	assert.Equal(t, "timeout", Reason(out))
	assert.Equal(t, 1.0, f.CounterValue(t, telemetry.ErrorsTotal, telemetry.Labels{"reason": "tool_dependency"}))
	assert.Len(t, f.Logs.Named(t, "dependency_call_failed"), 1)
}

func TestCallRequestTimeoutOverridesDefault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	caller, _ := newCaller(t, 10*time.Second)
	start := time.Now()
	out := caller.Call(context.Background(), Request{URL: server.URL, Timeout: 100 * time.Millisecond})

	assert.IsType(t, TimeoutFailure{}, out)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCallTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := server.URL
	server.Close()

	caller, f := newCaller(t, time.Second)
	out := caller.Call(context.Background(), Request{URL: addr + "/admin/fail-mode/error", Method: http.MethodPost, Reason: "tool_admin_dependency"})

	failure, ok := out.(HTTPFailure)
	require.True(t, ok, "expected HTTPFailure, got %T", out)
	assert.Equal(t, StatusTransportFailure, failure.Status)
	assert.NotEmpty(t, failure.Body)
	assert.Equal(t, "transport", Reason(out))
	assert.Equal(t, 1.0, f.CounterValue(t, telemetry.ErrorsTotal, telemetry.Labels{"reason": "tool_admin_dependency"}))
}

func TestCallInvalidURL(t *testing.T) {
	caller, _ := newCaller(t, time.Second)
	out := caller.Call(context.Background(), Request{URL: "tool-service/tools/search"})

	failure, ok := out.(HTTPFailure)
	require.True(t, ok)
	assert.Equal(t, StatusTransportFailure, failure.Status)
}

func TestCallParentCancellationIsNotTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	caller, _ := newCaller(t, 5*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	out := caller.Call(ctx, Request{URL: server.URL})
	failure, ok := out.(HTTPFailure)
	require.True(t, ok, "expected HTTPFailure, got %T", out)
	assert.True(t, errors.Is(failure.Err, context.Canceled))
}

func TestBuildURLMergesParams(t *testing.T) {
	got, err := buildURL("http://tool-service:8080/tools/search?x=1", url.Values{"q": {"a b"}})
	require.NoError(t, err)
	assert.Equal(t, "http://tool-service:8080/tools/search?q=a+b&x=1", got)
}
