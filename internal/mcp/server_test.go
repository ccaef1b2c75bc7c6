package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracechain/internal/failmode"
	"tracechain/internal/inspect"
	"tracechain/internal/models"
)

type fakeChain struct {
	ask     *inspect.Result
	err     error
	setMode failmode.Mode
}

func (f *fakeChain) Ask(_ context.Context, question string) (*inspect.Result, error) {
	return f.ask, f.err
}

func (f *fakeChain) SetToolFailMode(_ context.Context, mode failmode.Mode) (*inspect.Result, error) {
	f.setMode = mode
	return &inspect.Result{Status: 200, Body: []byte(`{"tool_fail_mode":"` + string(mode) + `"}`)}, nil
}

type fakeCorrelator struct {
	waited bool
}

func (f *fakeCorrelator) Correlate(_ context.Context, traceID string, _ time.Time) (*models.CorrelationReport, error) {
	return &models.CorrelationReport{TraceID: traceID}, nil
}

func (f *fakeCorrelator) Wait(_ context.Context, traceID string, _ time.Time, _ time.Duration) (*models.CorrelationReport, error) {
	f.waited = true
	return &models.CorrelationReport{TraceID: traceID, Complete: true}, nil
}

func call(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestHandleAsk(t *testing.T) {
	chain := &fakeChain{ask: &inspect.Result{
		Status:  200,
		TraceID: "4bf92f3577b34da6a3ce929d0e0e4736",
		Body:    []byte(`{"answer":{"answer":"Based on tool-service: fresh context for 'hi'","tokens":99},"served_by":"gateway-api"}`),
	}}
	s := New(chain, &fakeCorrelator{}, "test", time.Second)

	res, err := s.HandleAsk(context.Background(), call("ask", map[string]any{"question": "hi"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	var out callResult
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &out))
	assert.Equal(t, 200, out.Status)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", out.TraceID)
	assert.Contains(t, string(out.Body), "fresh context for")
}

func TestHandleAskUpstreamFailure(t *testing.T) {
	chain := &fakeChain{ask: &inspect.Result{Status: 503, Body: []byte(`{"detail":"LLM service unavailable"}`)}}
	s := New(chain, &fakeCorrelator{}, "test", time.Second)

	res, err := s.HandleAsk(context.Background(), call("ask", map[string]any{"question": "hi"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "LLM service unavailable")
}

func TestHandleAskErrors(t *testing.T) {
	s := New(&fakeChain{err: errors.New("connection refused")}, &fakeCorrelator{}, "test", time.Second)

	res, err := s.HandleAsk(context.Background(), call("ask", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.HandleAsk(context.Background(), call("ask", map[string]any{"question": "hi"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "connection refused")
}

func TestHandleSetToolFailMode(t *testing.T) {
	chain := &fakeChain{}
	s := New(chain, &fakeCorrelator{}, "test", time.Second)

	res, err := s.HandleSetToolFailMode(context.Background(), call("set_tool_fail_mode", map[string]any{"mode": "timeout"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, failmode.Timeout, chain.setMode)

	res, err = s.HandleSetToolFailMode(context.Background(), call("set_tool_fail_mode", map[string]any{"mode": "flaky"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, failmode.Timeout, chain.setMode)
}

func TestHandleInspectTrace(t *testing.T) {
	corr := &fakeCorrelator{}
	s := New(&fakeChain{}, corr, "test", time.Second)

	res, err := s.HandleInspectTrace(context.Background(), call("inspect_trace", map[string]any{"trace_id": "abc"}))
	require.NoError(t, err)
	assert.False(t, corr.waited)

	var report models.CorrelationReport
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &report))
	assert.Equal(t, "abc", report.TraceID)

	res, err = s.HandleInspectTrace(context.Background(), call("inspect_trace", map[string]any{"trace_id": "abc", "wait": true}))
	require.NoError(t, err)
	assert.True(t, corr.waited)
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &report))
	assert.True(t, report.Complete)
}
