// Package mcp exposes the service chain to AI agents over the Model Context Protocol (MCP).
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"tracechain/internal/failmode"
	"tracechain/internal/inspect"
	"tracechain/internal/models"
)

// Chain sends requests into the running chain.
type Chain interface {
	Ask(ctx context.Context, question string) (*inspect.Result, error)
	SetToolFailMode(ctx context.Context, mode failmode.Mode) (*inspect.Result, error)
}

// Correlator reads back what the telemetry backends recorded for a trace.
type Correlator interface {
	Correlate(ctx context.Context, traceID string, at time.Time) (*models.CorrelationReport, error)
	Wait(ctx context.Context, traceID string, at time.Time, interval time.Duration) (*models.CorrelationReport, error)
}

// Server defines the MCP capability layer, exposing the chain to connected AI agents.
type Server struct {
	chain       Chain
	correlator  Correlator
	mcpServer   *server.MCPServer
	waitTimeout time.Duration
}

// callResult is what the ask and set_tool_fail_mode tools return.
type callResult struct {
	Status    int             `json:"status"`
	TraceID   string          `json:"trace_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// New creates a new MCP server wrapper
func New(chain Chain, correlator Correlator, version string, waitTimeout time.Duration) *Server {
	if waitTimeout <= 0 {
		waitTimeout = 30 * time.Second
	}
	s := &Server{
		chain:       chain,
		correlator:  correlator,
		mcpServer:   server.NewMCPServer("tracechain-mcp", version),
		waitTimeout: waitTimeout,
	}
	s.RegisterTools(s.mcpServer)
	return s
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio serves the MCP protocol over standard input/output streams.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// RegisterTools registers the chain tools with the MCP server
func (s *Server) RegisterTools(mcpServer *server.MCPServer) {
	askTool := mcp.NewTool("ask",
		mcp.WithDescription("Sends a question through gateway, orchestrator and tool and returns the gateway response with its trace id."),
		mcp.WithString("question", mcp.Required(), mcp.Description("Question to ask")),
	)
	mcpServer.AddTool(askTool, s.HandleAsk)

	failModeTool := mcp.NewTool("set_tool_fail_mode",
		mcp.WithDescription("Switches the failure the tool service simulates."),
		mcp.WithString("mode", mcp.Required(), mcp.Enum(string(failmode.None), string(failmode.Timeout), string(failmode.Error)),
			mcp.Description("none, timeout or error")),
	)
	mcpServer.AddTool(failModeTool, s.HandleSetToolFailMode)

	inspectTool := mcp.NewTool("inspect_trace",
		mcp.WithDescription("Checks that every service reported spans, logs and counters for a trace."),
		mcp.WithString("trace_id", mcp.Required(), mcp.Description("32 hex character trace id, as returned by ask")),
		mcp.WithBoolean("wait", mcp.Description("Poll until the trace is complete or the wait timeout passes")),
	)
	mcpServer.AddTool(inspectTool, s.HandleInspectTrace)
}

// HandleAsk drives one request through the chain
func (s *Server) HandleAsk(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := request.RequireString("question")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := s.chain.Ask(ctx, question)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("ask failed: %v", err)), nil
	}
	return toolResult(res)
}

// HandleSetToolFailMode changes the tool's fail mode through the gateway
func (s *Server) HandleSetToolFailMode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := request.RequireString("mode")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	mode, err := failmode.Parse(raw)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := s.chain.SetToolFailMode(ctx, mode)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("set fail mode failed: %v", err)), nil
	}
	return toolResult(res)
}

// HandleInspectTrace reports what the backends hold for a trace
func (s *Server) HandleInspectTrace(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	traceID, err := request.RequireString("trace_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var report *models.CorrelationReport
	if request.GetBool("wait", false) {
		waitCtx, cancel := context.WithTimeout(ctx, s.waitTimeout)
		defer cancel()
		report, err = s.correlator.Wait(waitCtx, traceID, time.Now(), 0)
	} else {
		report, err = s.correlator.Correlate(ctx, traceID, time.Now())
	}
	if report == nil {
		return mcp.NewToolResultError(fmt.Sprintf("inspect failed: %v", err)), nil
	}

	jsonBytes, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode report: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func toolResult(res *inspect.Result) (*mcp.CallToolResult, error) {
	out := callResult{
		Status:    res.Status,
		TraceID:   res.TraceID,
		RequestID: res.RequestID,
	}
	if json.Valid(res.Body) {
		out.Body = res.Body
	}

	jsonBytes, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	if !res.OK() {
		return mcp.NewToolResultError(string(jsonBytes)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}
