// Package models defines the shared data structures exchanged between the hops of the chain.
package models

import (
	"encoding/json"
	"fmt"
)

// SearchSource is the source reported by the tool hop.
const SearchSource = "tool-service"

// AskResponse is returned by the gateway. Answer holds the orchestrator body as received.
type AskResponse struct {
	Answer   json.RawMessage `json:"answer"`
	ServedBy string          `json:"served_by"`
}

// GenerateResponse is returned by the orchestrator.
type GenerateResponse struct {
	Answer string `json:"answer"`
	Tokens int    `json:"tokens"`
}

// SearchResult is returned by the tool.
type SearchResult struct {
	Source string `json:"source"`
	Result string `json:"result"`
}

// NewSearchResult builds the synthetic result for query. It depends on nothing but query.
func NewSearchResult(query string) SearchResult {
	return SearchResult{
		Source: SearchSource,
		Result: fmt.Sprintf("fresh context for '%s'", query),
	}
}

// Answer renders the orchestrator's answer text for a tool result.
func (s SearchResult) Answer() string {
	return fmt.Sprintf("Based on %s: %s", s.Source, s.Result)
}

// FailModeResponse acknowledges a fail mode change.
type FailModeResponse struct {
	ToolFailMode string `json:"tool_fail_mode"`
}

// HealthResponse is returned by every role on /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Detail string `json:"detail"`
}
