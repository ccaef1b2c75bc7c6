package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	"tracechain/internal/config"
	"tracechain/internal/dependency"
	"tracechain/internal/failmode"
	"tracechain/internal/models"
	"tracechain/internal/role"
	"tracechain/internal/telemetry"
)

const (
	minPromptTokens = 80
	maxPromptTokens = 180
)

// Handler holds the server dependencies
type Handler struct {
	cfg      *config.Config
	role     role.Role
	emitter  *telemetry.Emitter
	provider *telemetry.Provider
	caller   *dependency.Caller
	registry *failmode.Registry

	promptTokens func() int
}

// NewHandler creates a new handler for the role configured in cfg. registry is only used,
// and only required, by the tool role.
func NewHandler(cfg *config.Config, emitter *telemetry.Emitter, provider *telemetry.Provider, caller *dependency.Caller, registry *failmode.Registry) (*Handler, error) {
	r, err := cfg.Role()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve role: %w", err)
	}
	if r == role.Tool && registry == nil {
		return nil, errors.New("tool role requires a fail mode registry")
	}
	if r != role.Tool && caller == nil {
		return nil, fmt.Errorf("%s role requires a dependency caller", r)
	}

	return &Handler{
		cfg:      cfg,
		role:     r,
		emitter:  emitter,
		provider: provider,
		caller:   caller,
		registry: registry,
		promptTokens: func() int {
			return minPromptTokens + rand.IntN(maxPromptTokens-minPromptTokens+1)
		},
	}, nil
}

// Role returns the role the handler serves.
func (h *Handler) Role() role.Role {
	return h.role
}

// HandleAsk answers a question by asking the orchestrator.
func (h *Handler) HandleAsk(w http.ResponseWriter, r *http.Request) {
	question, err := requiredQuery(r, "question")
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	ctx := r.Context()
	h.emitter.Count(ctx, telemetry.RequestsTotal, telemetry.Labels{"route": "/ask"})

	var resp models.AskResponse
	err = h.emitter.WithSpan(ctx, "gateway.handle_request", func(ctx context.Context) error {
		h.emitter.Info(ctx, "gateway_received_question", "question", question)

		target := upstream(h.cfg.Upstream.OrchestratorURL, "/generate")
		out := h.caller.Call(ctx, dependency.Request{
			Method:       http.MethodPost,
			URL:          target,
			Params:       url.Values{"question": {question}},
			Reason:       "llm_dependency",
			FailureEvent: "gateway_llm_call_failed",
		})

		success, ok := out.(dependency.Success)
		if !ok {
			return &APIError{Status: http.StatusServiceUnavailable, Detail: "LLM service unavailable", Err: dependency.Err(target, out)}
		}
		if !gjson.ValidBytes(success.Body) {
			err := fmt.Errorf("malformed response from %s", target)
			h.dependencyFailed(ctx, "llm_dependency", "gateway_llm_call_failed", err)
			return &APIError{Status: http.StatusServiceUnavailable, Detail: "LLM service unavailable", Err: err}
		}

		h.emitter.Info(ctx, "gateway_responding", "token_usage", gjson.GetBytes(success.Body, "tokens").Int())
		resp = models.AskResponse{Answer: json.RawMessage(success.Body), ServedBy: h.cfg.Service.Name}
		return nil
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, r, http.StatusOK, resp)
}

// HandleGenerate builds an answer from the tool's search result.
func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	question, err := requiredQuery(r, "question")
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	ctx := r.Context()
	h.emitter.Count(ctx, telemetry.RequestsTotal, telemetry.Labels{"route": "/generate"})

	var resp models.GenerateResponse
	err = h.emitter.WithSpan(ctx, "llm.plan_and_call_tool", func(ctx context.Context) error {
		h.emitter.Info(ctx, "llm_received_prompt", "question", question)
		promptTokens := h.promptTokens()

		target := upstream(h.cfg.Upstream.ToolURL, "/tools/search")
		out := h.caller.Call(ctx, dependency.Request{
			Method:       http.MethodGet,
			URL:          target,
			Params:       url.Values{"q": {question}},
			Reason:       "tool_dependency",
			FailureEvent: "llm_tool_call_failed",
			Fields:       []any{"dependency", role.ToolService},
		})

		success, ok := out.(dependency.Success)
		if !ok {
			return &APIError{Status: http.StatusBadGateway, Detail: "Tool call failed", Err: dependency.Err(target, out)}
		}

		source := gjson.GetBytes(success.Body, "source")
		result := gjson.GetBytes(success.Body, "result")
		if !source.Exists() || !result.Exists() {
			err := fmt.Errorf("malformed tool payload from %s", target)
			h.dependencyFailed(ctx, "tool_dependency", "llm_tool_call_failed", err, "dependency", role.ToolService)
			return &APIError{Status: http.StatusBadGateway, Detail: "Tool call failed", Err: err}
		}

		answer := models.SearchResult{Source: source.String(), Result: result.String()}.Answer()
		total := promptTokens + len(strings.Fields(answer))
		h.emitter.Info(ctx, "llm_generated_answer", "prompt_tokens", promptTokens, "total_tokens", total)

		resp = models.GenerateResponse{Answer: answer, Tokens: total}
		return nil
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, r, http.StatusOK, resp)
}

// HandleSearch serves a search, or fails the way the current fail mode asks.
func (h *Handler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	query, err := requiredQuery(r, "q")
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	ctx := r.Context()
	mode := h.registry.Get()
	h.emitter.Count(ctx, telemetry.RequestsTotal, telemetry.Labels{"route": "/tools/search", "mode": string(mode)})

	var resp models.SearchResult
	err = h.emitter.WithSpan(ctx, "tool.execute_search", func(ctx context.Context) error {
		h.emitter.Info(ctx, "tool_search_invoked", "mode", string(mode), "query", query)

		switch mode {
		case failmode.Timeout:
			// Outlasts the caller only while both hops share UPSTREAM_TIMEOUT_SECONDS.
			sleep := h.cfg.Upstream.GetTimeoutDuration() + h.cfg.Tool.GetTimeoutPaddingDuration()
			slept := wait(ctx, sleep)
			h.emitter.Error(ctx, "tool_timeout_simulated",
				"simulated_sleep_seconds", sleep.Seconds(),
				"elapsed_seconds", slept.Seconds(),
				"caller_gone", ctx.Err() != nil,
			)
			h.emitter.Count(ctx, telemetry.ErrorsTotal, telemetry.Labels{"reason": "simulated_timeout"})
			return &SimulatedFailure{Mode: mode, Status: http.StatusGatewayTimeout, Detail: "Simulated upstream timeout"}

		case failmode.Error:
			h.emitter.Error(ctx, "tool_database_connection_refused", "reason", "postgres connection refused")
			h.emitter.Count(ctx, telemetry.ErrorsTotal, telemetry.Labels{"reason": "db_connection_refused"})
			return &SimulatedFailure{Mode: mode, Status: http.StatusServiceUnavailable, Detail: "Database connection refused"}
		}

		resp = models.NewSearchResult(query)
		return nil
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, r, http.StatusOK, resp)
}

// HandleSetFailMode changes the tool's fail mode.
func (h *Handler) HandleSetFailMode(w http.ResponseWriter, r *http.Request) {
	mode, err := h.registry.SetString(chi.URLParam(r, "mode"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.emitter.Info(r.Context(), "tool_fail_mode_updated", "new_mode", string(mode))
	h.respondJSON(w, r, http.StatusOK, models.FailModeResponse{ToolFailMode: string(mode)})
}

// HandleGetFailMode returns the tool's current fail mode.
func (h *Handler) HandleGetFailMode(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, r, http.StatusOK, models.FailModeResponse{ToolFailMode: string(h.registry.Get())})
}

// HandleSetToolFailMode forwards a fail mode change to the tool. Invalid modes are rejected
// before any call is made.
func (h *Handler) HandleSetToolFailMode(w http.ResponseWriter, r *http.Request) {
	mode, err := failmode.Parse(chi.URLParam(r, "mode"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	err = h.emitter.WithSpan(r.Context(), "gateway.set_tool_fail_mode", func(ctx context.Context) error {
		target := upstream(h.cfg.Upstream.ToolURL, "/admin/fail-mode/"+url.PathEscape(string(mode)))
		out := h.caller.Call(ctx, dependency.Request{
			Method:       http.MethodPost,
			URL:          target,
			Reason:       "tool_admin_dependency",
			FailureEvent: "gateway_tool_fail_mode_update_failed",
			Fields:       []any{"mode", string(mode)},
		})
		if _, ok := out.(dependency.Success); !ok {
			return &APIError{Status: http.StatusServiceUnavailable, Detail: "Failed to update tool fail mode", Err: dependency.Err(target, out)}
		}

		h.emitter.Info(ctx, "gateway_tool_fail_mode_updated", "mode", string(mode))
		return nil
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, r, http.StatusOK, models.FailModeResponse{ToolFailMode: string(mode)})
}

// HandleHealth returns health status
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, r, http.StatusOK, models.HealthResponse{Status: "ok", Service: h.cfg.Service.Name})
}

// dependencyFailed records a failure the caller could not see, such as a 2xx response with an
// unusable body.
func (h *Handler) dependencyFailed(ctx context.Context, reason, event string, err error, fields ...any) {
	h.emitter.Count(ctx, telemetry.ErrorsTotal, telemetry.Labels{"reason": reason})
	h.emitter.Error(ctx, event, append([]any{"error", err.Error()}, fields...)...)
}

func requiredQuery(r *http.Request, name string) (string, error) {
	values, ok := r.URL.Query()[name]
	if !ok || len(values) == 0 {
		return "", &ValidationError{Field: name, Message: "query parameter is required"}
	}
	return values[0], nil
}

func upstream(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

// wait blocks for d or until ctx is done, whichever comes first.
func wait(ctx context.Context, d time.Duration) time.Duration {
	start := time.Now()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
	return time.Since(start)
}
