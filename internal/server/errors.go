package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"tracechain/internal/failmode"
	"tracechain/internal/models"
	"tracechain/internal/role"
)

const invalidModeDetail = "mode must be one of: none, timeout, error"

// APIError carries the status and client-facing detail chosen by a handler.
type APIError struct {
	Status int
	Detail string
	Err    error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Detail, e.Err)
	}
	return e.Detail
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// ValidationError reports a missing or malformed request parameter.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// SimulatedFailure is a failure the tool produces on purpose because of its fail mode.
type SimulatedFailure struct {
	Mode   failmode.Mode
	Status int
	Detail string
}

func (e *SimulatedFailure) Error() string {
	return fmt.Sprintf("simulated %s failure: %s", e.Mode, e.Detail)
}

// statusFor maps an error to the response status and detail.
func statusFor(err error) (int, string) {
	var (
		apiErr      *APIError
		validation  *ValidationError
		simulated   *SimulatedFailure
		invalidMode *failmode.InvalidModeError
		notOwned    *role.RouteNotOwnedError
	)

	switch {
	case errors.As(err, &apiErr):
		return apiErr.Status, apiErr.Detail
	case errors.As(err, &simulated):
		return simulated.Status, simulated.Detail
	case errors.As(err, &validation):
		return http.StatusBadRequest, validation.Error()
	case errors.As(err, &invalidMode):
		return http.StatusBadRequest, invalidModeDetail
	case errors.As(err, &notOwned):
		if notOwned.Owner == "" {
			return http.StatusNotFound, "Not Found"
		}
		return http.StatusNotFound, notOwned.Error()
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// respondError writes err as a {"detail": ...} body.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, detail := statusFor(err)
	if status >= http.StatusInternalServerError && !isHandled(err) {
		h.emitter.Event(r.Context(), slog.LevelError, "unhandled_error", "error", err.Error(), "path", r.URL.Path)
	}
	h.respondJSON(w, r, status, models.ErrorResponse{Detail: detail})
}

// isHandled reports whether err was already logged and counted where it happened.
func isHandled(err error) bool {
	var (
		apiErr    *APIError
		simulated *SimulatedFailure
	)
	return errors.As(err, &apiErr) || errors.As(err, &simulated)
}

// respondJSON writes data with the given status.
func (h *Handler) respondJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.emitter.Event(r.Context(), slog.LevelWarn, "response_write_failed", "error", err.Error())
	}
}
