package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tracechain/internal/role"
)

// Route is one role-owned endpoint.
type Route struct {
	Owner   role.Role
	Method  string
	Pattern string
	Name    string
}

var routeTable = []Route{
	{Owner: role.Gateway, Method: http.MethodPost, Pattern: "/ask", Name: "ask"},
	{Owner: role.Gateway, Method: http.MethodPost, Pattern: "/admin/tool-fail-mode/{mode}", Name: "set_tool_fail_mode_from_gateway"},
	{Owner: role.Orchestrator, Method: http.MethodPost, Pattern: "/generate", Name: "generate"},
	{Owner: role.Tool, Method: http.MethodGet, Pattern: "/tools/search", Name: "search"},
	{Owner: role.Tool, Method: http.MethodPost, Pattern: "/admin/fail-mode/{mode}", Name: "set_fail_mode"},
	{Owner: role.Tool, Method: http.MethodGet, Pattern: "/admin/fail-mode", Name: "get_fail_mode"},
}

// Routes returns the role-owned routes of every role.
func Routes() []Route {
	out := make([]Route, len(routeTable))
	copy(out, routeTable)
	return out
}

// Resolve returns the route for method and pattern if active owns it. A route owned by
// another role, or no route at all, yields a *role.RouteNotOwnedError.
func Resolve(active role.Role, method, pattern string) (Route, error) {
	for _, rt := range routeTable {
		if rt.Method != method || rt.Pattern != pattern {
			continue
		}
		if rt.Owner != active {
			return Route{}, &role.RouteNotOwnedError{Method: method, Path: pattern, Owner: rt.Owner}
		}
		return rt, nil
	}
	return Route{}, &role.RouteNotOwnedError{Method: method, Path: pattern}
}

// NewRouter creates the HTTP router for the handler's role. Only the routes that role owns
// reach a real handler; the others answer 404.
func NewRouter(h *Handler) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(h.instrument)
	r.Use(requestIDs)

	handlers := h.routeHandlers()
	for _, rt := range routeTable {
		if _, err := Resolve(h.role, rt.Method, rt.Pattern); err != nil {
			r.Method(rt.Method, rt.Pattern, h.notOwned(err))
			continue
		}
		r.Method(rt.Method, rt.Pattern, handlers[rt.Name])
	}

	r.Get("/health", h.HandleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.provider.Registry, promhttp.HandlerOpts{}))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		h.respondError(w, req, &role.RouteNotOwnedError{Method: req.Method, Path: req.URL.Path})
	})

	return r
}

func (h *Handler) routeHandlers() map[string]http.HandlerFunc {
	return map[string]http.HandlerFunc{
		"ask":                             h.HandleAsk,
		"set_tool_fail_mode_from_gateway": h.HandleSetToolFailMode,
		"generate":                        h.HandleGenerate,
		"search":                          h.HandleSearch,
		"set_fail_mode":                   h.HandleSetFailMode,
		"get_fail_mode":                   h.HandleGetFailMode,
	}
}

func (h *Handler) notOwned(err error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.respondError(w, r, err)
	}
}
