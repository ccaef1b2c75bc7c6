package server

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracechain/internal/role"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		active  role.Role
		method  string
		pattern string
		owner   role.Role
		detail  string
	}{
		{"gateway owns ask", role.Gateway, http.MethodPost, "/ask", "", ""},
		{"orchestrator owns generate", role.Orchestrator, http.MethodPost, "/generate", "", ""},
		{"tool owns search", role.Tool, http.MethodGet, "/tools/search", "", ""},
		{"tool owns admin", role.Tool, http.MethodPost, "/admin/fail-mode/{mode}", "", ""},
		{"ask on tool", role.Tool, http.MethodPost, "/ask", role.Gateway, "Route only available on gateway-api"},
		{"generate on gateway", role.Gateway, http.MethodPost, "/generate", role.Orchestrator, "Route only available on llm-service"},
		{"search on orchestrator", role.Orchestrator, http.MethodGet, "/tools/search", role.Tool, "Route only available on tool-service"},
		{"unknown route", role.Gateway, http.MethodGet, "/nope", "", "route GET /nope not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, err := Resolve(tt.active, tt.method, tt.pattern)
			if tt.detail == "" {
				require.NoError(t, err)
				assert.Equal(t, tt.active, rt.Owner)
				assert.Equal(t, tt.pattern, rt.Pattern)
				return
			}

			var notOwned *role.RouteNotOwnedError
			require.ErrorAs(t, err, &notOwned)
			assert.Equal(t, tt.owner, notOwned.Owner)
			assert.EqualError(t, err, tt.detail)
		})
	}
}

func TestEveryRouteHasOneOwnerAndHandler(t *testing.T) {
	h := &Handler{}
	handlers := h.routeHandlers()

	seen := make(map[string]bool)
	for _, rt := range Routes() {
		key := rt.Method + " " + rt.Pattern
		assert.False(t, seen[key], "duplicate route %s", key)
		seen[key] = true

		assert.True(t, rt.Owner.Valid(), "route %s has no owner", key)
		assert.NotNil(t, handlers[rt.Name], "route %s has no handler", key)
	}
}

func TestEachRoleOwnsRoutes(t *testing.T) {
	for _, r := range role.All() {
		var owned int
		for _, rt := range Routes() {
			if _, err := Resolve(r, rt.Method, rt.Pattern); err == nil {
				owned++
			}
		}
		assert.Positive(t, owned, "role %s owns no routes", r)
	}
}
