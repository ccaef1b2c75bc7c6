// Package role defines the three process roles of the service chain and how they map to service names.
package role

import (
	"fmt"
	"strings"
)

// Role selects which hop of the chain a process serves. It is fixed at startup.
type Role string

const (
	Gateway      Role = "gateway"
	Orchestrator Role = "orchestrator"
	Tool         Role = "tool"
)

// Default service names used by the demo deployment.
const (
	GatewayService      = "gateway-api"
	OrchestratorService = "llm-service"
	ToolService         = "tool-service"
)

// All returns every role in chain order.
func All() []Role {
	return []Role{Gateway, Orchestrator, Tool}
}

// ServiceName returns the default service name for the role.
func (r Role) ServiceName() string {
	switch r {
	case Gateway:
		return GatewayService
	case Orchestrator:
		return OrchestratorService
	case Tool:
		return ToolService
	default:
		return ""
	}
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r.ServiceName() != ""
}

func (r Role) String() string {
	return string(r)
}

// Parse accepts either a role name or one of the default service names.
func Parse(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(Gateway), GatewayService:
		return Gateway, nil
	case string(Orchestrator), OrchestratorService, "llm":
		return Orchestrator, nil
	case string(Tool), ToolService:
		return Tool, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Resolve picks the role for a process. An explicit role wins; otherwise it is derived from the service name.
func Resolve(explicit, serviceName string) (Role, error) {
	if explicit != "" {
		return Parse(explicit)
	}
	r, err := Parse(serviceName)
	if err != nil {
		return "", fmt.Errorf("cannot derive role from service name %q: set SERVICE_ROLE", serviceName)
	}
	return r, nil
}

// RouteNotOwnedError is returned when a route is requested on a process whose role does not serve it.
type RouteNotOwnedError struct {
	Method string
	Path   string
	Owner  Role
}

func (e *RouteNotOwnedError) Error() string {
	if e.Owner == "" {
		return fmt.Sprintf("route %s %s not found", e.Method, e.Path)
	}
	return fmt.Sprintf("Route only available on %s", e.Owner.ServiceName())
}
