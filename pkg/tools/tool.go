// Package tools holds the Tool Registry and the Request Router. A tool is a
// namespaced name, an input schema and a handler; the registry validates
// input, enforces capability gates and keeps per-tool metrics, and the
// router maps JSON-RPC methods onto introspection built-ins or tools.
package tools

import (
	"context"
	"time"

	"github.com/ajitpratap0/mcp-control-plane/pkg/auth"
	"github.com/ajitpratap0/mcp-control-plane/pkg/logging"
	"github.com/ajitpratap0/mcp-control-plane/pkg/protocol"
)

// Handler executes a tool invocation.
type Handler interface {
	Execute(ctx context.Context, input map[string]interface{}, tc *Context) (interface{}, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, input map[string]interface{}, tc *Context) (interface{}, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, input map[string]interface{}, tc *Context) (interface{}, error) {
	return f(ctx, input, tc)
}

// Tool is a registered operation.
type Tool struct {
	// Name is "namespace/name"
	Name        string
	Description string
	InputSchema Schema
	Handler     Handler
}

// Integrations are references to external subsystems handed to handlers.
// The control plane never calls them.
type Integrations struct {
	Orchestrator     interface{}
	SwarmCoordinator interface{}
	AgentManager     interface{}
	ResourceManager  interface{}
	MemoryStore      interface{}
	Monitor          interface{}
}

// Context is passed to every handler invocation.
type Context struct {
	SessionID       string
	ProtocolVersion protocol.Version

	// Principal is the caller's identity. Nil means authentication is not
	// enforced and permission gates are skipped.
	Principal *auth.Principal

	Integrations Integrations
	Logger       logging.Logger
}

// Permissions returns the caller's permissions.
func (c *Context) Permissions() []string {
	if c == nil || c.Principal == nil {
		return nil
	}
	return c.Principal.Permissions
}

// Capability describes what a tool needs and where it fits.
type Capability struct {
	Name                string             `json:"name"`
	Version             string             `json:"version"`
	Description         string             `json:"description"`
	Category            string             `json:"category"`
	Tags                []string           `json:"tags"`
	RequiredPermissions []string           `json:"requiredPermissions,omitempty"`
	SupportedVersions   []protocol.Version `json:"supportedProtocolVersions,omitempty"`
	Deprecated          bool               `json:"deprecated,omitempty"`
	DeprecationMessage  string             `json:"deprecationMessage,omitempty"`
}

// Metrics are per-tool invocation statistics.
type Metrics struct {
	Name                  string        `json:"name"`
	TotalInvocations      int64         `json:"totalInvocations"`
	SuccessfulInvocations int64         `json:"successfulInvocations"`
	FailedInvocations     int64         `json:"failedInvocations"`
	TotalExecutionTime    time.Duration `json:"totalExecutionTimeNs"`
	AverageExecutionTime  time.Duration `json:"averageExecutionTimeNs"`
	LastInvoked           time.Time     `json:"lastInvoked,omitempty"`
}

// Info is the client-facing description of a tool.
type Info struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema Schema      `json:"inputSchema"`
	Capability  *Capability `json:"capability,omitempty"`
}
