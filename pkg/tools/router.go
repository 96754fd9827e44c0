package tools

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	mcperrors "github.com/ajitpratap0/mcp-control-plane/pkg/errors"
	"github.com/ajitpratap0/mcp-control-plane/pkg/logging"
	"github.com/ajitpratap0/mcp-control-plane/pkg/pagination"
	"github.com/ajitpratap0/mcp-control-plane/pkg/protocol"
)

// Built-in methods
const (
	MethodDiscover      = "rpc.discover"
	MethodPing          = "rpc.ping"
	MethodDescribe      = "rpc.describe"
	MethodToolsList     = "tools.list"
	MethodToolsInvoke   = "tools.invoke"
	MethodToolsDescribe = "tools.describe"
)

var builtinDescriptions = map[string]string{
	MethodDiscover:      "List every callable method",
	MethodPing:          "Check that the server is responsive",
	MethodDescribe:      "Describe a method or tool",
	MethodToolsList:     "List registered tools",
	MethodToolsInvoke:   "Invoke a tool by name",
	MethodToolsDescribe: "Describe a registered tool",
}

// MethodInfo describes a callable method.
type MethodInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Builtin     bool   `json:"builtin"`
}

// ListParams are the parameters of tools.list.
type ListParams struct {
	Category string `json:"category,omitempty"`
	pagination.Params
}

// ListResult is the result of tools.list.
type ListResult struct {
	Tools      []Info `json:"tools"`
	Total      int    `json:"total"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// InvokeParams are the parameters of tools.invoke.
type InvokeParams struct {
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input,omitempty"`
}

// DescribeResult is the result of tools.describe.
type DescribeResult struct {
	Info
	Metrics Metrics `json:"metrics"`
}

// RouterMetrics are request totals seen by the router.
type RouterMetrics struct {
	TotalRequests      int64 `json:"totalRequests"`
	SuccessfulRequests int64 `json:"successfulRequests"`
	FailedRequests     int64 `json:"failedRequests"`
}

// Router maps JSON-RPC methods onto built-ins or registered tools.
type Router struct {
	registry     *Registry
	logger       logging.Logger
	integrations Integrations
	now          func() time.Time

	total     atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterLogger sets the router logger.
func WithRouterLogger(logger logging.Logger) RouterOption {
	return func(r *Router) { r.logger = logger }
}

// WithIntegrations sets the subsystem references handed to every handler.
func WithIntegrations(in Integrations) RouterOption {
	return func(r *Router) { r.integrations = in }
}

// NewRouter creates a router over registry.
func NewRouter(registry *Registry, opts ...RouterOption) *Router {
	r := &Router{
		registry: registry,
		logger:   logging.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithFields(logging.Component("router"))
	return r
}

// Registry returns the tool registry.
func (r *Router) Registry() *Registry {
	return r.registry
}

// Metrics returns request totals.
func (r *Router) Metrics() RouterMetrics {
	return RouterMetrics{
		TotalRequests:      r.total.Load(),
		SuccessfulRequests: r.succeeded.Load(),
		FailedRequests:     r.failed.Load(),
	}
}

// Route dispatches req and returns its result.
func (r *Router) Route(ctx context.Context, req *protocol.Request, tc *Context) (interface{}, error) {
	r.total.Add(1)
	result, err := r.route(ctx, req, r.toolContext(tc))
	if err != nil {
		r.failed.Add(1)
		r.logger.Debug("Request failed",
			logging.String("method", req.Method),
			logging.ErrorField(err))
		return nil, err
	}
	r.succeeded.Add(1)
	return result, nil
}

func (r *Router) toolContext(tc *Context) *Context {
	out := &Context{Integrations: r.integrations, Logger: r.logger}
	if tc != nil {
		out.SessionID = tc.SessionID
		out.ProtocolVersion = tc.ProtocolVersion
		out.Principal = tc.Principal
		if tc.Logger != nil {
			out.Logger = tc.Logger
		}
	}
	return out
}

func (r *Router) route(ctx context.Context, req *protocol.Request, tc *Context) (interface{}, error) {
	switch req.Method {
	case MethodDiscover:
		return r.discover(), nil
	case MethodPing:
		return map[string]interface{}{"pong": true, "timestamp": r.now().UTC()}, nil
	case MethodDescribe:
		return r.describe(req)
	case MethodToolsList:
		return r.list(req)
	case MethodToolsInvoke:
		var p InvokeParams
		if err := req.UnmarshalParams(&p); err != nil {
			return nil, err
		}
		if p.Name == "" {
			return nil, mcperrors.InvalidParams("name is required")
		}
		return r.registry.ExecuteTool(ctx, p.Name, p.Input, tc)
	case MethodToolsDescribe:
		var p struct {
			Name string `json:"name"`
		}
		if err := req.UnmarshalParams(&p); err != nil {
			return nil, err
		}
		if p.Name == "" {
			return nil, mcperrors.InvalidParams("name is required")
		}
		return r.describeTool(p.Name)
	}

	if _, ok := r.registry.GetTool(req.Method); !ok {
		return nil, mcperrors.MethodNotFound(req.Method)
	}
	var input map[string]interface{}
	if err := req.UnmarshalParams(&input); err != nil {
		return nil, err
	}
	return r.registry.ExecuteTool(ctx, req.Method, input, tc)
}

func (r *Router) discover() map[string]interface{} {
	methods := make([]MethodInfo, 0, len(builtinDescriptions)+r.registry.Count())
	for name, desc := range builtinDescriptions {
		methods = append(methods, MethodInfo{Name: name, Description: desc, Builtin: true})
	}
	sort.Slice(methods, func(i, j int) bool { return methods[i].Name < methods[j].Name })
	for _, t := range r.registry.ListTools() {
		methods = append(methods, MethodInfo{Name: t.Name, Description: t.Description})
	}
	return map[string]interface{}{"methods": methods}
}

func (r *Router) describe(req *protocol.Request) (interface{}, error) {
	var p struct {
		Method string `json:"method"`
	}
	if err := req.UnmarshalParams(&p); err != nil {
		return nil, err
	}
	if p.Method == "" {
		return nil, mcperrors.InvalidParams("method is required")
	}
	if desc, ok := builtinDescriptions[p.Method]; ok {
		return MethodInfo{Name: p.Method, Description: desc, Builtin: true}, nil
	}
	if _, ok := r.registry.GetTool(p.Method); !ok {
		return nil, mcperrors.MethodNotFound(p.Method)
	}
	return r.describeTool(p.Method)
}

func (r *Router) describeTool(name string) (*DescribeResult, error) {
	tool, ok := r.registry.GetTool(name)
	if !ok {
		return nil, mcperrors.ToolNotFound(name)
	}
	capability, _ := r.registry.GetCapability(name)
	metrics, _ := r.registry.GetMetrics(name)
	return &DescribeResult{
		Info: Info{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
			Capability:  capability,
		},
		Metrics: metrics,
	}, nil
}

func (r *Router) list(req *protocol.Request) (*ListResult, error) {
	var p ListParams
	if err := req.UnmarshalParams(&p); err != nil {
		return nil, err
	}

	all := r.registry.Discover(Query{Category: p.Category})
	page, next, err := pagination.Paginate(all, &p.Params)
	if err != nil {
		return nil, mcperrors.InvalidParams(err.Error())
	}
	return &ListResult{Tools: page, Total: len(all), NextCursor: next}, nil
}
