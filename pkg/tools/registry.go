package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ajitpratap0/mcp-control-plane/pkg/auth"
	mcperrors "github.com/ajitpratap0/mcp-control-plane/pkg/errors"
	"github.com/ajitpratap0/mcp-control-plane/pkg/logging"
	"github.com/ajitpratap0/mcp-control-plane/pkg/protocol"
)

type entry struct {
	tool       Tool
	capability *Capability
	metrics    Metrics
}

// Query filters Discover results. Zero fields match everything.
type Query struct {
	Category        string
	Tags            []string
	Permissions     []string
	ProtocolVersion protocol.Version
}

// Registry stores tools with their capabilities and metrics.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*entry
	logger   logging.Logger
	versions []protocol.Version
	observer ExecutionObserver
	now      func() time.Time
}

// ExecutionObserver is notified around every execution of a known tool,
// including ones rejected by validation or the capability gates.
type ExecutionObserver interface {
	BeforeExecute(ctx context.Context, tool string) context.Context
	AfterExecute(ctx context.Context, tool string, elapsed time.Duration, err error)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger logging.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// WithProtocolVersions sets the protocol versions a tool supports when its
// capability does not say.
func WithProtocolVersions(versions ...protocol.Version) RegistryOption {
	return func(r *Registry) { r.versions = append([]protocol.Version(nil), versions...) }
}

// WithObserver sets the execution observer.
func WithObserver(o ExecutionObserver) RegistryOption {
	return func(r *Registry) { r.observer = o }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:  make(map[string]*entry),
		logger: logging.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithFields(logging.Component("tools"))
	return r
}

// Register adds a tool. A nil capability is inferred from the tool; a
// partial one is completed with inferred values.
func (r *Registry) Register(tool Tool, capability *Capability) error {
	if _, _, ok := SplitName(tool.Name); !ok {
		return mcperrors.ValidationError("tool name %q must have the form namespace/name", tool.Name)
	}
	if strings.TrimSpace(tool.Description) == "" {
		return mcperrors.ValidationError("tool %s has no description", tool.Name)
	}
	if tool.Handler == nil {
		return mcperrors.ValidationError("tool %s has no handler", tool.Name)
	}
	if err := tool.InputSchema.checkShape(); err != nil {
		return mcperrors.ValidationError("tool %s: %v", tool.Name, err)
	}

	inferred := inferCapability(&tool, r.versions)
	c := inferred
	if capability != nil {
		c = mergeCapability(capability, inferred)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return mcperrors.ValidationError("tool %s is already registered", tool.Name)
	}
	r.tools[tool.Name] = &entry{
		tool:       tool,
		capability: c,
		metrics:    Metrics{Name: tool.Name},
	}

	r.logger.Debug("Tool registered",
		logging.String("tool", tool.Name),
		logging.String("category", c.Category))
	return nil
}

// Unregister removes a tool and its metrics.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return false
	}
	delete(r.tools, name)
	r.logger.Debug("Tool unregistered", logging.String("tool", name))
	return true
}

// GetTool returns a registered tool.
func (r *Registry) GetTool(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return Tool{}, false
	}
	return e.tool, true
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ListTools returns every tool, sorted by name.
func (r *Registry) ListTools() []Info {
	return r.Discover(Query{})
}

// Discover returns the tools matching q, sorted by name.
func (r *Registry) Discover(q Query) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.tools))
	for _, e := range r.tools {
		if !matches(e.capability, q) {
			continue
		}
		out = append(out, Info{
			Name:        e.tool.Name,
			Description: e.tool.Description,
			InputSchema: e.tool.InputSchema,
			Capability:  e.capability.clone(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func matches(c *Capability, q Query) bool {
	if q.Category != "" && c.Category != q.Category {
		return false
	}
	for _, tag := range q.Tags {
		found := false
		for _, t := range c.Tags {
			if t == tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Permissions != nil {
		if _, ok := auth.HasAllPermissions(q.Permissions, c.RequiredPermissions); !ok {
			return false
		}
	}
	return supportsVersion(c.SupportedVersions, q.ProtocolVersion)
}

// GetCapability returns the capability of a tool.
func (r *Registry) GetCapability(name string) (*Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return e.capability.clone(), true
}

// GetMetrics returns the metrics of a tool.
func (r *Registry) GetMetrics(name string) (Metrics, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return Metrics{}, false
	}
	return e.metrics, true
}

// AllMetrics returns the metrics of every tool, sorted by name.
func (r *Registry) AllMetrics() []Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metrics, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.metrics)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ResetMetrics zeroes the metrics of a tool, or of every tool when name is
// empty.
func (r *Registry) ResetMetrics(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for n, e := range r.tools {
		if name == "" || n == name {
			e.metrics = Metrics{Name: n}
		}
	}
}

// ExecuteTool validates input, applies the capability gates and runs the
// handler. Metrics are updated whatever the outcome, and a handler panic is
// returned as an internal error.
func (r *Registry) ExecuteTool(ctx context.Context, name string, input map[string]interface{}, tc *Context) (result interface{}, err error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	var (
		tool       Tool
		capability *Capability
	)
	if ok {
		tool, capability = e.tool, e.capability
	}
	r.mu.RUnlock()
	if !ok {
		return nil, mcperrors.ToolNotFound(name)
	}

	if r.observer != nil {
		ctx = r.observer.BeforeExecute(ctx, name)
	}
	start := r.now()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Tool handler panicked",
				logging.String("tool", name),
				logging.Any("panic", p))
			result, err = nil, mcperrors.InternalError(fmt.Errorf("tool %s panicked: %v", name, p))
		}
		elapsed := r.record(name, start, err == nil)
		if r.observer != nil {
			r.observer.AfterExecute(ctx, name, elapsed, err)
		}
	}()

	if input == nil {
		input = map[string]interface{}{}
	}
	if violations := tool.InputSchema.Validate(input); len(violations) > 0 {
		return nil, mcperrors.InputValidationFailed(name, violations)
	}
	if err := checkGates(capability, tc); err != nil {
		return nil, err
	}
	if capability.Deprecated {
		r.logger.Warn("Deprecated tool invoked",
			logging.String("tool", name),
			logging.String("message", capability.DeprecationMessage))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return tool.Handler.Execute(ctx, input, tc)
}

func checkGates(c *Capability, tc *Context) error {
	if tc == nil {
		return nil
	}
	if tc.Principal != nil && len(c.RequiredPermissions) > 0 {
		if missing, ok := auth.HasAllPermissions(tc.Principal.Permissions, c.RequiredPermissions); !ok {
			return mcperrors.PermissionDenied(missing, tc.Principal.Permissions)
		}
	}
	if !supportsVersion(c.SupportedVersions, tc.ProtocolVersion) {
		return mcperrors.NewError(
			mcperrors.CodeProtocolVersion,
			fmt.Sprintf("Tool %s does not support protocol version %s", c.Name, tc.ProtocolVersion),
			"", "",
		)
	}
	return nil
}

func (r *Registry) record(name string, start time.Time, success bool) time.Duration {
	elapsed := r.now().Sub(start)

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tools[name]
	if !ok {
		return elapsed
	}
	m := &e.metrics
	m.TotalInvocations++
	if success {
		m.SuccessfulInvocations++
	} else {
		m.FailedInvocations++
	}
	m.TotalExecutionTime += elapsed
	m.AverageExecutionTime = m.TotalExecutionTime / time.Duration(m.TotalInvocations)
	m.LastInvoked = start
	return elapsed
}
