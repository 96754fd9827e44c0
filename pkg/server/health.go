package server

import (
	"context"
	"time"

	"github.com/ajitpratap0/mcp-control-plane/pkg/loadbalancer"
	"github.com/ajitpratap0/mcp-control-plane/pkg/monitor"
	"github.com/ajitpratap0/mcp-control-plane/pkg/tools"
)

// Component names reported by Health
const (
	ComponentTransport    = "transport"
	ComponentSessions     = "sessions"
	ComponentTools        = "tools"
	ComponentAuth         = "auth"
	ComponentLoadBalancer = "loadBalancer"
)

// Health reports per-component health flags. The server is healthy when
// transport, sessions and tools all are.
func (s *Server) Health(ctx context.Context) map[string]bool {
	return map[string]bool{
		ComponentTransport:    s.running.Load(),
		ComponentSessions:     s.sessions != nil,
		ComponentTools:        s.registry != nil,
		ComponentAuth:         s.auth != nil,
		ComponentLoadBalancer: s.balancer != nil,
	}
}

// Healthy aggregates Health
func (s *Server) Healthy(ctx context.Context) bool {
	h := s.Health(ctx)
	return h[ComponentTransport] && h[ComponentSessions] && h[ComponentTools]
}

// HealthReport is the GET /health payload
type HealthReport struct {
	Status     string          `json:"status"`
	Name       string          `json:"name"`
	Version    string          `json:"version"`
	Uptime     string          `json:"uptime"`
	Sessions   int             `json:"sessions"`
	Tools      int             `json:"tools"`
	Components map[string]bool `json:"components"`
}

func (s *Server) healthPayload(ctx context.Context) (interface{}, bool) {
	healthy := s.Healthy(ctx)
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	s.metrics.SetActiveSessions(s.sessions.Count())
	return &HealthReport{
		Status:     status,
		Name:       s.config.Name,
		Version:    s.config.Version,
		Uptime:     s.Uptime().Round(time.Second).String(),
		Sessions:   s.sessions.Count(),
		Tools:      s.registry.Count(),
		Components: s.Health(ctx),
	}, healthy
}

// Uptime returns the time since Start, or zero before it.
func (s *Server) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		return 0
	}
	return s.now().Sub(s.startedAt)
}

// Metrics is a point-in-time view of server activity.
type Metrics struct {
	TotalRequests       int64            `json:"totalRequests"`
	SuccessfulRequests  int64            `json:"successfulRequests"`
	FailedRequests      int64            `json:"failedRequests"`
	AverageResponseTime time.Duration    `json:"averageResponseTimeNs"`
	ErrorsByCode        map[int]int64    `json:"errorsByCode"`
	RequestsByMethod    map[string]int64 `json:"requestsByMethod"`
	ToolInvocations     map[string]int64 `json:"toolInvocations"`
	ActiveSessions      int              `json:"activeSessions"`
	Uptime              time.Duration    `json:"uptimeNs"`

	Router       tools.RouterMetrics   `json:"router"`
	LoadBalancer *loadbalancer.Metrics `json:"loadBalancer,omitempty"`
	Performance  *monitor.Snapshot     `json:"performance,omitempty"`
}

// Metrics returns aggregated request, tool and component metrics.
func (s *Server) Metrics() Metrics {
	s.stats.mu.Lock()
	m := Metrics{
		TotalRequests:      s.stats.total,
		SuccessfulRequests: s.stats.successful,
		FailedRequests:     s.stats.failed,
		ErrorsByCode:       make(map[int]int64, len(s.stats.errorsByCode)),
		RequestsByMethod:   make(map[string]int64, len(s.stats.byMethod)),
	}
	if s.stats.total > 0 {
		m.AverageResponseTime = s.stats.totalDuration / time.Duration(s.stats.total)
	}
	for code, n := range s.stats.errorsByCode {
		m.ErrorsByCode[code] = n
	}
	for method, n := range s.stats.byMethod {
		m.RequestsByMethod[method] = n
	}
	s.stats.mu.Unlock()

	m.ToolInvocations = make(map[string]int64)
	for _, tm := range s.registry.AllMetrics() {
		m.ToolInvocations[tm.Name] = tm.TotalInvocations
	}
	m.ActiveSessions = s.sessions.Count()
	m.Uptime = s.Uptime()
	m.Router = s.router.Metrics()
	if s.balancer != nil {
		lb := s.balancer.Metrics()
		m.LoadBalancer = &lb
	}
	if s.monitor != nil {
		snap := s.monitor.CurrentMetrics()
		m.Performance = &snap
	}
	return m
}
