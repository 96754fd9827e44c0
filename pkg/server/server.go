package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ajitpratap0/mcp-control-plane/pkg/auth"
	mcperrors "github.com/ajitpratap0/mcp-control-plane/pkg/errors"
	"github.com/ajitpratap0/mcp-control-plane/pkg/loadbalancer"
	"github.com/ajitpratap0/mcp-control-plane/pkg/logging"
	"github.com/ajitpratap0/mcp-control-plane/pkg/monitor"
	"github.com/ajitpratap0/mcp-control-plane/pkg/observability"
	"github.com/ajitpratap0/mcp-control-plane/pkg/protocol"
	"github.com/ajitpratap0/mcp-control-plane/pkg/session"
	"github.com/ajitpratap0/mcp-control-plane/pkg/tools"
	"github.com/ajitpratap0/mcp-control-plane/pkg/transport"
)

// Config configures a Server and the components it composes.
type Config struct {
	Name         string
	Version      string
	Instructions string

	// RequestTimeout bounds each dispatched request
	RequestTimeout time.Duration

	Transport    TransportConfig
	Auth         auth.Config
	Sessions     session.Config
	LoadBalancer LoadBalancerConfig
	Monitor      MonitorConfig
	Metrics      MetricsConfig
	Tracing      TracingConfig
}

// TransportConfig selects and configures the transport
type TransportConfig struct {
	Kind  transport.Kind
	HTTP  transport.HTTPConfig
	Stdio transport.StdioConfig
}

// LoadBalancerConfig enables admission control
type LoadBalancerConfig struct {
	Enabled bool
	loadbalancer.Config
}

// MonitorConfig enables the performance monitor
type MonitorConfig struct {
	Enabled bool
	monitor.Config
}

// MetricsConfig enables Prometheus metrics
type MetricsConfig struct {
	Enabled bool
	observability.MetricsConfig
}

// TracingConfig enables OpenTelemetry tracing
type TracingConfig struct {
	Enabled bool
	observability.TracingConfig
}

// DefaultConfig returns a stdio server with admission control, monitoring
// and metrics enabled and authentication disabled.
func DefaultConfig() Config {
	return Config{
		Name:           "mcp-control-plane",
		Version:        "0.1.0",
		RequestTimeout: 30 * time.Second,
		Transport: TransportConfig{
			Kind: transport.KindStdio,
			HTTP: transport.DefaultHTTPConfig(),
		},
		Auth:         auth.DefaultConfig(),
		Sessions:     session.DefaultConfig(),
		LoadBalancer: LoadBalancerConfig{Enabled: true, Config: loadbalancer.DefaultConfig()},
		Monitor:      MonitorConfig{Enabled: true, Config: monitor.DefaultConfig()},
		Metrics:      MetricsConfig{Enabled: true},
	}
}

// Server composes the protocol, session, auth, tool, admission and
// monitoring components behind one transport.
type Server struct {
	config Config
	logger logging.Logger
	now    func() time.Time

	protocol *protocol.Manager
	auth     *auth.Manager
	sessions *session.Manager
	registry *tools.Registry
	router   *tools.Router
	balancer *loadbalancer.Balancer
	monitor  *monitor.Monitor
	metrics  *observability.Metrics
	tracer   *observability.TracingProvider

	transport transport.Transport
	handler   transport.Handler

	stats requestStats

	mu        sync.Mutex
	state     runState
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	errCh     chan error
	stopOnce  sync.Once
	stopErr   error
	running   atomic.Bool
}

type runState int

const (
	stateNew runState = iota
	stateRunning
	stateStopped
)

// Option configures a Server
type Option func(*options)

type options struct {
	logger         logging.Logger
	now            func() time.Time
	protocol       *protocol.Manager
	integrations   tools.Integrations
	authenticators []auth.Authenticator
	transport      transport.Transport
	metrics        *observability.Metrics
}

// WithLogger sets the logger shared by every component
func WithLogger(logger logging.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock overrides the time source of every component, for tests
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithProtocolManager replaces the default version registry
func WithProtocolManager(pm *protocol.Manager) Option {
	return func(o *options) { o.protocol = pm }
}

// WithIntegrations sets the external subsystem references handed to tools
func WithIntegrations(in tools.Integrations) Option {
	return func(o *options) { o.integrations = in }
}

// WithAuthenticator registers a custom authentication strategy
func WithAuthenticator(a auth.Authenticator) Option {
	return func(o *options) { o.authenticators = append(o.authenticators, a) }
}

// WithTransport replaces the transport built from the config. The transport
// must dispatch to Server.Handle.
func WithTransport(t transport.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithMetrics shares an existing collector set, so counters survive a
// supervised restart. It takes effect only when metrics are enabled.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New builds a Server. Zero config fields take defaults.
func New(cfg Config, opts ...Option) (*Server, error) {
	o := &options{logger: logging.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	if cfg.Name == "" {
		cfg.Name = DefaultConfig().Name
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if cfg.Transport.Kind == "" {
		cfg.Transport.Kind = transport.KindStdio
	}

	s := &Server{
		config: cfg,
		logger: o.logger.WithFields(logging.Component("server")),
		now:    o.now,
		errCh:  make(chan error, 1),
		done:   make(chan struct{}),
	}

	s.protocol = o.protocol
	if s.protocol == nil {
		s.protocol = protocol.NewManager(protocol.WithLogger(o.logger))
	}

	var err error
	s.auth, err = auth.NewManager(cfg.Auth, auth.WithLogger(o.logger), auth.WithClock(o.now))
	if err != nil {
		return nil, err
	}
	for _, a := range o.authenticators {
		s.auth.RegisterAuthenticator(a)
	}

	s.sessions = session.NewManager(cfg.Sessions,
		session.WithLogger(o.logger),
		session.WithAuth(s.auth),
		session.WithVersionChecker(s.protocol),
		session.WithClock(o.now),
	)

	if cfg.Metrics.Enabled && o.metrics != nil {
		s.metrics = o.metrics
	} else if cfg.Metrics.Enabled {
		mc := cfg.Metrics.MetricsConfig
		if mc.ServiceName == "" {
			mc.ServiceName = cfg.Name
		}
		if mc.ServiceVersion == "" {
			mc.ServiceVersion = cfg.Version
		}
		if s.metrics, err = observability.NewMetrics(mc); err != nil {
			return nil, err
		}
	}
	if cfg.Tracing.Enabled {
		tc := cfg.Tracing.TracingConfig
		if tc.ServiceName == "" {
			tc.ServiceName = cfg.Name
		}
		if tc.ServiceVersion == "" {
			tc.ServiceVersion = cfg.Version
		}
		if s.tracer, err = observability.NewTracingProvider(tc); err != nil {
			return nil, err
		}
	}

	registryOpts := []tools.RegistryOption{
		tools.WithLogger(o.logger),
		tools.WithProtocolVersions(s.protocol.SupportedVersions()...),
	}
	if s.metrics != nil || s.tracer != nil {
		registryOpts = append(registryOpts, tools.WithObserver(&observability.ToolObserver{Tracer: s.tracer, Metrics: s.metrics}))
	}
	s.registry = tools.NewRegistry(registryOpts...)
	s.router = tools.NewRouter(s.registry,
		tools.WithRouterLogger(o.logger),
		tools.WithIntegrations(o.integrations),
	)

	if cfg.LoadBalancer.Enabled {
		s.balancer = loadbalancer.New(cfg.LoadBalancer.Config,
			loadbalancer.WithLogger(o.logger),
			loadbalancer.WithClock(o.now),
		)
	}
	if cfg.Monitor.Enabled {
		s.monitor = monitor.New(cfg.Monitor.Config,
			monitor.WithLogger(o.logger),
			monitor.WithClock(o.now),
		)
		s.monitor.OnAlert(func(a monitor.Alert) {
			s.metrics.RecordAlert(a.RuleID, string(a.Severity))
		})
		s.monitor.OnAlertResolved(func(monitor.Alert) {
			s.metrics.RecordAlertResolved()
		})
	}

	s.handler = transport.Handler(observability.Instrument(s.tracer, s.metrics, s.dispatch))
	s.transport = o.transport
	if s.transport == nil {
		s.transport = s.newTransport(o.logger)
	}
	return s, nil
}

func (s *Server) newTransport(logger logging.Logger) transport.Transport {
	switch s.config.Transport.Kind {
	case transport.KindHTTP:
		return transport.NewHTTPTransport(s.config.Transport.HTTP, s.Handle,
			transport.WithHTTPLogger(logger),
			transport.WithHTTPMetrics(s.metrics),
			transport.WithHTTPTracing(s.tracer),
			transport.WithHealthCheck(s.healthPayload),
			transport.WithSessionCloser(s.TerminateSession),
		)
	default:
		return transport.NewStdioTransport(s.config.Transport.Stdio, s.Handle,
			transport.WithStdioLogger(logger),
			transport.WithStdioMetrics(s.metrics),
		)
	}
}

// Handle dispatches one request. Transports call it; so may tests.
func (s *Server) Handle(ctx context.Context, req *protocol.Request) *protocol.Response {
	return s.handler(ctx, req)
}

// RegisterTool adds a tool to the registry
func (s *Server) RegisterTool(tool tools.Tool, capability *tools.Capability) error {
	return s.registry.Register(tool, capability)
}

// Registry returns the tool registry
func (s *Server) Registry() *tools.Registry { return s.registry }

// SessionManager returns the session manager
func (s *Server) SessionManager() *session.Manager { return s.sessions }

// AuthManager returns the auth manager
func (s *Server) AuthManager() *auth.Manager { return s.auth }

// ProtocolManager returns the protocol manager
func (s *Server) ProtocolManager() *protocol.Manager { return s.protocol }

// LoadBalancer returns the load balancer, or nil when disabled
func (s *Server) LoadBalancer() *loadbalancer.Balancer { return s.balancer }

// Monitor returns the performance monitor, or nil when disabled
func (s *Server) Monitor() *monitor.Monitor { return s.monitor }

// PrometheusMetrics returns the Prometheus collectors, or nil when disabled
func (s *Server) PrometheusMetrics() *observability.Metrics { return s.metrics }

// Transport returns the server's transport
func (s *Server) Transport() transport.Transport { return s.transport }

// Start launches the background loops and the transport. It does not block;
// transport failures are reported on Errors and the end of the transport
// closes Done.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateRunning:
		return mcperrors.InvalidState("start", "running")
	case stateStopped:
		return mcperrors.InvalidState("start", "stopped")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.state = stateRunning
	s.startedAt = s.now()
	s.running.Store(true)

	s.sessions.Start(runCtx)
	s.auth.Start(runCtx)
	if s.balancer != nil {
		s.balancer.Start(runCtx)
	}
	if s.monitor != nil {
		s.monitor.Start(runCtx)
	}

	go s.serve(runCtx)

	s.logger.Info("Server started",
		logging.String("name", s.config.Name),
		logging.String("version", s.config.Version),
		logging.String("transport", string(s.transport.Kind())),
		logging.Int("tools", s.registry.Count()),
	)
	return nil
}

func (s *Server) serve(ctx context.Context) {
	defer close(s.done)
	defer s.running.Store(false)

	err := s.transport.Start(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Error("Transport failed", logging.ErrorField(err))
		select {
		case s.errCh <- err:
		default:
		}
		return
	}
	s.logger.Info("Transport closed")
}

// Errors reports asynchronous transport failures.
func (s *Server) Errors() <-chan error { return s.errCh }

// Done is closed once the transport has exited.
func (s *Server) Done() <-chan struct{} { return s.done }

// Stop stops the transport gracefully, waits for it within ctx and then
// stops every background loop. Later calls return the first result.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateRunning {
		s.state = stateStopped
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.stopOnce.Do(func() {
		s.logger.Info("Server stopping")
		s.stopErr = s.transport.Stop(ctx)

		select {
		case <-s.done:
		case <-ctx.Done():
			s.stopErr = mcperrors.WrapError(ctx.Err(), mcperrors.CodeLifecycleError, "graceful stop timed out")
		}
		s.shutdown(ctx)
	})
	return s.stopErr
}

// ForceStop cancels the transport and every loop without waiting for
// in-flight requests.
func (s *Server) ForceStop() {
	s.mu.Lock()
	running := s.state == stateRunning
	s.mu.Unlock()
	if !running {
		return
	}
	s.logger.Warn("Server force stopped")
	s.cancel()
	s.stopOnce.Do(func() {
		_ = s.transport.Stop(context.Background())
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.shutdown(ctx)
	})
}

func (s *Server) shutdown(ctx context.Context) {
	s.cancel()
	if s.monitor != nil {
		s.monitor.Stop()
	}
	if s.balancer != nil {
		s.balancer.Stop()
	}
	s.auth.Stop()
	s.sessions.Stop()
	if s.tracer != nil {
		if err := s.tracer.Shutdown(ctx); err != nil {
			s.logger.Warn("Tracer shutdown failed", logging.ErrorField(err))
		}
	}

	s.mu.Lock()
	s.state = stateStopped
	s.mu.Unlock()
	s.logger.Info("Server stopped")
}

// Sessions returns the active sessions
func (s *Server) Sessions() []*session.Session {
	return s.sessions.GetActiveSessions()
}

// TerminateSession removes a session and its admission state. It reports
// whether the session existed.
func (s *Server) TerminateSession(id string) bool {
	if _, ok := s.sessions.GetSession(id); !ok {
		return false
	}
	s.sessions.RemoveSession(id)
	if s.balancer != nil {
		s.balancer.RemoveSession(id)
	}
	s.metrics.RecordSessionEvent("terminated")
	s.metrics.SetActiveSessions(s.sessions.Count())
	return true
}
