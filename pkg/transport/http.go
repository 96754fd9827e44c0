package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/sync/errgroup"

	mcperrors "github.com/ajitpratap0/mcp-control-plane/pkg/errors"
	"github.com/ajitpratap0/mcp-control-plane/pkg/logging"
	"github.com/ajitpratap0/mcp-control-plane/pkg/observability"
)

// HeaderSessionID carries the session id on HTTP requests and responses.
const HeaderSessionID = "Mcp-Session-Id"

// HTTP endpoints
const (
	PathRPC     = "/rpc"
	PathHealth  = "/health"
	PathMetrics = "/metrics"
)

// HTTPConfig configures the HTTP transport
type HTTPConfig struct {
	Host string
	Port int

	// TLS is enabled when both files are set
	TLSCertFile string
	TLSKeyFile  string

	// AllowedOrigins restricts browser clients by Origin header. Empty
	// allows any; "*" allows any explicitly. Requests without an Origin
	// header (non-browser clients) are always accepted.
	AllowedOrigins []string

	MaxMessageSize  int64
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DefaultHTTPConfig returns the default HTTP settings
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Host:            "127.0.0.1",
		Port:            8080,
		MaxMessageSize:  DefaultMaxMessageSize,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Addr returns host:port
func (c HTTPConfig) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// TLSEnabled reports whether both a certificate and key are configured
func (c HTTPConfig) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// HealthFunc reports server health for GET /health. The payload is encoded
// as JSON; healthy selects 200 or 503.
type HealthFunc func(ctx context.Context) (payload interface{}, healthy bool)

// SessionCloser terminates a session on DELETE /rpc. It reports whether the
// session existed.
type SessionCloser func(sessionID string) bool

// HTTPTransport serves JSON-RPC over HTTP. Each POST body is one message or a
// batch; the session travels in the Mcp-Session-Id header.
type HTTPTransport struct {
	config  HTTPConfig
	handler Handler
	logger  logging.Logger
	metrics *observability.Metrics
	tracer  *observability.TracingProvider
	health  HealthFunc
	closer  SessionCloser

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	ready    chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// HTTPOption configures an HTTPTransport
type HTTPOption func(*HTTPTransport)

// WithHTTPLogger sets the transport's logger
func WithHTTPLogger(logger logging.Logger) HTTPOption {
	return func(t *HTTPTransport) { t.logger = logger }
}

// WithHTTPMetrics serves m on GET /metrics and records batch sizes
func WithHTTPMetrics(m *observability.Metrics) HTTPOption {
	return func(t *HTTPTransport) { t.metrics = m }
}

// WithHTTPTracing extracts trace context from incoming headers
func WithHTTPTracing(tp *observability.TracingProvider) HTTPOption {
	return func(t *HTTPTransport) { t.tracer = tp }
}

// WithHealthCheck sets the GET /health reporter
func WithHealthCheck(fn HealthFunc) HTTPOption {
	return func(t *HTTPTransport) { t.health = fn }
}

// WithSessionCloser enables DELETE /rpc
func WithSessionCloser(fn SessionCloser) HTTPOption {
	return func(t *HTTPTransport) { t.closer = fn }
}

// NewHTTPTransport creates an HTTP transport dispatching to handler. Zero
// config fields take defaults.
func NewHTTPTransport(config HTTPConfig, handler Handler, opts ...HTTPOption) *HTTPTransport {
	defaults := DefaultHTTPConfig()
	if config.Host == "" {
		config.Host = defaults.Host
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaults.MaxMessageSize
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}

	t := &HTTPTransport{
		config:  config,
		handler: handler,
		logger:  logging.Nop(),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.WithFields(logging.Component("transport.http"))
	return t
}

// Kind implements Transport
func (t *HTTPTransport) Kind() Kind { return KindHTTP }

// Handler returns the routed HTTP handler, wrapped in request logging.
func (t *HTTPTransport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+PathRPC, t.handleRPC)
	mux.HandleFunc("DELETE "+PathRPC, t.handleDelete)
	mux.HandleFunc("GET "+PathHealth, t.handleHealth)
	if t.metrics != nil {
		mux.Handle("GET "+PathMetrics, t.metrics.Handler())
	}
	return logging.HTTPMiddleware(t.logger)(mux)
}

// Start listens and serves until the context is canceled or Stop is called.
func (t *HTTPTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	started := t.server != nil
	t.mu.Unlock()
	if started {
		return mcperrors.InvalidState("start", "running")
	}

	ln, err := net.Listen("tcp", t.config.Addr())
	if err != nil {
		return mcperrors.WrapError(err, mcperrors.CodeInternalError, "http listen failed")
	}

	srv := &http.Server{
		Handler:      t.Handler(),
		ReadTimeout:  t.config.ReadTimeout,
		WriteTimeout: t.config.WriteTimeout,
	}

	t.mu.Lock()
	t.server = srv
	t.listener = ln
	t.mu.Unlock()
	close(t.ready)

	t.logger.Info("HTTP transport listening",
		logging.String("addr", ln.Addr().String()),
		logging.Bool("tls", t.config.TLSEnabled()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if t.config.TLSEnabled() {
			err = srv.ServeTLS(ln, t.config.TLSCertFile, t.config.TLSKeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-t.done:
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), t.config.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Addr returns the bound address once Start is listening, or nil.
func (t *HTTPTransport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Ready is closed once the listener is bound.
func (t *HTTPTransport) Ready() <-chan struct{} {
	return t.ready
}

// Stop shuts the server down gracefully.
func (t *HTTPTransport) Stop(ctx context.Context) error {
	t.stopOnce.Do(func() { close(t.done) })
	return nil
}

func (t *HTTPTransport) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !t.isOriginAllowed(r.Header.Get("Origin")) {
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, t.config.MaxMessageSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	info := NewRequestInfo(KindHTTP, r.Header.Get(HeaderSessionID))
	info.RemoteAddr = r.RemoteAddr
	info.Authorization = r.Header.Get("Authorization")

	ctx := r.Context()
	if t.tracer != nil {
		ctx = t.tracer.Extract(ctx, propagation.HeaderCarrier(r.Header))
	}
	ctx = ContextWithRequestInfo(ctx, info)

	reply, err := handlePayload(ctx, t.handler, body, t.metrics)
	if err != nil {
		t.logger.Error("Failed to encode response", logging.ErrorField(err))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	if id := info.SessionID(); id != "" {
		w.Header().Set(HeaderSessionID, id)
	}
	if reply == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(reply)
}

func (t *HTTPTransport) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(HeaderSessionID)
	if t.closer == nil {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if sessionID == "" {
		http.Error(w, "Missing "+HeaderSessionID, http.StatusBadRequest)
		return
	}
	if !t.closer(sessionID) {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (t *HTTPTransport) handleHealth(w http.ResponseWriter, r *http.Request) {
	var (
		payload interface{} = map[string]string{"status": "ok"}
		healthy             = true
	)
	if t.health != nil {
		payload, healthy = t.health(r.Context())
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (t *HTTPTransport) isOriginAllowed(origin string) bool {
	if origin == "" || len(t.config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range t.config.AllowedOrigins {
		if allowed == "*" || matchOrigin(allowed, origin) {
			return true
		}
	}
	return false
}

// matchOrigin compares scheme and host. A pattern without a port matches any
// port on that host, so "http://localhost" admits "http://localhost:3000". A
// "*." host prefix matches any subdomain: "https://*.example.com" admits
// "https://api.example.com" but not "https://example.com".
func matchOrigin(allowed, origin string) bool {
	if allowed == origin {
		return true
	}
	if i := strings.Index(allowed, "://*."); i >= 0 {
		prefix := allowed[:i+3]
		if !strings.HasPrefix(origin, prefix) {
			return false
		}
		suffix := allowed[i+4:]
		host := origin[len(prefix):]
		if j := strings.LastIndex(host, ":"); j >= 0 && !strings.Contains(suffix, ":") {
			host = host[:j]
		}
		return len(host) > len(suffix) && strings.HasSuffix(host, suffix)
	}
	if !strings.HasPrefix(origin, allowed) {
		return false
	}
	rest := origin[len(allowed):]
	return strings.HasPrefix(rest, ":") && !strings.Contains(allowed[strings.Index(allowed, "//")+2:], ":")
}

var _ Transport = (*HTTPTransport)(nil)
var _ Transport = (*StdioTransport)(nil)

