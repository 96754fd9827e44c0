// Package config loads the control plane configuration from YAML. Values may
// reference environment variables as ${VAR_NAME} and durations are written as
// Go duration strings ("30s", "5m").
package config

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/mcp-control-plane/pkg/auth"
	"github.com/ajitpratap0/mcp-control-plane/pkg/lifecycle"
	"github.com/ajitpratap0/mcp-control-plane/pkg/loadbalancer"
	"github.com/ajitpratap0/mcp-control-plane/pkg/logging"
	"github.com/ajitpratap0/mcp-control-plane/pkg/monitor"
	"github.com/ajitpratap0/mcp-control-plane/pkg/observability"
	"github.com/ajitpratap0/mcp-control-plane/pkg/server"
	"github.com/ajitpratap0/mcp-control-plane/pkg/session"
	"github.com/ajitpratap0/mcp-control-plane/pkg/transport"
)

// Duration is a time.Duration decoded from a duration string
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete control plane configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Transport     TransportConfig     `yaml:"transport"`
	Auth          AuthConfig          `yaml:"auth"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	LoadBalancer  LoadBalancerConfig  `yaml:"load_balancer"`
	Lifecycle     LifecycleConfig     `yaml:"lifecycle"`
	Monitor       MonitorConfig       `yaml:"monitor"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig identifies the server
type ServerConfig struct {
	Name           string   `yaml:"name"`
	Version        string   `yaml:"version"`
	Instructions   string   `yaml:"instructions"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// TransportConfig selects stdio or HTTP
type TransportConfig struct {
	Kind            string   `yaml:"kind"`
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	TLSCertFile     string   `yaml:"tls_cert_file"`
	TLSKeyFile      string   `yaml:"tls_key_file"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	MaxMessageSize  int64    `yaml:"max_message_size"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// AuthConfig holds authentication settings
type AuthConfig struct {
	Enabled         bool         `yaml:"enabled"`
	Method          string       `yaml:"method"`
	Tokens          []string     `yaml:"tokens"`
	Users           []UserConfig `yaml:"users"`
	Roles           []RoleConfig `yaml:"roles"`
	TokenTTL        Duration     `yaml:"token_ttl"`
	JWTSecret       string       `yaml:"jwt_secret"`
	CleanupInterval Duration     `yaml:"cleanup_interval"`
}

// UserConfig is a basic-auth user. Prefer password_hash (bcrypt) over a
// plaintext password.
type UserConfig struct {
	Username     string   `yaml:"username"`
	Password     string   `yaml:"password"`
	PasswordHash string   `yaml:"password_hash"`
	Permissions  []string `yaml:"permissions"`
	Roles        []string `yaml:"roles"`
}

// RoleConfig defines a role
type RoleConfig struct {
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
	Inherits    []string `yaml:"inherits"`
}

// SessionsConfig holds session settings
type SessionsConfig struct {
	Timeout         Duration `yaml:"timeout"`
	MaxSessions     int      `yaml:"max_sessions"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
}

// LoadBalancerConfig holds admission control settings
type LoadBalancerConfig struct {
	Enabled               bool                 `yaml:"enabled"`
	MaxRequestsPerSecond  int                  `yaml:"max_requests_per_second"`
	MaxConcurrentRequests int                  `yaml:"max_concurrent_requests"`
	QueueSize             int                  `yaml:"queue_size"`
	QueueTimeout          Duration             `yaml:"queue_timeout"`
	CircuitBreaker        CircuitBreakerConfig `yaml:"circuit_breaker"`
	IdleTimeout           Duration             `yaml:"idle_timeout"`
	CleanupInterval       Duration             `yaml:"cleanup_interval"`
}

// CircuitBreakerConfig holds breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Scope            string   `yaml:"scope"`
	FailureThreshold int      `yaml:"failure_threshold"`
	SuccessThreshold int      `yaml:"success_threshold"`
	RecoveryTimeout  Duration `yaml:"recovery_timeout"`
}

// LifecycleConfig holds supervision settings
type LifecycleConfig struct {
	GracefulShutdownTimeout Duration `yaml:"graceful_shutdown_timeout"`
	MaxRestartAttempts      int      `yaml:"max_restart_attempts"`
	RestartDelay            Duration `yaml:"restart_delay"`
	HealthCheckInterval     Duration `yaml:"health_check_interval"`
	EnableHealthChecks      bool     `yaml:"enable_health_checks"`
	AutoRestart             bool     `yaml:"auto_restart"`
}

// MonitorConfig holds performance monitor settings
type MonitorConfig struct {
	Enabled             bool     `yaml:"enabled"`
	MetricsInterval     Duration `yaml:"metrics_interval"`
	AlertInterval       Duration `yaml:"alert_interval"`
	CleanupInterval     Duration `yaml:"cleanup_interval"`
	RequestTimeout      Duration `yaml:"request_timeout"`
	WindowSize          int      `yaml:"window_size"`
	HistorySize         int      `yaml:"history_size"`
	DisableDefaultRules bool     `yaml:"disable_default_rules"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ObservabilityConfig holds metrics and tracing settings
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Namespace      string `yaml:"namespace"`
	IncludeRuntime bool   `yaml:"include_runtime"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Exporter    string            `yaml:"exporter"`
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
	SampleRate  float64           `yaml:"sample_rate"`
	Environment string            `yaml:"environment"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	srv := server.DefaultConfig()
	lb := loadbalancer.DefaultConfig()
	mon := monitor.DefaultConfig()
	lc := lifecycle.DefaultConfig()
	a := auth.DefaultConfig()
	sess := session.DefaultConfig()
	http := transport.DefaultHTTPConfig()

	return &Config{
		Server: ServerConfig{
			Name:           srv.Name,
			Version:        srv.Version,
			RequestTimeout: Duration(srv.RequestTimeout),
		},
		Transport: TransportConfig{
			Kind:            string(transport.KindStdio),
			Host:            http.Host,
			Port:            http.Port,
			MaxMessageSize:  http.MaxMessageSize,
			ReadTimeout:     Duration(http.ReadTimeout),
			WriteTimeout:    Duration(http.WriteTimeout),
			ShutdownTimeout: Duration(http.ShutdownTimeout),
		},
		Auth: AuthConfig{
			Method:          a.Method,
			TokenTTL:        Duration(a.TokenTTL),
			CleanupInterval: Duration(a.CleanupInterval),
		},
		Sessions: SessionsConfig{
			Timeout:         Duration(sess.SessionTimeout),
			MaxSessions:     sess.MaxSessions,
			CleanupInterval: Duration(sess.CleanupInterval),
		},
		LoadBalancer: LoadBalancerConfig{
			Enabled:               true,
			MaxRequestsPerSecond:  lb.MaxRequestsPerSecond,
			MaxConcurrentRequests: lb.MaxConcurrentRequests,
			QueueSize:             lb.QueueSize,
			QueueTimeout:          Duration(lb.QueueTimeout),
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          lb.CircuitBreaker.Enabled,
				Scope:            lb.CircuitBreaker.Scope,
				FailureThreshold: lb.CircuitBreaker.FailureThreshold,
				SuccessThreshold: lb.CircuitBreaker.SuccessThreshold,
				RecoveryTimeout:  Duration(lb.CircuitBreaker.RecoveryTimeout),
			},
			IdleTimeout:     Duration(lb.IdleTimeout),
			CleanupInterval: Duration(lb.CleanupInterval),
		},
		Lifecycle: LifecycleConfig{
			GracefulShutdownTimeout: Duration(lc.GracefulShutdownTimeout),
			MaxRestartAttempts:      lc.MaxRestartAttempts,
			RestartDelay:            Duration(lc.RestartDelay),
			HealthCheckInterval:     Duration(lc.HealthCheckInterval),
			EnableHealthChecks:      lc.EnableHealthChecks,
			AutoRestart:             lc.AutoRestart,
		},
		Monitor: MonitorConfig{
			Enabled:         true,
			MetricsInterval: Duration(mon.MetricsInterval),
			AlertInterval:   Duration(mon.AlertInterval),
			CleanupInterval: Duration(mon.CleanupInterval),
			RequestTimeout:  Duration(mon.RequestTimeout),
			WindowSize:      mon.WindowSize,
			HistorySize:     mon.HistorySize,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{Enabled: true, Namespace: "mcp"},
			Tracing: TracingConfig{Exporter: string(observability.ExporterTypeOTLPGRPC), SampleRate: 1.0},
		},
	}
}

// Load reads, expands and validates the file at path. Fields absent from the
// file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults, then validates.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or an empty
// string when it is unset.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch transport.Kind(c.Transport.Kind) {
	case transport.KindStdio:
	case transport.KindHTTP:
		if c.Transport.Port < 0 || c.Transport.Port > 65535 {
			return fmt.Errorf("transport.port %d out of range", c.Transport.Port)
		}
		if (c.Transport.TLSCertFile == "") != (c.Transport.TLSKeyFile == "") {
			return fmt.Errorf("transport.tls_cert_file and transport.tls_key_file must be set together")
		}
	default:
		return fmt.Errorf("transport.kind must be stdio or http, got %q", c.Transport.Kind)
	}

	if c.Auth.Enabled {
		switch c.Auth.Method {
		case auth.MethodToken, auth.MethodBasic, auth.MethodOAuth:
		default:
			return fmt.Errorf("auth.method must be token, basic or oauth, got %q", c.Auth.Method)
		}
		if c.Auth.Method == auth.MethodBasic && len(c.Auth.Users) == 0 {
			return fmt.Errorf("auth.users is required for basic authentication")
		}
		for i, u := range c.Auth.Users {
			if u.Username == "" {
				return fmt.Errorf("auth.users[%d].username is required", i)
			}
			if u.Password == "" && u.PasswordHash == "" {
				return fmt.Errorf("auth.users[%d] needs password or password_hash", i)
			}
		}
	}

	if c.Sessions.MaxSessions < 0 {
		return fmt.Errorf("sessions.max_sessions must not be negative")
	}
	if c.LoadBalancer.Enabled {
		if c.LoadBalancer.MaxRequestsPerSecond < 0 {
			return fmt.Errorf("load_balancer.max_requests_per_second must not be negative")
		}
		switch c.LoadBalancer.CircuitBreaker.Scope {
		case "", loadbalancer.ScopeGlobal, loadbalancer.ScopeSession:
		default:
			return fmt.Errorf("load_balancer.circuit_breaker.scope must be global or session, got %q", c.LoadBalancer.CircuitBreaker.Scope)
		}
	}
	if c.Lifecycle.MaxRestartAttempts < 0 {
		return fmt.Errorf("lifecycle.max_restart_attempts must not be negative")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	if c.Observability.Tracing.Enabled {
		switch observability.ExporterType(c.Observability.Tracing.Exporter) {
		case observability.ExporterTypeOTLPGRPC, observability.ExporterTypeOTLPHTTP, observability.ExporterTypeNoop:
		default:
			return fmt.Errorf("observability.tracing.exporter %q is not supported", c.Observability.Tracing.Exporter)
		}
		if r := c.Observability.Tracing.SampleRate; r < 0 || r > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be within [0, 1]")
		}
	}
	return nil
}

// ServerConfig converts the file settings into a server configuration.
func (c *Config) ServerConfig() server.Config {
	users := make([]auth.User, len(c.Auth.Users))
	for i, u := range c.Auth.Users {
		users[i] = auth.User{
			Username:     u.Username,
			Password:     u.Password,
			PasswordHash: u.PasswordHash,
			Permissions:  u.Permissions,
			Roles:        u.Roles,
		}
	}
	roles := make([]auth.Role, len(c.Auth.Roles))
	for i, r := range c.Auth.Roles {
		roles[i] = auth.Role{Name: r.Name, Permissions: r.Permissions, Inherits: r.Inherits}
	}

	lb := c.LoadBalancer
	return server.Config{
		Name:           c.Server.Name,
		Version:        c.Server.Version,
		Instructions:   c.Server.Instructions,
		RequestTimeout: c.Server.RequestTimeout.Std(),
		Transport: server.TransportConfig{
			Kind: transport.Kind(c.Transport.Kind),
			HTTP: transport.HTTPConfig{
				Host:            c.Transport.Host,
				Port:            c.Transport.Port,
				TLSCertFile:     c.Transport.TLSCertFile,
				TLSKeyFile:      c.Transport.TLSKeyFile,
				AllowedOrigins:  c.Transport.AllowedOrigins,
				MaxMessageSize:  c.Transport.MaxMessageSize,
				ReadTimeout:     c.Transport.ReadTimeout.Std(),
				WriteTimeout:    c.Transport.WriteTimeout.Std(),
				ShutdownTimeout: c.Transport.ShutdownTimeout.Std(),
			},
			Stdio: transport.StdioConfig{MaxMessageSize: int(c.Transport.MaxMessageSize)},
		},
		Auth: auth.Config{
			Enabled:         c.Auth.Enabled,
			Method:          c.Auth.Method,
			Tokens:          c.Auth.Tokens,
			Users:           users,
			Roles:           roles,
			TokenTTL:        c.Auth.TokenTTL.Std(),
			JWTSecret:       c.Auth.JWTSecret,
			CleanupInterval: c.Auth.CleanupInterval.Std(),
		},
		Sessions: session.Config{
			SessionTimeout:  c.Sessions.Timeout.Std(),
			MaxSessions:     c.Sessions.MaxSessions,
			CleanupInterval: c.Sessions.CleanupInterval.Std(),
		},
		LoadBalancer: server.LoadBalancerConfig{
			Enabled: lb.Enabled,
			Config: loadbalancer.Config{
				MaxRequestsPerSecond:  lb.MaxRequestsPerSecond,
				MaxConcurrentRequests: lb.MaxConcurrentRequests,
				QueueSize:             lb.QueueSize,
				QueueTimeout:          lb.QueueTimeout.Std(),
				CircuitBreaker: loadbalancer.CircuitBreakerConfig{
					Enabled:          lb.CircuitBreaker.Enabled,
					Scope:            lb.CircuitBreaker.Scope,
					FailureThreshold: lb.CircuitBreaker.FailureThreshold,
					SuccessThreshold: lb.CircuitBreaker.SuccessThreshold,
					RecoveryTimeout:  lb.CircuitBreaker.RecoveryTimeout.Std(),
				},
				IdleTimeout:     lb.IdleTimeout.Std(),
				CleanupInterval: lb.CleanupInterval.Std(),
			},
		},
		Monitor: server.MonitorConfig{
			Enabled: c.Monitor.Enabled,
			Config: monitor.Config{
				MetricsInterval:     c.Monitor.MetricsInterval.Std(),
				AlertInterval:       c.Monitor.AlertInterval.Std(),
				CleanupInterval:     c.Monitor.CleanupInterval.Std(),
				RequestTimeout:      c.Monitor.RequestTimeout.Std(),
				WindowSize:          c.Monitor.WindowSize,
				HistorySize:         c.Monitor.HistorySize,
				DisableDefaultRules: c.Monitor.DisableDefaultRules,
			},
		},
		Metrics: server.MetricsConfig{
			Enabled: c.Observability.Metrics.Enabled,
			MetricsConfig: observability.MetricsConfig{
				Namespace:      c.Observability.Metrics.Namespace,
				IncludeRuntime: c.Observability.Metrics.IncludeRuntime,
			},
		},
		Tracing: server.TracingConfig{
			Enabled: c.Observability.Tracing.Enabled,
			TracingConfig: observability.TracingConfig{
				Environment:  c.Observability.Tracing.Environment,
				ExporterType: observability.ExporterType(c.Observability.Tracing.Exporter),
				Endpoint:     c.Observability.Tracing.Endpoint,
				Headers:      c.Observability.Tracing.Headers,
				Insecure:     c.Observability.Tracing.Insecure,
				SampleRate:   c.Observability.Tracing.SampleRate,
			},
		},
	}
}

// LifecycleConfig converts the supervision settings.
func (c *Config) LifecycleConfig() lifecycle.Config {
	return lifecycle.Config{
		GracefulShutdownTimeout: c.Lifecycle.GracefulShutdownTimeout.Std(),
		MaxRestartAttempts:      c.Lifecycle.MaxRestartAttempts,
		RestartDelay:            c.Lifecycle.RestartDelay.Std(),
		HealthCheckInterval:     c.Lifecycle.HealthCheckInterval.Std(),
		EnableHealthChecks:      c.Lifecycle.EnableHealthChecks,
		AutoRestart:             c.Lifecycle.AutoRestart,
	}
}

// LoggerOptions returns logging options writing to out.
func (c *Config) LoggerOptions(out io.Writer) logging.Options {
	return logging.Options{Level: c.Logging.Level, Format: c.Logging.Format, Output: out}
}
