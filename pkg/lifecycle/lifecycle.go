// Package lifecycle supervises one control-plane server: it starts it from a
// factory, stops it gracefully with a forced fallback, restarts it within a
// bounded budget and probes its health on an interval.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	mcperrors "github.com/ajitpratap0/mcp-control-plane/pkg/errors"
	"github.com/ajitpratap0/mcp-control-plane/pkg/logging"
	"github.com/ajitpratap0/mcp-control-plane/pkg/observability"
)

// State is a lifecycle state
type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateRestarting State = "restarting"
	StateError      State = "error"
)

// Components that must all be healthy for the server to be healthy
var RequiredComponents = []string{"transport", "sessions", "tools"}

// Server is the supervised process.
type Server interface {
	// Start launches the server without blocking
	Start(ctx context.Context) error
	// Stop shuts down gracefully within ctx
	Stop(ctx context.Context) error
	// ForceStop terminates without waiting
	ForceStop()
	// Health reports per-component flags
	Health(ctx context.Context) map[string]bool
	// Errors delivers asynchronous failures
	Errors() <-chan error
	// Done is closed when the server has exited on its own
	Done() <-chan struct{}
}

// Factory builds a fresh server for each start.
type Factory func() (Server, error)

// Config configures a Manager
type Config struct {
	GracefulShutdownTimeout time.Duration
	MaxRestartAttempts      int
	RestartDelay            time.Duration
	HealthCheckInterval     time.Duration
	EnableHealthChecks      bool
	AutoRestart             bool
}

// DefaultConfig returns the default supervision settings
func DefaultConfig() Config {
	return Config{
		GracefulShutdownTimeout: 30 * time.Second,
		MaxRestartAttempts:      3,
		RestartDelay:            5 * time.Second,
		HealthCheckInterval:     30 * time.Second,
		EnableHealthChecks:      true,
		AutoRestart:             true,
	}
}

// StateChange is one entry of the transition history
type StateChange struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// HealthStatus is the result of one health check
type HealthStatus struct {
	Healthy    bool            `json:"healthy"`
	Components map[string]bool `json:"components"`
	Duration   time.Duration   `json:"durationNs"`
	CheckedAt  time.Time       `json:"checkedAt"`
	Error      string          `json:"error,omitempty"`
}

// Metrics summarizes the supervised server
type Metrics struct {
	State              State         `json:"state"`
	StartedAt          time.Time     `json:"startedAt,omitempty"`
	Uptime             time.Duration `json:"uptimeNs"`
	RestartAttempts    int           `json:"restartAttempts"`
	TotalRestarts      int           `json:"totalRestarts"`
	LastRestart        time.Time     `json:"lastRestart,omitempty"`
	HealthChecks       int64         `json:"healthChecks"`
	FailedHealthChecks int64         `json:"failedHealthChecks"`
	LastHealth         *HealthStatus `json:"lastHealth,omitempty"`
	LastError          string        `json:"lastError,omitempty"`
}

const maxHistory = 100

// Manager is the lifecycle state machine. It is safe for concurrent use.
type Manager struct {
	config  Config
	factory Factory
	logger  logging.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu            sync.Mutex
	state         State
	generation    uint64
	server        Server
	startedAt     time.Time
	attempts      int
	totalRestarts int
	lastRestart   time.Time
	lastHealth    *HealthStatus
	healthChecks  int64
	failedChecks  int64
	lastErr       error
	history       []StateChange
	pending       []StateChange
	stopOp        *stopOperation
	loopCancel    context.CancelFunc
	loopDone      chan struct{}
	finished      chan struct{}
	finishedOpen  bool

	stateListeners  []func(StateChange)
	healthListeners []func(HealthStatus)
}

type stopOperation struct {
	done chan struct{}
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics records states and events on m
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager in the stopped state.
func New(cfg Config, factory Factory, opts ...Option) *Manager {
	d := DefaultConfig()
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = d.GracefulShutdownTimeout
	}
	if cfg.MaxRestartAttempts < 0 {
		cfg.MaxRestartAttempts = 0
	}
	if cfg.RestartDelay < 0 {
		cfg.RestartDelay = 0
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = d.HealthCheckInterval
	}

	m := &Manager{
		config:   cfg,
		factory:  factory,
		logger:   logging.Nop(),
		now:      time.Now,
		state:    StateStopped,
		finished: make(chan struct{}),
	}
	close(m.finished)
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithFields(logging.Component("lifecycle"))
	m.metrics.RecordLifecycleState(string(StateStopped))
	return m
}

// OnStateChange registers a listener for every transition
func (m *Manager) OnStateChange(fn func(StateChange)) {
	m.mu.Lock()
	m.stateListeners = append(m.stateListeners, fn)
	m.mu.Unlock()
}

// OnHealthCheck registers a listener for every health check
func (m *Manager) OnHealthCheck(fn func(HealthStatus)) {
	m.mu.Lock()
	m.healthListeners = append(m.healthListeners, fn)
	m.mu.Unlock()
}

// State returns the current state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Finished is closed once the manager leaves service, by entering stopped or
// error. A new channel is armed on every transition to running.
func (m *Manager) Finished() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finished
}

// History returns the recorded transitions, oldest first.
func (m *Manager) History() []StateChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StateChange, len(m.history))
	copy(out, m.history)
	return out
}

// transitionLocked moves to state and queues listener notification. Callers
// hold mu and must release it with unlockAndNotify.
func (m *Manager) transitionLocked(to State, reason string) {
	change := StateChange{From: m.state, To: to, At: m.now(), Reason: reason}
	m.state = to

	m.history = append(m.history, change)
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
	m.pending = append(m.pending, change)

	switch to {
	case StateRunning:
		if !m.finishedOpen {
			m.finished = make(chan struct{})
			m.finishedOpen = true
		}
	case StateStopped, StateError:
		if m.finishedOpen {
			close(m.finished)
			m.finishedOpen = false
		}
	}

	m.metrics.RecordLifecycleState(string(to))
	m.logger.Info("Lifecycle state changed",
		logging.String("from", string(change.From)),
		logging.String("to", string(to)),
		logging.String("reason", reason),
	)
}

func (m *Manager) unlockAndNotify() {
	changes := m.pending
	m.pending = nil
	listeners := append(([]func(StateChange))(nil), m.stateListeners...)
	m.mu.Unlock()

	for _, c := range changes {
		for _, fn := range listeners {
			fn(c)
		}
	}
}

// Start builds and starts a server. It fails unless the manager is stopped.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateStopped {
		state := m.state
		m.mu.Unlock()
		return mcperrors.InvalidState("start", string(state))
	}
	m.attempts = 0
	m.generation++
	gen := m.generation
	m.transitionLocked(StateStarting, "start requested")
	m.unlockAndNotify()

	if err := m.launch(ctx, gen); err != nil {
		if err != errAborted {
			m.fail(gen, err, "start failed")
		}
		return err
	}
	m.metrics.RecordLifecycleEvent("start")
	return nil
}

// errAborted reports a start overtaken by a concurrent Stop.
var errAborted = mcperrors.InvalidState("start", string(StateStopped)).WithDetail("stopped while starting")

// launch builds, starts and installs a server, then moves to running. The
// server is discarded when another Start, Restart or Stop has begun since gen
// was taken.
func (m *Manager) launch(ctx context.Context, gen uint64) error {
	srv, err := m.factory()
	if err != nil {
		return mcperrors.WrapError(err, mcperrors.CodeLifecycleError, "failed to create server").
			WithDetail(err.Error())
	}
	if err := srv.Start(ctx); err != nil {
		return mcperrors.WrapError(err, mcperrors.CodeLifecycleError, "failed to start server").
			WithDetail(err.Error())
	}

	m.mu.Lock()
	if m.generation != gen || (m.state != StateStarting && m.state != StateRestarting) {
		m.mu.Unlock()
		srv.ForceStop()
		return errAborted
	}
	m.server = srv
	m.startedAt = m.now()
	m.startLoopLocked(srv)
	m.transitionLocked(StateRunning, "server started")
	m.unlockAndNotify()
	return nil
}

// fail records err and moves to error without touching the server, unless an
// operation newer than gen has taken over.
func (m *Manager) fail(gen uint64, err error, reason string) {
	m.logger.Error("Lifecycle failure", logging.String("reason", reason), logging.ErrorField(err))
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return
	}
	m.lastErr = err
	m.transitionLocked(StateError, reason)
	m.unlockAndNotify()
}

// Stop shuts the server down. The graceful stop is bounded by
// GracefulShutdownTimeout, after which the server is force-stopped; either way
// the manager ends stopped. Concurrent callers share one shutdown. Stopping a
// stopped manager is a no-op.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if op := m.stopOp; op != nil {
		m.mu.Unlock()
		select {
		case <-op.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.state == StateStopped {
		m.mu.Unlock()
		return nil
	}

	op := &stopOperation{done: make(chan struct{})}
	m.stopOp = op
	m.generation++
	srv := m.server
	m.server = nil
	m.transitionLocked(StateStopping, "stop requested")
	m.unlockAndNotify()

	m.shutdownServer(ctx, srv)

	m.mu.Lock()
	m.stopOp = nil
	m.startedAt = time.Time{}
	m.transitionLocked(StateStopped, "server stopped")
	m.unlockAndNotify()
	m.metrics.RecordLifecycleEvent("stop")

	close(op.done)
	return nil
}

// shutdownServer halts the health loop and stops srv, forcing it when the
// graceful stop fails or times out.
func (m *Manager) shutdownServer(ctx context.Context, srv Server) {
	m.stopLoop()
	if srv == nil {
		return
	}

	stopCtx, cancel := context.WithTimeout(ctx, m.config.GracefulShutdownTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- srv.Stop(stopCtx) }()

	var err error
	select {
	case err = <-result:
	case <-stopCtx.Done():
		err = stopCtx.Err()
	}
	if err != nil {
		m.logger.Warn("Graceful stop failed, forcing", logging.ErrorField(err))
		m.metrics.RecordLifecycleEvent("force_stop")
		srv.ForceStop()
	}
}

// Restart stops the server, waits RestartDelay and starts a fresh one. Each
// call consumes one attempt of MaxRestartAttempts; the budget resets on Start.
func (m *Manager) Restart(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateRunning && m.state != StateError {
		state := m.state
		m.mu.Unlock()
		return mcperrors.InvalidState("restart", string(state))
	}
	if m.attempts >= m.config.MaxRestartAttempts {
		err := mcperrors.NewError(mcperrors.CodeLifecycleError,
			fmt.Sprintf("maximum restart attempts (%d) reached", m.config.MaxRestartAttempts),
			mcperrors.CategoryLifecycle, mcperrors.SeverityError)
		m.lastErr = err
		if m.state != StateError {
			m.transitionLocked(StateError, "restart budget exhausted")
		}
		m.unlockAndNotify()
		return err
	}
	m.attempts++
	m.totalRestarts++
	m.lastRestart = m.now()
	m.generation++
	gen := m.generation
	attempt := m.attempts
	srv := m.server
	m.server = nil
	m.transitionLocked(StateRestarting, fmt.Sprintf("restart attempt %d", attempt))
	m.unlockAndNotify()
	m.metrics.RecordLifecycleEvent("restart")

	m.shutdownServer(ctx, srv)

	if m.config.RestartDelay > 0 {
		timer := time.NewTimer(m.config.RestartDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			m.fail(gen, ctx.Err(), "restart canceled")
			return ctx.Err()
		}
	}

	if err := m.launch(ctx, gen); err != nil {
		if err != errAborted {
			m.fail(gen, err, "restart failed")
		}
		return err
	}
	m.logger.Info("Server restarted", logging.Int("attempt", attempt))
	return nil
}

// HandleError routes an asynchronous failure: restart when enabled and the
// budget remains, otherwise force-stop and stay in error.
func (m *Manager) HandleError(err error) {
	m.mu.Lock()
	m.lastErr = err
	state := m.state
	m.mu.Unlock()
	if state != StateRunning {
		return
	}

	m.logger.Error("Server failure", logging.ErrorField(err))
	m.metrics.RecordLifecycleEvent("error")

	if m.config.AutoRestart {
		rerr := m.Restart(context.Background())
		if rerr == nil {
			return
		}
		m.logger.Error("Auto-restart failed", logging.ErrorField(rerr))
	}
	m.forceToError(err)
}

// forceToError terminates the current server and leaves the manager in error.
func (m *Manager) forceToError(cause error) {
	m.mu.Lock()
	srv := m.server
	m.server = nil
	if m.state != StateError {
		m.transitionLocked(StateError, cause.Error())
	}
	m.unlockAndNotify()

	m.stopLoop()
	if srv != nil {
		srv.ForceStop()
	}
}

// HealthCheck probes the running server. It does not act on the result.
func (m *Manager) HealthCheck(ctx context.Context) HealthStatus {
	m.mu.Lock()
	srv, state := m.server, m.state
	m.mu.Unlock()

	start := time.Now()
	status := HealthStatus{CheckedAt: m.now()}
	if srv == nil || state != StateRunning {
		status.Error = fmt.Sprintf("server is %s", state)
	} else {
		status.Components = srv.Health(ctx)
		status.Healthy = true
		for _, c := range RequiredComponents {
			if !status.Components[c] {
				status.Healthy = false
				status.Error = fmt.Sprintf("component %s unhealthy", c)
				break
			}
		}
	}
	status.Duration = time.Since(start)

	m.mu.Lock()
	m.healthChecks++
	if !status.Healthy {
		m.failedChecks++
	}
	m.lastHealth = &status
	listeners := append(([]func(HealthStatus))(nil), m.healthListeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(status)
	}
	return status
}

// startLoopLocked watches srv for failures, exit and health until stopLoop.
func (m *Manager) startLoopLocked(srv Server) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.loopCancel = cancel
	m.loopDone = done
	go m.watch(ctx, srv, done)
}

func (m *Manager) stopLoop() {
	m.mu.Lock()
	cancel, done := m.loopCancel, m.loopDone
	m.loopCancel, m.loopDone = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// watch runs until canceled or until it hands an event to a separate
// goroutine, since the handlers stop this loop themselves.
func (m *Manager) watch(ctx context.Context, srv Server, done chan struct{}) {
	defer close(done)

	var tick <-chan time.Time
	if m.config.EnableHealthChecks {
		ticker := time.NewTicker(m.config.HealthCheckInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-srv.Errors():
			go m.HandleError(err)
			return
		case <-srv.Done():
			// An exit caused by a failure queues the error first.
			select {
			case err := <-srv.Errors():
				go m.HandleError(err)
				return
			default:
			}
			m.logger.Info("Server exited")
			go func() { _ = m.Stop(context.Background()) }()
			return
		case <-tick:
			status := m.HealthCheck(ctx)
			if !status.Healthy && ctx.Err() == nil {
				m.logger.Warn("Health check failed", logging.String("error", status.Error))
				go m.HandleError(mcperrors.NewError(mcperrors.CodeLifecycleError,
					"health check failed: "+status.Error,
					mcperrors.CategoryLifecycle, mcperrors.SeverityError))
				return
			}
		}
	}
}

// Metrics returns a snapshot of supervision metrics
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := Metrics{
		State:              m.state,
		StartedAt:          m.startedAt,
		RestartAttempts:    m.attempts,
		TotalRestarts:      m.totalRestarts,
		LastRestart:        m.lastRestart,
		HealthChecks:       m.healthChecks,
		FailedHealthChecks: m.failedChecks,
	}
	if !m.startedAt.IsZero() && m.state == StateRunning {
		out.Uptime = m.now().Sub(m.startedAt)
	}
	if m.lastHealth != nil {
		h := *m.lastHealth
		out.LastHealth = &h
	}
	if m.lastErr != nil {
		out.LastError = m.lastErr.Error()
	}
	return out
}
