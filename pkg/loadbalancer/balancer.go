// Package loadbalancer implements per-session admission control: a fixed
// window rate limiter, a circuit breaker and a bounded request queue.
package loadbalancer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	mcperrors "github.com/ajitpratap0/mcp-control-plane/pkg/errors"
	"github.com/ajitpratap0/mcp-control-plane/pkg/logging"
	"github.com/ajitpratap0/mcp-control-plane/pkg/protocol"
)

// Breaker scopes
const (
	ScopeGlobal  = "global"
	ScopeSession = "session"
)

// Rejection reasons
const (
	ReasonRateLimited = "rate limit exceeded"
	ReasonCircuitOpen = "circuit breaker open"
	ReasonQueueFull   = "request queue full"
	ReasonQueueWait   = "request queue timeout"
)

// CircuitBreakerConfig configures the circuit breaker.
type CircuitBreakerConfig struct {
	Enabled          bool
	Scope            string
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
}

// Config configures a Balancer.
type Config struct {
	MaxRequestsPerSecond  int
	MaxConcurrentRequests int
	QueueSize             int
	QueueTimeout          time.Duration
	CircuitBreaker        CircuitBreakerConfig

	// IdleTimeout is how long per-session state survives without requests
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxRequestsPerSecond:  100,
		MaxConcurrentRequests: 100,
		QueueSize:             1000,
		QueueTimeout:          30 * time.Second,
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			Scope:            ScopeGlobal,
			FailureThreshold: 5,
			SuccessThreshold: 1,
			RecoveryTimeout:  30 * time.Second,
		},
		IdleTimeout:     5 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrentRequests <= 0 {
		c.MaxConcurrentRequests = d.MaxConcurrentRequests
	}
	if c.QueueSize < 0 {
		c.QueueSize = 0
	}
	if c.CircuitBreaker.Scope == "" {
		c.CircuitBreaker.Scope = ScopeGlobal
	}
	if c.CircuitBreaker.FailureThreshold <= 0 {
		c.CircuitBreaker.FailureThreshold = d.CircuitBreaker.FailureThreshold
	}
	if c.CircuitBreaker.SuccessThreshold <= 0 {
		c.CircuitBreaker.SuccessThreshold = 1
	}
	if c.CircuitBreaker.RecoveryTimeout <= 0 {
		c.CircuitBreaker.RecoveryTimeout = d.CircuitBreaker.RecoveryTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	return c
}

// Ticket brackets one admitted request.
type Ticket struct {
	SessionID string
	Start     time.Time
}

// Metrics are admission and completion totals.
type Metrics struct {
	TotalRequests       int64         `json:"totalRequests"`
	AdmittedRequests    int64         `json:"admittedRequests"`
	RateLimited         int64         `json:"rateLimitedRequests"`
	CircuitRejections   int64         `json:"circuitBreakerRejections"`
	QueueRejections     int64         `json:"queueRejections"`
	CompletedRequests   int64         `json:"completedRequests"`
	FailedRequests      int64         `json:"failedRequests"`
	CircuitTrips        int64         `json:"circuitBreakerTrips"`
	CircuitState        string        `json:"circuitState"`
	OpenCircuits        int           `json:"openCircuits"`
	AverageResponseTime time.Duration `json:"averageResponseTimeNs"`
	RequestsPerSecond   float64       `json:"requestsPerSecond"`
	InFlight            int64         `json:"inFlight"`
	QueueDepth          int64         `json:"queueDepth"`
	TrackedSessions     int           `json:"trackedSessions"`
}

// Balancer is the load balancer. It is safe for concurrent use.
type Balancer struct {
	config  Config
	logger  logging.Logger
	now     func() time.Time
	limiter *rateLimiter
	queue   *requestQueue

	breakerMu sync.Mutex
	global    *circuitBreaker
	breakers  map[string]*circuitBreaker

	total       atomic.Int64
	admitted    atomic.Int64
	rateLimited atomic.Int64
	circuitRej  atomic.Int64
	queueRej    atomic.Int64
	completed   atomic.Int64
	failed      atomic.Int64
	latencyNs   atomic.Int64

	rpsMu      sync.Mutex
	rpsSecond  int64
	rpsCurrent int64
	rpsLast    int64

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// Option configures a Balancer.
type Option func(*Balancer)

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(b *Balancer) { b.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Balancer) { b.now = now }
}

// New creates a Balancer.
func New(cfg Config, opts ...Option) *Balancer {
	cfg = cfg.withDefaults()
	b := &Balancer{
		config:   cfg,
		logger:   logging.Nop(),
		now:      time.Now,
		limiter:  newRateLimiter(cfg.MaxRequestsPerSecond),
		queue:    newRequestQueue(cfg.MaxConcurrentRequests, cfg.QueueSize, cfg.QueueTimeout),
		breakers: make(map[string]*circuitBreaker),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.WithFields(logging.Component("loadbalancer"))
	if cfg.CircuitBreaker.Enabled && cfg.CircuitBreaker.Scope != ScopeSession {
		b.global = newCircuitBreaker(cfg.CircuitBreaker)
	}
	return b
}

func (b *Balancer) breakerFor(sessionID string) *circuitBreaker {
	if !b.config.CircuitBreaker.Enabled {
		return nil
	}
	if b.global != nil {
		return b.global
	}
	b.breakerMu.Lock()
	defer b.breakerMu.Unlock()
	cb, ok := b.breakers[sessionID]
	if !ok {
		cb = newCircuitBreaker(b.config.CircuitBreaker)
		b.breakers[sessionID] = cb
	}
	return cb
}

// Admit applies the rate limiter and the circuit breaker for sessionID and
// returns an admission error when either rejects. A nil result may claim the
// half-open trial, so every admitted request must be closed with
// RecordRequestEnd or handed back through a failed Acquire.
func (b *Balancer) Admit(sessionID string) error {
	return b.admit(sessionID, true)
}

// ShouldAllowRequest reports whether a request from sessionID passes the
// rate limiter and the circuit breaker. It counts toward the rate limit but
// never claims the half-open trial.
func (b *Balancer) ShouldAllowRequest(sessionID string) bool {
	return b.admit(sessionID, false) == nil
}

func (b *Balancer) admit(sessionID string, claim bool) error {
	b.total.Add(1)
	now := b.now()

	if ok, retry := b.limiter.allow(sessionID, now); !ok {
		b.rateLimited.Add(1)
		b.logger.Debug("Request rate limited", logging.SessionID(sessionID))
		return mcperrors.RateLimited(ReasonRateLimited, retry)
	}

	if cb := b.breakerFor(sessionID); cb != nil {
		var allowed bool
		if claim {
			allowed = cb.canMakeCall(now)
		} else {
			allowed = cb.permits(now)
		}
		if !allowed {
			b.circuitRej.Add(1)
			b.logger.Debug("Circuit breaker rejected request", logging.SessionID(sessionID))
			return mcperrors.RateLimited(ReasonCircuitOpen, b.config.CircuitBreaker.RecoveryTimeout)
		}
	}

	return nil
}

// Acquire takes an in-flight slot, waiting in the queue when the concurrency
// cap is reached. The returned release func must be called exactly once the
// request completes; calling it again is a no-op.
func (b *Balancer) Acquire(ctx context.Context, sessionID string) (func(), error) {
	release, err := b.queue.acquire(ctx)
	if err != nil {
		if cb := b.breakerFor(sessionID); cb != nil {
			cb.abandon()
		}
		b.queueRej.Add(1)
		reason := ReasonQueueFull
		if errors.Is(err, errQueueTimeout) {
			reason = ReasonQueueWait
		} else if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		b.logger.Warn("Request queue rejected request",
			logging.SessionID(sessionID),
			logging.String("reason", reason))
		return nil, mcperrors.RateLimited(reason, 0)
	}
	b.admitted.Add(1)
	return release, nil
}

// RecordRequestStart marks the start of an admitted request.
func (b *Balancer) RecordRequestStart(sessionID string) Ticket {
	now := b.now()
	b.countThroughput(now)
	return Ticket{SessionID: sessionID, Start: now}
}

// RecordRequestEnd marks the end of an admitted request. An error or an error
// response counts as a circuit breaker failure.
func (b *Balancer) RecordRequestEnd(t Ticket, resp *protocol.Response, err error) {
	now := b.now()
	b.completed.Add(1)
	b.latencyNs.Add(int64(now.Sub(t.Start)))

	failed := err != nil || (resp != nil && resp.Error != nil)
	cb := b.breakerFor(t.SessionID)
	if failed {
		b.failed.Add(1)
		if cb != nil {
			before, _ := cb.snapshot()
			cb.recordFailure(now)
			if after, _ := cb.snapshot(); after == CircuitOpen && before != CircuitOpen {
				b.logger.Warn("Circuit breaker opened", logging.SessionID(t.SessionID))
			}
		}
		return
	}
	if cb != nil {
		cb.recordSuccess()
	}
}

func (b *Balancer) countThroughput(now time.Time) {
	sec := now.Unix()
	b.rpsMu.Lock()
	defer b.rpsMu.Unlock()
	switch {
	case sec == b.rpsSecond:
		b.rpsCurrent++
	case sec == b.rpsSecond+1:
		b.rpsLast, b.rpsCurrent, b.rpsSecond = b.rpsCurrent, 1, sec
	default:
		b.rpsLast, b.rpsCurrent, b.rpsSecond = 0, 1, sec
	}
}

// RemoveSession drops the state kept for sessionID.
func (b *Balancer) RemoveSession(sessionID string) {
	b.limiter.remove(sessionID)
	b.breakerMu.Lock()
	delete(b.breakers, sessionID)
	b.breakerMu.Unlock()
}

// Metrics returns current totals.
func (b *Balancer) Metrics() Metrics {
	m := Metrics{
		TotalRequests:     b.total.Load(),
		AdmittedRequests:  b.admitted.Load(),
		RateLimited:       b.rateLimited.Load(),
		CircuitRejections: b.circuitRej.Load(),
		QueueRejections:   b.queueRej.Load(),
		CompletedRequests: b.completed.Load(),
		FailedRequests:    b.failed.Load(),
		InFlight:          b.queue.active(),
		QueueDepth:        b.queue.depth(),
		TrackedSessions:   b.limiter.size(),
		CircuitState:      CircuitClosed.String(),
	}
	if m.CompletedRequests > 0 {
		m.AverageResponseTime = time.Duration(b.latencyNs.Load() / m.CompletedRequests)
	}

	b.rpsMu.Lock()
	switch sec := b.now().Unix(); sec {
	case b.rpsSecond:
		m.RequestsPerSecond = float64(b.rpsLast)
	case b.rpsSecond + 1:
		m.RequestsPerSecond = float64(b.rpsCurrent)
	}
	b.rpsMu.Unlock()

	if b.global != nil {
		state, trips := b.global.snapshot()
		m.CircuitState = state.String()
		m.CircuitTrips = trips
		if state != CircuitClosed {
			m.OpenCircuits = 1
		}
	} else {
		b.breakerMu.Lock()
		for _, cb := range b.breakers {
			state, trips := cb.snapshot()
			m.CircuitTrips += trips
			if state != CircuitClosed {
				m.OpenCircuits++
			}
		}
		b.breakerMu.Unlock()
	}
	return m
}

// CircuitState returns the breaker state seen by sessionID.
func (b *Balancer) CircuitState(sessionID string) CircuitState {
	cb := b.breakerFor(sessionID)
	if cb == nil {
		return CircuitClosed
	}
	state, _ := cb.snapshot()
	return state
}

// Cleanup drops idle limiter windows and idle closed session breakers.
func (b *Balancer) Cleanup() int {
	now := b.now()
	removed := b.limiter.sweep(now, b.config.IdleTimeout)

	b.breakerMu.Lock()
	for id, cb := range b.breakers {
		if cb.idle(now, b.config.IdleTimeout) {
			delete(b.breakers, id)
		}
	}
	b.breakerMu.Unlock()
	return removed
}

// Start launches the idle-state sweep. Calling Start twice is a no-op.
func (b *Balancer) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})

	go func(stop <-chan struct{}, done chan<- struct{}) {
		defer close(done)
		ticker := time.NewTicker(b.config.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if n := b.Cleanup(); n > 0 {
					b.logger.Debug("Swept idle rate limit windows", logging.Int("count", n))
				}
			}
		}
	}(b.stopCh, b.doneCh)
}

// Stop ends the sweep and waits for it to exit.
func (b *Balancer) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stopCh)
	done := b.doneCh
	b.mu.Unlock()
	<-done
}
