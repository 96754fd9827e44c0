// Package monitor implements the Performance Monitor. It brackets requests,
// keeps a rolling latency window, snapshots aggregate metrics on a timer,
// evaluates alert rules and produces optimization suggestions.
package monitor

import (
	"context"
	"math"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ajitpratap0/mcp-control-plane/pkg/logging"
	"github.com/ajitpratap0/mcp-control-plane/pkg/protocol"
)

const throughputWindow = 60

// Config configures a Monitor.
type Config struct {
	MetricsInterval time.Duration
	AlertInterval   time.Duration
	CleanupInterval time.Duration

	// RequestTimeout is the age after which per-request entries are purged
	RequestTimeout time.Duration

	WindowSize    int
	HistorySize   int
	SuggestionTTL time.Duration

	// DisableDefaultRules skips the built-in alert rules
	DisableDefaultRules bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MetricsInterval: 10 * time.Second,
		AlertInterval:   5 * time.Second,
		CleanupInterval: time.Minute,
		RequestTimeout:  5 * time.Minute,
		WindowSize:      1000,
		HistorySize:     1000,
		SuggestionTTL:   24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = d.MetricsInterval
	}
	if c.AlertInterval <= 0 {
		c.AlertInterval = d.AlertInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.SuggestionTTL <= 0 {
		c.SuggestionTTL = d.SuggestionTTL
	}
	return c
}

// RequestMetrics tracks one request.
type RequestMetrics struct {
	ID        string        `json:"id"`
	SessionID string        `json:"sessionId"`
	Method    string        `json:"method"`
	Start     time.Time     `json:"start"`
	End       time.Time     `json:"end,omitempty"`
	Duration  time.Duration `json:"durationNs,omitempty"`
	Success   bool          `json:"success"`
	ErrorCode int           `json:"errorCode,omitempty"`
}

// LatencyStats are response times in milliseconds.
type LatencyStats struct {
	Mean float64 `json:"mean"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	P50  float64 `json:"p50"`
	P95  float64 `json:"p95"`
	P99  float64 `json:"p99"`
}

// MemoryStats are runtime memory figures in bytes.
type MemoryStats struct {
	HeapUsed  uint64 `json:"heapUsed"`
	HeapTotal uint64 `json:"heapTotal"`
	Sys       uint64 `json:"sys"`
}

// Snapshot is the aggregate state at one instant. Alert rules address its
// fields by JSON path, for example "responseTime.p95" or "errorRate".
type Snapshot struct {
	Timestamp      time.Time    `json:"timestamp"`
	RequestCount   int64        `json:"requestCount"`
	ActiveRequests int          `json:"activeRequests"`
	ResponseTime   LatencyStats `json:"responseTime"`
	ErrorRate      float64      `json:"errorRate"`
	Throughput     float64      `json:"throughput"`
	Memory         MemoryStats  `json:"memory"`
	Goroutines     int          `json:"goroutines"`
}

type bucket struct {
	second int64
	count  int64
}

// Monitor is the performance monitor. It is safe for concurrent use.
type Monitor struct {
	config Config
	logger logging.Logger
	now    func() time.Time
	memory func() MemoryStats

	mu        sync.RWMutex
	requests  map[string]*RequestMetrics
	window    []time.Duration
	windowPos int
	completed int64
	failed    int64
	buckets   [throughputWindow]bucket
	history   []Snapshot

	alertMu      sync.Mutex
	rules        map[string]*AlertRule
	matchSince   map[string]time.Time
	active       map[string]*Alert
	alertHistory []Alert
	suggestions  []Suggestion
	onAlert      []func(Alert)
	onResolved   []func(Alert)

	runMu   sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithMemoryReader replaces the runtime memory reader.
func WithMemoryReader(read func() MemoryStats) Option {
	return func(m *Monitor) { m.memory = read }
}

// New creates a Monitor with the default alert rules unless disabled.
func New(cfg Config, opts ...Option) *Monitor {
	cfg = cfg.withDefaults()
	m := &Monitor{
		config:     cfg,
		logger:     logging.Nop(),
		now:        time.Now,
		memory:     readMemStats,
		requests:   make(map[string]*RequestMetrics),
		window:     make([]time.Duration, 0, cfg.WindowSize),
		rules:      make(map[string]*AlertRule),
		matchSince: make(map[string]time.Time),
		active:     make(map[string]*Alert),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithFields(logging.Component("monitor"))
	if !cfg.DisableDefaultRules {
		for _, r := range DefaultAlertRules() {
			m.AddAlertRule(r)
		}
	}
	return m
}

func readMemStats() MemoryStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return MemoryStats{HeapUsed: ms.HeapAlloc, HeapTotal: ms.HeapSys, Sys: ms.Sys}
}

// RecordRequestStart opens a per-request entry and returns its id.
func (m *Monitor) RecordRequestStart(req *protocol.Request, sessionID string) string {
	id := uuid.New().String()
	rm := &RequestMetrics{ID: id, SessionID: sessionID, Start: m.now()}
	if req != nil {
		rm.Method = req.Method
	}

	m.mu.Lock()
	m.requests[id] = rm
	m.mu.Unlock()
	return id
}

// RecordRequestEnd closes the entry opened by RecordRequestStart. An error or
// an error response marks the request failed. Unknown ids are ignored.
func (m *Monitor) RecordRequestEnd(id string, resp *protocol.Response, err error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	rm, ok := m.requests[id]
	if !ok || !rm.End.IsZero() {
		return
	}
	rm.End = now
	rm.Duration = now.Sub(rm.Start)
	rm.Success = err == nil && (resp == nil || resp.Error == nil)
	if resp != nil && resp.Error != nil {
		rm.ErrorCode = int(resp.Error.Code)
	}

	if len(m.window) < m.config.WindowSize {
		m.window = append(m.window, rm.Duration)
	} else {
		m.window[m.windowPos] = rm.Duration
		m.windowPos = (m.windowPos + 1) % m.config.WindowSize
	}

	m.completed++
	if !rm.Success {
		m.failed++
	}

	sec := now.Unix()
	b := &m.buckets[sec%throughputWindow]
	if b.second != sec {
		b.second, b.count = sec, 0
	}
	b.count++
}

// Request returns a copy of a per-request entry.
func (m *Monitor) Request(id string) (RequestMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rm, ok := m.requests[id]
	if !ok {
		return RequestMetrics{}, false
	}
	return *rm, true
}

// CurrentMetrics computes a snapshot without recording it.
func (m *Monitor) CurrentMetrics() Snapshot {
	now := m.now()

	m.mu.RLock()
	s := Snapshot{
		Timestamp:    now,
		RequestCount: m.completed,
		ResponseTime: latencyStats(m.window),
	}
	for _, rm := range m.requests {
		if rm.End.IsZero() {
			s.ActiveRequests++
		}
	}
	if m.completed > 0 {
		s.ErrorRate = float64(m.failed) / float64(m.completed) * 100
	}
	var recent int64
	cutoff := now.Unix() - throughputWindow
	for _, b := range m.buckets {
		if b.second > cutoff {
			recent += b.count
		}
	}
	m.mu.RUnlock()

	s.Throughput = float64(recent) / throughputWindow
	s.Memory = m.memory()
	s.Goroutines = runtime.NumGoroutine()
	return s
}

func latencyStats(window []time.Duration) LatencyStats {
	if len(window) == 0 {
		return LatencyStats{}
	}
	sorted := make([]float64, len(window))
	var sum float64
	for i, d := range window {
		ms := float64(d) / float64(time.Millisecond)
		sorted[i] = ms
		sum += ms
	}
	sort.Float64s(sorted)
	return LatencyStats{
		Mean: sum / float64(len(sorted)),
		Min:  sorted[0],
		Max:  sorted[len(sorted)-1],
		P50:  percentile(sorted, 50),
		P95:  percentile(sorted, 95),
		P99:  percentile(sorted, 99),
	}
}

// percentile uses the nearest-rank method on sorted values.
func percentile(sorted []float64, p float64) float64 {
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// TakeSnapshot records the current metrics in the history ring.
func (m *Monitor) TakeSnapshot() Snapshot {
	s := m.CurrentMetrics()
	m.mu.Lock()
	m.history = append(m.history, s)
	if over := len(m.history) - m.config.HistorySize; over > 0 {
		m.history = append([]Snapshot(nil), m.history[over:]...)
	}
	m.mu.Unlock()
	return s
}

// History returns snapshots taken within window, oldest first. A zero window
// returns everything kept.
func (m *Monitor) History(window time.Duration) []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if window <= 0 {
		return append([]Snapshot(nil), m.history...)
	}
	cutoff := m.now().Add(-window)
	out := []Snapshot{}
	for _, s := range m.history {
		if !s.Timestamp.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

func (m *Monitor) latest() (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return Snapshot{}, false
	}
	return m.history[len(m.history)-1], true
}

// Cleanup purges per-request entries older than RequestTimeout, regenerates
// suggestions and returns the number of entries purged.
func (m *Monitor) Cleanup() int {
	cutoff := m.now().Add(-m.config.RequestTimeout)

	m.mu.Lock()
	purged := 0
	for id, rm := range m.requests {
		if rm.Start.Before(cutoff) {
			delete(m.requests, id)
			purged++
		}
	}
	m.mu.Unlock()

	if purged > 0 {
		m.logger.Debug("Purged stale request metrics", logging.Int("count", purged))
	}
	m.GenerateSuggestions()
	return purged
}

// Start launches the metrics, alert and cleanup timers. Calling Start twice
// is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	go m.run(ctx, m.stopCh, m.doneCh)
	m.logger.Info("Performance monitor started",
		logging.Duration("metrics_interval", m.config.MetricsInterval),
		logging.Duration("alert_interval", m.config.AlertInterval))
}

func (m *Monitor) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	metricsTicker := time.NewTicker(m.config.MetricsInterval)
	alertTicker := time.NewTicker(m.config.AlertInterval)
	cleanupTicker := time.NewTicker(m.config.CleanupInterval)
	defer metricsTicker.Stop()
	defer alertTicker.Stop()
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-metricsTicker.C:
			m.TakeSnapshot()
		case <-alertTicker.C:
			m.EvaluateAlerts()
		case <-cleanupTicker.C:
			m.Cleanup()
		}
	}
}

// Stop ends the timers and waits for them to exit.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	done := m.doneCh
	m.runMu.Unlock()
	<-done
	m.logger.Info("Performance monitor stopped")
}
