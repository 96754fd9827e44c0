package loadbalancer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcperrors "github.com/ajitpratap0/mcp-control-plane/pkg/errors"
	"github.com/ajitpratap0/mcp-control-plane/pkg/protocol"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRateLimitExactlyOneRejectAt101(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{MaxRequestsPerSecond: 100}, WithClock(clock.Now))

	rejected := 0
	for i := 0; i < 101; i++ {
		if err := b.Admit("s1"); err != nil {
			rejected++
			assert.True(t, mcperrors.IsCode(err, mcperrors.CodeRateLimited))
		}
		clock.Advance(5 * time.Millisecond)
	}
	assert.Equal(t, 1, rejected)
	assert.Equal(t, int64(1), b.Metrics().RateLimited)

	// Other sessions have their own window.
	assert.True(t, b.ShouldAllowRequest("s2"))

	// A new window admits again.
	clock.Advance(time.Second)
	assert.True(t, b.ShouldAllowRequest("s1"))
}

func TestRateLimitDisabled(t *testing.T) {
	b := New(Config{})
	for i := 0; i < 1000; i++ {
		require.True(t, b.ShouldAllowRequest("s"))
	}
}

func failRequest(b *Balancer, session string) {
	b.RecordRequestEnd(b.RecordRequestStart(session), nil, errors.New("boom"))
}

func TestCircuitBreakerOpensAndProbes(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 3,
			RecoveryTimeout:  10 * time.Second,
		},
	}, WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Admit("s"))
		failRequest(b, "s")
	}
	assert.Equal(t, CircuitOpen, b.CircuitState("s"))

	err := b.Admit("s")
	require.Error(t, err)
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeRateLimited))

	clock.Advance(10 * time.Second)
	require.NoError(t, b.Admit("s"), "first request after cooldown is the trial")
	assert.Equal(t, CircuitHalfOpen, b.CircuitState("s"))
	assert.Error(t, b.Admit("s"), "only one trial at a time")

	b.RecordRequestEnd(b.RecordRequestStart("s"), &protocol.Response{}, nil)
	assert.Equal(t, CircuitClosed, b.CircuitState("s"))
	assert.NoError(t, b.Admit("s"))

	m := b.Metrics()
	assert.Equal(t, int64(1), m.CircuitTrips)
	assert.Equal(t, int64(2), m.CircuitRejections)
	assert.Equal(t, "closed", m.CircuitState)
}

func TestFailedTrialReopens(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{
		CircuitBreaker: CircuitBreakerConfig{Enabled: true, FailureThreshold: 1, RecoveryTimeout: time.Second},
	}, WithClock(clock.Now))

	require.NoError(t, b.Admit("s"))
	b.RecordRequestEnd(b.RecordRequestStart("s"), &protocol.Response{Error: &protocol.Error{Code: -32603}}, nil)
	assert.Equal(t, CircuitOpen, b.CircuitState("s"))

	clock.Advance(time.Second)
	require.NoError(t, b.Admit("s"))
	failRequest(b, "s")
	assert.Equal(t, CircuitOpen, b.CircuitState("s"))
	assert.Error(t, b.Admit("s"))
	assert.Equal(t, int64(2), b.Metrics().CircuitTrips)
}

func TestShouldAllowRequestLeavesTrialSlot(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{
		CircuitBreaker: CircuitBreakerConfig{Enabled: true, FailureThreshold: 1, RecoveryTimeout: time.Second},
	}, WithClock(clock.Now))

	failRequest(b, "s")
	assert.False(t, b.ShouldAllowRequest("s"))

	clock.Advance(time.Second)
	assert.True(t, b.ShouldAllowRequest("s"))
	assert.True(t, b.ShouldAllowRequest("s"), "checking does not consume the trial")
	assert.Equal(t, CircuitOpen, b.CircuitState("s"))

	require.NoError(t, b.Admit("s"))
	assert.False(t, b.ShouldAllowRequest("s"), "trial in flight")

	b.RecordRequestEnd(b.RecordRequestStart("s"), &protocol.Response{}, nil)
	assert.Equal(t, CircuitClosed, b.CircuitState("s"))
	assert.True(t, b.ShouldAllowRequest("s"))
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	b := New(Config{CircuitBreaker: CircuitBreakerConfig{Enabled: true, FailureThreshold: 2}})
	failRequest(b, "s")
	b.RecordRequestEnd(b.RecordRequestStart("s"), nil, nil)
	failRequest(b, "s")
	assert.Equal(t, CircuitClosed, b.CircuitState("s"))
}

func TestPerSessionBreaker(t *testing.T) {
	b := New(Config{CircuitBreaker: CircuitBreakerConfig{Enabled: true, Scope: ScopeSession, FailureThreshold: 1}})
	failRequest(b, "bad")
	assert.False(t, b.ShouldAllowRequest("bad"))
	assert.True(t, b.ShouldAllowRequest("good"))
	assert.Equal(t, 1, b.Metrics().OpenCircuits)

	b.RemoveSession("bad")
	assert.True(t, b.ShouldAllowRequest("bad"))
}

func TestQueueBoundsConcurrency(t *testing.T) {
	b := New(Config{MaxConcurrentRequests: 1, QueueSize: 1, QueueTimeout: 5 * time.Second})
	ctx := context.Background()

	release, err := b.Acquire(ctx, "s")
	require.NoError(t, err)

	waited := make(chan error, 1)
	go func() {
		r, err := b.Acquire(ctx, "s")
		if r != nil {
			r()
		}
		waited <- err
	}()

	assert.Eventually(t, func() bool { return b.Metrics().QueueDepth == 1 }, time.Second, time.Millisecond)

	// Queue is full: the next caller is rejected at once.
	_, err = b.Acquire(ctx, "s")
	require.Error(t, err)
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeRateLimited))

	release()
	release()
	require.NoError(t, <-waited)
	assert.Equal(t, int64(0), b.Metrics().InFlight)
}

func TestQueueTimeout(t *testing.T) {
	b := New(Config{MaxConcurrentRequests: 1, QueueSize: 5, QueueTimeout: 20 * time.Millisecond})
	release, err := b.Acquire(context.Background(), "s")
	require.NoError(t, err)
	defer release()

	_, err = b.Acquire(context.Background(), "s")
	require.Error(t, err)
	mcpErr, ok := mcperrors.AsMCPError(err)
	require.True(t, ok)
	assert.Equal(t, ReasonQueueWait, mcpErr.Details())
	assert.Equal(t, int64(1), b.Metrics().QueueRejections)
}

func TestMetricsLatencyAndThroughput(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{}, WithClock(clock.Now))

	for i := 0; i < 4; i++ {
		tk := b.RecordRequestStart("s")
		clock.Advance(10 * time.Millisecond)
		b.RecordRequestEnd(tk, nil, nil)
	}
	clock.Advance(time.Second)

	m := b.Metrics()
	assert.Equal(t, int64(4), m.CompletedRequests)
	assert.Equal(t, 10*time.Millisecond, m.AverageResponseTime)
	assert.Equal(t, float64(4), m.RequestsPerSecond)
}

func TestCleanupDropsIdleWindows(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{MaxRequestsPerSecond: 10, IdleTimeout: time.Minute}, WithClock(clock.Now))
	b.ShouldAllowRequest("a")
	clock.Advance(2 * time.Minute)
	b.ShouldAllowRequest("b")

	assert.Equal(t, 1, b.Cleanup())
	assert.Equal(t, 1, b.Metrics().TrackedSessions)
}

func TestStartStop(t *testing.T) {
	b := New(Config{CleanupInterval: 5 * time.Millisecond})
	b.Start(context.Background())
	b.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	b.Stop()
	b.Stop()
}

func TestConcurrentAdmission(t *testing.T) {
	b := New(Config{MaxRequestsPerSecond: 1000, MaxConcurrentRequests: 8})
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !b.ShouldAllowRequest("s") {
				return
			}
			release, err := b.Acquire(context.Background(), "s")
			if err != nil {
				return
			}
			b.RecordRequestEnd(b.RecordRequestStart("s"), nil, nil)
			release()
		}()
	}
	wg.Wait()
	m := b.Metrics()
	assert.Equal(t, int64(100), m.TotalRequests)
	assert.Equal(t, int64(0), m.InFlight)
}
