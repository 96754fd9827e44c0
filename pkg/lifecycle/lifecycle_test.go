package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcperrors "github.com/ajitpratap0/mcp-control-plane/pkg/errors"
	"github.com/ajitpratap0/mcp-control-plane/pkg/observability"
	"github.com/ajitpratap0/mcp-control-plane/pkg/utils"
)

type fakeServer struct {
	startErr  error
	stopDelay time.Duration

	// entered is closed when Start begins; Start then waits for release.
	entered chan struct{}
	release chan struct{}

	mu     sync.Mutex
	health map[string]bool

	errCh    chan error
	done     chan struct{}
	doneOnce sync.Once

	starts atomic.Int32
	stops  atomic.Int32
	forced atomic.Int32
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		health: map[string]bool{"transport": true, "sessions": true, "tools": true, "auth": true},
		errCh:  make(chan error, 1),
		done:   make(chan struct{}),
	}
}

func (f *fakeServer) Start(context.Context) error {
	f.starts.Add(1)
	if f.release != nil {
		close(f.entered)
		<-f.release
	}
	return f.startErr
}

func (f *fakeServer) Stop(ctx context.Context) error {
	f.stops.Add(1)
	if f.stopDelay > 0 {
		select {
		case <-time.After(f.stopDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (f *fakeServer) ForceStop() { f.forced.Add(1) }

func (f *fakeServer) Health(context.Context) map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool, len(f.health))
	for k, v := range f.health {
		out[k] = v
	}
	return out
}

func (f *fakeServer) setHealth(component string, ok bool) {
	f.mu.Lock()
	f.health[component] = ok
	f.mu.Unlock()
}

func (f *fakeServer) Errors() <-chan error  { return f.errCh }
func (f *fakeServer) Done() <-chan struct{} { return f.done }
func (f *fakeServer) exit()                 { f.doneOnce.Do(func() { close(f.done) }) }

// factory hands out prepared fakes in order, then fresh ones.
type factory struct {
	mu      sync.Mutex
	queue   []*fakeServer
	built   []*fakeServer
	failErr error
}

func (fa *factory) build() (Server, error) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if fa.failErr != nil {
		return nil, fa.failErr
	}
	var s *fakeServer
	if len(fa.queue) > 0 {
		s, fa.queue = fa.queue[0], fa.queue[1:]
	} else {
		s = newFakeServer()
	}
	fa.built = append(fa.built, s)
	return s, nil
}

func (fa *factory) count() int {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return len(fa.built)
}

func (fa *factory) last() *fakeServer {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return fa.built[len(fa.built)-1]
}

func testConfig() Config {
	return Config{
		GracefulShutdownTimeout: time.Second,
		MaxRestartAttempts:      2,
		RestartDelay:            0,
		HealthCheckInterval:     time.Hour,
		EnableHealthChecks:      true,
		AutoRestart:             true,
	}
}

func states(h []StateChange) []State {
	out := make([]State, len(h))
	for i, c := range h {
		out[i] = c.To
	}
	return out
}

func TestStartStop(t *testing.T) {
	utils.VerifyNoLeaks(t)

	fa := &factory{}
	m := New(testConfig(), fa.build)
	assert.Equal(t, StateStopped, m.State())

	var seen []State
	var mu sync.Mutex
	m.OnStateChange(func(c StateChange) {
		mu.Lock()
		seen = append(seen, c.To)
		mu.Unlock()
	})

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, StateRunning, m.State())
	assert.False(t, m.Metrics().StartedAt.IsZero())

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeLifecycleError))

	require.NoError(t, m.Stop(context.Background()))
	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, StateStopped, m.State())
	assert.Equal(t, int32(1), fa.last().stops.Load())
	assert.Zero(t, fa.last().forced.Load())

	want := []State{StateStarting, StateRunning, StateStopping, StateStopped}
	assert.Equal(t, want, states(m.History()))
	mu.Lock()
	assert.Equal(t, want, seen)
	mu.Unlock()

	require.NoError(t, m.Start(context.Background()), "a stopped manager starts again")
	assert.Equal(t, 2, fa.count())
	require.NoError(t, m.Stop(context.Background()))
}

func TestStartFailureEntersError(t *testing.T) {
	fa := &factory{failErr: errors.New("no port")}
	m := New(testConfig(), fa.build)

	require.Error(t, m.Start(context.Background()))
	assert.Equal(t, StateError, m.State())
	assert.Contains(t, m.Metrics().LastError, "no port")
	assert.Error(t, m.Start(context.Background()), "start requires stopped")

	require.NoError(t, m.Stop(context.Background()))
	fa.failErr = nil
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Stop(context.Background()))

	bad := newFakeServer()
	bad.startErr = errors.New("listen failed")
	fa.queue = []*fakeServer{bad}
	require.Error(t, m.Start(context.Background()))
	assert.Equal(t, StateError, m.State())
}

func TestConcurrentStopSharesShutdown(t *testing.T) {
	utils.VerifyNoLeaks(t)

	slow := newFakeServer()
	slow.stopDelay = 100 * time.Millisecond
	fa := &factory{queue: []*fakeServer{slow}}
	m := New(testConfig(), fa.build)
	require.NoError(t, m.Start(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Stop(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), slow.stops.Load())
	assert.Equal(t, StateStopped, m.State())
}

func TestGracefulTimeoutForcesStop(t *testing.T) {
	hung := newFakeServer()
	hung.stopDelay = time.Minute
	fa := &factory{queue: []*fakeServer{hung}}

	cfg := testConfig()
	cfg.GracefulShutdownTimeout = 50 * time.Millisecond
	m := New(cfg, fa.build)
	require.NoError(t, m.Start(context.Background()))

	start := time.Now()
	require.NoError(t, m.Stop(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, int32(1), hung.forced.Load())
	assert.Equal(t, StateStopped, m.State())
}

func TestRestartBudget(t *testing.T) {
	fa := &factory{}
	m := New(testConfig(), fa.build)
	require.NoError(t, m.Start(context.Background()))

	require.NoError(t, m.Restart(context.Background()))
	require.NoError(t, m.Restart(context.Background()))
	assert.Equal(t, 3, fa.count())
	assert.Equal(t, StateRunning, m.State())
	assert.Equal(t, 2, m.Metrics().TotalRestarts)

	err := m.Restart(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maximum restart attempts")
	assert.Equal(t, StateError, m.State())

	require.NoError(t, m.Stop(context.Background()))
	require.NoError(t, m.Start(context.Background()))
	assert.Zero(t, m.Metrics().RestartAttempts, "start resets the budget")
	require.NoError(t, m.Stop(context.Background()))
}

func TestRestartRequiresRunning(t *testing.T) {
	m := New(testConfig(), (&factory{}).build)
	assert.Error(t, m.Restart(context.Background()))
}

func TestRestartDelayHonorsContext(t *testing.T) {
	cfg := testConfig()
	cfg.RestartDelay = time.Minute
	m := New(cfg, (&factory{}).build)
	require.NoError(t, m.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, m.Restart(ctx))
	assert.Equal(t, StateError, m.State())
	require.NoError(t, m.Stop(context.Background()))
}

func TestServerErrorTriggersAutoRestart(t *testing.T) {
	utils.VerifyNoLeaks(t)

	fa := &factory{}
	m := New(testConfig(), fa.build)
	require.NoError(t, m.Start(context.Background()))

	first := fa.last()
	first.errCh <- errors.New("transport crashed")

	require.Eventually(t, func() bool {
		return fa.count() == 2 && m.State() == StateRunning
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), first.stops.Load())
	assert.Equal(t, 1, m.Metrics().RestartAttempts)

	require.NoError(t, m.Stop(context.Background()))
}

func TestServerErrorWithoutAutoRestart(t *testing.T) {
	utils.VerifyNoLeaks(t)

	cfg := testConfig()
	cfg.AutoRestart = false
	fa := &factory{}
	m := New(cfg, fa.build)
	require.NoError(t, m.Start(context.Background()))
	finished := m.Finished()

	fa.last().errCh <- errors.New("fatal")
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not leave service")
	}
	assert.Equal(t, StateError, m.State())
	require.Eventually(t, func() bool { return fa.last().forced.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, fa.count())

	require.NoError(t, m.Stop(context.Background()))
}

func TestExhaustedBudgetForcesStop(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRestartAttempts = 0
	fa := &factory{}
	m := New(cfg, fa.build)
	require.NoError(t, m.Start(context.Background()))

	m.HandleError(errors.New("boom"))
	assert.Equal(t, StateError, m.State())
	assert.Equal(t, int32(1), fa.last().forced.Load())
}

func TestFailedExitRoutesToErrorHandler(t *testing.T) {
	utils.VerifyNoLeaks(t)

	for i := 0; i < 50; i++ {
		crashed := newFakeServer()
		crashed.errCh <- errors.New("listener closed")
		crashed.exit()

		fa := &factory{queue: []*fakeServer{crashed}}
		m := New(testConfig(), fa.build)
		require.NoError(t, m.Start(context.Background()))

		require.Eventually(t, func() bool {
			return fa.count() == 2 && m.State() == StateRunning
		}, 2*time.Second, 5*time.Millisecond, "iteration %d", i)
		assert.Equal(t, 1, m.Metrics().TotalRestarts)
		assert.Contains(t, m.Metrics().LastError, "listener closed")

		require.NoError(t, m.Stop(context.Background()))
	}
}

func TestStaleLaunchIsDiscarded(t *testing.T) {
	slow := newFakeServer()
	slow.entered = make(chan struct{})
	slow.release = make(chan struct{})
	fa := &factory{queue: []*fakeServer{slow}}
	m := New(testConfig(), fa.build)

	firstErr := make(chan error, 1)
	go func() { firstErr <- m.Start(context.Background()) }()
	<-slow.entered

	require.NoError(t, m.Stop(context.Background()))
	require.NoError(t, m.Start(context.Background()))
	fresh := fa.last()
	require.NotSame(t, slow, fresh)
	assert.Equal(t, StateRunning, m.State())

	close(slow.release)
	assert.Error(t, <-firstErr)
	assert.Equal(t, int32(1), slow.forced.Load())
	assert.Equal(t, StateRunning, m.State())

	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, int32(1), fresh.stops.Load(), "the current server is the one stopped")
	assert.Zero(t, slow.stops.Load())
}

func TestServerExitStopsManager(t *testing.T) {
	utils.VerifyNoLeaks(t)

	fa := &factory{}
	m := New(testConfig(), fa.build)
	require.NoError(t, m.Start(context.Background()))
	finished := m.Finished()

	fa.last().exit()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop after server exit")
	}
	require.Eventually(t, func() bool { return m.State() == StateStopped }, time.Second, 10*time.Millisecond)
}

func TestHealthCheck(t *testing.T) {
	fa := &factory{}
	m := New(testConfig(), fa.build)

	status := m.HealthCheck(context.Background())
	assert.False(t, status.Healthy, "stopped server is unhealthy")

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop(context.Background())

	var reports atomic.Int32
	m.OnHealthCheck(func(HealthStatus) { reports.Add(1) })

	status = m.HealthCheck(context.Background())
	assert.True(t, status.Healthy)
	assert.True(t, status.Components["auth"])
	assert.False(t, status.Components["loadBalancer"], "optional components do not affect health")

	fa.last().setHealth("tools", false)
	status = m.HealthCheck(context.Background())
	assert.False(t, status.Healthy)
	assert.Contains(t, status.Error, "tools")

	metrics := m.Metrics()
	assert.Equal(t, int64(3), metrics.HealthChecks)
	assert.Equal(t, int64(2), metrics.FailedHealthChecks)
	require.NotNil(t, metrics.LastHealth)
	assert.False(t, metrics.LastHealth.Healthy)
	assert.Equal(t, int32(2), reports.Load())
}

func TestFailedPeriodicHealthCheckRestarts(t *testing.T) {
	utils.VerifyNoLeaks(t)

	sick := newFakeServer()
	sick.setHealth("transport", false)
	fa := &factory{queue: []*fakeServer{sick}}

	cfg := testConfig()
	cfg.HealthCheckInterval = 10 * time.Millisecond
	m := New(cfg, fa.build)
	require.NoError(t, m.Start(context.Background()))

	require.Eventually(t, func() bool {
		return fa.count() == 2 && m.State() == StateRunning
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), sick.stops.Load())

	require.NoError(t, m.Stop(context.Background()))
}

func TestHistoryIsBounded(t *testing.T) {
	m := New(testConfig(), (&factory{}).build)
	for i := 0; i < 30; i++ {
		require.NoError(t, m.Start(context.Background()))
		require.NoError(t, m.Stop(context.Background()))
	}
	h := m.History()
	assert.Len(t, h, maxHistory)
	assert.Equal(t, StateStopped, h[len(h)-1].To)
}

func TestLifecycleMetricsRecorded(t *testing.T) {
	pm, err := observability.NewMetrics(observability.MetricsConfig{})
	require.NoError(t, err)

	m := New(testConfig(), (&factory{}).build, WithMetrics(pm))
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Stop(context.Background()))

	families, err := pm.Registry().Gather()
	require.NoError(t, err)
	found := false
	for _, f := range families {
		if f.GetName() == "mcp_lifecycle_state" {
			found = true
			for _, metric := range f.GetMetric() {
				for _, l := range metric.GetLabel() {
					if l.GetName() == "state" && l.GetValue() == "stopped" {
						assert.Equal(t, float64(1), metric.GetGauge().GetValue())
					}
				}
			}
		}
	}
	assert.True(t, found)
}
