// Package utils holds test support shared by the component packages.
package utils

import (
	"runtime"
	"testing"
	"time"
)

// GoroutineLeakDetector fails a test when goroutines started during it are
// still running once the component under test has been stopped. Components
// here own their background loops and join them on Stop, so a clean stop
// should bring the count back to the baseline.
type GoroutineLeakDetector struct {
	t             testing.TB
	baseline      int
	allowedGrowth int
	timeout       time.Duration
	pollInterval  time.Duration
}

// NewGoroutineLeakDetector creates a detector reporting to t
func NewGoroutineLeakDetector(t testing.TB) *GoroutineLeakDetector {
	return &GoroutineLeakDetector{
		t:            t,
		timeout:      2 * time.Second,
		pollInterval: 20 * time.Millisecond,
	}
}

// SetAllowedGrowth tolerates n goroutines above the baseline, for runtime
// helpers such as the HTTP client's idle connection reaper.
func (d *GoroutineLeakDetector) SetAllowedGrowth(n int) *GoroutineLeakDetector {
	d.allowedGrowth = n
	return d
}

// SetTimeout bounds how long Check waits for goroutines to exit
func (d *GoroutineLeakDetector) SetTimeout(timeout time.Duration) *GoroutineLeakDetector {
	d.timeout = timeout
	return d
}

// Start records the baseline goroutine count
func (d *GoroutineLeakDetector) Start() *GoroutineLeakDetector {
	d.baseline = runtime.NumGoroutine()
	return d
}

// Check polls until the goroutine count is back within the allowance or the
// timeout expires, in which case the test fails with every stack attached.
func (d *GoroutineLeakDetector) Check() {
	d.t.Helper()

	deadline := time.Now().Add(d.timeout)
	count := runtime.NumGoroutine()
	for count-d.baseline > d.allowedGrowth && time.Now().Before(deadline) {
		time.Sleep(d.pollInterval)
		count = runtime.NumGoroutine()
	}

	if leaked := count - d.baseline; leaked > d.allowedGrowth {
		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		d.t.Errorf("goroutine leak: started with %d, ended with %d (leaked %d, allowed %d)\n%s",
			d.baseline, count, leaked, d.allowedGrowth, buf[:n])
	}
}

// VerifyNoLeaks starts a detector and registers its check as a cleanup.
func VerifyNoLeaks(t testing.TB) *GoroutineLeakDetector {
	d := NewGoroutineLeakDetector(t).Start()
	t.Cleanup(d.Check)
	return d
}
