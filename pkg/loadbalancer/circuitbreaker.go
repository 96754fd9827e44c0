package loadbalancer

import (
	"sync"
	"time"
)

// CircuitState is the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// circuitBreaker opens after FailureThreshold consecutive failures, stays
// open for RecoveryTimeout and then lets a single trial request through.
type circuitBreaker struct {
	config    CircuitBreakerConfig
	state     CircuitState
	failures  int
	successes int
	lastError time.Time
	probing   bool
	trips     int64
	lastUsed  time.Time
	mu        sync.Mutex
}

func newCircuitBreaker(config CircuitBreakerConfig) *circuitBreaker {
	return &circuitBreaker{
		config: config,
		state:  CircuitClosed,
	}
}

func (cb *circuitBreaker) canMakeCall(now time.Time) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastUsed = now

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if now.Sub(cb.lastError) >= cb.config.RecoveryTimeout {
			cb.state = CircuitHalfOpen
			cb.successes = 0
			cb.probing = true
			return true
		}
		return false
	case CircuitHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	}

	return false
}

// permits reports whether canMakeCall would admit a call at now, without
// claiming the trial slot.
func (cb *circuitBreaker) permits(now time.Time) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		return now.Sub(cb.lastError) >= cb.config.RecoveryTimeout
	case CircuitHalfOpen:
		return !cb.probing
	}
	return false
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0

	if cb.state == CircuitHalfOpen {
		cb.probing = false
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = CircuitClosed
		}
	}
}

func (cb *circuitBreaker) recordFailure(now time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastError = now
	cb.failures++

	if cb.state == CircuitHalfOpen {
		cb.probing = false
		cb.state = CircuitOpen
		cb.trips++
		return
	}

	if cb.state == CircuitClosed && cb.failures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
		cb.trips++
	}
}

// abandon releases a trial slot that never reached a handler.
func (cb *circuitBreaker) abandon() {
	cb.mu.Lock()
	cb.probing = false
	cb.mu.Unlock()
}

func (cb *circuitBreaker) snapshot() (CircuitState, int64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state, cb.trips
}

func (cb *circuitBreaker) idle(now time.Time, d time.Duration) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == CircuitClosed && now.Sub(cb.lastUsed) > d
}
