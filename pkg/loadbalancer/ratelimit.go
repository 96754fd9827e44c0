package loadbalancer

import (
	"sync"
	"time"
)

type window struct {
	start time.Time
	count int
	last  time.Time
}

// rateLimiter is a fixed one-second window counter per key. The request that
// would exceed limit within the window is rejected.
type rateLimiter struct {
	mu      sync.Mutex
	limit   int
	windows map[string]*window
}

func newRateLimiter(limit int) *rateLimiter {
	return &rateLimiter{
		limit:   limit,
		windows: make(map[string]*window),
	}
}

// allow counts one request for key and reports whether it fits, along with
// the time left in the current window.
func (rl *rateLimiter) allow(key string, now time.Time) (bool, time.Duration) {
	if rl.limit <= 0 {
		return true, 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) >= time.Second {
		w = &window{start: now}
		rl.windows[key] = w
	}
	w.last = now

	if w.count >= rl.limit {
		return false, w.start.Add(time.Second).Sub(now)
	}
	w.count++
	return true, 0
}

func (rl *rateLimiter) remove(key string) {
	rl.mu.Lock()
	delete(rl.windows, key)
	rl.mu.Unlock()
}

// sweep drops windows idle for longer than idle.
func (rl *rateLimiter) sweep(now time.Time, idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for key, w := range rl.windows {
		if now.Sub(w.last) > idle {
			delete(rl.windows, key)
			removed++
		}
	}
	return removed
}

func (rl *rateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}
