package loadbalancer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

var (
	errQueueFull    = errors.New("request queue is full")
	errQueueTimeout = errors.New("timed out waiting in request queue")
)

// requestQueue caps in-flight requests. Callers beyond the cap wait in FIFO
// order, at most size of them, each for at most timeout.
type requestQueue struct {
	sem      *semaphore.Weighted
	size     int64
	timeout  time.Duration
	waiting  atomic.Int64
	inFlight atomic.Int64
}

func newRequestQueue(maxConcurrent, size int, timeout time.Duration) *requestQueue {
	return &requestQueue{
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		size:    int64(size),
		timeout: timeout,
	}
}

func (q *requestQueue) acquire(ctx context.Context) (func(), error) {
	if !q.sem.TryAcquire(1) {
		if q.waiting.Add(1) > q.size {
			q.waiting.Add(-1)
			return nil, errQueueFull
		}

		waitCtx := ctx
		if q.timeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, q.timeout)
			defer cancel()
		}
		err := q.sem.Acquire(waitCtx, 1)
		q.waiting.Add(-1)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errQueueTimeout
		}
	}

	q.inFlight.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			q.inFlight.Add(-1)
			q.sem.Release(1)
		})
	}, nil
}

func (q *requestQueue) depth() int64 {
	return q.waiting.Load()
}

func (q *requestQueue) active() int64 {
	return q.inFlight.Load()
}
