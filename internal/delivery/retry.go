package delivery

import (
	"context"
	"sync"
	"time"
)

// retryTimers owns delayed resubmissions so shutdown can cancel the ones
// that have not fired and wait for the ones that have.
type retryTimers struct {
	mu      sync.Mutex
	timers  map[*time.Timer]struct{}
	wg      sync.WaitGroup
	stopped bool
}

func newRetryTimers() *retryTimers {
	return &retryTimers{timers: make(map[*time.Timer]struct{})}
}

// after schedules fn; it reports false once stop has been called.
func (r *retryTimers) after(d time.Duration, fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		r.mu.Lock()
		delete(r.timers, t)
		stopped := r.stopped
		r.mu.Unlock()
		defer r.wg.Done()
		if !stopped {
			fn()
		}
	})
	r.timers[t] = struct{}{}
	return true
}

func (r *retryTimers) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// stop cancels unfired timers and waits for running callbacks until ctx ends.
func (r *retryTimers) stop(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = true
	for t := range r.timers {
		if t.Stop() {
			r.wg.Done()
		}
		delete(r.timers, t)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
