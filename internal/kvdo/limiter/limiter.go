// Package limiter provides a counted-semaphore abstraction with FIFO
// blocking acquire, non-blocking polling, bulk release, and idle-wait, as
// required by the admission controller to bound in-flight work.
package limiter

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// idlePollInitialInterval and idlePollMaxInterval bound how often
// WaitForIdle re-checks the outstanding count. It is a liveness poll, not a
// wakeup signal: the semaphore package exposes no hook for "someone
// released a permit", so WaitForIdle cannot block on a condition variable
// without risking a missed wakeup between the idle check and the wait.
// Polling backs off exponentially from idlePollInitialInterval up to
// idlePollMaxInterval so a long drain doesn't spin, while a quick one
// resolves promptly.
const (
	idlePollInitialInterval = 100 * time.Microsecond
	idlePollMaxInterval     = 10 * time.Millisecond
)

// Limiter is a counted semaphore: outstanding + free == limit at
// quiescence. Acquisition is FIFO with respect to blocked waiters, which
// golang.org/x/sync/semaphore.Weighted guarantees internally.
type Limiter struct {
	sem         *semaphore.Weighted
	limit       int64
	outstanding atomic.Int64
}

// New returns a Limiter with the given capacity. limit must be positive.
func New(limit int) *Limiter {
	if limit <= 0 {
		panic("limiter: limit must be positive")
	}
	return &Limiter{
		sem:   semaphore.NewWeighted(int64(limit)),
		limit: int64(limit),
	}
}

// Limit returns the configured capacity.
func (l *Limiter) Limit() int {
	return int(l.limit)
}

// Outstanding returns the number of permits currently held.
func (l *Limiter) Outstanding() int {
	return int(l.outstanding.Load())
}

// AcquireBlocking decrements the free count, parking the caller until
// capacity is available. It must never be called from a context where
// blocking is forbidden (an Engine worker thread) — the admission
// controller's reentrancy test exists precisely to keep this invariant.
func (l *Limiter) AcquireBlocking(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	l.outstanding.Add(1)
	return nil
}

// AcquirePoll performs a non-blocking decrement, returning true iff
// capacity was available.
func (l *Limiter) AcquirePoll() bool {
	if !l.sem.TryAcquire(1) {
		return false
	}
	l.outstanding.Add(1)
	return true
}

// ReleaseOne releases a single permit. Safe to call from any goroutine,
// including an Engine completion callback running on a worker thread.
func (l *Limiter) ReleaseOne() {
	l.ReleaseMany(1)
}

// ReleaseMany releases n permits at once, waking at most n blocked
// acquirers.
func (l *Limiter) ReleaseMany(n int) {
	if n <= 0 {
		return
	}
	l.outstanding.Add(-int64(n))
	l.sem.Release(int64(n))
}

// IsIdle reports whether no permits are currently outstanding.
func (l *Limiter) IsIdle() bool {
	return l.outstanding.Load() == 0
}

// WaitForIdle blocks until IsIdle transiently holds. The caller is
// responsible for having already stopped new admissions; WaitForIdle itself
// applies no such gate and will wedge forever if admissions are not halted
// elsewhere.
func (l *Limiter) WaitForIdle(ctx context.Context) error {
	if l.IsIdle() {
		return nil
	}

	interval := idlePollInitialInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if l.IsIdle() {
				return nil
			}
			interval *= 2
			if interval > idlePollMaxInterval {
				interval = idlePollMaxInterval
			}
			timer.Reset(interval)
		}
	}
}
