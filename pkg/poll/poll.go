package poll

import (
	"context"
	"sync"
	"time"

	"github.com/ardnew/softxhci/pkg"
)

// Clock is the monotonic time source used for every bounded wait.
//
// Now returns elapsed time since an arbitrary fixed origin; it never
// decreases. Sleep blocks (or busy-waits) for at least d.
type Clock interface {
	Now() time.Duration
	Sleep(d time.Duration)
}

// SystemClock is a Clock backed by the Go runtime's monotonic clock.
type SystemClock struct {
	once   sync.Once
	origin time.Time
}

// Now returns the time elapsed since the first call.
func (c *SystemClock) Now() time.Duration {
	c.once.Do(func() { c.origin = time.Now() })
	return time.Since(c.origin)
}

// Sleep pauses the calling goroutine for d.
func (c *SystemClock) Sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

// Until evaluates cond until it returns true or timeout elapses.
//
// Each iteration samples the clock before evaluating cond, so cond is always
// evaluated at least once and once more after the deadline has passed before
// [pkg.ErrTimeout] is returned. A positive interval sleeps between
// iterations; zero busy-waits.
func Until(clock Clock, timeout, interval time.Duration, cond func() bool) error {
	deadline := clock.Now() + timeout
	for {
		now := clock.Now()
		if cond() {
			return nil
		}
		if now > deadline {
			return pkg.ErrTimeout
		}
		if interval > 0 {
			clock.Sleep(interval)
		}
	}
}

// UntilContext is Until that also stops when ctx is done, returning
// ctx.Err(). The context is checked after each evaluation of cond.
func UntilContext(ctx context.Context, clock Clock, timeout, interval time.Duration, cond func() bool) error {
	var cancelled bool
	err := Until(clock, timeout, interval, func() bool {
		if cond() {
			return true
		}
		if ctx.Err() != nil {
			cancelled = true
			return true
		}
		return false
	})
	if cancelled {
		return ctx.Err()
	}
	return err
}
