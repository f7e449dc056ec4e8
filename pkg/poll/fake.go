package poll

import (
	"sync"
	"time"
)

// FakeClock is a deterministic Clock for tests.
//
// Sleep advances the clock by the requested duration without blocking. Step,
// when nonzero, is added on every call to Now so busy-wait loops with a zero
// poll interval still reach their deadline.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	Step   time.Duration
	sleeps []time.Duration

	// OnSleep, if set, is called after each Sleep with the new time.
	OnSleep func(now time.Duration)
}

// NewFakeClock returns a FakeClock at time zero that advances by step on
// every call to Now.
func NewFakeClock(step time.Duration) *FakeClock {
	return &FakeClock{Step: step}
}

// Now returns the current fake time, then advances it by Step.
func (c *FakeClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now += c.Step
	return now
}

// Sleep advances the fake time by d.
func (c *FakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	if d > 0 {
		c.now += d
	}
	c.sleeps = append(c.sleeps, d)
	now, hook := c.now, c.OnSleep
	c.mu.Unlock()
	if hook != nil {
		hook(now)
	}
}

// Advance moves the fake time forward by d without recording a sleep.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
}

// Elapsed returns the current fake time without advancing it.
func (c *FakeClock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleeps returns a copy of every duration passed to Sleep.
func (c *FakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}
