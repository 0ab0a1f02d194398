package testutil

import (
	"sync"
	"time"
)

// FakeClock is a manually advanced wall clock for tests.
//
// Thread-safety: all methods are safe for concurrent use.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// Epoch is the default start time of a FakeClock.
var Epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// NewFakeClock creates a clock frozen at start. A zero start uses Epoch.
func NewFakeClock(start time.Time) *FakeClock {
	if start.IsZero() {
		start = Epoch
	}
	return &FakeClock{now: start.UTC()}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *FakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Set moves the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

// TickingClock advances by step on every call to Now, for code paths that
// need strictly increasing timestamps.
type TickingClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewTickingClock creates a clock that starts at start and advances by step
// after each read.
func NewTickingClock(start time.Time, step time.Duration) *TickingClock {
	if start.IsZero() {
		start = Epoch
	}
	return &TickingClock{now: start.UTC(), step: step}
}

// Now returns the current time and then advances.
func (c *TickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}
