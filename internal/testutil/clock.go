package testutil

import (
	"sync"
	"time"
)

// Epoch is the default instant of a FixedClock: 2025-01-15T12:00:00Z.
var Epoch = time.Date(2025, time.January, 15, 12, 0, 0, 0, time.UTC)

// FixedClock is a manually advanced wall clock for tests.
//
// Now returns the same instant until Advance or Set is called, so outbound
// timestamps are stable across runs and golden files stay byte-identical.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixedClock creates a clock frozen at t. A zero t means Epoch.
func NewFixedClock(t time.Time) *FixedClock {
	if t.IsZero() {
		t = Epoch
	}
	return &FixedClock{now: t}
}

// Now returns the current frozen instant.
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new instant.
func (c *FixedClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Set moves the clock to t.
func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
