// ABOUTME: Manually advanced clock for deterministic tick-driven tests.
// ABOUTME: Pair with WithClock and Manager.Tick to step time explicitly.

package tick

import (
	"context"
	"sync"
	"time"
)

// ManualClock is a clock that only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a clock starting at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// NewManual returns a Manager driven by a fresh ManualClock.
func NewManual(opts ...Option) (*Manager, *ManualClock) {
	clock := NewManualClock(time.Unix(1_700_000_000, 0))
	opts = append(opts, WithClock(clock.Now))
	return New(opts...), clock
}

// Step advances clock by d and runs one pulse of m.
func Step(m *Manager, clock *ManualClock, d time.Duration) {
	clock.Advance(d)
	m.Tick(context.Background())
}
