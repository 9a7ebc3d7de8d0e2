// Package clock abstracts time so that debounce windows, load timestamps and
// backup names can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock provides the time operations the host depends on.
type Clock interface {
	// Now returns the current time
	Now() time.Time

	// Since returns the time elapsed since t
	Since(t time.Time) time.Duration
}

// Real is the wall-clock implementation.
type Real struct{}

// NewReal returns a Clock backed by package time.
func NewReal() Clock {
	return Real{}
}

func (Real) Now() time.Time                  { return time.Now() }
func (Real) Since(t time.Time) time.Duration { return time.Since(t) }

// Mock is a manually advanced clock for tests.
type Mock struct {
	mu      sync.Mutex
	current time.Time
}

// NewMock creates a Mock starting at start.
func NewMock(start time.Time) *Mock {
	return &Mock{current: start}
}

// Now returns the mock time.
func (c *Mock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Since returns the elapsed mock time since t.
func (c *Mock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Advance moves the clock forward.
func (c *Mock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

