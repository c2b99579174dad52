// Package clock issues the logical timestamps that address every commit in
// the repository. Timestamps follow the wall clock in milliseconds, but two
// calls never return the same value: when the wall clock has not advanced
// since the previous issuance, the clock bumps forward by one millisecond
// instead of reusing it.
package clock

import (
	"sync"
	"time"
)

// Source hands out logical timestamps for commits.
type Source interface {
	// Issue returns a strictly increasing timestamp. Safe for concurrent use.
	Issue() int64
}

// Logical is the default Source backed by the system wall clock.
type Logical struct {
	mu   sync.Mutex
	last int64
	now  func() int64
}

// New creates a wall-clock backed Logical clock.
func New() *Logical {
	return &Logical{now: func() int64 { return time.Now().UnixMilli() }}
}

// NewAt creates a clock reading time from now. Used by tests to pin the wall
// clock.
func NewAt(now func() int64) *Logical {
	return &Logical{now: now}
}

// Issue implements Source.
func (c *Logical) Issue() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.now()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}
