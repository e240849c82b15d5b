// Package testutils provides a fake chat service and deterministic helpers for tests.
package testutils

import (
	"fmt"
	"sync"
	"time"
)

// Clock is a manually advanced clock. The zero value starts at 2025-01-01T00:00:00Z.
type Clock struct {
	mu      sync.Mutex
	now     time.Time
	started bool
}

// NewClock returns a clock positioned at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start, started: true}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		c.now = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		c.started = true
	}
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	now := c.Now()
	c.mu.Lock()
	c.now = now.Add(d)
	c.mu.Unlock()
}

// IDSequence hands out deterministic ids with a prefix: s-1, s-2, ...
type IDSequence struct {
	mu     sync.Mutex
	prefix string
	next   uint64
}

// NewIDSequence creates a sequence producing ids with the given prefix.
func NewIDSequence(prefix string) *IDSequence {
	return &IDSequence{prefix: prefix}
}

// Next returns the next id.
func (s *IDSequence) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("%s-%d", s.prefix, s.next)
}
