// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"sync"
	"time"
)

// Clock hands out LastModified timestamps.
type Clock interface {
	Now() int64
}

// HybridClock is wall-clock milliseconds forced to be strictly increasing,
// so two local writes never share a timestamp even on a coarse clock.
type HybridClock struct {
	mu   sync.Mutex
	last int64
	wall func() time.Time
}

// NewHybridClock returns a clock backed by time.Now.
func NewHybridClock() *HybridClock {
	return &HybridClock{wall: time.Now}
}

// Now returns max(wall, last+1).
func (c *HybridClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.wall().UnixMilli()
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}

// Observe moves the clock past a timestamp seen on a remote record.
func (c *HybridClock) Observe(ts int64) {
	c.mu.Lock()
	if ts > c.last {
		c.last = ts
	}
	c.mu.Unlock()
}
