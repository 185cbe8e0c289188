package common

import (
	"log"
	"sync"
	"time"
)

// ClockSkew tracks the offset between the venue clock and the local clock.
// Venues that reject stale signatures report their own time; Observe feeds
// those readings back so signed timestamps stay inside the venue's window.
type ClockSkew struct {
	mu       sync.RWMutex
	offset   time.Duration // server - local
	lastSync time.Time
}

// NewClockSkew creates a tracker with zero offset.
func NewClockSkew() *ClockSkew {
	return &ClockSkew{}
}

// Observe records a server timestamp seen in a response. sent and received
// bracket the request so half the round trip is attributed to each leg.
func (c *ClockSkew) Observe(server, sent, received time.Time) {
	if server.IsZero() {
		return
	}
	local := sent.Add(received.Sub(sent) / 2)
	offset := server.Sub(local)

	c.mu.Lock()
	prev := c.offset
	c.offset = offset
	c.lastSync = received
	c.mu.Unlock()

	if d := offset - prev; d > time.Second || d < -time.Second {
		log.Printf("clock skew: offset=%s (was %s)", offset, prev)
	}
}

// Now returns the local time adjusted to the venue clock.
func (c *ClockSkew) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Now().Add(c.offset)
}

// Offset returns the current offset.
func (c *ClockSkew) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}
