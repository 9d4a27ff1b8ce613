package document

import (
	"sync"
	"time"
)

// Clock issues unix-millisecond timestamps that never regress, even when the
// wall clock steps backwards (terminal clocks drift and get corrected by NTP
// mid-shift). last_updated and change-set timestamps all come from here.
type Clock struct {
	mu   sync.Mutex
	last int64
}

func NewClock() *Clock { return &Clock{} }

// Now returns max(wall, last+1).
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UnixMilli()
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}

// Observe advances the clock past a remotely-seen timestamp so local events
// always sort after everything the terminal has already merged.
func (c *Clock) Observe(ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts > c.last {
		c.last = ts
	}
}
