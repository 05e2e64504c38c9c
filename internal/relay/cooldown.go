package relay

import (
	"sync"
	"time"
)

// cooldown throttles how often each requester may send. Admins never go
// through it. State is in memory only; a restart simply resets the
// clocks.
type cooldown struct {
	mu   sync.Mutex
	last map[int64]time.Time
}

func newCooldown() *cooldown {
	return &cooldown{last: make(map[int64]time.Time)}
}

// check admits the sender when at least interval passed since their
// last admitted message, recording now on admission. On rejection it
// returns the remaining wait.
func (c *cooldown) check(id int64, interval time.Duration, now time.Time) (time.Duration, bool) {
	if interval <= 0 {
		return 0, true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.last[id]; ok {
		if wait := interval - now.Sub(prev); wait > 0 {
			return wait, false
		}
	}
	c.last[id] = now
	return 0, true
}

// forget drops a requester's clock, used when their thread is purged.
func (c *cooldown) forget(id int64) {
	c.mu.Lock()
	delete(c.last, id)
	c.mu.Unlock()
}
