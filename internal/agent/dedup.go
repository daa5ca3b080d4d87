package agent

import (
	"sync"
	"time"
)

// Dedup prevents a redelivered escrow event from being paid more than once
// within a configurable time-to-live window. It is safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // eventID -> last seen time
	ttl  time.Duration
	mu   sync.Mutex
}

// NewDedup creates a Dedup instance that considers an event a duplicate if it
// has been seen within the given ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// IsDuplicate returns true if the eventID has been seen within the TTL
// window. If the event has not been seen (or has expired), it is recorded and
// false is returned.
func (d *Dedup) IsDuplicate(eventID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if lastSeen, ok := d.seen[eventID]; ok {
		if now.Sub(lastSeen) < d.ttl {
			return true
		}
	}

	d.seen[eventID] = now
	return false
}

// Cleanup removes entries that have expired beyond the TTL. Called
// periodically from the agent loop to bound memory.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for id, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, id)
		}
	}
}
