package channel

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultDedupTTL is how long a message id is remembered.
	DefaultDedupTTL = 5 * time.Minute
	// DefaultDedupCapacity bounds memory under redelivery storms. An id
	// evicted before its TTL is no longer suppressed, so the capacity should
	// cover the peak message rate times the TTL; 4096 holds about 13
	// messages per second over the default five minutes.
	DefaultDedupCapacity = 4096
)

// DedupCache is a time-bounded set of recently seen message ids.
// It is safe for concurrent use.
type DedupCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	cache *lru.Cache[string, time.Time]
	now   func() time.Time
}

// NewDedupCache creates a cache that suppresses repeated ids for ttl and
// remembers at most capacity of them.
func NewDedupCache(ttl time.Duration, capacity int) (*DedupCache, error) {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	cache, err := lru.New[string, time.Time](capacity)
	if err != nil {
		return nil, fmt.Errorf("dedup cache init: %w", err)
	}
	return &DedupCache{ttl: ttl, cache: cache, now: time.Now}, nil
}

// ShouldProcess purges expired entries, then records messageID and reports
// whether it was absent. Empty ids are always processed.
func (d *DedupCache) ShouldProcess(messageID string) bool {
	if messageID == "" {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.purgeLocked(now)
	if _, ok := d.cache.Peek(messageID); ok {
		return false
	}
	d.cache.Add(messageID, now)
	return true
}

// Len returns the number of remembered ids.
func (d *DedupCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.Len()
}

func (d *DedupCache) purgeLocked(now time.Time) {
	for _, key := range d.cache.Keys() {
		seen, ok := d.cache.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(seen) > d.ttl {
			d.cache.Remove(key)
		}
	}
}
