package channel

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestDedup(t *testing.T, ttl time.Duration, clock *time.Time) *DedupCache {
	t.Helper()
	cache, err := NewDedupCache(ttl, 0)
	if err != nil {
		t.Fatalf("new dedup cache: %v", err)
	}
	cache.now = func() time.Time { return *clock }
	return cache
}

func TestDedupCacheSuppressesWithinTTL(t *testing.T) {
	t.Parallel()

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := newTestDedup(t, 5*time.Minute, &clock)

	if !cache.ShouldProcess("m1") {
		t.Fatal("first sighting should be processed")
	}
	clock = clock.Add(4 * time.Minute)
	if cache.ShouldProcess("m1") {
		t.Fatal("repeat within ttl should be dropped")
	}
	clock = clock.Add(2 * time.Minute)
	if !cache.ShouldProcess("m1") {
		t.Fatal("repeat after ttl should be processed again")
	}
}

func TestDedupCachePurgesExpired(t *testing.T) {
	t.Parallel()

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := newTestDedup(t, time.Minute, &clock)
	for i := 0; i < 10; i++ {
		cache.ShouldProcess(fmt.Sprintf("m%d", i))
	}
	clock = clock.Add(2 * time.Minute)
	cache.ShouldProcess("fresh")
	if got := cache.Len(); got != 1 {
		t.Fatalf("expected expired entries purged, len=%d", got)
	}
}

func TestDedupCacheEmptyIDAlwaysProcessed(t *testing.T) {
	t.Parallel()

	clock := time.Now()
	cache := newTestDedup(t, time.Minute, &clock)
	if !cache.ShouldProcess("") || !cache.ShouldProcess("") {
		t.Fatal("empty id should never be deduplicated")
	}
}

func TestDedupCacheConcurrentBurst(t *testing.T) {
	t.Parallel()

	cache, err := NewDedupCache(time.Minute, 0)
	if err != nil {
		t.Fatalf("new dedup cache: %v", err)
	}
	var processed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cache.ShouldProcess("burst") {
				processed.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := processed.Load(); got != 1 {
		t.Fatalf("expected exactly one delivery, got %d", got)
	}
}

func TestDedupCacheCapacityBoundsMemory(t *testing.T) {
	t.Parallel()

	cache, err := NewDedupCache(time.Hour, 8)
	if err != nil {
		t.Fatalf("new dedup cache: %v", err)
	}
	for i := 0; i < 20; i++ {
		cache.ShouldProcess(fmt.Sprintf("m%d", i))
	}
	if got := cache.Len(); got != 8 {
		t.Fatalf("expected capacity to cap entries, len=%d", got)
	}
	if cache.ShouldProcess("m19") {
		t.Fatal("recent id should still be suppressed")
	}
	if !cache.ShouldProcess("m0") {
		t.Fatal("evicted id is processed again")
	}
}
