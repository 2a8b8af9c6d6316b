package commandqueue

import (
	"context"
	"sync"
	"time"
)

type dedupEntry struct {
	result    taskResult
	timestamp time.Time
}

// dedupCache keeps results of finished dedup-keyed tasks for a TTL.
type dedupCache struct {
	mu      sync.RWMutex
	entries map[string]*dedupEntry
	ttl     time.Duration
	cancel  context.CancelFunc
	done    chan struct{}
}

func newDedupCache(ctx context.Context, ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(ctx)
	cache := &dedupCache{
		entries: make(map[string]*dedupEntry),
		ttl:     ttl,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go cache.cleanup(ctx)
	return cache
}

// Stop ends the cleanup goroutine and waits for it.
func (dc *dedupCache) Stop() {
	dc.cancel()
	<-dc.done
}

// Get retrieves a cached result if it exists and is not expired
func (dc *dedupCache) Get(key string) (taskResult, bool) {
	dc.mu.RLock()
	defer dc.mu.RUnlock()

	entry, ok := dc.entries[key]
	if !ok || time.Since(entry.timestamp) > dc.ttl {
		return taskResult{}, false
	}
	return entry.result, true
}

// Set stores a result in the cache
func (dc *dedupCache) Set(key string, result taskResult) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.entries[key] = &dedupEntry{result: result, timestamp: time.Now()}
}

func (dc *dedupCache) cleanup(ctx context.Context) {
	defer close(dc.done)

	interval := time.Minute
	if dc.ttl < interval {
		interval = dc.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dc.evictExpired()
		}
	}
}

func (dc *dedupCache) evictExpired() {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	now := time.Now()
	for key, entry := range dc.entries {
		if now.Sub(entry.timestamp) > dc.ttl {
			delete(dc.entries, key)
		}
	}
}

// Size returns the number of entries in the cache
func (dc *dedupCache) Size() int {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return len(dc.entries)
}
