package ledger

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/medchain-labs/custodia/pkg/metrics"
)

// evalCache holds evaluate results for a short TTL with single-flight
// coalescing: one upstream call per key, concurrent callers share the
// in-flight result. Keys are namespaced by channel so two sessions on
// different channels never share entries.
type evalCache struct {
	ttl    time.Duration
	flight singleflight.Group

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	data    []byte
	expires time.Time
}

func newEvalCache(ttl time.Duration) *evalCache {
	return &evalCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func cacheKey(channel, function string, args []string) string {
	parts := append([]string{channel, function}, args...)
	return strings.Join(parts, "\x00")
}

// do returns the cached value for key if fresh, otherwise calls fn
// exactly once across all concurrent callers and caches the result.
func (c *evalCache) do(ctx context.Context, key string, fn func() ([]byte, error)) ([]byte, error) {
	c.mu.Lock()
	if entry, ok := c.entries[key]; ok && time.Now().Before(entry.expires) {
		c.mu.Unlock()
		metrics.LedgerCacheHits.Inc()
		return entry.data, nil
	}
	c.mu.Unlock()

	ch := c.flight.DoChan(key, func() (any, error) {
		data, err := fn()
		if err != nil {
			return nil, err
		}
		c.purge()
		c.mu.Lock()
		c.entries[key] = cacheEntry{data: data, expires: time.Now().Add(c.ttl)}
		c.mu.Unlock()
		return data, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			metrics.LedgerCacheHits.Inc()
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// invalidate drops every entry whose key contains the fragment. Used by
// the event consumer to evict stale access decisions.
func (c *evalCache) invalidate(fragment string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.Contains(key, fragment) {
			delete(c.entries, key)
		}
	}
}

// purge drops expired entries. Runs on every insert so the map never
// accumulates dead keys between invalidations.
func (c *evalCache) purge() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, key)
		}
	}
}
