package ledger

import (
	"context"
	"testing"
	"time"
)

func TestEvalCachePurgesExpiredOnInsert(t *testing.T) {
	c := newEvalCache(5 * time.Millisecond)
	ctx := context.Background()

	fetch := func(v string) func() ([]byte, error) {
		return func() ([]byte, error) { return []byte(v), nil }
	}

	if _, err := c.do(ctx, cacheKey("ch", "ReadRecord", []string{"r1"}), fetch("a")); err != nil {
		t.Fatalf("do() error = %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	// Inserting a fresh entry sweeps the expired one out of the map
	if _, err := c.do(ctx, cacheKey("ch", "ReadRecord", []string{"r2"}), fetch("b")); err != nil {
		t.Fatalf("do() error = %v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) != 1 {
		t.Errorf("cache holds %d entries after purge, want 1", len(c.entries))
	}
	if _, ok := c.entries[cacheKey("ch", "ReadRecord", []string{"r1"})]; ok {
		t.Error("expired entry survived the insert-time purge")
	}
}
