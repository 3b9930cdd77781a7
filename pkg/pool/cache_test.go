package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

func testSchemaName(id string) string { return "tenant_" + id }

// stubOpen returns a nil pgx pool without touching the network. The cache
// never dereferences the pool itself, so nil is safe in tests.
func stubOpen(ctx context.Context, schemaName string) (*pgxpool.Pool, error) {
	return nil, nil
}

func newTestCache(maxPools int, ttl time.Duration, hooks Hooks) *Cache {
	return NewCache(maxPools, ttl, testSchemaName, stubOpen, hooks, zerolog.Nop())
}

func TestCacheGetOrCreate_Caches(t *testing.T) {
	opened := 0
	c := NewCache(10, 0, testSchemaName, func(ctx context.Context, schema string) (*pgxpool.Pool, error) {
		opened++
		if schema != "tenant_a" {
			t.Errorf("expected schema tenant_a, got %s", schema)
		}
		return nil, nil
	}, Hooks{}, zerolog.Nop())

	ctx := context.Background()
	if _, err := c.GetOrCreate(ctx, "a"); err != nil {
		t.Fatalf("GetOrCreate() error: %v", err)
	}
	if _, err := c.GetOrCreate(ctx, "a"); err != nil {
		t.Fatalf("GetOrCreate() second call error: %v", err)
	}

	if opened != 1 {
		t.Errorf("expected 1 pool open, got %d", opened)
	}
	if c.Len() != 1 {
		t.Errorf("expected cache size 1, got %d", c.Len())
	}
}

func TestCacheLRUEviction(t *testing.T) {
	evicted := make(chan string, 4)
	c := newTestCache(2, 0, Hooks{
		OnPoolEvicted: func(id string) { evicted <- id },
	})

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if _, err := c.GetOrCreate(ctx, id); err != nil {
			t.Fatalf("GetOrCreate(%s) error: %v", id, err)
		}
	}

	if c.Len() != 2 {
		t.Fatalf("expected cache size 2, got %d", c.Len())
	}

	ids := c.ActiveIDs()
	if len(ids) != 2 || ids[0] != "c" || ids[1] != "b" {
		t.Errorf("expected active ids [c b], got %v", ids)
	}

	select {
	case id := <-evicted:
		if id != "a" {
			t.Errorf("expected eviction of a, got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnPoolEvicted never fired")
	}
	select {
	case id := <-evicted:
		t.Errorf("unexpected second eviction: %s", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCacheTouchMovesToMRU(t *testing.T) {
	c := newTestCache(2, 0, Hooks{})
	ctx := context.Background()

	c.GetOrCreate(ctx, "a")
	c.GetOrCreate(ctx, "b")
	c.Touch("a") // a becomes MRU, b becomes eviction candidate
	c.GetOrCreate(ctx, "c")

	ids := c.ActiveIDs()
	if len(ids) != 2 || ids[0] != "c" || ids[1] != "a" {
		t.Errorf("expected active ids [c a], got %v", ids)
	}
}

func TestCacheEvictAbsentIsNoop(t *testing.T) {
	c := newTestCache(2, 0, Hooks{})
	c.Evict("ghost")
	if c.Len() != 0 {
		t.Errorf("expected empty cache, got %d", c.Len())
	}
}

func TestCacheSweep(t *testing.T) {
	c := newTestCache(10, 10*time.Millisecond, Hooks{})
	ctx := context.Background()

	c.GetOrCreate(ctx, "a")
	c.GetOrCreate(ctx, "b")

	if n := c.Sweep(time.Now()); n != 0 {
		t.Errorf("expected 0 fresh evictions, got %d", n)
	}
	if n := c.Sweep(time.Now().Add(time.Second)); n != 2 {
		t.Errorf("expected 2 stale evictions, got %d", n)
	}
	if c.Len() != 0 {
		t.Errorf("expected empty cache after sweep, got %d", c.Len())
	}
}

func TestCacheDispose(t *testing.T) {
	c := newTestCache(10, 0, Hooks{})
	ctx := context.Background()

	c.GetOrCreate(ctx, "a")
	c.Dispose()

	if c.Len() != 0 {
		t.Errorf("expected empty cache after dispose, got %d", c.Len())
	}
	if _, err := c.GetOrCreate(ctx, "a"); !errors.Is(err, ErrDisposed) {
		t.Errorf("expected ErrDisposed, got %v", err)
	}
}

func TestCacheOpenFailureNotCached(t *testing.T) {
	fail := true
	c := NewCache(10, 0, testSchemaName, func(ctx context.Context, schema string) (*pgxpool.Pool, error) {
		if fail {
			return nil, errors.New("boom")
		}
		return nil, nil
	}, Hooks{}, zerolog.Nop())

	ctx := context.Background()
	if _, err := c.GetOrCreate(ctx, "a"); err == nil {
		t.Fatal("expected error from failing open")
	}
	if c.Len() != 0 {
		t.Fatalf("failed entry must not stay cached, size=%d", c.Len())
	}

	fail = false
	if _, err := c.GetOrCreate(ctx, "a"); err != nil {
		t.Fatalf("expected recovery after open failure, got %v", err)
	}
}

// waitForEntry polls until the cache holds an entry for id, so a test can
// race an eviction against an open still in flight.
func waitForEntry(t *testing.T, c *Cache, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		_, ok := c.entries[id]
		c.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("entry never inserted")
}

func TestCacheEvictDuringOpen(t *testing.T) {
	block := make(chan struct{})
	c := NewCache(10, 0, testSchemaName, func(ctx context.Context, schema string) (*pgxpool.Pool, error) {
		<-block
		return nil, nil
	}, Hooks{}, zerolog.Nop())

	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		_, err := c.GetOrCreate(ctx, "a")
		done <- err
	}()

	waitForEntry(t, c, "a")
	c.Evict("a")
	close(block)

	if err := <-done; err == nil {
		t.Fatal("expected error when the entry is evicted mid-open")
	}
	if c.Len() != 0 {
		t.Errorf("expected empty cache, got %d", c.Len())
	}
}

func TestCacheDisposeDuringOpen(t *testing.T) {
	block := make(chan struct{})
	c := NewCache(10, 0, testSchemaName, func(ctx context.Context, schema string) (*pgxpool.Pool, error) {
		<-block
		return nil, nil
	}, Hooks{}, zerolog.Nop())

	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		_, err := c.GetOrCreate(ctx, "a")
		done <- err
	}()

	waitForEntry(t, c, "a")
	c.Dispose()
	close(block)

	if err := <-done; !errors.Is(err, ErrDisposed) {
		t.Fatalf("expected ErrDisposed, got %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("expected empty cache, got %d", c.Len())
	}
}

func TestCacheBounded(t *testing.T) {
	c := newTestCache(3, 0, Hooks{})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d", "e", "a", "f", "b"} {
		c.GetOrCreate(ctx, id)
		if c.Len() > 3 {
			t.Fatalf("cache size %d exceeds maxPools 3", c.Len())
		}
	}
}
