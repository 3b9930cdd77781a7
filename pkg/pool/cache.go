// Package pool maintains a bounded cache of per-tenant PostgreSQL connection
// pools. Each cached pool is configured so that every connection runs with
// search_path set to the tenant's schema, so callers never have to qualify
// table names or issue SET statements themselves.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// ErrDisposed is returned by cache and manager operations after Dispose.
var ErrDisposed = errors.New("pool cache disposed")

// State describes the lifecycle of a cached pool entry.
type State string

const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateErrored      State = "errored"
	StateDisposed     State = "disposed"
)

// Hooks are optional lifecycle callbacks. They are called synchronously and
// must not re-enter the manager. A panic inside a hook is recovered and
// reported through OnPoolError.
type Hooks struct {
	OnPoolCreated func(tenantID string)
	OnPoolEvicted func(tenantID string)
	OnPoolError   func(tenantID string, err error)
}

func (h Hooks) fireError(tenantID string, err error) {
	if h.OnPoolError != nil {
		h.OnPoolError(tenantID, err)
	}
}

// entry is one cached tenant pool.
type entry struct {
	tenantID   string
	schemaName string
	pool       *pgxpool.Pool
	createdAt  time.Time
	lastAccess time.Time
	state      State
	elem       *list.Element

	// ready is closed once the pool has been constructed (or construction
	// failed); err holds the construction error if any.
	ready chan struct{}
	err   error
}

// OpenFunc constructs the underlying pool for a schema. Production code uses
// OpenSchemaPool; tests substitute a stub.
type OpenFunc func(ctx context.Context, schemaName string) (*pgxpool.Pool, error)

// Cache is a bounded, LRU-evicted map of tenant id to live connection pool.
// All map and LRU bookkeeping happens under a single mutex whose critical
// sections contain no I/O; pool construction and pool close both run outside
// the lock.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	lru      *list.List // front = most recently used
	disposed bool

	maxPools   int
	ttl        time.Duration
	schemaName func(tenantID string) string
	open       OpenFunc
	hooks      Hooks
	logger     zerolog.Logger
}

// NewCache creates a cache holding at most maxPools entries. Entries idle for
// longer than ttl are removed by Sweep; a ttl of zero disables the sweep.
func NewCache(maxPools int, ttl time.Duration, schemaName func(string) string, open OpenFunc, hooks Hooks, logger zerolog.Logger) *Cache {
	return &Cache{
		entries:    make(map[string]*entry),
		lru:        list.New(),
		maxPools:   maxPools,
		ttl:        ttl,
		schemaName: schemaName,
		open:       open,
		hooks:      hooks,
		logger:     logger,
	}
}

// GetOrCreate returns the cached pool for tenantID, creating it on first
// access. A cache hit moves the entry to the MRU position. When the cache is
// full the least recently used entry is evicted and its pool closed on a
// separate goroutine.
func (c *Cache) GetOrCreate(ctx context.Context, tenantID string) (*pgxpool.Pool, error) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil, ErrDisposed
	}

	if e, ok := c.entries[tenantID]; ok {
		e.lastAccess = time.Now()
		c.lru.MoveToFront(e.elem)
		c.mu.Unlock()
		return c.awaitReady(ctx, e)
	}

	// Make room before inserting.
	if len(c.entries) >= c.maxPools {
		if victim := c.lru.Back(); victim != nil {
			c.removeLocked(victim.Value.(*entry), true)
		}
	}

	e := &entry{
		tenantID:   tenantID,
		schemaName: c.schemaName(tenantID),
		createdAt:  time.Now(),
		lastAccess: time.Now(),
		state:      StateInitializing,
		ready:      make(chan struct{}),
	}
	e.elem = c.lru.PushFront(e)
	c.entries[tenantID] = e
	c.mu.Unlock()

	if c.hooks.OnPoolCreated != nil {
		c.hooks.OnPoolCreated(tenantID)
	}

	pool, err := c.open(ctx, e.schemaName)

	c.mu.Lock()
	cur, present := c.entries[tenantID]
	stale := c.disposed || !present || cur != e
	switch {
	case err != nil:
		e.state = StateErrored
		e.err = fmt.Errorf("create pool for tenant %s: %w", tenantID, err)
		// A failed entry must not shadow future attempts.
		if present && cur == e {
			c.lru.Remove(e.elem)
			delete(c.entries, tenantID)
		}
	case stale:
		// The entry was evicted or the cache disposed while the open was in
		// flight. Nothing references the new pool, so it must be closed here
		// rather than handed out untracked.
		e.state = StateDisposed
		if c.disposed {
			e.err = ErrDisposed
		} else {
			e.err = fmt.Errorf("pool for tenant %s evicted during creation", tenantID)
		}
	default:
		e.pool = pool
		e.state = StateReady
	}
	close(e.ready)
	c.mu.Unlock()

	if err != nil {
		c.hooks.fireError(tenantID, err)
		return nil, e.err
	}
	if stale {
		if pool != nil {
			pool.Close()
		}
		return nil, e.err
	}
	return pool, nil
}

// awaitReady blocks until a concurrently-initializing entry finishes.
func (c *Cache) awaitReady(ctx context.Context, e *entry) (*pgxpool.Pool, error) {
	select {
	case <-e.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.pool, nil
}

// Touch refreshes the last-access timestamp and MRU position of tenantID.
func (c *Cache) Touch(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[tenantID]; ok {
		e.lastAccess = time.Now()
		c.lru.MoveToFront(e.elem)
	}
}

// Evict removes and closes the pool for tenantID. It is a no-op when the
// tenant has no cached pool.
func (c *Cache) Evict(tenantID string) {
	c.mu.Lock()
	e, ok := c.entries[tenantID]
	if ok {
		c.removeLocked(e, true)
	}
	c.mu.Unlock()
}

// Sweep evicts every entry idle longer than the cache TTL. Called on a
// periodic tick by the manager.
func (c *Cache) Sweep(now time.Time) int {
	if c.ttl <= 0 {
		return 0
	}
	c.mu.Lock()
	var stale []*entry
	for _, e := range c.entries {
		if now.Sub(e.lastAccess) > c.ttl {
			stale = append(stale, e)
		}
	}
	for _, e := range stale {
		c.removeLocked(e, true)
	}
	c.mu.Unlock()

	if len(stale) > 0 {
		c.logger.Debug().Int("evicted", len(stale)).Msg("pool cache sweep")
	}
	return len(stale)
}

// Dispose evicts everything. Subsequent GetOrCreate calls fail with
// ErrDisposed.
func (c *Cache) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	var all []*entry
	for _, e := range c.entries {
		all = append(all, e)
	}
	for _, e := range all {
		c.removeLocked(e, true)
	}
	c.mu.Unlock()
}

// Len returns the number of cached pools.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// ActiveIDs returns the cached tenant ids, most recently used first.
func (c *Cache) ActiveIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.entries))
	for el := c.lru.Front(); el != nil; el = el.Next() {
		ids = append(ids, el.Value.(*entry).tenantID)
	}
	return ids
}

// removeLocked unlinks the entry and schedules its pool close. The close is
// fire-and-forget so eviction never blocks the caller; close errors are
// routed through OnPoolError. Caller holds c.mu.
func (c *Cache) removeLocked(e *entry, fireEvicted bool) {
	c.lru.Remove(e.elem)
	delete(c.entries, e.tenantID)
	e.state = StateDisposed

	pool := e.pool
	tenantID := e.tenantID
	go func() {
		if pool != nil {
			pool.Close()
		}
		if fireEvicted && c.hooks.OnPoolEvicted != nil {
			c.hooks.OnPoolEvicted(tenantID)
		}
	}()
}
