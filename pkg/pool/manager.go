package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// ErrUnavailable is returned by DBAsync after the retry budget is exhausted.
var ErrUnavailable = errors.New("pool unavailable")

// Config wires a Manager.
type Config struct {
	DatabaseURL string

	// SchemaName maps a tenant id to its schema. Required.
	SchemaName func(tenantID string) string

	MaxPools int
	PoolTTL  time.Duration

	Open  OpenOptions
	Retry Policy
	Hooks Hooks

	// ProbeTimeout bounds each liveness probe in DBAsync and HealthCheck.
	ProbeTimeout time.Duration

	Logger zerolog.Logger

	// open and probe are injection points for tests.
	open  OpenFunc
	probe func(ctx context.Context, p *pgxpool.Pool) error
}

const (
	defaultMaxPools     = 50
	defaultProbeTimeout = 2 * time.Second
)

// probeResult is a coalesced in-flight liveness probe.
type probeResult struct {
	done chan struct{}
	pool *pgxpool.Pool
	err  error
}

// Manager is the public surface over the pool cache: lazy synchronous access,
// validated asynchronous access with request coalescing, warmup, health
// probing and the shared (public schema) pool.
type Manager struct {
	cfg    Config
	cache  *Cache
	logger zerolog.Logger

	probe func(ctx context.Context, p *pgxpool.Pool) error

	probeMu sync.Mutex
	probes  map[string]*probeResult

	sharedMu sync.Mutex
	shared   *pgxpool.Pool

	sweepStop chan struct{}
	sweepDone chan struct{}

	mu       sync.Mutex
	disposed bool
}

// NewManager validates cfg, builds the cache and starts the TTL sweeper.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.SchemaName == nil {
		return nil, errors.New("pool: SchemaName function is required")
	}
	if cfg.DatabaseURL == "" && cfg.open == nil {
		return nil, errors.New("pool: DatabaseURL is required")
	}
	if cfg.MaxPools <= 0 {
		cfg.MaxPools = defaultMaxPools
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultPolicy()
	}

	open := cfg.open
	if open == nil {
		open = func(ctx context.Context, schemaName string) (*pgxpool.Pool, error) {
			return OpenSchemaPool(ctx, cfg.DatabaseURL, schemaName, cfg.Open)
		}
	}
	probe := cfg.probe
	if probe == nil {
		probe = func(ctx context.Context, p *pgxpool.Pool) error {
			var one int
			return p.QueryRow(ctx, "SELECT 1").Scan(&one)
		}
	}

	m := &Manager{
		cfg:    cfg,
		cache:  NewCache(cfg.MaxPools, cfg.PoolTTL, cfg.SchemaName, open, cfg.Hooks, cfg.Logger),
		logger: cfg.Logger,
		probe:  probe,
		probes: make(map[string]*probeResult),
	}

	if cfg.PoolTTL > 0 {
		m.sweepStop = make(chan struct{})
		m.sweepDone = make(chan struct{})
		go m.sweepLoop(cfg.PoolTTL / 2)
	}
	return m, nil
}

func (m *Manager) sweepLoop(interval time.Duration) {
	defer close(m.sweepDone)
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			m.cache.Sweep(now)
		case <-m.sweepStop:
			return
		}
	}
}

// DB returns the tenant-bound pool, creating it on first access. It performs
// no liveness round-trip; hot-path callers should not pay probe latency.
func (m *Manager) DB(ctx context.Context, tenantID string) (*pgxpool.Pool, error) {
	return m.cache.GetOrCreate(ctx, tenantID)
}

// DBAsync returns the tenant-bound pool after a successful SELECT 1 probe,
// retrying transient failures per the retry policy. Concurrent calls for the
// same tenant coalesce onto a single probe.
func (m *Manager) DBAsync(ctx context.Context, tenantID string) (*pgxpool.Pool, error) {
	m.probeMu.Lock()
	if pr, ok := m.probes[tenantID]; ok {
		m.probeMu.Unlock()
		select {
		case <-pr.done:
			return pr.pool, pr.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	pr := &probeResult{done: make(chan struct{})}
	m.probes[tenantID] = pr
	m.probeMu.Unlock()

	pr.pool, pr.err = m.probedPool(ctx, tenantID)

	m.probeMu.Lock()
	delete(m.probes, tenantID)
	m.probeMu.Unlock()
	close(pr.done)

	return pr.pool, pr.err
}

func (m *Manager) probedPool(ctx context.Context, tenantID string) (*pgxpool.Pool, error) {
	pool, err := m.cache.GetOrCreate(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	err = m.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		defer cancel()
		return m.probe(probeCtx, pool)
	})
	if err != nil {
		m.cfg.Hooks.fireError(tenantID, err)
		return nil, fmt.Errorf("%w: tenant %s: %v", ErrUnavailable, tenantID, err)
	}
	return pool, nil
}

// SharedDB returns the pool bound to the public schema. The shared pool is a
// single entry outside the LRU cache; it never competes with tenant pools.
func (m *Manager) SharedDB(ctx context.Context) (*pgxpool.Pool, error) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil, ErrDisposed
	}
	m.mu.Unlock()

	m.sharedMu.Lock()
	defer m.sharedMu.Unlock()
	if m.shared != nil {
		return m.shared, nil
	}
	pool, err := OpenSchemaPool(ctx, m.cfg.DatabaseURL, "public", m.cfg.Open)
	if err != nil {
		return nil, err
	}
	m.shared = pool
	return pool, nil
}

// SharedDBAsync is SharedDB plus a retried liveness probe.
func (m *Manager) SharedDBAsync(ctx context.Context) (*pgxpool.Pool, error) {
	pool, err := m.SharedDB(ctx)
	if err != nil {
		return nil, err
	}
	err = m.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		defer cancel()
		return m.probe(probeCtx, pool)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: shared: %v", ErrUnavailable, err)
	}
	return pool, nil
}

// WarmupResult reports one tenant's warmup outcome.
type WarmupResult struct {
	TenantID    string        `json:"tenantId"`
	OK          bool          `json:"ok"`
	AlreadyWarm bool          `json:"alreadyWarm,omitempty"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

// WarmupOptions tunes Warmup.
type WarmupOptions struct {
	Concurrency int
}

// Warmup establishes pools for the given tenants in parallel. Re-warming an
// already cached pool is a no-op flagged AlreadyWarm.
func (m *Manager) Warmup(ctx context.Context, tenantIDs []string, opts WarmupOptions) []WarmupResult {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}

	warm := make(map[string]bool, len(tenantIDs))
	for _, id := range m.cache.ActiveIDs() {
		warm[id] = true
	}

	results := make([]WarmupResult, len(tenantIDs))
	var wg sync.WaitGroup
	sem := make(chan struct{}, concurrency)

	for i, id := range tenantIDs {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, tenantID string) {
			defer wg.Done()
			defer func() { <-sem }()

			start := time.Now()
			r := WarmupResult{TenantID: tenantID}
			if warm[tenantID] {
				r.OK = true
				r.AlreadyWarm = true
			} else if _, err := m.DBAsync(ctx, tenantID); err != nil {
				r.Error = err.Error()
			} else {
				r.OK = true
			}
			r.Duration = time.Since(start)
			results[idx] = r
		}(i, id)
	}
	wg.Wait()

	m.logger.Info().Int("tenants", len(tenantIDs)).Msg("pool warmup finished")
	return results
}

// Evict removes and closes the cached pool for tenantID.
func (m *Manager) Evict(tenantID string) { m.cache.Evict(tenantID) }

// Count returns the number of cached tenant pools.
func (m *Manager) Count() int { return m.cache.Len() }

// ActiveIDs returns the cached tenant ids, most recently used first.
func (m *Manager) ActiveIDs() []string { return m.cache.ActiveIDs() }

// Dispose stops the TTL sweeper and closes every cached pool plus the shared
// pool. The manager is unusable afterwards.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	m.mu.Unlock()

	if m.sweepStop != nil {
		close(m.sweepStop)
		<-m.sweepDone
	}
	m.cache.Dispose()

	m.sharedMu.Lock()
	if m.shared != nil {
		m.shared.Close()
		m.shared = nil
	}
	m.sharedMu.Unlock()
}
