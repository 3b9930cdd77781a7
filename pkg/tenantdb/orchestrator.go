package tenantdb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tenantkit/tenantkit/pkg/clone"
	"github.com/tenantkit/tenantkit/pkg/drift"
	"github.com/tenantkit/tenantkit/pkg/migrate"
	"github.com/tenantkit/tenantkit/pkg/pool"
	"github.com/tenantkit/tenantkit/pkg/schema"
	"github.com/tenantkit/tenantkit/pkg/seed"
)

// Sentinel errors surfaced by lifecycle operations.
var (
	ErrDisposed     = errors.New("orchestrator disposed")
	ErrTenantExists = errors.New("tenant already exists")
	ErrNoDiscovery  = errors.New("no tenant discovery configured")
)

// Orchestrator owns every component and exposes the public operation surface.
// It is safe for concurrent use; Dispose tears everything down.
type Orchestrator struct {
	cfg Config

	root     *pgxpool.Pool
	schemas  *schema.Manager
	pools    *pool.Manager
	migrator *migrate.TenantMigrator
	shared   *migrate.SharedMigrator
	syncer   *migrate.Syncer
	detector *drift.Detector
	cloner   *clone.Cloner
	seeder   *seed.Seeder

	disposed atomic.Bool
}

// New validates cfg, opens the root pool and wires all components. The
// returned Orchestrator must be disposed when no longer needed.
func New(ctx context.Context, cfg Config) (*Orchestrator, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	root, err := pool.OpenSchemaPool(ctx, cfg.DatabaseURL, "public", cfg.PoolTuning)
	if err != nil {
		return nil, fmt.Errorf("open root pool: %w", err)
	}

	schemas := schema.NewManager(root, cfg.SchemaNameTemplate, cfg.Logger)

	pools, err := pool.NewManager(pool.Config{
		DatabaseURL: cfg.DatabaseURL,
		SchemaName:  cfg.SchemaNameTemplate,
		MaxPools:    cfg.MaxPools,
		PoolTTL:     cfg.PoolTTL,
		Open:        cfg.PoolTuning,
		Retry:       cfg.Retry,
		Hooks:       cfg.PoolHooks,
		Logger:      cfg.Logger,
	})
	if err != nil {
		root.Close()
		return nil, err
	}

	// Executors open short-lived pools per operation, independent of the
	// long-lived cache.
	openPool := func(ctx context.Context, schemaName string) (*pgxpool.Pool, error) {
		return pool.OpenSchemaPool(ctx, cfg.DatabaseURL, schemaName, cfg.PoolTuning)
	}

	migrator := migrate.NewTenantMigrator(migrate.MigratorConfig{
		Schemas:       schemas,
		Loader:        migrate.NewLoader(cfg.MigrationsDir),
		OpenPool:      openPool,
		Table:         cfg.MigrationsTable,
		Format:        cfg.TableFormat,
		DefaultFormat: cfg.DefaultFormat,
		Hooks:         cfg.MigrationHooks,
		Logger:        cfg.Logger,
	})

	o := &Orchestrator{
		cfg:      cfg,
		root:     root,
		schemas:  schemas,
		pools:    pools,
		migrator: migrator,
		shared: migrate.NewSharedMigrator(migrate.SharedConfig{
			Loader:        migrate.NewLoader(cfg.SharedMigrationsDir),
			OpenPool:      openPool,
			Table:         cfg.SharedMigrationsTable,
			Format:        cfg.TableFormat,
			DefaultFormat: cfg.DefaultFormat,
			Logger:        cfg.Logger,
		}),
		syncer:   migrate.NewSyncer(migrator, cfg.Logger),
		detector: drift.NewDetector(schemas, drift.OpenPoolFunc(openPool), cfg.Logger),
		cloner:   clone.NewCloner(schemas, clone.OpenPoolFunc(openPool), cfg.Logger),
		seeder:   seed.NewSeeder(schemas, seed.OpenPoolFunc(openPool), cfg.Logger),
	}
	return o, nil
}

// Dispose stops the TTL sweeper, closes every cached tenant pool, the shared
// pool and finally the root pool. Idempotent.
func (o *Orchestrator) Dispose() {
	if o.disposed.Swap(true) {
		return
	}
	o.pools.Dispose()
	o.root.Close()
}

func (o *Orchestrator) guard() error {
	if o.disposed.Load() {
		return ErrDisposed
	}
	return nil
}

func (o *Orchestrator) discoverTenants(ctx context.Context) ([]string, error) {
	if err := o.guard(); err != nil {
		return nil, err
	}
	if o.cfg.DiscoverTenants == nil {
		return nil, ErrNoDiscovery
	}
	ids, err := o.cfg.DiscoverTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover tenants: %w", err)
	}
	return ids, nil
}

func (o *Orchestrator) batchOptions(opts migrate.BatchOptions) migrate.BatchOptions {
	if opts.Concurrency <= 0 {
		opts.Concurrency = o.cfg.Concurrency
	}
	return opts
}

// --- Pool API ---

// DB returns the tenant-bound pool without a liveness round-trip.
func (o *Orchestrator) DB(ctx context.Context, tenantID string) (*pgxpool.Pool, error) {
	return o.pools.DB(ctx, tenantID)
}

// DBAsync returns the tenant-bound pool after a retried SELECT 1 probe.
func (o *Orchestrator) DBAsync(ctx context.Context, tenantID string) (*pgxpool.Pool, error) {
	return o.pools.DBAsync(ctx, tenantID)
}

// SharedDB returns the public-schema pool.
func (o *Orchestrator) SharedDB(ctx context.Context) (*pgxpool.Pool, error) {
	return o.pools.SharedDB(ctx)
}

// SharedDBAsync is SharedDB plus a retried liveness probe.
func (o *Orchestrator) SharedDBAsync(ctx context.Context) (*pgxpool.Pool, error) {
	return o.pools.SharedDBAsync(ctx)
}

// Warmup establishes pools for the given tenants in parallel.
func (o *Orchestrator) Warmup(ctx context.Context, tenantIDs []string, opts pool.WarmupOptions) []pool.WarmupResult {
	return o.pools.Warmup(ctx, tenantIDs, opts)
}

// HealthCheck reports per-pool connection statistics and optional ping
// latency.
func (o *Orchestrator) HealthCheck(ctx context.Context, opts pool.HealthOptions) pool.HealthReport {
	return o.pools.HealthCheck(ctx, opts)
}

// Evict removes and closes the cached pool for tenantID.
func (o *Orchestrator) Evict(tenantID string) { o.pools.Evict(tenantID) }

// PoolCount returns the number of cached tenant pools.
func (o *Orchestrator) PoolCount() int { return o.pools.Count() }

// ActivePoolIDs returns cached tenant ids, most recently used first.
func (o *Orchestrator) ActivePoolIDs() []string { return o.pools.ActiveIDs() }

// --- Tenant lifecycle ---

// CreateTenantOptions controls CreateTenant. Migrations run by default.
type CreateTenantOptions struct {
	SkipMigrate bool
	DryRun      bool
}

// CreateTenant creates the tenant's schema and, unless skipped, migrates it.
// An existing schema is an error.
func (o *Orchestrator) CreateTenant(ctx context.Context, tenantID string, opts CreateTenantOptions) (migrate.TenantResult, error) {
	if err := o.guard(); err != nil {
		return migrate.TenantResult{TenantID: tenantID}, err
	}
	exists, err := o.schemas.SchemaExists(ctx, tenantID)
	if err != nil {
		return migrate.TenantResult{TenantID: tenantID}, err
	}
	if exists {
		return migrate.TenantResult{TenantID: tenantID},
			fmt.Errorf("%w: %s", ErrTenantExists, tenantID)
	}
	if err := o.schemas.CreateSchema(ctx, tenantID); err != nil {
		return migrate.TenantResult{TenantID: tenantID}, err
	}
	if opts.SkipMigrate {
		return migrate.TenantResult{
			TenantID: tenantID,
			Schema:   o.schemas.SchemaName(tenantID),
			Success:  true,
		}, nil
	}
	return o.migrator.MigrateTenant(ctx, tenantID, migrate.Options{DryRun: opts.DryRun}), nil
}

// DropTenantOptions controls DropTenant. Cascade is the default.
type DropTenantOptions struct {
	Restrict bool
}

// DropTenant evicts the tenant's cached pool and drops its schema.
func (o *Orchestrator) DropTenant(ctx context.Context, tenantID string, opts DropTenantOptions) error {
	if err := o.guard(); err != nil {
		return err
	}
	o.pools.Evict(tenantID)
	return o.schemas.DropSchema(ctx, tenantID, !opts.Restrict)
}

// TenantExists reports whether the tenant's schema is present.
func (o *Orchestrator) TenantExists(ctx context.Context, tenantID string) (bool, error) {
	if err := o.guard(); err != nil {
		return false, err
	}
	return o.schemas.SchemaExists(ctx, tenantID)
}

// CloneTenant copies sourceID's schema into a new schema for targetID.
func (o *Orchestrator) CloneTenant(ctx context.Context, sourceID, targetID string, opts clone.Options) clone.Result {
	return o.cloner.Clone(ctx, sourceID, targetID, opts)
}

// --- Migration ---

// MigrateTenant applies pending migrations to one tenant.
func (o *Orchestrator) MigrateTenant(ctx context.Context, tenantID string, opts migrate.Options) migrate.TenantResult {
	return o.migrator.MigrateTenant(ctx, tenantID, opts)
}

// MigrateTenants fans MigrateTenant across the given tenants.
func (o *Orchestrator) MigrateTenants(ctx context.Context, tenantIDs []string, opts migrate.Options, batch migrate.BatchOptions) migrate.BatchResult {
	return migrate.RunBatch(ctx, tenantIDs, o.batchOptions(batch), func(ctx context.Context, id string) migrate.TenantResult {
		return o.migrator.MigrateTenant(ctx, id, opts)
	})
}

// MigrateAll migrates every discovered tenant.
func (o *Orchestrator) MigrateAll(ctx context.Context, opts migrate.Options, batch migrate.BatchOptions) (migrate.BatchResult, error) {
	ids, err := o.discoverTenants(ctx)
	if err != nil {
		return migrate.BatchResult{}, err
	}
	return o.MigrateTenants(ctx, ids, opts, batch), nil
}

// MarkAsApplied records all pending migrations for one tenant without
// running SQL.
func (o *Orchestrator) MarkAsApplied(ctx context.Context, tenantID string) migrate.TenantResult {
	return o.migrator.MarkAsApplied(ctx, tenantID)
}

// MarkAllAsApplied records pending migrations for every discovered tenant.
func (o *Orchestrator) MarkAllAsApplied(ctx context.Context, batch migrate.BatchOptions) (migrate.BatchResult, error) {
	ids, err := o.discoverTenants(ctx)
	if err != nil {
		return migrate.BatchResult{}, err
	}
	return migrate.RunBatch(ctx, ids, o.batchOptions(batch), func(ctx context.Context, id string) migrate.TenantResult {
		return o.migrator.MarkAsApplied(ctx, id)
	}), nil
}

// TenantStatus reports one tenant's applied/pending state.
func (o *Orchestrator) TenantStatus(ctx context.Context, tenantID string) migrate.TenantStatus {
	return o.migrator.Status(ctx, tenantID)
}

// Status reports every discovered tenant's applied/pending state.
func (o *Orchestrator) Status(ctx context.Context) ([]migrate.TenantStatus, error) {
	ids, err := o.discoverTenants(ctx)
	if err != nil {
		return nil, err
	}
	statuses := make([]migrate.TenantStatus, len(ids))
	o.forEach(ctx, ids, func(ctx context.Context, idx int, id string) {
		statuses[idx] = o.migrator.Status(ctx, id)
	})
	return statuses, nil
}

// --- Shared migration ---

// MigrateShared applies pending shared migrations to the public schema.
func (o *Orchestrator) MigrateShared(ctx context.Context, opts migrate.Options) migrate.TenantResult {
	return o.shared.Migrate(ctx, opts)
}

// SharedStatus reports the public schema's applied/pending state.
func (o *Orchestrator) SharedStatus(ctx context.Context) migrate.TenantStatus {
	return o.shared.Status(ctx)
}

// MarkSharedAsApplied records pending shared migrations without running SQL.
func (o *Orchestrator) MarkSharedAsApplied(ctx context.Context) migrate.TenantResult {
	return o.shared.MarkAsApplied(ctx)
}

// SharedAndTenantsResult carries both halves of MigrateAllWithShared.
type SharedAndTenantsResult struct {
	Shared  migrate.TenantResult `json:"shared"`
	Tenants migrate.BatchResult  `json:"tenants"`
}

// MigrateAllWithShared migrates the shared schema first, then every tenant.
// A shared failure does not abort the tenant pass; both results are returned
// and the caller decides.
func (o *Orchestrator) MigrateAllWithShared(ctx context.Context, opts migrate.Options, batch migrate.BatchOptions) (SharedAndTenantsResult, error) {
	res := SharedAndTenantsResult{Shared: o.shared.Migrate(ctx, opts)}
	tenants, err := o.MigrateAll(ctx, opts, batch)
	if err != nil {
		return res, err
	}
	res.Tenants = tenants
	return res, nil
}

// --- Sync ---

// TenantSyncStatus reports disk/DB tracking divergence for one tenant.
func (o *Orchestrator) TenantSyncStatus(ctx context.Context, tenantID string) migrate.SyncReport {
	return o.syncer.TenantSyncStatus(ctx, tenantID)
}

// SyncStatus reports tracking divergence for every discovered tenant.
func (o *Orchestrator) SyncStatus(ctx context.Context) ([]migrate.SyncReport, error) {
	ids, err := o.discoverTenants(ctx)
	if err != nil {
		return nil, err
	}
	reports := make([]migrate.SyncReport, len(ids))
	o.forEach(ctx, ids, func(ctx context.Context, idx int, id string) {
		reports[idx] = o.syncer.TenantSyncStatus(ctx, id)
	})
	return reports, nil
}

// MarkMissing inserts bookkeeping rows for untracked disk migrations.
func (o *Orchestrator) MarkMissing(ctx context.Context, tenantID string) migrate.TenantResult {
	return o.syncer.MarkMissing(ctx, tenantID)
}

// MarkAllMissing runs MarkMissing for every discovered tenant.
func (o *Orchestrator) MarkAllMissing(ctx context.Context, batch migrate.BatchOptions) (migrate.BatchResult, error) {
	ids, err := o.discoverTenants(ctx)
	if err != nil {
		return migrate.BatchResult{}, err
	}
	return migrate.RunBatch(ctx, ids, o.batchOptions(batch), func(ctx context.Context, id string) migrate.TenantResult {
		return o.syncer.MarkMissing(ctx, id)
	}), nil
}

// CleanOrphans deletes bookkeeping rows with no corresponding disk file.
func (o *Orchestrator) CleanOrphans(ctx context.Context, tenantID string) migrate.SyncReport {
	return o.syncer.CleanOrphans(ctx, tenantID)
}

// CleanAllOrphans runs CleanOrphans for every discovered tenant.
func (o *Orchestrator) CleanAllOrphans(ctx context.Context) ([]migrate.SyncReport, error) {
	ids, err := o.discoverTenants(ctx)
	if err != nil {
		return nil, err
	}
	reports := make([]migrate.SyncReport, len(ids))
	o.forEach(ctx, ids, func(ctx context.Context, idx int, id string) {
		reports[idx] = o.syncer.CleanOrphans(ctx, id)
	})
	return reports, nil
}

// --- Drift ---

// SchemaDrift compares every discovered tenant against the reference tenant
// (first in discovery order when referenceID is empty).
func (o *Orchestrator) SchemaDrift(ctx context.Context, referenceID string, opts drift.Options) (drift.Status, error) {
	ids, err := o.discoverTenants(ctx)
	if err != nil {
		return drift.Status{}, err
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = o.cfg.Concurrency
	}
	return o.detector.Detect(ctx, ids, referenceID, opts), nil
}

// TenantSchemaDrift compares one tenant against an explicit reference.
func (o *Orchestrator) TenantSchemaDrift(ctx context.Context, tenantID, referenceID string, opts drift.Options) drift.TenantDrift {
	return o.detector.CompareTenant(ctx, tenantID, referenceID, opts)
}

// IntrospectTenantSchema returns the raw structure of one tenant schema.
func (o *Orchestrator) IntrospectTenantSchema(ctx context.Context, tenantID string, opts drift.Options) (*schema.Info, error) {
	return o.detector.Introspect(ctx, tenantID, opts)
}

// --- Seeding ---

// SeedTenant runs fn against one tenant's schema.
func (o *Orchestrator) SeedTenant(ctx context.Context, tenantID string, fn seed.Func) seed.Result {
	return o.seeder.SeedTenant(ctx, tenantID, fn)
}

// SeedTenants fans fn across the given tenants.
func (o *Orchestrator) SeedTenants(ctx context.Context, tenantIDs []string, fn seed.Func) []seed.Result {
	results := make([]seed.Result, len(tenantIDs))
	o.forEach(ctx, tenantIDs, func(ctx context.Context, idx int, id string) {
		results[idx] = o.seeder.SeedTenant(ctx, id, fn)
	})
	return results
}

// SeedAll seeds every discovered tenant.
func (o *Orchestrator) SeedAll(ctx context.Context, fn seed.Func) ([]seed.Result, error) {
	ids, err := o.discoverTenants(ctx)
	if err != nil {
		return nil, err
	}
	return o.SeedTenants(ctx, ids, fn), nil
}

// SeedShared runs fn against the public schema.
func (o *Orchestrator) SeedShared(ctx context.Context, fn seed.Func) seed.Result {
	return o.seeder.SeedSchema(ctx, migrate.SharedSchemaName, fn)
}

// SeedAllWithSharedResult carries both halves of SeedAllWithShared.
type SeedAllWithSharedResult struct {
	Shared  seed.Result   `json:"shared"`
	Tenants []seed.Result `json:"tenants"`
}

// SeedAllWithShared seeds the public schema first, then every tenant. As
// with migrations, a shared failure does not abort the tenant pass.
func (o *Orchestrator) SeedAllWithShared(ctx context.Context, sharedFn, tenantFn seed.Func) (SeedAllWithSharedResult, error) {
	res := SeedAllWithSharedResult{Shared: o.seeder.SeedSchema(ctx, migrate.SharedSchemaName, sharedFn)}
	tenants, err := o.SeedAll(ctx, tenantFn)
	if err != nil {
		return res, err
	}
	res.Tenants = tenants
	return res, nil
}

// forEach runs fn over ids with the configured concurrency bound. Cancelled
// contexts stop dispatch; fn is responsible for recording per-id outcomes.
func (o *Orchestrator) forEach(ctx context.Context, ids []string, fn func(ctx context.Context, idx int, id string)) {
	var wg sync.WaitGroup
	sem := make(chan struct{}, o.cfg.Concurrency)
	for i, id := range ids {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, tenantID string) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(ctx, idx, tenantID)
		}(i, id)
	}
	wg.Wait()
}
