package migrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/tenantkit/tenantkit/pkg/schema"
)

// ErrorKind is the machine-readable classification carried in results.
type ErrorKind string

const (
	KindNone           ErrorKind = ""
	KindTenantNotFound ErrorKind = "tenant_not_found"
	KindConnectFailure ErrorKind = "connect_failure"
	KindSQLFailure     ErrorKind = "sql_failure"
	KindFormatUnknown  ErrorKind = "format_unknown"
	KindCancelled      ErrorKind = "cancelled"
)

// OpenPoolFunc opens a fresh pool bound to a schema for the duration of one
// operation, independent of the long-lived pool cache.
type OpenPoolFunc func(ctx context.Context, schemaName string) (*pgxpool.Pool, error)

// Hooks are optional per-tenant and per-migration callbacks. They are called
// synchronously; failures inside hooks do not abort the operation.
type Hooks struct {
	BeforeTenant    func(tenantID string)
	AfterTenant     func(result TenantResult)
	BeforeMigration func(tenantID, migration string)
	AfterMigration  func(tenantID, migration string, duration time.Duration)
}

// TenantResult is the outcome of one tenant-level migration operation.
type TenantResult struct {
	TenantID string   `json:"tenantId"`
	Schema   string   `json:"schema,omitempty"`
	Success  bool     `json:"success"`
	Skipped  bool     `json:"skipped,omitempty"`
	DryRun   bool     `json:"dryRun,omitempty"`
	Applied  []string `json:"applied,omitempty"`
	Pending  []string `json:"pending,omitempty"`
	// OutOfOrder lists unapplied migrations sequenced below an already
	// applied one; they are never run and need a manual decision.
	OutOfOrder []string      `json:"outOfOrder,omitempty"`
	Format     schema.Format `json:"format,omitempty"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	Kind       ErrorKind     `json:"kind,omitempty"`
}

// TenantState summarizes how far a tenant is behind the migration folder.
type TenantState string

const (
	TenantOK     TenantState = "ok"
	TenantBehind TenantState = "behind"
	TenantError  TenantState = "error"
)

// TenantStatus is the read-only migration status of one tenant.
type TenantStatus struct {
	TenantID     string        `json:"tenantId"`
	Schema       string        `json:"schema"`
	Format       schema.Format `json:"format,omitempty"` // empty when the table is absent
	HasTable     bool          `json:"hasTable"`
	AppliedCount int           `json:"appliedCount"`
	PendingCount int           `json:"pendingCount"`
	Pending      []string      `json:"pending,omitempty"`
	OutOfOrder   []string      `json:"outOfOrder,omitempty"`
	State        TenantState   `json:"state"`
	Error        string        `json:"error,omitempty"`
}

// Options controls a tenant migration run.
type Options struct {
	// DryRun computes the pending list without mutating anything.
	DryRun bool
}

// MigratorConfig wires a TenantMigrator.
type MigratorConfig struct {
	Schemas       *schema.Manager
	Loader        *Loader
	OpenPool      OpenPoolFunc
	Table         string
	Format        schema.Format // configured policy, may be FormatAuto
	DefaultFormat schema.Format // used when auto and no table exists
	Hooks         Hooks
	Logger        zerolog.Logger
}

// TenantMigrator runs migration operations against individual tenant
// schemas. Each operation opens a fresh schema-bound pool and closes it when
// done.
type TenantMigrator struct {
	cfg MigratorConfig
}

// NewTenantMigrator creates a TenantMigrator.
func NewTenantMigrator(cfg MigratorConfig) *TenantMigrator {
	if cfg.Table == "" {
		cfg.Table = schema.DefaultTableName
	}
	if cfg.Format == "" {
		cfg.Format = schema.FormatAuto
	}
	if cfg.DefaultFormat == "" {
		cfg.DefaultFormat = schema.FormatName
	}
	return &TenantMigrator{cfg: cfg}
}

// MigrateTenant applies all pending migrations to one tenant schema. Each
// migration runs in its own transaction; a failure stops the run and leaves
// earlier migrations committed, so a fixed folder simply resumes. A pending
// file sequenced below an already-applied migration is never run; it is
// reported in OutOfOrder.
func (m *TenantMigrator) MigrateTenant(ctx context.Context, tenantID string, opts Options) TenantResult {
	return m.run(ctx, tenantID, opts.DryRun, true, func(e *Executor, mig File) error {
		return e.Apply(ctx, mig)
	})
}

// MarkAsApplied records every pending migration in the bookkeeping table
// without executing any SQL. Ordering does not matter for tracking-only
// writes, so out-of-order files are recorded too.
func (m *TenantMigrator) MarkAsApplied(ctx context.Context, tenantID string) TenantResult {
	return m.run(ctx, tenantID, false, false, func(e *Executor, mig File) error {
		return e.Record(ctx, mig)
	})
}

func (m *TenantMigrator) run(ctx context.Context, tenantID string, dryRun, ordered bool, step func(*Executor, File) error) TenantResult {
	start := time.Now()
	res := TenantResult{TenantID: tenantID, DryRun: dryRun}
	fail := func(kind ErrorKind, err error) TenantResult {
		res.Error = err.Error()
		res.Kind = kind
		res.Duration = time.Since(start)
		m.fireAfterTenant(res)
		return res
	}

	if err := schema.ValidateTenantID(tenantID); err != nil {
		return fail(KindTenantNotFound, err)
	}
	res.Schema = m.cfg.Schemas.SchemaName(tenantID)

	exists, err := m.cfg.Schemas.SchemaExists(ctx, tenantID)
	if err != nil {
		return fail(KindConnectFailure, err)
	}
	if !exists {
		return fail(KindTenantNotFound, fmt.Errorf("tenant %s: schema %s does not exist", tenantID, res.Schema))
	}

	pool, err := m.cfg.OpenPool(ctx, res.Schema)
	if err != nil {
		return fail(KindConnectFailure, err)
	}
	defer pool.Close()

	if m.cfg.Hooks.BeforeTenant != nil {
		m.cfg.Hooks.BeforeTenant(tenantID)
	}

	layout, tableExists, err := schema.Resolve(ctx, pool, res.Schema, m.cfg.Table, m.cfg.Format, m.cfg.DefaultFormat)
	if err != nil {
		if errors.Is(err, schema.ErrUnknownFormat) {
			return fail(KindFormatUnknown, err)
		}
		return fail(KindConnectFailure, err)
	}
	res.Format = layout.Format

	files, err := m.cfg.Loader.Load()
	if err != nil {
		return fail(KindSQLFailure, err)
	}

	executor := NewExecutor(pool, res.Schema, layout, m.cfg.Logger)

	applied := map[string]struct{}{}
	if tableExists {
		applied, err = executor.AppliedSet(ctx)
		if err != nil {
			return fail(KindSQLFailure, err)
		}
	}
	pending := Pending(files, applied, layout.Format)
	if ordered {
		var outOfOrder []File
		pending, outOfOrder = SplitPending(files, applied, layout.Format)
		for _, f := range outOfOrder {
			res.OutOfOrder = append(res.OutOfOrder, f.Name)
		}
		if len(res.OutOfOrder) > 0 {
			m.cfg.Logger.Warn().
				Str("tenant", tenantID).
				Strs("migrations", res.OutOfOrder).
				Msg("skipping migrations sequenced below applied history")
		}
	}

	if dryRun {
		for _, f := range pending {
			res.Pending = append(res.Pending, f.Name)
		}
		res.Success = true
		res.Duration = time.Since(start)
		m.fireAfterTenant(res)
		return res
	}

	if !tableExists {
		if err := schema.EnsureBookkeeping(ctx, pool, res.Schema, layout); err != nil {
			return fail(KindSQLFailure, err)
		}
	}

	for _, mig := range pending {
		if err := ctx.Err(); err != nil {
			return fail(KindCancelled, err)
		}
		if m.cfg.Hooks.BeforeMigration != nil {
			m.cfg.Hooks.BeforeMigration(tenantID, mig.Name)
		}
		migStart := time.Now()
		if err := step(executor, mig); err != nil {
			return fail(KindSQLFailure, err)
		}
		elapsed := time.Since(migStart)
		if m.cfg.Hooks.AfterMigration != nil {
			m.cfg.Hooks.AfterMigration(tenantID, mig.Name, elapsed)
		}
		m.cfg.Logger.Info().
			Str("tenant", tenantID).
			Str("schema", res.Schema).
			Str("migration", mig.Name).
			Dur("duration", elapsed).
			Msg("migration applied")
		res.Applied = append(res.Applied, mig.Name)
	}

	res.Success = true
	res.Duration = time.Since(start)
	m.fireAfterTenant(res)
	return res
}

func (m *TenantMigrator) fireAfterTenant(res TenantResult) {
	if m.cfg.Hooks.AfterTenant != nil {
		m.cfg.Hooks.AfterTenant(res)
	}
}

// Status reports applied/pending counts for one tenant without mutating
// anything. An absent bookkeeping table means every migration is pending and
// the format is unknown.
func (m *TenantMigrator) Status(ctx context.Context, tenantID string) TenantStatus {
	st := TenantStatus{TenantID: tenantID, State: TenantError}

	if err := schema.ValidateTenantID(tenantID); err != nil {
		st.Error = err.Error()
		return st
	}
	st.Schema = m.cfg.Schemas.SchemaName(tenantID)

	exists, err := m.cfg.Schemas.SchemaExists(ctx, tenantID)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	if !exists {
		st.Error = fmt.Sprintf("schema %s does not exist", st.Schema)
		return st
	}

	pool, err := m.cfg.OpenPool(ctx, st.Schema)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	defer pool.Close()

	files, err := m.cfg.Loader.Load()
	if err != nil {
		st.Error = err.Error()
		return st
	}

	detected, err := schema.Detect(ctx, pool, st.Schema, m.cfg.Table)
	if err != nil {
		st.Error = err.Error()
		return st
	}

	if detected == nil {
		st.PendingCount = len(files)
		for _, f := range files {
			st.Pending = append(st.Pending, f.Name)
		}
		st.State = TenantBehind
		if len(files) == 0 {
			st.State = TenantOK
		}
		return st
	}

	st.HasTable = true
	st.Format = detected.Format

	executor := NewExecutor(pool, st.Schema, *detected, m.cfg.Logger)
	applied, err := executor.AppliedSet(ctx)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.AppliedCount = len(applied)

	pending, outOfOrder := SplitPending(files, applied, detected.Format)
	st.PendingCount = len(pending)
	for _, f := range pending {
		st.Pending = append(st.Pending, f.Name)
	}
	for _, f := range outOfOrder {
		st.OutOfOrder = append(st.OutOfOrder, f.Name)
	}
	st.State = TenantOK
	if st.PendingCount > 0 || len(st.OutOfOrder) > 0 {
		st.State = TenantBehind
	}
	return st
}
