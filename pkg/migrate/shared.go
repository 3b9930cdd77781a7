package migrate

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/tenantkit/tenantkit/pkg/schema"
)

// SharedConfig wires a SharedMigrator.
type SharedConfig struct {
	Loader        *Loader
	OpenPool      OpenPoolFunc
	Table         string
	Format        schema.Format
	DefaultFormat schema.Format
	Logger        zerolog.Logger
}

// SharedMigrator is the migration executor for the public schema. It has its
// own folder and bookkeeping table so shared tables (plans, roles) migrate
// once, independent of tenant schemas.
type SharedMigrator struct {
	cfg SharedConfig
}

// SharedSchemaName is the schema shared migrations run against.
const SharedSchemaName = "public"

// NewSharedMigrator creates a SharedMigrator.
func NewSharedMigrator(cfg SharedConfig) *SharedMigrator {
	if cfg.Table == "" {
		cfg.Table = schema.DefaultSharedTableName
	}
	if cfg.Format == "" {
		cfg.Format = schema.FormatAuto
	}
	if cfg.DefaultFormat == "" {
		cfg.DefaultFormat = schema.FormatName
	}
	return &SharedMigrator{cfg: cfg}
}

// Migrate applies pending shared migrations to the public schema. Files
// sequenced below applied history are reported in OutOfOrder, never run.
func (s *SharedMigrator) Migrate(ctx context.Context, opts Options) TenantResult {
	return s.run(ctx, opts.DryRun, true, func(e *Executor, mig File) error {
		return e.Apply(ctx, mig)
	})
}

// MarkAsApplied records all pending shared migrations without running SQL.
func (s *SharedMigrator) MarkAsApplied(ctx context.Context) TenantResult {
	return s.run(ctx, false, false, func(e *Executor, mig File) error {
		return e.Record(ctx, mig)
	})
}

func (s *SharedMigrator) run(ctx context.Context, dryRun, ordered bool, step func(*Executor, File) error) TenantResult {
	start := time.Now()
	res := TenantResult{TenantID: "shared", Schema: SharedSchemaName, DryRun: dryRun}
	fail := func(kind ErrorKind, err error) TenantResult {
		res.Error = err.Error()
		res.Kind = kind
		res.Duration = time.Since(start)
		return res
	}

	pool, err := s.cfg.OpenPool(ctx, SharedSchemaName)
	if err != nil {
		return fail(KindConnectFailure, err)
	}
	defer pool.Close()

	layout, tableExists, err := schema.Resolve(ctx, pool, SharedSchemaName, s.cfg.Table, s.cfg.Format, s.cfg.DefaultFormat)
	if err != nil {
		if errors.Is(err, schema.ErrUnknownFormat) {
			return fail(KindFormatUnknown, err)
		}
		return fail(KindConnectFailure, err)
	}
	res.Format = layout.Format

	files, err := s.cfg.Loader.Load()
	if err != nil {
		return fail(KindSQLFailure, err)
	}

	executor := NewExecutor(pool, SharedSchemaName, layout, s.cfg.Logger)

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
	}

	if dryRun {
		for _, f := range pending {
			res.Pending = append(res.Pending, f.Name)
		}
		res.Success = true
		res.Duration = time.Since(start)
		return res
	}

	if !tableExists {
		if err := schema.EnsureBookkeeping(ctx, pool, SharedSchemaName, layout); err != nil {
			return fail(KindSQLFailure, err)
		}
	}

	for _, mig := range pending {
		if err := ctx.Err(); err != nil {
			return fail(KindCancelled, err)
		}
		migStart := time.Now()
		if err := step(executor, mig); err != nil {
			return fail(KindSQLFailure, err)
		}
		s.cfg.Logger.Info().
			Str("schema", SharedSchemaName).
			Str("migration", mig.Name).
			Dur("duration", time.Since(migStart)).
			Msg("shared migration applied")
		res.Applied = append(res.Applied, mig.Name)
	}

	res.Success = true
	res.Duration = time.Since(start)
	return res
}

// Status reports applied/pending counts for the shared schema.
func (s *SharedMigrator) Status(ctx context.Context) TenantStatus {
	st := TenantStatus{TenantID: "shared", Schema: SharedSchemaName, State: TenantError}

	pool, err := s.cfg.OpenPool(ctx, SharedSchemaName)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	defer pool.Close()

	files, err := s.cfg.Loader.Load()
	if err != nil {
		st.Error = err.Error()
		return st
	}

	detected, err := schema.Detect(ctx, pool, SharedSchemaName, s.cfg.Table)
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

	executor := NewExecutor(pool, SharedSchemaName, *detected, s.cfg.Logger)
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
