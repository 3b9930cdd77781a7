package migrate

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/tenantkit/tenantkit/pkg/schema"
)

// SyncReport describes disk/DB tracking divergence for one tenant: disk
// migrations with no bookkeeping row (missing) and bookkeeping identifiers
// with no disk file (orphans).
type SyncReport struct {
	TenantID string   `json:"tenantId"`
	Schema   string   `json:"schema,omitempty"`
	Missing  []string `json:"missing,omitempty"`
	Orphans  []string `json:"orphans,omitempty"`
	InSync   bool     `json:"inSync"`
	Error    string   `json:"error,omitempty"`
}

// Syncer reconciles on-disk migrations with bookkeeping rows. All of its
// edits are tracking-only; tenant data is never touched.
type Syncer struct {
	migrator *TenantMigrator
	logger   zerolog.Logger
}

// NewSyncer creates a Syncer sharing the migrator's plumbing.
func NewSyncer(migrator *TenantMigrator, logger zerolog.Logger) *Syncer {
	return &Syncer{migrator: migrator, logger: logger}
}

// diffTracking computes missing files and orphan identifiers. Matching is
// format-aware: name tables match by name; hash tables match by hash but
// also accept legacy rows keyed by name.
func diffTracking(files []File, applied []Applied, format schema.Format) (missing, orphans []string) {
	set := make(map[string]struct{}, len(applied))
	for _, a := range applied {
		set[a.Identifier] = struct{}{}
	}

	known := make(map[string]bool, 2*len(files))
	for _, f := range files {
		known[f.Name] = true
		if format != schema.FormatName {
			known[f.Hash] = true
		}
		if !IsApplied(f, set, format) {
			missing = append(missing, f.Name)
		}
	}
	for _, a := range applied {
		if !known[a.Identifier] {
			orphans = append(orphans, a.Identifier)
		}
	}
	return missing, orphans
}

// syncState is the per-tenant context shared by sync operations.
type syncState struct {
	schemaName string
	pool       *pgxpool.Pool
	layout     schema.Detected
	files      []File
	applied    []Applied
}

// TenantSyncStatus reports the tracking divergence for one tenant.
func (s *Syncer) TenantSyncStatus(ctx context.Context, tenantID string) SyncReport {
	report := SyncReport{TenantID: tenantID}
	st, err := s.load(ctx, tenantID)
	if err != nil {
		report.Error = err.Error()
		return report
	}
	defer st.pool.Close()
	report.Schema = st.schemaName

	report.Missing, report.Orphans = diffTracking(st.files, st.applied, st.layout.Format)
	report.InSync = len(report.Missing) == 0 && len(report.Orphans) == 0
	return report
}

// MarkMissing inserts bookkeeping rows for every disk migration that is not
// tracked. No migration SQL runs.
func (s *Syncer) MarkMissing(ctx context.Context, tenantID string) TenantResult {
	return s.migrator.MarkAsApplied(ctx, tenantID)
}

// CleanOrphans deletes bookkeeping rows whose identifier matches no disk
// migration.
func (s *Syncer) CleanOrphans(ctx context.Context, tenantID string) SyncReport {
	report := SyncReport{TenantID: tenantID}
	st, err := s.load(ctx, tenantID)
	if err != nil {
		report.Error = err.Error()
		return report
	}
	defer st.pool.Close()
	report.Schema = st.schemaName

	missing, orphans := diffTracking(st.files, st.applied, st.layout.Format)
	if len(orphans) > 0 {
		target := schema.QuoteIdent(st.schemaName) + "." + schema.QuoteIdent(st.layout.TableName)
		query := fmt.Sprintf("DELETE FROM %s WHERE %s = ANY($1)", target, st.layout.IdentifierColumn)
		if _, err := st.pool.Exec(ctx, query, orphans); err != nil {
			report.Error = fmt.Sprintf("delete orphans: %v", err)
			return report
		}
		s.logger.Info().
			Str("tenant", tenantID).
			Int("orphans", len(orphans)).
			Msg("orphan bookkeeping rows removed")
	}
	return cleanReport(report, missing, orphans)
}

// cleanReport fills in a CleanOrphans report. The listed orphans were just
// deleted, so the tenant is in sync only when nothing is left untracked.
func cleanReport(report SyncReport, missing, orphans []string) SyncReport {
	report.Missing = missing
	report.Orphans = orphans
	report.InSync = len(missing) == 0
	return report
}

// load opens the tenant pool and reads disk files plus applied rows. The
// caller closes st.pool when err is nil.
func (s *Syncer) load(ctx context.Context, tenantID string) (*syncState, error) {
	cfg := s.migrator.cfg

	if err := schema.ValidateTenantID(tenantID); err != nil {
		return nil, err
	}
	st := &syncState{schemaName: cfg.Schemas.SchemaName(tenantID)}

	exists, err := cfg.Schemas.SchemaExists(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("tenant %s: schema %s does not exist", tenantID, st.schemaName)
	}

	st.pool, err = cfg.OpenPool(ctx, st.schemaName)
	if err != nil {
		return nil, err
	}

	st.files, err = cfg.Loader.Load()
	if err != nil {
		st.pool.Close()
		return nil, err
	}

	var tableExists bool
	st.layout, tableExists, err = schema.Resolve(ctx, st.pool, st.schemaName, cfg.Table, cfg.Format, cfg.DefaultFormat)
	if err != nil {
		st.pool.Close()
		return nil, err
	}

	if tableExists {
		executor := NewExecutor(st.pool, st.schemaName, st.layout, cfg.Logger)
		st.applied, err = executor.AppliedList(ctx)
		if err != nil {
			st.pool.Close()
			return nil, err
		}
	}
	return st, nil
}
