// Package tenantdb is the top-level entry point: one Orchestrator wired from
// one Config exposes pooling, tenant lifecycle, migrations, sync, drift,
// cloning and seeding over a schema-per-tenant PostgreSQL database.
package tenantdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tenantkit/tenantkit/pkg/migrate"
	"github.com/tenantkit/tenantkit/pkg/pool"
	"github.com/tenantkit/tenantkit/pkg/schema"
)

// IsolationStrategy selects how tenants are separated.
type IsolationStrategy string

const (
	// IsolationSchema gives each tenant its own PostgreSQL schema.
	IsolationSchema IsolationStrategy = "schema"
	// IsolationRLS is reserved; row-level security is not implemented.
	IsolationRLS IsolationStrategy = "rls"
)

// ErrConfigInvalid wraps all construction-time validation failures.
var ErrConfigInvalid = errors.New("invalid configuration")

// DiscoverFunc returns the current tenant id list.
type DiscoverFunc func(ctx context.Context) ([]string, error)

// StaticTenants adapts a fixed tenant list into a DiscoverFunc.
func StaticTenants(ids ...string) DiscoverFunc {
	return func(context.Context) ([]string, error) {
		return ids, nil
	}
}

// Config is immutable after the Orchestrator is constructed.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string. Required.
	DatabaseURL string

	// Isolation defaults to IsolationSchema; it is the only implemented
	// strategy.
	Isolation IsolationStrategy

	// SchemaNameTemplate maps a tenant id to its schema name. Distinct ids
	// must produce distinct names. Defaults to "tenant_" + id with dashes
	// folded to underscores.
	SchemaNameTemplate func(tenantID string) string

	// DiscoverTenants supplies the tenant set for the *All operations.
	// Required for those; single-tenant operations work without it.
	DiscoverTenants DiscoverFunc

	// MigrationsDir holds tenant migration files; SharedMigrationsDir the
	// shared (public schema) ones. Either may be empty, which yields zero
	// migrations.
	MigrationsDir       string
	SharedMigrationsDir string

	// MigrationsTable defaults to __drizzle_migrations,
	// SharedMigrationsTable to __drizzle_shared_migrations.
	MigrationsTable       string
	SharedMigrationsTable string

	// TableFormat is the bookkeeping format policy; FormatAuto detects from
	// the live table. DefaultFormat applies when auto finds no table and
	// defaults to FormatName.
	TableFormat   schema.Format
	DefaultFormat schema.Format

	// MaxPools bounds the tenant pool cache (default 50); PoolTTL evicts
	// pools idle longer than the duration, zero disables the sweep.
	MaxPools int
	PoolTTL  time.Duration

	// PoolTuning configures every per-schema pool the toolkit opens.
	PoolTuning pool.OpenOptions

	// Retry classifies and paces reconnection attempts in dbAsync paths.
	Retry pool.Policy

	// Concurrency bounds all batch fan-outs; defaults to 10.
	Concurrency int

	PoolHooks      pool.Hooks
	MigrationHooks migrate.Hooks

	Logger zerolog.Logger
}

func (c *Config) applyDefaults() {
	if c.Isolation == "" {
		c.Isolation = IsolationSchema
	}
	if c.SchemaNameTemplate == nil {
		c.SchemaNameTemplate = schema.DefaultTemplate
	}
	if c.MigrationsTable == "" {
		c.MigrationsTable = schema.DefaultTableName
	}
	if c.SharedMigrationsTable == "" {
		c.SharedMigrationsTable = schema.DefaultSharedTableName
	}
	if c.TableFormat == "" {
		c.TableFormat = schema.FormatAuto
	}
	if c.DefaultFormat == "" {
		c.DefaultFormat = schema.FormatName
	}
	if c.MaxPools <= 0 {
		c.MaxPools = 50
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%w: DatabaseURL is required", ErrConfigInvalid)
	}
	switch c.Isolation {
	case IsolationSchema:
	case IsolationRLS:
		return fmt.Errorf("%w: rls isolation is not implemented", ErrConfigInvalid)
	default:
		return fmt.Errorf("%w: unknown isolation strategy %q", ErrConfigInvalid, c.Isolation)
	}
	if !c.TableFormat.Valid() {
		return fmt.Errorf("%w: unknown table format %q", ErrConfigInvalid, c.TableFormat)
	}
	switch c.DefaultFormat {
	case schema.FormatName, schema.FormatHash, schema.FormatDrizzleKit:
	default:
		return fmt.Errorf("%w: default format must be concrete, got %q", ErrConfigInvalid, c.DefaultFormat)
	}
	return nil
}
