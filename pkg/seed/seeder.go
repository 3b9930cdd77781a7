// Package seed runs user-supplied seed functions against tenant schemas with
// connection lifecycle and error capture handled here.
package seed

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/tenantkit/tenantkit/pkg/schema"
)

// Func is a user-supplied seed routine. db is bound to the tenant's schema
// via search_path; the pool is closed when the function returns.
type Func func(ctx context.Context, db *pgxpool.Pool, tenantID string) error

// Result is the outcome of seeding one tenant.
type Result struct {
	TenantID string        `json:"tenantId"`
	Schema   string        `json:"schema,omitempty"`
	Success  bool          `json:"success"`
	Skipped  bool          `json:"skipped,omitempty"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// OpenPoolFunc opens a fresh pool bound to a schema.
type OpenPoolFunc func(ctx context.Context, schemaName string) (*pgxpool.Pool, error)

// Seeder provides schema-scoped execution for seed functions.
type Seeder struct {
	schemas  *schema.Manager
	openPool OpenPoolFunc
	logger   zerolog.Logger
}

// NewSeeder creates a Seeder.
func NewSeeder(schemas *schema.Manager, openPool OpenPoolFunc, logger zerolog.Logger) *Seeder {
	return &Seeder{schemas: schemas, openPool: openPool, logger: logger}
}

// SeedTenant opens a pool bound to the tenant's schema, runs fn, and reports
// the outcome. A panic inside fn is captured as a failure, not propagated.
func (s *Seeder) SeedTenant(ctx context.Context, tenantID string, fn Func) Result {
	start := time.Now()
	res := Result{TenantID: tenantID}
	fail := func(err error) Result {
		res.Error = err.Error()
		res.Duration = time.Since(start)
		return res
	}

	if fn == nil {
		return fail(fmt.Errorf("nil seed function"))
	}
	if err := schema.ValidateTenantID(tenantID); err != nil {
		return fail(err)
	}
	res.Schema = s.schemas.SchemaName(tenantID)

	exists, err := s.schemas.SchemaExists(ctx, tenantID)
	if err != nil {
		return fail(err)
	}
	if !exists {
		return fail(fmt.Errorf("schema %s does not exist", res.Schema))
	}

	pool, err := s.openPool(ctx, res.Schema)
	if err != nil {
		return fail(err)
	}
	defer pool.Close()

	if err := runSeed(ctx, pool, tenantID, fn); err != nil {
		return fail(err)
	}

	s.logger.Info().
		Str("tenant", tenantID).
		Str("schema", res.Schema).
		Dur("duration", time.Since(start)).
		Msg("tenant seeded")

	res.Success = true
	res.Duration = time.Since(start)
	return res
}

// SeedSchema runs fn against an arbitrary schema name, bypassing the tenant
// template. Used for shared/public seeding.
func (s *Seeder) SeedSchema(ctx context.Context, schemaName string, fn Func) Result {
	start := time.Now()
	res := Result{TenantID: schemaName, Schema: schemaName}
	fail := func(err error) Result {
		res.Error = err.Error()
		res.Duration = time.Since(start)
		return res
	}

	if fn == nil {
		return fail(fmt.Errorf("nil seed function"))
	}
	pool, err := s.openPool(ctx, schemaName)
	if err != nil {
		return fail(err)
	}
	defer pool.Close()

	if err := runSeed(ctx, pool, schemaName, fn); err != nil {
		return fail(err)
	}
	res.Success = true
	res.Duration = time.Since(start)
	return res
}

func runSeed(ctx context.Context, pool *pgxpool.Pool, tenantID string, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("seed function panicked: %v", r)
		}
	}()
	return fn(ctx, pool, tenantID)
}
