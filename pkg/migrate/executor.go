package migrate

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/tenantkit/tenantkit/pkg/schema"
)

// Applied is one row of the bookkeeping table.
type Applied struct {
	ID         int       `json:"id"`
	Identifier string    `json:"identifier"` // migration name or hash, per format
	AppliedAt  time.Time `json:"appliedAt"`
}

// Executor applies or records migrations for a single schema using a pool
// already bound to that schema via search_path.
type Executor struct {
	pool   *pgxpool.Pool
	schema string
	layout schema.Detected
	logger zerolog.Logger
}

// NewExecutor creates an Executor for one schema with a resolved bookkeeping
// layout.
func NewExecutor(pool *pgxpool.Pool, schemaName string, layout schema.Detected, logger zerolog.Logger) *Executor {
	return &Executor{pool: pool, schema: schemaName, layout: layout, logger: logger}
}

// Layout returns the executor's resolved bookkeeping layout.
func (e *Executor) Layout() schema.Detected { return e.layout }

// Apply runs the migration SQL and records it, both inside one transaction.
// An advisory transaction lock keyed on the schema name serializes competing
// migrators on the same schema. Migration files that open their own BEGIN are
// still wrapped; PostgreSQL downgrades the nested BEGIN to a warning, which
// matches how the bookkeeping row and the DDL stay atomic.
func (e *Executor) Apply(ctx context.Context, mig File) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", e.schema); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}

	if _, err := tx.Exec(ctx, mig.SQL); err != nil {
		return fmt.Errorf("execute %s: %w", mig.Name, err)
	}

	insert, args := e.insertSQL(mig)
	if _, err := tx.Exec(ctx, insert, args...); err != nil {
		return fmt.Errorf("record %s: %w", mig.Name, err)
	}

	return tx.Commit(ctx)
}

// Record inserts the bookkeeping row without running the migration SQL. Used
// by mark-as-applied and tracking sync.
func (e *Executor) Record(ctx context.Context, mig File) error {
	insert, args := e.insertSQL(mig)
	if _, err := e.pool.Exec(ctx, insert, args...); err != nil {
		return fmt.Errorf("record %s: %w", mig.Name, err)
	}
	return nil
}

// insertSQL renders the bookkeeping INSERT for the executor's layout.
func (e *Executor) insertSQL(mig File) (string, []any) {
	target := schema.QuoteIdent(e.schema) + "." + schema.QuoteIdent(e.layout.TableName)
	ident := mig.Name
	if e.layout.IdentifierColumn == "hash" {
		ident = mig.Hash
	}
	if e.layout.TimestampType == "bigint" {
		return fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES ($1, $2)",
				target, e.layout.IdentifierColumn, e.layout.TimestampColumn),
			[]any{ident, time.Now().UnixMilli()}
	}
	return fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES ($1, NOW())",
			target, e.layout.IdentifierColumn, e.layout.TimestampColumn),
		[]any{ident}
}

// AppliedList returns every bookkeeping row ordered by insertion (ascending
// surrogate id).
func (e *Executor) AppliedList(ctx context.Context) ([]Applied, error) {
	target := schema.QuoteIdent(e.schema) + "." + schema.QuoteIdent(e.layout.TableName)
	query := fmt.Sprintf("SELECT id, %s, %s FROM %s ORDER BY id",
		e.layout.IdentifierColumn, e.layout.TimestampColumn, target)

	rows, err := e.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations in %s: %w", e.schema, err)
	}
	defer rows.Close()

	var applied []Applied
	for rows.Next() {
		var a Applied
		if e.layout.TimestampType == "bigint" {
			var ms *int64
			if err := rows.Scan(&a.ID, &a.Identifier, &ms); err != nil {
				return nil, fmt.Errorf("scan applied migration: %w", err)
			}
			if ms != nil {
				a.AppliedAt = time.UnixMilli(*ms)
			}
		} else {
			if err := rows.Scan(&a.ID, &a.Identifier, &a.AppliedAt); err != nil {
				return nil, fmt.Errorf("scan applied migration: %w", err)
			}
		}
		applied = append(applied, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return applied, nil
}

// AppliedSet returns the applied identifiers as a membership set.
func (e *Executor) AppliedSet(ctx context.Context) (map[string]struct{}, error) {
	list, err := e.AppliedList(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(list))
	for _, a := range list {
		set[a.Identifier] = struct{}{}
	}
	return set, nil
}

// IsApplied reports whether mig is tracked in applied under the given format.
// Hash-keyed tables also accept rows keyed by migration name, so tables that
// changed format keep recognizing their history.
func IsApplied(mig File, applied map[string]struct{}, format schema.Format) bool {
	if format == schema.FormatName {
		_, ok := applied[mig.Name]
		return ok
	}
	if _, ok := applied[mig.Hash]; ok {
		return true
	}
	_, ok := applied[mig.Name]
	return ok
}

// Pending filters files down to those not yet applied, preserving order.
func Pending(files []File, applied map[string]struct{}, format schema.Format) []File {
	var pending []File
	for _, f := range files {
		if !IsApplied(f, applied, format) {
			pending = append(pending, f)
		}
	}
	return pending
}

// SplitPending partitions unapplied files into those safe to run and those
// sequenced below an already-applied migration. A file whose sequence is
// lower than the highest applied sequence appeared after history moved past
// it; applying it now would run migrations out of order, so it is reported
// instead of run.
func SplitPending(files []File, applied map[string]struct{}, format schema.Format) (runnable, outOfOrder []File) {
	maxApplied := -1
	for _, f := range files {
		if IsApplied(f, applied, format) && f.Sequence > maxApplied {
			maxApplied = f.Sequence
		}
	}
	for _, f := range files {
		if IsApplied(f, applied, format) {
			continue
		}
		if f.Sequence < maxApplied {
			outOfOrder = append(outOfOrder, f)
			continue
		}
		runnable = append(runnable, f)
	}
	return runnable, outOfOrder
}
