// Package schema owns PostgreSQL schema lifecycle for tenants: creating and
// dropping tenant schemas, the migration bookkeeping table and its format,
// and structural introspection used by drift detection and cloning.
package schema

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// tenantIDPattern restricts tenant ids to identifier-safe characters before
// they reach the schema name template.
var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ErrInvalidTenantID is returned for empty or unsafe tenant identifiers.
var ErrInvalidTenantID = errors.New("invalid tenant identifier")

// DefaultTemplate maps a tenant id to its schema name: "tenant_" + id with
// dashes folded to underscores.
func DefaultTemplate(tenantID string) string {
	return "tenant_" + strings.ReplaceAll(tenantID, "-", "_")
}

// Manager performs schema-level DDL and catalog lookups on a root pool that
// is not bound to any tenant schema.
type Manager struct {
	root     *pgxpool.Pool
	template func(tenantID string) string
	logger   zerolog.Logger
}

// NewManager creates a Manager. template may be nil, in which case
// DefaultTemplate is used.
func NewManager(root *pgxpool.Pool, template func(string) string, logger zerolog.Logger) *Manager {
	if template == nil {
		template = DefaultTemplate
	}
	return &Manager{root: root, template: template, logger: logger}
}

// ValidateTenantID rejects ids that cannot safely pass through the template.
func ValidateTenantID(tenantID string) error {
	if tenantID == "" || !tenantIDPattern.MatchString(tenantID) {
		return fmt.Errorf("%w: %q", ErrInvalidTenantID, tenantID)
	}
	return nil
}

// SchemaName applies the schema name template to tenantID.
func (m *Manager) SchemaName(tenantID string) string {
	return m.template(tenantID)
}

// CreateSchema creates the tenant's schema if it does not exist.
func (m *Manager) CreateSchema(ctx context.Context, tenantID string) error {
	if err := ValidateTenantID(tenantID); err != nil {
		return err
	}
	name := m.template(tenantID)
	if _, err := m.root.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", QuoteIdent(name))); err != nil {
		return fmt.Errorf("create schema %s: %w", name, err)
	}
	m.logger.Info().Str("tenant", tenantID).Str("schema", name).Msg("schema created")
	return nil
}

// DropSchema drops the tenant's schema. With cascade all contained objects go
// with it; without, the drop fails if the schema is not empty.
func (m *Manager) DropSchema(ctx context.Context, tenantID string, cascade bool) error {
	if err := ValidateTenantID(tenantID); err != nil {
		return err
	}
	name := m.template(tenantID)
	mode := "RESTRICT"
	if cascade {
		mode = "CASCADE"
	}
	if _, err := m.root.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s %s", QuoteIdent(name), mode)); err != nil {
		return fmt.Errorf("drop schema %s: %w", name, err)
	}
	m.logger.Info().Str("tenant", tenantID).Str("schema", name).Bool("cascade", cascade).Msg("schema dropped")
	return nil
}

// SchemaExists reports whether the tenant's schema is present.
func (m *Manager) SchemaExists(ctx context.Context, tenantID string) (bool, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return false, err
	}
	return m.schemaExists(ctx, m.template(tenantID))
}

func (m *Manager) schemaExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := m.root.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)", name,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check schema %s: %w", name, err)
	}
	return exists, nil
}

// ListSchemas returns schema names matching the SQL LIKE pattern; an empty
// pattern lists all non-system schemas.
func (m *Manager) ListSchemas(ctx context.Context, pattern string) ([]string, error) {
	query := `SELECT schema_name FROM information_schema.schemata
		WHERE schema_name NOT IN ('information_schema', 'pg_catalog', 'pg_toast')
		  AND schema_name NOT LIKE 'pg_temp%'`
	args := []any{}
	if pattern != "" {
		query += " AND schema_name LIKE $1"
		args = append(args, pattern)
	}
	query += " ORDER BY schema_name"

	rows, err := m.root.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan schema name: %w", err)
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schemas: %w", err)
	}
	return names, nil
}

// Root exposes the root pool for catalog queries by sibling components.
func (m *Manager) Root() *pgxpool.Pool { return m.root }

// QuoteIdent double-quotes a PostgreSQL identifier, escaping embedded quotes.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
