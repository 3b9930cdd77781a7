package schema

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Format identifies the column layout of the migration bookkeeping table.
type Format string

const (
	// FormatAuto lets detection pick the format from the live table.
	FormatAuto Format = "auto"
	// FormatName tracks migrations by file name with a timestamptz column.
	FormatName Format = "name"
	// FormatHash tracks migrations by content hash with a timestamptz column.
	FormatHash Format = "hash"
	// FormatDrizzleKit matches drizzle-kit's table: hash plus bigint epoch-ms.
	FormatDrizzleKit Format = "drizzle-kit"
)

// DefaultTableName is the bookkeeping table used inside each tenant schema.
const DefaultTableName = "__drizzle_migrations"

// DefaultSharedTableName is the bookkeeping table for the public schema.
const DefaultSharedTableName = "__drizzle_shared_migrations"

// ErrUnknownFormat is returned when a bookkeeping table exists but its
// columns match no known layout. Detection refuses to guess.
var ErrUnknownFormat = errors.New("unknown bookkeeping table format")

// Valid reports whether f is a recognized configuration value.
func (f Format) Valid() bool {
	switch f {
	case FormatAuto, FormatName, FormatHash, FormatDrizzleKit:
		return true
	}
	return false
}

// Detected is a resolved bookkeeping table layout.
type Detected struct {
	Format           Format
	TableName        string
	IdentifierColumn string // name or hash
	TimestampColumn  string // applied_at or created_at
	TimestampType    string // timestamptz or bigint
}

// detectedFor expands a concrete format into its column layout.
func detectedFor(f Format, tableName string) Detected {
	d := Detected{Format: f, TableName: tableName}
	switch f {
	case FormatName:
		d.IdentifierColumn = "name"
		d.TimestampColumn = "applied_at"
		d.TimestampType = "timestamptz"
	case FormatHash:
		d.IdentifierColumn = "hash"
		d.TimestampColumn = "applied_at"
		d.TimestampType = "timestamptz"
	case FormatDrizzleKit:
		d.IdentifierColumn = "hash"
		d.TimestampColumn = "created_at"
		d.TimestampType = "bigint"
	}
	return d
}

// Detect inspects the bookkeeping table inside schemaName and classifies its
// format. It returns (nil, nil) when the table does not exist and
// ErrUnknownFormat when the table exists but matches no known layout.
func Detect(ctx context.Context, pool *pgxpool.Pool, schemaName, tableName string) (*Detected, error) {
	rows, err := pool.Query(ctx,
		`SELECT column_name, data_type FROM information_schema.columns
		 WHERE table_schema = $1 AND table_name = $2`,
		schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("inspect %s.%s: %w", schemaName, tableName, err)
	}
	defer rows.Close()

	cols := make(map[string]string)
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, fmt.Errorf("scan column info: %w", err)
		}
		cols[name] = strings.ToLower(dataType)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate column info: %w", err)
	}
	if len(cols) == 0 {
		return nil, nil
	}

	f, err := classifyColumns(cols)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", schemaName, tableName, err)
	}
	d := detectedFor(f, tableName)
	return &d, nil
}

// classifyColumns maps a column-name to data-type set onto a known format.
func classifyColumns(cols map[string]string) (Format, error) {
	isTimestamp := func(t string) bool { return strings.Contains(t, "timestamp") }

	if _, ok := cols["name"]; ok && isTimestamp(cols["applied_at"]) {
		return FormatName, nil
	}
	if _, ok := cols["hash"]; ok {
		if cols["created_at"] == "bigint" {
			return FormatDrizzleKit, nil
		}
		if isTimestamp(cols["applied_at"]) {
			return FormatHash, nil
		}
	}
	return "", ErrUnknownFormat
}

// Resolve decides the effective format for a schema. When the table exists
// the live layout always wins, even over a fixed configuration, so an
// executor never writes rows a pre-existing table cannot hold. When the
// table is absent the configured format is used, with defaultFormat standing
// in for auto.
func Resolve(ctx context.Context, pool *pgxpool.Pool, schemaName, tableName string, configured, defaultFormat Format) (Detected, bool, error) {
	detected, err := Detect(ctx, pool, schemaName, tableName)
	if err != nil {
		return Detected{}, false, err
	}
	if detected != nil {
		return *detected, true, nil
	}

	f := configured
	if f == FormatAuto || f == "" {
		f = defaultFormat
		if f == "" || f == FormatAuto {
			f = FormatName
		}
	}
	return detectedFor(f, tableName), false, nil
}

// EnsureBookkeeping creates the bookkeeping table for the given layout if it
// does not exist. Idempotent.
func EnsureBookkeeping(ctx context.Context, pool *pgxpool.Pool, schemaName string, d Detected) error {
	if _, err := pool.Exec(ctx, createBookkeepingSQL(schemaName, d)); err != nil {
		return fmt.Errorf("ensure bookkeeping table %s.%s: %w", schemaName, d.TableName, err)
	}
	return nil
}

// createBookkeepingSQL renders the CREATE TABLE statement for a layout.
func createBookkeepingSQL(schemaName string, d Detected) string {
	target := QuoteIdent(schemaName) + "." + QuoteIdent(d.TableName)
	switch d.Format {
	case FormatName:
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id SERIAL PRIMARY KEY,
	name VARCHAR(255) NOT NULL UNIQUE,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, target)
	case FormatDrizzleKit:
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id SERIAL PRIMARY KEY,
	hash TEXT NOT NULL,
	created_at BIGINT
)`, target)
	default: // FormatHash
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id SERIAL PRIMARY KEY,
	hash TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, target)
	}
}

// BookkeepingExists reports whether the bookkeeping table is present in the
// schema.
func BookkeepingExists(ctx context.Context, pool *pgxpool.Pool, schemaName, tableName string) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM information_schema.tables
		 WHERE table_schema = $1 AND table_name = $2)`,
		schemaName, tableName).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check bookkeeping table %s.%s: %w", schemaName, tableName, err)
	}
	return exists, nil
}
