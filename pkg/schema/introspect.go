package schema

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ColumnInfo describes one table column as seen in information_schema.
type ColumnInfo struct {
	Name      string  `json:"name"`
	UDTName   string  `json:"udtName"`
	DataType  string  `json:"dataType"`
	Nullable  bool    `json:"nullable"`
	Default   *string `json:"default,omitempty"`
	Ordinal   int     `json:"ordinal"`
	CharLen   *int    `json:"charLen,omitempty"`
	Precision *int    `json:"precision,omitempty"`
	Scale     *int    `json:"scale,omitempty"`
	// Identity holds identity_generation ("ALWAYS" or "BY DEFAULT"); empty
	// for non-identity columns.
	Identity string `json:"identity,omitempty"`
}

// IndexInfo describes one index from pg_indexes.
type IndexInfo struct {
	Name       string   `json:"name"`
	Definition string   `json:"definition"`
	Columns    []string `json:"columns"`
	Unique     bool     `json:"unique"`
}

// ConstraintKind classifies a table constraint.
type ConstraintKind string

const (
	ConstraintPK     ConstraintKind = "PK"
	ConstraintFK     ConstraintKind = "FK"
	ConstraintUnique ConstraintKind = "UNIQUE"
	ConstraintCheck  ConstraintKind = "CHECK"
)

// ConstraintInfo describes one constraint from pg_constraint.
type ConstraintInfo struct {
	Name       string         `json:"name"`
	Kind       ConstraintKind `json:"kind"`
	Definition string         `json:"definition"`
	// ReferencedTable is set for FK constraints; the cloner uses it to order
	// table creation.
	ReferencedTable string `json:"referencedTable,omitempty"`
}

// TableInfo is the introspected structure of one table.
type TableInfo struct {
	Name        string           `json:"name"`
	Columns     []ColumnInfo     `json:"columns"`
	Indexes     []IndexInfo      `json:"indexes,omitempty"`
	Constraints []ConstraintInfo `json:"constraints,omitempty"`
}

// SequenceInfo describes one sequence from pg_sequence. Sequences backing
// identity columns are excluded; the identity clause on the column recreates
// them implicitly.
type SequenceInfo struct {
	Name      string `json:"name"`
	DataType  string `json:"dataType"`
	Start     int64  `json:"start"`
	Increment int64  `json:"increment"`
	Min       int64  `json:"min"`
	Max       int64  `json:"max"`
	Cache     int64  `json:"cache"`
	Cycle     bool   `json:"cycle"`
	// OwnedTable/OwnedColumn are set for serial-owned sequences, which drop
	// with their column.
	OwnedTable  string `json:"ownedTable,omitempty"`
	OwnedColumn string `json:"ownedColumn,omitempty"`
}

// Info is the introspected structure of a schema.
type Info struct {
	SchemaName string         `json:"schemaName"`
	Tables     []TableInfo    `json:"tables"`
	Sequences  []SequenceInfo `json:"sequences,omitempty"`
}

// IntrospectOptions selects what Introspect reads.
type IntrospectOptions struct {
	IncludeIndexes     bool
	IncludeConstraints bool
	IncludeSequences   bool
	ExcludeTables      []string
}

// Introspect reads the structure of every base table in schemaName through
// information_schema and pg_catalog.
func Introspect(ctx context.Context, pool *pgxpool.Pool, schemaName string, opts IntrospectOptions) (*Info, error) {
	excluded := make(map[string]bool, len(opts.ExcludeTables))
	for _, t := range opts.ExcludeTables {
		excluded[t] = true
	}

	tables, err := introspectTables(ctx, pool, schemaName, excluded)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]*TableInfo, len(tables))
	info := &Info{SchemaName: schemaName, Tables: make([]TableInfo, len(tables))}
	for i, name := range tables {
		info.Tables[i] = TableInfo{Name: name}
		byName[name] = &info.Tables[i]
	}

	if err := introspectColumns(ctx, pool, schemaName, byName); err != nil {
		return nil, err
	}
	if opts.IncludeIndexes {
		if err := introspectIndexes(ctx, pool, schemaName, byName); err != nil {
			return nil, err
		}
	}
	if opts.IncludeConstraints {
		if err := introspectConstraints(ctx, pool, schemaName, byName); err != nil {
			return nil, err
		}
	}
	if opts.IncludeSequences {
		seqs, err := introspectSequences(ctx, pool, schemaName)
		if err != nil {
			return nil, err
		}
		info.Sequences = seqs
	}
	return info, nil
}

func introspectTables(ctx context.Context, pool *pgxpool.Pool, schemaName string, excluded map[string]bool) ([]string, error) {
	rows, err := pool.Query(ctx,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		 ORDER BY table_name`, schemaName)
	if err != nil {
		return nil, fmt.Errorf("list tables in %s: %w", schemaName, err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		if !excluded[name] {
			tables = append(tables, name)
		}
	}
	return tables, rows.Err()
}

func introspectColumns(ctx context.Context, pool *pgxpool.Pool, schemaName string, byName map[string]*TableInfo) error {
	rows, err := pool.Query(ctx,
		`SELECT table_name, column_name, udt_name, data_type, is_nullable,
		        column_default, ordinal_position,
		        character_maximum_length, numeric_precision, numeric_scale,
		        identity_generation
		 FROM information_schema.columns
		 WHERE table_schema = $1
		 ORDER BY table_name, ordinal_position`, schemaName)
	if err != nil {
		return fmt.Errorf("list columns in %s: %w", schemaName, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			table, nullable           string
			col                       ColumnInfo
			charLen, precision, scale *int
			identity                  *string
		)
		if err := rows.Scan(&table, &col.Name, &col.UDTName, &col.DataType, &nullable,
			&col.Default, &col.Ordinal, &charLen, &precision, &scale, &identity); err != nil {
			return fmt.Errorf("scan column: %w", err)
		}
		col.Nullable = nullable == "YES"
		col.CharLen = charLen
		col.Precision = precision
		col.Scale = scale
		if identity != nil {
			col.Identity = *identity
		}
		if t, ok := byName[table]; ok {
			t.Columns = append(t.Columns, col)
		}
	}
	return rows.Err()
}

func introspectIndexes(ctx context.Context, pool *pgxpool.Pool, schemaName string, byName map[string]*TableInfo) error {
	rows, err := pool.Query(ctx,
		`SELECT tablename, indexname, indexdef FROM pg_indexes
		 WHERE schemaname = $1 ORDER BY indexname`, schemaName)
	if err != nil {
		return fmt.Errorf("list indexes in %s: %w", schemaName, err)
	}
	defer rows.Close()

	for rows.Next() {
		var table string
		var idx IndexInfo
		if err := rows.Scan(&table, &idx.Name, &idx.Definition); err != nil {
			return fmt.Errorf("scan index: %w", err)
		}
		idx.Unique = strings.Contains(idx.Definition, " UNIQUE INDEX ")
		idx.Columns = indexColumns(idx.Definition)
		if t, ok := byName[table]; ok {
			t.Indexes = append(t.Indexes, idx)
		}
	}
	return rows.Err()
}

// indexColumns pulls the column list out of a CREATE INDEX definition.
func indexColumns(def string) []string {
	open := strings.Index(def, "(")
	end := strings.LastIndex(def, ")")
	if open < 0 || end <= open {
		return nil
	}
	parts := strings.Split(def[open+1:end], ",")
	cols := make([]string, 0, len(parts))
	for _, p := range parts {
		cols = append(cols, strings.Trim(strings.TrimSpace(p), `"`))
	}
	return cols
}

// introspectSequences reads sequence definitions from pg_sequence. Identity
// sequences (pg_depend deptype 'i') are filtered out; serial-owned sequences
// (deptype 'a') carry their owning table and column.
func introspectSequences(ctx context.Context, pool *pgxpool.Pool, schemaName string) ([]SequenceInfo, error) {
	rows, err := pool.Query(ctx,
		`SELECT cls.relname,
		        pg_catalog.format_type(seq.seqtypid, NULL),
		        seq.seqstart, seq.seqincrement, seq.seqmin, seq.seqmax,
		        seq.seqcache, seq.seqcycle,
		        COALESCE(tbl.relname, ''), COALESCE(att.attname, '')
		 FROM pg_sequence seq
		 JOIN pg_class cls ON cls.oid = seq.seqrelid
		 JOIN pg_namespace nsp ON nsp.oid = cls.relnamespace
		 LEFT JOIN pg_depend dep ON dep.objid = cls.oid
		      AND dep.classid = 'pg_class'::regclass
		      AND dep.refclassid = 'pg_class'::regclass
		      AND dep.deptype IN ('a', 'i')
		 LEFT JOIN pg_class tbl ON tbl.oid = dep.refobjid
		 LEFT JOIN pg_attribute att ON att.attrelid = dep.refobjid AND att.attnum = dep.refobjsubid
		 WHERE nsp.nspname = $1 AND COALESCE(dep.deptype, '') <> 'i'
		 ORDER BY cls.relname`, schemaName)
	if err != nil {
		return nil, fmt.Errorf("list sequences in %s: %w", schemaName, err)
	}
	defer rows.Close()

	var seqs []SequenceInfo
	for rows.Next() {
		var s SequenceInfo
		if err := rows.Scan(&s.Name, &s.DataType, &s.Start, &s.Increment, &s.Min, &s.Max,
			&s.Cache, &s.Cycle, &s.OwnedTable, &s.OwnedColumn); err != nil {
			return nil, fmt.Errorf("scan sequence: %w", err)
		}
		seqs = append(seqs, s)
	}
	return seqs, rows.Err()
}

func introspectConstraints(ctx context.Context, pool *pgxpool.Pool, schemaName string, byName map[string]*TableInfo) error {
	rows, err := pool.Query(ctx,
		`SELECT rel.relname, con.conname, con.contype,
		        pg_get_constraintdef(con.oid),
		        COALESCE(confrel.relname, '')
		 FROM pg_constraint con
		 JOIN pg_class rel ON rel.oid = con.conrelid
		 JOIN pg_namespace nsp ON nsp.oid = con.connamespace
		 LEFT JOIN pg_class confrel ON confrel.oid = con.confrelid
		 WHERE nsp.nspname = $1
		 ORDER BY con.conname`, schemaName)
	if err != nil {
		return fmt.Errorf("list constraints in %s: %w", schemaName, err)
	}
	defer rows.Close()

	for rows.Next() {
		var table, contype, refTable string
		var c ConstraintInfo
		if err := rows.Scan(&table, &c.Name, &contype, &c.Definition, &refTable); err != nil {
			return fmt.Errorf("scan constraint: %w", err)
		}
		switch contype {
		case "p":
			c.Kind = ConstraintPK
		case "f":
			c.Kind = ConstraintFK
			c.ReferencedTable = refTable
		case "u":
			c.Kind = ConstraintUnique
		case "c":
			c.Kind = ConstraintCheck
		default:
			continue
		}
		if t, ok := byName[table]; ok {
			t.Constraints = append(t.Constraints, c)
		}
	}
	return rows.Err()
}
