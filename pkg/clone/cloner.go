// Package clone copies a tenant schema's structure, and optionally its data,
// into a new tenant schema.
package clone

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/tenantkit/tenantkit/pkg/schema"
)

// Phases reported through OnProgress, in order.
const (
	PhaseIntrospecting       = "introspecting"
	PhaseCreatingSchema      = "creating_schema"
	PhaseCreatingSequences   = "creating_sequences"
	PhaseCreatingTables      = "creating_tables"
	PhaseCreatingIndexes     = "creating_indexes"
	PhaseCreatingConstraints = "creating_constraints"
	PhaseCopyingData         = "copying_data"
)

// Rule transforms one column's value during data copy. Exactly one of the
// fields is set.
type Rule struct {
	Null    bool
	Literal any
	Func    func(value any) any
}

// NullRule blanks the column.
func NullRule() Rule { return Rule{Null: true} }

// LiteralRule replaces the column with a fixed value.
func LiteralRule(v any) Rule { return Rule{Literal: v} }

// FuncRule replaces the column with a computed value.
func FuncRule(fn func(value any) any) Rule { return Rule{Func: fn} }

// UUIDRule replaces the column with a fresh random UUID per row.
func UUIDRule() Rule {
	return Rule{Func: func(any) any { return uuid.NewString() }}
}

// AnonymizeConfig maps table name to column name to the rule applied before
// insert.
type AnonymizeConfig struct {
	Enabled bool
	Rules   map[string]map[string]Rule
}

// Options controls a clone operation.
type Options struct {
	IncludeData   bool
	Anonymize     AnonymizeConfig
	ExcludeTables []string
	// BatchSize is the number of rows per INSERT during data copy; defaults
	// to 500.
	BatchSize int
	// OnProgress receives phase transitions; during copying_data, progress
	// and total carry per-table row counts.
	OnProgress func(phase, table string, progress, total int64)
}

// Result is the outcome of a clone operation.
type Result struct {
	OperationID  string        `json:"operationId"`
	SourceTenant string        `json:"sourceTenant"`
	TargetTenant string        `json:"targetTenant"`
	Success      bool          `json:"success"`
	Tables       []string      `json:"tables,omitempty"`
	RowsCopied   int64         `json:"rowsCopied"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`
}

// OpenPoolFunc opens a fresh pool bound to a schema.
type OpenPoolFunc func(ctx context.Context, schemaName string) (*pgxpool.Pool, error)

// Cloner copies tenant schemas.
type Cloner struct {
	schemas  *schema.Manager
	openPool OpenPoolFunc
	logger   zerolog.Logger
}

// NewCloner creates a Cloner.
func NewCloner(schemas *schema.Manager, openPool OpenPoolFunc, logger zerolog.Logger) *Cloner {
	return &Cloner{schemas: schemas, openPool: openPool, logger: logger}
}

// Clone copies sourceID's schema into a new schema for targetID. The target
// schema must not exist. Structure always copies; data only with
// opts.IncludeData. The clone is not one transaction; on failure the target
// schema is left as-is for the caller to inspect or drop.
func (c *Cloner) Clone(ctx context.Context, sourceID, targetID string, opts Options) Result {
	start := time.Now()
	res := Result{
		OperationID:  uuid.NewString(),
		SourceTenant: sourceID,
		TargetTenant: targetID,
	}
	fail := func(err error) Result {
		res.Error = err.Error()
		res.Duration = time.Since(start)
		return res
	}
	progress := func(phase, table string, done, total int64) {
		if opts.OnProgress != nil {
			opts.OnProgress(phase, table, done, total)
		}
	}

	if err := schema.ValidateTenantID(sourceID); err != nil {
		return fail(err)
	}
	if err := schema.ValidateTenantID(targetID); err != nil {
		return fail(err)
	}
	srcSchema := c.schemas.SchemaName(sourceID)
	dstSchema := c.schemas.SchemaName(targetID)

	srcExists, err := c.schemas.SchemaExists(ctx, sourceID)
	if err != nil {
		return fail(err)
	}
	if !srcExists {
		return fail(fmt.Errorf("source schema %s does not exist", srcSchema))
	}
	dstExists, err := c.schemas.SchemaExists(ctx, targetID)
	if err != nil {
		return fail(err)
	}
	if dstExists {
		return fail(fmt.Errorf("target schema %s already exists", dstSchema))
	}

	progress(PhaseIntrospecting, "", 0, 0)
	srcPool, err := c.openPool(ctx, srcSchema)
	if err != nil {
		return fail(err)
	}
	defer srcPool.Close()

	info, err := schema.Introspect(ctx, srcPool, srcSchema, schema.IntrospectOptions{
		IncludeIndexes:     true,
		IncludeConstraints: true,
		IncludeSequences:   true,
		ExcludeTables:      opts.ExcludeTables,
	})
	if err != nil {
		return fail(err)
	}

	progress(PhaseCreatingSchema, "", 0, 0)
	if err := c.schemas.CreateSchema(ctx, targetID); err != nil {
		return fail(err)
	}

	dstPool, err := c.openPool(ctx, dstSchema)
	if err != nil {
		return fail(err)
	}
	defer dstPool.Close()

	// Sequences first so serial defaults resolve when the tables arrive.
	progress(PhaseCreatingSequences, "", 0, int64(len(info.Sequences)))
	for i, seq := range info.Sequences {
		if _, err := dstPool.Exec(ctx, buildCreateSequence(dstSchema, seq)); err != nil {
			return fail(fmt.Errorf("create sequence %s: %w", seq.Name, err))
		}
		progress(PhaseCreatingSequences, seq.Name, int64(i+1), int64(len(info.Sequences)))
	}

	tables := sortTables(info.Tables)

	progress(PhaseCreatingTables, "", 0, int64(len(tables)))
	for i, t := range tables {
		if _, err := dstPool.Exec(ctx, buildCreateTable(srcSchema, dstSchema, t)); err != nil {
			return fail(fmt.Errorf("create table %s: %w", t.Name, err))
		}
		res.Tables = append(res.Tables, t.Name)
		progress(PhaseCreatingTables, t.Name, int64(i+1), int64(len(tables)))
	}

	// Serial-owned sequences drop with their column; restore the ownership
	// now that the owning tables exist.
	for _, seq := range info.Sequences {
		if seq.OwnedTable == "" || seq.OwnedColumn == "" {
			continue
		}
		ddl := fmt.Sprintf("ALTER SEQUENCE %s.%s OWNED BY %s.%s.%s",
			schema.QuoteIdent(dstSchema), schema.QuoteIdent(seq.Name),
			schema.QuoteIdent(dstSchema), schema.QuoteIdent(seq.OwnedTable), schema.QuoteIdent(seq.OwnedColumn))
		if _, err := dstPool.Exec(ctx, ddl); err != nil {
			return fail(fmt.Errorf("attach sequence %s: %w", seq.Name, err))
		}
	}

	// PK/UNIQUE/CHECK first so FKs have something to reference, FKs after
	// every table exists.
	progress(PhaseCreatingConstraints, "", 0, 0)
	if err := c.createConstraints(ctx, dstPool, dstSchema, tables, false); err != nil {
		return fail(err)
	}

	progress(PhaseCreatingIndexes, "", 0, 0)
	for _, t := range tables {
		constraintNames := make(map[string]bool, len(t.Constraints))
		for _, con := range t.Constraints {
			constraintNames[con.Name] = true
		}
		for _, idx := range t.Indexes {
			// Constraint-backed indexes were already created with the
			// constraint.
			if constraintNames[idx.Name] {
				continue
			}
			if _, err := dstPool.Exec(ctx, rewriteIndexDef(idx.Definition, srcSchema, dstSchema)); err != nil {
				return fail(fmt.Errorf("create index %s: %w", idx.Name, err))
			}
		}
	}

	if err := c.createConstraints(ctx, dstPool, dstSchema, tables, true); err != nil {
		return fail(err)
	}

	if opts.IncludeData {
		batchSize := opts.BatchSize
		if batchSize <= 0 {
			batchSize = 500
		}
		for _, t := range tables {
			var rules map[string]Rule
			if opts.Anonymize.Enabled {
				rules = opts.Anonymize.Rules[t.Name]
			}
			copied, err := c.copyTable(ctx, srcPool, dstPool, srcSchema, dstSchema, t, rules, batchSize,
				func(done, total int64) { progress(PhaseCopyingData, t.Name, done, total) })
			if err != nil {
				return fail(fmt.Errorf("copy data for %s: %w", t.Name, err))
			}
			res.RowsCopied += copied
		}
	}

	c.logger.Info().
		Str("source", sourceID).
		Str("target", targetID).
		Int("tables", len(res.Tables)).
		Int64("rows", res.RowsCopied).
		Dur("duration", time.Since(start)).
		Msg("tenant cloned")

	res.Success = true
	res.Duration = time.Since(start)
	return res
}

func (c *Cloner) createConstraints(ctx context.Context, pool *pgxpool.Pool, dstSchema string, tables []schema.TableInfo, foreignKeys bool) error {
	for _, t := range tables {
		for _, con := range t.Constraints {
			if (con.Kind == schema.ConstraintFK) != foreignKeys {
				continue
			}
			ddl := fmt.Sprintf("ALTER TABLE %s.%s ADD CONSTRAINT %s %s",
				schema.QuoteIdent(dstSchema), schema.QuoteIdent(t.Name),
				schema.QuoteIdent(con.Name), con.Definition)
			if _, err := pool.Exec(ctx, ddl); err != nil {
				return fmt.Errorf("add constraint %s on %s: %w", con.Name, t.Name, err)
			}
		}
	}
	return nil
}

func (c *Cloner) copyTable(ctx context.Context, src, dst *pgxpool.Pool, srcSchema, dstSchema string, t schema.TableInfo, rules map[string]Rule, batchSize int, progress func(done, total int64)) (int64, error) {
	srcTable := schema.QuoteIdent(srcSchema) + "." + schema.QuoteIdent(t.Name)
	dstTable := schema.QuoteIdent(dstSchema) + "." + schema.QuoteIdent(t.Name)

	var total int64
	if err := src.QueryRow(ctx, "SELECT COUNT(*) FROM "+srcTable).Scan(&total); err != nil {
		return 0, err
	}
	if total == 0 {
		progress(0, 0)
		return 0, nil
	}

	cols := make([]string, len(t.Columns))
	quoted := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		cols[i] = col.Name
		quoted[i] = schema.QuoteIdent(col.Name)
	}
	colList := strings.Join(quoted, ", ")

	rows, err := src.Query(ctx, fmt.Sprintf("SELECT %s FROM %s", colList, srcTable))
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var (
		copied int64
		batch  [][]any
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		query, args := buildInsert(dstTable, quoted, batch)
		if _, err := dst.Exec(ctx, query, args...); err != nil {
			return err
		}
		copied += int64(len(batch))
		batch = batch[:0]
		progress(copied, total)
		return nil
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return copied, err
		}
		batch = append(batch, applyRules(cols, values, rules))
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return copied, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return copied, err
	}
	if err := flush(); err != nil {
		return copied, err
	}
	return copied, nil
}

// applyRules transforms one row. values is mutated and returned.
func applyRules(cols []string, values []any, rules map[string]Rule) []any {
	if len(rules) == 0 {
		return values
	}
	for i, col := range cols {
		rule, ok := rules[col]
		if !ok {
			continue
		}
		switch {
		case rule.Null:
			values[i] = nil
		case rule.Func != nil:
			values[i] = rule.Func(values[i])
		default:
			values[i] = rule.Literal
		}
	}
	return values
}

// buildInsert renders one multi-row INSERT with positional placeholders.
func buildInsert(table string, quotedCols []string, rows [][]any) (string, []any) {
	var sb strings.Builder
	args := make([]any, 0, len(rows)*len(quotedCols))

	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", table, strings.Join(quotedCols, ", "))
	for r, row := range rows {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for c := range quotedCols {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", len(args)+1)
			args = append(args, row[c])
		}
		sb.WriteString(")")
	}
	return sb.String(), args
}

// sortTables orders tables so FK-referenced tables come before their
// dependents. Self-references are ignored; cycles fall back to name order at
// the end.
func sortTables(tables []schema.TableInfo) []schema.TableInfo {
	byName := make(map[string]schema.TableInfo, len(tables))
	indegree := make(map[string]int, len(tables))
	dependents := make(map[string][]string, len(tables))
	for _, t := range tables {
		byName[t.Name] = t
		indegree[t.Name] = 0
	}
	for _, t := range tables {
		for _, con := range t.Constraints {
			ref := con.ReferencedTable
			if con.Kind != schema.ConstraintFK || ref == "" || ref == t.Name {
				continue
			}
			if _, ok := byName[ref]; !ok {
				continue
			}
			indegree[t.Name]++
			dependents[ref] = append(dependents[ref], t.Name)
		}
	}

	var queue []string
	for _, t := range tables {
		if indegree[t.Name] == 0 {
			queue = append(queue, t.Name)
		}
	}

	out := make([]schema.TableInfo, 0, len(tables))
	placed := make(map[string]bool, len(tables))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		out = append(out, byName[name])
		placed[name] = true
		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	for _, t := range tables {
		if !placed[t.Name] {
			out = append(out, t)
		}
	}
	return out
}

// buildCreateSequence renders CREATE SEQUENCE DDL from pg_sequence metadata.
func buildCreateSequence(schemaName string, seq schema.SequenceInfo) string {
	cycle := "NO CYCLE"
	if seq.Cycle {
		cycle = "CYCLE"
	}
	return fmt.Sprintf(
		"CREATE SEQUENCE %s.%s AS %s INCREMENT BY %d MINVALUE %d MAXVALUE %d START WITH %d CACHE %d %s",
		schema.QuoteIdent(schemaName), schema.QuoteIdent(seq.Name),
		seq.DataType, seq.Increment, seq.Min, seq.Max, seq.Start, seq.Cache, cycle)
}

// buildCreateTable renders bare-column DDL; constraints and indexes are added
// in later phases. Identity columns keep their identity clause; other
// defaults are copied with sequence references requalified to the target
// schema.
func buildCreateTable(srcSchema, dstSchema string, t schema.TableInfo) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "CREATE TABLE %s.%s (", schema.QuoteIdent(dstSchema), schema.QuoteIdent(t.Name))
	for i, col := range t.Columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s %s", schema.QuoteIdent(col.Name), columnSQLType(col))
		if !col.Nullable {
			sb.WriteString(" NOT NULL")
		}
		switch {
		case col.Identity != "":
			fmt.Fprintf(&sb, " GENERATED %s AS IDENTITY", col.Identity)
		case col.Default != nil:
			fmt.Fprintf(&sb, " DEFAULT %s", rewriteDefault(*col.Default, srcSchema, dstSchema))
		}
	}
	sb.WriteString(")")
	return sb.String()
}

var nextvalRef = regexp.MustCompile(`nextval\('([^']+)'`)

// rewriteDefault requalifies sequence references in a column default so they
// resolve in the target schema. PostgreSQL renders the nextval regclass
// argument relative to the source search_path, so the sequence may appear
// bare, schema-qualified, or quoted.
func rewriteDefault(def, srcSchema, dstSchema string) string {
	return nextvalRef.ReplaceAllStringFunc(def, func(m string) string {
		ref := nextvalRef.FindStringSubmatch(m)[1]
		ref = strings.TrimPrefix(ref, fmt.Sprintf("%q.", srcSchema))
		ref = strings.TrimPrefix(ref, srcSchema+".")
		if !strings.HasPrefix(ref, `"`) {
			ref = schema.QuoteIdent(ref)
		}
		return fmt.Sprintf("nextval('%s.%s'", schema.QuoteIdent(dstSchema), ref)
	})
}

// columnSQLType renders the column type for DDL from information_schema
// metadata.
func columnSQLType(col schema.ColumnInfo) string {
	switch col.DataType {
	case "ARRAY":
		// udt_name carries the element type with a leading underscore.
		return strings.TrimPrefix(col.UDTName, "_") + "[]"
	case "USER-DEFINED":
		return schema.QuoteIdent(col.UDTName)
	case "character varying", "character":
		if col.CharLen != nil {
			return fmt.Sprintf("%s(%d)", col.DataType, *col.CharLen)
		}
		return col.DataType
	case "numeric":
		if col.Precision != nil && col.Scale != nil {
			return fmt.Sprintf("numeric(%d,%d)", *col.Precision, *col.Scale)
		}
		return "numeric"
	default:
		return col.DataType
	}
}

// rewriteIndexDef points a pg_indexes definition at the target schema.
func rewriteIndexDef(def, srcSchema, dstSchema string) string {
	def = strings.ReplaceAll(def, fmt.Sprintf("%q.", srcSchema), schema.QuoteIdent(dstSchema)+".")
	def = strings.ReplaceAll(def, srcSchema+".", schema.QuoteIdent(dstSchema)+".")
	return def
}
