// Package drift compares tenant schema structure against a reference tenant
// and reports structured differences.
package drift

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/tenantkit/tenantkit/pkg/schema"
)

// DiffKind classifies a single structural difference.
type DiffKind string

const (
	KindMissing            DiffKind = "missing"
	KindExtra              DiffKind = "extra"
	KindTypeMismatch       DiffKind = "type_mismatch"
	KindNullableMismatch   DiffKind = "nullable_mismatch"
	KindDefaultMismatch    DiffKind = "default_mismatch"
	KindDefinitionMismatch DiffKind = "definition_mismatch"
)

// ColumnDiff is one column-level difference between reference and tenant.
type ColumnDiff struct {
	Column      string   `json:"column"`
	Kind        DiffKind `json:"kind"`
	Expected    string   `json:"expected,omitempty"`
	Actual      string   `json:"actual,omitempty"`
	Description string   `json:"description"`
}

// IndexDiff is one index-level difference.
type IndexDiff struct {
	Index    string   `json:"index"`
	Kind     DiffKind `json:"kind"`
	Expected string   `json:"expected,omitempty"`
	Actual   string   `json:"actual,omitempty"`
}

// ConstraintDiff is one constraint-level difference.
type ConstraintDiff struct {
	Constraint string   `json:"constraint"`
	Kind       DiffKind `json:"kind"`
	Expected   string   `json:"expected,omitempty"`
	Actual     string   `json:"actual,omitempty"`
}

// TableStatus summarizes how one table compares to the reference.
type TableStatus string

const (
	TableOK      TableStatus = "ok"
	TableMissing TableStatus = "missing"
	TableExtra   TableStatus = "extra"
	TableDrifted TableStatus = "drifted"
)

// TableDrift is the comparison result for one table.
type TableDrift struct {
	Name            string           `json:"name"`
	Status          TableStatus      `json:"status"`
	ColumnDiffs     []ColumnDiff     `json:"columnDiffs,omitempty"`
	IndexDiffs      []IndexDiff      `json:"indexDiffs,omitempty"`
	ConstraintDiffs []ConstraintDiff `json:"constraintDiffs,omitempty"`
}

// TenantDrift is the comparison result for one tenant.
type TenantDrift struct {
	TenantID   string       `json:"tenantId"`
	Schema     string       `json:"schema,omitempty"`
	HasDrift   bool         `json:"hasDrift"`
	IssueCount int          `json:"issueCount"`
	Tables     []TableDrift `json:"tables,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// Status aggregates a drift run over a tenant set.
type Status struct {
	ReferenceTenant string        `json:"referenceTenant"`
	Total           int           `json:"total"`
	NoDrift         int           `json:"noDrift"`
	WithDrift       int           `json:"withDrift"`
	Errored         int           `json:"errored"`
	Details         []TenantDrift `json:"details"`
	Duration        time.Duration `json:"duration"`
}

// Options tunes a drift run.
type Options struct {
	IncludeIndexes     bool
	IncludeConstraints bool
	ExcludeTables      []string
	// Concurrency bounds the per-tenant introspection fan-out; defaults to 10.
	Concurrency int
}

// OpenPoolFunc opens a fresh pool bound to a schema for one introspection.
type OpenPoolFunc func(ctx context.Context, schemaName string) (*pgxpool.Pool, error)

// Detector compares tenant schemas against a reference tenant.
type Detector struct {
	schemas  *schema.Manager
	openPool OpenPoolFunc
	logger   zerolog.Logger
}

// NewDetector creates a Detector.
func NewDetector(schemas *schema.Manager, openPool OpenPoolFunc, logger zerolog.Logger) *Detector {
	return &Detector{schemas: schemas, openPool: openPool, logger: logger}
}

// Detect introspects the reference tenant once, then every other tenant, and
// reports all structural differences. referenceID defaults to the first
// tenant in the list.
func (d *Detector) Detect(ctx context.Context, tenantIDs []string, referenceID string, opts Options) Status {
	start := time.Now()
	if referenceID == "" && len(tenantIDs) > 0 {
		referenceID = tenantIDs[0]
	}
	status := Status{ReferenceTenant: referenceID, Total: len(tenantIDs)}

	ref, err := d.introspectTenant(ctx, referenceID, opts)
	if err != nil {
		// Without a reference every tenant is unreviewable.
		status.Errored = len(tenantIDs)
		for _, id := range tenantIDs {
			status.Details = append(status.Details, TenantDrift{
				TenantID: id,
				Error:    fmt.Sprintf("introspect reference %s: %v", referenceID, err),
			})
		}
		status.Duration = time.Since(start)
		return status
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}

	details := make([]TenantDrift, len(tenantIDs))
	var wg sync.WaitGroup
	sem := make(chan struct{}, concurrency)
	for i, id := range tenantIDs {
		if id == referenceID {
			details[i] = TenantDrift{TenantID: id, Schema: d.schemas.SchemaName(id)}
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, tenantID string) {
			defer wg.Done()
			defer func() { <-sem }()
			details[idx] = d.compareTenant(ctx, tenantID, ref, opts)
		}(i, id)
	}
	wg.Wait()

	status.Details = details
	for _, det := range details {
		switch {
		case det.Error != "":
			status.Errored++
		case det.HasDrift:
			status.WithDrift++
		default:
			status.NoDrift++
		}
	}
	status.Duration = time.Since(start)
	return status
}

// CompareTenant compares one tenant against an explicit reference tenant.
// Comparing a tenant against itself always reports zero issues.
func (d *Detector) CompareTenant(ctx context.Context, tenantID, referenceID string, opts Options) TenantDrift {
	if tenantID == referenceID {
		return TenantDrift{TenantID: tenantID, Schema: d.schemas.SchemaName(tenantID)}
	}
	ref, err := d.introspectTenant(ctx, referenceID, opts)
	if err != nil {
		return TenantDrift{
			TenantID: tenantID,
			Error:    fmt.Sprintf("introspect reference %s: %v", referenceID, err),
		}
	}
	return d.compareTenant(ctx, tenantID, ref, opts)
}

// Introspect exposes the raw structure of one tenant schema.
func (d *Detector) Introspect(ctx context.Context, tenantID string, opts Options) (*schema.Info, error) {
	return d.introspectTenant(ctx, tenantID, opts)
}

func (d *Detector) introspectTenant(ctx context.Context, tenantID string, opts Options) (*schema.Info, error) {
	if err := schema.ValidateTenantID(tenantID); err != nil {
		return nil, err
	}
	schemaName := d.schemas.SchemaName(tenantID)

	exists, err := d.schemas.SchemaExists(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("schema %s does not exist", schemaName)
	}

	pool, err := d.openPool(ctx, schemaName)
	if err != nil {
		return nil, err
	}
	defer pool.Close()

	return schema.Introspect(ctx, pool, schemaName, schema.IntrospectOptions{
		IncludeIndexes:     opts.IncludeIndexes,
		IncludeConstraints: opts.IncludeConstraints,
		ExcludeTables:      opts.ExcludeTables,
	})
}

func (d *Detector) compareTenant(ctx context.Context, tenantID string, ref *schema.Info, opts Options) TenantDrift {
	drift := TenantDrift{TenantID: tenantID, Schema: d.schemas.SchemaName(tenantID)}

	actual, err := d.introspectTenant(ctx, tenantID, opts)
	if err != nil {
		drift.Error = err.Error()
		return drift
	}

	drift.Tables = compareSchemas(ref, actual)
	drift.IssueCount = countIssues(drift.Tables)
	drift.HasDrift = drift.IssueCount > 0

	if drift.HasDrift {
		d.logger.Warn().
			Str("tenant", tenantID).
			Str("reference", ref.SchemaName).
			Int("issues", drift.IssueCount).
			Msg("schema drift detected")
	}
	return drift
}

// compareSchemas produces table-level drift for every table in the union of
// ref and actual. Tables with no differences are reported with status ok.
func compareSchemas(ref, actual *schema.Info) []TableDrift {
	actualByName := make(map[string]schema.TableInfo, len(actual.Tables))
	for _, t := range actual.Tables {
		actualByName[t.Name] = t
	}

	var out []TableDrift
	seen := make(map[string]bool, len(ref.Tables))
	for _, refTable := range ref.Tables {
		seen[refTable.Name] = true
		actualTable, ok := actualByName[refTable.Name]
		if !ok {
			out = append(out, TableDrift{Name: refTable.Name, Status: TableMissing})
			continue
		}
		out = append(out, compareTable(refTable, actualTable, ref.SchemaName, actual.SchemaName))
	}
	for _, t := range actual.Tables {
		if !seen[t.Name] {
			out = append(out, TableDrift{Name: t.Name, Status: TableExtra})
		}
	}
	return out
}

func compareTable(ref, actual schema.TableInfo, refSchema, actualSchema string) TableDrift {
	td := TableDrift{Name: ref.Name, Status: TableOK}
	td.ColumnDiffs = compareColumns(ref.Columns, actual.Columns)
	td.IndexDiffs = compareIndexes(ref.Indexes, actual.Indexes, refSchema, actualSchema)
	td.ConstraintDiffs = compareConstraints(ref.Constraints, actual.Constraints, refSchema, actualSchema)
	if len(td.ColumnDiffs)+len(td.IndexDiffs)+len(td.ConstraintDiffs) > 0 {
		td.Status = TableDrifted
	}
	return td
}

func compareColumns(ref, actual []schema.ColumnInfo) []ColumnDiff {
	actualByName := make(map[string]schema.ColumnInfo, len(actual))
	for _, c := range actual {
		actualByName[c.Name] = c
	}

	var diffs []ColumnDiff
	seen := make(map[string]bool, len(ref))
	for _, rc := range ref {
		seen[rc.Name] = true
		ac, ok := actualByName[rc.Name]
		if !ok {
			diffs = append(diffs, ColumnDiff{
				Column:      rc.Name,
				Kind:        KindMissing,
				Expected:    columnType(rc),
				Description: fmt.Sprintf("column %s missing", rc.Name),
			})
			continue
		}
		if columnType(rc) != columnType(ac) {
			diffs = append(diffs, ColumnDiff{
				Column:      rc.Name,
				Kind:        KindTypeMismatch,
				Expected:    columnType(rc),
				Actual:      columnType(ac),
				Description: fmt.Sprintf("column %s type %s, expected %s", rc.Name, columnType(ac), columnType(rc)),
			})
		}
		if rc.Nullable != ac.Nullable {
			diffs = append(diffs, ColumnDiff{
				Column:      rc.Name,
				Kind:        KindNullableMismatch,
				Expected:    nullability(rc.Nullable),
				Actual:      nullability(ac.Nullable),
				Description: fmt.Sprintf("column %s is %s, expected %s", rc.Name, nullability(ac.Nullable), nullability(rc.Nullable)),
			})
		}
		if deref(rc.Default) != deref(ac.Default) {
			diffs = append(diffs, ColumnDiff{
				Column:      rc.Name,
				Kind:        KindDefaultMismatch,
				Expected:    deref(rc.Default),
				Actual:      deref(ac.Default),
				Description: fmt.Sprintf("column %s default differs", rc.Name),
			})
		}
	}
	for _, ac := range actual {
		if !seen[ac.Name] {
			diffs = append(diffs, ColumnDiff{
				Column:      ac.Name,
				Kind:        KindExtra,
				Actual:      columnType(ac),
				Description: fmt.Sprintf("unexpected column %s", ac.Name),
			})
		}
	}
	return diffs
}

// columnType renders a comparable type string. Precision and scale are part
// of the type, so numeric(10,2) vs numeric(12,2) is a type mismatch.
func columnType(c schema.ColumnInfo) string {
	t := c.UDTName
	switch {
	case c.CharLen != nil:
		t = fmt.Sprintf("%s(%d)", t, *c.CharLen)
	case c.Precision != nil && c.Scale != nil:
		t = fmt.Sprintf("%s(%d,%d)", t, *c.Precision, *c.Scale)
	case c.Precision != nil:
		t = fmt.Sprintf("%s(%d)", t, *c.Precision)
	}
	return t
}

func nullability(nullable bool) string {
	if nullable {
		return "NULL"
	}
	return "NOT NULL"
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func compareIndexes(ref, actual []schema.IndexInfo, refSchema, actualSchema string) []IndexDiff {
	actualByName := make(map[string]schema.IndexInfo, len(actual))
	for _, i := range actual {
		actualByName[i.Name] = i
	}

	var diffs []IndexDiff
	seen := make(map[string]bool, len(ref))
	for _, ri := range ref {
		seen[ri.Name] = true
		refDef := canonicalDef(ri.Definition, refSchema)
		ai, ok := actualByName[ri.Name]
		if !ok {
			diffs = append(diffs, IndexDiff{Index: ri.Name, Kind: KindMissing, Expected: refDef})
			continue
		}
		if actualDef := canonicalDef(ai.Definition, actualSchema); actualDef != refDef {
			diffs = append(diffs, IndexDiff{
				Index:    ri.Name,
				Kind:     KindDefinitionMismatch,
				Expected: refDef,
				Actual:   actualDef,
			})
		}
	}
	for _, ai := range actual {
		if !seen[ai.Name] {
			diffs = append(diffs, IndexDiff{
				Index:  ai.Name,
				Kind:   KindExtra,
				Actual: canonicalDef(ai.Definition, actualSchema),
			})
		}
	}
	return diffs
}

func compareConstraints(ref, actual []schema.ConstraintInfo, refSchema, actualSchema string) []ConstraintDiff {
	actualByName := make(map[string]schema.ConstraintInfo, len(actual))
	for _, c := range actual {
		actualByName[c.Name] = c
	}

	var diffs []ConstraintDiff
	seen := make(map[string]bool, len(ref))
	for _, rc := range ref {
		seen[rc.Name] = true
		refDef := canonicalDef(rc.Definition, refSchema)
		ac, ok := actualByName[rc.Name]
		if !ok {
			diffs = append(diffs, ConstraintDiff{Constraint: rc.Name, Kind: KindMissing, Expected: refDef})
			continue
		}
		if actualDef := canonicalDef(ac.Definition, actualSchema); actualDef != refDef {
			diffs = append(diffs, ConstraintDiff{
				Constraint: rc.Name,
				Kind:       KindDefinitionMismatch,
				Expected:   refDef,
				Actual:     actualDef,
			})
		}
	}
	for _, ac := range actual {
		if !seen[ac.Name] {
			diffs = append(diffs, ConstraintDiff{
				Constraint: ac.Name,
				Kind:       KindExtra,
				Actual:     canonicalDef(ac.Definition, actualSchema),
			})
		}
	}
	return diffs
}

// canonicalDef makes index/constraint definitions comparable across schemas
// by stripping the schema qualifier and collapsing whitespace.
func canonicalDef(def, schemaName string) string {
	def = strings.ReplaceAll(def, fmt.Sprintf("%q.", schemaName), "")
	def = strings.ReplaceAll(def, schemaName+".", "")
	return strings.Join(strings.Fields(def), " ")
}

func countIssues(tables []TableDrift) int {
	n := 0
	for _, t := range tables {
		switch t.Status {
		case TableMissing, TableExtra:
			n++
		}
		n += len(t.ColumnDiffs) + len(t.IndexDiffs) + len(t.ConstraintDiffs)
	}
	return n
}
