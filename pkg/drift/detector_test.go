package drift

import (
	"testing"

	"github.com/tenantkit/tenantkit/pkg/schema"
)

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

func refInfo() *schema.Info {
	return &schema.Info{
		SchemaName: "tenant_ref",
		Tables: []schema.TableInfo{
			{
				Name: "users",
				Columns: []schema.ColumnInfo{
					{Name: "id", UDTName: "uuid", Nullable: false, Ordinal: 1},
					{Name: "email", UDTName: "varchar", CharLen: intPtr(255), Nullable: false, Ordinal: 2},
					{Name: "balance", UDTName: "numeric", Precision: intPtr(10), Scale: intPtr(2), Nullable: true, Ordinal: 3},
				},
			},
			{
				Name: "orders",
				Columns: []schema.ColumnInfo{
					{Name: "id", UDTName: "int8", Nullable: false, Ordinal: 1},
				},
			},
		},
	}
}

func TestCompareSchemasSelfHasNoDrift(t *testing.T) {
	ref := refInfo()
	tables := compareSchemas(ref, ref)
	if n := countIssues(tables); n != 0 {
		t.Fatalf("issues = %d against self, want 0", n)
	}
	for _, tbl := range tables {
		if tbl.Status != TableOK {
			t.Fatalf("table %s status = %s", tbl.Name, tbl.Status)
		}
	}
}

func TestCompareSchemasMissingAndExtraTables(t *testing.T) {
	actual := &schema.Info{
		SchemaName: "tenant_a",
		Tables: []schema.TableInfo{
			refInfo().Tables[0],
			{Name: "audit_log", Columns: []schema.ColumnInfo{{Name: "id", UDTName: "int8"}}},
		},
	}

	tables := compareSchemas(refInfo(), actual)
	statuses := map[string]TableStatus{}
	for _, tbl := range tables {
		statuses[tbl.Name] = tbl.Status
	}
	if statuses["orders"] != TableMissing {
		t.Errorf("orders status = %s, want missing", statuses["orders"])
	}
	if statuses["audit_log"] != TableExtra {
		t.Errorf("audit_log status = %s, want extra", statuses["audit_log"])
	}
	if statuses["users"] != TableOK {
		t.Errorf("users status = %s, want ok", statuses["users"])
	}
	if countIssues(tables) != 2 {
		t.Errorf("issues = %d, want 2", countIssues(tables))
	}
}

func TestCompareColumnsKinds(t *testing.T) {
	ref := []schema.ColumnInfo{
		{Name: "id", UDTName: "uuid", Nullable: false},
		{Name: "email", UDTName: "varchar", CharLen: intPtr(255), Nullable: false},
		{Name: "balance", UDTName: "numeric", Precision: intPtr(10), Scale: intPtr(2)},
		{Name: "created_at", UDTName: "timestamptz", Default: strPtr("now()")},
		{Name: "gone", UDTName: "text"},
	}
	actual := []schema.ColumnInfo{
		{Name: "id", UDTName: "uuid", Nullable: true},
		{Name: "email", UDTName: "varchar", CharLen: intPtr(100), Nullable: false},
		{Name: "balance", UDTName: "numeric", Precision: intPtr(12), Scale: intPtr(2)},
		{Name: "created_at", UDTName: "timestamptz"},
		{Name: "surprise", UDTName: "text"},
	}

	diffs := compareColumns(ref, actual)
	kinds := map[string][]DiffKind{}
	for _, d := range diffs {
		kinds[d.Column] = append(kinds[d.Column], d.Kind)
	}

	expect := map[string]DiffKind{
		"id":         KindNullableMismatch,
		"email":      KindTypeMismatch,
		"balance":    KindTypeMismatch,
		"created_at": KindDefaultMismatch,
		"gone":       KindMissing,
		"surprise":   KindExtra,
	}
	for col, want := range expect {
		found := false
		for _, k := range kinds[col] {
			if k == want {
				found = true
			}
		}
		if !found {
			t.Errorf("column %s: kinds = %v, want %s", col, kinds[col], want)
		}
	}
}

func TestColumnTypeRendering(t *testing.T) {
	cases := []struct {
		col  schema.ColumnInfo
		want string
	}{
		{schema.ColumnInfo{UDTName: "uuid"}, "uuid"},
		{schema.ColumnInfo{UDTName: "varchar", CharLen: intPtr(64)}, "varchar(64)"},
		{schema.ColumnInfo{UDTName: "numeric", Precision: intPtr(10), Scale: intPtr(2)}, "numeric(10,2)"},
	}
	for _, tc := range cases {
		if got := columnType(tc.col); got != tc.want {
			t.Errorf("columnType = %s, want %s", got, tc.want)
		}
	}
}

func TestCanonicalDefStripsSchema(t *testing.T) {
	a := canonicalDef(`CREATE UNIQUE INDEX users_email_key ON tenant_a.users  USING btree (email)`, "tenant_a")
	b := canonicalDef(`CREATE UNIQUE INDEX users_email_key ON "tenant_b".users USING btree (email)`, "tenant_b")
	if a != b {
		t.Fatalf("canonical defs differ:\n%s\n%s", a, b)
	}
}

func TestCompareIndexesDefinitionMismatch(t *testing.T) {
	ref := []schema.IndexInfo{
		{Name: "users_email_idx", Definition: "CREATE INDEX users_email_idx ON tenant_ref.users USING btree (email)"},
	}
	actual := []schema.IndexInfo{
		{Name: "users_email_idx", Definition: "CREATE INDEX users_email_idx ON tenant_a.users USING hash (email)"},
	}

	diffs := compareIndexes(ref, actual, "tenant_ref", "tenant_a")
	if len(diffs) != 1 || diffs[0].Kind != KindDefinitionMismatch {
		t.Fatalf("diffs = %+v", diffs)
	}
}

func TestCompareConstraintsMissing(t *testing.T) {
	ref := []schema.ConstraintInfo{
		{Name: "users_pkey", Kind: schema.ConstraintPK, Definition: "PRIMARY KEY (id)"},
	}

	diffs := compareConstraints(ref, nil, "tenant_ref", "tenant_a")
	if len(diffs) != 1 || diffs[0].Kind != KindMissing || diffs[0].Constraint != "users_pkey" {
		t.Fatalf("diffs = %+v", diffs)
	}
}
