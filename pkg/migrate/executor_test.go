package migrate

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tenantkit/tenantkit/pkg/schema"
)

func set(ids ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func TestIsApplied(t *testing.T) {
	mig := File{Name: "0001_init", Hash: "abc123"}

	if !IsApplied(mig, set("0001_init"), schema.FormatName) {
		t.Error("name format should match by name")
	}
	if IsApplied(mig, set("abc123"), schema.FormatName) {
		t.Error("name format must not match by hash")
	}
	if !IsApplied(mig, set("abc123"), schema.FormatHash) {
		t.Error("hash format should match by hash")
	}
	if !IsApplied(mig, set("0001_init"), schema.FormatHash) {
		t.Error("hash format should still recognize legacy name rows")
	}
	if !IsApplied(mig, set("abc123"), schema.FormatDrizzleKit) {
		t.Error("drizzle-kit format should match by hash")
	}
	if IsApplied(mig, set("other"), schema.FormatHash) {
		t.Error("unrelated identifier must not match")
	}
}

func TestPendingPreservesOrder(t *testing.T) {
	files := []File{
		{Name: "0001_a", Hash: "h1"},
		{Name: "0002_b", Hash: "h2"},
		{Name: "0003_c", Hash: "h3"},
	}
	pending := Pending(files, set("0002_b"), schema.FormatName)
	if len(pending) != 2 || pending[0].Name != "0001_a" || pending[1].Name != "0003_c" {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestInsertSQLByFormat(t *testing.T) {
	mig := File{Name: "0001_init", Hash: "deadbeef"}

	nameExec := NewExecutor(nil, "tenant_acme", schema.Detected{
		Format:           schema.FormatName,
		TableName:        "__drizzle_migrations",
		IdentifierColumn: "name",
		TimestampColumn:  "applied_at",
		TimestampType:    "timestamptz",
	}, zerolog.Nop())
	query, args := nameExec.insertSQL(mig)
	if !strings.Contains(query, `"tenant_acme"."__drizzle_migrations"`) {
		t.Fatalf("query = %s", query)
	}
	if !strings.Contains(query, "NOW()") {
		t.Fatalf("name format should timestamp with NOW(): %s", query)
	}
	if len(args) != 1 || args[0] != "0001_init" {
		t.Fatalf("args = %v", args)
	}

	dkExec := NewExecutor(nil, "tenant_acme", schema.Detected{
		Format:           schema.FormatDrizzleKit,
		TableName:        "__drizzle_migrations",
		IdentifierColumn: "hash",
		TimestampColumn:  "created_at",
		TimestampType:    "bigint",
	}, zerolog.Nop())
	query, args = dkExec.insertSQL(mig)
	if strings.Contains(query, "NOW()") {
		t.Fatalf("bigint timestamps use epoch millis, got %s", query)
	}
	if len(args) != 2 || args[0] != "deadbeef" {
		t.Fatalf("args = %v", args)
	}
	if _, ok := args[1].(int64); !ok {
		t.Fatalf("epoch arg type = %T", args[1])
	}
}

func TestSplitPendingBlocksBelowAppliedSequence(t *testing.T) {
	files := []File{
		{Name: "0001_late_addition", Sequence: 1},
		{Name: "0002_add", Sequence: 2},
	}
	runnable, outOfOrder := SplitPending(files, set("0002_add"), schema.FormatName)

	if len(runnable) != 0 {
		t.Fatalf("runnable = %v, want none", runnable)
	}
	if len(outOfOrder) != 1 || outOfOrder[0].Name != "0001_late_addition" {
		t.Fatalf("outOfOrder = %v, want [0001_late_addition]", outOfOrder)
	}
}

func TestSplitPendingForwardProgress(t *testing.T) {
	files := []File{
		{Name: "0001_init", Sequence: 1},
		{Name: "0002_users", Sequence: 2},
		{Name: "0003_orders", Sequence: 3},
	}
	runnable, outOfOrder := SplitPending(files, set("0001_init"), schema.FormatName)

	if len(outOfOrder) != 0 {
		t.Fatalf("outOfOrder = %v, want none", outOfOrder)
	}
	if len(runnable) != 2 || runnable[0].Name != "0002_users" || runnable[1].Name != "0003_orders" {
		t.Fatalf("runnable = %v", runnable)
	}
}

func TestSplitPendingEmptyHistory(t *testing.T) {
	files := []File{
		{Name: "0000_bootstrap", Sequence: 0},
		{Name: "0001_init", Sequence: 1},
	}
	runnable, outOfOrder := SplitPending(files, set(), schema.FormatName)

	if len(runnable) != 2 || len(outOfOrder) != 0 {
		t.Fatalf("runnable = %v, outOfOrder = %v", runnable, outOfOrder)
	}
}

func TestSplitPendingEqualSequenceRuns(t *testing.T) {
	files := []File{
		{Name: "0002_plans", Sequence: 2},
		{Name: "0002_roles", Sequence: 2},
	}
	runnable, outOfOrder := SplitPending(files, set("0002_plans"), schema.FormatName)

	if len(outOfOrder) != 0 {
		t.Fatalf("outOfOrder = %v, want none", outOfOrder)
	}
	if len(runnable) != 1 || runnable[0].Name != "0002_roles" {
		t.Fatalf("runnable = %v, want [0002_roles]", runnable)
	}
}
