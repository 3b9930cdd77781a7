package migrate

import (
	"reflect"
	"testing"

	"github.com/tenantkit/tenantkit/pkg/schema"
)

func TestDiffTrackingNameFormat(t *testing.T) {
	files := []File{
		{Name: "0001_init", Hash: "h1"},
		{Name: "0002_add", Hash: "h2"},
		{Name: "0003_new", Hash: "h3"},
	}
	applied := []Applied{
		{ID: 1, Identifier: "0001_init"},
		{ID: 2, Identifier: "0002_add"},
		{ID: 3, Identifier: "0099_deleted"},
	}

	missing, orphans := diffTracking(files, applied, schema.FormatName)
	if !reflect.DeepEqual(missing, []string{"0003_new"}) {
		t.Fatalf("missing = %v", missing)
	}
	if !reflect.DeepEqual(orphans, []string{"0099_deleted"}) {
		t.Fatalf("orphans = %v", orphans)
	}
}

func TestDiffTrackingInSync(t *testing.T) {
	files := []File{{Name: "0001_init", Hash: "h1"}}
	applied := []Applied{{ID: 1, Identifier: "0001_init"}}

	missing, orphans := diffTracking(files, applied, schema.FormatName)
	if len(missing) != 0 || len(orphans) != 0 {
		t.Fatalf("missing = %v, orphans = %v", missing, orphans)
	}
}

func TestDiffTrackingHashFormat(t *testing.T) {
	files := []File{
		{Name: "0001_init", Hash: "h1"},
		{Name: "0002_add", Hash: "h2"},
	}
	// One row keyed by hash, one legacy row keyed by name, one stale hash.
	applied := []Applied{
		{ID: 1, Identifier: "h1"},
		{ID: 2, Identifier: "0002_add"},
		{ID: 3, Identifier: "h_gone"},
	}

	missing, orphans := diffTracking(files, applied, schema.FormatHash)
	if len(missing) != 0 {
		t.Fatalf("missing = %v, want none", missing)
	}
	if !reflect.DeepEqual(orphans, []string{"h_gone"}) {
		t.Fatalf("orphans = %v", orphans)
	}
}

func TestDiffTrackingNameRowNeverOrphanInHashFormat(t *testing.T) {
	files := []File{{Name: "0001_init", Hash: "h1"}}
	applied := []Applied{{ID: 1, Identifier: "0001_init"}}

	missing, orphans := diffTracking(files, applied, schema.FormatHash)
	if len(missing) != 0 || len(orphans) != 0 {
		t.Fatalf("legacy name row flagged: missing = %v, orphans = %v", missing, orphans)
	}
}

func TestDiffTrackingEmptyTable(t *testing.T) {
	files := []File{{Name: "0001_init", Hash: "h1"}}

	missing, orphans := diffTracking(files, nil, schema.FormatName)
	if !reflect.DeepEqual(missing, []string{"0001_init"}) || len(orphans) != 0 {
		t.Fatalf("missing = %v, orphans = %v", missing, orphans)
	}
}

func TestCleanReportStillMissing(t *testing.T) {
	report := cleanReport(SyncReport{TenantID: "t1"}, []string{"0003_new"}, []string{"0099_deleted"})
	if report.InSync {
		t.Fatal("report claims sync while 0003_new is untracked")
	}
	if len(report.Missing) != 1 || report.Missing[0] != "0003_new" {
		t.Fatalf("missing = %v", report.Missing)
	}

	report = cleanReport(SyncReport{TenantID: "t1"}, nil, []string{"0099_deleted"})
	if !report.InSync {
		t.Fatal("expected sync once only orphans were removed")
	}
}
