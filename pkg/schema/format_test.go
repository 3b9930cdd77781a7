package schema

import (
	"errors"
	"strings"
	"testing"
)

func TestClassifyColumns(t *testing.T) {
	cases := []struct {
		name    string
		cols    map[string]string
		want    Format
		wantErr bool
	}{
		{
			name: "name format",
			cols: map[string]string{"id": "integer", "name": "character varying", "applied_at": "timestamp with time zone"},
			want: FormatName,
		},
		{
			name: "hash format",
			cols: map[string]string{"id": "integer", "hash": "text", "applied_at": "timestamp with time zone"},
			want: FormatHash,
		},
		{
			name: "drizzle-kit format",
			cols: map[string]string{"id": "integer", "hash": "text", "created_at": "bigint"},
			want: FormatDrizzleKit,
		},
		{
			name:    "unknown layout",
			cols:    map[string]string{"id": "integer", "filename": "text"},
			wantErr: true,
		},
		{
			name:    "hash without timestamp",
			cols:    map[string]string{"hash": "text"},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := classifyColumns(tc.cols)
			if tc.wantErr {
				if !errors.Is(err, ErrUnknownFormat) {
					t.Fatalf("expected ErrUnknownFormat, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("classifyColumns() error: %v", err)
			}
			if got != tc.want {
				t.Errorf("classifyColumns() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestDetectedFor(t *testing.T) {
	cases := []struct {
		format   Format
		identCol string
		tsCol    string
		tsType   string
	}{
		{FormatName, "name", "applied_at", "timestamptz"},
		{FormatHash, "hash", "applied_at", "timestamptz"},
		{FormatDrizzleKit, "hash", "created_at", "bigint"},
	}
	for _, tc := range cases {
		d := detectedFor(tc.format, DefaultTableName)
		if d.IdentifierColumn != tc.identCol || d.TimestampColumn != tc.tsCol || d.TimestampType != tc.tsType {
			t.Errorf("detectedFor(%s) = %+v", tc.format, d)
		}
	}
}

func TestCreateBookkeepingSQL(t *testing.T) {
	nameSQL := createBookkeepingSQL("tenant_a", detectedFor(FormatName, DefaultTableName))
	for _, want := range []string{`"tenant_a"."__drizzle_migrations"`, "name VARCHAR(255) NOT NULL UNIQUE", "applied_at TIMESTAMPTZ"} {
		if !strings.Contains(nameSQL, want) {
			t.Errorf("name SQL missing %q:\n%s", want, nameSQL)
		}
	}

	dkSQL := createBookkeepingSQL("tenant_a", detectedFor(FormatDrizzleKit, DefaultTableName))
	for _, want := range []string{"hash TEXT NOT NULL", "created_at BIGINT"} {
		if !strings.Contains(dkSQL, want) {
			t.Errorf("drizzle-kit SQL missing %q:\n%s", want, dkSQL)
		}
	}
	if strings.Contains(dkSQL, "applied_at") {
		t.Error("drizzle-kit SQL must not contain applied_at")
	}
}

func TestFormatValid(t *testing.T) {
	for _, f := range []Format{FormatAuto, FormatName, FormatHash, FormatDrizzleKit} {
		if !f.Valid() {
			t.Errorf("%s should be valid", f)
		}
	}
	if Format("yaml").Valid() {
		t.Error("yaml should be invalid")
	}
}
