package migrate

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func writeMigration(t *testing.T, dir, name, sql string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(sql), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoaderOrdersBySequence(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "0010_add_index.sql", "CREATE INDEX idx ON t (a);")
	writeMigration(t, dir, "0002_create_table.sql", "CREATE TABLE t (a INT);")
	writeMigration(t, dir, "0001_init.sql", "SELECT 1;")

	files, err := NewLoader(dir).Load()
	if err != nil {
		t.Fatal(err)
	}
	got := make([]string, len(files))
	for i, f := range files {
		got[i] = f.Name
	}
	want := []string{"0001_init", "0002_create_table", "0010_add_index"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestLoaderIgnoresNonSQL(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "0001_init.sql", "SELECT 1;")
	writeMigration(t, dir, "README.md", "notes")
	writeMigration(t, dir, "snapshot.json", "{}")
	if err := os.Mkdir(filepath.Join(dir, "meta"), 0o755); err != nil {
		t.Fatal(err)
	}

	files, err := NewLoader(dir).Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Name != "0001_init" {
		t.Fatalf("files = %+v, want only 0001_init", files)
	}
}

func TestLoaderMissingDir(t *testing.T) {
	files, err := NewLoader(filepath.Join(t.TempDir(), "absent")).Load()
	if err != nil {
		t.Fatalf("missing dir should not error, got %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("files = %v, want empty", files)
	}
}

func TestLoaderHash(t *testing.T) {
	dir := t.TempDir()
	body := "CREATE TABLE users (id INT);"
	writeMigration(t, dir, "0001_users.sql", body)

	files, err := NewLoader(dir).Load()
	if err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256([]byte(body))
	if want := hex.EncodeToString(sum[:]); files[0].Hash != want {
		t.Fatalf("hash = %s, want %s", files[0].Hash, want)
	}
	if files[0].SQL != body {
		t.Fatalf("sql = %q", files[0].SQL)
	}
}

func TestLeadingSequence(t *testing.T) {
	cases := []struct {
		name string
		want int
	}{
		{"0007_add_index.sql", 7},
		{"0001_init.sql", 1},
		{"123.sql", 123},
		{"no_prefix.sql", 0},
		{"0000_zero.sql", 0},
	}
	for _, tc := range cases {
		if got := leadingSequence(tc.name); got != tc.want {
			t.Errorf("leadingSequence(%q) = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestLoaderSequenceTiebreakByName(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "0001_b.sql", "SELECT 1;")
	writeMigration(t, dir, "0001_a.sql", "SELECT 1;")

	files, err := NewLoader(dir).Load()
	if err != nil {
		t.Fatal(err)
	}
	if files[0].Name != "0001_a" || files[1].Name != "0001_b" {
		t.Fatalf("order = %s, %s", files[0].Name, files[1].Name)
	}
}
