// Package migrate applies ordered SQL migration files across tenant schemas
// and the shared public schema, tracks them in a per-schema bookkeeping
// table, and reconciles disk state with tracked state.
package migrate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// File is one migration loaded from disk.
type File struct {
	Name     string // basename without .sql
	Path     string
	SQL      string
	Sequence int    // leading integer of the filename, 0 if absent
	Hash     string // lowercase hex SHA-256 of the file body
}

// Loader reads migration files from a directory. It is consulted once per
// operation; nothing is cached between calls.
type Loader struct {
	dir string
}

// NewLoader creates a Loader for dir.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// Dir returns the migrations directory.
func (l *Loader) Dir() string { return l.dir }

// Load returns every .sql file in the directory sorted by sequence ascending
// (name as tiebreaker). A missing directory yields an empty list, not an
// error. Non-.sql files are ignored.
func (l *Loader) Load() ([]File, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read migrations directory %s: %w", l.dir, err)
	}

	var files []File
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		path := filepath.Join(l.dir, entry.Name())
		body, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", entry.Name(), err)
		}

		sum := sha256.Sum256(body)
		files = append(files, File{
			Name:     strings.TrimSuffix(entry.Name(), ".sql"),
			Path:     path,
			SQL:      string(body),
			Sequence: leadingSequence(entry.Name()),
			Hash:     hex.EncodeToString(sum[:]),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].Sequence != files[j].Sequence {
			return files[i].Sequence < files[j].Sequence
		}
		return files[i].Name < files[j].Name
	})
	return files, nil
}

// leadingSequence parses the leading integer of a migration filename
// ("0007_add_index.sql" -> 7). Files without a numeric prefix sort first
// with sequence 0.
func leadingSequence(name string) int {
	n := 0
	seen := false
	for _, r := range name {
		if r < '0' || r > '9' {
			break
		}
		seen = true
		n = n*10 + int(r-'0')
	}
	if !seen {
		return 0
	}
	return n
}
