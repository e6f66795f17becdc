package store

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
)

var migrationName = regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)

// Every migration version must ship an up and a down file, since the
// runner globs *.up.sql and a missing down makes rollback impossible.
func TestMigrationFilesPairUpWithDown(t *testing.T) {
	entries, err := os.ReadDir(filepath.Join("..", "..", "db", "migrations"))
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	ups := map[string]int{}
	downs := map[string]int{}
	for _, entry := range entries {
		match := migrationName.FindStringSubmatch(entry.Name())
		if entry.IsDir() || match == nil {
			continue
		}
		if match[2] == "up" {
			ups[match[1]]++
		} else {
			downs[match[1]]++
		}
	}

	if len(ups) == 0 {
		t.Fatal("no migrations discovered")
	}
	for version, n := range ups {
		if n > 1 {
			t.Errorf("version %s has %d up files", version, n)
		}
		if downs[version] != 1 {
			t.Errorf("version %s has %d down files, want 1", version, downs[version])
		}
	}
	for version := range downs {
		if ups[version] == 0 {
			t.Errorf("version %s has a down file but no up file", version)
		}
	}
}
