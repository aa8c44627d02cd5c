package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	migrations, err := LoadMigrations(filepath.Join("..", "..", "db", "migrations"))
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("no migrations discovered")
	}
	for i := 1; i < len(migrations); i++ {
		if migrations[i-1].Version >= migrations[i].Version {
			t.Fatalf("migrations out of order: %s before %s", migrations[i-1].Version, migrations[i].Version)
		}
	}
}

func TestLoadMigrationsRejectsMissingDown(t *testing.T) {
	dir := t.TempDir()
	write := func(name string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("0001_drafts.up.sql")
	write("0001_drafts.down.sql")
	write("0002_sections.up.sql")
	write("README.md")

	if _, err := LoadMigrations(dir); err == nil {
		t.Fatal("expected an error for a migration without a down file")
	}

	write("0002_sections.down.sql")
	migrations, err := LoadMigrations(dir)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(migrations) != 2 || migrations[1].File() != "0002_sections.up.sql" {
		t.Fatalf("unexpected migrations %+v", migrations)
	}
}

func TestLoadMigrationsRejectsMismatchedNames(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0001_drafts.up.sql", "0001_draft.down.sql"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if _, err := LoadMigrations(dir); err == nil {
		t.Fatal("expected an error for mismatched migration names")
	}
}

func TestChecksumIsStable(t *testing.T) {
	a := checksum([]byte("CREATE TABLE t (id INT);"))
	b := checksum([]byte("CREATE TABLE t (id INT);"))
	c := checksum([]byte("CREATE TABLE t (id BIGINT);"))
	if a != b || a == c || len(a) != 64 {
		t.Fatalf("unexpected checksums %q %q %q", a, b, c)
	}
}
