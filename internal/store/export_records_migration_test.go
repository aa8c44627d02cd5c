package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestExportRecordsImmutabilityMigrationUsesBlockingTriggers(t *testing.T) {
	migrationPath := filepath.Join("..", "..", "db", "migrations", "0005_export_records_immutability_trigger.up.sql")
	sqlBytes, err := os.ReadFile(migrationPath)
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sqlText := string(sqlBytes)

	expectedSnippets := []string{
		"export_records_immutable_guard",
		"RAISE EXCEPTION",
		"CREATE TRIGGER trg_export_records_block_update",
		"CREATE TRIGGER trg_export_records_block_delete",
	}
	for _, snippet := range expectedSnippets {
		if !strings.Contains(sqlText, snippet) {
			t.Fatalf("expected migration to contain %q", snippet)
		}
	}
	if strings.Contains(sqlText, "DO INSTEAD NOTHING") {
		t.Fatalf("expected hard-fail immutability guard, found silent DO INSTEAD NOTHING rule")
	}
}

func TestActivityStatusConstraintMatchesModel(t *testing.T) {
	sqlBytes, err := os.ReadFile(filepath.Join("..", "..", "db", "migrations", "0001_activity_events.up.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	for _, status := range []string{"'pending'", "'in_progress'", "'completed'"} {
		if !strings.Contains(string(sqlBytes), status) {
			t.Fatalf("activity_events status check is missing %s", status)
		}
	}
}
