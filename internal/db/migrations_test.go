package db

import (
	"context"
	"path/filepath"
	"testing"
)

func TestNewMigrator(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	database, err := Open(&Config{Path: dbPath, Synchronous: "NORMAL"})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer database.Close()

	migrator := NewMigrator(database)
	if migrator.db != database {
		t.Error("migrator db not set correctly")
	}
}

func TestMigratorRunIsIdempotent(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	migrator := NewMigrator(database)
	if err := migrator.Run(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}

	status, err := migrator.GetStatus(ctx)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if len(status) == 0 {
		t.Fatal("expected at least one migration applied")
	}
	for _, m := range status {
		if m.AppliedAt.IsZero() {
			t.Errorf("migration %d (%s) not marked applied", m.Version, m.Name)
		}
	}
}

func TestMigrationCreatesExpectedTables(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	tables := []string{"sample_file_dir", "open", "camera", "stream", "video_sample_entry", "recording", "garbage", "recording_day_duration"}
	for _, table := range tables {
		var name string
		err := database.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestMigratorRefusesNewerSchema(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	_, err := database.ExecContext(ctx, "INSERT INTO schema_migrations (version, name) VALUES (999, 'future')")
	if err != nil {
		t.Fatalf("insert future version: %v", err)
	}

	if err := NewMigrator(database).Run(ctx); err == nil {
		t.Fatal("expected Run to refuse a database written by a newer build")
	}
}
