package db

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	cfg := &Config{
		Path:            dbPath,
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		Synchronous:     "NORMAL",
	}

	database, err := Open(cfg)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer database.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}

	if err := database.Health(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("/data")

	if cfg.Path != "/data/nvr.db" {
		t.Errorf("expected path /data/nvr.db, got %s", cfg.Path)
	}
	if cfg.MaxOpenConns != 25 {
		t.Errorf("expected MaxOpenConns 25, got %d", cfg.MaxOpenConns)
	}
}

func TestWriterConfigIsSingleConnFullSync(t *testing.T) {
	cfg := WriterConfig("/data")
	if cfg.MaxOpenConns != 1 {
		t.Errorf("expected single writer connection, got %d", cfg.MaxOpenConns)
	}
	if cfg.Synchronous != "FULL" {
		t.Errorf("expected FULL synchronous for writer, got %s", cfg.Synchronous)
	}
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	tmpDir := t.TempDir()
	cfg := DefaultConfig(tmpDir)
	database, err := Open(cfg)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := NewMigrator(database).Run(context.Background()); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	return database
}

func TestTransactionRollsBackOnError(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := database.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO camera (uuid, short_name) VALUES (?, ?)", "u1", "cam1"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom error, got %v", err)
	}

	var count int
	if err := database.QueryRowContext(ctx, "SELECT COUNT(*) FROM camera").Scan(&count); err != nil {
		t.Fatalf("count cameras: %v", err)
	}
	if count != 0 {
		t.Errorf("expected rollback to leave no rows, got %d", count)
	}
}

func TestCheckpointAndVacuum(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	if err := database.Checkpoint(ctx); err != nil {
		t.Errorf("checkpoint: %v", err)
	}
	if err := database.Vacuum(ctx); err != nil {
		t.Errorf("vacuum: %v", err)
	}
	if err := database.Analyze(ctx); err != nil {
		t.Errorf("analyze: %v", err)
	}
}
