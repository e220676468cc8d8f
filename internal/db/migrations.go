package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration is one versioned, idempotent schema step.
type Migration struct {
	Version   int
	Name      string
	SQL       string
	AppliedAt time.Time
}

// Migrator applies embedded migrations in order and tracks what has run.
type Migrator struct {
	db     *DB
	logger *slog.Logger
}

func NewMigrator(db *DB) *Migrator {
	return &Migrator{db: db, logger: slog.Default().With("component", "migrator")}
}

func (m *Migrator) Run(ctx context.Context) error {
	m.logger.Info("running database migrations")

	if err := m.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	applied, err := m.getAppliedMigrations(ctx)
	if err != nil {
		return err
	}

	available, err := m.getAvailableMigrations()
	if err != nil {
		return err
	}

	// A database touched by a newer build must not be opened read-write;
	// translating its schema backward is not supported.
	maxAvailable := 0
	for _, migration := range available {
		if migration.Version > maxAvailable {
			maxAvailable = migration.Version
		}
	}
	for version := range applied {
		if version > maxAvailable {
			return fmt.Errorf("database schema version %d is newer than this binary supports (%d)", version, maxAvailable)
		}
	}

	for _, migration := range available {
		if _, ok := applied[migration.Version]; ok {
			continue
		}
		if err := m.runMigration(ctx, migration); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", migration.Version, migration.Name, err)
		}
		m.logger.Info("applied migration", "version", migration.Version, "name", migration.Name)
	}

	m.logger.Info("database migrations completed")
	return nil
}

func (m *Migrator) GetStatus(ctx context.Context) ([]Migration, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.getAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	available, err := m.getAvailableMigrations()
	if err != nil {
		return nil, err
	}

	var result []Migration
	for _, migration := range available {
		if appliedAt, ok := applied[migration.Version]; ok {
			migration.AppliedAt = appliedAt
		}
		result = append(result, migration)
	}
	return result, nil
}

func (m *Migrator) ensureMigrationsTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL DEFAULT (unixepoch())
		) STRICT
	`)
	return err
}

func (m *Migrator) getAppliedMigrations(ctx context.Context) (map[int]time.Time, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[int]time.Time)
	for rows.Next() {
		var version int
		var appliedAt int64
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, err
		}
		result[version] = time.Unix(appliedAt, 0)
	}
	return result, rows.Err()
}

func (m *Migrator) getAvailableMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations directory: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		parts := strings.SplitN(entry.Name(), "_", 2)
		if len(parts) < 2 {
			continue
		}

		version, err := strconv.Atoi(parts[0])
		if err != nil {
			m.logger.Warn("invalid migration filename", "file", entry.Name())
			continue
		}

		name := strings.TrimSuffix(parts[1], ".sql")

		content, err := fs.ReadFile(migrationsFS, filepath.Join("migrations", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		migrations = append(migrations, Migration{Version: version, Name: name, SQL: string(content)})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

func (m *Migrator) runMigration(ctx context.Context, migration Migration) error {
	return m.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO schema_migrations (version, name) VALUES (?, ?)",
			migration.Version, migration.Name,
		)
		return err
	})
}
