// Package db provides the metadata database: the durable record of sample
// file directories, cameras, streams, video sample entries and recordings.
// It is the crash-consistency boundary for the whole engine — once Commit
// returns, the corresponding sample bytes are accounted for even if the
// process dies immediately after.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQL connection with engine-specific helpers. All writers
// that mutate recording state go through a single *DB held by the syncer;
// readers (the API layer) may open additional read-only connections.
type DB struct {
	*sql.DB
	path   string
	logger *slog.Logger
}

// Config holds connection configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// Synchronous selects the SQLite synchronous pragma. The syncer's
	// writer connection uses "FULL" so Commit only returns once the
	// transaction is fsync-durable; read-only connections can relax to
	// "NORMAL" since they never originate a commit.
	Synchronous string
}

func DefaultConfig(dataDir string) *Config {
	return &Config{
		Path:            filepath.Join(dataDir, "nvr.db"),
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		Synchronous:     "NORMAL",
	}
}

// WriterConfig returns the configuration for the single writer connection
// used by the syncer: a single open connection (SQLite only allows one
// writer at a time regardless), full durability.
func WriterConfig(dataDir string) *Config {
	cfg := DefaultConfig(dataDir)
	cfg.MaxOpenConns = 1
	cfg.MaxIdleConns = 1
	cfg.Synchronous = "FULL"
	return cfg
}

// Open opens a connection to the metadata database, creating the parent
// directory and applying WAL-mode pragmas.
func Open(cfg *Config) (*DB, error) {
	logger := slog.Default().With("component", "db")

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	sync := cfg.Synchronous
	if sync == "" {
		sync = "NORMAL"
	}

	connStr := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_synchronous=%s&_busy_timeout=5000&_foreign_keys=ON",
		cfg.Path, sync,
	)

	sqlDB, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA mmap_size = 268435456",
	}
	for _, pragma := range pragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			logger.Warn("failed to set pragma", "pragma", pragma, "error", err)
		}
	}

	logger.Info("database opened", "path", cfg.Path, "synchronous", sync)

	return &DB{DB: sqlDB, path: cfg.Path, logger: logger}, nil
}

func (db *DB) Close() error {
	db.logger.Info("closing database")
	return db.DB.Close()
}

func (db *DB) Path() string { return db.path }

func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func (db *DB) Stats() sql.DBStats { return db.DB.Stats() }

func (db *DB) Vacuum(ctx context.Context) error {
	start := time.Now()
	if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	db.logger.Info("vacuum completed", "duration", time.Since(start))
	return nil
}

func (db *DB) Analyze(ctx context.Context) error {
	_, err := db.ExecContext(ctx, "ANALYZE")
	if err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	return nil
}

// Transaction runs fn inside a transaction, rolling back on error or panic
// recovery boundary issues are left to fn; callers must not retain tx past
// return.
func (db *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (db *DB) GetSize() (int64, error) {
	info, err := os.Stat(db.path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (db *DB) Checkpoint(ctx context.Context) error {
	_, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}
