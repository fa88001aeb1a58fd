// Package db provides SQLite open helpers for the prompt store.
// The store runs WAL mode with a single writer connection and a small
// read-only pool; all mutating operations serialise on the writer.
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// defaultReaderConns is the number of concurrent read connections.
	// WAL mode allows many readers alongside the single writer.
	defaultReaderConns = 4
)

// OpenWriter opens the database for writes on a single connection.
// Serialising writes on one connection avoids SQLITE_BUSY and gives the
// decision guard its linearisation point.
func OpenWriter(dbPath string) (*sqlx.DB, error) {
	normalized := normalizePath(dbPath)
	if err := ensureDir(normalized); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}

	// Writer DSN settings:
	// - foreign_keys=on: enforce FK constraints consistently.
	// - busy_timeout: wait briefly on locks to reduce transient "database is locked".
	// - journal_mode=WAL: better read concurrency with a single writer.
	// - synchronous=NORMAL: reasonable durability/perf tradeoff.
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		normalized,
		int(defaultBusyTimeout/time.Millisecond),
	)
	database, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	database.SetMaxOpenConns(1)
	database.SetMaxIdleConns(1)

	return database, nil
}

// OpenReader opens a read-only connection pool. Combined with WAL mode,
// readers proceed without blocking on (or being blocked by) the writer.
func OpenReader(dbPath string) (*sqlx.DB, error) {
	normalized := normalizePath(dbPath)

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d",
		normalized,
		int(defaultBusyTimeout/time.Millisecond),
	)
	database, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}

	database.SetMaxOpenConns(defaultReaderConns)
	database.SetMaxIdleConns(defaultReaderConns)

	return database, nil
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o700)
}

func normalizePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
