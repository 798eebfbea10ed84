// Package db opens and migrates the orchestrator's SQLite database.
package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// defaultBusyTimeout bounds how long a connection waits on the write
// lock before giving up. Appends are short transactions, so contention
// clears quickly.
const defaultBusyTimeout = 5 * time.Second

// Open opens the database at path with the default busy timeout.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(path string) (*sql.DB, error) {
	return OpenTimeout(path, defaultBusyTimeout)
}

// OpenTimeout opens the database at path, configured for the hub's
// access pattern: WAL so snapshot and paging reads proceed while an
// append commits, foreign keys so event and attachment rows cannot
// outlive their conversation, and a single connection because every
// append runs its own write transaction anyway.
func OpenTimeout(path string, busyTimeout time.Duration) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("%s?_busy_timeout=%d", path, busyTimeout.Milliseconds())
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// One connection: the global seq counter and the append invariants
	// rely on writes being serialized, and SQLite allows only a single
	// writer regardless.
	db.SetMaxOpenConns(1)

	return db, nil
}
