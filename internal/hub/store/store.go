package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Store provides access to all persistent orchestration state. It is
// safe for concurrent use; SQLite's single-writer connection plus one
// transaction per append serialize appends.
type Store struct {
	db *sql.DB
}

// New wraps an opened and migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle (used by the hub for shutdown
// checkpointing).
func (s *Store) DB() *sql.DB {
	return s.db
}

// begin starts a transaction on the single writer connection, so head
// reads inside it are stable with respect to other appends.
func (s *Store) begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return tx, nil
}

// millis converts a time to the unix-millisecond representation used
// in every table.
func millis(t time.Time) int64 {
	return t.UnixMilli()
}

// fromMillis converts a stored unix-millisecond value back to UTC time.
func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
