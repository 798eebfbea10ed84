// Package scenario is the keyed blob store conversations reference via
// scenarioRef. Blobs are opaque to the core; only agents interpret them.
package scenario

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agorahub/agora/internal/hub/id"
	"github.com/agorahub/agora/internal/hub/validate"
)

// Info is a listing entry.
type Info struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// ErrNotFound is returned for unknown scenario ids.
var ErrNotFound = errors.New("scenario not found")

// Store persists scenario blobs in the hub database.
type Store struct {
	db *sql.DB
}

// New wraps an opened and migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get returns a scenario blob by id.
func (s *Store) Get(ctx context.Context, scenarioID string) (json.RawMessage, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM scenarios WHERE id = ?`, scenarioID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load scenario: %w", err)
	}
	return json.RawMessage(blob), nil
}

// List returns all scenarios, most recently modified first.
func (s *Store) List(ctx context.Context) ([]Info, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, modified_at FROM scenarios ORDER BY modified_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list scenarios: %w", err)
	}
	defer rows.Close()

	var out []Info
	for rows.Next() {
		var info Info
		var modified int64
		if err := rows.Scan(&info.ID, &info.Name, &modified); err != nil {
			return nil, fmt.Errorf("scan scenario: %w", err)
		}
		info.ModifiedAt = time.UnixMilli(modified).UTC()
		out = append(out, info)
	}
	return out, rows.Err()
}

// Put creates or replaces a scenario blob. An empty id allocates one.
// Returns the scenario id.
func (s *Store) Put(ctx context.Context, scenarioID, name string, blob json.RawMessage) (string, error) {
	if !json.Valid(blob) {
		return "", fmt.Errorf("scenario blob must be valid JSON")
	}
	if err := validate.Title(name); err != nil {
		return "", fmt.Errorf("scenario name: %w", err)
	}
	if scenarioID == "" {
		scenarioID = id.Generate()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scenarios (id, name, blob, modified_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, blob = excluded.blob, modified_at = excluded.modified_at`,
		scenarioID, name, string(blob), time.Now().UTC().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("put scenario: %w", err)
	}
	return scenarioID, nil
}
