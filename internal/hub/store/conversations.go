package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CreateConversation inserts a new active conversation and returns its id.
func (s *Store) CreateConversation(ctx context.Context, title, description, scenarioRef string, meta Meta) (int64, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("marshal metadata: %w", err)
	}

	now := millis(time.Now().UTC())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (title, description, scenario_ref, metadata, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		title, description, scenarioRef, string(metaJSON), StatusActive, now, now)
	if err != nil {
		return 0, fmt.Errorf("insert conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("conversation id: %w", err)
	}
	return id, nil
}

// GetConversation loads one conversation row.
func (s *Store) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, description, scenario_ref, metadata, status, created_at, updated_at
		 FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, Errf(CodeConversationNotFound, "conversation %d", id)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListConversations returns conversations matching the filter, most
// recently updated first.
func (s *Store) ListConversations(ctx context.Context, f ListFilter) ([]Conversation, error) {
	q := `SELECT id, title, description, scenario_ref, metadata, status, created_at, updated_at
	      FROM conversations WHERE 1=1`
	var args []any
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.ScenarioRef != "" {
		q += ` AND scenario_ref = ?`
		args = append(args, f.ScenarioRef)
	}
	q += ` ORDER BY updated_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpdateMeta replaces a conversation's metadata blob.
func (s *Store) UpdateMeta(ctx context.Context, id int64, meta Meta) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET metadata = ?, updated_at = ? WHERE id = ?`,
		string(metaJSON), millis(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("update metadata: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return Errf(CodeConversationNotFound, "conversation %d", id)
	}
	return nil
}

// CompleteConversation marks a conversation completed. Appending a
// message with conversation finality does this in the same transaction;
// this entry point exists for administrative use.
func (s *Store) CompleteConversation(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`,
		StatusCompleted, millis(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("complete conversation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return Errf(CodeConversationNotFound, "conversation %d", id)
	}
	return nil
}

func scanConversation(r rowScanner) (*Conversation, error) {
	var c Conversation
	var metaJSON string
	var created, updated int64
	if err := r.Scan(&c.ID, &c.Title, &c.Description, &c.ScenarioRef, &metaJSON, &c.Status, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metaJSON), &c.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata for conversation %d: %w", c.ID, err)
	}
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return &c, nil
}
