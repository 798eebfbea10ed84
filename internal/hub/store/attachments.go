package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/agorahub/agora/internal/hub/msgcodec"
)

// GetAttachment loads one attachment by id, decompressing its bytes.
func (s *Store) GetAttachment(ctx context.Context, id string) (*Attachment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation, turn, event, COALESCE(doc_ref, ''), name, content_type, content, compression, COALESCE(summary, ''), created_by_agent, created_at
		 FROM attachments WHERE id = ?`, id)

	var a Attachment
	var created int64
	var compression string
	err := row.Scan(&a.ID, &a.Conversation, &a.Turn, &a.Event, &a.DocRef, &a.Name, &a.ContentType, &a.Content, &compression, &a.Summary, &a.CreatedByAgent, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, Errf(CodeNotFound, "attachment %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load attachment: %w", err)
	}
	a.Content, err = msgcodec.Decompress(a.Content, msgcodec.Compression(compression))
	if err != nil {
		return nil, fmt.Errorf("decode attachment %s: %w", id, err)
	}
	a.CreatedAt = fromMillis(created)
	return &a, nil
}

// AttachmentsByConversation lists a conversation's attachments without
// their content bytes.
func (s *Store) AttachmentsByConversation(ctx context.Context, conversation int64) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation, turn, event, COALESCE(doc_ref, ''), name, content_type, COALESCE(summary, ''), created_by_agent, created_at
		 FROM attachments WHERE conversation = ? ORDER BY created_at`, conversation)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	var out []Attachment
	for rows.Next() {
		var a Attachment
		var created int64
		if err := rows.Scan(&a.ID, &a.Conversation, &a.Turn, &a.Event, &a.DocRef, &a.Name, &a.ContentType, &a.Summary, &a.CreatedByAgent, &created); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		a.CreatedAt = fromMillis(created)
		out = append(out, a)
	}
	return out, rows.Err()
}
