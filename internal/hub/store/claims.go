package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Claim attempts the unique insert for (conversation, guidanceSeq).
// Returns won=true on success; on conflict won=false and holder names
// the agent already holding the claim. Re-claim semantics (same agent
// treated as success) are applied by the orchestrator, not here.
func (s *Store) Claim(ctx context.Context, conversation, guidanceSeq int64, agentID string, claimedAt, expiresAt time.Time) (won bool, holder string, err error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO claims (conversation, guidance_seq, agent_id, claimed_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		conversation, guidanceSeq, agentID, millis(claimedAt), millis(expiresAt))
	if err != nil {
		return false, "", fmt.Errorf("insert claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, "", fmt.Errorf("claim rows affected: %w", err)
	}
	if n > 0 {
		return true, agentID, nil
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT agent_id FROM claims WHERE conversation = ? AND guidance_seq = ?`,
		conversation, guidanceSeq).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		// The conflicting claim was deleted between insert and read.
		// Treat as contended; the caller may retry on the next guidance.
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("load claim holder: %w", err)
	}
	return false, holder, nil
}

// ActiveClaims returns all claims held for a conversation.
func (s *Store) ActiveClaims(ctx context.Context, conversation int64) ([]Claim, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation, guidance_seq, agent_id, claimed_at, expires_at
		 FROM claims WHERE conversation = ?`, conversation)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	defer rows.Close()
	return scanClaims(rows)
}

// ExpiredClaims returns every claim whose expiry is at or before now.
func (s *Store) ExpiredClaims(ctx context.Context, now time.Time) ([]Claim, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation, guidance_seq, agent_id, claimed_at, expires_at
		 FROM claims WHERE expires_at <= ?`, millis(now))
	if err != nil {
		return nil, fmt.Errorf("list expired claims: %w", err)
	}
	defer rows.Close()
	return scanClaims(rows)
}

// DeleteClaim removes one claim. Returns true if a row was deleted.
func (s *Store) DeleteClaim(ctx context.Context, conversation, guidanceSeq int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM claims WHERE conversation = ? AND guidance_seq = ?`,
		conversation, guidanceSeq)
	if err != nil {
		return false, fmt.Errorf("delete claim: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteClaimsForConversation removes every claim for a conversation
// (used whenever a message closes a turn).
func (s *Store) DeleteClaimsForConversation(ctx context.Context, conversation int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM claims WHERE conversation = ?`, conversation)
	if err != nil {
		return 0, fmt.Errorf("delete claims: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteExpiredClaims removes all claims expired at now and returns the count.
func (s *Store) DeleteExpiredClaims(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM claims WHERE expires_at <= ?`, millis(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired claims: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanClaims(rows *sql.Rows) ([]Claim, error) {
	var out []Claim
	for rows.Next() {
		var c Claim
		var claimed, expires int64
		if err := rows.Scan(&c.Conversation, &c.GuidanceSeq, &c.AgentID, &claimed, &expires); err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		c.ClaimedAt = fromMillis(claimed)
		c.ExpiresAt = fromMillis(expires)
		out = append(out, c)
	}
	return out, rows.Err()
}
