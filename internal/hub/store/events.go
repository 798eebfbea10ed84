package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agorahub/agora/internal/hub/id"
	"github.com/agorahub/agora/internal/hub/msgcodec"
)

// Append validates and persists one event inside a single transaction,
// allocating its (turn, event) coordinates and global seq. See the
// package documentation for the invariants it enforces.
func (s *Store) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if err := validateInput(in); err != nil {
		return AppendResult{}, err
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return AppendResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var status Status
	err = tx.QueryRowContext(ctx, `SELECT status FROM conversations WHERE id = ?`, in.Conversation).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return AppendResult{}, Errf(CodeConversationNotFound, "conversation %d", in.Conversation)
	}
	if err != nil {
		return AppendResult{}, fmt.Errorf("load conversation: %w", err)
	}
	if status == StatusCompleted {
		return AppendResult{}, Errf(CodeConversationClosed, "conversation %d is completed", in.Conversation)
	}

	// Idempotent replay: the first successful insert wins, later calls
	// get its coordinates back without appending.
	reqID := clientRequestID(in)
	if reqID != "" {
		var seq int64
		var turn, event int
		err = tx.QueryRowContext(ctx,
			`SELECT seq, turn, event FROM idempotency WHERE conversation = ? AND agent_id = ? AND client_request_id = ?`,
			in.Conversation, in.AgentID, reqID).Scan(&seq, &turn, &event)
		if err == nil {
			return AppendResult{Seq: seq, Turn: turn, Event: event, Replayed: true}, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return AppendResult{}, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	head, err := headInTx(ctx, tx, in.Conversation, status)
	if err != nil {
		return AppendResult{}, err
	}

	turn, dropped, err := resolveTurn(in, head)
	if err != nil {
		return AppendResult{}, err
	}
	if dropped {
		// Advisory system event with no open turn.
		return AppendResult{Dropped: true}, nil
	}

	var eventIdx int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(event), 0) + 1 FROM events WHERE conversation = ? AND turn = ?`,
		in.Conversation, turn).Scan(&eventIdx)
	if err != nil {
		return AppendResult{}, fmt.Errorf("allocate event index: %w", err)
	}

	now := time.Now().UTC()
	payload := in.Payload
	var atts []Attachment

	// Messages carrying raw attachment bytes have them split off into
	// attachment rows; the stored payload keeps references only.
	if in.Type == TypeMessage {
		payload, atts, err = splitAttachments(in, turn, eventIdx, now)
		if err != nil {
			return AppendResult{}, err
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (conversation, turn, event, type, finality, agent_id, ts, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		in.Conversation, turn, eventIdx, in.Type, in.Finality, in.AgentID, millis(now), string(payload))
	if err != nil {
		return AppendResult{}, fmt.Errorf("insert event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return AppendResult{}, fmt.Errorf("event seq: %w", err)
	}

	for i := range atts {
		a := &atts[i]
		content, compression := msgcodec.Compress(a.Content)
		_, err = tx.ExecContext(ctx,
			`INSERT INTO attachments (id, conversation, turn, event, doc_ref, name, content_type, content, compression, summary, created_by_agent, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, in.Conversation, turn, eventIdx, a.DocRef, a.Name, a.ContentType, content, string(compression), a.Summary, in.AgentID, millis(now))
		if err != nil {
			return AppendResult{}, fmt.Errorf("insert attachment %s: %w", a.ID, err)
		}
	}

	if reqID != "" {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO idempotency (conversation, agent_id, client_request_id, seq, turn, event)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			in.Conversation, in.AgentID, reqID, seq, turn, eventIdx)
		if err != nil {
			return AppendResult{}, fmt.Errorf("insert idempotency record: %w", err)
		}
	}

	if in.Finality == FinalityConversation {
		_, err = tx.ExecContext(ctx,
			`UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`,
			StatusCompleted, millis(now), in.Conversation)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE conversations SET updated_at = ? WHERE id = ?`,
			millis(now), in.Conversation)
	}
	if err != nil {
		return AppendResult{}, fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return AppendResult{}, fmt.Errorf("commit append: %w", err)
	}

	stored := &Event{
		Seq:          seq,
		Conversation: in.Conversation,
		Turn:         turn,
		Event:        eventIdx,
		Type:         in.Type,
		Finality:     in.Finality,
		AgentID:      in.AgentID,
		TS:           now,
		Payload:      payload,
	}
	return AppendResult{Seq: seq, Turn: turn, Event: eventIdx, Stored: stored}, nil
}

// validateInput checks the type/finality matrix before any I/O.
func validateInput(in AppendInput) error {
	switch in.Type {
	case TypeMessage, TypeTrace, TypeSystem:
	default:
		return Errf(CodeInvalidPayload, "unknown event type %q", in.Type)
	}
	switch in.Finality {
	case FinalityNone, FinalityTurn, FinalityConversation:
	default:
		return Errf(CodeInvalidPayload, "unknown finality %q", in.Finality)
	}
	// Only a message may close a turn or the conversation.
	if in.Type != TypeMessage && in.Finality != FinalityNone {
		return Errf(CodeInvalidFinalityForType, "%s events cannot carry finality %q", in.Type, in.Finality)
	}
	if in.Turn < 0 {
		return Errf(CodeInvalidPayload, "turn must be >= 1 when set")
	}
	if len(in.Payload) == 0 || !json.Valid(in.Payload) {
		return Errf(CodeInvalidPayload, "payload must be a JSON value")
	}
	return nil
}

// resolveTurn applies the turn allocation rules. Returns the target
// turn, or dropped=true for an advisory system event with nowhere to go.
func resolveTurn(in AppendInput, head Head) (turn int, dropped bool, err error) {
	if in.Turn != 0 {
		switch {
		case in.Turn > head.LastTurn:
			return 0, false, Errf(CodeTurnNotFound, "turn %d does not exist (last turn %d)", in.Turn, head.LastTurn)
		case in.Turn < head.LastTurn, !head.HasOpenTurn:
			if in.Type == TypeSystem {
				return 0, true, nil
			}
			return 0, false, Errf(CodeTurnClosed, "turn %d is closed", in.Turn)
		}
		return in.Turn, false, nil
	}

	if head.HasOpenTurn {
		return head.LastTurn, false, nil
	}
	switch in.Type {
	case TypeMessage:
		// Only a message may open a new turn.
		return head.LastTurn + 1, false, nil
	case TypeTrace:
		return 0, false, Errf(CodeNoOpenTurn, "no open turn for trace")
	default: // system
		return 0, true, nil
	}
}

// clientRequestID extracts the idempotency key from a message or trace
// payload. System events are never idempotency-keyed.
func clientRequestID(in AppendInput) string {
	if in.Type == TypeSystem {
		return ""
	}
	var probe struct {
		ClientRequestID string `json:"clientRequestId"`
	}
	if err := json.Unmarshal(in.Payload, &probe); err != nil {
		return ""
	}
	return probe.ClientRequestID
}

// splitAttachments separates raw attachment bytes out of a message
// payload. The returned payload holds reference-only attachments.
func splitAttachments(in AppendInput, turn, eventIdx int, now time.Time) (json.RawMessage, []Attachment, error) {
	var mp MessagePayload
	if err := json.Unmarshal(in.Payload, &mp); err != nil {
		return nil, nil, Errf(CodeInvalidPayload, "message payload: %v", err)
	}
	if len(mp.Attachments) == 0 {
		return in.Payload, nil, nil
	}

	atts := make([]Attachment, 0, len(mp.Attachments))
	refs := make([]AttachmentInput, 0, len(mp.Attachments))
	for _, a := range mp.Attachments {
		aid := a.ID
		if aid == "" {
			aid = id.Generate()
		}
		atts = append(atts, Attachment{
			ID:             aid,
			Conversation:   in.Conversation,
			Turn:           turn,
			Event:          eventIdx,
			DocRef:         a.DocRef,
			Name:           a.Name,
			ContentType:    a.ContentType,
			Content:        a.Content,
			Summary:        a.Summary,
			CreatedByAgent: in.AgentID,
			CreatedAt:      now,
		})
		refs = append(refs, AttachmentInput{
			ID:          aid,
			Name:        a.Name,
			ContentType: a.ContentType,
			Summary:     a.Summary,
			DocRef:      a.DocRef,
		})
	}

	mp.Attachments = refs
	payload, err := json.Marshal(mp)
	if err != nil {
		return nil, nil, fmt.Errorf("rewrite message payload: %w", err)
	}
	return payload, atts, nil
}

// Head returns the append-state summary for a conversation.
func (s *Store) Head(ctx context.Context, conversation int64) (Head, error) {
	var status Status
	err := s.db.QueryRowContext(ctx, `SELECT status FROM conversations WHERE id = ?`, conversation).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return Head{}, Errf(CodeConversationNotFound, "conversation %d", conversation)
	}
	if err != nil {
		return Head{}, fmt.Errorf("load conversation: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Head{}, fmt.Errorf("begin head tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	return headInTx(ctx, tx, conversation, status)
}

// headInTx computes the head inside an open transaction.
func headInTx(ctx context.Context, tx *sql.Tx, conversation int64, status Status) (Head, error) {
	h := Head{Status: status}

	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(turn), 0) FROM events WHERE conversation = ?`, conversation).Scan(&h.LastTurn)
	if err != nil {
		return Head{}, fmt.Errorf("head last turn: %w", err)
	}

	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events
		 WHERE conversation = ? AND type = 'message' AND finality != 'none'`,
		conversation).Scan(&h.LastClosedSeq)
	if err != nil {
		return Head{}, fmt.Errorf("head last closed seq: %w", err)
	}

	if h.LastTurn > 0 {
		var finality Finality
		err = tx.QueryRowContext(ctx,
			`SELECT finality FROM events
			 WHERE conversation = ? AND turn = ? AND type = 'message'
			 ORDER BY event DESC LIMIT 1`,
			conversation, h.LastTurn).Scan(&finality)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return Head{}, fmt.Errorf("head open turn: %w", err)
		}
		if err == nil {
			h.HasOpenTurn = finality == FinalityNone
		}
	}
	return h, nil
}

// Events returns a conversation's events with seq > afterSeq in seq
// order, up to limit (0 means no limit).
func (s *Store) Events(ctx context.Context, conversation int64, afterSeq int64, limit int) ([]Event, error) {
	q := `SELECT seq, conversation, turn, event, type, finality, agent_id, ts, payload
	      FROM events WHERE conversation = ? AND seq > ? ORDER BY seq`
	args := []any{conversation, afterSeq}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GetEvent returns one event by its (conversation, turn, event) triple,
// or a NOT_FOUND error.
func (s *Store) GetEvent(ctx context.Context, conversation int64, turn, event int) (*Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT seq, conversation, turn, event, type, finality, agent_id, ts, payload
		 FROM events WHERE conversation = ? AND turn = ? AND event = ?`,
		conversation, turn, event)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, Errf(CodeNotFound, "event %d/%d/%d", conversation, turn, event)
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// EventBySeq returns one of a conversation's events by its global seq,
// or a NOT_FOUND error.
func (s *Store) EventBySeq(ctx context.Context, conversation, seq int64) (*Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT seq, conversation, turn, event, type, finality, agent_id, ts, payload
		 FROM events WHERE conversation = ? AND seq = ?`,
		conversation, seq)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, Errf(CodeNotFound, "event seq %d", seq)
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// LastMessageSeqByAgent returns, per agent, the seq of that agent's
// most recent message in the conversation. Used by the scheduling
// policy to rotate multi-party conversations.
func (s *Store) LastMessageSeqByAgent(ctx context.Context, conversation int64) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, MAX(seq) FROM events
		 WHERE conversation = ? AND type = 'message' GROUP BY agent_id`,
		conversation)
	if err != nil {
		return nil, fmt.Errorf("last message seq: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var agent string
		var seq int64
		if err := rows.Scan(&agent, &seq); err != nil {
			return nil, fmt.Errorf("scan last message seq: %w", err)
		}
		out[agent] = seq
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (Event, error) {
	var ev Event
	var ts int64
	var payload string
	if err := r.Scan(&ev.Seq, &ev.Conversation, &ev.Turn, &ev.Event, &ev.Type, &ev.Finality, &ev.AgentID, &ts, &payload); err != nil {
		return Event{}, err
	}
	ev.TS = fromMillis(ts)
	ev.Payload = json.RawMessage(payload)
	return ev, nil
}
