// Package store implements the persistent side of the orchestration
// kernel: the append-only event log with its turn and finality
// invariants, conversation rows, turn claims, idempotency records and
// attachment blobs, all backed by SQLite.
package store

import (
	"encoding/json"
	"time"
)

// EventType discriminates the payload union of an event.
type EventType string

const (
	TypeMessage EventType = "message"
	TypeTrace   EventType = "trace"
	TypeSystem  EventType = "system"
)

// Finality is the contract a message makes about the turn it belongs to.
type Finality string

const (
	FinalityNone         Finality = "none"
	FinalityTurn         Finality = "turn"
	FinalityConversation Finality = "conversation"
)

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// Event is one entry of the append-only log. Seq is globally monotonic
// across all conversations; (Conversation, Turn, Event) is unique.
type Event struct {
	Seq          int64           `json:"seq"`
	Conversation int64           `json:"conversation"`
	Turn         int             `json:"turn"`
	Event        int             `json:"event"`
	Type         EventType       `json:"type"`
	Finality     Finality        `json:"finality"`
	AgentID      string          `json:"agentId"`
	TS           time.Time       `json:"ts"`
	Payload      json.RawMessage `json:"payload"`
}

// Participant describes one declared member of a conversation.
type Participant struct {
	AgentID    string          `json:"agentId"`
	Kind       string          `json:"kind"` // "internal" or "external"
	AgentClass string          `json:"agentClass,omitempty"`
	Config     json.RawMessage `json:"config,omitempty"`
}

// Meta is the conversation metadata blob: the declared participant
// list plus scheduling hints.
type Meta struct {
	Participants    []Participant   `json:"participants"`
	StartingAgentID string          `json:"startingAgentId,omitempty"`
	TurnOrder       []string        `json:"turnOrder,omitempty"`
	Custom          json.RawMessage `json:"custom,omitempty"`
}

// Participant returns the declared participant with the given agent id,
// or nil if it is not declared.
func (m *Meta) Participant(agentID string) *Participant {
	for i := range m.Participants {
		if m.Participants[i].AgentID == agentID {
			return &m.Participants[i]
		}
	}
	return nil
}

// Conversation is one conversation row.
type Conversation struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	ScenarioRef string    `json:"scenarioRef,omitempty"`
	Metadata    Meta      `json:"metadata"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// AttachmentRef is the reference form of an attachment as stored in a
// message payload after the raw bytes are rewritten away.
type AttachmentRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Summary     string `json:"summary,omitempty"`
	DocRef      string `json:"docRef,omitempty"`
}

// AttachmentInput is an attachment as submitted by a caller. Content is
// base64 on the wire and never survives into the stored payload.
type AttachmentInput struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Content     []byte `json:"content,omitempty"`
	Summary     string `json:"summary,omitempty"`
	DocRef      string `json:"docRef,omitempty"`
}

// Attachment is a stored attachment row, owned by the event that
// introduced it.
type Attachment struct {
	ID             string    `json:"id"`
	Conversation   int64     `json:"conversation"`
	Turn           int       `json:"turn"`
	Event          int       `json:"event"`
	DocRef         string    `json:"docRef,omitempty"`
	Name           string    `json:"name"`
	ContentType    string    `json:"contentType"`
	Content        []byte    `json:"content"`
	Summary        string    `json:"summary,omitempty"`
	CreatedByAgent string    `json:"createdByAgent"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Outcome is the optional structured result carried by a message.
type Outcome struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	Code   string `json:"code,omitempty"`
}

// MessagePayload is the payload of a message event. After persistence
// Attachments only ever carries references; raw bytes live in the
// attachments table.
type MessagePayload struct {
	Text            string            `json:"text"`
	Attachments     []AttachmentInput `json:"attachments,omitempty"`
	Outcome         *Outcome          `json:"outcome,omitempty"`
	ClientRequestID string            `json:"clientRequestId,omitempty"`
}

// TraceKind discriminates trace payloads.
type TraceKind string

const (
	TraceThought      TraceKind = "thought"
	TraceToolCall     TraceKind = "tool_call"
	TraceToolResult   TraceKind = "tool_result"
	TraceUserQuery    TraceKind = "user_query"
	TraceUserResponse TraceKind = "user_response"
)

// TracePayload is the payload of a trace event. Detail is free-form and
// stored opaquely.
type TracePayload struct {
	Kind            TraceKind       `json:"kind"`
	Detail          json.RawMessage `json:"detail,omitempty"`
	ClientRequestID string          `json:"clientRequestId,omitempty"`
}

// SystemKind discriminates system payloads.
type SystemKind string

const (
	SystemTurnClaimed  SystemKind = "turn_claimed"
	SystemClaimExpired SystemKind = "claim_expired"
	SystemMetaCreated  SystemKind = "meta_created"
	SystemMetaUpdated  SystemKind = "meta_updated"
	SystemNote         SystemKind = "note"
	SystemIdleTimeout  SystemKind = "idle_timeout"
)

// SystemPayload is the payload of a system event.
type SystemPayload struct {
	Kind    SystemKind `json:"kind"`
	AgentID string     `json:"agentId,omitempty"`
	Note    string     `json:"note,omitempty"`
}

// Head summarizes a conversation's append state.
type Head struct {
	LastTurn      int    `json:"lastTurn"`
	LastClosedSeq int64  `json:"lastClosedSeq"`
	HasOpenTurn   bool   `json:"hasOpenTurn"`
	Status        Status `json:"status"`
}

// AppendInput describes one event to append. Turn 0 means "let the
// store decide" per the allocation rules.
type AppendInput struct {
	Conversation int64
	Type         EventType
	Finality     Finality
	AgentID      string
	Turn         int
	Payload      json.RawMessage
}

// AppendResult is the outcome of an append. Replayed is set when an
// idempotency record short-circuited the write; Dropped when an
// advisory system event had no open turn to land in. Stored is nil in
// the Dropped case.
type AppendResult struct {
	Seq      int64 `json:"seq"`
	Turn     int   `json:"turn"`
	Event    int   `json:"event"`
	Replayed bool  `json:"replayed,omitempty"`
	Dropped  bool  `json:"dropped,omitempty"`
	Stored   *Event `json:"-"`
}

// Claim is the unique right to act on a specific guidance event.
type Claim struct {
	Conversation int64     `json:"conversation"`
	GuidanceSeq  int64     `json:"guidanceSeq"`
	AgentID      string    `json:"agentId"`
	ClaimedAt    time.Time `json:"claimedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// ListFilter narrows a conversation listing.
type ListFilter struct {
	Status      Status
	ScenarioRef string
	Limit       int
	Offset      int
}
