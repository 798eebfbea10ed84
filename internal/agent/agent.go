// Package agent implements the runtime loop shared by in-process and
// remote agents: stream events, claim advised turns, hand them to the
// agent implementation, and resume after disconnects.
package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/agorahub/agora/internal/hub/orch"
	"github.com/agorahub/agora/internal/hub/policy"
	"github.com/agorahub/agora/internal/hub/store"
)

// Item is one stream delivery: exactly one of Event or Guidance is set.
type Item struct {
	Event    *store.Event
	Guidance *policy.Guidance
}

// Stream is the lazy event sequence of a subscription.
type Stream interface {
	// Next blocks for the next item. It returns an error when the
	// stream ends; the runtime classifies it and resubscribes or stops.
	Next(ctx context.Context) (Item, error)
	Close() error
}

// Client is the narrow orchestrator capability an agent runtime needs.
// The in-process and remote implementations satisfy it identically, so
// agent code never knows which side of the wire it runs on.
type Client interface {
	GetSnapshot(ctx context.Context, conversation int64, includeScenario bool) (*orch.Snapshot, error)
	PostMessage(ctx context.Context, conversation int64, agentID string, payload store.MessagePayload, finality store.Finality, turn int) (store.AppendResult, error)
	PostTrace(ctx context.Context, conversation int64, agentID string, payload store.TracePayload, turn int) (store.AppendResult, error)
	ClaimTurn(ctx context.Context, conversation int64, agentID string, guidanceSeq float64) (orch.ClaimResult, error)
	OpenStream(ctx context.Context, conversation int64, sinceSeq int64) (Stream, error)
	Now() time.Time
}

// TurnContext is handed to an agent for exactly one claimed turn. The
// deadline is advisory: exceeding it lets the watchdog reclaim.
type TurnContext struct {
	Conversation int64
	AgentID      string
	Deadline     time.Time
	Client       Client
	Logger       *slog.Logger
}

// Snapshot fetches the conversation state through the turn's client.
func (tc *TurnContext) Snapshot(ctx context.Context) (*orch.Snapshot, error) {
	return tc.Client.GetSnapshot(ctx, tc.Conversation, true)
}

// PostMessage appends a message authored by this turn's agent.
func (tc *TurnContext) PostMessage(ctx context.Context, payload store.MessagePayload, finality store.Finality) (store.AppendResult, error) {
	return tc.Client.PostMessage(ctx, tc.Conversation, tc.AgentID, payload, finality, 0)
}

// PostTrace appends a trace into the open turn.
func (tc *TurnContext) PostTrace(ctx context.Context, payload store.TracePayload) (store.AppendResult, error) {
	return tc.Client.PostTrace(ctx, tc.Conversation, tc.AgentID, payload, 0)
}

// Agent handles one claimed turn: it writes zero or more traces and
// messages, closing with a message of finality turn or conversation.
type Agent interface {
	HandleTurn(ctx context.Context, tc *TurnContext) error
}
