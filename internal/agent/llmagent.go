package agent

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/agorahub/agora/internal/agent/llm"
	"github.com/agorahub/agora/internal/hub/orch"
	"github.com/agorahub/agora/internal/hub/store"
)

// LLMAgent answers each turn with one completion. The answer message
// opens the turn, a thought trace follows inside it, and a closing
// message ends it; the conversation is ended after MaxTurns of its own
// messages.
type LLMAgent struct {
	Completer llm.Completer
	Model     string
	System    string
	MaxTurns  int // 0 means no limit
}

// HandleTurn implements Agent.
func (a *LLMAgent) HandleTurn(ctx context.Context, tc *TurnContext) error {
	snap, err := tc.Snapshot(ctx)
	if err != nil {
		return err
	}

	messages, spoken := a.history(snap, tc.AgentID)

	if a.MaxTurns > 0 && spoken >= a.MaxTurns {
		_, err = tc.PostMessage(ctx, store.MessagePayload{
			Outcome:         &store.Outcome{Status: "completed", Reason: "turn budget exhausted"},
			ClientRequestID: uuid.NewString(),
		}, store.FinalityConversation)
		return err
	}

	resp, err := a.Completer.Complete(ctx, llm.Request{Messages: messages, Model: a.Model})
	if err != nil {
		return err
	}

	// Open the turn with the answer; the thought trace can only land in
	// an open turn, and only a message opens one.
	if _, err := tc.PostMessage(ctx, store.MessagePayload{
		Text:            resp.Content,
		ClientRequestID: uuid.NewString(),
	}, store.FinalityNone); err != nil {
		return err
	}

	detail, _ := json.Marshal(map[string]any{"model": a.Model, "history": len(messages)})
	if _, err := tc.PostTrace(ctx, store.TracePayload{Kind: store.TraceThought, Detail: detail}); err != nil {
		return err
	}

	finality := store.FinalityTurn
	if a.MaxTurns > 0 && spoken+1 >= a.MaxTurns {
		finality = store.FinalityConversation
	}
	_, err = tc.PostMessage(ctx, store.MessagePayload{
		Outcome:         &store.Outcome{Status: "ok"},
		ClientRequestID: uuid.NewString(),
	}, finality)
	return err
}

// history converts prior message events to completion messages from
// this agent's point of view and counts the agent's own messages.
func (a *LLMAgent) history(snap *orch.Snapshot, agentID string) ([]llm.Message, int) {
	var messages []llm.Message
	if a.System != "" {
		messages = append(messages, llm.Message{Role: "system", Content: a.System})
	}

	spoken := 0
	for _, ev := range snap.Events {
		if ev.Type != store.TypeMessage {
			continue
		}
		var mp store.MessagePayload
		if err := json.Unmarshal(ev.Payload, &mp); err != nil || mp.Text == "" {
			continue
		}
		role := "user"
		if ev.AgentID == agentID {
			role = "assistant"
			spoken++
		}
		messages = append(messages, llm.Message{Role: role, Content: mp.Text})
	}
	return messages, spoken
}
