package agent

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/agorahub/agora/internal/hub/store"
)

// ScriptAgent speaks a fixed list of lines, one per turn, and closes
// the conversation with its last line. The next line is derived from
// the snapshot, so a restarted runtime resumes mid-script.
type ScriptAgent struct {
	Lines []string
}

// ScriptFromConfig builds a ScriptAgent from a participant config blob
// of the form {"script": ["line", ...]}.
func ScriptFromConfig(config json.RawMessage) (*ScriptAgent, error) {
	var cfg struct {
		Script []string `json:"script"`
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, err
		}
	}
	return &ScriptAgent{Lines: cfg.Script}, nil
}

// HandleTurn implements Agent.
func (a *ScriptAgent) HandleTurn(ctx context.Context, tc *TurnContext) error {
	snap, err := tc.Snapshot(ctx)
	if err != nil {
		return err
	}

	spoken := 0
	for _, ev := range snap.Events {
		if ev.Type == store.TypeMessage && ev.AgentID == tc.AgentID {
			spoken++
		}
	}

	if spoken >= len(a.Lines) {
		// Script exhausted: yield the conversation.
		_, err = tc.PostMessage(ctx, store.MessagePayload{
			Text:            "",
			Outcome:         &store.Outcome{Status: "completed", Reason: "script exhausted"},
			ClientRequestID: uuid.NewString(),
		}, store.FinalityConversation)
		return err
	}

	finality := store.FinalityTurn
	if spoken == len(a.Lines)-1 {
		finality = store.FinalityConversation
	}
	_, err = tc.PostMessage(ctx, store.MessagePayload{
		Text:            a.Lines[spoken],
		ClientRequestID: uuid.NewString(),
	}, finality)
	return err
}
