package agent_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agorahub/agora/internal/agent"
	"github.com/agorahub/agora/internal/agent/llm"
	"github.com/agorahub/agora/internal/hub/bus"
	"github.com/agorahub/agora/internal/hub/db"
	"github.com/agorahub/agora/internal/hub/orch"
	"github.com/agorahub/agora/internal/hub/store"
)

func newOrch(t *testing.T) (*orch.Orchestrator, *bus.Bus) {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	b := bus.New(64, bus.Block)
	o := orch.New(store.New(sqlDB), b, nil, nil, orch.Config{
		IdleTurn:         5 * time.Second,
		WatchdogInterval: 100 * time.Millisecond,
	})
	o.Start()
	t.Cleanup(o.Shutdown)
	return o, b
}

// TestRuntime_ScriptedAlternation runs two in-process runtimes against
// the same orchestrator and lets them talk to completion.
func TestRuntime_ScriptedAlternation(t *testing.T) {
	o, _ := newOrch(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conv, err := o.CreateConversation(ctx, "scripted", "", "", store.Meta{
		Participants: []store.Participant{
			{AgentID: "alice", Kind: "internal"},
			{AgentID: "bob", Kind: "internal"},
		},
		StartingAgentID: "alice",
	})
	require.NoError(t, err)

	alice := &agent.Runtime{
		Client:       agent.NewLocalClient(o),
		Agent:        &agent.ScriptAgent{Lines: []string{"hello bob", "bye"}},
		AgentID:      "alice",
		Conversation: conv,
	}
	bob := &agent.Runtime{
		Client:       agent.NewLocalClient(o),
		Agent:        &agent.ScriptAgent{Lines: []string{"hello alice", "later"}},
		AgentID:      "bob",
		Conversation: conv,
	}

	var wg sync.WaitGroup
	for _, rt := range []*agent.Runtime{alice, bob} {
		wg.Add(1)
		go func(rt *agent.Runtime) {
			defer wg.Done()
			if err := rt.Run(ctx); err != nil {
				t.Errorf("runtime %s: %v", rt.AgentID, err)
			}
		}(rt)
	}
	wg.Wait()

	c, err := o.GetConversation(ctx, conv)
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, c.Status)

	events, err := o.Events(ctx, conv, 0, 0)
	require.NoError(t, err)

	// Strict alternation: alice, bob, alice; alice's last line closes.
	var authors []string
	for _, ev := range events {
		if ev.Type == store.TypeMessage {
			authors = append(authors, ev.AgentID)
		}
	}
	require.Equal(t, []string{"alice", "bob", "alice"}, authors)
}

// TestRuntime_LLMAgent checks the completion-backed agent: it records a
// thought trace in its turn and speaks the scripted completion.
func TestRuntime_LLMAgent(t *testing.T) {
	o, _ := newOrch(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conv, err := o.CreateConversation(ctx, "llm", "", "", store.Meta{
		Participants: []store.Participant{
			{AgentID: "user-sim", Kind: "internal"},
			{AgentID: "assistant", Kind: "internal"},
		},
		StartingAgentID: "user-sim",
	})
	require.NoError(t, err)

	sim := &agent.Runtime{
		Client:       agent.NewLocalClient(o),
		Agent:        &agent.ScriptAgent{Lines: []string{"what is 2+2?", "thanks"}},
		AgentID:      "user-sim",
		Conversation: conv,
	}
	assistant := &agent.Runtime{
		Client: agent.NewLocalClient(o),
		Agent: &agent.LLMAgent{
			Completer: llm.NewScripted("4", "you are welcome"),
			Model:     "scripted-1",
			MaxTurns:  5,
		},
		AgentID:      "assistant",
		Conversation: conv,
	}

	var wg sync.WaitGroup
	for _, rt := range []*agent.Runtime{sim, assistant} {
		wg.Add(1)
		go func(rt *agent.Runtime) {
			defer wg.Done()
			_ = rt.Run(ctx)
		}(rt)
	}
	wg.Wait()

	events, err := o.Events(ctx, conv, 0, 0)
	require.NoError(t, err)

	var sawThought bool
	var answers []string
	for _, ev := range events {
		switch ev.Type {
		case store.TypeTrace:
			var tp store.TracePayload
			require.NoError(t, json.Unmarshal(ev.Payload, &tp))
			if tp.Kind == store.TraceThought {
				sawThought = true
			}
		case store.TypeMessage:
			if ev.AgentID == "assistant" {
				var mp store.MessagePayload
				require.NoError(t, json.Unmarshal(ev.Payload, &mp))
				if mp.Text != "" {
					answers = append(answers, mp.Text)
				}
			}
		}
	}
	require.True(t, sawThought, "no thought trace recorded")
	// user-sim's second line closes the conversation, so the assistant
	// answers exactly once.
	require.Equal(t, []string{"4"}, answers)
}

// TestRuntime_SkipsForeignGuidance makes sure a runtime ignores
// guidance aimed at someone else and keeps following the stream.
func TestRuntime_SkipsForeignGuidance(t *testing.T) {
	o, b := newOrch(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conv, err := o.CreateConversation(ctx, "foreign", "", "", store.Meta{
		Participants: []store.Participant{
			{AgentID: "speaker", Kind: "external"},
			{AgentID: "listener", Kind: "internal"},
			{AgentID: "other", Kind: "external"},
		},
		TurnOrder: []string{"speaker", "other", "listener"},
	})
	require.NoError(t, err)

	listener := &agent.Runtime{
		Client:       agent.NewLocalClient(o),
		Agent:        &agent.ScriptAgent{Lines: []string{"finally my turn"}},
		AgentID:      "listener",
		Conversation: conv,
	}

	done := make(chan error, 1)
	go func() { done <- listener.Run(ctx) }()

	// Guidance is transient: wait for the listener's subscription
	// before closing any turn.
	require.Eventually(t, func() bool { return b.Count(conv) > 0 }, 5*time.Second, 10*time.Millisecond)

	// speaker closes a turn: guidance targets "other", not listener.
	_, err = o.SendMessage(ctx, conv, "speaker", store.MessagePayload{Text: "turn 1"}, store.FinalityTurn, 0)
	require.NoError(t, err)

	// other closes a turn: now guidance targets listener, who ends it.
	_, err = o.SendMessage(ctx, conv, "other", store.MessagePayload{Text: "turn 2"}, store.FinalityTurn, 0)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("listener never finished")
	}

	c, err := o.GetConversation(ctx, conv)
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, c.Status)
}
