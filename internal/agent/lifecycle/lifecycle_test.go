package lifecycle_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agorahub/agora/internal/agent"
	"github.com/agorahub/agora/internal/agent/lifecycle"
	"github.com/agorahub/agora/internal/hub/bus"
	"github.com/agorahub/agora/internal/hub/db"
	"github.com/agorahub/agora/internal/hub/orch"
	"github.com/agorahub/agora/internal/hub/store"
)

func newManager(t *testing.T) (*lifecycle.Manager, *orch.Orchestrator) {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	o := orch.New(store.New(sqlDB), bus.New(64, bus.Block), nil, nil, orch.Config{
		IdleTurn:         5 * time.Second,
		WatchdogInterval: 100 * time.Millisecond,
	})
	o.Start()
	t.Cleanup(o.Shutdown)

	m := lifecycle.NewManager(o)
	t.Cleanup(m.StopAll)
	return m, o
}

func scriptedMeta() store.Meta {
	return store.Meta{
		Participants: []store.Participant{
			{AgentID: "alice", Kind: "internal", AgentClass: "scripted",
				Config: json.RawMessage(`{"script":["hi","bye"]}`)},
			{AgentID: "bob", Kind: "internal", AgentClass: "scripted",
				Config: json.RawMessage(`{"script":["hello"]}`)},
		},
		StartingAgentID: "alice",
	}
}

func TestRunToCompletion(t *testing.T) {
	m, o := newManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conv, err := o.CreateConversation(ctx, "run", "", "", scriptedMeta())
	require.NoError(t, err)

	status, err := m.RunToCompletion(ctx, conv, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, status)

	events, err := o.Events(ctx, conv, 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, store.FinalityConversation, last.Finality)
}

func TestEnsure_SkipsExternalAndRunning(t *testing.T) {
	m, o := newManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	meta := scriptedMeta()
	meta.Participants = append(meta.Participants, store.Participant{AgentID: "ext", Kind: "external"})
	conv, err := o.CreateConversation(ctx, "ensure", "", "", meta)
	require.NoError(t, err)

	// Ensuring twice is idempotent; external agents are never started.
	require.NoError(t, m.Ensure(ctx, conv, nil))
	require.NoError(t, m.Ensure(ctx, conv, nil))

	m.Stop(conv)
}

func TestEnsure_UnknownClass(t *testing.T) {
	m, o := newManager(t)
	ctx := context.Background()

	conv, err := o.CreateConversation(ctx, "bad class", "", "", store.Meta{
		Participants: []store.Participant{
			{AgentID: "x", Kind: "internal", AgentClass: "nope"},
		},
	})
	require.NoError(t, err)

	err = m.Ensure(ctx, conv, nil)
	require.ErrorContains(t, err, "unknown agent class")
}

func TestRegisterClass(t *testing.T) {
	m, o := newManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	m.RegisterClass("echo", func(p store.Participant) (agent.Agent, error) {
		return &agent.ScriptAgent{Lines: []string{"echo"}}, nil
	})

	conv, err := o.CreateConversation(ctx, "custom", "", "", store.Meta{
		Participants: []store.Participant{
			{AgentID: "starter", Kind: "internal", AgentClass: "scripted",
				Config: json.RawMessage(`{"script":["go"]}`)},
			{AgentID: "echoer", Kind: "internal", AgentClass: "echo"},
		},
		StartingAgentID: "starter",
	})
	require.NoError(t, err)

	// starter's only line closes the conversation immediately.
	status, err := m.RunToCompletion(ctx, conv, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, status)
}
