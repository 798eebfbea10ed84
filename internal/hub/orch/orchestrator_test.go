package orch_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agorahub/agora/internal/hub/bus"
	"github.com/agorahub/agora/internal/hub/db"
	"github.com/agorahub/agora/internal/hub/orch"
	"github.com/agorahub/agora/internal/hub/scenario"
	"github.com/agorahub/agora/internal/hub/store"
)

type fixture struct {
	orch      *orch.Orchestrator
	store     *store.Store
	scenarios *scenario.Store
}

func newFixture(t *testing.T, cfg orch.Config) *fixture {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	st := store.New(sqlDB)
	scn := scenario.New(sqlDB)
	o := orch.New(st, bus.New(64, bus.Block), nil, scn, cfg)
	o.Start()
	t.Cleanup(o.Shutdown)

	return &fixture{orch: o, store: st, scenarios: scn}
}

func twoAgentMeta() store.Meta {
	return store.Meta{
		Participants: []store.Participant{
			{AgentID: "agent-a", Kind: "external"},
			{AgentID: "agent-b", Kind: "external"},
		},
		StartingAgentID: "agent-a",
	}
}

func next(t *testing.T, sub *bus.Subscription) bus.Item {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	it, err := sub.Next(ctx)
	require.NoError(t, err)
	return it
}

// TestTwoAgentAlternation walks the canonical two-party exchange:
// message, guidance, claim, closing message, completion.
func TestTwoAgentAlternation(t *testing.T) {
	f := newFixture(t, orch.Config{})
	ctx := context.Background()

	conv, err := f.orch.CreateConversation(ctx, "alternation", "", "", twoAgentMeta())
	require.NoError(t, err)

	sub, err := f.orch.Subscribe(ctx, conv, orch.SubscribeOptions{IncludeGuidance: true, SinceSeq: -1})
	require.NoError(t, err)
	defer f.orch.Unsubscribe(sub.ID())

	res, err := f.orch.SendMessage(ctx, conv, "agent-a", store.MessagePayload{Text: "hi"}, store.FinalityTurn, 0)
	require.NoError(t, err)
	require.Equal(t, 1, res.Turn)
	require.Equal(t, 1, res.Event)

	// The closing event arrives before its guidance.
	it := next(t, sub)
	require.NotNil(t, it.Event)
	require.Equal(t, res.Seq, it.Event.Seq)
	require.Equal(t, "agent-a", it.Event.AgentID)

	it = next(t, sub)
	require.NotNil(t, it.Guidance)
	require.Equal(t, "agent-b", it.Guidance.NextAgentID)
	guidanceSeq := it.Guidance.Seq

	claim, err := f.orch.ClaimTurn(ctx, conv, "agent-b", guidanceSeq)
	require.NoError(t, err)
	require.True(t, claim.OK)

	_, err = f.orch.SendMessage(ctx, conv, "agent-b", store.MessagePayload{Text: "ok"}, store.FinalityConversation, 0)
	require.NoError(t, err)

	c, err := f.orch.GetConversation(ctx, conv)
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, c.Status)

	// Further sends fail.
	_, err = f.orch.SendMessage(ctx, conv, "agent-a", store.MessagePayload{Text: "late"}, store.FinalityNone, 0)
	require.Equal(t, store.CodeConversationClosed, store.CodeOf(err))

	// Claims are gone once the conversation completed.
	active, err := f.store.ActiveClaims(ctx, conv)
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestClaimTurn_ContendedAndReclaim(t *testing.T) {
	f := newFixture(t, orch.Config{})
	ctx := context.Background()

	conv, err := f.orch.CreateConversation(ctx, "claims", "", "", twoAgentMeta())
	require.NoError(t, err)
	_, err = f.orch.SendMessage(ctx, conv, "agent-a", store.MessagePayload{Text: "hi"}, store.FinalityTurn, 0)
	require.NoError(t, err)

	guidanceSeq := 1.1

	claim, err := f.orch.ClaimTurn(ctx, conv, "agent-b", guidanceSeq)
	require.NoError(t, err)
	require.True(t, claim.OK)

	// A rival is contended; the holder re-claims idempotently.
	claim, err = f.orch.ClaimTurn(ctx, conv, "agent-a", guidanceSeq)
	require.NoError(t, err)
	require.False(t, claim.OK)
	require.Equal(t, store.CodeClaimContended, claim.Reason)

	claim, err = f.orch.ClaimTurn(ctx, conv, "agent-b", guidanceSeq)
	require.NoError(t, err)
	require.True(t, claim.OK)
}

func TestClaimTurn_TurnClaimedAdvisoryInOpenTurn(t *testing.T) {
	f := newFixture(t, orch.Config{})
	ctx := context.Background()

	conv, err := f.orch.CreateConversation(ctx, "advisory", "", "", twoAgentMeta())
	require.NoError(t, err)

	// Leave the turn open, then claim: the advisory lands in it.
	_, err = f.orch.SendMessage(ctx, conv, "agent-a", store.MessagePayload{Text: "thinking"}, store.FinalityNone, 0)
	require.NoError(t, err)

	claim, err := f.orch.ClaimTurn(ctx, conv, "agent-b", 0.1)
	require.NoError(t, err)
	require.True(t, claim.OK)

	events, err := f.orch.Events(ctx, conv, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, store.TypeSystem, events[1].Type)

	var sp store.SystemPayload
	require.NoError(t, json.Unmarshal(events[1].Payload, &sp))
	require.Equal(t, store.SystemTurnClaimed, sp.Kind)
	require.Equal(t, "agent-b", sp.AgentID)
}

// TestWatchdog_ReclaimsExpiredClaims covers the crashed-claimant path:
// the claim expires, the watchdog deletes it, an advisory is emitted,
// and the guidance becomes claimable again.
func TestWatchdog_ReclaimsExpiredClaims(t *testing.T) {
	f := newFixture(t, orch.Config{
		IdleTurn:         50 * time.Millisecond,
		WatchdogInterval: 20 * time.Millisecond,
	})
	ctx := context.Background()

	conv, err := f.orch.CreateConversation(ctx, "expiry", "", "", twoAgentMeta())
	require.NoError(t, err)

	// Keep a turn open so the claim_expired advisory has a home.
	_, err = f.orch.SendMessage(ctx, conv, "agent-a", store.MessagePayload{Text: "open"}, store.FinalityNone, 0)
	require.NoError(t, err)

	claim, err := f.orch.ClaimTurn(ctx, conv, "agent-b", 0.1)
	require.NoError(t, err)
	require.True(t, claim.OK)

	require.Eventually(t, func() bool {
		active, err := f.store.ActiveClaims(ctx, conv)
		return err == nil && len(active) == 0
	}, 5*time.Second, 10*time.Millisecond, "claim never reclaimed")

	require.Eventually(t, func() bool {
		events, err := f.orch.Events(ctx, conv, 0, 0)
		if err != nil {
			return false
		}
		for _, ev := range events {
			var sp store.SystemPayload
			if ev.Type == store.TypeSystem && json.Unmarshal(ev.Payload, &sp) == nil && sp.Kind == store.SystemClaimExpired {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "claim_expired advisory never emitted")

	// Anyone can claim the same guidance now.
	claim, err = f.orch.ClaimTurn(ctx, conv, "agent-a", 0.1)
	require.NoError(t, err)
	require.True(t, claim.OK)
}

func TestSubscribe_ReplayFromSeq(t *testing.T) {
	f := newFixture(t, orch.Config{})
	ctx := context.Background()

	conv, err := f.orch.CreateConversation(ctx, "replay", "", "", twoAgentMeta())
	require.NoError(t, err)

	var seqs []int64
	agents := []string{"agent-a", "agent-b", "agent-a"}
	for _, a := range agents {
		res, err := f.orch.SendMessage(ctx, conv, a, store.MessagePayload{Text: "m"}, store.FinalityTurn, 0)
		require.NoError(t, err)
		seqs = append(seqs, res.Seq)
	}

	sub, err := f.orch.Subscribe(ctx, conv, orch.SubscribeOptions{SinceSeq: seqs[0]})
	require.NoError(t, err)
	defer f.orch.Unsubscribe(sub.ID())

	it := next(t, sub)
	require.Equal(t, seqs[1], it.Event.Seq)
	it = next(t, sub)
	require.Equal(t, seqs[2], it.Event.Seq)

	// Live events continue after the replayed tail.
	res, err := f.orch.SendMessage(ctx, conv, "agent-b", store.MessagePayload{Text: "live"}, store.FinalityTurn, 0)
	require.NoError(t, err)
	it = next(t, sub)
	require.Equal(t, res.Seq, it.Event.Seq)
}

func TestGetSnapshot_WithScenario(t *testing.T) {
	f := newFixture(t, orch.Config{})
	ctx := context.Background()

	blob := json.RawMessage(`{"task":"negotiate"}`)
	scnID, err := f.scenarios.Put(ctx, "", "negotiation", blob)
	require.NoError(t, err)

	conv, err := f.orch.CreateConversation(ctx, "snap", "", scnID, twoAgentMeta())
	require.NoError(t, err)
	_, err = f.orch.SendMessage(ctx, conv, "agent-a", store.MessagePayload{Text: "hi"}, store.FinalityTurn, 0)
	require.NoError(t, err)

	snap, err := f.orch.GetSnapshot(ctx, conv, true)
	require.NoError(t, err)
	require.Equal(t, store.StatusActive, snap.Status)
	require.Len(t, snap.Events, 1)
	require.JSONEq(t, string(blob), string(snap.Scenario))

	plain, err := f.orch.GetSnapshot(ctx, conv, false)
	require.NoError(t, err)
	require.Nil(t, plain.Scenario)
}

func TestCreateConversation_Validation(t *testing.T) {
	f := newFixture(t, orch.Config{})
	ctx := context.Background()

	meta := store.Meta{Participants: []store.Participant{{AgentID: "system", Kind: "external"}}}
	_, err := f.orch.CreateConversation(ctx, "bad", "", "", meta)
	require.Equal(t, store.CodeInvalidPayload, store.CodeOf(err))

	meta = store.Meta{Participants: []store.Participant{{AgentID: "Bad Agent!", Kind: "external"}}}
	_, err = f.orch.CreateConversation(ctx, "bad", "", "", meta)
	require.Equal(t, store.CodeInvalidPayload, store.CodeOf(err))
}
