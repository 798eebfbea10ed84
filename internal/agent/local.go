package agent

import (
	"context"
	"time"

	"github.com/agorahub/agora/internal/hub/bus"
	"github.com/agorahub/agora/internal/hub/orch"
	"github.com/agorahub/agora/internal/hub/store"
)

// LocalClient satisfies Client with direct orchestrator calls. It is
// the in-process twin of the remote RPC client.
type LocalClient struct {
	Orch *orch.Orchestrator
}

// NewLocalClient wraps an orchestrator.
func NewLocalClient(o *orch.Orchestrator) *LocalClient {
	return &LocalClient{Orch: o}
}

func (c *LocalClient) GetSnapshot(ctx context.Context, conversation int64, includeScenario bool) (*orch.Snapshot, error) {
	return c.Orch.GetSnapshot(ctx, conversation, includeScenario)
}

func (c *LocalClient) PostMessage(ctx context.Context, conversation int64, agentID string, payload store.MessagePayload, finality store.Finality, turn int) (store.AppendResult, error) {
	return c.Orch.SendMessage(ctx, conversation, agentID, payload, finality, turn)
}

func (c *LocalClient) PostTrace(ctx context.Context, conversation int64, agentID string, payload store.TracePayload, turn int) (store.AppendResult, error) {
	return c.Orch.SendTrace(ctx, conversation, agentID, payload, turn)
}

func (c *LocalClient) ClaimTurn(ctx context.Context, conversation int64, agentID string, guidanceSeq float64) (orch.ClaimResult, error) {
	return c.Orch.ClaimTurn(ctx, conversation, agentID, guidanceSeq)
}

func (c *LocalClient) OpenStream(ctx context.Context, conversation int64, sinceSeq int64) (Stream, error) {
	sub, err := c.Orch.Subscribe(ctx, conversation, orch.SubscribeOptions{
		IncludeGuidance: true,
		SinceSeq:        sinceSeq,
	})
	if err != nil {
		return nil, err
	}
	return &localStream{orch: c.Orch, sub: sub}, nil
}

func (c *LocalClient) Now() time.Time {
	return time.Now().UTC()
}

// localStream adapts a bus subscription to the Stream interface.
type localStream struct {
	orch *orch.Orchestrator
	sub  *bus.Subscription
}

func (s *localStream) Next(ctx context.Context) (Item, error) {
	it, err := s.sub.Next(ctx)
	if err != nil {
		return Item{}, err
	}
	return Item{Event: it.Event, Guidance: it.Guidance}, nil
}

func (s *localStream) Close() error {
	s.orch.Unsubscribe(s.sub.ID())
	return nil
}
