package bus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agorahub/agora/internal/hub/bus"
	"github.com/agorahub/agora/internal/hub/policy"
	"github.com/agorahub/agora/internal/hub/store"
)

func event(conv, seq int64, typ store.EventType, agent string) *store.Event {
	return &store.Event{
		Seq:          seq,
		Conversation: conv,
		Turn:         1,
		Event:        int(seq),
		Type:         typ,
		Finality:     store.FinalityNone,
		AgentID:      agent,
		Payload:      []byte(`{}`),
	}
}

func TestPublish_DeliversInOrder(t *testing.T) {
	b := bus.New(8, bus.Block)
	sub := b.Subscribe(bus.Options{Conversation: 1})
	defer b.Unsubscribe(sub.ID())

	for seq := int64(1); seq <= 5; seq++ {
		b.Publish(event(1, seq, store.TypeMessage, "a"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var last int64
	for i := 0; i < 5; i++ {
		it, err := sub.Next(ctx)
		require.NoError(t, err)
		require.NotNil(t, it.Event)
		require.Greater(t, it.Event.Seq, last)
		last = it.Event.Seq
	}
}

func TestPublish_ConversationIsolation(t *testing.T) {
	b := bus.New(8, bus.Block)
	sub := b.Subscribe(bus.Options{Conversation: 1})
	defer b.Unsubscribe(sub.ID())

	b.Publish(event(2, 1, store.TypeMessage, "a"))
	b.Publish(event(1, 2, store.TypeMessage, "a"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	it, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), it.Event.Seq)
}

func TestPublish_Filter(t *testing.T) {
	b := bus.New(8, bus.Block)
	sub := b.Subscribe(bus.Options{
		Conversation: 1,
		Filter:       bus.Filter{Types: []store.EventType{store.TypeMessage}, Agents: []string{"a"}},
	})
	defer b.Unsubscribe(sub.ID())

	b.Publish(event(1, 1, store.TypeTrace, "a"))
	b.Publish(event(1, 2, store.TypeMessage, "b"))
	b.Publish(event(1, 3, store.TypeMessage, "a"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	it, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), it.Event.Seq)
}

func TestPublishGuidance_OnlyToOptedIn(t *testing.T) {
	b := bus.New(8, bus.Block)
	plain := b.Subscribe(bus.Options{Conversation: 1})
	defer b.Unsubscribe(plain.ID())
	guided := b.Subscribe(bus.Options{Conversation: 1, IncludeGuidance: true})
	defer b.Unsubscribe(guided.ID())

	b.PublishGuidance(&policy.Guidance{Conversation: 1, Seq: 1.1, NextAgentID: "b"})
	b.Publish(event(1, 2, store.TypeMessage, "a"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	it, err := guided.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, it.Guidance)
	require.Equal(t, "b", it.Guidance.NextAgentID)

	// The plain subscription sees only the event.
	it, err = plain.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, it.Event)
}

func TestUnsubscribe_EndsStream(t *testing.T) {
	b := bus.New(8, bus.Block)
	sub := b.Subscribe(bus.Options{Conversation: 1})

	b.Publish(event(1, 1, store.TypeMessage, "a"))
	b.Unsubscribe(sub.ID())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The queued item drains first, then the stream reports closure.
	it, err := sub.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, it.Event)

	_, err = sub.Next(ctx)
	require.ErrorIs(t, err, bus.ErrClosed)
}

func TestDropSlow_Overrun(t *testing.T) {
	b := bus.New(2, bus.DropSlow)
	sub := b.Subscribe(bus.Options{Conversation: 1})
	defer b.Unsubscribe(sub.ID())

	// Nobody reads: the third publish overruns the queue.
	for seq := int64(1); seq <= 3; seq++ {
		b.Publish(event(1, seq, store.TypeMessage, "a"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	for {
		_, err = sub.Next(ctx)
		if err != nil {
			break
		}
	}
	require.ErrorIs(t, err, bus.ErrOverrun)
}

func TestBlock_PublisherWaitsForConsumer(t *testing.T) {
	b := bus.New(1, bus.Block)
	sub := b.Subscribe(bus.Options{Conversation: 1})
	defer b.Unsubscribe(sub.ID())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for seq := int64(1); seq <= 10; seq++ {
			b.Publish(event(1, seq, store.TypeMessage, "a"))
		}
	}()

	// A slow consumer still sees every event, in order.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for seq := int64(1); seq <= 10; seq++ {
		it, err := sub.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, seq, it.Event.Seq)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher never finished")
	}
}

func TestStaging_ReplayWithoutGapsOrDuplicates(t *testing.T) {
	b := bus.New(32, bus.Block)
	sub := b.Subscribe(bus.Options{Conversation: 1, Staging: true})
	defer b.Unsubscribe(sub.ID())

	// Live events arrive while the replay is still loading; the replay
	// read happens after, so it covers them too.
	b.Publish(event(1, 3, store.TypeMessage, "a"))
	b.Publish(event(1, 4, store.TypeMessage, "a"))

	replay := []store.Event{
		*event(1, 1, store.TypeMessage, "a"),
		*event(1, 2, store.TypeMessage, "a"),
		*event(1, 3, store.TypeMessage, "a"),
		*event(1, 4, store.TypeMessage, "a"),
	}
	go sub.FinishReplay(replay)

	// A post-replay live event.
	b.Publish(event(1, 5, store.TypeMessage, "a"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []int64
	for len(got) < 5 {
		it, err := sub.Next(ctx)
		require.NoError(t, err)
		if it.Event != nil {
			got = append(got, it.Event.Seq)
		}
	}
	require.Equal(t, []int64{1, 2, 3, 4, 5}, got)

	// Nothing extra queued.
	shortCtx, shortCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer shortCancel()
	_, err := sub.Next(shortCtx)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}
