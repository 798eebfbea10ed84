package rpcclient

import (
	"context"
	"sync"
	"time"

	"github.com/agorahub/agora/internal/agent"
)

// remoteStream buffers event and guidance notifications for one
// conversation subscription.
type remoteStream struct {
	client       *Client
	conversation int64
	subID        string

	items chan agent.Item
	done  chan struct{}

	closeOnce sync.Once
	err       error // written before done closes
}

// OpenStream implements agent.Client: it subscribes with sinceSeq so
// the hub replays the stored tail before live delivery.
func (c *Client) OpenStream(ctx context.Context, conversation int64, sinceSeq int64) (agent.Stream, error) {
	s := &remoteStream{
		client:       c,
		conversation: conversation,
		items:        make(chan agent.Item, 256),
		done:         make(chan struct{}),
	}

	// Register before subscribing: the replay may start arriving the
	// moment the hub handles the request.
	c.mu.Lock()
	if prev := c.streams[conversation]; prev != nil {
		c.mu.Unlock()
		prev.fail(ErrTransport)
		c.mu.Lock()
	}
	c.streams[conversation] = s
	c.mu.Unlock()

	var res struct {
		SubID string `json:"subId"`
	}
	err := c.call(ctx, "subscribe", map[string]any{
		"conversationId":  conversation,
		"includeGuidance": true,
		"sinceSeq":        sinceSeq,
	}, &res)
	if err != nil {
		c.unregister(s)
		return nil, err
	}
	s.subID = res.SubID
	return s, nil
}

func (c *Client) unregister(s *remoteStream) {
	c.mu.Lock()
	if c.streams[s.conversation] == s {
		delete(c.streams, s.conversation)
	}
	c.mu.Unlock()
}

// push queues one delivery; a full buffer drops the stream with
// ErrOverrun so the runtime resubscribes from its last seq.
func (s *remoteStream) push(it agent.Item) {
	select {
	case s.items <- it:
	case <-s.done:
	default:
		s.fail(ErrOverrun)
	}
}

func (s *remoteStream) fail(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		close(s.done)
	})
}

// Next implements agent.Stream.
func (s *remoteStream) Next(ctx context.Context) (agent.Item, error) {
	select {
	case it := <-s.items:
		return it, nil
	default:
	}
	select {
	case it := <-s.items:
		return it, nil
	case <-s.done:
		select {
		case it := <-s.items:
			return it, nil
		default:
		}
		return agent.Item{}, s.err
	case <-ctx.Done():
		return agent.Item{}, ctx.Err()
	}
}

// Close implements agent.Stream. The hub-side subscription is removed
// best-effort; a dead connection already dropped it.
func (s *remoteStream) Close() error {
	s.fail(ErrTransport)
	s.client.unregister(s)
	if s.subID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.client.call(ctx, "unsubscribe", map[string]any{"subId": s.subID}, nil)
	}
	return nil
}
