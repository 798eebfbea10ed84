// Package rpcclient is the remote twin of the in-process client: it
// speaks JSON-RPC 2.0 over a persistent WebSocket to the hub and
// satisfies the agent runtime's Client contract.
package rpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"

	"github.com/agorahub/agora/internal/agent"
	"github.com/agorahub/agora/internal/hub/orch"
	"github.com/agorahub/agora/internal/hub/policy"
	"github.com/agorahub/agora/internal/hub/store"
)

// ErrTransport marks a lost connection. The agent runtime resubscribes
// from the last seen seq; held claims expire via the hub watchdog.
var ErrTransport = errors.New("transport disconnected")

// ErrOverrun mirrors the hub-side SUBSCRIBER_OVERRUN drop.
var ErrOverrun = errors.New("subscriber overrun")

const subprotocol = "agora.rpc.v1"

// frame is the union of everything the hub can send.
type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Code string `json:"code"`
	} `json:"data"`
}

// asDomainError converts a JSON-RPC error into a store error when it
// carries a domain code, so errors.As works identically on both sides
// of the wire.
func (e *rpcError) asDomainError() error {
	if e.Data.Code != "" {
		return &store.Error{Code: e.Data.Code, Message: e.Message}
	}
	return fmt.Errorf("rpc error %d: %s", e.Code, e.Message)
}

// Client is a JSON-RPC WebSocket client. Safe for concurrent use; it
// dials lazily and redials with exponential backoff.
type Client struct {
	url string

	mu      sync.Mutex
	conn    *websocket.Conn
	nextID  int64
	pending map[int64]chan *frame
	streams map[int64]*remoteStream // conversation -> stream
	closed  bool
}

// New creates a client for the hub's /ws endpoint, e.g.
// "ws://localhost:4840/ws". No connection is made until first use.
func New(url string) *Client {
	return &Client{
		url:     url,
		pending: make(map[int64]chan *frame),
		streams: make(map[int64]*remoteStream),
	}
}

// Close tears the connection down; pending calls and streams fail with
// ErrTransport.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "")
	}
	return nil
}

// ensureConn returns the live connection, dialing with backoff when
// there is none. 1s to 60s, doubling with jitter.
func (c *Client) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrTransport
	}
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.MaxInterval = 60 * time.Second
	bo.Multiplier = 2.0
	bo.RandomizationFactor = 0.2
	bo.Reset()

	for {
		conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
			Subprotocols: []string{subprotocol},
		})
		if err == nil {
			conn.SetReadLimit(1 << 20)
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return nil, ErrTransport
			}
			if existing := c.conn; existing != nil {
				// Another caller dialed first; use its connection.
				c.mu.Unlock()
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return existing, nil
			}
			c.conn = conn
			c.mu.Unlock()
			go c.readLoop(conn)
			slog.Debug("connected to hub", "url", c.url)
			return conn, nil
		}

		interval := bo.NextBackOff()
		slog.Warn("hub dial failed, retrying", "url", c.url, "error", err, "backoff", interval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// readLoop dispatches frames from one connection until it dies, then
// fails everything waiting on it.
func (c *Client) readLoop(conn *websocket.Conn) {
	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.dropConn(conn, err)
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Debug("ws: bad frame from hub", "error", err)
			continue
		}
		if f.Method != "" {
			c.handleNotification(&f)
			continue
		}
		if f.ID != nil {
			var id int64
			if err := json.Unmarshal(f.ID, &id); err != nil {
				continue
			}
			c.mu.Lock()
			ch := c.pending[id]
			delete(c.pending, id)
			c.mu.Unlock()
			if ch != nil {
				ch <- &f
			}
		}
	}
}

func (c *Client) handleNotification(f *frame) {
	switch f.Method {
	case "welcome", "ping":
		return
	case "event":
		var ev store.Event
		if err := json.Unmarshal(f.Params, &ev); err != nil {
			slog.Debug("ws: bad event notification", "error", err)
			return
		}
		if s := c.stream(ev.Conversation); s != nil {
			s.push(agent.Item{Event: &ev})
		}
	case "guidance":
		var g policy.Guidance
		if err := json.Unmarshal(f.Params, &g); err != nil {
			slog.Debug("ws: bad guidance notification", "error", err)
			return
		}
		if s := c.stream(g.Conversation); s != nil {
			s.push(agent.Item{Guidance: &g})
		}
	case "overrun":
		var p struct {
			Conversation int64 `json:"conversation"`
		}
		if err := json.Unmarshal(f.Params, &p); err != nil {
			return
		}
		if s := c.stream(p.Conversation); s != nil {
			s.fail(ErrOverrun)
		}
	default:
		slog.Debug("ws: unhandled notification", "method", f.Method)
	}
}

func (c *Client) stream(conversation int64) *remoteStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[conversation]
}

// dropConn fails all pending calls and streams bound to a dead
// connection. A newer connection is left untouched.
func (c *Client) dropConn(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.pending
	c.pending = make(map[int64]chan *frame)
	streams := c.streams
	c.streams = make(map[int64]*remoteStream)
	c.mu.Unlock()

	slog.Debug("hub connection lost", "error", cause)
	for _, ch := range pending {
		close(ch)
	}
	for _, s := range streams {
		s.fail(ErrTransport)
	}
}

// call performs one JSON-RPC request/response exchange. The reply's
// result is unmarshalled into out when non-nil.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan *frame, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return ErrTransport
		}
		if f.Error != nil {
			return f.Error.asDomainError()
		}
		if out != nil && f.Result != nil {
			if err := json.Unmarshal(f.Result, out); err != nil {
				return fmt.Errorf("unmarshal %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// GetSnapshot implements agent.Client.
func (c *Client) GetSnapshot(ctx context.Context, conversation int64, includeScenario bool) (*orch.Snapshot, error) {
	var snap orch.Snapshot
	err := c.call(ctx, "getConversation", map[string]any{
		"conversationId":  conversation,
		"includeScenario": includeScenario,
	}, &snap)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// PostMessage implements agent.Client.
func (c *Client) PostMessage(ctx context.Context, conversation int64, agentID string, payload store.MessagePayload, finality store.Finality, turn int) (store.AppendResult, error) {
	var res store.AppendResult
	err := c.call(ctx, "sendMessage", map[string]any{
		"conversationId": conversation,
		"agentId":        agentID,
		"messagePayload": payload,
		"finality":       finality,
		"turn":           turn,
	}, &res)
	return res, err
}

// PostTrace implements agent.Client.
func (c *Client) PostTrace(ctx context.Context, conversation int64, agentID string, payload store.TracePayload, turn int) (store.AppendResult, error) {
	var res store.AppendResult
	err := c.call(ctx, "sendTrace", map[string]any{
		"conversationId": conversation,
		"agentId":        agentID,
		"tracePayload":   payload,
		"turn":           turn,
	}, &res)
	return res, err
}

// ClaimTurn implements agent.Client.
func (c *Client) ClaimTurn(ctx context.Context, conversation int64, agentID string, guidanceSeq float64) (orch.ClaimResult, error) {
	var res orch.ClaimResult
	err := c.call(ctx, "claimTurn", map[string]any{
		"conversationId": conversation,
		"agentId":        agentID,
		"guidanceSeq":    guidanceSeq,
	}, &res)
	return res, err
}

// CreateConversation creates a conversation on the hub.
func (c *Client) CreateConversation(ctx context.Context, title, description, scenarioRef string, meta store.Meta) (int64, error) {
	var res struct {
		ConversationID int64 `json:"conversationId"`
	}
	err := c.call(ctx, "createConversation", map[string]any{
		"title":       title,
		"description": description,
		"scenarioRef": scenarioRef,
		"metadata":    meta,
	}, &res)
	return res.ConversationID, err
}

// EnsureAgentsRunning asks the hub to start internal agents.
func (c *Client) EnsureAgentsRunning(ctx context.Context, conversation int64, agentIDs []string) error {
	return c.call(ctx, "ensureAgentsRunning", map[string]any{
		"conversationId": conversation,
		"agentIds":       agentIDs,
	}, nil)
}

// RunConversationToCompletion drives a hub-side conversation to its end.
func (c *Client) RunConversationToCompletion(ctx context.Context, conversation int64, timeout time.Duration) (store.Status, error) {
	var res struct {
		Status store.Status `json:"status"`
	}
	err := c.call(ctx, "runConversationToCompletion", map[string]any{
		"conversationId": conversation,
		"timeoutMs":      timeout.Milliseconds(),
	}, &res)
	return res.Status, err
}

// Now implements agent.Client.
func (c *Client) Now() time.Time {
	return time.Now().UTC()
}
