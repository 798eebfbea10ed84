package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/agorahub/agora/internal/hub/bus"
	"github.com/agorahub/agora/internal/hub/orch"
	"github.com/agorahub/agora/internal/hub/store"
	"github.com/agorahub/agora/internal/metrics"
)

// session is one connected client. It is stateless apart from the
// registry of bus subscriptions it opened, all of which are removed on
// disconnect.
type session struct {
	srv  *Server
	conn *websocket.Conn

	writeMu sync.Mutex

	subMu sync.Mutex
	subs  map[string]*bus.Subscription
}

func newSession(srv *Server, conn *websocket.Conn) *session {
	return &session{
		srv:  srv,
		conn: conn,
		subs: make(map[string]*bus.Subscription),
	}
}

// run drives the session: welcome, keep-alives, then the read loop.
func (s *session) run(ctx context.Context) {
	defer s.teardown()

	if err := s.write(ctx, newNotification("welcome", map[string]bool{"ok": true})); err != nil {
		slog.Debug("ws: welcome failed", "error", err)
		return
	}

	if s.srv.pingInterval > 0 {
		go s.pingLoop(ctx)
	}

	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			slog.Debug("ws: read ended", "error", err)
			return
		}
		if typ != websocket.MessageText {
			_ = s.conn.Close(websocket.StatusUnsupportedData, "expected text frames")
			return
		}
		s.handleFrame(ctx, data)
	}
}

func (s *session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.srv.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.write(ctx, newNotification("ping", nil)); err != nil {
				return
			}
		}
	}
}

// handleFrame parses one JSON-RPC frame and dispatches it.
func (s *session) handleFrame(ctx context.Context, data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		_ = s.write(ctx, newError(nil, codeParse, "invalid JSON"))
		return
	}
	if req.Method == "" {
		_ = s.write(ctx, newError(req.ID, codeInvalidRequest, "method is required"))
		return
	}
	if req.ID == nil {
		// Client notifications carry no reply; nothing is defined today.
		slog.Debug("ws: ignoring client notification", "method", req.Method)
		return
	}

	resp := s.dispatch(ctx, &req)
	code := "ok"
	if resp.Error != nil {
		code = strconv.Itoa(resp.Error.Code)
	}
	metrics.RPCRequestsTotal.WithLabelValues(req.Method, code).Inc()
	if err := s.write(ctx, resp); err != nil {
		slog.Debug("ws: write response failed", "method", req.Method, "error", err)
	}
}

func (s *session) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "subscribe":
		return s.handleSubscribe(ctx, req)
	case "unsubscribe":
		return s.handleUnsubscribe(req)
	case "getConversation":
		return s.handleGetConversation(ctx, req)
	case "getEventsPage":
		return s.handleGetEventsPage(ctx, req)
	case "sendMessage":
		return s.handleSendMessage(ctx, req)
	case "sendTrace":
		return s.handleSendTrace(ctx, req)
	case "claimTurn":
		return s.handleClaimTurn(ctx, req)
	case "createConversation":
		return s.handleCreateConversation(ctx, req)
	case "ensureAgentsRunning":
		return s.handleEnsureAgentsRunning(ctx, req)
	case "runConversationToCompletion":
		return s.handleRunToCompletion(ctx, req)
	default:
		return newError(req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}
}

type subscribeParams struct {
	ConversationID  int64  `json:"conversationId"`
	IncludeGuidance bool   `json:"includeGuidance,omitempty"`
	SinceSeq        *int64 `json:"sinceSeq,omitempty"`
}

func (s *session) handleSubscribe(ctx context.Context, req *Request) *Response {
	var p subscribeParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return newError(req.ID, codeInvalidParams, err.Error())
	}

	sinceSeq := int64(-1)
	if p.SinceSeq != nil {
		sinceSeq = *p.SinceSeq
	}
	sub, err := s.srv.orch.Subscribe(ctx, p.ConversationID, orch.SubscribeOptions{
		IncludeGuidance: p.IncludeGuidance,
		SinceSeq:        sinceSeq,
	})
	if err != nil {
		return domainResponse(req.ID, err)
	}

	s.subMu.Lock()
	s.subs[sub.ID()] = sub
	s.subMu.Unlock()

	// Forward deliveries as notifications until the subscription ends.
	go s.forward(sub)

	return newResponse(req.ID, map[string]string{"subId": sub.ID()})
}

// forward pumps one subscription's deliveries to the connection in
// subscription order.
func (s *session) forward(sub *bus.Subscription) {
	ctx := context.Background()
	for {
		it, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, bus.ErrOverrun) {
				_ = s.write(ctx, newNotification("overrun", map[string]any{
					"subId":        sub.ID(),
					"conversation": sub.Conversation(),
					"code":         "SUBSCRIBER_OVERRUN",
				}))
			}
			s.dropSub(sub.ID())
			return
		}
		var notif *Notification
		switch {
		case it.Event != nil:
			notif = newNotification("event", it.Event)
		case it.Guidance != nil:
			notif = newNotification("guidance", it.Guidance)
		default:
			continue
		}
		if err := s.write(ctx, notif); err != nil {
			// Connection gone; teardown unsubscribes.
			return
		}
		metrics.WSNotificationsTotal.Inc()
	}
}

func (s *session) dropSub(subID string) {
	s.subMu.Lock()
	delete(s.subs, subID)
	s.subMu.Unlock()
	s.srv.orch.Unsubscribe(subID)
}

type unsubscribeParams struct {
	SubID string `json:"subId"`
}

func (s *session) handleUnsubscribe(req *Request) *Response {
	var p unsubscribeParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return newError(req.ID, codeInvalidParams, err.Error())
	}
	s.dropSub(p.SubID)
	return newResponse(req.ID, map[string]bool{"ok": true})
}

type getConversationParams struct {
	ConversationID  int64 `json:"conversationId"`
	IncludeScenario bool  `json:"includeScenario,omitempty"`
}

func (s *session) handleGetConversation(ctx context.Context, req *Request) *Response {
	var p getConversationParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return newError(req.ID, codeInvalidParams, err.Error())
	}
	snap, err := s.srv.orch.GetSnapshot(ctx, p.ConversationID, p.IncludeScenario)
	if err != nil {
		return domainResponse(req.ID, err)
	}
	return newResponse(req.ID, snap)
}

type getEventsPageParams struct {
	ConversationID int64 `json:"conversationId"`
	AfterSeq       int64 `json:"afterSeq,omitempty"`
	Limit          int   `json:"limit,omitempty"`
}

func (s *session) handleGetEventsPage(ctx context.Context, req *Request) *Response {
	var p getEventsPageParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return newError(req.ID, codeInvalidParams, err.Error())
	}
	events, err := s.srv.orch.Events(ctx, p.ConversationID, p.AfterSeq, p.Limit)
	if err != nil {
		return domainResponse(req.ID, err)
	}
	if events == nil {
		events = []store.Event{}
	}
	return newResponse(req.ID, map[string]any{"events": events})
}

type sendMessageParams struct {
	ConversationID int64               `json:"conversationId"`
	AgentID        string              `json:"agentId"`
	MessagePayload store.MessagePayload `json:"messagePayload"`
	Finality       store.Finality      `json:"finality"`
	Turn           int                 `json:"turn,omitempty"`
}

func (s *session) handleSendMessage(ctx context.Context, req *Request) *Response {
	var p sendMessageParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return newError(req.ID, codeInvalidParams, err.Error())
	}
	res, err := s.srv.orch.SendMessage(ctx, p.ConversationID, p.AgentID, p.MessagePayload, p.Finality, p.Turn)
	if err != nil {
		return domainResponse(req.ID, err)
	}
	return newResponse(req.ID, res)
}

type sendTraceParams struct {
	ConversationID int64              `json:"conversationId"`
	AgentID        string             `json:"agentId"`
	TracePayload   store.TracePayload `json:"tracePayload"`
	Turn           int                `json:"turn,omitempty"`
}

func (s *session) handleSendTrace(ctx context.Context, req *Request) *Response {
	var p sendTraceParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return newError(req.ID, codeInvalidParams, err.Error())
	}
	res, err := s.srv.orch.SendTrace(ctx, p.ConversationID, p.AgentID, p.TracePayload, p.Turn)
	if err != nil {
		return domainResponse(req.ID, err)
	}
	return newResponse(req.ID, res)
}

type claimTurnParams struct {
	ConversationID int64   `json:"conversationId"`
	AgentID        string  `json:"agentId"`
	GuidanceSeq    float64 `json:"guidanceSeq"`
}

func (s *session) handleClaimTurn(ctx context.Context, req *Request) *Response {
	var p claimTurnParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return newError(req.ID, codeInvalidParams, err.Error())
	}
	res, err := s.srv.orch.ClaimTurn(ctx, p.ConversationID, p.AgentID, p.GuidanceSeq)
	if err != nil {
		return domainResponse(req.ID, err)
	}
	return newResponse(req.ID, res)
}

type createConversationParams struct {
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	ScenarioRef string     `json:"scenarioRef,omitempty"`
	Metadata    store.Meta `json:"metadata"`
}

func (s *session) handleCreateConversation(ctx context.Context, req *Request) *Response {
	var p createConversationParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return newError(req.ID, codeInvalidParams, err.Error())
	}
	conv, err := s.srv.orch.CreateConversation(ctx, p.Title, p.Description, p.ScenarioRef, p.Metadata)
	if err != nil {
		return domainResponse(req.ID, err)
	}
	return newResponse(req.ID, map[string]int64{"conversationId": conv})
}

type ensureAgentsParams struct {
	ConversationID int64    `json:"conversationId"`
	AgentIDs       []string `json:"agentIds,omitempty"`
}

func (s *session) handleEnsureAgentsRunning(ctx context.Context, req *Request) *Response {
	if s.srv.lifecycle == nil {
		return newError(req.ID, codeMethodNotFound, "agent lifecycle manager not configured")
	}
	var p ensureAgentsParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return newError(req.ID, codeInvalidParams, err.Error())
	}
	if err := s.srv.lifecycle.Ensure(ctx, p.ConversationID, p.AgentIDs); err != nil {
		return domainResponse(req.ID, err)
	}
	return newResponse(req.ID, map[string]bool{"ok": true})
}

type runToCompletionParams struct {
	ConversationID int64 `json:"conversationId"`
	TimeoutMs      int64 `json:"timeoutMs,omitempty"`
}

func (s *session) handleRunToCompletion(ctx context.Context, req *Request) *Response {
	if s.srv.lifecycle == nil {
		return newError(req.ID, codeMethodNotFound, "agent lifecycle manager not configured")
	}
	var p runToCompletionParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return newError(req.ID, codeInvalidParams, err.Error())
	}
	timeout := 2 * time.Minute
	if p.TimeoutMs > 0 {
		timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	status, err := s.srv.lifecycle.RunToCompletion(ctx, p.ConversationID, timeout)
	if err != nil {
		return domainResponse(req.ID, err)
	}
	return newResponse(req.ID, map[string]any{"conversationId": p.ConversationID, "status": status})
}

// write serializes one value as a text frame. The mutex prevents
// interleaved frames from concurrent forwarders.
func (s *session) write(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// teardown removes every bus subscription this session opened.
func (s *session) teardown() {
	s.subMu.Lock()
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	s.subs = make(map[string]*bus.Subscription)
	s.subMu.Unlock()

	for _, id := range ids {
		s.srv.orch.Unsubscribe(id)
	}
}

// domainResponse maps a store error to a JSON-RPC error object.
func domainResponse(id json.RawMessage, err error) *Response {
	if code := store.CodeOf(err); code != "" {
		return newDomainError(id, code, err.Error())
	}
	return newError(id, codeInternal, err.Error())
}
