// Package orch composes the stores, the subscription bus and the
// scheduling policy into the orchestration service: the single write
// path for events, the claim coordination point, and the watchdog that
// recovers expired claims.
package orch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agorahub/agora/internal/hub/bus"
	"github.com/agorahub/agora/internal/hub/policy"
	"github.com/agorahub/agora/internal/hub/scenario"
	"github.com/agorahub/agora/internal/hub/store"
	"github.com/agorahub/agora/internal/hub/validate"
	"github.com/agorahub/agora/internal/metrics"
)

// Config tunes the orchestrator.
type Config struct {
	IdleTurn         time.Duration // claim lifetime and per-turn deadline
	WatchdogInterval time.Duration // expired-claim sweep interval
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.IdleTurn <= 0 {
		out.IdleTurn = 30 * time.Second
	}
	if out.WatchdogInterval <= 0 {
		out.WatchdogInterval = 5 * time.Second
	}
	return out
}

// Snapshot is the point-in-time view of a conversation handed to
// clients when they (re)connect.
type Snapshot struct {
	Conversation int64           `json:"conversation"`
	Status       store.Status    `json:"status"`
	Metadata     store.Meta      `json:"metadata"`
	Events       []store.Event   `json:"events"`
	Scenario     json.RawMessage `json:"scenario,omitempty"`
}

// ClaimResult is the outcome of a claim attempt. Reason is set when
// OK is false.
type ClaimResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// SubscribeOptions configures an event stream. SinceSeq >= 0 replays
// stored events with seq > SinceSeq before going live; negative means
// live-only.
type SubscribeOptions struct {
	IncludeGuidance bool
	Filter          bus.Filter
	SinceSeq        int64
}

// Orchestrator is the composition point of components A-E.
type Orchestrator struct {
	store     *store.Store
	bus       *bus.Bus
	decider   policy.Decider
	scenarios *scenario.Store
	cfg       Config

	// convLocks serializes append+publish per conversation so bus
	// deliveries observe seq order.
	lockMu    sync.Mutex
	convLocks map[int64]*sync.Mutex

	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New wires an orchestrator. The decider defaults to the alternation
// policy when nil; scenarios may be nil when snapshots never inline
// scenario blobs.
func New(st *store.Store, b *bus.Bus, dec policy.Decider, scenarios *scenario.Store, cfg Config) *Orchestrator {
	if dec == nil {
		dec = policy.Alternation{}
	}
	return &Orchestrator{
		store:     st,
		bus:       b,
		decider:   dec,
		scenarios: scenarios,
		cfg:       cfg.withDefaults(),
		convLocks: make(map[int64]*sync.Mutex),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the claim watchdog.
func (o *Orchestrator) Start() {
	o.started = true
	go o.watchdog()
}

// Shutdown stops the watchdog and closes every subscription.
func (o *Orchestrator) Shutdown() {
	o.stopOnce.Do(func() {
		close(o.stopCh)
		if o.started {
			<-o.doneCh
		}
		o.bus.Shutdown()
	})
}

// IdleTurn returns the configured per-turn deadline.
func (o *Orchestrator) IdleTurn() time.Duration {
	return o.cfg.IdleTurn
}

// CreateConversation creates a conversation and best-effort emits a
// meta_created advisory. The advisory never opens a turn, so it is
// dropped unless a turn is already open (i.e. always, for a fresh
// conversation).
func (o *Orchestrator) CreateConversation(ctx context.Context, title, description, scenarioRef string, meta store.Meta) (int64, error) {
	if title != "" {
		if err := validate.Title(title); err != nil {
			return 0, store.Errf(store.CodeInvalidPayload, "%v", err)
		}
	}
	for _, p := range meta.Participants {
		if err := validate.AgentID(p.AgentID); err != nil {
			return 0, store.Errf(store.CodeInvalidPayload, "%v", err)
		}
	}

	conv, err := o.store.CreateConversation(ctx, title, description, scenarioRef, meta)
	if err != nil {
		return 0, err
	}

	if _, err := o.appendSystem(ctx, conv, store.SystemPayload{Kind: store.SystemMetaCreated}); err != nil {
		slog.Debug("meta_created advisory not recorded", "conversation", conv, "error", err)
	}

	slog.Info("conversation created", "conversation", conv, "participants", len(meta.Participants), "scenario_ref", scenarioRef)
	return conv, nil
}

// UpdateMeta replaces conversation metadata and emits a meta_updated
// advisory into the open turn, if any.
func (o *Orchestrator) UpdateMeta(ctx context.Context, conv int64, meta store.Meta) error {
	if err := o.store.UpdateMeta(ctx, conv, meta); err != nil {
		return err
	}
	if _, err := o.appendSystem(ctx, conv, store.SystemPayload{Kind: store.SystemMetaUpdated}); err != nil {
		slog.Debug("meta_updated advisory not recorded", "conversation", conv, "error", err)
	}
	return nil
}

// AppendEvent validates, persists and fans out one event. On messages
// that close a turn it releases claims and publishes scheduling
// guidance. Publishing happens under the conversation lock so every
// subscription observes seq order.
func (o *Orchestrator) AppendEvent(ctx context.Context, in store.AppendInput) (store.AppendResult, error) {
	unlock := o.lockConversation(in.Conversation)
	defer unlock()
	return o.appendLocked(ctx, in)
}

func (o *Orchestrator) appendLocked(ctx context.Context, in store.AppendInput) (store.AppendResult, error) {
	start := time.Now()
	res, err := o.store.Append(ctx, in)
	if err != nil {
		return res, err
	}
	metrics.AppendDuration.Observe(time.Since(start).Seconds())

	if res.Replayed || res.Dropped {
		return res, nil
	}
	ev := res.Stored
	metrics.EventsAppendedTotal.WithLabelValues(string(ev.Type), string(ev.Finality)).Inc()

	o.bus.Publish(ev)

	if ev.Type == store.TypeMessage && ev.Finality != store.FinalityNone {
		// The turn closed: the claim that authorized it is spent.
		if n, err := o.store.DeleteClaimsForConversation(ctx, ev.Conversation); err != nil {
			slog.Error("failed to release claims", "conversation", ev.Conversation, "error", err)
		} else if n > 0 {
			metrics.ClaimsActive.Sub(float64(n))
		}
	}

	switch {
	case ev.Type == store.TypeMessage && ev.Finality == store.FinalityTurn:
		if g := o.decide(ctx, ev); g != nil {
			o.bus.PublishGuidance(g)
			metrics.GuidanceEmittedTotal.Inc()
			slog.Debug("guidance emitted", "conversation", ev.Conversation, "next_agent", g.NextAgentID, "seq", g.Seq)
		}
	case ev.Finality == store.FinalityConversation:
		slog.Info("conversation completed", "conversation", ev.Conversation, "seq", ev.Seq)
	}

	return res, nil
}

// decide runs the scheduling policy for a closing message.
func (o *Orchestrator) decide(ctx context.Context, closing *store.Event) *policy.Guidance {
	conv, err := o.store.GetConversation(ctx, closing.Conversation)
	if err != nil {
		slog.Error("policy input load failed", "conversation", closing.Conversation, "error", err)
		return nil
	}
	lastSpoken, err := o.store.LastMessageSeqByAgent(ctx, closing.Conversation)
	if err != nil {
		slog.Error("policy input load failed", "conversation", closing.Conversation, "error", err)
		return nil
	}
	return o.decider.Decide(policy.Snapshot{
		Meta:       conv.Metadata,
		LastSpoken: lastSpoken,
		DeadlineMs: o.cfg.IdleTurn.Milliseconds(),
	}, closing)
}

// SendMessage appends a message event.
func (o *Orchestrator) SendMessage(ctx context.Context, conv int64, agentID string, payload store.MessagePayload, finality store.Finality, turn int) (store.AppendResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return store.AppendResult{}, fmt.Errorf("marshal message payload: %w", err)
	}
	return o.AppendEvent(ctx, store.AppendInput{
		Conversation: conv,
		Type:         store.TypeMessage,
		Finality:     finality,
		AgentID:      agentID,
		Turn:         turn,
		Payload:      raw,
	})
}

// SendTrace appends a trace event into the open turn.
func (o *Orchestrator) SendTrace(ctx context.Context, conv int64, agentID string, payload store.TracePayload, turn int) (store.AppendResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return store.AppendResult{}, fmt.Errorf("marshal trace payload: %w", err)
	}
	return o.AppendEvent(ctx, store.AppendInput{
		Conversation: conv,
		Type:         store.TypeTrace,
		Finality:     store.FinalityNone,
		AgentID:      agentID,
		Turn:         turn,
		Payload:      raw,
	})
}

// appendSystem appends an advisory system event; dropped silently when
// no turn is open.
func (o *Orchestrator) appendSystem(ctx context.Context, conv int64, payload store.SystemPayload) (store.AppendResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return store.AppendResult{}, fmt.Errorf("marshal system payload: %w", err)
	}
	return o.AppendEvent(ctx, store.AppendInput{
		Conversation: conv,
		Type:         store.TypeSystem,
		Finality:     store.FinalityNone,
		AgentID:      "system",
		Payload:      raw,
	})
}

// ClaimTurn attempts to win the claim for a guidance event. Re-claims
// by the current holder succeed; a different holder yields
// CLAIM_CONTENDED.
func (o *Orchestrator) ClaimTurn(ctx context.Context, conv int64, agentID string, guidanceSeq float64) (ClaimResult, error) {
	c, err := o.store.GetConversation(ctx, conv)
	if err != nil {
		return ClaimResult{}, err
	}
	if c.Status == store.StatusCompleted {
		return ClaimResult{}, store.Errf(store.CodeConversationClosed, "conversation %d is completed", conv)
	}

	// A guidance advisory is only actionable while its closing message
	// is still the conversation head; stale claims (e.g. rehydrated
	// guidance processed after the turn moved on) are refused.
	key := policy.GuidanceKey(guidanceSeq)
	head, err := o.store.Head(ctx, conv)
	if err != nil {
		return ClaimResult{}, err
	}
	if key != head.LastClosedSeq {
		return ClaimResult{OK: false, Reason: store.CodeClaimContended}, nil
	}

	now := time.Now().UTC()
	won, holder, err := o.store.Claim(ctx, conv, key, agentID, now, now.Add(o.cfg.IdleTurn))
	if err != nil {
		return ClaimResult{}, err
	}
	if !won && holder != agentID {
		return ClaimResult{OK: false, Reason: store.CodeClaimContended}, nil
	}
	if won {
		// The head may have moved between the check and the insert;
		// drop the claim rather than act on an outdated advisory.
		if h, err := o.store.Head(ctx, conv); err == nil && h.LastClosedSeq != key {
			_, _ = o.store.DeleteClaim(ctx, conv, key)
			return ClaimResult{OK: false, Reason: store.CodeClaimContended}, nil
		}

		metrics.ClaimsActive.Inc()
		slog.Debug("turn claimed", "conversation", conv, "agent_id", agentID, "guidance_seq", guidanceSeq)

		if _, err := o.appendSystem(ctx, conv, store.SystemPayload{Kind: store.SystemTurnClaimed, AgentID: agentID}); err != nil {
			slog.Debug("turn_claimed advisory not recorded", "conversation", conv, "error", err)
		}
	}
	return ClaimResult{OK: true}, nil
}

// Subscribe opens an event stream for a conversation. With a
// non-negative SinceSeq the stored tail is replayed first, without
// gaps or duplicates relative to live publishes.
func (o *Orchestrator) Subscribe(ctx context.Context, conv int64, opts SubscribeOptions) (*bus.Subscription, error) {
	if _, err := o.store.GetConversation(ctx, conv); err != nil {
		return nil, err
	}

	sub := o.bus.Subscribe(bus.Options{
		Conversation:    conv,
		Filter:          opts.Filter,
		IncludeGuidance: opts.IncludeGuidance,
		Staging:         opts.SinceSeq >= 0,
	})
	if opts.SinceSeq >= 0 {
		events, err := o.store.Events(ctx, conv, opts.SinceSeq, 0)
		if err != nil {
			o.bus.Unsubscribe(sub.ID())
			return nil, err
		}
		// Replay asynchronously: deliveries block on the bounded queue
		// until the consumer starts reading.
		go sub.FinishReplay(events)
	}

	// Guidance is transient and never replayed, so a subscriber that
	// arrives after a turn closed would miss its cue. The current
	// advisory is a pure function of the log; rehydrate it for this
	// subscription only. Claims dedupe any double delivery.
	if opts.IncludeGuidance {
		if g := o.pendingGuidance(ctx, conv); g != nil {
			sub.Deliver(bus.Item{Guidance: g})
		}
	}
	return sub, nil
}

// pendingGuidance recomputes the advisory implied by the conversation
// head: the last message closed a turn and nothing reopened one.
func (o *Orchestrator) pendingGuidance(ctx context.Context, conv int64) *policy.Guidance {
	head, err := o.store.Head(ctx, conv)
	if err != nil || head.Status != store.StatusActive || head.HasOpenTurn || head.LastClosedSeq == 0 {
		return nil
	}
	closing, err := o.store.EventBySeq(ctx, conv, head.LastClosedSeq)
	if err != nil || closing.Finality != store.FinalityTurn {
		return nil
	}
	return o.decide(ctx, closing)
}

// Unsubscribe removes a subscription by id.
func (o *Orchestrator) Unsubscribe(subID string) {
	o.bus.Unsubscribe(subID)
}

// GetSnapshot returns a conversation's full state, optionally with the
// resolved scenario blob inlined.
func (o *Orchestrator) GetSnapshot(ctx context.Context, conv int64, includeScenario bool) (*Snapshot, error) {
	c, err := o.store.GetConversation(ctx, conv)
	if err != nil {
		return nil, err
	}
	events, err := o.store.Events(ctx, conv, 0, 0)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Conversation: c.ID,
		Status:       c.Status,
		Metadata:     c.Metadata,
		Events:       events,
	}
	if includeScenario && c.ScenarioRef != "" && o.scenarios != nil {
		blob, err := o.scenarios.Get(ctx, c.ScenarioRef)
		if err != nil {
			slog.Warn("scenario resolution failed", "conversation", conv, "scenario_ref", c.ScenarioRef, "error", err)
		} else {
			snap.Scenario = blob
		}
	}
	return snap, nil
}

// Events pages through a conversation's stored events.
func (o *Orchestrator) Events(ctx context.Context, conv int64, afterSeq int64, limit int) ([]store.Event, error) {
	if _, err := o.store.GetConversation(ctx, conv); err != nil {
		return nil, err
	}
	return o.store.Events(ctx, conv, afterSeq, limit)
}

// GetConversation loads one conversation row.
func (o *Orchestrator) GetConversation(ctx context.Context, conv int64) (*store.Conversation, error) {
	return o.store.GetConversation(ctx, conv)
}

// ListConversations lists conversations matching the filter.
func (o *Orchestrator) ListConversations(ctx context.Context, f store.ListFilter) ([]store.Conversation, error) {
	return o.store.ListConversations(ctx, f)
}

// lockConversation acquires the per-conversation append lock.
func (o *Orchestrator) lockConversation(conv int64) func() {
	o.lockMu.Lock()
	mu, ok := o.convLocks[conv]
	if !ok {
		mu = &sync.Mutex{}
		o.convLocks[conv] = mu
	}
	o.lockMu.Unlock()

	mu.Lock()
	return mu.Unlock
}
