// Package lifecycle starts and stops internal agents: one runtime loop
// per declared internal participant, keyed by conversation.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agorahub/agora/internal/agent"
	"github.com/agorahub/agora/internal/hub/orch"
	"github.com/agorahub/agora/internal/hub/store"
)

// Factory builds an agent implementation for a declared participant.
type Factory func(p store.Participant) (agent.Agent, error)

// Manager implements the agent lifecycle collaborator. It resolves
// agent classes through registered factories and runs each internal
// agent on the shared runtime loop with an in-process client.
type Manager struct {
	orch     *orch.Orchestrator
	idleTurn time.Duration

	mu        sync.Mutex
	factories map[string]Factory
	running   map[int64]map[string]context.CancelFunc
	wg        sync.WaitGroup
}

// NewManager creates a lifecycle manager. The "scripted" class is
// registered by default.
func NewManager(o *orch.Orchestrator) *Manager {
	m := &Manager{
		orch:      o,
		idleTurn:  o.IdleTurn(),
		factories: make(map[string]Factory),
		running:   make(map[int64]map[string]context.CancelFunc),
	}
	m.RegisterClass("scripted", func(p store.Participant) (agent.Agent, error) {
		return agent.ScriptFromConfig(p.Config)
	})
	return m
}

// RegisterClass installs a factory for an agent class name.
func (m *Manager) RegisterClass(class string, f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[class] = f
}

// Ensure starts any internal agents among agentIDs that are not already
// running in the conversation. Empty agentIDs means every declared
// internal participant.
func (m *Manager) Ensure(ctx context.Context, conversation int64, agentIDs []string) error {
	conv, err := m.orch.GetConversation(ctx, conversation)
	if err != nil {
		return err
	}

	want := make(map[string]bool, len(agentIDs))
	for _, id := range agentIDs {
		want[id] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range conv.Metadata.Participants {
		if p.Kind != "internal" {
			continue
		}
		if len(want) > 0 && !want[p.AgentID] {
			continue
		}
		if m.running[conversation][p.AgentID] != nil {
			continue
		}

		class := p.AgentClass
		if class == "" {
			class = "scripted"
		}
		factory, ok := m.factories[class]
		if !ok {
			return fmt.Errorf("unknown agent class %q for agent %s", class, p.AgentID)
		}
		impl, err := factory(p)
		if err != nil {
			return fmt.Errorf("build agent %s: %w", p.AgentID, err)
		}

		runCtx, cancel := context.WithCancel(context.Background())
		if m.running[conversation] == nil {
			m.running[conversation] = make(map[string]context.CancelFunc)
		}
		m.running[conversation][p.AgentID] = cancel

		rt := &agent.Runtime{
			Client:       agent.NewLocalClient(m.orch),
			Agent:        impl,
			AgentID:      p.AgentID,
			Conversation: conversation,
			IdleTurn:     m.idleTurn,
		}

		m.wg.Add(1)
		go func(agentID string) {
			defer m.wg.Done()
			defer m.release(conversation, agentID)
			if err := rt.Run(runCtx); err != nil && runCtx.Err() == nil {
				slog.Error("agent runtime exited", "conversation", conversation, "agent_id", agentID, "error", err)
			}
		}(p.AgentID)

		slog.Info("agent started", "conversation", conversation, "agent_id", p.AgentID, "class", class)
	}
	return nil
}

func (m *Manager) release(conversation int64, agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if agents := m.running[conversation]; agents != nil {
		delete(agents, agentID)
		if len(agents) == 0 {
			delete(m.running, conversation)
		}
	}
}

// Stop cancels every agent running in the conversation.
func (m *Manager) Stop(conversation int64) {
	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0)
	for _, cancel := range m.running[conversation] {
		cancels = append(cancels, cancel)
	}
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// StopAll cancels every running agent and waits for the loops to exit.
func (m *Manager) StopAll() {
	m.mu.Lock()
	var cancels []context.CancelFunc
	for _, agents := range m.running {
		for _, cancel := range agents {
			cancels = append(cancels, cancel)
		}
	}
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	m.wg.Wait()
}

// RunToCompletion ensures the conversation's internal agents and blocks
// until a message with conversation finality lands, or the timeout
// passes. Returns the conversation's status afterwards.
func (m *Manager) RunToCompletion(ctx context.Context, conversation int64, timeout time.Duration) (store.Status, error) {
	sub, err := m.orch.Subscribe(ctx, conversation, orch.SubscribeOptions{SinceSeq: 0})
	if err != nil {
		return "", err
	}
	defer m.orch.Unsubscribe(sub.ID())

	if err := m.Ensure(ctx, conversation, nil); err != nil {
		return "", err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		it, err := sub.Next(waitCtx)
		if err != nil {
			break
		}
		if ev := it.Event; ev != nil && ev.Type == store.TypeMessage && ev.Finality == store.FinalityConversation {
			break
		}
	}

	conv, err := m.orch.GetConversation(ctx, conversation)
	if err != nil {
		return "", err
	}
	return conv.Status, nil
}
