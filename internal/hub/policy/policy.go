// Package policy decides which agent should speak next after a turn
// closes. Deciders are pure: no I/O, no suspension; the orchestrator
// feeds them a snapshot of the inputs they need.
package policy

import (
	"github.com/agorahub/agora/internal/hub/store"
)

// Guidance is the transient scheduler output naming the agent expected
// to speak next. It is never persisted and never replayed.
type Guidance struct {
	Conversation int64  `json:"conversation"`
	// Seq orders guidance among events in a consumer queue. It is the
	// closing message's seq plus a fractional offset; only ordering is
	// meaningful.
	Seq         float64 `json:"seq"`
	NextAgentID string  `json:"nextAgentId"`
	DeadlineMs  int64   `json:"deadlineMs"`
}

// GuidanceKey returns the integer claim key for a guidance seq: the seq
// of the closing message the guidance follows.
func GuidanceKey(seq float64) int64 {
	return int64(seq)
}

// GuidanceSeq renders the wire ordering value for a closing message seq.
func GuidanceSeq(closedSeq int64) float64 {
	return float64(closedSeq) + 0.1
}

// Snapshot carries the decision inputs: conversation metadata and, for
// rotation, each participant's most recent message seq.
type Snapshot struct {
	Meta        store.Meta
	LastSpoken  map[string]int64 // agentID -> seq of most recent message
	DeadlineMs  int64            // configured idle-turn budget
}

// Decider is the swappable scheduling policy. A nil result means no
// guidance (e.g. the conversation just completed).
type Decider interface {
	Decide(snap Snapshot, closing *store.Event) *Guidance
}

// Alternation is the default policy: the other declared participant
// speaks next; with more than two participants, the one who has been
// silent longest. An explicit turnOrder in metadata overrides rotation.
type Alternation struct{}

// Decide implements Decider.
func (Alternation) Decide(snap Snapshot, closing *store.Event) *Guidance {
	if closing == nil || closing.Type != store.TypeMessage || closing.Finality != store.FinalityTurn {
		return nil
	}

	next := nextAgent(snap, closing.AgentID)
	if next == "" {
		return nil
	}

	return &Guidance{
		Conversation: closing.Conversation,
		Seq:          GuidanceSeq(closing.Seq),
		NextAgentID:  next,
		DeadlineMs:   snap.DeadlineMs,
	}
}

func nextAgent(snap Snapshot, closingAgent string) string {
	// Scenario-driven explicit ordering: advance the ring from the
	// closing agent's position.
	if order := snap.Meta.TurnOrder; len(order) > 0 {
		for i, agent := range order {
			if agent == closingAgent {
				return order[(i+1)%len(order)]
			}
		}
		return order[0]
	}

	var candidates []string
	for _, p := range snap.Meta.Participants {
		if p.AgentID != closingAgent {
			candidates = append(candidates, p.AgentID)
		}
	}
	switch len(candidates) {
	case 0:
		return ""
	case 1:
		return candidates[0]
	}

	// Rotate: pick the candidate whose most recent message is oldest.
	// Agents who have never spoken sort first.
	best := candidates[0]
	bestSeq := lastSpoken(snap.LastSpoken, best)
	for _, c := range candidates[1:] {
		if s := lastSpoken(snap.LastSpoken, c); s < bestSeq {
			best, bestSeq = c, s
		}
	}
	return best
}

func lastSpoken(m map[string]int64, agent string) int64 {
	if m == nil {
		return 0
	}
	return m[agent]
}

// Func adapts a plain function to the Decider interface.
type Func func(snap Snapshot, closing *store.Event) *Guidance

// Decide implements Decider.
func (f Func) Decide(snap Snapshot, closing *store.Event) *Guidance {
	return f(snap, closing)
}
