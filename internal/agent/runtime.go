package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agorahub/agora/internal/hub/bus"
	"github.com/agorahub/agora/internal/hub/store"
)

// Runtime drives one agent inside one conversation: it follows the
// event stream, claims turns guidance assigns to it, and hands each
// claimed turn to the Agent.
type Runtime struct {
	Client       Client
	Agent        Agent
	AgentID      string
	Conversation int64
	IdleTurn     time.Duration // per-turn deadline budget; 30s when zero
	Logger       *slog.Logger
}

func (r *Runtime) logger() *slog.Logger {
	l := r.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("conversation", r.Conversation, "agent_id", r.AgentID)
}

func (r *Runtime) idleTurn() time.Duration {
	if r.IdleTurn > 0 {
		return r.IdleTurn
	}
	return 30 * time.Second
}

// Run executes the turn loop until the conversation completes, the
// context is cancelled, or the stream ends for good. Transport losses
// and overruns resubscribe from the last seen seq with exponential
// backoff; a held claim simply expires via the watchdog.
func (r *Runtime) Run(ctx context.Context) error {
	log := r.logger()

	snap, err := r.Client.GetSnapshot(ctx, r.Conversation, false)
	if err != nil {
		return fmt.Errorf("initial snapshot: %w", err)
	}
	if snap.Status == store.StatusCompleted {
		return nil
	}

	sinceSeq := int64(0)
	if n := len(snap.Events); n > 0 {
		sinceSeq = snap.Events[n-1].Seq
	}

	// A fresh conversation has no guidance to act on; the declared
	// starting agent opens the first turn unprompted.
	if len(snap.Events) == 0 && snap.Metadata.StartingAgentID == r.AgentID {
		if done, err := r.takeTurn(ctx, log); err != nil {
			return err
		} else if done {
			return nil
		}
	}

	bo := newStreamBackoff()
	for {
		stream, err := r.Client.OpenStream(ctx, r.Conversation, sinceSeq)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isTerminal(err) {
				return err
			}
			interval := bo.NextBackOff()
			log.Warn("stream open failed, retrying", "error", err, "backoff", interval)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
			continue
		}
		bo.Reset()

		done, last, err := r.follow(ctx, stream, log)
		_ = stream.Close()
		if last > sinceSeq {
			sinceSeq = last
		}
		if done {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, bus.ErrClosed) {
				// Hub shut the subscription down for good.
				return nil
			}
			interval := bo.NextBackOff()
			log.Warn("stream ended, resubscribing", "error", err, "since_seq", sinceSeq, "backoff", interval)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
	}
}

// follow consumes one stream until it errors or the conversation
// completes. Returns the last event seq seen.
func (r *Runtime) follow(ctx context.Context, stream Stream, log *slog.Logger) (done bool, lastSeq int64, err error) {
	for {
		it, err := stream.Next(ctx)
		if err != nil {
			return false, lastSeq, err
		}

		switch {
		case it.Event != nil:
			ev := it.Event
			if ev.Seq > lastSeq {
				lastSeq = ev.Seq
			}
			if ev.Type == store.TypeMessage && ev.Finality == store.FinalityConversation {
				log.Debug("conversation completed, leaving loop")
				return true, lastSeq, nil
			}

		case it.Guidance != nil:
			g := it.Guidance
			if g.NextAgentID != r.AgentID {
				continue
			}
			res, err := r.Client.ClaimTurn(ctx, r.Conversation, r.AgentID, g.Seq)
			if err != nil {
				if isTerminal(err) {
					return true, lastSeq, nil
				}
				log.Warn("claim attempt failed", "guidance_seq", g.Seq, "error", err)
				continue
			}
			if !res.OK {
				// Someone else acted on this guidance.
				log.Debug("claim contended", "guidance_seq", g.Seq, "reason", res.Reason)
				continue
			}
			if done, err := r.takeTurn(ctx, log); err != nil {
				return false, lastSeq, err
			} else if done {
				return true, lastSeq, nil
			}
		}
	}
}

// takeTurn runs the agent for one claimed turn. Returns done=true when
// the agent closed the conversation.
func (r *Runtime) takeTurn(ctx context.Context, log *slog.Logger) (done bool, err error) {
	tc := &TurnContext{
		Conversation: r.Conversation,
		AgentID:      r.AgentID,
		Deadline:     r.Client.Now().Add(r.idleTurn()),
		Client:       r.Client,
		Logger:       log,
	}
	if err := r.Agent.HandleTurn(ctx, tc); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		// The claim expires via the watchdog; the loop keeps following.
		log.Error("turn handler failed", "error", err)
		return false, nil
	}

	snap, err := r.Client.GetSnapshot(ctx, r.Conversation, false)
	if err != nil {
		return false, nil
	}
	return snap.Status == store.StatusCompleted, nil
}

// isTerminal reports whether an error means the conversation can never
// make progress for this runtime (gone or completed).
func isTerminal(err error) bool {
	switch store.CodeOf(err) {
	case store.CodeConversationNotFound, store.CodeConversationClosed:
		return true
	}
	return false
}

// newStreamBackoff builds the resubscribe backoff: 500ms up to 30s,
// 2x multiplier with jitter.
func newStreamBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}
