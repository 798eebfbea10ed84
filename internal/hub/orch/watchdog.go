package orch

import (
	"context"
	"log/slog"
	"time"

	"github.com/agorahub/agora/internal/hub/store"
	"github.com/agorahub/agora/internal/metrics"
)

// watchdog periodically reclaims expired claims. This is the sole
// recovery path for a crashed or hung claimant: the claim is deleted
// and a claim_expired advisory lands in the open turn, if any.
func (o *Orchestrator) watchdog() {
	defer close(o.doneCh)

	ticker := time.NewTicker(o.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.sweepExpiredClaims(context.Background())
		}
	}
}

// sweepExpiredClaims deletes every expired claim and emits advisories.
// Errors are logged, never surfaced: the watchdog has no caller.
func (o *Orchestrator) sweepExpiredClaims(ctx context.Context) {
	now := time.Now().UTC()
	expired, err := o.store.ExpiredClaims(ctx, now)
	if err != nil {
		slog.Error("watchdog: list expired claims failed", "error", err)
		return
	}

	for _, c := range expired {
		deleted, err := o.store.DeleteClaim(ctx, c.Conversation, c.GuidanceSeq)
		if err != nil {
			slog.Error("watchdog: delete claim failed", "conversation", c.Conversation, "guidance_seq", c.GuidanceSeq, "error", err)
			continue
		}
		if !deleted {
			// Already released by a closing message.
			continue
		}

		metrics.ClaimsActive.Dec()
		metrics.ClaimsExpiredTotal.Inc()
		slog.Warn("claim expired", "conversation", c.Conversation, "agent_id", c.AgentID, "guidance_seq", c.GuidanceSeq)

		if _, err := o.appendSystem(ctx, c.Conversation, store.SystemPayload{Kind: store.SystemClaimExpired, AgentID: c.AgentID}); err != nil {
			slog.Debug("claim_expired advisory not recorded", "conversation", c.Conversation, "error", err)
		}
	}
}
