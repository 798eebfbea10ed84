package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agorahub/agora/internal/hub/store"
)

func TestClaim_Exclusive(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	conv := newConversation(t, st, "b", "c")

	now := time.Now().UTC()
	expires := now.Add(30 * time.Second)

	won, holder, err := st.Claim(ctx, conv, 7, "b", now, expires)
	require.NoError(t, err)
	require.True(t, won)
	require.Equal(t, "b", holder)

	// A different agent loses and learns the holder.
	won, holder, err = st.Claim(ctx, conv, 7, "c", now, expires)
	require.NoError(t, err)
	require.False(t, won)
	require.Equal(t, "b", holder)

	// The holder re-inserting also reports the conflict; the
	// orchestrator maps it to success.
	won, holder, err = st.Claim(ctx, conv, 7, "b", now, expires)
	require.NoError(t, err)
	require.False(t, won)
	require.Equal(t, "b", holder)

	// A different guidance seq is an independent claim.
	won, _, err = st.Claim(ctx, conv, 9, "c", now, expires)
	require.NoError(t, err)
	require.True(t, won)
}

func TestClaim_RaceHasOneWinner(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	conv := newConversation(t, st, "a", "b")

	now := time.Now().UTC()
	agents := []string{"a", "b", "c", "d", "e"}
	wins := make(chan string, len(agents))

	var wg sync.WaitGroup
	for _, agent := range agents {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			won, _, err := st.Claim(ctx, conv, 3, agent, now, now.Add(time.Minute))
			if err != nil {
				t.Errorf("claim by %s: %v", agent, err)
				return
			}
			if won {
				wins <- agent
			}
		}(agent)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1)

	active, err := st.ActiveClaims(ctx, conv)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, winners[0], active[0].AgentID)
}

func TestClaim_Expiry(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	conv := newConversation(t, st, "a", "b")

	now := time.Now().UTC()
	_, _, err := st.Claim(ctx, conv, 1, "a", now, now.Add(-time.Second))
	require.NoError(t, err)
	_, _, err = st.Claim(ctx, conv, 2, "b", now, now.Add(time.Hour))
	require.NoError(t, err)

	expired, err := st.ExpiredClaims(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, int64(1), expired[0].GuidanceSeq)

	n, err := st.DeleteExpiredClaims(ctx, now)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	// Re-claiming a reclaimed guidance succeeds for anyone.
	won, _, err := st.Claim(ctx, conv, 1, "b", now, now.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, won)
}

func TestClaim_DeleteForConversation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	conv := newConversation(t, st, "a", "b")

	now := time.Now().UTC()
	for seq := int64(1); seq <= 3; seq++ {
		_, _, err := st.Claim(ctx, conv, seq, "a", now, now.Add(time.Hour))
		require.NoError(t, err)
	}

	n, err := st.DeleteClaimsForConversation(ctx, conv)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	active, err := st.ActiveClaims(ctx, conv)
	require.NoError(t, err)
	require.Empty(t, active)

	deleted, err := st.DeleteClaim(ctx, conv, 1)
	require.NoError(t, err)
	require.False(t, deleted)
}
