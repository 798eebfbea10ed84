package llm_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agorahub/agora/internal/agent/llm"
)

func TestScripted_ReplaysInOrder(t *testing.T) {
	s := llm.NewScripted("one", "two")
	ctx := context.Background()

	r, err := s.Complete(ctx, llm.Request{})
	require.NoError(t, err)
	require.Equal(t, "one", r.Content)

	r, err = s.Complete(ctx, llm.Request{})
	require.NoError(t, err)
	require.Equal(t, "two", r.Content)

	// Exhausted scripts repeat the last response.
	r, err = s.Complete(ctx, llm.Request{})
	require.NoError(t, err)
	require.Equal(t, "two", r.Content)
}

func TestScripted_Empty(t *testing.T) {
	s := llm.NewScripted()
	r, err := s.Complete(context.Background(), llm.Request{})
	require.NoError(t, err)
	require.Empty(t, r.Content)
}
