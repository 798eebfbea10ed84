package scenario_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agorahub/agora/internal/hub/db"
	"github.com/agorahub/agora/internal/hub/scenario"
)

func newTestStore(t *testing.T) *scenario.Store {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))
	return scenario.New(sqlDB)
}

func TestPutGetList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	blob := json.RawMessage(`{"roles":["buyer","seller"]}`)
	id, err := s.Put(ctx, "", "negotiation", blob)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.JSONEq(t, string(blob), string(got))

	infos, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, "negotiation", infos[0].Name)

	// Put with the same id replaces.
	updated := json.RawMessage(`{"roles":["a","b","c"]}`)
	id2, err := s.Put(ctx, id, "negotiation v2", updated)
	require.NoError(t, err)
	require.Equal(t, id, id2)

	got, err = s.Get(ctx, id)
	require.NoError(t, err)
	require.JSONEq(t, string(updated), string(got))
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, scenario.ErrNotFound)
}

func TestPut_Invalid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, "", "bad", json.RawMessage(`{not json`))
	require.Error(t, err)

	_, err = s.Put(ctx, "", "", json.RawMessage(`{}`))
	require.Error(t, err)
}
