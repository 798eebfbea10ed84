package db_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agorahub/agora/internal/hub/db"
)

func TestOpenAndMigrate(t *testing.T) {
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.Migrate(sqlDB))
	// Re-running against an up-to-date schema is a no-op.
	require.NoError(t, db.Migrate(sqlDB))

	// The migrated schema is usable.
	var n int
	err = sqlDB.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&n)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestOpenTimeout_OnDisk(t *testing.T) {
	path := t.TempDir() + "/agora.db"
	sqlDB, err := db.OpenTimeout(path, 250*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.Migrate(sqlDB))

	var mode string
	require.NoError(t, sqlDB.QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	require.Equal(t, "wal", mode)
}
