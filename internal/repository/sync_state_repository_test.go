package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/photosync/client/internal/models"
)

func TestSyncStateRepository(t *testing.T) {
	ctx := context.Background()
	db, err := NewSQLiteDB(":memory:")
	require.NoError(t, err)
	defer db.Close()
	repo := NewSyncStateRepository(ctx, db, SQLite)

	t.Run("missing source returns nil", func(t *testing.T) {
		state, err := repo.Get(ctx, "camera")
		require.NoError(t, err)
		assert.Nil(t, state)
	})

	t.Run("upsert then reset", func(t *testing.T) {
		state := models.NewSourceSyncState("camera")
		state.LastLocalSync = 10
		state.LastRemoteSync = 20
		state.ClockDriftMS = -300
		require.NoError(t, repo.Upsert(ctx, state))

		state.LastRemoteSync = 30
		require.NoError(t, repo.Upsert(ctx, state))

		got, err := repo.Get(ctx, "camera")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, int64(30), got.LastRemoteSync)
		assert.Equal(t, int64(-300), got.ClockDriftMS)

		require.NoError(t, repo.Reset(ctx, "camera"))
		got, err = repo.Get(ctx, "camera")
		require.NoError(t, err)
		assert.True(t, got.NeverSynced())
		assert.Equal(t, int64(-300), got.ClockDriftMS)

		all, err := repo.GetAll(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}
