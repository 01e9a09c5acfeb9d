package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/photosync/client/internal/models"
)

func TestPendingDeleteRepository(t *testing.T) {
	ctx := context.Background()
	db, err := NewSQLiteDB(":memory:")
	require.NoError(t, err)
	repo := NewPendingDeleteRepository(ctx, db, SQLite)
	defer repo.Close()

	t.Run("queues once per guid", func(t *testing.T) {
		assert.True(t, repo.Add(ctx, models.NewPendingDelete("camera", "g1", "a.jpg")))
		assert.True(t, repo.Add(ctx, models.NewPendingDelete("camera", "g1", "a.jpg")))
		assert.True(t, repo.Add(ctx, models.NewPendingDelete("other", "g1", "a.jpg")))

		assert.Len(t, repo.List(ctx, "camera"), 1)
		assert.Len(t, repo.List(ctx, "other"), 1)
	})

	t.Run("tracks attempts and removal", func(t *testing.T) {
		assert.True(t, repo.MarkAttempt(ctx, "camera", "g1"))
		assert.Equal(t, 1, repo.List(ctx, "camera")[0].Attempts)

		assert.True(t, repo.Remove(ctx, "camera", "g1"))
		assert.Empty(t, repo.List(ctx, "camera"))
		assert.False(t, repo.MarkAttempt(ctx, "camera", "g1"))
	})
}
