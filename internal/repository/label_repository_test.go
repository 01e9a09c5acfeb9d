package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/photosync/client/internal/models"
)

func setupTestLabelRepo(t *testing.T) *LabelRepository {
	t.Helper()
	db, err := NewSQLiteDB(":memory:")
	require.NoError(t, err)
	repo := NewLabelRepository(context.Background(), db, SQLite)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestLabelRepository_Upsert(t *testing.T) {
	ctx := context.Background()

	t.Run("merges on guid", func(t *testing.T) {
		repo := setupTestLabelRepo(t)

		first := models.NewLabel("g1", "Holidays")
		id := repo.Upsert(ctx, &first)
		require.NotZero(t, id)

		renamed := models.NewLabel("g1", "Vacation")
		assert.Equal(t, id, repo.Upsert(ctx, &renamed))

		all := repo.GetAll(ctx)
		require.Len(t, all, 1)
		assert.Equal(t, "Vacation", all[0].Name)
	})

	t.Run("labels without guid are always new", func(t *testing.T) {
		repo := setupTestLabelRepo(t)

		a := models.NewLabel("", "Local")
		b := models.NewLabel("", "Local")
		assert.NotEqual(t, repo.Upsert(ctx, &a), repo.Upsert(ctx, &b))
	})

	t.Run("lookups", func(t *testing.T) {
		repo := setupTestLabelRepo(t)

		l := models.NewLabel("g2", "Family")
		repo.Upsert(ctx, &l)

		assert.Equal(t, "g2", repo.GetByName(ctx, "Family").GUID)
		assert.Equal(t, "Family", repo.GetByLUID(ctx, l.LUID).Name)
		assert.Nil(t, repo.GetByGUID(ctx, "missing"))

		assert.True(t, repo.Remove(ctx, l.LUID))
		assert.Nil(t, repo.GetByGUID(ctx, "g2"))
	})
}
