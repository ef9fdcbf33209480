package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/Lllllllleong/docingest/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointLoadDefaultsToNew(t *testing.T) {
	store := NewCheckpointStore(newMemStore())

	rec, err := store.Load(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusNew, rec.Status)
	assert.Empty(t, rec.OperationHandle)
	assert.Nil(t, rec.StartedAt)
}

func TestCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewCheckpointStore(newMemStore())

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	saved := &models.CheckpointRecord{
		Status:          models.StatusProcessing,
		OperationHandle: "op-1",
		StartedAt:       &started,
	}
	require.NoError(t, store.Save(ctx, "u1", saved))

	loaded, err := store.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, saved, loaded)
}

func TestCheckpointUnitsListing(t *testing.T) {
	ctx := context.Background()
	mem := newMemStore()
	store := NewCheckpointStore(mem)

	require.NoError(t, store.Save(ctx, "u1", &models.CheckpointRecord{Status: models.StatusProcessing}))
	require.NoError(t, store.Save(ctx, "u2", &models.CheckpointRecord{Status: models.StatusSuccess}))
	// Unrelated object under the metadata prefix must not show up as a unit.
	require.NoError(t, mem.Put(ctx, CheckpointPrefix+"/u3/notes.txt", []byte("x")))

	units, err := store.Units(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, units)
}

func TestProgressStoreDefaultsAndRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewProgressStore(newMemStore())
	const key = "structured_data/u1/chunks/chunks_metadata.json"

	progress, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, progress.Processed)

	progress.Mark("chunk_001.json")
	progress.Mark("chunk_001.json") // no duplicates
	progress.Mark("chunk_002.json")
	require.NoError(t, store.Save(ctx, key, progress))

	loaded, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"chunk_001.json", "chunk_002.json"}, loaded.Processed)
	assert.True(t, loaded.Has("chunk_001.json"))
	assert.False(t, loaded.Has("chunk_003.json"))
}
