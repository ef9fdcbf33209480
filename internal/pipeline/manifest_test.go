package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Lllllllleong/docingest/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func putManifest(t *testing.T, store *memStore, unit string, manifest models.Manifest) {
	t.Helper()
	data, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), unit+"/"+ManifestObjectName, data))
}

func TestEvaluateManifestNotLandedYet(t *testing.T) {
	detector := NewDetector(newMemStore())

	decision, manifest, err := detector.Evaluate(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, DecisionWait, decision)
	assert.Nil(t, manifest)
}

func TestEvaluateBatchReadiness(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	detector := NewDetector(store)
	putManifest(t, store, "u1", models.Manifest{
		ExpectedCount:      3,
		DeclaredChunkNames: []string{"c0", "c1", "c2"},
		OriginalFilename:   "report.pdf",
		CreatedAt:          time.Now(),
	})

	require.NoError(t, store.Put(ctx, "u1/c0", []byte("a")))
	require.NoError(t, store.Put(ctx, "u1/c1", []byte("b")))

	decision, _, err := detector.Evaluate(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, DecisionWait, decision, "two of three chunks present")

	require.NoError(t, store.Put(ctx, "u1/c2", []byte("c")))

	decision, manifest, err := detector.Evaluate(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, DecisionBatch, decision)
	require.NotNil(t, manifest)
	assert.Equal(t, "report.pdf", manifest.OriginalFilename)
}

func TestEvaluateSingleReadiness(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	detector := NewDetector(store)
	putManifest(t, store, "u1", models.Manifest{
		ExpectedCount:      1,
		DeclaredChunkNames: []string{"c0"},
	})
	require.NoError(t, store.Put(ctx, "u1/c0", []byte("a")))

	decision, _, err := detector.Evaluate(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, DecisionSingle, decision)
}

func TestEvaluateRejectsWrongChunkEvenWithMatchingCount(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	detector := NewDetector(store)
	putManifest(t, store, "u1", models.Manifest{
		ExpectedCount:      2,
		DeclaredChunkNames: []string{"c0", "c1"},
	})
	require.NoError(t, store.Put(ctx, "u1/c0", []byte("a")))
	require.NoError(t, store.Put(ctx, "u1/intruder", []byte("b")))

	decision, _, err := detector.Evaluate(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, DecisionWait, decision, "set equality must fail despite matching cardinality")
}

func TestEvaluateIgnoresManifestObjectInPresenceSet(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	detector := NewDetector(store)
	putManifest(t, store, "u1", models.Manifest{
		ExpectedCount:      1,
		DeclaredChunkNames: []string{"chunk_000.pdf"},
	})
	require.NoError(t, store.Put(ctx, "u1/chunk_000.pdf", []byte("a")))

	decision, _, err := detector.Evaluate(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, DecisionSingle, decision)
}

func TestEvaluateCorruptManifestIsAnError(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	detector := NewDetector(store)
	require.NoError(t, store.Put(ctx, "u1/"+ManifestObjectName, []byte("{not json")))

	decision, _, err := detector.Evaluate(ctx, "u1")
	require.Error(t, err)
	assert.Equal(t, DecisionWait, decision)
}
