package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/Lllllllleong/docingest/internal/models"
	"github.com/Lllllllleong/docingest/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEmbedder returns a fixed-size vector derived from the text length and
// can be scripted to fail for specific texts.
type fakeEmbedder struct {
	mu     sync.Mutex
	calls  int
	failOn map[string]error
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{failOn: map[string]error{}}
}

func (e *fakeEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if err, ok := e.failOn[text]; ok {
		return nil, err
	}
	return []float32{float32(len(text)), 1.0}, nil
}

func embedderHarness(t *testing.T) (*EmbedderFunction, *memStore, *fakeEmbedder) {
	t.Helper()
	store := newMemStore()
	embedder := newFakeEmbedder()
	f := newEmbedder(EmbedderConfig{OutputBucket: "out", PoolSize: 4}, store, embedder)
	return f, store, embedder
}

func seedTextChunk(t *testing.T, store *memStore, unit, name, text string) models.GCSEvent {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"text": text})
	require.NoError(t, err)
	key := chunksPrefix(unit) + name
	require.NoError(t, store.Put(context.Background(), key, payload))
	return models.GCSEvent{Bucket: "out", Name: key}
}

func embeddingVector(t *testing.T, store *memStore, unit, name string) []float32 {
	t.Helper()
	data, err := store.Get(context.Background(), embeddingsPrefix(unit)+name)
	require.NoError(t, err)
	var record struct {
		Chunk     string    `json:"chunk"`
		Embedding []float32 `json:"embedding"`
	}
	require.NoError(t, json.Unmarshal(data, &record))
	assert.Equal(t, name, record.Chunk)
	return record.Embedding
}

func TestEmbedderEmbedsAllPendingChunks(t *testing.T) {
	f, store, embedder := embedderHarness(t)
	seedTextChunk(t, store, "unit1", "chunk_001.json", "first")
	seedTextChunk(t, store, "unit1", "chunk_002.json", "second chunk")
	event := seedTextChunk(t, store, "unit1", "chunk_003.json", "third")

	require.NoError(t, f.Process(context.Background(), event))

	assert.Equal(t, []float32{5, 1}, embeddingVector(t, store, "unit1", "chunk_001.json"))
	assert.Equal(t, []float32{12, 1}, embeddingVector(t, store, "unit1", "chunk_002.json"))
	assert.Equal(t, []float32{5, 1}, embeddingVector(t, store, "unit1", "chunk_003.json"))
	assert.Equal(t, 3, embedder.calls)
}

func TestEmbedderRerunSkipsEmbeddedChunks(t *testing.T) {
	f, store, embedder := embedderHarness(t)
	event := seedTextChunk(t, store, "unit1", "chunk_001.json", "first")

	require.NoError(t, f.Process(context.Background(), event))
	require.NoError(t, f.Process(context.Background(), event))

	assert.Equal(t, 1, embedder.calls)
}

func TestEmbedderIgnoresNonChunkObjects(t *testing.T) {
	f, store, embedder := embedderHarness(t)

	for _, name := range []string{
		"structured_data/unit1/report_text.txt",
		"structured_data/unit1/chunks/chunks_metadata.json",
		"structured_data/unit1/embeddings/chunk_001.json",
		"metadata/unit1/report.json",
	} {
		require.NoError(t, f.Process(context.Background(), models.GCSEvent{Bucket: "out", Name: name}))
	}
	assert.Equal(t, 0, embedder.calls)
	keys, err := store.List(context.Background(), embeddingsPrefix("unit1"))
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestEmbedderFailureDoesNotBlockSiblings(t *testing.T) {
	f, store, embedder := embedderHarness(t)
	seedTextChunk(t, store, "unit1", "chunk_001.json", "good")
	event := seedTextChunk(t, store, "unit1", "chunk_002.json", "bad")
	embedder.failOn["bad"] = errors.New("model overloaded")

	err := f.Process(context.Background(), event)
	require.Error(t, err)

	assert.Equal(t, []float32{4, 1}, embeddingVector(t, store, "unit1", "chunk_001.json"))
	entries, lerr := pipeline.NewFailureLog(store, embeddingsErrorsKey("unit1")).List(context.Background())
	require.NoError(t, lerr)
	require.Len(t, entries, 1)
	assert.Equal(t, "chunk_002.json", entries[0].SubUnit)
	assert.Contains(t, entries[0].Error, "model overloaded")
}

func TestEmbedderRetryConvergesAndClearsFailureLog(t *testing.T) {
	f, store, embedder := embedderHarness(t)
	event := seedTextChunk(t, store, "unit1", "chunk_001.json", "flaky")
	embedder.failOn["flaky"] = errors.New("timeout")

	require.Error(t, f.Process(context.Background(), event))
	delete(embedder.failOn, "flaky")
	require.NoError(t, f.Process(context.Background(), event))

	assert.Equal(t, []float32{5, 1}, embeddingVector(t, store, "unit1", "chunk_001.json"))
	entries, err := pipeline.NewFailureLog(store, embeddingsErrorsKey("unit1")).List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEmbedderSkipsEmptyTextUnmarked(t *testing.T) {
	f, store, _ := embedderHarness(t)
	event := seedTextChunk(t, store, "unit1", "chunk_001.json", "")

	require.NoError(t, f.Process(context.Background(), event))

	_, err := store.Get(context.Background(), embeddingsPrefix("unit1")+"chunk_001.json")
	assert.ErrorIs(t, err, pipeline.ErrObjectNotFound)
	progress, err := f.progress.Load(context.Background(), embeddingsProgressKey("unit1"))
	require.NoError(t, err)
	assert.False(t, progress.Has("chunk_001.json"))
}

func TestEmbedderManyChunksThroughPool(t *testing.T) {
	f, store, embedder := embedderHarness(t)
	var event models.GCSEvent
	for i := 1; i <= 20; i++ {
		event = seedTextChunk(t, store, "unit1", fmt.Sprintf("chunk_%03d.json", i), fmt.Sprintf("text number %d", i))
	}

	require.NoError(t, f.Process(context.Background(), event))

	assert.Equal(t, 20, embedder.calls)
	progress, err := f.progress.Load(context.Background(), embeddingsProgressKey("unit1"))
	require.NoError(t, err)
	for i := 1; i <= 20; i++ {
		assert.True(t, progress.Has(fmt.Sprintf("chunk_%03d.json", i)))
	}
}
