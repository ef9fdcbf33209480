package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"sync"

	"github.com/Lllllllleong/docingest/internal/ai"
	"github.com/Lllllllleong/docingest/internal/gcp"
	"github.com/Lllllllleong/docingest/internal/models"
	"github.com/Lllllllleong/docingest/internal/pipeline"
	"github.com/panjf2000/ants/v2"
)

// EmbedderConfig holds the configuration for the embedding function.
type EmbedderConfig struct {
	OutputBucket   string
	EmbeddingHost  string
	EmbeddingModel string
	EmbeddingToken string
	PoolSize       int
}

// EmbedderFunction turns a unit's text chunks into embedding vectors. Any
// chunk event re-converges the whole unit: every chunk not yet in the
// processed set is embedded, so duplicate and out-of-order events are safe.
type EmbedderFunction struct {
	config   EmbedderConfig
	output   pipeline.ObjectStore
	progress *pipeline.ProgressStore
	embedder ai.Embedder
}

func loadEmbedderConfig() (*EmbedderConfig, error) {
	outputBucket := gcp.GetEnv("OUTPUT_BUCKET", "")
	if outputBucket == "" {
		return nil, fmt.Errorf("OUTPUT_BUCKET environment variable must be set")
	}
	host := gcp.GetEnv("EMBEDDING_HOST", "")
	model := gcp.GetEnv("EMBEDDING_MODEL", "")
	if host == "" || model == "" {
		return nil, fmt.Errorf("EMBEDDING_HOST and EMBEDDING_MODEL environment variables must be set")
	}
	poolSize, err := strconv.Atoi(gcp.GetEnv("EMBEDDING_POOL_SIZE", "8"))
	if err != nil || poolSize <= 0 {
		return nil, fmt.Errorf("EMBEDDING_POOL_SIZE must be a positive integer")
	}
	return &EmbedderConfig{
		OutputBucket:   outputBucket,
		EmbeddingHost:  host,
		EmbeddingModel: model,
		EmbeddingToken: gcp.GetEnv("EMBEDDING_TOKEN", ""),
		PoolSize:       poolSize,
	}, nil
}

// NewEmbedder creates the embedding service from the environment.
func NewEmbedder(ctx context.Context) (*EmbedderFunction, error) {
	config, err := loadEmbedderConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	storageClient, err := gcp.NewStorageClient(ctx)
	if err != nil {
		return nil, err
	}
	embedder, err := ai.NewOpenAIEmbedder(config.EmbeddingHost, config.EmbeddingModel, config.EmbeddingToken)
	if err != nil {
		return nil, err
	}
	f := newEmbedder(*config, gcp.NewBucketStore(storageClient, config.OutputBucket), embedder)
	slog.Info("Embedder logic initialized.",
		"outputBucket", config.OutputBucket,
		"embeddingModel", config.EmbeddingModel,
		"poolSize", config.PoolSize)
	return f, nil
}

func newEmbedder(config EmbedderConfig, output pipeline.ObjectStore, embedder ai.Embedder) *EmbedderFunction {
	return &EmbedderFunction{
		config:   config,
		output:   output,
		progress: pipeline.NewProgressStore(output),
		embedder: embedder,
	}
}

// Process handles one output-bucket object notification. Only text chunk
// payloads under a unit's chunks folder trigger embedding.
func (f *EmbedderFunction) Process(ctx context.Context, e models.GCSEvent) error {
	unit, ok := unitFromStructuredObject(e.Name)
	if !ok || !isTextChunkObject(e.Name) {
		return nil
	}
	if path.Dir(e.Name)+"/" != chunksPrefix(unit) {
		return nil
	}
	return f.embedUnit(ctx, unit)
}

func (f *EmbedderFunction) embedUnit(ctx context.Context, unit string) error {
	logCtx := slog.With("unit", unit)

	keys, err := f.output.List(ctx, chunksPrefix(unit))
	if err != nil {
		return fmt.Errorf("list text chunks for unit %s: %w", unit, err)
	}
	var chunkNames []string
	for _, key := range keys {
		if isTextChunkObject(key) {
			chunkNames = append(chunkNames, path.Base(key))
		}
	}
	sort.Strings(chunkNames)

	progress, err := f.progress.Load(ctx, embeddingsProgressKey(unit))
	if err != nil {
		return err
	}
	flog := pipeline.NewFailureLog(f.output, embeddingsErrorsKey(unit))

	var pending []string
	for _, name := range chunkNames {
		if !progress.Has(name) {
			pending = append(pending, name)
		}
	}
	if len(pending) == 0 {
		logCtx.Info("All chunks already embedded.", "chunkCount", len(chunkNames))
		return nil
	}
	logCtx.Info("Embedding pending chunks.", "pending", len(pending), "total", len(chunkNames))

	pool, err := ants.NewPool(f.config.PoolSize)
	if err != nil {
		return fmt.Errorf("create embedding pool: %w", err)
	}
	defer pool.Release()

	// The progress record and failure log are read-modify-write, so the
	// workers embed in parallel but mutate shared state under one mutex.
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failed   int
		saveErr  error
		recordOK = func(name string) {
			mu.Lock()
			defer mu.Unlock()
			progress.Mark(name)
			if err := f.progress.Save(ctx, embeddingsProgressKey(unit), progress); err != nil && saveErr == nil {
				saveErr = err
			}
			if err := flog.Remove(ctx, name); err != nil && saveErr == nil {
				saveErr = err
			}
		}
		recordFail = func(name string, cause error) {
			mu.Lock()
			defer mu.Unlock()
			failed++
			if err := flog.Append(ctx, name, cause.Error()); err != nil && saveErr == nil {
				saveErr = err
			}
		}
	)

	for _, name := range pending {
		name := name
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			embedded, err := f.embedChunk(ctx, unit, name)
			if err != nil {
				logCtx.Error("Failed to embed chunk.", "chunk", name, "error", err)
				recordFail(name, err)
				return
			}
			if embedded {
				recordOK(name)
			}
		}); err != nil {
			wg.Done()
			recordFail(name, err)
		}
	}
	wg.Wait()

	if saveErr != nil {
		return saveErr
	}
	if failed > 0 {
		logCtx.Warn("Embedding finished with failures.", "failedChunks", failed)
		return fmt.Errorf("%d of %d chunk embeddings failed for unit %s", failed, len(pending), unit)
	}
	logCtx.Info("Embedding complete.", "embedded", len(pending))
	return nil
}

func (f *EmbedderFunction) embedChunk(ctx context.Context, unit, name string) (bool, error) {
	data, err := f.output.Get(ctx, chunksPrefix(unit)+name)
	if err != nil {
		return false, fmt.Errorf("load chunk: %w", err)
	}
	var chunk struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &chunk); err != nil {
		return false, fmt.Errorf("decode chunk: %w", err)
	}
	if chunk.Text == "" {
		// Nothing to embed. Leave the chunk unmarked so a later rewrite
		// with real text is picked up.
		slog.Warn("Skipping empty text chunk.", "unit", unit, "chunk", name)
		return false, nil
	}

	vector, err := f.embedder.EmbedText(ctx, chunk.Text)
	if err != nil {
		return false, err
	}
	payload, err := json.Marshal(map[string]interface{}{
		"chunk":     name,
		"embedding": vector,
	})
	if err != nil {
		return false, fmt.Errorf("encode embedding: %w", err)
	}
	if err := f.output.Put(ctx, embeddingsPrefix(unit)+name, payload); err != nil {
		return false, err
	}
	return true, nil
}
