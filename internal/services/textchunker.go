package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/Lllllllleong/docingest/internal/gcp"
	"github.com/Lllllllleong/docingest/internal/models"
	"github.com/Lllllllleong/docingest/internal/pipeline"
)

// TextChunkerConfig holds the configuration for the text chunking function.
type TextChunkerConfig struct {
	OutputBucket string
	ChunkChars   int
}

// TextChunkerFunction splits a finalized unit's extracted text into bounded
// chunks for downstream embedding. It keeps a per-unit processed set so a
// re-triggered invocation only writes the chunks a previous run missed, and
// a failure log so one bad chunk never blocks its siblings.
type TextChunkerFunction struct {
	config   TextChunkerConfig
	output   pipeline.ObjectStore
	progress *pipeline.ProgressStore
}

func loadTextChunkerConfig() (*TextChunkerConfig, error) {
	outputBucket := gcp.GetEnv("OUTPUT_BUCKET", "")
	if outputBucket == "" {
		return nil, fmt.Errorf("OUTPUT_BUCKET environment variable must be set")
	}
	chunkChars, err := strconv.Atoi(gcp.GetEnv("CHUNK_CHARS", "4000"))
	if err != nil || chunkChars <= 0 {
		return nil, fmt.Errorf("CHUNK_CHARS must be a positive integer")
	}
	return &TextChunkerConfig{OutputBucket: outputBucket, ChunkChars: chunkChars}, nil
}

// NewTextChunker creates the text chunking service from the environment.
func NewTextChunker(ctx context.Context) (*TextChunkerFunction, error) {
	config, err := loadTextChunkerConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	storageClient, err := gcp.NewStorageClient(ctx)
	if err != nil {
		return nil, err
	}
	f := newTextChunker(*config, gcp.NewBucketStore(storageClient, config.OutputBucket))
	slog.Info("Text chunker logic initialized.", "outputBucket", config.OutputBucket, "chunkChars", config.ChunkChars)
	return f, nil
}

func newTextChunker(config TextChunkerConfig, output pipeline.ObjectStore) *TextChunkerFunction {
	return &TextChunkerFunction{
		config:   config,
		output:   output,
		progress: pipeline.NewProgressStore(output),
	}
}

// Process handles one output-bucket object notification. Only the unit's
// report_text.txt object triggers chunking; everything else is ignored.
func (f *TextChunkerFunction) Process(ctx context.Context, e models.GCSEvent) error {
	unit, ok := unitFromStructuredObject(e.Name)
	if !ok || e.Name != reportTextKey(unit) {
		return nil
	}
	logCtx := slog.With("unit", unit, "gcsObject", e.Name)

	data, err := f.output.Get(ctx, e.Name)
	if err != nil {
		return fmt.Errorf("load report text for unit %s: %w", unit, err)
	}
	chunks := SplitText(string(data), f.config.ChunkChars)
	logCtx.Info("Report text loaded.", "textChars", len(data), "chunkCount", len(chunks))

	progress, err := f.progress.Load(ctx, chunksProgressKey(unit))
	if err != nil {
		return err
	}
	flog := pipeline.NewFailureLog(f.output, chunksErrorsKey(unit))

	var failed int
	for i, text := range chunks {
		name := fmt.Sprintf("chunk_%03d.json", i+1)
		if progress.Has(name) {
			continue
		}
		if err := f.writeChunk(ctx, unit, name, text); err != nil {
			logCtx.Error("Failed to write text chunk.", "chunk", name, "error", err)
			if aerr := flog.Append(ctx, name, err.Error()); aerr != nil {
				return aerr
			}
			failed++
			continue
		}
		progress.Mark(name)
		if err := f.progress.Save(ctx, chunksProgressKey(unit), progress); err != nil {
			return err
		}
		if err := flog.Remove(ctx, name); err != nil {
			return err
		}
	}

	if failed > 0 {
		logCtx.Warn("Text chunking finished with failures.", "failedChunks", failed)
		return fmt.Errorf("%d of %d text chunks failed for unit %s", failed, len(chunks), unit)
	}
	logCtx.Info("Text chunking complete.", "chunkCount", len(chunks))
	return nil
}

func (f *TextChunkerFunction) writeChunk(ctx context.Context, unit, name, text string) error {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	return f.output.Put(ctx, chunksPrefix(unit)+name, payload)
}
