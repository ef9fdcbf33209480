// Package ai wraps the embedding model behind a narrow interface so the
// embedder service can be exercised without a live endpoint.
package ai

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// Embedder converts text into a vector embedding.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// OpenAIEmbedder implements Embedder against any OpenAI-compatible embedding
// endpoint.
type OpenAIEmbedder struct {
	embedder embeddings.Embedder
}

var _ Embedder = (*OpenAIEmbedder)(nil)

// NewOpenAIEmbedder creates an embedder for the given host and model. Token
// may be empty for local endpoints that skip authentication.
func NewOpenAIEmbedder(host, model, token string) (*OpenAIEmbedder, error) {
	if host == "" || model == "" {
		return nil, fmt.Errorf("NewOpenAIEmbedder: host and model must be set")
	}
	if token == "" {
		token = "none"
	}
	client, err := openai.New(
		openai.WithBaseURL(host),
		openai.WithToken(token),
		openai.WithEmbeddingModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("create embedding client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("wrap embedding client: %w", err)
	}
	return &OpenAIEmbedder{embedder: embedder}, nil
}

// EmbedText generates the embedding vector for a single text.
func (e *OpenAIEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.embedder.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed text: %w", err)
	}
	if len(vectors) == 0 {
		return []float32{}, nil
	}
	return vectors[0], nil
}
