package knowledge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfathom/dredger/internal/chunk"
	"github.com/openfathom/dredger/internal/store"
	"github.com/openfathom/dredger/pkg/llm"
	"github.com/openfathom/dredger/pkg/logging"
)

// UsageRecorder receives token counts for billing. Implemented by the store.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, clientID, model, operation string, promptTokens, totalTokens int) error
}

// ChunkEmbedder turns chunks into persistable rows and queries into vectors.
type ChunkEmbedder interface {
	EmbedChunks(ctx context.Context, client *store.Client, chunks []chunk.Chunk) ([]store.ChunkInput, error)
	EmbedQuery(ctx context.Context, client *store.Client, query string) ([]float32, error)
}

// Embedder calls the embedding API in one batch per page and records token
// usage against the owning client.
type Embedder struct {
	client llm.EmbeddingClient
	usage  UsageRecorder
	logger logging.Logger
}

func NewEmbedder(client llm.EmbeddingClient, usage UsageRecorder, logger logging.Logger) (*Embedder, error) {
	if client == nil {
		return nil, errors.New("embedding client is required")
	}
	if usage == nil {
		return nil, errors.New("usage recorder is required")
	}
	return &Embedder{client: client, usage: usage, logger: logger}, nil
}

// EmbedChunks embeds every chunk of one page in a single API call and pairs
// the returned vectors back up with their chunks. Usage is recorded even when
// downstream persistence later fails; tokens were spent either way.
func (e *Embedder) EmbedChunks(ctx context.Context, client *store.Client, chunks []chunk.Chunk) ([]store.ChunkInput, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	inputs := make([]string, len(chunks))
	for i, c := range chunks {
		inputs[i] = c.Text
	}

	result, err := e.embed(ctx, inputs)
	if err != nil {
		return nil, err
	}
	if len(result.Vectors) != len(chunks) {
		return nil, fmt.Errorf("embedding count mismatch: sent %d inputs, got %d vectors", len(chunks), len(result.Vectors))
	}

	e.recordUsage(ctx, client, store.OperationEmbedDocument, result)

	rows := make([]store.ChunkInput, len(chunks))
	for i, c := range chunks {
		rows[i] = store.ChunkInput{
			Domain:     c.Domain,
			URL:        c.URL,
			ChunkIndex: c.Index,
			Text:       c.Text,
			ChunkHash:  c.Hash,
			Embedding:  result.Vectors[i],
		}
	}
	return rows, nil
}

// EmbedQuery embeds a single search query.
func (e *Embedder) EmbedQuery(ctx context.Context, client *store.Client, query string) ([]float32, error) {
	if query == "" {
		return nil, errors.New("query is required")
	}
	result, err := e.embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(result.Vectors) != 1 {
		return nil, fmt.Errorf("embedding count mismatch: expected 1 vector, got %d", len(result.Vectors))
	}
	e.recordUsage(ctx, client, store.OperationEmbedQuery, result)
	return result.Vectors[0], nil
}

func (e *Embedder) embed(ctx context.Context, inputs []string) (llm.EmbedResult, error) {
	start := time.Now()
	result, err := e.client.Embed(ctx, inputs)
	embedDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		embedCallsTotal.WithLabelValues("error").Inc()
		return llm.EmbedResult{}, fmt.Errorf("embed %d inputs: %w", len(inputs), err)
	}
	embedCallsTotal.WithLabelValues("success").Inc()
	return result, nil
}

func (e *Embedder) recordUsage(ctx context.Context, client *store.Client, operation string, result llm.EmbedResult) {
	if err := e.usage.RecordUsage(ctx, client.ID, client.EmbeddingModel, operation, result.PromptTokens, result.TotalTokens); err != nil {
		if e.logger != nil {
			e.logger.WithField("client_id", client.ID).WithError(err).Warn("Failed to record embedding usage")
		}
	}
}
