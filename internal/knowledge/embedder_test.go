package knowledge

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/openfathom/dredger/internal/chunk"
	"github.com/openfathom/dredger/pkg/llm"
)

type fakeEmbedClient struct {
	dims int
	err  error
}

func (f *fakeEmbedClient) Embed(_ context.Context, inputs []string) (llm.EmbedResult, error) {
	if f.err != nil {
		return llm.EmbedResult{}, f.err
	}
	vectors := make([][]float32, len(inputs))
	for i := range vectors {
		vectors[i] = make([]float32, f.dims)
	}
	return llm.EmbedResult{Vectors: vectors, PromptTokens: len(inputs) * 3, TotalTokens: len(inputs) * 3}, nil
}

type usageCall struct {
	clientID  string
	model     string
	operation string
	prompt    int
	total     int
}

type fakeUsage struct {
	mu    sync.Mutex
	calls []usageCall
}

func (f *fakeUsage) RecordUsage(_ context.Context, clientID, model, operation string, promptTokens, totalTokens int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, usageCall{clientID, model, operation, promptTokens, totalTokens})
	return nil
}

func TestEmbedChunksPairsVectorsAndRecordsUsage(t *testing.T) {
	usage := &fakeUsage{}
	e, err := NewEmbedder(&fakeEmbedClient{dims: 4}, usage, nil)
	if err != nil {
		t.Fatalf("new embedder: %v", err)
	}

	chunks := []chunk.Chunk{
		{Domain: "example.com", URL: "https://example.com/p", Index: 0, Text: "first", Hash: chunk.HashText("first")},
		{Domain: "example.com", URL: "https://example.com/p", Index: 1, Text: "second", Hash: chunk.HashText("second")},
	}
	rows, err := e.EmbedChunks(context.Background(), testClient(), chunks)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	for i, row := range rows {
		if row.ChunkIndex != i || len(row.Embedding) != 4 {
			t.Fatalf("row %d not paired correctly: %+v", i, row)
		}
		if row.ChunkHash != chunks[i].Hash {
			t.Fatalf("row %d hash not carried", i)
		}
	}
	if len(usage.calls) != 1 {
		t.Fatalf("expected one usage record, got %d", len(usage.calls))
	}
	call := usage.calls[0]
	if call.operation != "embed_document" || call.clientID != "client-1" || call.prompt != 6 {
		t.Fatalf("unexpected usage call: %+v", call)
	}
}

func TestEmbedChunksEmptyInputNoCall(t *testing.T) {
	usage := &fakeUsage{}
	e, _ := NewEmbedder(&fakeEmbedClient{dims: 4}, usage, nil)

	rows, err := e.EmbedChunks(context.Background(), testClient(), nil)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if rows != nil || len(usage.calls) != 0 {
		t.Fatalf("expected no API call for empty input")
	}
}

func TestEmbedChunksPropagatesAPIError(t *testing.T) {
	usage := &fakeUsage{}
	e, _ := NewEmbedder(&fakeEmbedClient{err: errors.New("boom")}, usage, nil)

	if _, err := e.EmbedChunks(context.Background(), testClient(), []chunk.Chunk{{Text: "x"}}); err == nil {
		t.Fatalf("expected error")
	}
	if len(usage.calls) != 0 {
		t.Fatalf("no usage should be recorded on failure")
	}
}

func TestEmbedQueryRecordsQueryOperation(t *testing.T) {
	usage := &fakeUsage{}
	e, _ := NewEmbedder(&fakeEmbedClient{dims: 4}, usage, nil)

	vec, err := e.EmbedQuery(context.Background(), testClient(), "how do i configure ingest")
	if err != nil {
		t.Fatalf("embed query: %v", err)
	}
	if len(vec) != 4 {
		t.Fatalf("unexpected vector length %d", len(vec))
	}
	if len(usage.calls) != 1 || usage.calls[0].operation != "embed_query" {
		t.Fatalf("expected embed_query usage record, got %+v", usage.calls)
	}
}
