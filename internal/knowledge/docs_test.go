package knowledge

import (
	"context"
	"strings"
	"testing"

	"github.com/openfathom/dredger/internal/store"
)

func TestIngestDocumentsStoresTextFiles(t *testing.T) {
	fs := &fakeStore{}
	sink := &fakeSink{}
	c := newTestCrawler(t, fs, &fakeEmbedder{dims: 4}, &fakeSitemap{}, CrawlConfig{
		MaxPages: 10, MaxDepth: 1, Concurrency: 1, MinChars: 10,
	})

	docs := []Document{
		{Name: "guide.md", Data: []byte(longText(60))},
		{Name: "notes.txt", Data: []byte(longText(30))},
	}
	job := &store.CrawlJob{ID: "job-docs", ClientID: "client-1", Status: store.JobStatusQueued, JobType: store.JobTypeDocs}

	if err := c.IngestDocuments(context.Background(), testClient(), job, docs, sink); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if fs.lastStatus() != store.JobStatusCompleted {
		t.Fatalf("expected completed, got %q", fs.lastStatus())
	}
	final := sink.last()
	if final.PagesVisited != 2 || final.PagesStored != 2 {
		t.Fatalf("each document counts as one page: %+v", final)
	}
	if len(fs.chunks) == 0 {
		t.Fatalf("expected chunks persisted")
	}
	for _, chunk := range fs.chunks {
		if !strings.HasPrefix(chunk.URL, "upload://") {
			t.Fatalf("document chunk url %q missing upload scheme", chunk.URL)
		}
	}
}

func TestIngestDocumentsSkipsUnsupported(t *testing.T) {
	fs := &fakeStore{}
	sink := &fakeSink{}
	c := newTestCrawler(t, fs, &fakeEmbedder{dims: 4}, &fakeSitemap{}, CrawlConfig{
		MaxPages: 10, MaxDepth: 1, Concurrency: 1, MinChars: 5,
	})

	docs := []Document{
		{Name: "binary.exe", Data: []byte{0x4d, 0x5a, 0x00}},
		{Name: "ok.txt", Data: []byte(longText(30))},
	}
	job := &store.CrawlJob{ID: "job-docs", ClientID: "client-1", JobType: store.JobTypeDocs}

	if err := c.IngestDocuments(context.Background(), testClient(), job, docs, sink); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	// The unsupported document is a page-level failure: logged, skipped, and
	// never counted as visited.
	final := sink.last()
	if final.PagesVisited != 1 || final.PagesStored != 1 {
		t.Fatalf("unexpected counters: %+v", final)
	}
	if fs.lastStatus() != store.JobStatusCompleted {
		t.Fatalf("expected completed, got %q", fs.lastStatus())
	}
}

func TestIngestDocumentsEmptyListCompletes(t *testing.T) {
	fs := &fakeStore{}
	c := newTestCrawler(t, fs, &fakeEmbedder{dims: 4}, &fakeSitemap{}, CrawlConfig{
		MaxPages: 10, MaxDepth: 1, Concurrency: 1, MinChars: 5,
	})
	job := &store.CrawlJob{ID: "job-docs", ClientID: "client-1", JobType: store.JobTypeDocs}

	if err := c.IngestDocuments(context.Background(), testClient(), job, nil, nil); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if fs.lastStatus() != store.JobStatusCompleted {
		t.Fatalf("expected completed, got %q", fs.lastStatus())
	}
}

func TestPlainTextExtractorRejectsBinary(t *testing.T) {
	var ex plainTextExtractor
	if _, err := ex.Extract(context.Background(), Document{Name: "report.pdf", Data: []byte("%PDF-")}); err == nil {
		t.Fatalf("expected error for pdf without extractor")
	}
	text, err := ex.Extract(context.Background(), Document{Name: "readme.md", Data: []byte("hello\n\n\n\nworld")})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if text != "hello\n\nworld" {
		t.Fatalf("unexpected normalized text: %q", text)
	}
}
