package knowledge

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/openfathom/dredger/internal/store"
)

// Document is one uploaded file to ingest.
type Document struct {
	Name        string
	ContentType string
	Data        []byte
}

// DocumentExtractor turns an uploaded document into plain text. PDF/DOCX
// extraction is an external collaborator behind this interface.
type DocumentExtractor interface {
	Extract(ctx context.Context, doc Document) (string, error)
}

// plainTextExtractor handles the formats that are already text.
type plainTextExtractor struct{}

var plainTextExtensions = map[string]bool{
	".txt":  true,
	".md":   true,
	".csv":  true,
	".json": true,
	".xml":  true,
	".html": true,
}

func (plainTextExtractor) Extract(_ context.Context, doc Document) (string, error) {
	ext := strings.ToLower(filepath.Ext(doc.Name))
	if ext != "" && !plainTextExtensions[ext] {
		return "", fmt.Errorf("unsupported document type %q", ext)
	}
	if !utf8.Valid(doc.Data) {
		return "", fmt.Errorf("document %q is not valid utf-8 text", doc.Name)
	}
	return normalizeContent(string(doc.Data)), nil
}

// IngestDocuments runs a docs-typed job over uploaded documents. Each
// document counts as one page for progress purposes; the lifecycle and
// reporting contract match a domain crawl.
func (c *Crawler) IngestDocuments(ctx context.Context, client *store.Client, job *store.CrawlJob, docs []Document, sink ProgressSink) error {
	crawlStart := time.Now()
	defer func() {
		crawlDuration.WithLabelValues("docs").Observe(time.Since(crawlStart).Seconds())
	}()

	if err := c.store.MarkJobRunning(ctx, job.ID); err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}

	state := &crawlState{}
	state.raiseEstimate(len(docs))
	c.report(ctx, job.ID, state, sink, true)

	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			c.failJob(job.ID, err)
			return err
		}

		text, err := c.extractor.Extract(ctx, doc)
		if err != nil {
			crawlPagesTotal.WithLabelValues("failed").Inc()
			if c.logger != nil {
				c.logger.WithField("document", doc.Name).WithError(err).Warn("Document extraction failed, skipping")
			}
			continue
		}

		if utf8.RuneCountInString(text) < c.cfg.MinChars {
			crawlPagesTotal.WithLabelValues("skipped_short").Inc()
			c.finishPage(ctx, job.ID, state, sink, false, 0)
			continue
		}

		sourceURL := "upload://" + filepath.Base(doc.Name)
		persisted, err := c.ingestText(ctx, client, c.docChunker, text, "", sourceURL)
		if err != nil {
			if ctx.Err() != nil || isRunLevel(err) {
				c.failJob(job.ID, err)
				return err
			}
			crawlPagesTotal.WithLabelValues("failed").Inc()
			if c.logger != nil {
				c.logger.WithField("document", doc.Name).WithError(err).Warn("Document ingest failed, skipping")
			}
			c.finishPage(ctx, job.ID, state, sink, false, 0)
			continue
		}
		crawlPagesTotal.WithLabelValues("embedded").Inc()
		c.finishPage(ctx, job.ID, state, sink, persisted > 0, persisted)
	}

	c.report(context.Background(), job.ID, state, sink, true)
	if err := c.store.MarkJobCompleted(ctx, job.ID); err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	return nil
}
