// Package knowledge drives ingestion: crawling a domain, chunking and
// embedding its pages, and persisting the results with live job progress.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/openfathom/dredger/internal/chunk"
	"github.com/openfathom/dredger/internal/store"
	"github.com/openfathom/dredger/internal/urlx"
	"github.com/openfathom/dredger/pkg/logging"
)

const (
	// Progress is pushed downstream at most this often, unless forced.
	reportMinInterval = 2 * time.Second
	reportMinDelta    = 5
)

// Progress is a snapshot of a running job's counters.
type Progress struct {
	PagesVisited int
	PagesStored  int
	ChunksStored int
}

// ProgressSink observes a job from the outside. Both methods may be called
// from multiple goroutines; implementations must be safe for that.
type ProgressSink interface {
	OnTotalsKnown(total int)
	OnProgress(p Progress)
}

// SitemapDiscoverer supplies seed page URLs for a domain.
type SitemapDiscoverer interface {
	DiscoverPages(ctx context.Context, startURL, domain string, enabled bool) ([]string, error)
}

// CrawlStore is the persistence surface the crawler needs.
type CrawlStore interface {
	InsertChunk(ctx context.Context, client *store.Client, chunk store.ChunkInput) (bool, error)
	MarkJobRunning(ctx context.Context, jobID string) error
	UpdateJobProgress(ctx context.Context, jobID string, estimated *int, pagesVisited, pagesStored, chunksStored int) error
	MarkJobCompleted(ctx context.Context, jobID string) error
	MarkJobFailed(ctx context.Context, jobID, message string) error
}

// CrawlConfig bounds one crawl run.
type CrawlConfig struct {
	MaxPages       int
	MaxDepth       int
	Concurrency    int
	MinChars       int
	SitemapEnabled bool
}

type Crawler struct {
	fetcher    PageFetcher
	embedder   ChunkEmbedder
	store      CrawlStore
	sitemap    SitemapDiscoverer
	chunker    chunk.Chunker
	docChunker chunk.Chunker
	extractor  DocumentExtractor
	logger     logging.Logger
	cfg        CrawlConfig
}

type CrawlerOption func(*Crawler)

func WithLogger(logger logging.Logger) CrawlerOption {
	return func(c *Crawler) { c.logger = logger }
}

func WithDocumentExtractor(extractor DocumentExtractor) CrawlerOption {
	return func(c *Crawler) { c.extractor = extractor }
}

// WithDocumentChunker sets a separate chunking strategy for uploaded
// documents; pages keep the crawler's main chunker.
func WithDocumentChunker(chunker chunk.Chunker) CrawlerOption {
	return func(c *Crawler) { c.docChunker = chunker }
}

func NewCrawler(fetcher PageFetcher, embedder ChunkEmbedder, crawlStore CrawlStore, sitemap SitemapDiscoverer, chunker chunk.Chunker, cfg CrawlConfig, opts ...CrawlerOption) (*Crawler, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if crawlStore == nil {
		return nil, errors.New("store is required")
	}
	if sitemap == nil {
		return nil, errors.New("sitemap discoverer is required")
	}
	if chunker == nil {
		return nil, errors.New("chunker is required")
	}
	if cfg.MaxPages <= 0 {
		return nil, errors.New("max pages must be positive")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	c := &Crawler{
		fetcher:   fetcher,
		embedder:  embedder,
		store:     crawlStore,
		sitemap:   sitemap,
		chunker:   chunker,
		extractor: plainTextExtractor{},
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.docChunker == nil {
		c.docChunker = c.chunker
	}
	return c, nil
}

type crawlItem struct {
	url   string
	depth int
}

// discoveredSet is the concurrency-safe "already enqueued" gate. Admission is
// atomic with the enqueue decision and capped at the run's page budget, so
// the set itself caps the crawl.
type discoveredSet struct {
	mu    sync.Mutex
	urls  map[string]bool
	limit int
}

func newDiscoveredSet(limit int) *discoveredSet {
	return &discoveredSet{urls: make(map[string]bool), limit: limit}
}

// Add returns true only if the URL was absent and the set has room.
func (s *discoveredSet) Add(rawURL string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.urls[rawURL] || len(s.urls) >= s.limit {
		return false
	}
	s.urls[rawURL] = true
	return true
}

func (s *discoveredSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.urls)
}

// crawlState holds the shared counters and the monotone page estimate, plus
// the bookkeeping for rate-limited progress reports.
type crawlState struct {
	mu       sync.Mutex
	visited  int
	stored   int
	chunks   int
	estimate int

	lastReportAt      time.Time
	lastReportVisited int
	lastSentEstimate  int
}

func (s *crawlState) recordPage(stored bool, chunksPersisted int) Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visited++
	if stored {
		s.stored++
	}
	s.chunks += chunksPersisted
	return Progress{PagesVisited: s.visited, PagesStored: s.stored, ChunksStored: s.chunks}
}

// raiseEstimate never lowers the estimate; property of the run, enforced here
// and again by the store.
func (s *crawlState) raiseEstimate(estimate int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if estimate > s.estimate {
		s.estimate = estimate
	}
}

// snapshotForReport decides whether a report is due and, if so, returns the
// values to send. Forced reports always go through.
func (s *crawlState) snapshotForReport(force bool) (estimate int, p Progress, estimateChanged, due bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	elapsed := time.Since(s.lastReportAt)
	delta := s.visited - s.lastReportVisited
	if !force && (elapsed < reportMinInterval || delta < reportMinDelta) {
		return 0, Progress{}, false, false
	}
	s.lastReportAt = time.Now()
	s.lastReportVisited = s.visited
	estimateChanged = s.estimate != s.lastSentEstimate
	s.lastSentEstimate = s.estimate
	return s.estimate, Progress{PagesVisited: s.visited, PagesStored: s.stored, ChunksStored: s.chunks}, estimateChanged, true
}

// CrawlDomain runs one domain ingestion job end to end, transitioning the job
// through running to completed or failed. Page-level failures are logged and
// never fail the job; only run-level errors do.
func (c *Crawler) CrawlDomain(ctx context.Context, domainInput string, client *store.Client, job *store.CrawlJob, sink ProgressSink) error {
	startURL, err := urlx.NormalizeStartURL(domainInput)
	if err != nil {
		c.failJob(job.ID, fmt.Errorf("normalize domain %q: %w", domainInput, err))
		return fmt.Errorf("normalize domain %q: %w", domainInput, err)
	}
	parsed, err := url.Parse(startURL)
	if err != nil {
		c.failJob(job.ID, err)
		return err
	}
	domain := parsed.Hostname()

	crawlStart := time.Now()
	defer func() {
		crawlDuration.WithLabelValues(domain).Observe(time.Since(crawlStart).Seconds())
	}()

	if err := c.store.MarkJobRunning(ctx, job.ID); err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}

	if err := c.run(ctx, startURL, domain, client, job, sink); err != nil {
		c.failJob(job.ID, err)
		return err
	}
	if err := c.store.MarkJobCompleted(ctx, job.ID); err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	return nil
}

// failJob records the failure with a fresh context so a cancelled crawl
// context cannot lose the terminal transition.
func (c *Crawler) failJob(jobID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.store.MarkJobFailed(ctx, jobID, cause.Error()); err != nil && c.logger != nil {
		c.logger.WithField("job_id", jobID).WithError(err).Warn("Failed to record job failure")
	}
}

func (c *Crawler) run(ctx context.Context, startURL, domain string, client *store.Client, job *store.CrawlJob, sink ProgressSink) error {
	set := newDiscoveredSet(c.cfg.MaxPages)
	state := &crawlState{}

	// The set caps total admissions at MaxPages, so the channel never blocks
	// a sender.
	frontier := make(chan crawlItem, c.cfg.MaxPages)
	var pending sync.WaitGroup

	enqueue := func(rawURL string, depth int) bool {
		if !set.Add(rawURL) {
			return false
		}
		pending.Add(1)
		frontier <- crawlItem{url: rawURL, depth: depth}
		return true
	}

	enqueue(startURL, 0)

	seeds, err := c.sitemap.DiscoverPages(ctx, startURL, domain, c.cfg.SitemapEnabled)
	if err != nil {
		if c.logger != nil {
			c.logger.WithField("domain", domain).WithError(err).Warn("Sitemap discovery failed, crawling from start URL only")
		}
	}
	for _, seed := range seeds {
		normalized, ok := c.admitURL(seed, domain)
		if !ok {
			continue
		}
		enqueue(normalized, 0)
	}

	state.raiseEstimate(minInt(c.cfg.MaxPages, set.Len()))
	c.report(ctx, job.ID, state, sink, true)

	go func() {
		pending.Wait()
		close(frontier)
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Concurrency; i++ {
		g.Go(func() error {
			for item := range frontier {
				if gctx.Err() != nil {
					pending.Done()
					continue
				}
				err := c.processURL(gctx, item, domain, client, job, set, state, sink, enqueue)
				pending.Done()
				if err != nil {
					return err
				}
			}
			return nil
		})
	}

	runErr := g.Wait()
	if runErr != nil {
		// Drain whatever the workers abandoned so the closer goroutine can
		// close the frontier and exit.
		go func() {
			for range frontier {
				pending.Done()
			}
		}()
	}
	c.report(context.Background(), job.ID, state, sink, true)

	if runErr != nil {
		return runErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.logger != nil {
		c.logger.
			WithField("domain", domain).
			WithField("pages_visited", state.visited).
			WithField("pages_stored", state.stored).
			WithField("chunks_stored", state.chunks).
			Info("Crawl finished")
	}
	return nil
}

// processURL fetches, chunks, embeds, and persists one page. It returns an
// error only for run-level failures (cancellation, dimension mismatch);
// page-level failures are logged and absorbed.
func (c *Crawler) processURL(ctx context.Context, item crawlItem, domain string, client *store.Client, job *store.CrawlJob, set *discoveredSet, state *crawlState, sink ProgressSink, enqueue func(string, int) bool) error {
	if item.depth > c.cfg.MaxDepth {
		crawlPagesTotal.WithLabelValues("skipped_depth").Inc()
		return nil
	}

	page, err := c.fetcher.Fetch(ctx, item.url)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		crawlPagesTotal.WithLabelValues("failed").Inc()
		if c.logger != nil {
			c.logger.WithField("url", item.url).WithError(err).Warn("Page fetch failed, skipping")
		}
		return nil
	}

	if utf8.RuneCountInString(page.Text) < c.cfg.MinChars {
		crawlPagesTotal.WithLabelValues("skipped_short").Inc()
		c.finishPage(ctx, job.ID, state, sink, false, 0)
		return nil
	}

	persisted, err := c.ingestText(ctx, client, c.chunker, page.Text, domain, item.url)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isRunLevel(err) {
			// Configuration is wrong for every page; abort the run.
			return err
		}
		crawlPagesTotal.WithLabelValues("failed").Inc()
		if c.logger != nil {
			c.logger.WithField("url", item.url).WithError(err).Warn("Page ingest failed, skipping")
		}
		c.finishPage(ctx, job.ID, state, sink, false, 0)
		return nil
	}
	crawlPagesTotal.WithLabelValues("embedded").Inc()

	if item.depth < c.cfg.MaxDepth && len(page.HTML) > 0 {
		for _, link := range extractLinks(page.HTML, item.url) {
			normalized, ok := c.admitURL(link, domain)
			if !ok {
				continue
			}
			if enqueue(normalized, item.depth+1) {
				linkDiscoveryTotal.Inc()
			}
		}
		state.raiseEstimate(minInt(c.cfg.MaxPages, set.Len()))
	}

	c.finishPage(ctx, job.ID, state, sink, persisted > 0, persisted)
	return nil
}

// isRunLevel reports whether an ingest error must abort the whole run rather
// than just this page.
func isRunLevel(err error) bool {
	return errors.Is(err, store.ErrDimensionMismatch)
}

// ingestText chunks, embeds, and persists one page's text, returning how many
// chunks were persisted (created or reactivated).
func (c *Crawler) ingestText(ctx context.Context, client *store.Client, chunker chunk.Chunker, text, domain, pageURL string) (int, error) {
	chunks := chunker.Split(text, domain, pageURL)
	if len(chunks) == 0 {
		chunksFilteredTotal.WithLabelValues("empty").Inc()
		return 0, nil
	}

	rows, err := c.embedder.EmbedChunks(ctx, client, chunks)
	if err != nil {
		return 0, err
	}

	persisted := 0
	for _, row := range rows {
		created, err := c.store.InsertChunk(ctx, client, row)
		if err != nil {
			if errors.Is(err, store.ErrDimensionMismatch) || ctx.Err() != nil {
				return persisted, err
			}
			if c.logger != nil {
				c.logger.WithField("url", pageURL).WithField("chunk_index", row.ChunkIndex).WithError(err).Warn("Chunk insert failed, skipping")
			}
			continue
		}
		persisted++
		if created {
			chunksStoredTotal.WithLabelValues("created").Inc()
		} else {
			chunksStoredTotal.WithLabelValues("reactivated").Inc()
		}
	}
	return persisted, nil
}

func (c *Crawler) finishPage(ctx context.Context, jobID string, state *crawlState, sink ProgressSink, stored bool, chunksPersisted int) {
	progress := state.recordPage(stored, chunksPersisted)
	if sink != nil {
		sink.OnProgress(progress)
	}
	c.report(ctx, jobID, state, sink, false)
}

// report pushes the estimate and counters to the store and the sink, subject
// to rate limiting unless forced.
func (c *Crawler) report(ctx context.Context, jobID string, state *crawlState, sink ProgressSink, force bool) {
	estimate, progress, estimateChanged, due := state.snapshotForReport(force)
	if !due {
		return
	}
	if sink != nil && estimateChanged {
		sink.OnTotalsKnown(estimate)
	}
	est := estimate
	if err := c.store.UpdateJobProgress(ctx, jobID, &est, progress.PagesVisited, progress.PagesStored, progress.ChunksStored); err != nil {
		if c.logger != nil {
			c.logger.WithField("job_id", jobID).WithError(err).Warn("Failed to persist job progress")
		}
	}
}

// admitURL normalizes a candidate URL and applies the skip filter and the
// same-domain check. Returns the normalized URL and whether it is crawlable.
func (c *Crawler) admitURL(rawURL, domain string) (string, bool) {
	normalized, err := urlx.NormalizeURL(rawURL)
	if err != nil {
		return "", false
	}
	if urlx.ShouldSkip(normalized) {
		return "", false
	}
	parsed, err := url.Parse(normalized)
	if err != nil {
		return "", false
	}
	host := strings.ToLower(parsed.Hostname())
	if host != domain && host != "www."+domain {
		return "", false
	}
	return normalized, true
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
