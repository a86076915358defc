package main

import (
	"context"
	"time"

	"github.com/openfathom/dredger/internal/chunk"
	dredgerconfig "github.com/openfathom/dredger/internal/config"
	"github.com/openfathom/dredger/internal/knowledge"
	"github.com/openfathom/dredger/internal/sitemap"
	"github.com/openfathom/dredger/internal/store"
	"github.com/openfathom/dredger/pkg/config"
	"github.com/openfathom/dredger/pkg/database"
	"github.com/openfathom/dredger/pkg/llm"
	"github.com/openfathom/dredger/pkg/logging"
	"github.com/openfathom/dredger/pkg/server"
)

func main() {
	logger := logging.NewLoggerWithService("dredger")
	config.LoadEnv(logger)

	logger.Info("Starting Dredger (knowledge ingestion service)")

	cfg := dredgerconfig.LoadConfig()

	dbConfig := database.DefaultConfig()
	dbConfig.URL = cfg.DatabaseURL
	db := database.MustConnect(dbConfig, logger)
	defer func() { _ = db.Close() }()

	knowledgeStore := store.NewStore(db)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := knowledgeStore.EnsureSchema(ctx); err != nil {
		cancel()
		logger.WithError(err).Fatal("Failed to ensure database schema")
	}
	cancel()

	embedClient, err := llm.NewEmbeddingClient(llm.Config{
		APIKey:     cfg.EmbeddingAPIKey,
		APIURL:     cfg.EmbeddingAPIURL,
		Model:      cfg.EmbeddingModel,
		MaxRetries: cfg.EmbeddingMaxRetries,
		Backoff:    cfg.EmbeddingBackoff,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create embedding client")
	}

	tokenizer, err := chunk.NewTokenizer()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load tokenizer")
	}
	chunkCfg := chunk.Config{SizeTokens: cfg.ChunkSizeTokens, OverlapTokens: cfg.ChunkOverlapTokens}
	pageChunker, err := chunk.NewSlidingWindow(tokenizer, chunkCfg)
	if err != nil {
		logger.WithError(err).Fatal("Invalid chunking configuration")
	}
	docChunker, err := chunk.NewParagraph(tokenizer, chunkCfg)
	if err != nil {
		logger.WithError(err).Fatal("Invalid chunking configuration")
	}

	embedder, err := knowledge.NewEmbedder(embedClient, knowledgeStore, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create embedder")
	}

	var fetcherOpts []knowledge.FetcherOption
	fetcherOpts = append(fetcherOpts, knowledge.WithFetcherLogger(logger))
	if cfg.CrawlWaitSelector != "" {
		fetcherOpts = append(fetcherOpts, knowledge.WithWaitSelector(cfg.CrawlWaitSelector))
	}
	fetcher := knowledge.NewHTTPFetcher(nil, cfg.CrawlPageTimeout, fetcherOpts...)
	defer fetcher.Close()

	discoverer := sitemap.NewDiscoverer(nil, logger)

	crawler, err := knowledge.NewCrawler(fetcher, embedder, knowledgeStore, discoverer, pageChunker, knowledge.CrawlConfig{
		MaxPages:       cfg.CrawlMaxPages,
		MaxDepth:       cfg.CrawlMaxDepth,
		Concurrency:    cfg.CrawlConcurrency,
		MinChars:       cfg.CrawlMinChars,
		SitemapEnabled: cfg.CrawlSitemapEnabled,
	},
		knowledge.WithLogger(logger),
		knowledge.WithDocumentChunker(docChunker),
	)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create crawler")
	}

	api, err := knowledge.NewAdminAPI(knowledgeStore, crawler, embedder, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create admin API")
	}

	router := server.SetupRouter(logger, "dredger")
	api.RegisterRoutes(router)

	serverCfg := server.DefaultConfig("dredger", cfg.Port)
	if err := server.Start(serverCfg, router, logger); err != nil {
		logger.WithError(err).Fatal("Server exited with error")
	}
}
