package config

import (
	"time"

	"github.com/openfathom/dredger/pkg/config"
)

// Config stores environment configuration for the dredger service.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string

	EmbeddingModel      string
	EmbeddingAPIKey     string
	EmbeddingAPIURL     string
	EmbeddingMaxRetries int
	EmbeddingBackoff    time.Duration

	CrawlMaxPages       int
	CrawlMaxDepth       int
	CrawlConcurrency    int
	CrawlMinChars       int
	CrawlSitemapEnabled bool
	CrawlWaitSelector   string
	CrawlPageTimeout    time.Duration

	ChunkSizeTokens    int
	ChunkOverlapTokens int
}

// LoadConfig loads the dredger configuration from environment variables.
func LoadConfig() Config {
	return Config{
		Port:        config.GetEnv("PORT", "18040"),
		LogLevel:    config.GetEnv("LOG_LEVEL", "info"),
		DatabaseURL: config.RequireEnv("DATABASE_URL"),

		EmbeddingModel:      config.GetEnv("EMBEDDING_MODEL", "small"),
		EmbeddingAPIKey:     config.GetEnv("EMBEDDING_API_KEY", ""),
		EmbeddingAPIURL:     config.GetEnv("EMBEDDING_API_URL", ""),
		EmbeddingMaxRetries: config.GetEnvInt("EMBEDDING_MAX_RETRIES", 3),
		EmbeddingBackoff:    config.GetEnvDuration("EMBEDDING_BACKOFF", time.Second),

		CrawlMaxPages:       config.GetEnvInt("CRAWL_MAX_PAGES", 200),
		CrawlMaxDepth:       config.GetEnvInt("CRAWL_MAX_DEPTH", 3),
		CrawlConcurrency:    config.GetEnvInt("CRAWL_CONCURRENCY", 3),
		CrawlMinChars:       config.GetEnvInt("CRAWL_MIN_CHARS", 200),
		CrawlSitemapEnabled: config.GetEnvBool("CRAWL_SITEMAP_ENABLED", true),
		CrawlWaitSelector:   config.GetEnv("CRAWL_WAIT_SELECTOR", ""),
		CrawlPageTimeout:    config.GetEnvDuration("CRAWL_PAGE_TIMEOUT", 30*time.Second),

		ChunkSizeTokens:    config.GetEnvInt("CHUNK_SIZE_TOKENS", 500),
		ChunkOverlapTokens: config.GetEnvInt("CHUNK_OVERLAP_TOKENS", 50),
	}
}
