package store

import (
	"context"
	"fmt"
)

// schemaStatements create every table and index the store touches. All are
// idempotent.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS clients (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		embedding_model TEXT NOT NULL CHECK (embedding_model IN ('small', 'large')),
		main_domain TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS clients_main_domain_idx
		ON clients (main_domain) WHERE main_domain IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS crawl_jobs (
		id UUID PRIMARY KEY,
		client_id UUID NOT NULL REFERENCES clients(id),
		domain TEXT NOT NULL DEFAULT '',
		start_url TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL CHECK (status IN ('queued', 'running', 'completed', 'failed')),
		job_type TEXT NOT NULL CHECK (job_type IN ('domain', 'docs')),
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		total_pages_estimated INTEGER,
		pages_visited INTEGER NOT NULL DEFAULT 0,
		pages_stored INTEGER NOT NULL DEFAULT 0,
		chunks_stored INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS crawl_jobs_client_idx
		ON crawl_jobs (client_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS chunks_small (
		id UUID PRIMARY KEY,
		client_id UUID NOT NULL REFERENCES clients(id),
		domain TEXT NOT NULL,
		url TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		chunk_text TEXT NOT NULL,
		chunk_hash TEXT NOT NULL,
		embedding vector(1536) NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (client_id, chunk_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS chunks_large (
		id UUID PRIMARY KEY,
		client_id UUID NOT NULL REFERENCES clients(id),
		domain TEXT NOT NULL,
		url TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		chunk_text TEXT NOT NULL,
		chunk_hash TEXT NOT NULL,
		embedding vector(3072) NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (client_id, chunk_hash)
	)`,
	`CREATE INDEX IF NOT EXISTS chunks_small_client_domain_idx
		ON chunks_small (client_id, domain)`,
	`CREATE INDEX IF NOT EXISTS chunks_large_client_domain_idx
		ON chunks_large (client_id, domain)`,
	// hnsw caps out at 2000 dimensions, so chunks_large gets no vector index
	// and searches it sequentially.
	`CREATE INDEX IF NOT EXISTS chunks_small_embedding_idx
		ON chunks_small USING hnsw (embedding vector_l2_ops)`,
	`CREATE TABLE IF NOT EXISTS usage_records (
		id UUID PRIMARY KEY,
		client_id UUID NOT NULL REFERENCES clients(id),
		model TEXT NOT NULL,
		operation TEXT NOT NULL,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS usage_records_client_idx
		ON usage_records (client_id, created_at)`,
}

// EnsureSchema verifies the vector extension is installed and creates every
// table the store needs. Called once before first use; a missing extension is
// fatal with a descriptive error rather than a confusing failure on the first
// insert.
func (s *Store) EnsureSchema(ctx context.Context) error {
	var hasVector bool
	if err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'vector')
	`).Scan(&hasVector); err != nil {
		return fmt.Errorf("check vector extension: %w", err)
	}
	if !hasVector {
		return fmt.Errorf("pgvector extension is not installed; run CREATE EXTENSION vector as a superuser")
	}

	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
