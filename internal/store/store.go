// Package store persists clients, crawl jobs, embedded chunks, and usage
// records in Postgres with pgvector similarity search.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

var (
	// ErrDuplicateMainDomain signals the unique main-domain constraint on
	// client creation; callers render a specific message for it.
	ErrDuplicateMainDomain = errors.New("main domain already registered")
	// ErrDimensionMismatch is a data-integrity error: the vector length does
	// not match the client's chunk table. Raised before any write.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrUnknownModel      = errors.New("unknown embedding model")
	ErrClientNotFound    = errors.New("client not found")
	ErrJobNotFound       = errors.New("crawl job not found")
)

const (
	ModelSmall = "small"
	ModelLarge = "large"
)

// chunkTable fixes a physical table and its vector dimension at dispatch
// time. Both variants carry the is_active soft-delete flag.
type chunkTable struct {
	name string
	dims int
}

var chunkTables = map[string]chunkTable{
	ModelSmall: {name: "chunks_small", dims: 1536},
	ModelLarge: {name: "chunks_large", dims: 3072},
}

func tableForModel(model string) (chunkTable, error) {
	table, ok := chunkTables[model]
	if !ok {
		return chunkTable{}, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
	return table, nil
}

// Client owns chunks and crawl jobs. EmbeddingModel is immutable and selects
// the chunk table variant.
type Client struct {
	ID             string
	Name           string
	EmbeddingModel string
	MainDomain     *string
	CreatedAt      time.Time
}

// ChunkInput is one embedded chunk ready for persistence.
type ChunkInput struct {
	Domain     string
	URL        string
	ChunkIndex int
	Text       string
	ChunkHash  string
	Embedding  []float32
}

// SearchResult is a stored chunk ranked by similarity in (0, 1].
type SearchResult struct {
	ID         string
	ClientID   string
	Domain     string
	URL        string
	ChunkIndex int
	Text       string
	Similarity float64
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateClient registers a client. A main-domain unique violation surfaces as
// ErrDuplicateMainDomain so callers can distinguish it from generic failures.
func (s *Store) CreateClient(ctx context.Context, name, embeddingModel string, mainDomain *string) (*Client, error) {
	if name == "" {
		return nil, errors.New("client name is required")
	}
	if _, err := tableForModel(embeddingModel); err != nil {
		return nil, err
	}

	client := &Client{
		ID:             uuid.NewString(),
		Name:           name,
		EmbeddingModel: embeddingModel,
		MainDomain:     mainDomain,
		CreatedAt:      time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (id, name, embedding_model, main_domain, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, client.ID, client.Name, client.EmbeddingModel, client.MainDomain, client.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrDuplicateMainDomain
		}
		return nil, fmt.Errorf("create client: %w", err)
	}
	return client, nil
}

func (s *Store) GetClient(ctx context.Context, clientID string) (*Client, error) {
	if clientID == "" {
		return nil, errors.New("client id is required")
	}
	var client Client
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, embedding_model, main_domain, created_at
		FROM clients
		WHERE id = $1
	`, clientID).Scan(&client.ID, &client.Name, &client.EmbeddingModel, &client.MainDomain, &client.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	return &client, nil
}

// InsertChunk upserts a chunk keyed by (client_id, chunk_hash). A hash
// conflict reactivates the existing row without touching its text or
// embedding. Returns whether a new row was created.
func (s *Store) InsertChunk(ctx context.Context, client *Client, chunk ChunkInput) (bool, error) {
	table, err := tableForModel(client.EmbeddingModel)
	if err != nil {
		return false, err
	}
	if len(chunk.Embedding) != table.dims {
		return false, fmt.Errorf("%w: got %d, table %s expects %d",
			ErrDimensionMismatch, len(chunk.Embedding), table.name, table.dims)
	}

	var inserted bool
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, client_id, domain, url, chunk_index, chunk_text, chunk_hash, embedding, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, NOW())
		ON CONFLICT (client_id, chunk_hash) DO UPDATE SET is_active = TRUE
		RETURNING (xmax = 0) AS inserted
	`, table.name),
		uuid.NewString(), client.ID, chunk.Domain, chunk.URL, chunk.ChunkIndex,
		chunk.Text, chunk.ChunkHash, pgvector.NewVector(chunk.Embedding),
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("insert chunk: %w", err)
	}
	return inserted, nil
}

// SearchChunks ranks the client's active chunks by L2 distance to the query
// vector. Similarity is 1/(1+distance). Domain, when non-empty, is an exact
// filter.
func (s *Store) SearchChunks(ctx context.Context, client *Client, embedding []float32, domain string, limit int) ([]SearchResult, error) {
	table, err := tableForModel(client.EmbeddingModel)
	if err != nil {
		return nil, err
	}
	if len(embedding) != table.dims {
		return nil, fmt.Errorf("%w: got %d, table %s expects %d",
			ErrDimensionMismatch, len(embedding), table.name, table.dims)
	}
	if limit <= 0 {
		limit = 5
	}

	query := fmt.Sprintf(`
		SELECT id, client_id, domain, url, chunk_index, chunk_text,
			1 / (1 + (embedding <-> $2)) AS similarity
		FROM %s
		WHERE client_id = $1 AND is_active = TRUE
	`, table.name)
	args := []any{client.ID, pgvector.NewVector(embedding)}
	if domain != "" {
		query += " AND domain = $3"
		args = append(args, domain)
	}
	query += fmt.Sprintf(" ORDER BY embedding <-> $2 LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.ID, &r.ClientID, &r.Domain, &r.URL, &r.ChunkIndex, &r.Text, &r.Similarity); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return results, nil
}

// DeactivateChunksByURL flips the active flag off for the client's chunks at
// exactly this URL and returns the number of rows affected.
func (s *Store) DeactivateChunksByURL(ctx context.Context, client *Client, url string) (int64, error) {
	return s.deactivateChunks(ctx, client, "url", url)
}

// DeactivateChunksByDomain soft-deletes every chunk the client holds for the
// domain.
func (s *Store) DeactivateChunksByDomain(ctx context.Context, client *Client, domain string) (int64, error) {
	return s.deactivateChunks(ctx, client, "domain", domain)
}

func (s *Store) deactivateChunks(ctx context.Context, client *Client, column, value string) (int64, error) {
	table, err := tableForModel(client.EmbeddingModel)
	if err != nil {
		return 0, err
	}
	if value == "" {
		return 0, fmt.Errorf("%s is required", column)
	}
	result, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET is_active = FALSE
		WHERE client_id = $1 AND %s = $2 AND is_active = TRUE
	`, table.name, column), client.ID, value)
	if err != nil {
		return 0, fmt.Errorf("deactivate chunks by %s: %w", column, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deactivate chunks by %s: %w", column, err)
	}
	return affected, nil
}
