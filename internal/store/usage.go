package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	OperationEmbedDocument = "embed_document"
	OperationEmbedQuery    = "embed_query"
)

// UsageRecord is one billing-relevant embedding call.
type UsageRecord struct {
	ID           string
	ClientID     string
	Model        string
	Operation    string
	PromptTokens int
	TotalTokens  int
	CreatedAt    time.Time
}

// UsageTotals aggregates token counts over a client's records.
type UsageTotals struct {
	PromptTokens int64
	TotalTokens  int64
	Records      int64
}

// RecordUsage stores one usage record. A record with zero tokens on both
// counted fields is a no-op and is not stored.
func (s *Store) RecordUsage(ctx context.Context, clientID, model, operation string, promptTokens, totalTokens int) error {
	if clientID == "" {
		return errors.New("client id is required")
	}
	if promptTokens == 0 && totalTokens == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (id, client_id, model, operation, prompt_tokens, total_tokens, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, uuid.NewString(), clientID, model, operation, promptTokens, totalTokens)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// GetUsageTotals sums a client's usage, optionally narrowed by model,
// operation, and a time window. Zero times leave the window open on that
// side.
func (s *Store) GetUsageTotals(ctx context.Context, clientID, model, operation string, from, to time.Time) (*UsageTotals, error) {
	if clientID == "" {
		return nil, errors.New("client id is required")
	}

	query := `
		SELECT COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(total_tokens), 0), COUNT(*)
		FROM usage_records
		WHERE client_id = $1
	`
	args := []any{clientID}
	if model != "" {
		args = append(args, model)
		query += fmt.Sprintf(" AND model = $%d", len(args))
	}
	if operation != "" {
		args = append(args, operation)
		query += fmt.Sprintf(" AND operation = $%d", len(args))
	}
	if !from.IsZero() {
		args = append(args, from)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !to.IsZero() {
		args = append(args, to)
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}

	var totals UsageTotals
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&totals.PromptTokens, &totals.TotalTokens, &totals.Records); err != nil {
		return nil, fmt.Errorf("usage totals: %w", err)
	}
	return &totals, nil
}
