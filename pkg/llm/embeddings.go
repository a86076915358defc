package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// EmbedResult carries the vectors for one batch plus the provider's reported
// token usage, so callers can meter embedding cost per operation.
type EmbedResult struct {
	Vectors      [][]float32
	PromptTokens int
	TotalTokens  int
}

// EmbeddingClient computes fixed-dimension embeddings for a batch of inputs.
type EmbeddingClient interface {
	Embed(ctx context.Context, inputs []string) (EmbedResult, error)
}

// Config holds embedding provider configuration.
type Config struct {
	APIKey     string
	APIURL     string
	Model      string
	MaxRetries int
	Backoff    time.Duration
}

type EmbeddingProvider struct {
	client     *http.Client
	apiKey     string
	apiURL     string
	model      string
	maxRetries int
	backoff    time.Duration
}

func NewEmbeddingClient(cfg Config) (EmbeddingClient, error) {
	if cfg.Model == "" {
		return nil, errors.New("embedding model is required")
	}
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = "https://api.openai.com/v1"
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}

	return &EmbeddingProvider{
		client:     &http.Client{Timeout: 120 * time.Second},
		apiKey:     cfg.APIKey,
		apiURL:     apiURL,
		model:      cfg.Model,
		maxRetries: maxRetries,
		backoff:    backoff,
	}, nil
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

func (p *EmbeddingProvider) Embed(ctx context.Context, inputs []string) (EmbedResult, error) {
	if len(inputs) == 0 {
		return EmbedResult{}, errors.New("inputs are required")
	}
	payload, err := json.Marshal(embeddingRequest{Model: p.model, Input: inputs})
	if err != nil {
		return EmbedResult{}, fmt.Errorf("embed: marshal request: %w", err)
	}

	body, err := p.postWithRetry(ctx, p.apiURL+"/embeddings", payload)
	if err != nil {
		return EmbedResult{}, err
	}

	var response embeddingResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return EmbedResult{}, fmt.Errorf("embed: decode response: %w", err)
	}
	if len(response.Data) != len(inputs) {
		return EmbedResult{}, fmt.Errorf("embed: unexpected embeddings count: %d", len(response.Data))
	}
	vectors := make([][]float32, 0, len(response.Data))
	for _, entry := range response.Data {
		vectors = append(vectors, entry.Embedding)
	}
	return EmbedResult{
		Vectors:      vectors,
		PromptTokens: response.Usage.PromptTokens,
		TotalTokens:  response.Usage.TotalTokens,
	}, nil
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// postWithRetry POSTs the payload with exponential backoff on transient
// errors, honoring Retry-After when the provider sends one.
func (p *EmbeddingProvider) postWithRetry(ctx context.Context, endpoint string, payload []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			wait := p.backoff * time.Duration(1<<(attempt-1))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("embed: create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if p.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+p.apiKey)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			if readErr != nil {
				return nil, fmt.Errorf("embed: read response: %w", readErr)
			}
			return body, nil
		}
		lastErr = fmt.Errorf("embed: unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body)))
		if !isRetryableStatus(resp.StatusCode) {
			return nil, lastErr
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, parseErr := strconv.Atoi(ra); parseErr == nil && secs > 0 && secs <= 120 {
				timer := time.NewTimer(time.Duration(secs) * time.Second)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, ctx.Err()
				case <-timer.C:
				}
			}
		}
	}
	return nil, fmt.Errorf("embed: request failed after %d attempts: %w", p.maxRetries+1, lastErr)
}
