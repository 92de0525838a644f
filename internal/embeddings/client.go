// Package embeddings turns text into vectors for semantic retrieval,
// using Ollama when it answers and a deterministic local hash
// otherwise.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/yak/internal/httpkit"
)

// Embedder produces one vector per text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ErrEmptyEmbedding is returned when Ollama answers without a vector.
var ErrEmptyEmbedding = errors.New("ollama returned an empty embedding")

// Client generates embeddings using Ollama's /api/embeddings endpoint.
type Client struct {
	baseURL string
	model   string
	client  *http.Client
}

// Config for the Ollama embedding client.
type Config struct {
	BaseURL string // Ollama base URL, e.g. "http://127.0.0.1:11434"
	Model   string // embedding model, e.g. "nemotron-mini"
	Timeout time.Duration
}

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "nemotron-mini"

// New creates an Ollama embedding client.
func New(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		client:  httpkit.NewClient(httpkit.WithTimeout(cfg.Timeout)),
	}
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed creates an embedding for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorMessage(resp.Body, 512)
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, errBody)
	}

	var embedResp embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(embedResp.Embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return embedResp.Embedding, nil
}

// CosineSimilarity computes cosine similarity between two vectors.
// Vectors of different length score 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float32
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
}
