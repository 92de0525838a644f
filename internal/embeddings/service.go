package embeddings

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"math"
	"strings"
)

// Backends accepted by [NewService].
const (
	BackendAuto   = "auto"
	BackendOllama = "ollama"
	BackendHash   = "hash"
)

// MinHashDim is the smallest vector size the hash backend produces.
const MinHashDim = 32

// Service picks a backend per call. Auto tries Ollama first and falls
// back to the hash embedding on any failure; ollama surfaces the
// failure instead; hash never touches the network.
type Service struct {
	backend string
	ollama  Embedder
	dim     int
	logger  *slog.Logger
}

// NewService builds a service. ollama may be nil for the hash backend.
func NewService(backend string, ollama Embedder, dim int, logger *slog.Logger) (*Service, error) {
	switch backend {
	case "":
		backend = BackendAuto
	case BackendAuto, BackendOllama, BackendHash:
	default:
		return nil, fmt.Errorf("unknown embeddings backend %q", backend)
	}
	if backend != BackendHash && ollama == nil {
		return nil, fmt.Errorf("embeddings backend %q needs an Ollama client", backend)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{backend: backend, ollama: ollama, dim: dim, logger: logger}, nil
}

// Embed returns the embedding of text.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.backend != BackendHash {
		vec, err := s.ollama.Embed(ctx, text)
		if err == nil {
			return vec, nil
		}
		if s.backend == BackendOllama {
			return nil, fmt.Errorf("ollama embedding: %w", err)
		}
		s.logger.Debug("ollama embedding unavailable, using hash", "error", err)
	}
	return HashEmbedding(text, s.dim), nil
}

// HashEmbedding is a deterministic bag-of-tokens embedding: each
// lowercased whitespace token's SHA-256 digest is folded into dim
// buckets (at least [MinHashDim]) and the sum is L2-normalized.
func HashEmbedding(text string, dim int) []float32 {
	if dim < MinHashDim {
		dim = MinHashDim
	}
	values := make([]float64, dim)

	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		tokens = []string{""}
	}
	for _, tok := range tokens {
		sum := sha256.Sum256([]byte(tok))
		for i, b := range sum {
			values[i%dim] += float64(b)/255.0 - 0.5
		}
	}

	var norm float64
	for _, v := range values {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		norm = 1
	}

	out := make([]float32, dim)
	for i, v := range values {
		out[i] = float32(v / norm)
	}
	return out
}
