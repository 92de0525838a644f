package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nugget/yak/internal/embeddings"
	"github.com/nugget/yak/internal/opstate"
	"github.com/nugget/yak/internal/storage"
)

// AssetSource is the subset of the asset store retrieval reads.
type AssetSource interface {
	Get(ctx context.Context, id string) (*storage.Asset, error)
	All(ctx context.Context, limit int) ([]*storage.Asset, error)
}

// StateStore persists index entries between runs.
type StateStore interface {
	List(ctx context.Context, namespace string) (map[string]string, error)
	SetJSON(ctx context.Context, namespace, key string, v any) error
	Delete(ctx context.Context, namespace, key string) error
}

// Result is one semantic match, resolved against the asset store.
type Result struct {
	AssetID   string  `json:"asset_id"`
	Score     float32 `json:"score"`
	Prompt    string  `json:"prompt"`
	FilePath  string  `json:"file_path"`
	AssetType string  `json:"asset_type"`
	Model     string  `json:"model"`
}

// Service indexes assets and answers similarity queries.
type Service struct {
	assets   AssetSource
	embedder embeddings.Embedder
	state    StateStore
	index    *Index
	logger   *slog.Logger
}

// NewService builds a service and loads any persisted index entries
// from state. state may be nil for a purely in-memory index.
func NewService(ctx context.Context, assets AssetSource, embedder embeddings.Embedder, state StateStore, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		assets:   assets,
		embedder: embedder,
		state:    state,
		index:    NewIndex(),
		logger:   logger,
	}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) load(ctx context.Context) error {
	if s.state == nil {
		return nil
	}
	raw, err := s.state.List(ctx, opstate.NamespaceRetrieval)
	if err != nil {
		return fmt.Errorf("load retrieval index: %w", err)
	}
	for id, v := range raw {
		var e entry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			s.logger.Warn("skipping corrupt retrieval entry", "asset_id", id, "error", err)
			continue
		}
		s.index.Upsert(id, e.Vector, e.Meta)
	}
	s.logger.Debug("retrieval index loaded", "entries", s.index.Len())
	return nil
}

// IndexText is the text embedded for an asset.
func IndexText(a *storage.Asset) string {
	return fmt.Sprintf("prompt: %s\nmodel: %s\ntype: %s", a.Prompt, a.Model, a.AssetType)
}

// IndexAsset embeds a and stores its vector.
func (s *Service) IndexAsset(ctx context.Context, a *storage.Asset) error {
	vec, err := s.embedder.Embed(ctx, IndexText(a))
	if err != nil {
		return fmt.Errorf("embed asset %s: %w", a.ID, err)
	}
	meta := map[string]string{
		"user_id":    a.UserID,
		"session_id": a.SessionID,
		"prompt":     a.Prompt,
		"asset_type": a.AssetType,
	}
	s.index.Upsert(a.ID, vec, meta)
	if s.state != nil {
		if err := s.state.SetJSON(ctx, opstate.NamespaceRetrieval, a.ID, entry{Vector: vec, Meta: meta}); err != nil {
			return fmt.Errorf("persist index entry: %w", err)
		}
	}
	return nil
}

// Forget drops an asset from the index.
func (s *Service) Forget(ctx context.Context, id string) error {
	s.index.Delete(id)
	if s.state == nil {
		return nil
	}
	return s.state.Delete(ctx, opstate.NamespaceRetrieval, id)
}

// Backfill indexes up to limit stored assets and returns how many were
// indexed.
func (s *Service) Backfill(ctx context.Context, limit int) (int, error) {
	assets, err := s.assets.All(ctx, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range assets {
		if err := s.IndexAsset(ctx, a); err != nil {
			return n, err
		}
		n++
	}
	s.logger.Info("retrieval backfill complete", "indexed", n)
	return n, nil
}

// Search returns up to topK assets similar to query that satisfy f.
// The index is over-fetched so filtering still leaves enough results.
func (s *Service) Search(ctx context.Context, query string, topK int, f storage.Filter) ([]Result, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return s.resolve(ctx, s.index.Query(vec, topK*3), topK, f)
}

// SearchByAssetID returns assets similar to the given one, excluding
// it. An asset not yet in the index is indexed on demand; an unknown
// id yields no results.
func (s *Service) SearchByAssetID(ctx context.Context, id string, topK int, f storage.Filter) ([]Result, error) {
	vec, ok := s.index.Vector(id)
	if !ok {
		a, err := s.assets.Get(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if err := s.IndexAsset(ctx, a); err != nil {
			return nil, err
		}
		vec, _ = s.index.Vector(id)
	}

	hits := s.index.Query(vec, topK+3)
	filtered := hits[:0]
	for _, h := range hits {
		if h.ID != id {
			filtered = append(filtered, h)
		}
	}
	return s.resolve(ctx, filtered, topK, f)
}

func (s *Service) resolve(ctx context.Context, hits []Hit, topK int, f storage.Filter) ([]Result, error) {
	if topK < 1 {
		topK = 1
	}
	out := []Result{}
	for _, h := range hits {
		a, err := s.assets.Get(ctx, h.ID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !f.Matches(a) {
			continue
		}
		out = append(out, Result{
			AssetID:   a.ID,
			Score:     h.Score,
			Prompt:    a.Prompt,
			FilePath:  a.FilePath,
			AssetType: a.AssetType,
			Model:     a.Model,
		})
		if len(out) >= topK {
			break
		}
	}
	return out, nil
}
