package tools

import (
	"context"

	"github.com/nugget/yak/internal/retrieval"
	"github.com/nugget/yak/internal/storage"
)

// Searcher answers semantic similarity queries over stored assets.
type Searcher interface {
	Search(ctx context.Context, query string, topK int, f storage.Filter) ([]retrieval.Result, error)
	SearchByAssetID(ctx context.Context, id string, topK int, f storage.Filter) ([]retrieval.Result, error)
}

func hitsJSON(hits []retrieval.Result) (string, error) {
	if hits == nil {
		hits = []retrieval.Result{}
	}
	return toJSON(hits)
}

// SetSearcher registers search_similar and search_by_asset_id.
func (r *Registry) SetSearcher(s Searcher) {
	props := func(key string) map[string]any {
		return map[string]any{
			key:          map[string]any{"type": "string", "minLength": 1},
			"top_k":      map[string]any{"type": "integer", "minimum": 1, "maximum": 50},
			"user_id":    map[string]any{"type": "string"},
			"session_id": map[string]any{"type": "string"},
		}
	}

	r.Register(&Tool{
		Name:        "search_similar",
		Description: "Search stored assets by semantic similarity to a query.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": props("query"),
			"required":   []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			hits, err := s.Search(ctx, stringArg(args, "query"), intArg(args, "top_k", 5), assetFilter(args))
			if err != nil {
				return "", err
			}
			return hitsJSON(hits)
		},
	})

	r.Register(&Tool{
		Name:        "search_by_asset_id",
		Description: "Find assets similar to a known asset_id.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": props("asset_id"),
			"required":   []string{"asset_id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			hits, err := s.SearchByAssetID(ctx, stringArg(args, "asset_id"), intArg(args, "top_k", 5), assetFilter(args))
			if err != nil {
				return "", err
			}
			return hitsJSON(hits)
		},
	})
}
