package tools

import (
	"context"
	"errors"

	"github.com/nugget/yak/internal/storage"
)

// AssetStore is the read side of the asset store.
type AssetStore interface {
	Get(ctx context.Context, id string) (*storage.Asset, error)
	ListRecent(ctx context.Context, f storage.Filter, limit int) ([]*storage.Asset, error)
	SearchPrompt(ctx context.Context, query string, f storage.Filter, limit int) ([]*storage.Asset, error)
}

func assetFilterSchema() map[string]any {
	return map[string]any{
		"user_id":    map[string]any{"type": "string"},
		"session_id": map[string]any{"type": "string"},
		"limit":      map[string]any{"type": "integer", "minimum": 1, "maximum": 200},
	}
}

func assetFilter(args map[string]any) storage.Filter {
	return storage.Filter{UserID: stringArg(args, "user_id"), SessionID: stringArg(args, "session_id")}
}

func assetsJSON(assets []*storage.Asset) (string, error) {
	if assets == nil {
		assets = []*storage.Asset{}
	}
	return toJSON(assets)
}

// SetAssetStore registers the storage query tools.
func (r *Registry) SetAssetStore(store AssetStore) {
	r.Register(&Tool{
		Name:        "storage_list_recent",
		Description: "List recent stored assets, optionally filtered by user_id and session_id.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": assetFilterSchema(),
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			assets, err := store.ListRecent(ctx, assetFilter(args), intArg(args, "limit", 20))
			if err != nil {
				return "", err
			}
			return assetsJSON(assets)
		},
	})

	searchProps := assetFilterSchema()
	searchProps["query"] = map[string]any{"type": "string", "minLength": 1}
	r.Register(&Tool{
		Name:        "storage_search_prompt",
		Description: "Search stored assets by prompt text, optionally filtered by user and session.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": searchProps,
			"required":   []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			assets, err := store.SearchPrompt(ctx, stringArg(args, "query"), assetFilter(args), intArg(args, "limit", 20))
			if err != nil {
				return "", err
			}
			return assetsJSON(assets)
		},
	})

	r.Register(&Tool{
		Name:        "storage_get_asset",
		Description: "Get one stored asset by asset_id.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"asset_id": map[string]any{"type": "string", "minLength": 1},
			},
			"required": []string{"asset_id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			a, err := store.Get(ctx, stringArg(args, "asset_id"))
			if errors.Is(err, storage.ErrNotFound) {
				return "Error: Asset not found", nil
			}
			if err != nil {
				return "", err
			}
			return assetsJSON([]*storage.Asset{a})
		},
	})
}
