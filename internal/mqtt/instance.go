package mqtt

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nugget/yak/internal/opstate"
)

// instanceKey is the opstate key of the stable instance id.
const instanceKey = "id"

// KV is the slice of opstate the instance id needs.
type KV interface {
	Get(ctx context.Context, namespace, key string) (string, error)
	Set(ctx context.Context, namespace, key, value string) error
}

// LoadOrCreateInstanceID returns the persisted instance id, generating
// and storing a UUIDv7 on first use. The id names the MQTT client and
// appears in every state payload, so it must not change across
// restarts or device renames.
func LoadOrCreateInstanceID(ctx context.Context, kv KV) (string, error) {
	id, err := kv.Get(ctx, opstate.NamespaceInstance, instanceKey)
	if err != nil {
		return "", fmt.Errorf("load instance ID: %w", err)
	}
	if id != "" {
		return id, nil
	}

	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}
	if err := kv.Set(ctx, opstate.NamespaceInstance, instanceKey, u.String()); err != nil {
		return "", fmt.Errorf("persist instance ID: %w", err)
	}
	return u.String(), nil
}
