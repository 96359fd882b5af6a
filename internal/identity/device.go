package identity

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kirana-ledger/ledger/internal/types"
)

// DeviceIDKey is the settings key holding the device's principal id.
const DeviceIDKey = "device_id"

// KV is the settings store DeviceProvider keeps its id in.
type KV interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

// DeviceProvider signs in as a stable per-device principal, for backends
// that authenticate the process rather than the user. The id is minted on
// first use and persisted.
type DeviceProvider struct {
	store KV
}

// NewDeviceProvider creates a provider persisting its id in store.
func NewDeviceProvider(store KV) *DeviceProvider {
	return &DeviceProvider{store: store}
}

// SignIn implements Provider.
func (d *DeviceProvider) SignIn(ctx context.Context) (types.Principal, error) {
	id, ok, err := d.store.Get(DeviceIDKey)
	if err != nil {
		return types.Principal{}, fmt.Errorf("failed to read device id: %w", err)
	}
	if !ok || id == "" {
		id = uuid.NewString()
		if err := d.store.Set(DeviceIDKey, id); err != nil {
			return types.Principal{}, fmt.Errorf("failed to store device id: %w", err)
		}
	}
	return types.Principal{ID: id}, nil
}
