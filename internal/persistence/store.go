package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Well-known keys of device-local state kept outside any scanning session.
const (
	KeyGeofenceBinding   = "geofence.binding"
	KeyGeofenceLastEvent = "geofence.last_event"
	KeyOfflineQueue      = "geofence.offline_queue"
	KeyDeviceTag         = "device.tag"
)

// Store persists opaque blobs under string keys. A successful Put is durable
// before it returns.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// GetJSON decodes the value stored under key into dst. It reports false when
// the key is absent.
func GetJSON(ctx context.Context, store Store, key string, dst any) (bool, error) {
	raw, err := store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("persistence: decode %s: %w", key, err)
	}
	return true, nil
}

// PutJSON encodes value and stores it under key.
func PutJSON(ctx context.Context, store Store, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("persistence: encode %s: %w", key, err)
	}
	return store.Put(ctx, key, raw)
}

// DeleteIfExists removes key, treating a missing key as success.
func DeleteIfExists(ctx context.Context, store Store, key string) error {
	if err := store.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}
