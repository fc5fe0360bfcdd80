// Package device keeps the stable per-install tag attached to geofence events
// and check-in submissions.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/example/attendance-verifier/internal/persistence"
)

// LoadOrCreateTag returns the persisted tag, creating it with generate on
// first use. A nil generate uses random UUIDs.
func LoadOrCreateTag(ctx context.Context, store persistence.Store, generate func() string) (string, error) {
	raw, err := store.Get(ctx, persistence.KeyDeviceTag)
	switch {
	case err == nil && strings.TrimSpace(string(raw)) != "":
		return strings.TrimSpace(string(raw)), nil
	case err != nil && !errors.Is(err, persistence.ErrNotFound):
		return "", fmt.Errorf("device: load tag: %w", err)
	}

	if generate == nil {
		generate = uuid.NewString
	}
	tag := generate()
	if strings.TrimSpace(tag) == "" {
		return "", errors.New("device: generated tag is empty")
	}
	if err := store.Put(ctx, persistence.KeyDeviceTag, []byte(tag)); err != nil {
		return "", fmt.Errorf("device: persist tag: %w", err)
	}
	return tag, nil
}
