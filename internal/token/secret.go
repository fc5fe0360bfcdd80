package token

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// DeriveEventSecret derives the per-event signing secret from the device master
// secret with HKDF-SHA256, so a leaked event secret does not expose others.
func DeriveEventSecret(master []byte, eventID string) (string, error) {
	if len(master) == 0 {
		return "", fmt.Errorf("token: master secret is empty")
	}
	if strings.TrimSpace(eventID) == "" {
		return "", fmt.Errorf("token: event id is required")
	}
	reader := hkdf.New(sha256.New, master, nil, []byte("checkin-token|"+eventID))
	out := make([]byte, 32)
	if _, err := io.ReadFull(reader, out); err != nil {
		return "", fmt.Errorf("token: derive secret: %w", err)
	}
	return hex.EncodeToString(out), nil
}
