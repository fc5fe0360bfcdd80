package persistence

import "errors"

var (
	// ErrNotFound is returned when no value is stored under the requested key.
	ErrNotFound = errors.New("persistence: not found")
	// ErrInvalidKey is returned for empty keys.
	ErrInvalidKey = errors.New("persistence: invalid key")
)
