// Package sqlite implements the durable key/value store behind the geofence
// binding, the debounce marker and the offline queue.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/attendance-verifier/internal/persistence"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv_entries (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at TEXT NOT NULL
)`

const lockRetries = 4

// Store implements persistence.Store on a SQLite table.
type Store struct {
	pool *ConnectionPool
	now  func() time.Time
}

// Open connects to the database at dsn using DefaultConfig.
func Open(dsn string) (*Store, error) {
	return OpenWithConfig(DefaultConfig(dsn))
}

// OpenWithConfig connects to the database described by config.
func OpenWithConfig(config Config) (*Store, error) {
	pool, err := NewConnectionPool(config)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, now: time.Now}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	return s.pool.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.DB().PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: ping: %w", err)
	}
	return nil
}

// Migrate creates the schema when missing.
func (s *Store) Migrate(ctx context.Context) error {
	return s.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("sqlite: create kv_entries: %w", err)
		}
		return nil
	})
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if strings.TrimSpace(key) == "" {
		return nil, persistence.ErrInvalidKey
	}

	var value []byte
	err := retryLocked(ctx, lockRetries, func() error {
		return s.pool.DB().QueryRowContext(ctx, `SELECT value FROM kv_entries WHERE key = ?`, key).Scan(&value)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get %s: %w", key, err)
	}
	return value, nil
}

// Put upserts value under key inside a committed transaction.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if strings.TrimSpace(key) == "" {
		return persistence.ErrInvalidKey
	}
	if value == nil {
		value = []byte{}
	}
	updatedAt := s.now().UTC().Format(time.RFC3339Nano)

	err := retryLocked(ctx, lockRetries, func() error {
		return s.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO kv_entries (key, value, updated_at) VALUES (?, ?, ?)
				ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
				key, value, updatedAt,
			)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("sqlite: put %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	var affected int64
	err := retryLocked(ctx, lockRetries, func() error {
		result, err := s.pool.DB().ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("sqlite: delete %s: %w", key, err)
	}
	if affected == 0 {
		return persistence.ErrNotFound
	}
	return nil
}
