package sqlite

import (
	"fmt"
	"strings"
	"time"
)

// Config holds SQLite connection settings for the device-local store.
type Config struct {
	// DSN is the database file path or connection string.
	DSN string

	// BusyTimeout sets how long to wait for database locks.
	BusyTimeout time.Duration

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.).
	JournalMode string

	// Synchronous sets the synchronous mode (FULL, NORMAL, OFF). FULL keeps
	// every committed write on disk across power loss.
	Synchronous string
}

// DefaultConfig returns settings suited to a single-writer device store.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:         dsn,
		BusyTimeout: 5 * time.Second,
		JournalMode: "WAL",
		Synchronous: "FULL",
	}
}

// Validate checks the configuration before a connection is opened.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("sqlite: DSN cannot be empty")
	}
	if c.BusyTimeout < 0 {
		return fmt.Errorf("sqlite: BusyTimeout cannot be negative")
	}

	validJournalModes := map[string]bool{
		"DELETE":   true,
		"TRUNCATE": true,
		"PERSIST":  true,
		"MEMORY":   true,
		"WAL":      true,
	}
	if c.JournalMode != "" && !validJournalModes[strings.ToUpper(c.JournalMode)] {
		return fmt.Errorf("sqlite: invalid journal mode: %s", c.JournalMode)
	}

	validSyncModes := map[string]bool{
		"NORMAL": true,
		"FULL":   true,
		"EXTRA":  true,
	}
	if c.Synchronous != "" && !validSyncModes[strings.ToUpper(c.Synchronous)] {
		return fmt.Errorf("sqlite: invalid synchronous mode: %s", c.Synchronous)
	}
	return nil
}

func (c Config) pragmas() []string {
	statements := make([]string, 0, 3)
	if c.BusyTimeout > 0 {
		statements = append(statements, fmt.Sprintf("PRAGMA busy_timeout = %d", c.BusyTimeout.Milliseconds()))
	}
	if c.JournalMode != "" {
		statements = append(statements, "PRAGMA journal_mode = "+strings.ToUpper(c.JournalMode))
	}
	if c.Synchronous != "" {
		statements = append(statements, "PRAGMA synchronous = "+strings.ToUpper(c.Synchronous))
	}
	return statements
}
