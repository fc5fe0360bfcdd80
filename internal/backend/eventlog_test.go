package backend

import (
	"context"
	"os"
	"testing"
	"time"
)

// Runs against a real database when ATTENDANCE_TEST_EVENT_LOG_DSN is set.
func TestPostgresEventLogIgnoresDuplicates(t *testing.T) {
	dsn := os.Getenv("ATTENDANCE_TEST_EVENT_LOG_DSN")
	if dsn == "" {
		t.Skip("ATTENDANCE_TEST_EVENT_LOG_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log, err := ConnectEventLog(ctx, dsn)
	if err != nil {
		t.Fatalf("ConnectEventLog failed: %v", err)
	}
	defer log.Close()
	if err := log.Ready(ctx); err != nil {
		t.Fatalf("Ready failed: %v", err)
	}
	if err := log.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	event := sampleEvent()
	event.IdempotencyKey = "test-" + time.Now().UTC().Format(time.RFC3339Nano)
	for i := 0; i < 2; i++ {
		if err := log.AppendGeofenceEvent(ctx, event); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}

	var count int
	if err := log.Pool.QueryRow(ctx, "SELECT count(*) FROM geofence_events WHERE idempotency_key = $1", event.IdempotencyKey).Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one row, got %d", count)
	}
}

func TestPostgresEventLogRequiresPool(t *testing.T) {
	var log *PostgresEventLog
	if err := log.AppendGeofenceEvent(context.Background(), sampleEvent()); err == nil {
		t.Fatalf("expected error for nil event log")
	}
}
