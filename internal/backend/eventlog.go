package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/attendance-verifier/internal/attendance"
)

// RESTEventLog appends geofence events to the backend's event table endpoint,
// ignoring rows whose idempotency key already exists.
type RESTEventLog struct {
	client *Client
	table  string
}

// NewRESTEventLog writes through client to <base>/<table>.
func NewRESTEventLog(client *Client, table string) *RESTEventLog {
	if table == "" {
		table = "geofence_events"
	}
	return &RESTEventLog{client: client, table: table}
}

// AppendGeofenceEvent implements EventLog.
func (l *RESTEventLog) AppendGeofenceEvent(ctx context.Context, event attendance.GeofenceEvent) error {
	headers := map[string]string{"Prefer": "resolution=ignore-duplicates,return=minimal"}
	url := l.client.baseURL + "/" + l.table + "?on_conflict=idempotency_key"
	return l.client.postJSON(ctx, url, headers, newGeofenceBody(event), nil)
}

const geofenceEventsSchema = `
CREATE TABLE IF NOT EXISTS geofence_events (
	idempotency_key TEXT PRIMARY KEY,
	event_id TEXT NOT NULL,
	direction TEXT NOT NULL CHECK (direction IN ('ENTER', 'EXIT')),
	at_utc TIMESTAMPTZ NOT NULL,
	region_id TEXT,
	accuracy_meters DOUBLE PRECISION,
	device_tag TEXT,
	received_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresEventLog writes geofence events straight into a PostgreSQL table.
type PostgresEventLog struct {
	Pool *pgxpool.Pool
}

// ConnectEventLog opens a pool for dsn.
func ConnectEventLog(ctx context.Context, dsn string) (*PostgresEventLog, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("backend: parse event log dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("backend: event log pool: %w", err)
	}
	return &PostgresEventLog{Pool: pool}, nil
}

// Close releases the pool.
func (l *PostgresEventLog) Close() {
	if l.Pool != nil {
		l.Pool.Close()
	}
}

// Ready pings the database.
func (l *PostgresEventLog) Ready(ctx context.Context) error {
	var one int
	return l.Pool.QueryRow(ctx, "select 1").Scan(&one)
}

// Migrate creates the event table when missing.
func (l *PostgresEventLog) Migrate(ctx context.Context) error {
	if _, err := l.Pool.Exec(ctx, geofenceEventsSchema); err != nil {
		return fmt.Errorf("backend: migrate event log: %w", err)
	}
	return nil
}

// AppendGeofenceEvent implements EventLog. Database failures are reported as
// network failures so callers keep the event queued.
func (l *PostgresEventLog) AppendGeofenceEvent(ctx context.Context, event attendance.GeofenceEvent) error {
	if l == nil || l.Pool == nil {
		return errors.New("backend: event log is not connected")
	}
	const query = `
INSERT INTO geofence_events (idempotency_key, event_id, direction, at_utc, region_id, accuracy_meters, device_tag)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, NULLIF($7, ''))
ON CONFLICT (idempotency_key) DO NOTHING`
	_, err := l.Pool.Exec(ctx, query,
		event.IdempotencyKey,
		event.EventID,
		string(event.Direction),
		event.Timestamp.UTC(),
		event.RegionID,
		event.AccuracyMeters,
		event.DeviceTag,
	)
	if err != nil {
		return fmt.Errorf("%w: event log insert: %v", attendance.ErrNetworkFailure, err)
	}
	return nil
}
