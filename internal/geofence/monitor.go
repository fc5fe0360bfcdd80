// Package geofence turns OS boundary-crossing callbacks for the single armed
// venue into debounced, idempotent attendance events. All state the callback
// relies on is persisted so redelivery after a process restart is harmless.
package geofence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/example/attendance-verifier/internal/attendance"
	"github.com/example/attendance-verifier/internal/metrics"
	"github.com/example/attendance-verifier/internal/offlinequeue"
	"github.com/example/attendance-verifier/internal/persistence"
)

// State is the monitor lifecycle state.
type State string

const (
	StateInactive  State = "INACTIVE"
	StateArmed     State = "ARMED"
	StateTriggered State = "TRIGGERED"
)

// Outcome describes what happened to one boundary callback.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeQueued    Outcome = "queued"
	OutcomeDebounced Outcome = "debounced"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDisarmed  Outcome = "disarmed"
)

// DefaultDebounceWindow is the minimum spacing of same-direction events.
const DefaultDebounceWindow = 30 * time.Second

// Binding ties the monitored region to the event it reports for. It is
// persisted apart from the OS region registration.
type Binding struct {
	EventID string            `json:"event_id"`
	Region  attendance.Region `json:"region"`
	EndsAt  time.Time         `json:"ends_at"`
}

type lastEvent struct {
	Direction attendance.Direction `json:"direction"`
	At        time.Time            `json:"at"`
}

// PermissionChecker reports whether background location access is granted.
type PermissionChecker interface {
	BackgroundLocationGranted(ctx context.Context) (bool, error)
}

// StaticPermissions answers permission checks with a fixed value.
type StaticPermissions bool

// BackgroundLocationGranted implements PermissionChecker.
func (p StaticPermissions) BackgroundLocationGranted(context.Context) (bool, error) {
	return bool(p), nil
}

// RegionMonitor registers the circle with the platform geofencing facility.
type RegionMonitor interface {
	StartMonitoring(ctx context.Context, region attendance.Region) error
	StopMonitoring(ctx context.Context, regionID string) error
}

// Result reports the handling of one transition.
type Result struct {
	Outcome Outcome                   `json:"outcome"`
	Event   *attendance.GeofenceEvent `json:"event,omitempty"`
	Flush   *offlinequeue.FlushResult `json:"flush,omitempty"`
}

// Config wires optional collaborators and tunables.
type Config struct {
	DebounceWindow time.Duration
	DeviceTag      string
	Permissions    PermissionChecker
	Regions        RegionMonitor
	Metrics        *metrics.Collectors
	Logger         *slog.Logger
	Now            func() time.Time
}

// Monitor is the geofence state machine. HandleTransition calls are serialized.
type Monitor struct {
	mu       sync.Mutex
	state    State
	store    persistence.Store
	reporter attendance.GeofenceReporter
	queue    *offlinequeue.Queue
	cfg      Config
	logger   *slog.Logger
}

// NewMonitor creates an inactive monitor.
func NewMonitor(store persistence.Store, reporter attendance.GeofenceReporter, queue *offlinequeue.Queue, cfg Config) *Monitor {
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = DefaultDebounceWindow
	}
	if cfg.Permissions == nil {
		cfg.Permissions = StaticPermissions(true)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Monitor{
		state:    StateInactive,
		store:    store,
		reporter: reporter,
		queue:    queue,
		cfg:      cfg,
		logger:   attendance.DefaultLogger(cfg.Logger),
	}
}

// State returns the current lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Binding returns the persisted binding, if any.
func (m *Monitor) Binding(ctx context.Context) (Binding, bool, error) {
	var binding Binding
	found, err := persistence.GetJSON(ctx, m.store, persistence.KeyGeofenceBinding, &binding)
	if err != nil {
		return Binding{}, false, fmt.Errorf("geofence: load binding: %w", err)
	}
	return binding, found, nil
}

// Start arms monitoring of region for eventID until endsAt. It fails with
// ErrPermissionDenied when background location access is missing.
func (m *Monitor) Start(ctx context.Context, eventID string, region attendance.Region, endsAt time.Time) (err error) {
	logger := attendance.ComponentLogger(ctx, m.logger, "GeofenceMonitor", "Start", "event_id", eventID, "region_id", region.Identifier)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "arming geofence failed", "error", err, "error_kind", attendance.ErrorKind(err))
			return
		}
		logger.InfoContext(ctx, "geofence armed", "ends_at", endsAt)
	}()

	if strings.TrimSpace(eventID) == "" {
		vErr := &attendance.ValidationError{FieldErrors: map[string]string{"event_id": "event id is required"}}
		return vErr
	}
	if vErr := region.Validate(); vErr != nil {
		return vErr
	}

	granted, err := m.cfg.Permissions.BackgroundLocationGranted(ctx)
	if err != nil {
		return fmt.Errorf("geofence: permission check: %w", err)
	}
	if !granted {
		return attendance.ErrPermissionDenied
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Only one venue is monitored at a time.
	previous, found, err := m.Binding(ctx)
	if err != nil {
		logger.WarnContext(ctx, "loading previous binding failed", "error", err)
	}
	if found && m.cfg.Regions != nil && previous.Region.Identifier != region.Identifier {
		if err := m.cfg.Regions.StopMonitoring(ctx, previous.Region.Identifier); err != nil {
			logger.WarnContext(ctx, "stopping previous region failed", "previous_region_id", previous.Region.Identifier, "error", err)
		}
	}

	// A new binding starts without a debounce history.
	if err := persistence.DeleteIfExists(ctx, m.store, persistence.KeyGeofenceLastEvent); err != nil {
		return fmt.Errorf("geofence: clear last event: %w", err)
	}
	binding := Binding{EventID: eventID, Region: region, EndsAt: endsAt.UTC()}
	if err := persistence.PutJSON(ctx, m.store, persistence.KeyGeofenceBinding, binding); err != nil {
		return fmt.Errorf("geofence: persist binding: %w", err)
	}
	if m.cfg.Regions != nil {
		if err := m.cfg.Regions.StartMonitoring(ctx, region); err != nil {
			_ = persistence.DeleteIfExists(ctx, m.store, persistence.KeyGeofenceBinding)
			return fmt.Errorf("geofence: start monitoring: %w", err)
		}
	}
	m.state = StateArmed
	return nil
}

// Stop disarms monitoring and forgets the binding and debounce marker.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(ctx, "stopped")
}

func (m *Monitor) stopLocked(ctx context.Context, reason string) error {
	logger := attendance.ComponentLogger(ctx, m.logger, "GeofenceMonitor", "Stop", "reason", reason)

	binding, found, err := m.Binding(ctx)
	if err != nil {
		return err
	}
	if found && m.cfg.Regions != nil {
		if err := m.cfg.Regions.StopMonitoring(ctx, binding.Region.Identifier); err != nil {
			logger.WarnContext(ctx, "stopping region monitoring failed", "region_id", binding.Region.Identifier, "error", err)
		}
	}
	for _, key := range []string{persistence.KeyGeofenceBinding, persistence.KeyGeofenceLastEvent} {
		if err := persistence.DeleteIfExists(ctx, m.store, key); err != nil {
			return fmt.Errorf("geofence: clear %s: %w", key, err)
		}
	}
	m.state = StateInactive
	logger.InfoContext(ctx, "geofence disarmed", "event_id", binding.EventID)
	return nil
}

// Restore re-enters ARMED from a persisted binding after a restart. A binding
// whose event already ended is cleared instead.
func (m *Monitor) Restore(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	binding, found, err := m.Binding(ctx)
	if err != nil {
		return m.state, err
	}
	if !found {
		m.state = StateInactive
		return m.state, nil
	}
	if m.ended(binding, m.cfg.Now()) {
		if err := m.stopLocked(ctx, "event ended"); err != nil {
			return m.state, err
		}
		return m.state, nil
	}
	if m.cfg.Regions != nil {
		if err := m.cfg.Regions.StartMonitoring(ctx, binding.Region); err != nil {
			return m.state, fmt.Errorf("geofence: restore monitoring: %w", err)
		}
	}
	m.state = StateArmed
	attendance.ComponentLogger(ctx, m.logger, "GeofenceMonitor", "Restore", "event_id", binding.EventID).
		InfoContext(ctx, "geofence restored")
	return m.state, nil
}

// HandleTransition processes one OS boundary callback. Delivery failures are
// queued, never returned; errors report only local persistence problems or a
// missing binding.
func (m *Monitor) HandleTransition(ctx context.Context, transition attendance.Transition) (result Result, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.cfg.Now().UTC()
	logger := attendance.ComponentLogger(ctx, m.logger, "GeofenceMonitor", "HandleTransition",
		"direction", transition.Direction,
		"region_id", transition.RegionID,
	)
	defer func() {
		m.cfg.Metrics.ObserveGeofence(string(transition.Direction), string(result.Outcome))
		if err != nil {
			logger.ErrorContext(ctx, "geofence callback failed", "error", err, "error_kind", attendance.ErrorKind(err))
			return
		}
		logger.InfoContext(ctx, "geofence callback handled", "outcome", result.Outcome)
	}()

	if transition.Direction != attendance.DirectionEnter && transition.Direction != attendance.DirectionExit {
		return Result{Outcome: OutcomeIgnored}, fmt.Errorf("geofence: unknown direction %q", transition.Direction)
	}

	var last lastEvent
	seen, err := persistence.GetJSON(ctx, m.store, persistence.KeyGeofenceLastEvent, &last)
	if err != nil {
		return Result{Outcome: OutcomeIgnored}, fmt.Errorf("geofence: load last event: %w", err)
	}
	if seen && last.Direction == transition.Direction && now.Sub(last.At) < m.cfg.DebounceWindow {
		return Result{Outcome: OutcomeDebounced}, nil
	}

	binding, found, err := m.Binding(ctx)
	if err != nil {
		return Result{Outcome: OutcomeIgnored}, err
	}
	if !found {
		return Result{Outcome: OutcomeIgnored}, attendance.ErrNoActiveBinding
	}
	if m.ended(binding, now) {
		if err := m.stopLocked(ctx, "event ended"); err != nil {
			return Result{Outcome: OutcomeIgnored}, err
		}
		return Result{Outcome: OutcomeDisarmed}, nil
	}
	if !binding.Region.Notifies(transition.Direction) {
		return Result{Outcome: OutcomeIgnored}, nil
	}

	// The marker records emitted events only, and is durable before delivery.
	if err := persistence.PutJSON(ctx, m.store, persistence.KeyGeofenceLastEvent, lastEvent{Direction: transition.Direction, At: now}); err != nil {
		return Result{Outcome: OutcomeIgnored}, fmt.Errorf("geofence: persist last event: %w", err)
	}

	m.state = StateTriggered
	defer func() {
		if m.state == StateTriggered {
			m.state = StateArmed
		}
	}()

	regionID := transition.RegionID
	if regionID == "" {
		regionID = binding.Region.Identifier
	}
	event := attendance.GeofenceEvent{
		EventID:        binding.EventID,
		Direction:      transition.Direction,
		Timestamp:      now,
		RegionID:       regionID,
		AccuracyMeters: transition.AccuracyMeters,
		DeviceTag:      m.cfg.DeviceTag,
		IdempotencyKey: IdempotencyKey(binding.EventID, regionID, transition.Direction, now, m.cfg.DebounceWindow),
	}
	logger = logger.With("idempotency_key", event.IdempotencyKey)

	deliverErr := m.deliver(ctx, event)
	if deliverErr == nil {
		return Result{Outcome: OutcomeDelivered, Event: &event}, nil
	}
	logger.WarnContext(ctx, "direct delivery failed, queueing", "error", deliverErr, "error_kind", attendance.ErrorKind(deliverErr))

	if m.queue == nil {
		return Result{Outcome: OutcomeIgnored, Event: &event}, errors.New("geofence: no offline queue configured")
	}
	if err := m.queue.Enqueue(ctx, event); err != nil {
		return Result{Outcome: OutcomeIgnored, Event: &event}, err
	}
	flush, flushErr := m.queue.FlushOnce(ctx, m.deliver)
	if flushErr != nil {
		logger.WarnContext(ctx, "best-effort flush failed", "error", flushErr)
		return Result{Outcome: OutcomeQueued, Event: &event}, nil
	}
	return Result{Outcome: OutcomeQueued, Event: &event, Flush: &flush}, nil
}

// Flush replays the offline queue through the reporter.
func (m *Monitor) Flush(ctx context.Context) (offlinequeue.FlushResult, error) {
	if m.queue == nil {
		return offlinequeue.FlushResult{}, nil
	}
	return m.queue.FlushOnce(ctx, m.deliver)
}

func (m *Monitor) deliver(ctx context.Context, event attendance.GeofenceEvent) (err error) {
	if m.reporter == nil {
		return fmt.Errorf("geofence: no reporter: %w", attendance.ErrNetworkFailure)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("geofence: reporter panicked: %v: %w", p, attendance.ErrNetworkFailure)
		}
	}()
	return m.reporter.ReportGeofenceEvent(ctx, event)
}

func (m *Monitor) ended(binding Binding, now time.Time) bool {
	return !binding.EndsAt.IsZero() && now.After(binding.EndsAt)
}

// IdempotencyKey is the hex SHA-256 of "eventId|regionId|direction|bucket"
// where bucket is the debounce window containing at. Retries inside one window
// share a key.
func IdempotencyKey(eventID, regionID string, direction attendance.Direction, at time.Time, window time.Duration) string {
	seconds := int64(window / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	bucket := at.Unix() / seconds
	if at.Unix() < 0 && at.Unix()%seconds != 0 {
		bucket--
	}
	payload := strings.Join([]string{eventID, regionID, string(direction), strconv.FormatInt(bucket, 10)}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
