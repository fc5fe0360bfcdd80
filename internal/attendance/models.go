package attendance

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Direction is the boundary crossing direction reported for a geofence region.
type Direction string

const (
	DirectionEnter Direction = "ENTER"
	DirectionExit  Direction = "EXIT"
)

// ParseDirection accepts the canonical names case-insensitively.
func ParseDirection(value string) (Direction, error) {
	switch Direction(strings.ToUpper(strings.TrimSpace(value))) {
	case DirectionEnter:
		return DirectionEnter, nil
	case DirectionExit:
		return DirectionExit, nil
	}
	return "", fmt.Errorf("attendance: unknown direction %q", value)
}

// Region is the circular venue boundary armed for monitoring.
type Region struct {
	Identifier    string  `json:"identifier"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	RadiusMeters  float64 `json:"radius_meters"`
	NotifyOnEnter bool    `json:"notify_on_enter"`
	NotifyOnExit  bool    `json:"notify_on_exit"`
}

// Validate reports field level problems with the region.
func (r Region) Validate() *ValidationError {
	vErr := &ValidationError{}
	if strings.TrimSpace(r.Identifier) == "" {
		vErr.add("identifier", "identifier is required")
	}
	if math.IsNaN(r.Latitude) || r.Latitude < -90 || r.Latitude > 90 {
		vErr.add("latitude", "latitude must be within [-90, 90]")
	}
	if math.IsNaN(r.Longitude) || r.Longitude < -180 || r.Longitude > 180 {
		vErr.add("longitude", "longitude must be within [-180, 180]")
	}
	if math.IsNaN(r.RadiusMeters) || r.RadiusMeters <= 0 {
		vErr.add("radius_meters", "radius must be positive")
	}
	if !r.NotifyOnEnter && !r.NotifyOnExit {
		vErr.add("notify", "at least one of enter or exit must be notified")
	}
	if vErr.HasErrors() {
		return vErr
	}
	return nil
}

// Notifies reports whether the region is configured to report the direction.
func (r Region) Notifies(direction Direction) bool {
	switch direction {
	case DirectionEnter:
		return r.NotifyOnEnter
	case DirectionExit:
		return r.NotifyOnExit
	}
	return false
}

// GeofenceEvent is one accepted boundary crossing, also the queued representation.
type GeofenceEvent struct {
	EventID        string    `json:"event_id"`
	Direction      Direction `json:"direction"`
	Timestamp      time.Time `json:"timestamp"`
	RegionID       string    `json:"region_id,omitempty"`
	AccuracyMeters *float64  `json:"accuracy_meters,omitempty"`
	DeviceTag      string    `json:"device_tag,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// Transition is the raw callback payload delivered by the OS geofencing facility.
type Transition struct {
	Direction      Direction
	RegionID       string
	AccuracyMeters *float64
}

// CheckinRequest is submitted to the backend for each accepted scan.
type CheckinRequest struct {
	Token     string
	PIN       string
	DeviceTag string
	EventID   string
}

// CheckinReceipt is the backend confirmation for a credited check-in.
type CheckinReceipt struct {
	UserID         string
	CheckedInAtUTC time.Time
}

// ValidationError captures field level issues callers can surface to operators.
type ValidationError struct {
	FieldErrors map[string]string
}

// Error implements the error interface.
func (v *ValidationError) Error() string {
	if v == nil {
		return ""
	}
	return "validation failed"
}

// HasErrors reports whether any field level issues were recorded.
func (v *ValidationError) HasErrors() bool {
	return v != nil && len(v.FieldErrors) > 0
}

func (v *ValidationError) add(field, message string) {
	if v.FieldErrors == nil {
		v.FieldErrors = make(map[string]string)
	}
	v.FieldErrors[field] = message
}
