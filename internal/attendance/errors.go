package attendance

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidToken is returned for malformed tokens and signature mismatches.
	ErrInvalidToken = errors.New("attendance: invalid token")
	// ErrStaleToken is returned when a token's slot drifted past the accepted age.
	ErrStaleToken = errors.New("attendance: stale token")
	// ErrEventMismatch is returned when a token was minted for another event.
	ErrEventMismatch = errors.New("attendance: event mismatch")
	// ErrRateLimited is returned while scanning is paused by the rate limiter.
	ErrRateLimited = errors.New("attendance: rate limited")
	// ErrDuplicateScan is returned when the same token was read moments ago.
	ErrDuplicateScan = errors.New("attendance: duplicate scan")
	// ErrUserCooldown is returned when a holder was credited too recently.
	ErrUserCooldown = errors.New("attendance: user cooldown")
	// ErrPinExpired is returned when the session PIN is missing or past its TTL.
	ErrPinExpired = errors.New("attendance: pin expired")
	// ErrNetworkFailure marks recoverable transport failures.
	ErrNetworkFailure = errors.New("attendance: network failure")
	// ErrBackendRejection marks non-recoverable business rule rejections.
	ErrBackendRejection = errors.New("attendance: backend rejection")

	// ErrPermissionDenied is returned when background location access is missing.
	ErrPermissionDenied = errors.New("attendance: location permission denied")
	// ErrNoActiveBinding is returned when no event is bound to the monitored region.
	ErrNoActiveBinding = errors.New("attendance: no active geofence binding")
	// ErrSessionClosed is returned by a scan session after Close.
	ErrSessionClosed = errors.New("attendance: scan session closed")
	// ErrRPCUnavailable is returned when the backend does not expose a remote procedure.
	ErrRPCUnavailable = errors.New("attendance: rpc unavailable")
)

// RejectionError carries a business rule rejection reported by the backend.
type RejectionError struct {
	Code    string
	Message string
}

// Error implements the error interface.
func (e *RejectionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return "backend rejected request: " + e.Code
	}
	return "backend rejected request: " + e.Message
}

// Is reports ErrBackendRejection as the sentinel for every RejectionError.
func (e *RejectionError) Is(target error) bool {
	return target == ErrBackendRejection
}

// OperatorMessage maps well-known rejection codes to a short operator-facing text.
func (e *RejectionError) OperatorMessage() string {
	if e == nil {
		return ""
	}
	switch strings.ToLower(strings.TrimSpace(e.Code)) {
	case "already_checked_in":
		return "Already checked in"
	case "invalid_pin", "wrong_pin", "pin_mismatch":
		return "Session PIN rejected, rotate the PIN"
	case "not_registered":
		return "Holder is not registered for this event"
	case "event_closed", "event_ended":
		return "Check-in for this event is closed"
	case "invalid_token":
		return "Code rejected by server"
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		return msg
	}
	return "Check-in rejected"
}

// ErrorKind maps taxonomy errors to a stable logging label.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, ErrStaleToken):
		return "stale_token"
	case errors.Is(err, ErrEventMismatch):
		return "event_mismatch"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrDuplicateScan):
		return "duplicate_scan"
	case errors.Is(err, ErrUserCooldown):
		return "user_cooldown"
	case errors.Is(err, ErrPinExpired):
		return "pin_expired"
	case errors.Is(err, ErrNetworkFailure):
		return "network_failure"
	case errors.Is(err, ErrBackendRejection):
		return "backend_rejection"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrNoActiveBinding):
		return "no_active_binding"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, ErrRPCUnavailable):
		return "rpc_unavailable"
	}
	return "unexpected"
}

// Recoverable reports whether err should be retried later rather than surfaced as final.
func Recoverable(err error) bool {
	return errors.Is(err, ErrNetworkFailure)
}
