package attendance

import (
	"context"
	"time"
)

// CheckinSubmitter submits scanned tokens for crediting.
type CheckinSubmitter interface {
	SubmitCheckin(ctx context.Context, req CheckinRequest) (CheckinReceipt, error)
}

// GeofenceReporter delivers accepted boundary crossings.
type GeofenceReporter interface {
	ReportGeofenceEvent(ctx context.Context, event GeofenceEvent) error
}

// PINPublisher makes a freshly rotated session PIN known to the backend.
type PINPublisher interface {
	PublishSessionPIN(ctx context.Context, eventID, pin string, expiresAt time.Time) error
}

// Timer is the subset of *time.Timer needed to cancel a scheduled callback.
type Timer interface {
	Stop() bool
}

// Scheduler runs callbacks after a delay. Tests substitute a fake clock.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// RealScheduler schedules callbacks with time.AfterFunc.
type RealScheduler struct{}

// AfterFunc implements Scheduler.
func (RealScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
