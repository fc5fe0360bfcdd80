package testfixtures

import (
	"context"
	"sync"
	"time"

	"github.com/example/attendance-verifier/internal/attendance"
)

// PublishedPIN records one PublishSessionPIN call.
type PublishedPIN struct {
	EventID   string
	PIN       string
	ExpiresAt time.Time
}

// Backend is an in-memory stand-in for the remote service. Each hook, when
// set, decides the outcome of the matching call; otherwise calls succeed.
type Backend struct {
	mu sync.Mutex

	SubmitFunc  func(ctx context.Context, req attendance.CheckinRequest) (attendance.CheckinReceipt, error)
	ReportFunc  func(ctx context.Context, event attendance.GeofenceEvent) error
	PublishFunc func(ctx context.Context, eventID, pin string, expiresAt time.Time) error

	Checkins  []attendance.CheckinRequest
	Reports   []attendance.GeofenceEvent
	Published []PublishedPIN
}

// SubmitCheckin implements attendance.CheckinSubmitter. Without a hook it
// credits a user named after the token.
func (b *Backend) SubmitCheckin(ctx context.Context, req attendance.CheckinRequest) (attendance.CheckinReceipt, error) {
	b.mu.Lock()
	b.Checkins = append(b.Checkins, req)
	hook := b.SubmitFunc
	b.mu.Unlock()
	if hook != nil {
		return hook(ctx, req)
	}
	return attendance.CheckinReceipt{UserID: "user-" + req.EventID, CheckedInAtUTC: ReferenceTime()}, nil
}

// ReportGeofenceEvent implements attendance.GeofenceReporter.
func (b *Backend) ReportGeofenceEvent(ctx context.Context, event attendance.GeofenceEvent) error {
	b.mu.Lock()
	b.Reports = append(b.Reports, event)
	hook := b.ReportFunc
	b.mu.Unlock()
	if hook != nil {
		return hook(ctx, event)
	}
	return nil
}

// PublishSessionPIN implements attendance.PINPublisher.
func (b *Backend) PublishSessionPIN(ctx context.Context, eventID, pin string, expiresAt time.Time) error {
	b.mu.Lock()
	b.Published = append(b.Published, PublishedPIN{EventID: eventID, PIN: pin, ExpiresAt: expiresAt})
	hook := b.PublishFunc
	b.mu.Unlock()
	if hook != nil {
		return hook(ctx, eventID, pin, expiresAt)
	}
	return nil
}

// CheckinCount reports how many check-ins were submitted.
func (b *Backend) CheckinCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Checkins)
}

// ReportCount reports how many geofence events were offered.
func (b *Backend) ReportCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Reports)
}

// ReportedEvents returns a copy of the offered geofence events.
func (b *Backend) ReportedEvents() []attendance.GeofenceEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]attendance.GeofenceEvent, len(b.Reports))
	copy(out, b.Reports)
	return out
}
