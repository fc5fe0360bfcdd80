package scan

import "time"

// NoticeKind names the events a scan session reports to its observers.
type NoticeKind string

const (
	NoticePinRotated      NoticeKind = "pin_rotated"
	NoticePinExpired      NoticeKind = "pin_expired"
	NoticeScanningPaused  NoticeKind = "scanning_paused"
	NoticeScanningResumed NoticeKind = "scanning_resumed"
	NoticeScanResult      NoticeKind = "scan_result"
	NoticeBannerDismissed NoticeKind = "banner_dismissed"
)

// Notice is one typed event delivered to observers in registration order.
type Notice struct {
	Kind      NoticeKind `json:"kind"`
	At        time.Time  `json:"at"`
	EventID   string     `json:"event_id"`
	ExpiresAt time.Time  `json:"expires_at,omitzero"`
	Result    *Result    `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Observer receives notices. It runs on the goroutine that produced the
// notice and must not call back into the controller synchronously.
type Observer func(Notice)

type observerEntry struct {
	id int
	fn Observer
}
