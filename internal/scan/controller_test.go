package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/example/attendance-verifier/internal/attendance"
	"github.com/example/attendance-verifier/internal/testfixtures"
	"github.com/example/attendance-verifier/internal/token"
)

const testSecret = "s3cr3t"

type sessionHarness struct {
	clock      *testfixtures.Clock
	codec      *token.Codec
	backend    *testfixtures.Backend
	controller *Controller

	mu      sync.Mutex
	notices []Notice
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSession(t *testing.T, mutate func(*Config)) *sessionHarness {
	t.Helper()
	clock := testfixtures.NewClock(time.Time{})
	h := &sessionHarness{
		clock: clock,
		codec: token.NewCodec(testSecret, token.Options{Now: clock.NowFunc()}),
		backend: &testfixtures.Backend{
			SubmitFunc: func(_ context.Context, req attendance.CheckinRequest) (attendance.CheckinReceipt, error) {
				claims, err := token.Verify(testSecret, req.Token)
				if err != nil {
					return attendance.CheckinReceipt{}, &attendance.RejectionError{Code: "invalid_token"}
				}
				return attendance.CheckinReceipt{UserID: claims.UserID, CheckedInAtUTC: clock.Now()}, nil
			},
		},
	}

	cfg := DefaultConfig("evt-1")
	cfg.DeviceTag = "scanner-1"
	cfg.Now = clock.NowFunc()
	cfg.Scheduler = clock
	cfg.Logger = discardLogger()
	cfg.PINGenerator = func() (string, error) { return "123456", nil }
	if mutate != nil {
		mutate(&cfg)
	}

	controller, err := NewController(h.codec, h.backend, cfg)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	h.controller = controller
	controller.Subscribe(func(n Notice) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.notices = append(h.notices, n)
	})
	return h
}

func (h *sessionHarness) rotate(t *testing.T) PINState {
	t.Helper()
	state, err := h.controller.RotatePIN(context.Background())
	if err != nil {
		t.Fatalf("RotatePIN failed: %v", err)
	}
	return state
}

func (h *sessionHarness) issue(t *testing.T, eventID, userID string) string {
	t.Helper()
	issued, err := h.codec.Issue(eventID, userID)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	return issued.Token
}

func (h *sessionHarness) scan(raw string) Result {
	return h.controller.Scan(context.Background(), raw)
}

func (h *sessionHarness) noticeKinds() []NoticeKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	kinds := make([]NoticeKind, 0, len(h.notices))
	for _, n := range h.notices {
		kinds = append(kinds, n.Kind)
	}
	return kinds
}

func (h *sessionHarness) countNotices(kind NoticeKind) int {
	n := 0
	for _, k := range h.noticeKinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func TestNewControllerValidatesDependencies(t *testing.T) {
	codec := token.NewCodec(testSecret, token.Options{})
	if _, err := NewController(codec, &testfixtures.Backend{}, Config{}); err == nil {
		t.Fatalf("expected error for missing event id")
	}
	if _, err := NewController(nil, &testfixtures.Backend{}, DefaultConfig("evt-1")); err == nil {
		t.Fatalf("expected error for missing codec")
	}
	if _, err := NewController(codec, nil, DefaultConfig("evt-1")); err == nil {
		t.Fatalf("expected error for missing submitter")
	}
}

func TestScanAcceptsFreshToken(t *testing.T) {
	h := newSession(t, nil)
	h.rotate(t)
	tok := h.issue(t, "evt-1", "usr-1")

	result := h.scan(tok)
	if result.Outcome != OutcomeOK || result.Err != nil {
		t.Fatalf("expected OK, got %+v", result)
	}
	if result.UserID != "usr-1" || !result.CheckedInAt.Equal(h.clock.Now()) {
		t.Fatalf("unexpected receipt fields %+v", result)
	}
	if len(h.backend.Checkins) != 1 {
		t.Fatalf("expected one submission, got %d", len(h.backend.Checkins))
	}
	req := h.backend.Checkins[0]
	if req.Token != tok || req.PIN != "123456" || req.DeviceTag != "scanner-1" || req.EventID != "evt-1" {
		t.Fatalf("unexpected submission %+v", req)
	}
	if h.countNotices(NoticeScanResult) != 1 {
		t.Fatalf("expected a scan result notice, got %v", h.noticeKinds())
	}
}

func TestScanAcceptsDeepLinkPayload(t *testing.T) {
	h := newSession(t, nil)
	h.rotate(t)
	tok := h.issue(t, "evt-1", "usr-1")

	result := h.scan("https://checkin.example.com/scan?token=" + url.QueryEscape(tok))
	if result.Outcome != OutcomeOK {
		t.Fatalf("expected OK, got %+v", result)
	}
	if h.backend.Checkins[0].Token != tok {
		t.Fatalf("expected normalized token to be submitted")
	}
}

func TestScanWithoutPINIsRejected(t *testing.T) {
	h := newSession(t, nil)
	result := h.scan(h.issue(t, "evt-1", "usr-1"))
	if result.Outcome != OutcomePinExpired || !errors.Is(result.Err, attendance.ErrPinExpired) {
		t.Fatalf("expected PinExpired, got %+v", result)
	}
	if h.backend.CheckinCount() != 0 {
		t.Fatalf("expected no submission")
	}
}

func TestPINExpiresAfterTTL(t *testing.T) {
	h := newSession(t, func(cfg *Config) { cfg.PINTTL = 1200000 * time.Millisecond })
	t0 := h.clock.Now()
	state := h.rotate(t)
	if !state.ExpiresAt.Equal(t0.Add(20 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", state.ExpiresAt)
	}

	h.clock.Set(t0.Add(1200001 * time.Millisecond))
	tok := h.issue(t, "evt-1", "usr-1")
	if _, err := h.codec.VerifyFresh(tok); err != nil {
		t.Fatalf("token should be valid and fresh: %v", err)
	}

	result := h.scan(tok)
	if result.Outcome != OutcomePinExpired {
		t.Fatalf("expected PinExpired, got %+v", result)
	}
	if h.backend.CheckinCount() != 0 {
		t.Fatalf("expected no submission with an expired pin")
	}
	if h.countNotices(NoticePinExpired) != 1 {
		t.Fatalf("expected a pin expired notice, got %v", h.noticeKinds())
	}
	if _, live := h.controller.PIN(); live {
		t.Fatalf("expected pin to be reported as expired")
	}

	h.rotate(t)
	if result := h.scan(h.issue(t, "evt-1", "usr-1")); result.Outcome != OutcomeOK {
		t.Fatalf("expected manual rotation to resume scanning, got %+v", result)
	}
}

func TestRotatingPINRestartsExpiryTimer(t *testing.T) {
	h := newSession(t, nil)
	h.rotate(t)
	h.clock.Advance(10 * time.Minute)
	h.rotate(t)
	h.clock.Advance(15 * time.Minute)
	if h.countNotices(NoticePinExpired) != 0 {
		t.Fatalf("expected superseded expiry timer to be cancelled")
	}
	h.clock.Advance(5 * time.Minute)
	if h.countNotices(NoticePinExpired) != 1 {
		t.Fatalf("expected one expiry notice, got %v", h.noticeKinds())
	}
}

func TestRateLimitPausesScanning(t *testing.T) {
	h := newSession(t, func(cfg *Config) {
		cfg.RateWindow = 60000 * time.Millisecond
		cfg.MaxScansPerWindow = 8
		cfg.RateLimitPause = 15 * time.Second
	})
	h.rotate(t)

	for i := 1; i <= 8; i++ {
		result := h.scan(h.issue(t, "evt-1", fmt.Sprintf("usr-%d", i)))
		if result.Outcome != OutcomeOK {
			t.Fatalf("scan %d: expected OK, got %+v", i, result)
		}
		h.clock.Advance(2 * time.Second)
	}

	ninth := h.scan(h.issue(t, "evt-1", "usr-9"))
	if ninth.Outcome != OutcomeRateLimited || !errors.Is(ninth.Err, attendance.ErrRateLimited) {
		t.Fatalf("expected ninth scan to be rate limited, got %+v", ninth)
	}
	if ninth.RetryAfter != 15*time.Second {
		t.Fatalf("expected 15s pause, got %s", ninth.RetryAfter)
	}
	if h.backend.CheckinCount() != 8 {
		t.Fatalf("expected the ninth scan not to reach the backend")
	}
	if h.countNotices(NoticeScanningPaused) != 1 {
		t.Fatalf("expected a paused notice, got %v", h.noticeKinds())
	}

	h.clock.Advance(2 * time.Second)
	during := h.scan(h.issue(t, "evt-1", "usr-10"))
	if during.Outcome != OutcomeRateLimited || during.RetryAfter != 13*time.Second {
		t.Fatalf("expected 13s remaining, got %+v", during)
	}
	if during.Message != "Too many scans, resuming in 13s" {
		t.Fatalf("unexpected message %q", during.Message)
	}

	h.clock.Advance(13 * time.Second)
	if h.countNotices(NoticeScanningResumed) == 0 {
		t.Fatalf("expected a resumed notice after the pause, got %v", h.noticeKinds())
	}
	after := h.scan(h.issue(t, "evt-1", "usr-10"))
	if after.Outcome != OutcomeOK {
		t.Fatalf("expected scanning to resume, got %+v", after)
	}
}

func TestScanCooldownIgnoresRapidFrames(t *testing.T) {
	h := newSession(t, nil)
	h.rotate(t)

	first := h.scan("garbage")
	if first.Outcome != OutcomeInvalidToken {
		t.Fatalf("expected InvalidToken, got %+v", first)
	}
	h.clock.Advance(500 * time.Millisecond)
	second := h.scan(h.issue(t, "evt-1", "usr-1"))
	if second.Outcome != OutcomeIgnored || !second.Silent {
		t.Fatalf("expected silent ignore inside cooldown, got %+v", second)
	}
	h.clock.Advance(400 * time.Millisecond)
	if third := h.scan(h.issue(t, "evt-1", "usr-1")); third.Outcome != OutcomeOK {
		t.Fatalf("expected scan after cooldown to pass, got %+v", third)
	}
}

func TestDuplicateTokenDroppedSilently(t *testing.T) {
	h := newSession(t, nil)
	h.rotate(t)
	tok := h.issue(t, "evt-1", "usr-1")

	if first := h.scan(tok); first.Outcome != OutcomeOK {
		t.Fatalf("expected OK, got %+v", first)
	}
	h.clock.Advance(2 * time.Second)
	dup := h.scan(tok)
	if dup.Outcome != OutcomeDuplicateScan || !dup.Silent {
		t.Fatalf("expected silent duplicate, got %+v", dup)
	}
	if h.backend.CheckinCount() != 1 {
		t.Fatalf("expected duplicate not to be submitted")
	}
}

func TestScanHeldDuringResumeDelay(t *testing.T) {
	h := newSession(t, nil)
	h.rotate(t)
	if first := h.scan(h.issue(t, "evt-1", "usr-1")); first.Outcome != OutcomeOK {
		t.Fatalf("expected OK, got %+v", first)
	}
	h.clock.Advance(time.Second)
	if held := h.scan(h.issue(t, "evt-1", "usr-2")); held.Outcome != OutcomeIgnored || !held.Silent {
		t.Fatalf("expected scan to be held after success, got %+v", held)
	}
	h.clock.Advance(500 * time.Millisecond)
	if h.countNotices(NoticeScanningResumed) != 1 {
		t.Fatalf("expected resumed notice after the delay, got %v", h.noticeKinds())
	}
	if next := h.scan(h.issue(t, "evt-1", "usr-2")); next.Outcome != OutcomeOK {
		t.Fatalf("expected scan after resume delay to pass, got %+v", next)
	}
}

func TestClientSideRejections(t *testing.T) {
	tests := []struct {
		name    string
		token   func(h *sessionHarness) string
		outcome Outcome
		err     error
	}{
		{
			name:    "wrong secret",
			token:   func(h *sessionHarness) string { tok, _ := token.Mint("evt-1", "usr-1", "other", h.codec.CurrentSlot()); return tok },
			outcome: OutcomeInvalidToken,
			err:     attendance.ErrInvalidToken,
		},
		{
			name:    "malformed",
			token:   func(*sessionHarness) string { return "v1|evt-1|usr-1" },
			outcome: OutcomeInvalidToken,
			err:     attendance.ErrInvalidToken,
		},
		{
			name:    "stale slot",
			token:   func(h *sessionHarness) string { tok, _ := token.Mint("evt-1", "usr-1", testSecret, h.codec.CurrentSlot()-2); return tok },
			outcome: OutcomeStaleToken,
			err:     attendance.ErrStaleToken,
		},
		{
			name:    "other event",
			token:   func(h *sessionHarness) string { tok, _ := token.Mint("evt-2", "usr-1", testSecret, h.codec.CurrentSlot()); return tok },
			outcome: OutcomeEventMismatch,
			err:     attendance.ErrEventMismatch,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newSession(t, nil)
			h.rotate(t)
			result := h.scan(tc.token(h))
			if result.Outcome != tc.outcome || !errors.Is(result.Err, tc.err) {
				t.Fatalf("expected %s, got %+v", tc.outcome, result)
			}
			if result.Silent || result.Message == "" {
				t.Fatalf("expected a visible message, got %+v", result)
			}
			if h.backend.CheckinCount() != 0 {
				t.Fatalf("client-side rejection must not reach the backend")
			}
		})
	}
}

func TestUserCooldown(t *testing.T) {
	h := newSession(t, nil)
	h.rotate(t)

	if first := h.scan(h.issue(t, "evt-1", "usr-1")); first.Outcome != OutcomeOK {
		t.Fatalf("expected OK, got %+v", first)
	}
	h.clock.Advance(5 * time.Second)
	again := h.scan(h.issue(t, "evt-1", "usr-1"))
	if again.Outcome != OutcomeUserCooldown || !errors.Is(again.Err, attendance.ErrUserCooldown) {
		t.Fatalf("expected UserCooldown, got %+v", again)
	}

	h.clock.Advance(56 * time.Second)
	if later := h.scan(h.issue(t, "evt-1", "usr-1")); later.Outcome != OutcomeOK {
		t.Fatalf("expected OK once the cooldown elapsed, got %+v", later)
	}
}

func TestNetworkFailureIsResumable(t *testing.T) {
	h := newSession(t, nil)
	h.rotate(t)
	submit := h.backend.SubmitFunc
	h.backend.SubmitFunc = func(context.Context, attendance.CheckinRequest) (attendance.CheckinReceipt, error) {
		return attendance.CheckinReceipt{}, fmt.Errorf("dial tcp: %w", attendance.ErrNetworkFailure)
	}

	failed := h.scan(h.issue(t, "evt-1", "usr-1"))
	if failed.Outcome != OutcomeNetworkFailure || !attendance.Recoverable(failed.Err) {
		t.Fatalf("expected recoverable NetworkFailure, got %+v", failed)
	}

	h.backend.SubmitFunc = submit
	h.clock.Advance(4 * time.Second)
	if retry := h.scan(h.issue(t, "evt-1", "usr-1")); retry.Outcome != OutcomeOK {
		t.Fatalf("expected retry to succeed, got %+v", retry)
	}
}

func TestUnclassifiedSubmitErrorsAreNetworkFailures(t *testing.T) {
	h := newSession(t, nil)
	h.rotate(t)
	h.backend.SubmitFunc = func(context.Context, attendance.CheckinRequest) (attendance.CheckinReceipt, error) {
		panic("transport exploded")
	}
	result := h.scan(h.issue(t, "evt-1", "usr-1"))
	if result.Outcome != OutcomeNetworkFailure || !errors.Is(result.Err, attendance.ErrNetworkFailure) {
		t.Fatalf("expected panic to surface as NetworkFailure, got %+v", result)
	}
}

func TestBackendRejectionMessage(t *testing.T) {
	h := newSession(t, nil)
	h.rotate(t)
	h.backend.SubmitFunc = func(context.Context, attendance.CheckinRequest) (attendance.CheckinReceipt, error) {
		return attendance.CheckinReceipt{}, &attendance.RejectionError{Code: "already_checked_in"}
	}
	result := h.scan(h.issue(t, "evt-1", "usr-1"))
	if result.Outcome != OutcomeBackendRejection || !errors.Is(result.Err, attendance.ErrBackendRejection) {
		t.Fatalf("expected BackendRejection, got %+v", result)
	}
	if result.Message != "Already checked in" {
		t.Fatalf("unexpected message %q", result.Message)
	}
}

func TestBusySessionIgnoresConcurrentScan(t *testing.T) {
	h := newSession(t, nil)
	h.rotate(t)
	inner := make(chan Result, 1)
	submit := h.backend.SubmitFunc
	h.backend.SubmitFunc = func(ctx context.Context, req attendance.CheckinRequest) (attendance.CheckinReceipt, error) {
		inner <- h.controller.Scan(ctx, "anything")
		return submit(ctx, req)
	}

	if outer := h.scan(h.issue(t, "evt-1", "usr-1")); outer.Outcome != OutcomeOK {
		t.Fatalf("expected outer scan to succeed, got %+v", outer)
	}
	if got := <-inner; got.Outcome != OutcomeIgnored || !got.Silent {
		t.Fatalf("expected scan during submission to be ignored, got %+v", got)
	}
}

func TestBannerDismissal(t *testing.T) {
	h := newSession(t, nil)
	h.rotate(t)
	h.scan("garbage")
	h.clock.Advance(4 * time.Second)
	if h.countNotices(NoticeBannerDismissed) != 1 {
		t.Fatalf("expected banner dismissal, got %v", h.noticeKinds())
	}
}

func TestPINPublication(t *testing.T) {
	publisher := &testfixtures.Backend{}
	h := newSession(t, func(cfg *Config) { cfg.Publisher = publisher })

	state := h.rotate(t)
	if !state.Published || len(publisher.Published) != 1 {
		t.Fatalf("expected pin to be published, state=%+v", state)
	}
	if got := publisher.Published[0]; got.EventID != "evt-1" || got.PIN != "123456" || !got.ExpiresAt.Equal(state.ExpiresAt) {
		t.Fatalf("unexpected publication %+v", got)
	}

	publisher.PublishFunc = func(context.Context, string, string, time.Time) error {
		return attendance.ErrNetworkFailure
	}
	state = h.rotate(t)
	if state.Published {
		t.Fatalf("expected failed publication to be reported")
	}
	h.mu.Lock()
	last := h.notices[len(h.notices)-1]
	h.mu.Unlock()
	if last.Kind != NoticePinRotated || last.Error == "" {
		t.Fatalf("expected rotated notice carrying the error, got %+v", last)
	}
	if result := h.scan(h.issue(t, "evt-1", "usr-1")); result.Outcome != OutcomeOK {
		t.Fatalf("expected local pin to keep working, got %+v", result)
	}
}

func TestUnsubscribe(t *testing.T) {
	h := newSession(t, nil)
	calls := 0
	unsubscribe := h.controller.Subscribe(func(Notice) { calls++ })
	h.rotate(t)
	unsubscribe()
	h.rotate(t)
	if calls != 1 {
		t.Fatalf("expected one notice before unsubscribing, got %d", calls)
	}
}

func TestCloseCancelsTimersAndSubscriptions(t *testing.T) {
	h := newSession(t, nil)
	h.rotate(t)
	h.scan(h.issue(t, "evt-1", "usr-1"))
	if h.clock.PendingTimers() == 0 {
		t.Fatalf("expected pending timers before close")
	}
	before := len(h.noticeKinds())

	h.controller.Close()
	if h.clock.PendingTimers() != 0 {
		t.Fatalf("expected close to cancel %d timers", h.clock.PendingTimers())
	}
	h.clock.Advance(time.Hour)
	if len(h.noticeKinds()) != before {
		t.Fatalf("expected no notices after close")
	}

	result := h.scan(h.issue(t, "evt-1", "usr-2"))
	if result.Outcome != OutcomeClosed || !errors.Is(result.Err, attendance.ErrSessionClosed) {
		t.Fatalf("expected Closed, got %+v", result)
	}
	if _, err := h.controller.RotatePIN(context.Background()); !errors.Is(err, attendance.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed from RotatePIN, got %v", err)
	}
}
