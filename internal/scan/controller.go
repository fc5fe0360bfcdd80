// Package scan hosts the foreground scanning loop: it rotates the session PIN,
// throttles and deduplicates scanned codes, verifies tokens offline and
// submits accepted ones to the backend.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/attendance-verifier/internal/attendance"
	"github.com/example/attendance-verifier/internal/metrics"
	"github.com/example/attendance-verifier/internal/token"
)

// Outcome classifies a scan attempt.
type Outcome string

const (
	OutcomeOK               Outcome = "OK"
	OutcomeInvalidToken     Outcome = "InvalidToken"
	OutcomeStaleToken       Outcome = "StaleToken"
	OutcomeEventMismatch    Outcome = "EventMismatch"
	OutcomeRateLimited      Outcome = "RateLimited"
	OutcomeDuplicateScan    Outcome = "DuplicateScan"
	OutcomeUserCooldown     Outcome = "UserCooldown"
	OutcomePinExpired       Outcome = "PinExpired"
	OutcomeNetworkFailure   Outcome = "NetworkFailure"
	OutcomeBackendRejection Outcome = "BackendRejection"
	OutcomeIgnored          Outcome = "Ignored"
	OutcomeClosed           Outcome = "Closed"
)

// Result is reported for every scan attempt. Silent results are not shown to
// the operator.
type Result struct {
	Outcome     Outcome       `json:"outcome"`
	Err         error         `json:"-"`
	Message     string        `json:"message,omitempty"`
	UserID      string        `json:"user_id,omitempty"`
	CheckedInAt time.Time     `json:"checked_in_at,omitzero"`
	RetryAfter  time.Duration `json:"-"`
	Silent      bool          `json:"silent,omitempty"`
}

// PINState is the live session PIN.
type PINState struct {
	PIN       string    `json:"pin"`
	ExpiresAt time.Time `json:"pin_expires_at"`
	Published bool      `json:"published"`
}

// Config holds the admission policy of one scanning session.
type Config struct {
	EventID   string
	DeviceTag string

	PINTTL            time.Duration
	ScanCooldown      time.Duration
	RateWindow        time.Duration
	MaxScansPerWindow int
	RateLimitPause    time.Duration
	TokenDedup        time.Duration
	UserCooldown      time.Duration
	ResumeDelay       time.Duration
	BannerTTL         time.Duration

	Now          func() time.Time
	Scheduler    attendance.Scheduler
	PINGenerator func() (string, error)
	Publisher    attendance.PINPublisher
	Metrics      *metrics.Collectors
	Logger       *slog.Logger
}

// DefaultConfig returns the stock admission policy for eventID.
func DefaultConfig(eventID string) Config {
	return Config{
		EventID:           eventID,
		PINTTL:            20 * time.Minute,
		ScanCooldown:      800 * time.Millisecond,
		RateWindow:        60 * time.Second,
		MaxScansPerWindow: 8,
		RateLimitPause:    15 * time.Second,
		TokenDedup:        3 * time.Second,
		UserCooldown:      60 * time.Second,
		ResumeDelay:       1500 * time.Millisecond,
		BannerTTL:         4 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.EventID)
	if c.PINTTL <= 0 {
		c.PINTTL = d.PINTTL
	}
	if c.ScanCooldown < 0 {
		c.ScanCooldown = 0
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	if c.MaxScansPerWindow <= 0 {
		c.MaxScansPerWindow = d.MaxScansPerWindow
	}
	if c.RateLimitPause <= 0 {
		c.RateLimitPause = d.RateLimitPause
	}
	if c.TokenDedup < 0 {
		c.TokenDedup = 0
	}
	if c.UserCooldown < 0 {
		c.UserCooldown = 0
	}
	if c.ResumeDelay < 0 {
		c.ResumeDelay = 0
	}
	if c.BannerTTL <= 0 {
		c.BannerTTL = d.BannerTTL
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Scheduler == nil {
		c.Scheduler = attendance.RealScheduler{}
	}
	if c.PINGenerator == nil {
		c.PINGenerator = GeneratePIN
	}
	return c
}

type timerKind int

const (
	timerPinExpiry timerKind = iota
	timerPauseEnd
	timerResume
	timerBanner
)

// Controller is one scanning session. Its in-memory admission state is
// discarded with the session.
type Controller struct {
	mu        sync.Mutex
	cfg       Config
	codec     *token.Codec
	submitter attendance.CheckinSubmitter
	logger    *slog.Logger

	pin          string
	pinExpiresAt time.Time
	pauseUntil   time.Time
	holdUntil    time.Time
	lastScanAt   time.Time
	window       []time.Time
	tokenSeen    map[string]time.Time
	userCredited map[string]time.Time
	busy         bool
	closed       bool
	pending      []Notice

	timers       map[timerKind]attendance.Timer
	observers    []observerEntry
	nextObserver int
}

// NewController opens a session for cfg.EventID. No PIN is live until RotatePIN.
func NewController(codec *token.Codec, submitter attendance.CheckinSubmitter, cfg Config) (*Controller, error) {
	if cfg.EventID == "" {
		return nil, fmt.Errorf("scan: event id is required")
	}
	if codec == nil {
		return nil, fmt.Errorf("scan: token codec is required")
	}
	if submitter == nil {
		return nil, fmt.Errorf("scan: check-in submitter is required")
	}
	cfg = cfg.withDefaults()
	return &Controller{
		cfg:          cfg,
		codec:        codec,
		submitter:    submitter,
		logger:       attendance.DefaultLogger(cfg.Logger),
		tokenSeen:    make(map[string]time.Time),
		userCredited: make(map[string]time.Time),
		timers:       make(map[timerKind]attendance.Timer),
	}, nil
}

// EventID returns the event this session admits tokens for.
func (c *Controller) EventID() string {
	return c.cfg.EventID
}

// PIN returns the live PIN state and whether it is still valid.
func (c *Controller) PIN() (PINState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := PINState{PIN: c.pin, ExpiresAt: c.pinExpiresAt}
	return state, c.pin != "" && c.cfg.Now().Before(c.pinExpiresAt)
}

// Subscribe registers observer and returns a function that removes it.
func (c *Controller) Subscribe(observer Observer) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || observer == nil {
		return func() {}
	}
	c.nextObserver++
	id := c.nextObserver
	c.observers = append(c.observers, observerEntry{id: id, fn: observer})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, entry := range c.observers {
			if entry.id == id {
				c.observers = append(c.observers[:i:i], c.observers[i+1:]...)
				return
			}
		}
	}
}

// RotatePIN replaces the session PIN and restarts its TTL. When a publisher is
// configured the PIN is published; a publishing failure keeps the PIN local
// and is reported through the PinRotated notice.
func (c *Controller) RotatePIN(ctx context.Context) (PINState, error) {
	logger := attendance.ComponentLogger(ctx, c.logger, "ScanSessionController", "RotatePIN", "event_id", c.cfg.EventID)

	pin, err := c.cfg.PINGenerator()
	if err != nil {
		logger.ErrorContext(ctx, "pin generation failed", "error", err)
		return PINState{}, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return PINState{}, attendance.ErrSessionClosed
	}
	now := c.cfg.Now()
	c.pin = pin
	c.pinExpiresAt = now.Add(c.cfg.PINTTL)
	expiresAt := c.pinExpiresAt
	c.scheduleLocked(timerPinExpiry, c.cfg.PINTTL, c.onPinExpired)
	c.mu.Unlock()

	state := PINState{PIN: pin, ExpiresAt: expiresAt}
	notice := Notice{Kind: NoticePinRotated, At: now, EventID: c.cfg.EventID, ExpiresAt: expiresAt}
	if c.cfg.Publisher != nil {
		if err := publish(ctx, c.cfg.Publisher, c.cfg.EventID, pin, expiresAt); err != nil {
			logger.WarnContext(ctx, "pin publication failed, keeping pin local", "error", err, "error_kind", attendance.ErrorKind(err))
			notice.Error = err.Error()
		} else {
			state.Published = true
		}
	}
	logger.InfoContext(ctx, "session pin rotated", "expires_at", expiresAt, "published", state.Published)
	c.notify(notice)
	return state, nil
}

// Scan runs one scanned payload through the admission pipeline.
func (c *Controller) Scan(ctx context.Context, raw string) (result Result) {
	logger := attendance.ComponentLogger(ctx, c.logger, "ScanSessionController", "Scan", "event_id", c.cfg.EventID)
	defer func() {
		c.cfg.Metrics.ObserveScan(string(result.Outcome))
		if result.Silent {
			logger.DebugContext(ctx, "scan dropped", "outcome", result.Outcome)
			return
		}
		if result.Err != nil {
			logger.WarnContext(ctx, "scan rejected", "outcome", result.Outcome, "error", result.Err, "error_kind", attendance.ErrorKind(result.Err))
		} else {
			logger.InfoContext(ctx, "scan accepted", "user_id", result.UserID)
		}
		c.report(result)
	}()

	c.mu.Lock()
	pass, rejected := c.admitLocked(raw)
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, notice := range pending {
		c.notify(notice)
	}
	if rejected != nil {
		return *rejected
	}
	claims := pass.claims

	receipt, err := submit(ctx, c.submitter, attendance.CheckinRequest{
		Token:     pass.token,
		PIN:       pass.pin,
		DeviceTag: c.cfg.DeviceTag,
		EventID:   c.cfg.EventID,
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = false

	if err != nil {
		var rejection *attendance.RejectionError
		if errors.As(err, &rejection) {
			return Result{Outcome: OutcomeBackendRejection, Err: err, Message: rejection.OperatorMessage()}
		}
		if !errors.Is(err, attendance.ErrNetworkFailure) {
			err = fmt.Errorf("%w: %w", attendance.ErrNetworkFailure, err)
		}
		return Result{Outcome: OutcomeNetworkFailure, Err: err, Message: "Network unavailable, try again"}
	}

	now := c.cfg.Now()
	userID := receipt.UserID
	if userID == "" {
		userID = claims.UserID
	}
	if last, ok := c.userCredited[userID]; ok && now.Sub(last) < c.cfg.UserCooldown {
		return Result{
			Outcome: OutcomeUserCooldown,
			Err:     attendance.ErrUserCooldown,
			Message: "Already scanned moments ago",
			UserID:  userID,
		}
	}
	c.userCredited[userID] = now

	if c.cfg.ResumeDelay > 0 && !c.closed {
		c.holdUntil = now.Add(c.cfg.ResumeDelay)
		c.scheduleLocked(timerResume, c.cfg.ResumeDelay, c.onResume)
	}
	checkedInAt := receipt.CheckedInAtUTC
	if checkedInAt.IsZero() {
		checkedInAt = now.UTC()
	}
	return Result{Outcome: OutcomeOK, Message: "Checked in", UserID: userID, CheckedInAt: checkedInAt}
}

type admission struct {
	token  string
	pin    string
	claims token.Claims
}

// admitLocked runs the client-side checks in order. A non-nil Result ends the
// scan; otherwise the session is marked busy until the submission returns.
func (c *Controller) admitLocked(raw string) (admission, *Result) {
	reject := func(r Result) (admission, *Result) {
		return admission{}, &r
	}

	if c.closed {
		return reject(Result{Outcome: OutcomeClosed, Err: attendance.ErrSessionClosed, Silent: true})
	}
	if c.busy {
		return reject(Result{Outcome: OutcomeIgnored, Silent: true})
	}

	now := c.cfg.Now()
	if c.pin == "" || !now.Before(c.pinExpiresAt) {
		return reject(Result{Outcome: OutcomePinExpired, Err: attendance.ErrPinExpired, Message: "Session PIN expired, rotate it to resume scanning"})
	}
	if now.Before(c.pauseUntil) {
		return reject(rateLimited(c.pauseUntil.Sub(now)))
	}
	if now.Before(c.holdUntil) {
		return reject(Result{Outcome: OutcomeIgnored, Silent: true})
	}
	if !c.lastScanAt.IsZero() && now.Sub(c.lastScanAt) < c.cfg.ScanCooldown {
		return reject(Result{Outcome: OutcomeIgnored, Silent: true})
	}
	c.lastScanAt = now

	c.window = pruneBefore(c.window, now.Add(-c.cfg.RateWindow))
	c.window = append(c.window, now)
	if len(c.window) > c.cfg.MaxScansPerWindow {
		c.enterPauseLocked(now)
		return reject(rateLimited(c.cfg.RateLimitPause))
	}

	tok := NormalizePayload(raw)
	if tok == "" {
		return reject(Result{Outcome: OutcomeInvalidToken, Err: attendance.ErrInvalidToken, Message: "Unrecognised code"})
	}

	c.pruneSeenLocked(now)
	if seen, ok := c.tokenSeen[tok]; ok && now.Sub(seen) < c.cfg.TokenDedup {
		return reject(Result{Outcome: OutcomeDuplicateScan, Err: attendance.ErrDuplicateScan, Silent: true})
	}
	c.tokenSeen[tok] = now

	claims, err := c.codec.VerifyFresh(tok)
	if err != nil {
		if errors.Is(err, attendance.ErrStaleToken) {
			return reject(Result{Outcome: OutcomeStaleToken, Err: err, Message: "Code expired, ask for a fresh one"})
		}
		return reject(Result{Outcome: OutcomeInvalidToken, Err: err, Message: "Unrecognised code"})
	}
	if claims.EventID != c.cfg.EventID {
		return reject(Result{
			Outcome: OutcomeEventMismatch,
			Err:     fmt.Errorf("%w: token for %s", attendance.ErrEventMismatch, claims.EventID),
			Message: "Code belongs to another event",
		})
	}

	c.busy = true
	return admission{token: tok, pin: c.pin, claims: claims}, nil
}

func rateLimited(remaining time.Duration) Result {
	return Result{
		Outcome:    OutcomeRateLimited,
		Err:        attendance.ErrRateLimited,
		Message:    fmt.Sprintf("Too many scans, resuming in %ds", secondsCeil(remaining)),
		RetryAfter: remaining,
	}
}

// enterPauseLocked disables scanning for RateLimitPause. The window restarts
// empty once the pause ends.
func (c *Controller) enterPauseLocked(now time.Time) {
	c.pauseUntil = now.Add(c.cfg.RateLimitPause)
	c.window = nil
	c.scheduleLocked(timerPauseEnd, c.cfg.RateLimitPause, c.onResume)
	c.pending = append(c.pending, Notice{Kind: NoticeScanningPaused, At: now, EventID: c.cfg.EventID, ExpiresAt: c.pauseUntil})
}

func (c *Controller) pruneSeenLocked(now time.Time) {
	for tok, seen := range c.tokenSeen {
		if now.Sub(seen) >= c.cfg.TokenDedup {
			delete(c.tokenSeen, tok)
		}
	}
}

// Close ends the session: pending timers are cancelled, observers dropped and
// every later call is rejected.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for kind, timer := range c.timers {
		timer.Stop()
		delete(c.timers, kind)
	}
	c.observers = nil
	c.pending = nil
	c.pin = ""
	c.window = nil
	clear(c.tokenSeen)
	clear(c.userCredited)
}

func (c *Controller) scheduleLocked(kind timerKind, d time.Duration, fn func()) {
	if existing, ok := c.timers[kind]; ok {
		existing.Stop()
		delete(c.timers, kind)
	}
	if d <= 0 {
		return
	}
	var timer attendance.Timer
	timer = c.cfg.Scheduler.AfterFunc(d, func() {
		c.mu.Lock()
		if c.closed || c.timers[kind] != timer {
			c.mu.Unlock()
			return
		}
		delete(c.timers, kind)
		c.mu.Unlock()
		fn()
	})
	c.timers[kind] = timer
}

func (c *Controller) onPinExpired() {
	c.mu.Lock()
	expiresAt := c.pinExpiresAt
	c.mu.Unlock()
	c.notify(Notice{Kind: NoticePinExpired, At: c.cfg.Now(), EventID: c.cfg.EventID, ExpiresAt: expiresAt})
}

func (c *Controller) onResume() {
	c.notify(Notice{Kind: NoticeScanningResumed, At: c.cfg.Now(), EventID: c.cfg.EventID})
}

func (c *Controller) onBannerDismissed() {
	c.notify(Notice{Kind: NoticeBannerDismissed, At: c.cfg.Now(), EventID: c.cfg.EventID})
}

// report publishes a visible result and schedules its banner dismissal.
func (c *Controller) report(result Result) {
	if result.Silent {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.scheduleLocked(timerBanner, c.cfg.BannerTTL, c.onBannerDismissed)
	c.mu.Unlock()
	c.notify(Notice{Kind: NoticeScanResult, At: c.cfg.Now(), EventID: c.cfg.EventID, Result: &result})
}

func (c *Controller) notify(notice Notice) {
	c.mu.Lock()
	observers := make([]observerEntry, len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()
	for _, entry := range observers {
		entry.fn(notice)
	}
}

func submit(ctx context.Context, submitter attendance.CheckinSubmitter, req attendance.CheckinRequest) (receipt attendance.CheckinReceipt, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("scan: submitter panicked: %v: %w", p, attendance.ErrNetworkFailure)
		}
	}()
	return submitter.SubmitCheckin(ctx, req)
}

func publish(ctx context.Context, publisher attendance.PINPublisher, eventID, pin string, expiresAt time.Time) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("scan: publisher panicked: %v: %w", p, attendance.ErrNetworkFailure)
		}
	}()
	return publisher.PublishSessionPIN(ctx, eventID, pin, expiresAt)
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

func secondsCeil(d time.Duration) int64 {
	return int64((d + time.Second - 1) / time.Second)
}
