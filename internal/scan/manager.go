package scan

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/attendance-verifier/internal/attendance"
	"github.com/example/attendance-verifier/internal/token"
)

// SecretSource resolves the signing secret of an event.
type SecretSource func(eventID string) (string, error)

// ManagerConfig carries what every session opened by a Manager shares.
type ManagerConfig struct {
	Session     Config
	TokenPeriod time.Duration
	MaxAgeSlots int64
	HashParams  HashParams
}

// Manager owns at most one open scanning session. It keeps only an argon2id
// hash of the live PIN for VerifyPIN.
type Manager struct {
	mu        sync.Mutex
	secrets   SecretSource
	submitter attendance.CheckinSubmitter
	cfg       ManagerConfig
	logger    *slog.Logger

	current *Controller
	pinHash string
	expires time.Time
}

// NewManager returns a Manager with no open session.
func NewManager(secrets SecretSource, submitter attendance.CheckinSubmitter, cfg ManagerConfig) *Manager {
	if cfg.HashParams == (HashParams{}) {
		cfg.HashParams = DefaultHashParams
	}
	if cfg.Session.Now == nil {
		cfg.Session.Now = time.Now
	}
	return &Manager{
		secrets:   secrets,
		submitter: submitter,
		cfg:       cfg,
		logger:    attendance.DefaultLogger(cfg.Session.Logger),
	}
}

// Open closes any open session, starts a new one for eventID and rotates its
// first PIN.
func (m *Manager) Open(ctx context.Context, eventID string) (controller *Controller, state PINState, err error) {
	logger := attendance.ComponentLogger(ctx, m.logger, "ScanSessionManager", "Open", "event_id", eventID)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "opening scan session failed", "error", err, "error_kind", attendance.ErrorKind(err))
			return
		}
		logger.InfoContext(ctx, "scan session opened", "pin_expires_at", state.ExpiresAt)
	}()

	if eventID == "" {
		return nil, PINState{}, fmt.Errorf("scan: event id is required")
	}
	secret, err := m.secrets(eventID)
	if err != nil {
		return nil, PINState{}, fmt.Errorf("scan: resolve secret: %w", err)
	}
	// Each token verifies against the secret of the event it names.
	codec := token.NewCodec(secret, token.Options{
		Period:      m.cfg.TokenPeriod,
		MaxAgeSlots: m.cfg.MaxAgeSlots,
		Now:         m.cfg.Session.Now,
		Secrets:     token.SecretResolver(m.secrets),
	})

	sessionCfg := m.cfg.Session
	sessionCfg.EventID = eventID
	controller, err = NewController(codec, m.submitter, sessionCfg)
	if err != nil {
		return nil, PINState{}, err
	}

	m.mu.Lock()
	previous := m.current
	m.current = controller
	m.pinHash = ""
	m.mu.Unlock()
	if previous != nil {
		previous.Close()
	}

	state, err = m.RotatePIN(ctx)
	if err != nil {
		return nil, PINState{}, err
	}
	return controller, state, nil
}

// Current returns the open session.
func (m *Manager) Current() (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.current != nil
}

// RotatePIN rotates the PIN of the open session.
func (m *Manager) RotatePIN(ctx context.Context) (PINState, error) {
	controller, ok := m.Current()
	if !ok {
		return PINState{}, attendance.ErrSessionClosed
	}
	state, err := controller.RotatePIN(ctx)
	if err != nil {
		return PINState{}, err
	}
	hash, err := HashPIN(state.PIN, m.cfg.HashParams)
	if err != nil {
		return PINState{}, fmt.Errorf("scan: hash pin: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == controller {
		m.pinHash = hash
		m.expires = state.ExpiresAt
	}
	return state, nil
}

// VerifyPIN reports whether pin matches the live, unexpired session PIN.
func (m *Manager) VerifyPIN(pin string) (bool, error) {
	m.mu.Lock()
	hash, expires, open := m.pinHash, m.expires, m.current != nil
	m.mu.Unlock()

	if !open {
		return false, attendance.ErrSessionClosed
	}
	if hash == "" || !m.cfg.Session.Now().Before(expires) {
		return false, attendance.ErrPinExpired
	}
	switch err := CheckPIN(hash, pin); err {
	case nil:
		return true, nil
	case ErrPINMismatch:
		return false, nil
	default:
		return false, err
	}
}

// Scan forwards raw to the open session.
func (m *Manager) Scan(ctx context.Context, raw string) (Result, error) {
	controller, ok := m.Current()
	if !ok {
		return Result{}, attendance.ErrSessionClosed
	}
	return controller.Scan(ctx, raw), nil
}

// Close closes the open session, if any.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	controller := m.current
	m.current = nil
	m.pinHash = ""
	m.mu.Unlock()
	if controller != nil {
		controller.Close()
		attendance.ComponentLogger(ctx, m.logger, "ScanSessionManager", "Close", "event_id", controller.EventID()).
			InfoContext(ctx, "scan session closed")
	}
}
