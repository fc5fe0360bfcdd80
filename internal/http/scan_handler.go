package http

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/example/attendance-verifier/internal/attendance"
	"github.com/example/attendance-verifier/internal/scan"
)

const noticeBacklog = 50

type scanSessions interface {
	Open(ctx context.Context, eventID string) (*scan.Controller, scan.PINState, error)
	Current() (*scan.Controller, bool)
	RotatePIN(ctx context.Context) (scan.PINState, error)
	VerifyPIN(pin string) (bool, error)
	Scan(ctx context.Context, raw string) (scan.Result, error)
	Close(ctx context.Context)
}

// ScanHandler serves the scanning session endpoints and keeps a short backlog
// of the open session's notices for the operator screen.
type ScanHandler struct {
	sessions  scanSessions
	responder responder
	logger    *slog.Logger

	mu          sync.Mutex
	notices     []scan.Notice
	unsubscribe func()
}

func NewScanHandler(sessions scanSessions, logger *slog.Logger) *ScanHandler {
	base := defaultLogger(logger)
	return &ScanHandler{sessions: sessions, responder: newResponder(base), logger: base}
}

func (h *ScanHandler) log(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return handlerLogger(ctx, h.logger, "ScanHandler", operation, attrs...)
}

type openSessionRequest struct {
	EventID string `json:"event_id"`
}

type sessionResponse struct {
	EventID      string    `json:"event_id"`
	PIN          string    `json:"pin,omitempty"`
	PINExpiresAt time.Time `json:"pin_expires_at,omitzero"`
	PINLive      bool      `json:"pin_live"`
	Published    bool      `json:"published"`
}

func (h *ScanHandler) Open(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req openSessionRequest
	if !h.responder.decode(ctx, w, r, &req) {
		return
	}
	eventID := strings.TrimSpace(req.EventID)
	if eventID == "" {
		h.responder.writeError(ctx, w, http.StatusBadRequest, errMissingEventID)
		return
	}

	controller, state, err := h.sessions.Open(ctx, eventID)
	if err != nil {
		h.log(ctx, "Open", "event_id", eventID).ErrorContext(ctx, "opening scan session failed", "error", err, "error_kind", attendance.ErrorKind(err))
		h.responder.handleServiceError(ctx, w, err)
		return
	}
	h.track(controller)

	h.responder.writeJSON(ctx, w, http.StatusCreated, sessionResponse{
		EventID:      eventID,
		PIN:          state.PIN,
		PINExpiresAt: state.ExpiresAt,
		PINLive:      true,
		Published:    state.Published,
	})
}

func (h *ScanHandler) Get(w http.ResponseWriter, r *http.Request) {
	controller, ok := h.sessions.Current()
	if !ok {
		h.responder.handleServiceError(r.Context(), w, attendance.ErrSessionClosed)
		return
	}
	state, live := controller.PIN()
	h.responder.writeJSON(r.Context(), w, http.StatusOK, sessionResponse{
		EventID:      controller.EventID(),
		PIN:          state.PIN,
		PINExpiresAt: state.ExpiresAt,
		PINLive:      live,
	})
}

func (h *ScanHandler) Close(w http.ResponseWriter, r *http.Request) {
	h.sessions.Close(r.Context())
	h.mu.Lock()
	if h.unsubscribe != nil {
		h.unsubscribe()
		h.unsubscribe = nil
	}
	h.notices = nil
	h.mu.Unlock()
	h.responder.writeJSON(r.Context(), w, http.StatusNoContent, nil)
}

func (h *ScanHandler) RotatePIN(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	state, err := h.sessions.RotatePIN(ctx)
	if err != nil {
		h.log(ctx, "RotatePIN").ErrorContext(ctx, "pin rotation failed", "error", err, "error_kind", attendance.ErrorKind(err))
		h.responder.handleServiceError(ctx, w, err)
		return
	}
	controller, _ := h.sessions.Current()
	eventID := ""
	if controller != nil {
		eventID = controller.EventID()
	}
	h.responder.writeJSON(ctx, w, http.StatusOK, sessionResponse{
		EventID:      eventID,
		PIN:          state.PIN,
		PINExpiresAt: state.ExpiresAt,
		PINLive:      true,
		Published:    state.Published,
	})
}

type verifyPINRequest struct {
	PIN string `json:"pin"`
}

func (h *ScanHandler) VerifyPIN(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req verifyPINRequest
	if !h.responder.decode(ctx, w, r, &req) {
		return
	}
	valid, err := h.sessions.VerifyPIN(strings.TrimSpace(req.PIN))
	if err != nil {
		h.responder.handleServiceError(ctx, w, err)
		return
	}
	h.responder.writeJSON(ctx, w, http.StatusOK, map[string]bool{"valid": valid})
}

type scanRequest struct {
	Payload string `json:"payload"`
}

type scanResultDTO struct {
	Outcome           string     `json:"outcome"`
	Message           string     `json:"message,omitempty"`
	ErrorCode         string     `json:"error_code,omitempty"`
	UserID            string     `json:"user_id,omitempty"`
	CheckedInAt       *time.Time `json:"checked_in_at,omitempty"`
	RetryAfterSeconds int64      `json:"retry_after_seconds,omitempty"`
	Retryable         bool       `json:"retryable,omitempty"`
	Silent            bool       `json:"silent,omitempty"`
}

func toScanResultDTO(result scan.Result) scanResultDTO {
	dto := scanResultDTO{
		Outcome:   string(result.Outcome),
		Message:   result.Message,
		UserID:    result.UserID,
		Retryable: attendance.Recoverable(result.Err),
		Silent:    result.Silent,
	}
	if result.Err != nil {
		dto.ErrorCode = attendance.ErrorKind(result.Err)
	}
	if !result.CheckedInAt.IsZero() {
		at := result.CheckedInAt
		dto.CheckedInAt = &at
	}
	if result.RetryAfter > 0 {
		dto.RetryAfterSeconds = int64((result.RetryAfter + time.Second - 1) / time.Second)
	}
	return dto
}

func (h *ScanHandler) Scan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req scanRequest
	if !h.responder.decode(ctx, w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Payload) == "" {
		h.responder.writeError(ctx, w, http.StatusBadRequest, errMissingPayload)
		return
	}

	result, err := h.sessions.Scan(ctx, req.Payload)
	if err != nil {
		h.responder.handleServiceError(ctx, w, err)
		return
	}
	if result.Outcome == scan.OutcomeClosed {
		h.responder.handleServiceError(ctx, w, attendance.ErrSessionClosed)
		return
	}
	h.responder.writeJSON(ctx, w, http.StatusOK, toScanResultDTO(result))
}

type noticeDTO struct {
	Kind      string         `json:"kind"`
	At        time.Time      `json:"at"`
	EventID   string         `json:"event_id"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	Result    *scanResultDTO `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

func (h *ScanHandler) Notices(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	out := make([]noticeDTO, 0, len(h.notices))
	for _, n := range h.notices {
		dto := noticeDTO{Kind: string(n.Kind), At: n.At, EventID: n.EventID, Error: n.Error}
		if !n.ExpiresAt.IsZero() {
			at := n.ExpiresAt
			dto.ExpiresAt = &at
		}
		if n.Result != nil {
			result := toScanResultDTO(*n.Result)
			dto.Result = &result
		}
		out = append(out, dto)
	}
	h.mu.Unlock()
	h.responder.writeJSON(r.Context(), w, http.StatusOK, map[string]any{"notices": out})
}

func (h *ScanHandler) track(controller *scan.Controller) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.notices = nil
	h.unsubscribe = controller.Subscribe(func(n scan.Notice) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.notices = append(h.notices, n)
		if len(h.notices) > noticeBacklog {
			h.notices = h.notices[len(h.notices)-noticeBacklog:]
		}
	})
}
