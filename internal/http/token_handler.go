package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/attendance-verifier/internal/attendance"
	"github.com/example/attendance-verifier/internal/token"
)

// CodecSource returns the token codec of an event.
type CodecSource func(eventID string) (*token.Codec, error)

// TokenHandler serves the holder side: the code a participant displays.
type TokenHandler struct {
	codecs    CodecSource
	responder responder
	logger    *slog.Logger
}

func NewTokenHandler(codecs CodecSource, logger *slog.Logger) *TokenHandler {
	base := defaultLogger(logger)
	return &TokenHandler{codecs: codecs, responder: newResponder(base), logger: base}
}

type tokenResponse struct {
	Token     string    `json:"token"`
	Slot      int64     `json:"slot"`
	RotatesAt time.Time `json:"rotates_at"`
}

func (h *TokenHandler) Issue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	eventID, userID := vars["event_id"], vars["user_id"]

	codec, err := h.codecs(eventID)
	if err != nil {
		h.responder.handleServiceError(ctx, w, err)
		return
	}
	issued, err := codec.Issue(eventID, userID)
	if err != nil {
		handlerLogger(ctx, h.logger, "TokenHandler", "Issue", "event_id", eventID).
			WarnContext(ctx, "token issue failed", "error", err, "error_kind", attendance.ErrorKind(err))
		h.responder.handleServiceError(ctx, w, err)
		return
	}
	h.responder.writeJSON(ctx, w, http.StatusOK, tokenResponse{Token: issued.Token, Slot: issued.Slot, RotatesAt: issued.RotatesAt})
}
