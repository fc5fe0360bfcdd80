package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/example/attendance-verifier/internal/logging"
)

// HealthCheck reports a dependency problem, or nil when healthy.
type HealthCheck func(ctx context.Context) error

type DiagnosticsHandler struct {
	ring      *logging.Ring
	checks    map[string]HealthCheck
	responder responder
}

func NewDiagnosticsHandler(ring *logging.Ring, checks map[string]HealthCheck, logger *slog.Logger) *DiagnosticsHandler {
	return &DiagnosticsHandler{ring: ring, checks: checks, responder: newResponder(logger)}
}

func (h *DiagnosticsHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(r.Context()); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	h.responder.writeJSON(r.Context(), w, status, map[string]any{"status": overall, "checks": results})
}

// Logs returns the retained records, oldest first. ?limit=N keeps the newest N.
func (h *DiagnosticsHandler) Logs(w http.ResponseWriter, r *http.Request) {
	var entries []logging.Entry
	if h.ring != nil {
		entries = h.ring.Entries()
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			h.responder.writeError(r.Context(), w, http.StatusBadRequest, nil)
			return
		}
		if len(entries) > limit {
			entries = entries[len(entries)-limit:]
		}
	}
	if entries == nil {
		entries = []logging.Entry{}
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, map[string]any{"entries": entries})
}
