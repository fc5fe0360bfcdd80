package http

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/attendance-verifier/internal/attendance"
	"github.com/example/attendance-verifier/internal/geofence"
	"github.com/example/attendance-verifier/internal/offlinequeue"
)

type geofenceMonitor interface {
	Start(ctx context.Context, eventID string, region attendance.Region, endsAt time.Time) error
	Stop(ctx context.Context) error
	State() geofence.State
	Binding(ctx context.Context) (geofence.Binding, bool, error)
	Flush(ctx context.Context) (offlinequeue.FlushResult, error)
}

type transitionDispatcher interface {
	Dispatch(ctx context.Context, name string, transition attendance.Transition) (geofence.Result, error)
}

type pendingEvents interface {
	Items(ctx context.Context) ([]attendance.GeofenceEvent, error)
}

type GeofenceHandler struct {
	monitor   geofenceMonitor
	tasks     transitionDispatcher
	queue     pendingEvents
	responder responder
	logger    *slog.Logger
}

func NewGeofenceHandler(monitor geofenceMonitor, tasks transitionDispatcher, queue pendingEvents, logger *slog.Logger) *GeofenceHandler {
	base := defaultLogger(logger)
	return &GeofenceHandler{monitor: monitor, tasks: tasks, queue: queue, responder: newResponder(base), logger: base}
}

func (h *GeofenceHandler) log(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return handlerLogger(ctx, h.logger, "GeofenceHandler", operation, attrs...)
}

type armRequest struct {
	EventID string            `json:"event_id"`
	EndsAt  time.Time         `json:"ends_at"`
	Region  attendance.Region `json:"region"`
}

type monitorResponse struct {
	State   string           `json:"state"`
	Binding *geofence.Binding `json:"binding,omitempty"`
}

func (h *GeofenceHandler) Arm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req armRequest
	if !h.responder.decode(ctx, w, r, &req) {
		return
	}
	eventID := strings.TrimSpace(req.EventID)
	if eventID == "" {
		h.responder.writeError(ctx, w, http.StatusBadRequest, errMissingEventID)
		return
	}

	if err := h.monitor.Start(ctx, eventID, req.Region, req.EndsAt); err != nil {
		h.log(ctx, "Arm", "event_id", eventID).ErrorContext(ctx, "arming failed", "error", err, "error_kind", attendance.ErrorKind(err))
		h.responder.handleServiceError(ctx, w, err)
		return
	}
	h.writeStatus(ctx, w, http.StatusCreated)
}

func (h *GeofenceHandler) Status(w http.ResponseWriter, r *http.Request) {
	h.writeStatus(r.Context(), w, http.StatusOK)
}

func (h *GeofenceHandler) Disarm(w http.ResponseWriter, r *http.Request) {
	if err := h.monitor.Stop(r.Context()); err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusNoContent, nil)
}

func (h *GeofenceHandler) writeStatus(ctx context.Context, w http.ResponseWriter, status int) {
	binding, found, err := h.monitor.Binding(ctx)
	if err != nil {
		h.responder.handleServiceError(ctx, w, err)
		return
	}
	resp := monitorResponse{State: string(h.monitor.State())}
	if found {
		resp.Binding = &binding
	}
	h.responder.writeJSON(ctx, w, status, resp)
}

type transitionRequest struct {
	Direction      string   `json:"direction"`
	RegionID       string   `json:"region_id"`
	AccuracyMeters *float64 `json:"accuracy_meters"`
}

func (h *GeofenceHandler) Transition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	task := mux.Vars(r)["task"]

	var req transitionRequest
	if !h.responder.decode(ctx, w, r, &req) {
		return
	}
	direction, err := attendance.ParseDirection(req.Direction)
	if err != nil {
		h.responder.handleServiceError(ctx, w, &attendance.ValidationError{FieldErrors: map[string]string{"direction": "direction must be ENTER or EXIT"}})
		return
	}

	result, err := h.tasks.Dispatch(ctx, task, attendance.Transition{
		Direction:      direction,
		RegionID:       strings.TrimSpace(req.RegionID),
		AccuracyMeters: req.AccuracyMeters,
	})
	if err != nil {
		h.log(ctx, "Transition", "task", task).WarnContext(ctx, "transition not processed", "error", err, "error_kind", attendance.ErrorKind(err))
		h.responder.handleServiceError(ctx, w, err)
		return
	}
	h.responder.writeJSON(ctx, w, http.StatusOK, result)
}

func (h *GeofenceHandler) Queue(w http.ResponseWriter, r *http.Request) {
	items, err := h.queue.Items(r.Context())
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	if items == nil {
		items = []attendance.GeofenceEvent{}
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, map[string]any{"length": len(items), "items": items})
}

func (h *GeofenceHandler) Flush(w http.ResponseWriter, r *http.Request) {
	result, err := h.monitor.Flush(r.Context())
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, result)
}
