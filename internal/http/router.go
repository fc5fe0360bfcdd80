package http

import (
	"net/http"

	"github.com/gorilla/mux"
)

// RouterConfig collects the handlers mounted by NewRouter. Nil handlers are skipped.
type RouterConfig struct {
	Scan        *ScanHandler
	Geofence    *GeofenceHandler
	Tokens      *TokenHandler
	Diagnostics *DiagnosticsHandler
	Metrics     http.Handler
	Middleware  []func(http.Handler) http.Handler
}

// NewRouter builds the loopback API.
func NewRouter(cfg RouterConfig) http.Handler {
	r := mux.NewRouter()
	notFound := newResponder(nil)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		notFound.writeError(req.Context(), w, http.StatusNotFound, nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		notFound.writeError(req.Context(), w, http.StatusMethodNotAllowed, nil)
	})

	if cfg.Scan != nil {
		r.HandleFunc("/scan-session", cfg.Scan.Open).Methods(http.MethodPost)
		r.HandleFunc("/scan-session", cfg.Scan.Get).Methods(http.MethodGet)
		r.HandleFunc("/scan-session", cfg.Scan.Close).Methods(http.MethodDelete)
		r.HandleFunc("/scan-session/pin", cfg.Scan.RotatePIN).Methods(http.MethodPost)
		r.HandleFunc("/scan-session/pin/verify", cfg.Scan.VerifyPIN).Methods(http.MethodPost)
		r.HandleFunc("/scan-session/scans", cfg.Scan.Scan).Methods(http.MethodPost)
		r.HandleFunc("/scan-session/notices", cfg.Scan.Notices).Methods(http.MethodGet)
	}

	if cfg.Geofence != nil {
		r.HandleFunc("/geofence/monitor", cfg.Geofence.Arm).Methods(http.MethodPost)
		r.HandleFunc("/geofence/monitor", cfg.Geofence.Status).Methods(http.MethodGet)
		r.HandleFunc("/geofence/monitor", cfg.Geofence.Disarm).Methods(http.MethodDelete)
		r.HandleFunc("/geofence/tasks/{task}/transitions", cfg.Geofence.Transition).Methods(http.MethodPost)
		r.HandleFunc("/geofence/queue", cfg.Geofence.Queue).Methods(http.MethodGet)
		r.HandleFunc("/geofence/queue/flush", cfg.Geofence.Flush).Methods(http.MethodPost)
	}

	if cfg.Tokens != nil {
		r.HandleFunc("/events/{event_id}/tokens/{user_id}", cfg.Tokens.Issue).Methods(http.MethodGet)
	}

	if cfg.Diagnostics != nil {
		r.HandleFunc("/healthz", cfg.Diagnostics.Health).Methods(http.MethodGet)
		r.HandleFunc("/diagnostics/logs", cfg.Diagnostics.Logs).Methods(http.MethodGet)
	}

	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics).Methods(http.MethodGet)
	}

	var handler http.Handler = r
	for i := len(cfg.Middleware) - 1; i >= 0; i-- {
		if cfg.Middleware[i] != nil {
			handler = cfg.Middleware[i](handler)
		}
	}
	return handler
}
