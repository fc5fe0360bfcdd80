package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/attendance-verifier/internal/attendance"
	"github.com/example/attendance-verifier/internal/geofence"
	"github.com/example/attendance-verifier/internal/logging"
	"github.com/example/attendance-verifier/internal/metrics"
	"github.com/example/attendance-verifier/internal/offlinequeue"
	"github.com/example/attendance-verifier/internal/persistence/memory"
	"github.com/example/attendance-verifier/internal/scan"
	"github.com/example/attendance-verifier/internal/testfixtures"
	"github.com/example/attendance-verifier/internal/token"
)

const taskName = "venue-task"

type apiHarness struct {
	clock   *testfixtures.Clock
	backend *testfixtures.Backend
	ring    *logging.Ring
	handler http.Handler
}

func newAPI(t *testing.T, permissions geofence.StaticPermissions) *apiHarness {
	t.Helper()
	clock := testfixtures.NewClock(time.Time{})
	ring := logging.NewRing(100)
	logger := logging.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}), ring)
	backend := &testfixtures.Backend{
		SubmitFunc: func(_ context.Context, req attendance.CheckinRequest) (attendance.CheckinReceipt, error) {
			parts := strings.Split(req.Token, "|")
			return attendance.CheckinReceipt{UserID: parts[2], CheckedInAtUTC: clock.Now()}, nil
		},
	}
	reg := prometheus.NewRegistry()
	collectors := metrics.New(reg)
	store := memory.New()

	secrets := func(eventID string) (string, error) {
		return token.DeriveEventSecret([]byte("master"), eventID)
	}
	codecs := func(eventID string) (*token.Codec, error) {
		secret, err := secrets(eventID)
		if err != nil {
			return nil, err
		}
		return token.NewCodec(secret, token.Options{Now: clock.NowFunc()}), nil
	}

	session := scan.DefaultConfig("")
	session.Now = clock.NowFunc()
	session.Scheduler = clock
	session.Metrics = collectors
	session.Logger = logger
	manager := scan.NewManager(secrets, backend, scan.ManagerConfig{
		Session:    session,
		HashParams: scan.HashParams{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 8, KeyLength: 16},
	})

	queue := offlinequeue.New(store, offlinequeue.WithLogger(logger), offlinequeue.WithMetrics(collectors))
	monitor := geofence.NewMonitor(store, backend, queue, geofence.Config{
		DeviceTag:   "device-1",
		Permissions: permissions,
		Metrics:     collectors,
		Logger:      logger,
		Now:         clock.NowFunc(),
	})
	registry := geofence.NewRegistry()
	if _, err := registry.Register(taskName, monitor); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	handler := NewRouter(RouterConfig{
		Scan:        NewScanHandler(manager, logger),
		Geofence:    NewGeofenceHandler(monitor, registry, queue, logger),
		Tokens:      NewTokenHandler(codecs, logger),
		Diagnostics: NewDiagnosticsHandler(ring, map[string]HealthCheck{"store": func(context.Context) error { return nil }}, logger),
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Middleware:  []func(http.Handler) http.Handler{RequestLogger(logger), Recoverer(logger)},
	})
	return &apiHarness{clock: clock, backend: backend, ring: ring, handler: handler}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, status int) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, rec.Code, rec.Body.String())
	}
}

func TestScanSessionEndpoints(t *testing.T) {
	h := newAPI(t, true)

	rec := h.do(t, http.MethodPost, "/scan-session", map[string]string{"event_id": "evt-1"})
	expectStatus(t, rec, http.StatusCreated)
	session := decodeBody[sessionResponse](t, rec)
	if session.EventID != "evt-1" || len(session.PIN) != scan.PINDigits || !session.PINLive {
		t.Fatalf("unexpected session %+v", session)
	}

	rec = h.do(t, http.MethodGet, "/events/evt-1/tokens/usr-1", nil)
	expectStatus(t, rec, http.StatusOK)
	issued := decodeBody[tokenResponse](t, rec)
	if !strings.HasPrefix(issued.Token, "v1|evt-1|usr-1|") || !issued.RotatesAt.After(h.clock.Now()) {
		t.Fatalf("unexpected token %+v", issued)
	}

	rec = h.do(t, http.MethodPost, "/scan-session/scans", map[string]string{"payload": "https://checkin.example.com/s?token=" + strings.ReplaceAll(issued.Token, "|", "%7C")})
	expectStatus(t, rec, http.StatusOK)
	result := decodeBody[scanResultDTO](t, rec)
	if result.Outcome != string(scan.OutcomeOK) || result.UserID != "usr-1" || result.CheckedInAt == nil {
		t.Fatalf("unexpected scan result %+v", result)
	}
	if got := h.backend.Checkins[0].PIN; got != session.PIN {
		t.Fatalf("expected live pin %q to be submitted, got %q", session.PIN, got)
	}

	rec = h.do(t, http.MethodPost, "/scan-session/pin/verify", map[string]string{"pin": session.PIN})
	expectStatus(t, rec, http.StatusOK)
	if valid := decodeBody[map[string]bool](t, rec)["valid"]; !valid {
		t.Fatalf("expected live pin to verify")
	}

	rec = h.do(t, http.MethodPost, "/scan-session/pin", nil)
	expectStatus(t, rec, http.StatusOK)
	rotated := decodeBody[sessionResponse](t, rec)
	if rotated.EventID != "evt-1" || rotated.PIN == "" {
		t.Fatalf("unexpected rotation %+v", rotated)
	}

	rec = h.do(t, http.MethodGet, "/scan-session/notices", nil)
	expectStatus(t, rec, http.StatusOK)
	notices := decodeBody[map[string][]noticeDTO](t, rec)["notices"]
	if len(notices) < 2 || notices[0].Kind != string(scan.NoticeScanResult) {
		t.Fatalf("expected scan result and rotation notices, got %+v", notices)
	}

	expectStatus(t, h.do(t, http.MethodDelete, "/scan-session", nil), http.StatusNoContent)
	rec = h.do(t, http.MethodPost, "/scan-session/scans", map[string]string{"payload": issued.Token})
	expectStatus(t, rec, http.StatusConflict)
	if code := decodeBody[errorResponse](t, rec).ErrorCode; code != "session_closed" {
		t.Fatalf("expected session_closed, got %q", code)
	}
}

func TestScanRejectionsAreReported(t *testing.T) {
	h := newAPI(t, true)
	expectStatus(t, h.do(t, http.MethodPost, "/scan-session", map[string]string{"event_id": "evt-1"}), http.StatusCreated)

	rec := h.do(t, http.MethodGet, "/events/evt-2/tokens/usr-1", nil)
	other := decodeBody[tokenResponse](t, rec)

	rec = h.do(t, http.MethodPost, "/scan-session/scans", map[string]string{"payload": other.Token})
	expectStatus(t, rec, http.StatusOK)
	result := decodeBody[scanResultDTO](t, rec)
	if result.Outcome != string(scan.OutcomeEventMismatch) || result.ErrorCode != "event_mismatch" {
		t.Fatalf("expected a token for another event to be reported as a mismatch, got %+v", result)
	}

	rec = h.do(t, http.MethodGet, "/events/evt-1/tokens/usr-2", nil)
	own := decodeBody[tokenResponse](t, rec)
	tampered := strings.Replace(own.Token, "|usr-2|", "|usr-3|", 1)
	h.clock.Advance(time.Second)
	rec = h.do(t, http.MethodPost, "/scan-session/scans", map[string]string{"payload": tampered})
	expectStatus(t, rec, http.StatusOK)
	result = decodeBody[scanResultDTO](t, rec)
	if result.Outcome != string(scan.OutcomeInvalidToken) || result.ErrorCode != "invalid_token" {
		t.Fatalf("expected a tampered token to fail verification, got %+v", result)
	}
	if h.backend.CheckinCount() != 0 {
		t.Fatalf("expected no submission")
	}
}

func TestScanSessionBadRequests(t *testing.T) {
	h := newAPI(t, true)
	expectStatus(t, h.do(t, http.MethodPost, "/scan-session", map[string]string{"event_id": " "}), http.StatusBadRequest)

	req := httptest.NewRequest(http.MethodPost, "/scan-session", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusBadRequest)

	expectStatus(t, h.do(t, http.MethodGet, "/scan-session", nil), http.StatusConflict)
	expectStatus(t, h.do(t, http.MethodPost, "/scan-session/pin", nil), http.StatusConflict)
	expectStatus(t, h.do(t, http.MethodPost, "/scan-session", map[string]string{"event_id": "evt-1"}), http.StatusCreated)
	expectStatus(t, h.do(t, http.MethodPost, "/scan-session/scans", map[string]string{"payload": ""}), http.StatusBadRequest)
}

func TestGeofenceEndpoints(t *testing.T) {
	h := newAPI(t, true)
	arm := map[string]any{
		"event_id": "evt-1",
		"ends_at":  h.clock.Now().Add(2 * time.Hour),
		"region": attendance.Region{
			Identifier: "venue-1", Latitude: 35.68, Longitude: 139.76, RadiusMeters: 100,
			NotifyOnEnter: true, NotifyOnExit: true,
		},
	}

	rec := h.do(t, http.MethodPost, "/geofence/monitor", arm)
	expectStatus(t, rec, http.StatusCreated)
	status := decodeBody[monitorResponse](t, rec)
	if status.State != string(geofence.StateArmed) || status.Binding == nil || status.Binding.EventID != "evt-1" {
		t.Fatalf("unexpected status %+v", status)
	}

	rec = h.do(t, http.MethodPost, "/geofence/tasks/"+taskName+"/transitions", map[string]any{"direction": "enter", "accuracy_meters": 9.5})
	expectStatus(t, rec, http.StatusOK)
	result := decodeBody[geofence.Result](t, rec)
	if result.Outcome != geofence.OutcomeDelivered || result.Event == nil || result.Event.RegionID != "venue-1" {
		t.Fatalf("unexpected transition result %+v", result)
	}

	rec = h.do(t, http.MethodPost, "/geofence/tasks/"+taskName+"/transitions", map[string]any{"direction": "enter"})
	expectStatus(t, rec, http.StatusOK)
	if outcome := decodeBody[geofence.Result](t, rec).Outcome; outcome != geofence.OutcomeDebounced {
		t.Fatalf("expected debounced repeat, got %s", outcome)
	}

	h.backend.ReportFunc = func(context.Context, attendance.GeofenceEvent) error { return attendance.ErrNetworkFailure }
	rec = h.do(t, http.MethodPost, "/geofence/tasks/"+taskName+"/transitions", map[string]any{"direction": "EXIT"})
	expectStatus(t, rec, http.StatusOK)
	if outcome := decodeBody[geofence.Result](t, rec).Outcome; outcome != geofence.OutcomeQueued {
		t.Fatalf("expected queued exit, got %s", outcome)
	}

	rec = h.do(t, http.MethodGet, "/geofence/queue", nil)
	expectStatus(t, rec, http.StatusOK)
	if length := decodeBody[map[string]any](t, rec)["length"]; length != 1.0 {
		t.Fatalf("expected one queued event, got %v", length)
	}

	h.backend.ReportFunc = nil
	rec = h.do(t, http.MethodPost, "/geofence/queue/flush", nil)
	expectStatus(t, rec, http.StatusOK)
	if flush := decodeBody[offlinequeue.FlushResult](t, rec); flush.OK != 1 || flush.Failed != 0 {
		t.Fatalf("unexpected flush result %+v", flush)
	}

	expectStatus(t, h.do(t, http.MethodDelete, "/geofence/monitor", nil), http.StatusNoContent)
	rec = h.do(t, http.MethodGet, "/geofence/monitor", nil)
	expectStatus(t, rec, http.StatusOK)
	if state := decodeBody[monitorResponse](t, rec).State; state != string(geofence.StateInactive) {
		t.Fatalf("expected INACTIVE, got %s", state)
	}

	rec = h.do(t, http.MethodPost, "/geofence/tasks/"+taskName+"/transitions", map[string]any{"direction": "ENTER"})
	expectStatus(t, rec, http.StatusConflict)
}

func TestGeofenceErrors(t *testing.T) {
	h := newAPI(t, false)
	arm := map[string]any{
		"event_id": "evt-1",
		"region":   attendance.Region{Identifier: "venue-1", RadiusMeters: 100, NotifyOnEnter: true},
	}
	expectStatus(t, h.do(t, http.MethodPost, "/geofence/monitor", arm), http.StatusForbidden)

	arm["region"] = attendance.Region{Identifier: "venue-1"}
	rec := h.do(t, http.MethodPost, "/geofence/monitor", arm)
	expectStatus(t, rec, http.StatusUnprocessableEntity)
	if errs := decodeBody[errorResponse](t, rec).Errors; errs["radius_meters"] == "" {
		t.Fatalf("expected field errors, got %v", errs)
	}

	expectStatus(t, h.do(t, http.MethodPost, "/geofence/tasks/unknown/transitions", map[string]any{"direction": "ENTER"}), http.StatusNotFound)
	expectStatus(t, h.do(t, http.MethodPost, "/geofence/tasks/"+taskName+"/transitions", map[string]any{"direction": "UP"}), http.StatusUnprocessableEntity)
}

func TestTokenEndpointRejectsSeparator(t *testing.T) {
	h := newAPI(t, true)
	rec := h.do(t, http.MethodGet, "/events/evt-1/tokens/usr%7C1", nil)
	expectStatus(t, rec, http.StatusUnprocessableEntity)
}

func TestDiagnosticsAndMetrics(t *testing.T) {
	h := newAPI(t, true)
	expectStatus(t, h.do(t, http.MethodPost, "/scan-session", map[string]string{"event_id": "evt-1"}), http.StatusCreated)
	h.do(t, http.MethodPost, "/scan-session/scans", map[string]string{"payload": "garbage"})

	rec := h.do(t, http.MethodGet, "/healthz", nil)
	expectStatus(t, rec, http.StatusOK)
	if status := decodeBody[map[string]any](t, rec)["status"]; status != "ok" {
		t.Fatalf("unexpected health %v", status)
	}

	rec = h.do(t, http.MethodGet, "/diagnostics/logs?limit=5", nil)
	expectStatus(t, rec, http.StatusOK)
	entries := decodeBody[map[string][]logging.Entry](t, rec)["entries"]
	if len(entries) == 0 || len(entries) > 5 {
		t.Fatalf("expected up to 5 log entries, got %d", len(entries))
	}
	expectStatus(t, h.do(t, http.MethodGet, "/diagnostics/logs?limit=x", nil), http.StatusBadRequest)

	rec = h.do(t, http.MethodGet, "/metrics", nil)
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `attendance_scan_outcomes_total{outcome="InvalidToken"} 1`) {
		t.Fatalf("expected scan outcome metric, got:\n%s", rec.Body.String())
	}
}

func TestRouterBasics(t *testing.T) {
	h := newAPI(t, true)

	rec := h.do(t, http.MethodPut, "/scan-session", nil)
	expectStatus(t, rec, http.StatusMethodNotAllowed)
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Fatalf("expected a request id header")
	}

	expectStatus(t, h.do(t, http.MethodGet, "/nowhere", nil), http.StatusNotFound)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "0b8f7e34-7d2c-4d38-9f0e-4c1f7d9a2b11")
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get(RequestIDHeader); got != "0b8f7e34-7d2c-4d38-9f0e-4c1f7d9a2b11" {
		t.Fatalf("expected caller request id to be reused, got %q", got)
	}
}

func TestRecovererReturns500(t *testing.T) {
	handler := Recoverer(slog.New(slog.NewTextHandler(io.Discard, nil)))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(errors.New("boom"))
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	expectStatus(t, rec, http.StatusInternalServerError)
	if msg := decodeBody[errorResponse](t, rec).Message; strings.Contains(msg, "boom") {
		t.Fatalf("panic details must not leak: %q", msg)
	}
}
