// Package backend talks to the remote attendance service. Calls are JSON
// remote procedures posted to <base>/rpc/<name>; transport problems surface as
// attendance.ErrNetworkFailure and business rule refusals as
// *attendance.RejectionError.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/example/attendance-verifier/internal/attendance"
	"github.com/example/attendance-verifier/internal/metrics"
)

// Remote procedure names.
const (
	RPCCheckin       = "checkin_with_pin"
	RPCCheckinLegacy = "checkin_by_token"
	RPCGeofenceEvent = "report_geofence_event"
	RPCRotatePIN     = "rotate_checkin_pin"
)

const (
	defaultTimeout  = 10 * time.Second
	maxErrorPayload = 64 << 10
)

// EventLog stores geofence events directly when the reporting procedure is
// missing server side. Appending an existing idempotency key is a no-op.
type EventLog interface {
	AppendGeofenceEvent(ctx context.Context, event attendance.GeofenceEvent) error
}

// Options configure a Client.
type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	// EventLog receives geofence events when RPCGeofenceEvent is unavailable.
	EventLog EventLog
	Metrics  *metrics.Collectors
	Logger   *slog.Logger
}

// Client implements attendance.CheckinSubmitter, attendance.GeofenceReporter
// and attendance.PINPublisher.
type Client struct {
	baseURL  string
	apiKey   string
	http     *http.Client
	eventLog EventLog
	metrics  *metrics.Collectors
	logger   *slog.Logger
}

// NewClient validates opts and returns a Client.
func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("backend: base url is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:  base,
		apiKey:   opts.APIKey,
		http:     httpClient,
		eventLog: opts.EventLog,
		metrics:  opts.Metrics,
		logger:   attendance.DefaultLogger(opts.Logger),
	}, nil
}

// SetEventLog replaces the geofence fallback.
func (c *Client) SetEventLog(log EventLog) {
	c.eventLog = log
}

type checkinBody struct {
	Token     string `json:"token"`
	PIN       string `json:"pin,omitempty"`
	DeviceTag string `json:"device_tag,omitempty"`
	EventID   string `json:"event_id"`
}

type checkinResponse struct {
	UserID      string    `json:"user_id"`
	CheckedInAt time.Time `json:"checked_in_at"`
}

// SubmitCheckin credits the holder of req.Token. When the PIN-gated procedure
// is not deployed it falls back to the legacy token-only procedure.
func (c *Client) SubmitCheckin(ctx context.Context, req attendance.CheckinRequest) (attendance.CheckinReceipt, error) {
	var resp checkinResponse
	err := c.rpc(ctx, RPCCheckin, checkinBody{
		Token:     req.Token,
		PIN:       req.PIN,
		DeviceTag: req.DeviceTag,
		EventID:   req.EventID,
	}, &resp)
	if errors.Is(err, attendance.ErrRPCUnavailable) {
		attendance.ComponentLogger(ctx, c.logger, "BackendClient", "SubmitCheckin", "event_id", req.EventID).
			WarnContext(ctx, "pin check-in procedure unavailable, using legacy procedure")
		resp = checkinResponse{}
		err = c.rpc(ctx, RPCCheckinLegacy, checkinBody{Token: req.Token, EventID: req.EventID}, &resp)
	}
	if err != nil {
		return attendance.CheckinReceipt{}, err
	}
	if resp.UserID == "" {
		return attendance.CheckinReceipt{}, &attendance.RejectionError{Code: "invalid_response", Message: "Check-in response carried no user"}
	}
	return attendance.CheckinReceipt{UserID: resp.UserID, CheckedInAtUTC: resp.CheckedInAt.UTC()}, nil
}

type geofenceBody struct {
	EventID        string    `json:"event_id"`
	Direction      string    `json:"direction"`
	AtUTC          time.Time `json:"at_utc"`
	RegionID       string    `json:"region_id,omitempty"`
	AccuracyMeters *float64  `json:"accuracy_meters,omitempty"`
	DeviceTag      string    `json:"device_tag,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
}

func newGeofenceBody(event attendance.GeofenceEvent) geofenceBody {
	return geofenceBody{
		EventID:        event.EventID,
		Direction:      string(event.Direction),
		AtUTC:          event.Timestamp.UTC(),
		RegionID:       event.RegionID,
		AccuracyMeters: event.AccuracyMeters,
		DeviceTag:      event.DeviceTag,
		IdempotencyKey: event.IdempotencyKey,
	}
}

// ReportGeofenceEvent delivers event, appending it to the event log when the
// procedure is not deployed.
func (c *Client) ReportGeofenceEvent(ctx context.Context, event attendance.GeofenceEvent) error {
	err := c.rpc(ctx, RPCGeofenceEvent, newGeofenceBody(event), nil)
	if errors.Is(err, attendance.ErrRPCUnavailable) && c.eventLog != nil {
		attendance.ComponentLogger(ctx, c.logger, "BackendClient", "ReportGeofenceEvent", "idempotency_key", event.IdempotencyKey).
			WarnContext(ctx, "geofence procedure unavailable, writing to event log")
		started := time.Now()
		err = c.eventLog.AppendGeofenceEvent(ctx, event)
		c.metrics.ObserveBackendCall("event_log", started, err)
	}
	return err
}

// PublishSessionPIN announces the live session PIN.
func (c *Client) PublishSessionPIN(ctx context.Context, eventID, pin string, expiresAt time.Time) error {
	body := struct {
		EventID   string    `json:"event_id"`
		PIN       string    `json:"pin"`
		ExpiresAt time.Time `json:"expires_at"`
	}{EventID: eventID, PIN: pin, ExpiresAt: expiresAt.UTC()}
	return c.rpc(ctx, RPCRotatePIN, body, nil)
}

func (c *Client) rpc(ctx context.Context, name string, in, out any) (err error) {
	started := time.Now()
	defer func() {
		c.metrics.ObserveBackendCall(name, started, err)
		if err != nil {
			attendance.ComponentLogger(ctx, c.logger, "BackendClient", name).
				WarnContext(ctx, "backend call failed", "error", err, "error_kind", attendance.ErrorKind(err))
		}
	}()
	return c.postJSON(ctx, c.baseURL+"/rpc/"+name, nil, in, out)
}

func (c *Client) postJSON(ctx context.Context, url string, headers map[string]string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("backend: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", attendance.ErrNetworkFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %v", attendance.ErrNetworkFailure, err)
		}
		return nil
	}
	return statusError(resp)
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorPayload))
	var payload errorPayload
	_ = json.Unmarshal(raw, &payload)
	message := payload.Message
	if message == "" {
		message = payload.Error
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", attendance.ErrRPCUnavailable, resp.Request.URL.Path)
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", attendance.ErrNetworkFailure, resp.StatusCode)
	}

	code := payload.Code
	if code == "" {
		code = fmt.Sprintf("http_%d", resp.StatusCode)
	}
	return &attendance.RejectionError{Code: code, Message: message}
}
