// Package http exposes the verification engine to the platform shim over a
// loopback JSON API.
//
// The router exposes the following endpoints:
//   - POST /scan-session: opens the scanning session. Body: {"event_id"}. Response:
//     {"event_id","pin","pin_expires_at","published"}. DELETE /scan-session closes it.
//   - POST /scan-session/pin: rotates the session PIN. POST /scan-session/pin/verify
//     with {"pin"} answers {"valid"} against the live PIN.
//   - POST /scan-session/scans: runs one scanned payload through the admission
//     pipeline. Body: {"payload"}. Response: the `scanResultDTO` in scan_handler.go.
//   - GET /scan-session/notices: recent session notices, newest last.
//   - POST /geofence/monitor: arms monitoring. Body: {"event_id","ends_at","region"}.
//     GET reports the monitor state and binding; DELETE disarms.
//   - POST /geofence/tasks/{task}/transitions: boundary callback from the OS bridge.
//     Body: {"direction","region_id","accuracy_meters"}.
//   - GET /geofence/queue lists pending events; POST /geofence/queue/flush replays them.
//   - GET /events/{event_id}/tokens/{user_id}: the holder's current check-in token.
//   - GET /healthz, GET /diagnostics/logs and GET /metrics.
//
// Request/response DTOs live alongside their respective handlers.
package http
