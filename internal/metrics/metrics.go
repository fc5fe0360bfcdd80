// Package metrics exposes Prometheus collectors for the verification engine.
// A nil *Collectors is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors groups the engine's metrics.
type Collectors struct {
	ScanOutcomes       *prometheus.CounterVec
	GeofenceEvents     *prometheus.CounterVec
	QueueLength        prometheus.Gauge
	QueueFlushes       *prometheus.CounterVec
	BackendCallSeconds *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg when non-nil.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		ScanOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attendance_scan_outcomes_total",
				Help: "Scan attempts by outcome",
			},
			[]string{"outcome"},
		),
		GeofenceEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attendance_geofence_events_total",
				Help: "Geofence callbacks by direction and result (debounced, delivered, queued, ignored)",
			},
			[]string{"direction", "result"},
		),
		QueueLength: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "attendance_offline_queue_length",
				Help: "Events waiting in the offline queue",
			},
		),
		QueueFlushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attendance_offline_queue_flushed_total",
				Help: "Queued events processed by flushes, by result",
			},
			[]string{"result"},
		),
		BackendCallSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "attendance_backend_call_duration_seconds",
				Help:    "Backend RPC latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"call", "result"},
		),
	}
	if reg != nil {
		reg.MustRegister(c.ScanOutcomes, c.GeofenceEvents, c.QueueLength, c.QueueFlushes, c.BackendCallSeconds)
	}
	return c
}

// ObserveScan counts one scan outcome.
func (c *Collectors) ObserveScan(outcome string) {
	if c == nil {
		return
	}
	c.ScanOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveGeofence counts one geofence callback result.
func (c *Collectors) ObserveGeofence(direction, result string) {
	if c == nil {
		return
	}
	c.GeofenceEvents.WithLabelValues(direction, result).Inc()
}

// SetQueueLength records the current offline queue size.
func (c *Collectors) SetQueueLength(n int) {
	if c == nil {
		return
	}
	c.QueueLength.Set(float64(n))
}

// ObserveFlush counts items delivered and retained by one flush.
func (c *Collectors) ObserveFlush(ok, failed int) {
	if c == nil {
		return
	}
	c.QueueFlushes.WithLabelValues("delivered").Add(float64(ok))
	c.QueueFlushes.WithLabelValues("retained").Add(float64(failed))
}

// ObserveBackendCall records the latency of one backend call.
func (c *Collectors) ObserveBackendCall(call string, started time.Time, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.BackendCallSeconds.WithLabelValues(call, result).Observe(time.Since(started).Seconds())
}
