// Package metrics exposes the engine's counters through a private
// Prometheus registry.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
type Metrics struct {
	// Evaluation loop
	EvaluationsRun    atomic.Uint64
	TicksSkipped      atomic.Uint64 // ticks with no fresh detector pair
	DisturbancesFound atomic.Uint64
	AlertsEmitted     atomic.Uint64
	TickLatencyMs     atomic.Uint64 // last evaluate+publish duration

	// Intake
	FramesIngested atomic.Uint64
	IngestErrors   atomic.Uint64

	// Fan-out
	FramesBroadcast atomic.Uint64
	FramesDropped   atomic.Uint64
	WSClients       atomic.Uint64
	MJPEGClients    atomic.Uint64

	// Protection state
	Armed            atomic.Uint64 // 0 = idle, 1 = armed
	ProtectedObjects atomic.Uint64

	registry *prometheus.Registry
}

// New creates a Metrics instance with its Prometheus collectors registered.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.register()
	return m
}

func (m *Metrics) register() {
	gauges := []struct {
		name string
		help string
		load func() float64
	}{
		{"protection_evaluations_total", "Total frame evaluations run",
			func() float64 { return float64(m.EvaluationsRun.Load()) }},
		{"protection_ticks_skipped_total", "Evaluation ticks skipped for lack of a fresh detector pair",
			func() float64 { return float64(m.TicksSkipped.Load()) }},
		{"protection_disturbances_total", "Total disturbances classified",
			func() float64 { return float64(m.DisturbancesFound.Load()) }},
		{"protection_alerts_emitted_total", "Total deduplicated alert events emitted",
			func() float64 { return float64(m.AlertsEmitted.Load()) }},
		{"protection_tick_latency_ms", "Duration of the last evaluate-and-publish cycle",
			func() float64 { return float64(m.TickLatencyMs.Load()) }},
		{"protection_frames_ingested_total", "Total detector pairs received on the intake endpoint",
			func() float64 { return float64(m.FramesIngested.Load()) }},
		{"protection_ingest_errors_total", "Total rejected intake payloads",
			func() float64 { return float64(m.IngestErrors.Load()) }},
		{"protection_frames_broadcast_total", "Total frames published to subscribers",
			func() float64 { return float64(m.FramesBroadcast.Load()) }},
		{"protection_frames_dropped_total", "Total frames evicted from slow subscriber queues",
			func() float64 { return float64(m.FramesDropped.Load()) }},
		{"protection_ws_clients", "Connected websocket stream subscribers",
			func() float64 { return float64(m.WSClients.Load()) }},
		{"protection_mjpeg_clients", "Connected MJPEG stream subscribers",
			func() float64 { return float64(m.MJPEGClients.Load()) }},
		{"protection_armed", "Protection state (0=idle, 1=armed)",
			func() float64 { return float64(m.Armed.Load()) }},
		{"protection_objects", "Number of objects in the active baseline",
			func() float64 { return float64(m.ProtectedObjects.Load()) }},
	}

	for _, g := range gauges {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			g.load,
		))
	}
}

// ObserveTick records the duration of one evaluation cycle.
func (m *Metrics) ObserveTick(start time.Time) {
	m.TickLatencyMs.Store(uint64(time.Since(start).Milliseconds()))
}

// SetArmed mirrors the guard state into the gauges.
func (m *Metrics) SetArmed(armed bool, objectCount int) {
	if armed {
		m.Armed.Store(1)
	} else {
		m.Armed.Store(0)
	}
	m.ProtectedObjects.Store(uint64(objectCount))
}

// Handler returns the Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
