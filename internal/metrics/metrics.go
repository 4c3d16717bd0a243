// Package metrics exposes Prometheus instrumentation for envelope
// operations.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// defaultRegistry is the default Prometheus registry
	defaultRegistry = prometheus.DefaultRegisterer
)

// Metrics holds all application metrics.
type Metrics struct {
	envelopeOperations *prometheus.CounterVec
	envelopeDuration   *prometheus.HistogramVec
	envelopeErrors     *prometheus.CounterVec
	envelopeBytes      *prometheus.CounterVec
	envelopeRecords    *prometheus.CounterVec
	fallbackUnseals    prometheus.Counter
	identityReloads    prometheus.Counter
	goroutines         prometheus.Gauge
	memoryAllocBytes   prometheus.Gauge
	memorySysBytes     prometheus.Gauge
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	return newMetricsWithRegistry(defaultRegistry)
}

// newMetricsWithRegistry creates a new metrics instance with a custom registry (for testing).
func newMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		envelopeOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "envelope_operations_total",
				Help: "Total number of envelope operations",
			},
			[]string{"operation"}, // "seal", "unseal" or "inspect"
		),
		envelopeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "envelope_duration_seconds",
				Help:    "Envelope operation duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"operation"},
		),
		envelopeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "envelope_errors_total",
				Help: "Total number of envelope operation errors",
			},
			[]string{"operation", "error_type"},
		),
		envelopeBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "envelope_bytes_total",
				Help: "Total plaintext bytes sealed or unsealed",
			},
			[]string{"operation"},
		),
		envelopeRecords: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "envelope_records_total",
				Help: "Total number of chunk records processed",
			},
			[]string{"operation"},
		),
		fallbackUnseals: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "envelope_fallback_unseals_total",
				Help: "Total number of unseals served by the legacy fallback path",
			},
		),
		identityReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "identity_reloads_total",
				Help: "Total number of identity file reloads",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_total",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_sys_bytes",
				Help: "Total bytes of memory obtained from OS",
			},
		),
	}
}

// RecordOperation records a completed envelope operation.
func (m *Metrics) RecordOperation(operation string, duration time.Duration, bytes, records int64) {
	m.envelopeOperations.WithLabelValues(operation).Inc()
	m.envelopeDuration.WithLabelValues(operation).Observe(duration.Seconds())
	m.envelopeBytes.WithLabelValues(operation).Add(float64(bytes))
	m.envelopeRecords.WithLabelValues(operation).Add(float64(records))
}

// RecordError records an envelope operation error.
func (m *Metrics) RecordError(operation, errorType string) {
	m.envelopeErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordFallbackUnseal records an unseal that succeeded through the legacy
// path.
func (m *Metrics) RecordFallbackUnseal() {
	m.fallbackUnseals.Inc()
}

// RecordIdentityReload records a hot reload of the identity file.
func (m *Metrics) RecordIdentityReload() {
	m.identityReloads.Inc()
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// StartSystemMetricsCollector starts a goroutine that periodically updates system metrics.
func (m *Metrics) StartSystemMetricsCollector() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			m.UpdateSystemMetrics()
		}
	}()
}

// Handler returns the HTTP handler for metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
