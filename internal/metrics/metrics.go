// Package metrics exposes Prometheus instrumentation for scans and providers.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/visibility-cli/internal/model"
)

// Metrics holds every collector the scanner reports. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	ProviderRequests *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	ProviderCost     *prometheus.CounterVec
	ProviderTokens   *prometheus.CounterVec

	ScansTotal      *prometheus.CounterVec
	VisibilityScore prometheus.Histogram

	BatchesTotal   *prometheus.CounterVec
	BatchDuration  prometheus.Histogram
	BatchesRunning prometheus.Gauge

	SnapshotsRecorded prometheus.Counter
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ProviderRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "visibility_provider_requests_total",
			Help: "Provider scan calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
		ProviderLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "visibility_provider_latency_seconds",
			Help:    "Provider scan call latency in seconds.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		}, []string{"provider"}),
		ProviderCost: f.NewCounterVec(prometheus.CounterOpts{
			Name: "visibility_provider_cost_usd_total",
			Help: "Estimated provider spend in USD.",
		}, []string{"provider"}),
		ProviderTokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "visibility_provider_tokens_total",
			Help: "Provider tokens consumed by direction.",
		}, []string{"provider", "direction"}),
		ScansTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "visibility_scans_total",
			Help: "Entity scans by terminal status.",
		}, []string{"status"}),
		VisibilityScore: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "visibility_score",
			Help:    "Distribution of computed visibility scores.",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
		BatchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "visibility_batches_total",
			Help: "Scan batches by terminal status.",
		}, []string{"status"}),
		BatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "visibility_batch_duration_seconds",
			Help:    "Wall time of scan batches.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		BatchesRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "visibility_batches_running",
			Help: "Scan batches currently processing.",
		}),
		SnapshotsRecorded: f.NewCounter(prometheus.CounterOpts{
			Name: "visibility_snapshots_recorded_total",
			Help: "Market snapshots appended to history.",
		}),
	}
}

// ObserveProvider records one provider invocation.
func (m *Metrics) ObserveProvider(r model.ProviderResult) {
	if m == nil {
		return
	}
	outcome := "ok"
	if r.Failed() {
		outcome = "error"
	}
	m.ProviderRequests.WithLabelValues(r.Provider, outcome).Inc()
	m.ProviderLatency.WithLabelValues(r.Provider).Observe(float64(r.LatencyMS) / 1000)
	m.ProviderCost.WithLabelValues(r.Provider).Add(r.Cost)
	m.ProviderTokens.WithLabelValues(r.Provider, "input").Add(float64(r.Usage.InputTokens))
	m.ProviderTokens.WithLabelValues(r.Provider, "output").Add(float64(r.Usage.OutputTokens))
}

// ObserveScan records an entity scan reaching a terminal status.
func (m *Metrics) ObserveScan(status model.ScanStatus, score int) {
	if m == nil {
		return
	}
	m.ScansTotal.WithLabelValues(string(status)).Inc()
	if status == model.ScanStatusCompleted {
		m.VisibilityScore.Observe(float64(score))
	}
}

// BatchStarted marks a batch as running.
func (m *Metrics) BatchStarted() {
	if m == nil {
		return
	}
	m.BatchesRunning.Inc()
}

// BatchFinished records a batch reaching a terminal status.
func (m *Metrics) BatchFinished(status model.BatchStatus, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.BatchesRunning.Dec()
	m.BatchesTotal.WithLabelValues(string(status)).Inc()
	m.BatchDuration.Observe(elapsed.Seconds())
}

// SnapshotRecorded counts an appended market snapshot.
func (m *Metrics) SnapshotRecorded() {
	if m == nil {
		return
	}
	m.SnapshotsRecorded.Inc()
}
