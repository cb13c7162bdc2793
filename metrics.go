package models

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "jarvis_models"

// Metrics holds the Prometheus collectors for catalog and download activity.
// A nil *Metrics records nothing.
type Metrics struct {
	// catalogLoads counts loads by serving source and result.
	// Labels: source (cache, remote, local, none), result (ok, error)
	catalogLoads *prometheus.CounterVec

	// downloads counts finished download attempts.
	// Labels: result (published, already_installed, checksum_mismatch, failed, cancelled)
	downloads *prometheus.CounterVec

	// downloadDuration measures attempts from start to terminal event.
	downloadDuration *prometheus.HistogramVec

	// bytes counts artifact bytes read from the network.
	bytes prometheus.Counter

	// inFlight is the number of running background downloads.
	inFlight prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		catalogLoads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "catalog",
			Name:      "loads_total",
			Help:      "Catalog loads by serving source and result",
		}, []string{"source", "result"}),
		downloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "download",
			Name:      "attempts_total",
			Help:      "Finished download attempts by result",
		}, []string{"result"}),
		downloadDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "download",
			Name:      "duration_seconds",
			Help:      "Download attempt duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800, 3600},
		}, []string{"result"}),
		bytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "download",
			Name:      "bytes_total",
			Help:      "Artifact bytes fetched from the network",
		}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "download",
			Name:      "in_flight",
			Help:      "Background downloads currently running",
		}),
	}
}

func (m *Metrics) catalogLoaded(source string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.catalogLoads.WithLabelValues(source, result).Inc()
}

func (m *Metrics) downloadFinished(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(result).Inc()
	m.downloadDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) bytesFetched(n int) {
	if m == nil {
		return
	}
	m.bytes.Add(float64(n))
}

func (m *Metrics) setInFlight(n int) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(n))
}
