package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the recorder's Prometheus collectors.
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry *prometheus.Registry

	chunksFinalized prometheus.Counter
	chunkBytes      prometheus.Counter
	chunkDuration   prometheus.Histogram
	samplesWritten  prometheus.Counter
	samplesDropped  prometheus.Counter
	recordingErrors *prometheus.CounterVec
	uploads         *prometheus.CounterVec
	recordingState  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		chunksFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chunkrec",
			Name:      "chunks_finalized_total",
			Help:      "Number of chunk files finalized.",
		}),
		chunkBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chunkrec",
			Name:      "chunk_bytes_total",
			Help:      "Bytes written to finalized chunk files.",
		}),
		chunkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chunkrec",
			Name:      "chunk_duration_seconds",
			Help:      "Media duration covered by each finalized chunk.",
			Buckets:   []float64{0.5, 1, 2, 4, 6, 8, 10, 15, 30, 60},
		}),
		samplesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chunkrec",
			Name:      "samples_written_total",
			Help:      "Encoded samples appended to chunk files.",
		}),
		samplesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chunkrec",
			Name:      "samples_dropped_total",
			Help:      "Encoded samples dropped after a best-effort write failure.",
		}),
		recordingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chunkrec",
			Name:      "recording_errors_total",
			Help:      "Recording errors by kind.",
		}, []string{"kind"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chunkrec",
			Name:      "uploads_total",
			Help:      "Chunk uploads by result.",
		}, []string{"result"}),
		recordingState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chunkrec",
			Name:      "recording_state",
			Help:      "Current recorder state (0 idle, 1 recording, 2 stopping, 3 stopped).",
		}),
	}

	m.registry.MustRegister(
		m.chunksFinalized,
		m.chunkBytes,
		m.chunkDuration,
		m.samplesWritten,
		m.samplesDropped,
		m.recordingErrors,
		m.uploads,
		m.recordingState,
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// HTTPHandler serves the registry in the Prometheus exposition format.
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.InstrumentMetricHandler(m.registry, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// ChunkFinalized records a finalized chunk.
func (m *Metrics) ChunkFinalized(bytes int64, duration time.Duration) {
	if m == nil {
		return
	}
	m.chunksFinalized.Inc()
	m.chunkBytes.Add(float64(bytes))
	m.chunkDuration.Observe(duration.Seconds())
}

// SampleWritten records one sample appended to a chunk.
func (m *Metrics) SampleWritten() {
	if m == nil {
		return
	}
	m.samplesWritten.Inc()
}

// SampleDropped records one sample lost to a best-effort write failure.
func (m *Metrics) SampleDropped() {
	if m == nil {
		return
	}
	m.samplesDropped.Inc()
}

// RecordingError counts an error of the given kind.
func (m *Metrics) RecordingError(kind string) {
	if m == nil {
		return
	}
	m.recordingErrors.WithLabelValues(kind).Inc()
}

// Upload counts an upload attempt outcome ("ok" or "failed").
func (m *Metrics) Upload(result string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(result).Inc()
}

// SetRecordingState publishes the recorder state.
func (m *Metrics) SetRecordingState(state int) {
	if m == nil {
		return
	}
	m.recordingState.Set(float64(state))
}
