// Package metrics exposes Prometheus instrumentation for the capture and
// transcription pipeline. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the bridge.
type Metrics struct {
	// Capture metrics
	SegmentsCaptured  *prometheus.CounterVec
	SegmentsDiscarded *prometheus.CounterVec
	SegmentDuration   *prometheus.HistogramVec
	QueueDepth        prometheus.Gauge

	// Device metrics
	DeviceFaults    *prometheus.CounterVec
	Reconnects      *prometheus.CounterVec
	ConnectionState prometheus.Gauge

	// Transcription metrics
	TranscriptionRequests *prometheus.CounterVec
	TranscriptionDuration *prometheus.HistogramVec
	Fallbacks             prometheus.Counter
	RemoteRetries         prometheus.Counter
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SegmentsCaptured: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gostt_segments_captured_total",
			Help: "Audio segments emitted by the capture engines",
		}, []string{"source"}),
		SegmentsDiscarded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gostt_segments_discarded_total",
			Help: "Segments dropped after exhausting transcription attempts",
		}, []string{"source"}),
		SegmentDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gostt_segment_duration_seconds",
			Help:    "Duration of captured audio segments",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 0.25s to ~2 minutes
		}, []string{"source"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "gostt_segment_queue_depth",
			Help: "Segments waiting for transcription",
		}),

		DeviceFaults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gostt_device_faults_total",
			Help: "Device-class audio errors reported",
		}, []string{"source"}),
		Reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gostt_reconnects_total",
			Help: "Completed device reconnection cycles",
		}, []string{"result"}),
		ConnectionState: f.NewGauge(prometheus.GaugeOpts{
			Name: "gostt_connection_state",
			Help: "Audio connection state (0 connected, 1 disconnected, 2 reconnecting, 3 failed)",
		}),

		TranscriptionRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gostt_transcription_requests_total",
			Help: "Transcription calls by strategy and result",
		}, []string{"strategy", "result"}),
		TranscriptionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gostt_transcription_duration_seconds",
			Help:    "Time spent transcribing a segment",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}, []string{"strategy"}),
		Fallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "gostt_transcription_fallbacks_total",
			Help: "Segments handed to the fallback strategy",
		}),
		RemoteRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "gostt_remote_retries_total",
			Help: "Retried remote transcription requests",
		}),
	}
}

func (m *Metrics) SegmentCaptured(source string, d time.Duration) {
	if m == nil {
		return
	}
	m.SegmentsCaptured.WithLabelValues(source).Inc()
	m.SegmentDuration.WithLabelValues(source).Observe(d.Seconds())
}

func (m *Metrics) SegmentDiscarded(source string) {
	if m == nil {
		return
	}
	m.SegmentsDiscarded.WithLabelValues(source).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) DeviceFault(source string) {
	if m == nil {
		return
	}
	m.DeviceFaults.WithLabelValues(source).Inc()
}

func (m *Metrics) Reconnect(ok bool) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) SetConnectionState(state int) {
	if m == nil {
		return
	}
	m.ConnectionState.Set(float64(state))
}

func (m *Metrics) Transcription(strategy string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.TranscriptionRequests.WithLabelValues(strategy, result(ok)).Inc()
	m.TranscriptionDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

func (m *Metrics) Fallback() {
	if m == nil {
		return
	}
	m.Fallbacks.Inc()
}

func (m *Metrics) RemoteRetry() {
	if m == nil {
		return
	}
	m.RemoteRetries.Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
