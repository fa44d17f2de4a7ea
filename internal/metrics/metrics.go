// Package metrics provides Prometheus metrics for waterwatch sessions.
// Labels never carry camera ids to keep cardinality bounded.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks sessions currently registered.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "waterwatch_active_sessions",
		Help: "Current number of registered camera sessions.",
	})

	// SessionTerminations counts finished sessions by termination reason.
	SessionTerminations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waterwatch_session_terminations_total",
		Help: "Total number of terminated sessions, by reason.",
	}, []string{"reason"})

	// ProbeAttempts counts device probe attempts by outcome.
	ProbeAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waterwatch_device_probe_attempts_total",
		Help: "Total number of device probe attempts, by outcome.",
	}, []string{"outcome"})

	// FramesDelivered counts frame messages handed to a transport.
	FramesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waterwatch_frames_delivered_total",
		Help: "Total number of frame messages handed to observers.",
	})

	// FramesDropped counts frames replaced before a slow observer got them.
	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waterwatch_frames_dropped_total",
		Help: "Total number of frames coalesced away for slow observers.",
	})

	// EncodeFailures counts frames skipped because JPEG encoding failed.
	EncodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waterwatch_encode_failures_total",
		Help: "Total number of frames skipped due to encoding failure.",
	})

	// PersistenceFailures counts failed gateway writes by operation.
	PersistenceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waterwatch_persistence_failures_total",
		Help: "Total number of failed persistence writes, by operation.",
	}, []string{"op"})

	// ThresholdCrossings counts readings rising above a camera's alert threshold.
	ThresholdCrossings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waterwatch_threshold_crossings_total",
		Help: "Total number of readings crossing above the alert threshold.",
	})

	// CaptureRevision is the capture settings revision new devices open with.
	CaptureRevision = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "waterwatch_capture_config_revision",
		Help: "Revision of the capture settings applied on device open.",
	})

	// AnalysisDuration observes per-frame analysis time.
	AnalysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "waterwatch_frame_analysis_seconds",
		Help:    "Time spent analyzing one frame.",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25},
	})
)

// RecordTermination increments the termination counter.
func RecordTermination(reason string) {
	SessionTerminations.WithLabelValues(reason).Inc()
}

// RecordProbe increments the probe attempt counter.
func RecordProbe(outcome string) {
	ProbeAttempts.WithLabelValues(outcome).Inc()
}

// RecordPersistenceFailure increments the persistence failure counter.
func RecordPersistenceFailure(op string) {
	PersistenceFailures.WithLabelValues(op).Inc()
}

// ObserveAnalysis records how long one frame analysis took.
func ObserveAnalysis(d time.Duration) {
	AnalysisDuration.Observe(d.Seconds())
}
