// Package metrics exposes Prometheus instrumentation for live sessions, suggestions
// and offline reconciliation. A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "meeting"

// Metrics contains all Prometheus metrics for the platform service
type Metrics struct {
	// Session metrics
	ActiveSessions   prometheus.Gauge
	SessionsStarted  prometheus.Counter
	SessionsFailed   *prometheus.CounterVec
	SessionDuration  prometheus.Histogram
	AudioBytes       prometheus.Counter
	ControlMessages  *prometheus.CounterVec
	ControlThrottled prometheus.Counter

	// Transcript metrics
	TranscriptEvents *prometheus.CounterVec
	MalformedEvents  prometheus.Counter
	SegmentsWritten  prometheus.Counter
	SegmentsDropped  prometheus.Counter

	// Suggestion metrics
	SuggestionTriggers prometheus.Counter
	SuggestionAttempts prometheus.Counter
	SuggestionOutcomes *prometheus.CounterVec
	SuggestionLatency  prometheus.Histogram
	BreakerState       *prometheus.GaugeVec

	// Reconciliation metrics
	ReconcileQueued   prometheus.Counter
	ReconcileDropped  prometheus.Counter
	ReconcileOutcomes *prometheus.CounterVec
	ReconcileDuration prometheus.Histogram
	UploadsSkipped    prometheus.Counter

	// HTTP API metrics
	HTTPRequests *prometheus.CounterVec
}

// New creates and registers all metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Current number of live transcription sessions",
		}),
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of sessions that reached the streaming state",
		}),
		SessionsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_failed_total",
			Help:      "Total number of sessions ended by an error, by error code",
		}, []string{"code"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of live sessions",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 10), // 10s to ~85 minutes
		}),
		AudioBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Total bytes of audio forwarded to the speech provider",
		}),
		ControlMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_messages_total",
			Help:      "Control messages received from clients, by type",
		}, []string{"type"}),
		ControlThrottled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_messages_throttled_total",
			Help:      "Control messages dropped by the per-connection rate limiter",
		}),
		TranscriptEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_events_total",
			Help:      "Normalized transcript events, by finality",
		}, []string{"final"}),
		MalformedEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_events_malformed_total",
			Help:      "Speech provider events dropped because their shape was not recognized",
		}),
		SegmentsWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_segments_written_total",
			Help:      "Live transcript segments persisted",
		}),
		SegmentsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_segments_dropped_total",
			Help:      "Live transcript segments dropped because the store fell behind",
		}),
		SuggestionTriggers: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suggestion_triggers_total",
			Help:      "Silence episodes that triggered a suggestion",
		}),
		SuggestionAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suggestion_attempts_total",
			Help:      "Language-model generation attempts",
		}),
		SuggestionOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suggestion_outcomes_total",
			Help:      "Suggestion pipeline results, by outcome",
		}, []string{"outcome"}),
		SuggestionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "suggestion_duration_seconds",
			Help:      "Time from trigger to suggestion completion",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8), // 250ms to ~32s
		}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"breaker"}),
		ReconcileQueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_jobs_queued_total",
			Help:      "Reconciliation jobs accepted by the queue",
		}),
		ReconcileDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_jobs_dropped_total",
			Help:      "Reconciliation jobs rejected because the queue was full or stopped",
		}),
		ReconcileOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_jobs_total",
			Help:      "Finished reconciliation jobs, by outcome",
		}, []string{"outcome"}),
		ReconcileDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of reconciliation jobs",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),
		UploadsSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_skipped_total",
			Help:      "Uploads skipped because the content hash was already stored",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP API requests",
		}, []string{"route", "status_code"}),
	}
}

// RecordSessionStart records a session entering the streaming state
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionEnd records a finished session
func (m *Metrics) RecordSessionEnd(d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(d.Seconds())
}

// RecordSessionFailure records a session-fatal error
func (m *Metrics) RecordSessionFailure(code string) {
	if m == nil {
		return
	}
	m.SessionsFailed.WithLabelValues(code).Inc()
}

// RecordAudio records forwarded audio bytes
func (m *Metrics) RecordAudio(n int) {
	if m == nil {
		return
	}
	m.AudioBytes.Add(float64(n))
}

// RecordControl records an accepted or throttled control message
func (m *Metrics) RecordControl(kind string, throttled bool) {
	if m == nil {
		return
	}
	if throttled {
		m.ControlThrottled.Inc()
		return
	}
	m.ControlMessages.WithLabelValues(kind).Inc()
}

// RecordTranscript records a normalized transcript event
func (m *Metrics) RecordTranscript(final bool) {
	if m == nil {
		return
	}
	label := "false"
	if final {
		label = "true"
	}
	m.TranscriptEvents.WithLabelValues(label).Inc()
}

// RecordMalformed records a dropped provider event
func (m *Metrics) RecordMalformed() {
	if m == nil {
		return
	}
	m.MalformedEvents.Inc()
}

// RecordSegments records persisted live segments
func (m *Metrics) RecordSegments(n int) {
	if m == nil {
		return
	}
	m.SegmentsWritten.Add(float64(n))
}

// RecordSegmentsDropped records live segments that never reached the store
func (m *Metrics) RecordSegmentsDropped(n int) {
	if m == nil {
		return
	}
	m.SegmentsDropped.Add(float64(n))
}

// RecordTrigger records a silence trigger
func (m *Metrics) RecordTrigger() {
	if m == nil {
		return
	}
	m.SuggestionTriggers.Inc()
}

// RecordAttempt records one generation attempt
func (m *Metrics) RecordAttempt() {
	if m == nil {
		return
	}
	m.SuggestionAttempts.Inc()
}

// RecordSuggestion records a pipeline outcome: delivered, failed or aborted
func (m *Metrics) RecordSuggestion(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.SuggestionOutcomes.WithLabelValues(outcome).Inc()
	if outcome == "delivered" {
		m.SuggestionLatency.Observe(d.Seconds())
	}
}

// RecordBreakerState records a breaker transition
func (m *Metrics) RecordBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordReconcileQueued records an enqueue attempt
func (m *Metrics) RecordReconcileQueued(accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.ReconcileQueued.Inc()
		return
	}
	m.ReconcileDropped.Inc()
}

// RecordReconcile records a finished reconciliation job
func (m *Metrics) RecordReconcile(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ReconcileOutcomes.WithLabelValues(outcome).Inc()
	m.ReconcileDuration.Observe(d.Seconds())
}

// RecordUploadSkipped records an idempotent upload hit
func (m *Metrics) RecordUploadSkipped() {
	if m == nil {
		return
	}
	m.UploadsSkipped.Inc()
}

// RecordHTTPRequest records an HTTP API request
func (m *Metrics) RecordHTTPRequest(route string, statusCode int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
}
