package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// value reads the current value of a counter or gauge.
func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	}
	t.Fatalf("metric is neither counter nor gauge")
	return 0
}

func TestSessionLifecycle(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordSessionStart()
	m.RecordSessionStart()
	m.RecordSessionEnd(30 * time.Second)

	if got := value(t, m.ActiveSessions); got != 1 {
		t.Errorf("active sessions = %v, want 1", got)
	}
	if got := value(t, m.SessionsStarted); got != 2 {
		t.Errorf("sessions started = %v, want 2", got)
	}
}

func TestLabelledCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordTranscript(true)
	m.RecordTranscript(false)
	m.RecordTranscript(true)
	m.RecordSuggestion("delivered", time.Second)
	m.RecordSuggestion("failed", 0)
	m.RecordControl("pause", false)
	m.RecordControl("pause", true)
	m.RecordHTTPRequest("/api/meetings", 200)

	if got := value(t, m.TranscriptEvents.WithLabelValues("true")); got != 2 {
		t.Errorf("final transcripts = %v, want 2", got)
	}
	if got := value(t, m.SuggestionOutcomes.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed suggestions = %v, want 1", got)
	}
	if got := value(t, m.ControlThrottled); got != 1 {
		t.Errorf("throttled = %v, want 1", got)
	}
	if got := value(t, m.HTTPRequests.WithLabelValues("/api/meetings", "200")); got != 1 {
		t.Errorf("http requests = %v, want 1", got)
	}
}

func TestReconcileQueue(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RecordReconcileQueued(true)
	m.RecordReconcileQueued(false)
	m.RecordReconcile("replaced", time.Minute)

	if got := value(t, m.ReconcileDropped); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}
	if got := value(t, m.ReconcileOutcomes.WithLabelValues("replaced")); got != 1 {
		t.Errorf("replaced = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordSessionStart()
	m.RecordAudio(320)
	m.RecordBreakerState("llm", 1)
	m.RecordReconcile("failed", time.Second)
}
