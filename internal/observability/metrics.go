package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	BroadcastEvents  *prometheus.CounterVec
	ProcessExits     *prometheus.CounterVec
	ClipsGenerated   prometheus.Counter
	EventSubscribers prometheus.Gauge
	ResolveFailures  *prometheus.CounterVec

	captureWindow *captureWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions with a live capture process.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		BroadcastEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_events_total",
			Help:      "Broadcast event deliveries by type and outcome.",
		}, []string{"type", "outcome"}),
		ProcessExits: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_process_exits_total",
			Help:      "Capture subprocess exits by outcome.",
		}, []string{"outcome"}),
		ClipsGenerated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clips_generated_total",
			Help:      "Highlight clips registered across all sessions.",
		}),
		EventSubscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_subscribers",
			Help:      "Currently connected SSE/websocket event subscribers.",
		}),
		ResolveFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolve_failures_total",
			Help:      "Stream URL resolve failures by reason.",
		}, []string{"reason"}),
		captureWindow: newCaptureWindow(256),
	}
}

// ObserveCaptureMetrics feeds one pushed analysis reading into the
// sliding window behind the perf snapshot endpoint.
func (m *Metrics) ObserveCaptureMetrics(sessionID string, audioLevel, motionLevel, sceneChange float64) {
	m.captureWindow.Observe(sessionID, "audio_level", audioLevel)
	m.captureWindow.Observe(sessionID, "motion_level", motionLevel)
	m.captureWindow.Observe(sessionID, "scene_change", sceneChange)
}

func (m *Metrics) SnapshotCapture() CaptureSnapshot {
	return m.captureWindow.Snapshot()
}

// ForgetCaptureSession drops a deleted session's window buffers.
func (m *Metrics) ForgetCaptureSession(sessionID string) {
	m.captureWindow.Forget(sessionID)
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
