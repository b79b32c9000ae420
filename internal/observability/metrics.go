package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ActiveCalls          prometheus.Gauge
	SessionEvents        *prometheus.CounterVec
	WSMessages           *prometheus.CounterVec
	DroppedFrames        *prometheus.CounterVec
	ProviderErrors       *prometheus.CounterVec
	LegCloses            *prometheus.CounterVec
	SessionUpdateLatency prometheus.Histogram
	AudioLevel           *prometheus.HistogramVec

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of bridged calls whose telephony leg is still open.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Bridge session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by leg, direction and type.",
		}, []string{"leg", "direction", "type"}),
		DroppedFrames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "Messages dropped instead of forwarded, by destination leg and reason.",
		}, []string{"leg", "reason"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		LegCloses: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leg_closes_total",
			Help:      "Leg closures by leg and close kind.",
		}, []string{"leg", "kind"}),
		SessionUpdateLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_update_latency_ms",
			Help:      "Time from AI leg open to session.update in milliseconds.",
			Buckets:   []float64{50, 100, 200, 250, 300, 500, 1000, 2000},
		}),
		AudioLevel: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "audio_level_dbfs",
			Help:      "Peak level of forwarded audio frames in dBFS.",
			Buckets:   []float64{-90, -60, -50, -40, -30, -20, -10, -3, 0},
		}, []string{"leg"}),
		stages: newStageWindow(256),
	}
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveMessage(leg, direction, typ string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(leg, direction, typ).Inc()
}

func (m *Metrics) ObserveDrop(leg, reason string) {
	if m == nil {
		return
	}
	m.DroppedFrames.WithLabelValues(leg, reason).Inc()
	m.stages.ObserveDrop(leg, reason)
}

func (m *Metrics) ObserveProviderError(provider, code string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, code).Inc()
}

func (m *Metrics) ObserveLegClose(leg, kind string) {
	if m == nil {
		return
	}
	m.LegCloses.WithLabelValues(leg, kind).Inc()
}

func (m *Metrics) ObserveSessionUpdateLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.SessionUpdateLatency.Observe(float64(d.Milliseconds()))
	m.stages.Observe(StageAIOpenToSessionUpdate, float64(d.Milliseconds()))
}

func (m *Metrics) ObserveAudioLevel(leg string, dbfs float64) {
	if m == nil {
		return
	}
	m.AudioLevel.WithLabelValues(leg).Observe(dbfs)
}

// ObserveStage records a per-call latency sample in the rolling window.
func (m *Metrics) ObserveStage(stage Stage, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) SetActiveCalls(n int) {
	if m == nil {
		return
	}
	m.ActiveCalls.Set(float64(n))
}

// SnapshotStages returns percentiles over the recent call stage samples.
func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
