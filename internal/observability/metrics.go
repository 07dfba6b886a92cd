package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions     prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	WSWriteErrors      *prometheus.CounterVec
	TurnsTotal         *prometheus.CounterVec
	RiskFlags          *prometheus.CounterVec
	CompletionFailures *prometheus.CounterVec
	GenerationSource   *prometheus.CounterVec
	AlertsEmitted      *prometheus.CounterVec
	PIIRedactions      *prometheus.CounterVec
	TurnLatency        prometheus.Histogram

	turns *turnWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active chat sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WSWriteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "WebSocket write failures by operation.",
		}, []string{"op"}),
		TurnsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Handled turns by outcome.",
		}, []string{"outcome"}),
		RiskFlags: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_flags_total",
			Help:      "Flagged text by screening stage and category.",
		}, []string{"stage", "category"}),
		CompletionFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_failures_total",
			Help:      "Failed completion calls by provider and failure class.",
		}, []string{"provider", "class"}),
		GenerationSource: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_source_total",
			Help:      "Generated replies by source.",
		}, []string{"source"}),
		AlertsEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_emitted_total",
			Help:      "Guardian alerts by category.",
		}, []string{"category"}),
		PIIRedactions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pii_redactions_total",
			Help:      "Masked personal details by turn role and kind.",
		}, []string{"role", "kind"}),
		TurnLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_ms",
			Help:      "End-to-end turn handling latency in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2000, 4000, 8000},
		}),
		turns: newTurnWindow(256),
	}
}

func (m *Metrics) ObserveTurnLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.TurnLatency.Observe(float64(d.Milliseconds()))
}

// ObserveTurnTrace adds a finished turn to the rolling window served by the
// perf endpoint.
func (m *Metrics) ObserveTurnTrace(t *TurnTrace) {
	if m == nil {
		return
	}
	m.turns.Add(t)
}

func (m *Metrics) SnapshotTurns() TurnWindowSnapshot {
	if m == nil {
		return (*turnWindow)(nil).Snapshot()
	}
	return m.turns.Snapshot()
}

func (m *Metrics) ResetTurns() {
	if m == nil {
		return
	}
	m.turns.Reset()
}

func (m *Metrics) ObserveRiskFlag(stage, category string) {
	if m == nil {
		return
	}
	m.RiskFlags.WithLabelValues(stage, category).Inc()
}

func (m *Metrics) ObserveCompletionFailure(provider, class string) {
	if m == nil {
		return
	}
	m.CompletionFailures.WithLabelValues(provider, class).Inc()
}

func (m *Metrics) ObserveGenerationSource(source string) {
	if m == nil {
		return
	}
	m.GenerationSource.WithLabelValues(source).Inc()
}

func (m *Metrics) ObserveAlert(category string) {
	if m == nil {
		return
	}
	m.AlertsEmitted.WithLabelValues(category).Inc()
}

func (m *Metrics) ObservePIIRedaction(role string, kinds []string) {
	if m == nil {
		return
	}
	for _, kind := range kinds {
		m.PIIRedactions.WithLabelValues(role, kind).Inc()
	}
}

func (m *Metrics) ObserveTurn(outcome string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveOutboundMessage(msgType, result string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues("outbound_"+result, msgType).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
