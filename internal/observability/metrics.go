package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. Every
// method is safe on a nil receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry
	stages   *latencyWindow

	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	ProviderErrors    *prometheus.CounterVec
	AskOutcomes       *prometheus.CounterVec
	FirstDeltaLatency prometheus.Histogram
	AskLatency        prometheus.Histogram
	TurnsPersisted    prometheus.Counter
	TurnsPruned       prometheus.Counter
	PruneFailures     prometheus.Counter
	RetrievalFailures prometheus.Counter
	DocumentsIndexed  prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		stages:   newLatencyWindow(512),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active chat sessions.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ProviderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		AskOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ask_outcomes_total",
			Help:      "Questions by terminal stage and mode.",
		}, []string{"stage", "mode"}),
		FirstDeltaLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_delta_latency_ms",
			Help:      "Latency to the first streamed answer fragment in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 4000},
		}),
		AskLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ask_latency_ms",
			Help:      "End-to-end answer latency in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 8000, 16000, 32000, 60000},
		}),
		TurnsPersisted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_persisted_total",
			Help:      "Transcript turns appended by window reconciliation.",
		}),
		TurnsPruned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_pruned_total",
			Help:      "Transcript turns soft-deleted by window pruning.",
		}),
		PruneFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prune_failures_total",
			Help:      "Window prunes that failed and were left for the next reconciliation.",
		}),
		RetrievalFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_failures_total",
			Help:      "Knowledge searches that failed and degraded to empty context.",
		}),
		DocumentsIndexed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_indexed_total",
			Help:      "Knowledge documents submitted to the vector index.",
		}),
	}
}

func (m *Metrics) ObserveFirstDeltaLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstDeltaLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveAsk(stage, mode string, d time.Duration) {
	if m == nil {
		return
	}
	m.AskOutcomes.WithLabelValues(stage, mode).Inc()
	m.AskLatency.Observe(float64(d.Milliseconds()))
}

// ObserveStage feeds the rolling latency window behind /v1/perf/latency.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.observe(stage, d)
}

func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.stages.snapshot()
}

func (m *Metrics) ResetStages() {
	if m == nil {
		return
	}
	m.stages.reset()
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) WSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ProviderError(provider, code string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, code).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) TurnsAppended(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TurnsPersisted.Add(float64(n))
}

func (m *Metrics) TurnsPrunedBy(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TurnsPruned.Add(float64(n))
}

func (m *Metrics) PruneFailed() {
	if m == nil {
		return
	}
	m.PruneFailures.Inc()
}

func (m *Metrics) RetrievalFailed() {
	if m == nil {
		return
	}
	m.RetrievalFailures.Inc()
}

func (m *Metrics) DocumentsIndexedBy(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DocumentsIndexed.Add(float64(n))
}

// Handler serves this registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
