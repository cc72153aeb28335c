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
	Turns            *prometheus.CounterVec
	TurnLatency      prometheus.Histogram
	MemoryDecisions  *prometheus.CounterVec
	BackgroundErrors *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Turns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Handled turns by outcome.",
		}, []string{"outcome"}),
		TurnLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_ms",
			Help:      "Time from request to reply in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 15000, 30000},
		}),
		MemoryDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_decisions_total",
			Help:      "Memory judgments by decision.",
		}, []string{"decision"}),
		BackgroundErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_errors_total",
			Help:      "Contained post-reply failures by task.",
		}, []string{"task"}),
	}
}

func (m *Metrics) ObserveTurn(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(outcome).Inc()
	m.TurnLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveDecision(decision string) {
	if m == nil {
		return
	}
	m.MemoryDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) ObserveBackgroundError(task string) {
	if m == nil {
		return
	}
	m.BackgroundErrors.WithLabelValues(task).Inc()
}

// MetricsHandler serves the instruments registered on g.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
