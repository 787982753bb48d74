package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors of one engine instance on its own registry.
type Metrics struct {
	Registry            *prometheus.Registry
	TransitionAttempts  *prometheus.CounterVec
	TransitionDuration  prometheus.Histogram
	NotificationsByKind *prometheus.CounterVec
	NotificationsDrops  prometheus.Counter
	SinkFailures        *prometheus.CounterVec
	StaleDossiers       prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		TransitionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oncoflow_transition_attempts_total",
			Help: "Transition attempts by outcome and rejection reason.",
		}, []string{"outcome", "reason"}),
		TransitionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "oncoflow_transition_duration_seconds",
			Help:    "Time spent evaluating and committing a transition attempt.",
			Buckets: prometheus.DefBuckets,
		}),
		NotificationsByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oncoflow_notifications_emitted_total",
			Help: "Notification events handed to the dispatcher queue.",
		}, []string{"kind"}),
		NotificationsDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oncoflow_notifications_dropped_total",
			Help: "Notification events dropped because the queue was full.",
		}),
		SinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oncoflow_sink_failures_total",
			Help: "Failed deliveries per notification sink.",
		}, []string{"sink"}),
		StaleDossiers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oncoflow_stale_dossiers",
			Help: "Dossiers found stale by the last staleness sweep.",
		}),
	}
	m.Registry.MustRegister(
		m.TransitionAttempts,
		m.TransitionDuration,
		m.NotificationsByKind,
		m.NotificationsDrops,
		m.SinkFailures,
		m.StaleDossiers,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
