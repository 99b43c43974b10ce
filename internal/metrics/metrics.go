package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline counters exported on /metrics.
type Metrics struct {
	registry *prometheus.Registry

	Accepted      prometheus.Counter
	Rejected      *prometheus.CounterVec
	Suspicious    prometheus.Counter
	ScoringFailed prometheus.Counter
	BusDropped    prometheus.Counter
	QueueDepth    prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Accepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "metersentry_readings_accepted_total",
			Help: "Readings that passed verification, ordering and admission.",
		}),
		Rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "metersentry_readings_rejected_total",
			Help: "Rejected submissions by rejection kind.",
		}, []string{"kind"}),
		Suspicious: factory.NewCounter(prometheus.CounterOpts{
			Name: "metersentry_readings_suspicious_total",
			Help: "Accepted readings flagged suspicious by scoring.",
		}),
		ScoringFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "metersentry_scoring_unavailable_total",
			Help: "Readings accepted with a neutral verdict after scoring timed out or failed.",
		}),
		BusDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "metersentry_bus_events_dropped_total",
			Help: "Broadcast events dropped because a subscriber queue was full.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "metersentry_ingest_queue_depth",
			Help: "Readings buffered in the ingest channel.",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
