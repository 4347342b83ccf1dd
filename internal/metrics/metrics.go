// Package metrics exposes reminder and suggestion counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "peepal"

// Failure kinds for DeliveryFailures.
const (
	FailureTerminal  = "terminal"
	FailureTransient = "transient"
)

type Metrics struct {
	registry *prometheus.Registry

	RemindersSent       prometheus.Counter
	DeliveryFailures    *prometheus.CounterVec
	SubscriptionsPruned prometheus.Counter
	TicksSkipped        prometheus.Counter
	TickDuration        prometheus.Histogram
	Subscribers         prometheus.Gauge
	SuggestRequests     *prometheus.CounterVec
}

// New registers every collector on a private registry, so tests can build as
// many instances as they like.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		RemindersSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_sent_total",
			Help:      "Push reminders accepted by the push service.",
		}),
		DeliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Push deliveries rejected or failed, by kind.",
		}, []string{"kind"}),
		SubscriptionsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriptions_pruned_total",
			Help:      "Subscriptions removed after a terminal delivery error.",
		}),
		TicksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_ticks_skipped_total",
			Help:      "Ticks skipped because the previous tick was still running.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_tick_duration_seconds",
			Help:      "Wall time of one scheduler tick.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Stored push subscriptions after the last tick.",
		}),
		SuggestRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suggest_requests_total",
			Help:      "Restroom suggestion requests by backend and outcome.",
		}, []string{"backend", "outcome"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RemindersSent,
		m.DeliveryFailures,
		m.SubscriptionsPruned,
		m.TicksSkipped,
		m.TickDuration,
		m.Subscribers,
		m.SuggestRequests,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
