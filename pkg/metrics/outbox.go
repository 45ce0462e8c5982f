package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OutboxMetrics tracks how order events leave the outbox.
type OutboxMetrics struct {
	published    *prometheus.CounterVec
	retried      *prometheus.CounterVec
	deadLettered *prometheus.CounterVec
	held         prometheus.Counter
	lag          prometheus.Histogram
}

// NewOutboxMetrics registers the publisher metrics. A nil registerer yields a
// no-op recorder.
func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	if reg == nil {
		return &OutboxMetrics{}
	}
	m := &OutboxMetrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mercadofree_outbox_published_total",
			Help: "Outbox events acknowledged by the broker.",
		}, []string{"event_type"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mercadofree_outbox_retries_total",
			Help: "Publish attempts that failed and will be retried.",
		}, []string{"event_type"}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mercadofree_outbox_dead_lettered_total",
			Help: "Outbox events parked in the DLQ by reason.",
		}, []string{"reason"}),
		held: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mercadofree_outbox_held_total",
			Help: "Events deferred because an earlier event of the same order had not been published.",
		}),
		lag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mercadofree_outbox_publish_lag_seconds",
			Help:    "Time from the outbox insert to broker acknowledgement.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 15, 60, 300},
		}),
	}
	reg.MustRegister(m.published, m.retried, m.deadLettered, m.held, m.lag)
	return m
}

// ObservePublished counts an acknowledged event and its end-to-end lag.
func (m *OutboxMetrics) ObservePublished(eventType string, createdAt, now time.Time) {
	if m == nil || m.published == nil {
		return
	}
	m.published.WithLabelValues(eventType).Inc()
	if !createdAt.IsZero() && now.After(createdAt) {
		m.lag.Observe(now.Sub(createdAt).Seconds())
	}
}

func (m *OutboxMetrics) IncRetried(eventType string) {
	if m == nil || m.retried == nil {
		return
	}
	m.retried.WithLabelValues(eventType).Inc()
}

func (m *OutboxMetrics) IncDeadLettered(reason string) {
	if m == nil || m.deadLettered == nil {
		return
	}
	m.deadLettered.WithLabelValues(reason).Inc()
}

func (m *OutboxMetrics) AddHeld(n int) {
	if m == nil || m.held == nil || n <= 0 {
		return
	}
	m.held.Add(float64(n))
}
