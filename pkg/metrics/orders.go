package metrics

import "github.com/prometheus/client_golang/prometheus"

// OrderMetrics counts checkout outcomes, status transitions, expirations and payments.
type OrderMetrics struct {
	checkouts   *prometheus.CounterVec
	transitions *prometheus.CounterVec
	expired     prometheus.Counter
	payments    *prometheus.CounterVec
}

// NewOrderMetrics registers the order counters on the provided registerer.
// A nil registerer yields a no-op recorder.
func NewOrderMetrics(reg prometheus.Registerer) *OrderMetrics {
	if reg == nil {
		return &OrderMetrics{}
	}
	checkouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mercadofree_checkouts_total",
		Help: "Checkout attempts by result.",
	}, []string{"result"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mercadofree_order_transitions_total",
		Help: "Committed order status transitions.",
	}, []string{"from", "to"})
	expired := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mercadofree_orders_expired_total",
		Help: "Pending orders cancelled by the expiry reaper.",
	})
	payments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mercadofree_payments_total",
		Help: "Payments recorded by resulting status.",
	}, []string{"status"})
	reg.MustRegister(checkouts, transitions, expired, payments)
	return &OrderMetrics{
		checkouts:   checkouts,
		transitions: transitions,
		expired:     expired,
		payments:    payments,
	}
}

// IncCheckout records a checkout outcome such as "created" or "insufficient_stock".
func (m *OrderMetrics) IncCheckout(result string) {
	if m == nil || m.checkouts == nil {
		return
	}
	m.checkouts.WithLabelValues(normalizeLabel(result)).Inc()
}

// IncTransition records one committed status change.
func (m *OrderMetrics) IncTransition(from, to string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(from), normalizeLabel(to)).Inc()
}

// AddExpired adds n reaper cancellations.
func (m *OrderMetrics) AddExpired(n int) {
	if m == nil || m.expired == nil || n <= 0 {
		return
	}
	m.expired.Add(float64(n))
}

// IncPayment records a payment by its resulting status.
func (m *OrderMetrics) IncPayment(status string) {
	if m == nil || m.payments == nil {
		return
	}
	m.payments.WithLabelValues(normalizeLabel(status)).Inc()
}
