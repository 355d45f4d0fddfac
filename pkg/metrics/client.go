package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ClientMetrics records the reconciliation core's observable events.
type ClientMetrics struct {
	refreshes        *prometheus.CounterVec
	cartRollbacks    prometheus.Counter
	checkoutOutcomes *prometheus.CounterVec
	finalizeDuration prometheus.Histogram
}

// NewClientMetrics registers the client metrics on the provided registerer.
// A nil registerer yields a no-op instance.
func NewClientMetrics(reg prometheus.Registerer) *ClientMetrics {
	if reg == nil {
		return &ClientMetrics{}
	}
	refreshes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "token_refresh_total",
		Help: "Token refresh attempts by outcome.",
	}, []string{"outcome"})
	rollbacks := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cart_rollback_total",
		Help: "Optimistic cart mutations rolled back after a failed server call.",
	})
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_outcome_total",
		Help: "Checkout attempts by terminal state.",
	}, []string{"state"})
	finalize := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "checkout_finalize_duration_seconds",
		Help:    "Duration of the finalize leg in seconds.",
		Buckets: prometheus.DefBuckets,
	})
	reg.MustRegister(refreshes, rollbacks, outcomes, finalize)
	return &ClientMetrics{
		refreshes:        refreshes,
		cartRollbacks:    rollbacks,
		checkoutOutcomes: outcomes,
		finalizeDuration: finalize,
	}
}

// IncRefresh counts a token refresh with the given outcome label.
func (c *ClientMetrics) IncRefresh(outcome string) {
	if c == nil || c.refreshes == nil {
		return
	}
	c.refreshes.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// IncCartRollback counts one rolled-back optimistic mutation.
func (c *ClientMetrics) IncCartRollback() {
	if c == nil || c.cartRollbacks == nil {
		return
	}
	c.cartRollbacks.Inc()
}

// IncCheckoutOutcome counts a checkout attempt reaching a terminal state.
func (c *ClientMetrics) IncCheckoutOutcome(state string) {
	if c == nil || c.checkoutOutcomes == nil {
		return
	}
	c.checkoutOutcomes.WithLabelValues(normalizeLabel(state)).Inc()
}

// ObserveFinalizeDuration records how long the finalize leg took.
func (c *ClientMetrics) ObserveFinalizeDuration(duration time.Duration) {
	if c == nil || c.finalizeDuration == nil {
		return
	}
	c.finalizeDuration.Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
