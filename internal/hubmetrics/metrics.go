// Package hubmetrics exposes Prometheus counters and gauges for the Hub
// and PropertyService's internal activity: subscribe/unsubscribe calls,
// retries, timeouts, and rollbacks.
package hubmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every counter/gauge this package registers. Callers
// construct one with New and pass it down to the Hub and PropertyService.
type Metrics struct {
	SubscribeCalls   prometheus.Counter
	UnsubscribeCalls prometheus.Counter
	SubscribeRollbacks prometheus.Counter

	GetRetries prometheus.Counter
	SetRetries prometheus.Counter

	GetTimeouts prometheus.Counter
	SetTimeouts prometheus.Counter

	PendingRequests prometheus.Gauge
	ActiveWaiters   prometheus.Gauge
}

// New builds a Metrics bundle with every series registered against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubscribeCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vehiclehub_subscribe_calls_total",
			Help: "Number of Hub.Subscribe calls that reached the backend.",
		}),
		UnsubscribeCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vehiclehub_unsubscribe_calls_total",
			Help: "Number of Hub.Unsubscribe calls that reached the backend.",
		}),
		SubscribeRollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vehiclehub_subscribe_rollbacks_total",
			Help: "Number of subscribe/unsubscribe calls rolled back after a backend error.",
		}),
		GetRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vehiclehub_get_retries_total",
			Help: "Number of async get requests retried after TRY_AGAIN.",
		}),
		SetRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vehiclehub_set_retries_total",
			Help: "Number of async set requests retried after TRY_AGAIN.",
		}),
		GetTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vehiclehub_get_timeouts_total",
			Help: "Number of async get requests that timed out.",
		}),
		SetTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vehiclehub_set_timeouts_total",
			Help: "Number of async set requests that timed out.",
		}),
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vehiclehub_pending_requests",
			Help: "Number of requests currently pending in the PropertyService.",
		}),
		ActiveWaiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vehiclehub_active_waiters",
			Help: "Number of properties with at least one wait-for-update SET outstanding.",
		}),
	}

	reg.MustRegister(m.SubscribeCalls, m.UnsubscribeCalls, m.SubscribeRollbacks,
		m.GetRetries, m.SetRetries, m.GetTimeouts, m.SetTimeouts,
		m.PendingRequests, m.ActiveWaiters)
	return m
}

// Handler returns promhttp's handler for the default Prometheus registry. It
// serves this package's series only when New was given
// prometheus.DefaultRegisterer; for any other registry use
// promhttp.HandlerFor.
func Handler() http.Handler {
	return promhttp.Handler()
}
