// Package metrics exposes Prometheus collectors for the client data layer.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors updated by the transport client, stores
// and notification dispatcher.
type Metrics struct {
	requests       *prometheus.CounterVec
	responses      *prometheus.CounterVec
	roundTrips     *prometheus.HistogramVec
	notifications  *prometheus.CounterVec
	schemaFailures *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which suits tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gwclient",
			Name:      "requests_total",
			Help:      "Transactions sent to the backend.",
		}, []string{"module", "action"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gwclient",
			Name:      "responses_total",
			Help:      "Response actions received, by outcome.",
		}, []string{"module", "action", "outcome"}),
		roundTrips: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gwclient",
			Name:      "round_trip_seconds",
			Help:      "Duration of request batches.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gwclient",
			Name:      "notifications_total",
			Help:      "Push notifications dispatched, by kind.",
		}, []string{"kind", "outcome"}),
		schemaFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gwclient",
			Name:      "schema_failures_total",
			Help:      "Response items skipped because they could not be read.",
		}, []string{"store"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.responses, m.roundTrips, m.notifications, m.schemaFailures)
	}
	return m
}

// Request counts one outbound transaction.
func (m *Metrics) Request(module, action string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(module, action).Inc()
}

// Response counts one inbound action. outcome is "ok", "error",
// "ignored" or "unmatched".
func (m *Metrics) Response(module, action, outcome string) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(module, action, outcome).Inc()
}

// RoundTrip records the duration of one request batch.
func (m *Metrics) RoundTrip(d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.roundTrips.WithLabelValues(outcome).Observe(d.Seconds())
}

// Notification counts a dispatched or dropped notification.
func (m *Metrics) Notification(kind, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind, outcome).Inc()
}

// SchemaFailure counts items a store's reader could not materialize.
func (m *Metrics) SchemaFailure(store string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.schemaFailures.WithLabelValues(store).Add(float64(n))
}
