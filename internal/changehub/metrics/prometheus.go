// Package metrics creates and registers the Prometheus metrics of the hub and of the
// checkout side.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"gitlab.com/gitlab-org/changehub/internal/changehub/config"
)

// Counter is a subset of a prometheus Counter
type Counter interface {
	Inc()
	Add(float64)
}

// Gauge is a subset of a prometheus Gauge
type Gauge interface {
	Inc()
	Dec()
}

// Histogram is a subset of a prometheus Histogram
type Histogram interface {
	Observe(float64)
}

// HistogramVec is a subset of a prometheus HistogramVec
type HistogramVec interface {
	WithLabelValues(lvs ...string) prometheus.Observer
}

// CounterVec is a subset of a prometheus CounterVec
type CounterVec interface {
	WithLabelValues(lvs ...string) prometheus.Counter
}

// RegisterRequestLatency creates and registers a histogram observing the latency of hub
// requests by route, method and status code.
func RegisterRequestLatency(reg prometheus.Registerer, conf config.Prometheus) (*prometheus.HistogramVec, error) {
	requestLatency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "changehub",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency of hub requests",
			Buckets:   conf.LatencyBuckets,
		},
		[]string{"route", "method", "code"},
	)
	return requestLatency, reg.Register(requestLatency)
}

// RegisterAuthentications creates and registers a counter of request authentications.
func RegisterAuthentications(reg prometheus.Registerer) (*prometheus.CounterVec, error) {
	authentications := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "changehub",
			Name:      "authentications_total",
			Help:      "Counts of hub request authentications",
		},
		[]string{"enforced", "status"},
	)
	return authentications, reg.Register(authentications)
}

// RegisterWatchers creates and registers a gauge of open tip watch streams.
func RegisterWatchers(reg prometheus.Registerer) (prometheus.Gauge, error) {
	watchers := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "changehub",
			Name:      "tip_watchers",
			Help:      "Number of open tip watch streams",
		},
	)
	return watchers, reg.Register(watchers)
}

// RegisterSyncCycles creates and registers a counter of synchronizer push cycles by outcome.
func RegisterSyncCycles(reg prometheus.Registerer) (*prometheus.CounterVec, error) {
	cycles := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "changehub",
			Subsystem: "checkout",
			Name:      "sync_cycles_total",
			Help:      "Counts of synchronizer push cycles by outcome",
		},
		[]string{"outcome"},
	)
	return cycles, reg.Register(cycles)
}

// RegisterPushLatency creates and registers a histogram observing how long a push takes from
// the first pull to the accepted package, retries included.
func RegisterPushLatency(reg prometheus.Registerer, conf config.Prometheus) (prometheus.Histogram, error) {
	pushLatency := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "changehub",
			Subsystem: "checkout",
			Name:      "push_duration_seconds",
			Help:      "Latency of synchronizer pushes including retried cycles",
			Buckets:   conf.LatencyBuckets,
		},
	)
	return pushLatency, reg.Register(pushLatency)
}

// RegisterTransportRetries creates and registers a counter of failed hub requests that were
// retried, by transport failure kind.
func RegisterTransportRetries(reg prometheus.Registerer) (*prometheus.CounterVec, error) {
	retries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "changehub",
			Subsystem: "checkout",
			Name:      "transport_retries_total",
			Help:      "Counts of retried hub requests by failure kind",
		},
		[]string{"kind"},
	)
	return retries, reg.Register(retries)
}

// RegisterTransportExhausted creates and registers a counter of hub requests the checkout
// gave up on after exhausting its attempts.
func RegisterTransportExhausted(reg prometheus.Registerer) (prometheus.Counter, error) {
	exhausted := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "changehub",
			Subsystem: "checkout",
			Name:      "transport_exhausted_total",
			Help:      "Counts of hub requests that failed on every attempt",
		},
	)
	return exhausted, reg.Register(exhausted)
}

// RegisterConnections creates and registers a counter of connections accepted by the hub's
// listeners, by listener type.
func RegisterConnections(reg prometheus.Registerer) (*prometheus.CounterVec, error) {
	connections := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "changehub",
			Name:      "connections_total",
			Help:      "Total number of connections accepted by the hub",
		},
		[]string{"type"},
	)
	return connections, reg.Register(connections)
}
