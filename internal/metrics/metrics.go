// Package metrics exposes the host's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the host updates. Construct one per
// process (or per test registry) and share it by pointer.
type Metrics struct {
	ConnectedPeers prometheus.Gauge
	PeersJoined    prometheus.Counter
	PeersReset     *prometheus.CounterVec

	Ticks        prometheus.Counter
	TickDuration prometheus.Histogram

	Requests      *prometheus.CounterVec
	BadRequests   prometheus.Counter
	Notifications *prometheus.CounterVec

	BytesIn  prometheus.Counter
	BytesOut prometheus.Counter
}

// New registers the host collectors on reg and returns them. Passing
// prometheus.DefaultRegisterer wires the process-wide registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warren",
			Name:      "connected_peers",
			Help:      "Number of peers currently connected.",
		}),
		PeersJoined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warren",
			Name:      "peers_joined_total",
			Help:      "Total peers accepted since start.",
		}),
		PeersReset: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warren",
			Name:      "peers_reset_total",
			Help:      "Total peer resets by reason.",
		}, []string{"reason"}),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warren",
			Name:      "ticks_total",
			Help:      "Completed application ticks.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "warren",
			Name:      "tick_duration_seconds",
			Help:      "Wall-clock duration of application ticks.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warren",
			Name:      "requests_total",
			Help:      "Dispatched requests by response status.",
		}, []string{"status"}),
		BadRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warren",
			Name:      "bad_requests_total",
			Help:      "Frames that failed deserialization.",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warren",
			Name:      "notifications_total",
			Help:      "Notifications sent by command.",
		}, []string{"command"}),
		BytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warren",
			Name:      "bytes_in_total",
			Help:      "Bytes received from peers.",
		}),
		BytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warren",
			Name:      "bytes_out_total",
			Help:      "Bytes handed to peer sockets.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ConnectedPeers, m.PeersJoined, m.PeersReset,
			m.Ticks, m.TickDuration,
			m.Requests, m.BadRequests, m.Notifications,
			m.BytesIn, m.BytesOut,
		)
	}

	return m
}

// Nop returns unregistered collectors, for components constructed without
// an explicit registry.
func Nop() *Metrics { return New(nil) }
