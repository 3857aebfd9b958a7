package daemon

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes daemon-level counters and gauges for a Prometheus
// registry, following the same NewRegistry-plus-MustRegister shape used
// elsewhere in the dependency pack for process health metrics.
type Metrics struct {
	registry *prometheus.Registry

	rpcRequestsTotal   *prometheus.CounterVec
	eventsQueuedTotal  prometheus.Counter
	eventsDroppedTotal prometheus.Counter
	peerCount          prometheus.Gauge
	messagesStored     prometheus.Gauge
}

// NewMetrics builds and registers the daemon's metrics on a fresh
// registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		rpcRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reticulum_daemon_rpc_requests_total",
			Help: "Total RPC requests handled, by method and outcome.",
		}, []string{"method", "outcome"}),
		eventsQueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reticulum_daemon_events_queued_total",
			Help: "Total events pushed onto the bounded event queue.",
		}),
		eventsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reticulum_daemon_events_dropped_total",
			Help: "Total events evicted from the event queue before being taken.",
		}),
		peerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reticulum_daemon_peer_count",
			Help: "Number of peers currently tracked.",
		}),
		messagesStored: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reticulum_daemon_messages_stored",
			Help: "Number of messages currently in the messages store.",
		}),
	}
	reg.MustRegister(
		m.rpcRequestsTotal,
		m.eventsQueuedTotal,
		m.eventsDroppedTotal,
		m.peerCount,
		m.messagesStored,
	)
	return m
}

// Registry returns the Prometheus registry metrics were registered on, for
// mounting under promhttp.HandlerFor in cmd/reticulumd.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) observeRPC(method, outcome string) {
	if m == nil {
		return
	}
	m.rpcRequestsTotal.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) observeEventQueued() {
	if m == nil {
		return
	}
	m.eventsQueuedTotal.Inc()
}

func (m *Metrics) observeEventDropped() {
	if m == nil {
		return
	}
	m.eventsDroppedTotal.Inc()
}

func (m *Metrics) setPeerCount(n int) {
	if m == nil {
		return
	}
	m.peerCount.Set(float64(n))
}

func (m *Metrics) setMessagesStored(n int) {
	if m == nil {
		return
	}
	m.messagesStored.Set(float64(n))
}
