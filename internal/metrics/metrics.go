// Package metrics holds all custom dpc-core Prometheus metrics.
// Uses an isolated prometheus.Registry so dpc metrics don't collide with the
// global default registry. Each test gets its own Metrics instance.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is threaded as an optional pointer into every manager; a nil
// *Metrics disables recording without nil checks at every call site thanks
// to the Observe* helpers below.
type Metrics struct {
	Registry *prometheus.Registry

	// Orchestrator / strategy metrics
	ConnectAttemptsTotal   *prometheus.CounterVec
	ConnectDurationSeconds *prometheus.HistogramVec

	// Active connection registry
	ConnectedPeers *prometheus.GaugeVec

	// DHT metrics
	DHTRPCTotal         *prometheus.CounterVec
	DHTRoutingTableSize prometheus.Gauge
	DHTLookupsTotal     prometheus.Counter

	// Hole punch metrics
	HolePunchTotal *prometheus.CounterVec

	// Relay server metrics
	RelaySessionsActive  prometheus.Gauge
	RelayMessagesTotal   prometheus.Counter
	RelayBytesTotal      prometheus.Counter

	// Gossip metrics
	GossipMessagesTotal *prometheus.CounterVec

	// Build info
	BuildInfo *prometheus.GaugeVec
}

// New creates a Metrics instance with all collectors registered on an
// isolated registry. version and goVersion become labels on dpc_info.
func New(version, goVersion string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		ConnectAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dpc_connect_attempts_total",
				Help: "Connection attempts by strategy and result.",
			},
			[]string{"strategy", "result"},
		),
		ConnectDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dpc_connect_duration_seconds",
				Help:    "Duration of connection attempts in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 11), // 50ms to ~50s
			},
			[]string{"strategy"},
		),

		ConnectedPeers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dpc_connected_peers",
				Help: "Currently active peer connections by transport.",
			},
			[]string{"transport"},
		),

		DHTRPCTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dpc_dht_rpc_total",
				Help: "DHT RPC requests by type and result.",
			},
			[]string{"type", "result"},
		),
		DHTRoutingTableSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dpc_dht_routing_table_size",
				Help: "Number of records in the DHT routing table.",
			},
		),
		DHTLookupsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dpc_dht_lookups_total",
				Help: "Iterative DHT lookups started.",
			},
		),

		HolePunchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dpc_holepunch_total",
				Help: "UDP hole punch attempts by result.",
			},
			[]string{"result"},
		),

		RelaySessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dpc_relay_sessions_active",
				Help: "Currently paired relay sessions on this node.",
			},
		),
		RelayMessagesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dpc_relay_messages_total",
				Help: "Messages forwarded by the relay server.",
			},
		),
		RelayBytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dpc_relay_bytes_total",
				Help: "Bytes forwarded by the relay server.",
			},
		),

		GossipMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dpc_gossip_messages_total",
				Help: "Gossip messages by action (sent, forwarded, delivered, dropped).",
			},
			[]string{"action"},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dpc_info",
				Help: "Build information.",
			},
			[]string{"version", "go_version"},
		),
	}

	reg.MustRegister(
		m.ConnectAttemptsTotal,
		m.ConnectDurationSeconds,
		m.ConnectedPeers,
		m.DHTRPCTotal,
		m.DHTRoutingTableSize,
		m.DHTLookupsTotal,
		m.HolePunchTotal,
		m.RelaySessionsActive,
		m.RelayMessagesTotal,
		m.RelayBytesTotal,
		m.GossipMessagesTotal,
		m.BuildInfo,
	)
	m.BuildInfo.WithLabelValues(version, goVersion).Set(1)
	return m
}

// Handler returns the HTTP handler exposing this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveConnectAttempt records one strategy attempt. Safe on nil.
func (m *Metrics) ObserveConnectAttempt(strategy, result string, seconds float64) {
	if m == nil {
		return
	}
	m.ConnectAttemptsTotal.WithLabelValues(strategy, result).Inc()
	m.ConnectDurationSeconds.WithLabelValues(strategy).Observe(seconds)
}

// ObserveGossip records one gossip action. Safe on nil.
func (m *Metrics) ObserveGossip(action string) {
	if m == nil {
		return
	}
	m.GossipMessagesTotal.WithLabelValues(action).Inc()
}

// PeerConnected adjusts the connected-peers gauge. Safe on nil.
func (m *Metrics) PeerConnected(transport string, delta float64) {
	if m == nil {
		return
	}
	m.ConnectedPeers.WithLabelValues(transport).Add(delta)
}

// ObserveDHTRPC records one DHT RPC by type and result. Safe on nil.
func (m *Metrics) ObserveDHTRPC(rpcType, result string) {
	if m == nil {
		return
	}
	m.DHTRPCTotal.WithLabelValues(rpcType, result).Inc()
}

// ObserveDHTLookup counts a lookup and refreshes the table-size gauge.
// Safe on nil.
func (m *Metrics) ObserveDHTLookup(tableSize int) {
	if m == nil {
		return
	}
	m.DHTLookupsTotal.Inc()
	m.DHTRoutingTableSize.Set(float64(tableSize))
}

// ObserveHolePunch records one punch attempt outcome. Safe on nil.
func (m *Metrics) ObserveHolePunch(result string) {
	if m == nil {
		return
	}
	m.HolePunchTotal.WithLabelValues(result).Inc()
}

// SetRelaySessions tracks the live relay session count. Safe on nil.
func (m *Metrics) SetRelaySessions(n int) {
	if m == nil {
		return
	}
	m.RelaySessionsActive.Set(float64(n))
}

// ObserveRelayForward records one forwarded relay message. Safe on nil.
func (m *Metrics) ObserveRelayForward(bytes int64) {
	if m == nil {
		return
	}
	m.RelayMessagesTotal.Inc()
	m.RelayBytesTotal.Add(float64(bytes))
}
