// Package metrics provides Prometheus metrics for a worldmesh agent.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AgentMetrics holds all Prometheus metrics for one agent process.
type AgentMetrics struct {
	registry *prometheus.Registry

	// Discovery counters
	CheckInsSent        prometheus.Counter
	DomainListsReceived prometheus.Counter
	STUNRequestsSent    prometheus.Counter
	STUNFallbacks       prometheus.Counter
	PingsSent           prometheus.Counter
	NodesEvicted        prometheus.Counter
	SilentCheckInLimit  prometheus.Counter

	// State gauges
	DomainState        prometheus.Gauge // 0 disconnected, 1 ice discovery, 2 connected
	PublicAddressKnown prometheus.Gauge
	KnownNodes         *prometheus.GaugeVec // labels: node_type
	NodeRTTMs          *prometheus.GaugeVec // labels: node_type
}

// New builds the metric set on a fresh registry with the owner type as a
// constant label.
func New(ownerType string) *AgentMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	constLabels := prometheus.Labels{"owner_type": ownerType}

	return &AgentMetrics{
		registry: reg,

		CheckInsSent: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "worldmesh_checkins_sent_total",
			Help:        "Total domain check-ins sent (connect and list requests)",
			ConstLabels: constLabels,
		}),
		DomainListsReceived: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "worldmesh_domain_lists_received_total",
			Help:        "Total domain list responses received",
			ConstLabels: constLabels,
		}),
		STUNRequestsSent: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "worldmesh_stun_requests_sent_total",
			Help:        "Total STUN binding requests sent",
			ConstLabels: constLabels,
		}),
		STUNFallbacks: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "worldmesh_stun_fallbacks_total",
			Help:        "Times the agent gave up on STUN and fell back to domain-reported addressing",
			ConstLabels: constLabels,
		}),
		PingsSent: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "worldmesh_pings_sent_total",
			Help:        "Total path-activation pings sent",
			ConstLabels: constLabels,
		}),
		NodesEvicted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "worldmesh_nodes_evicted_total",
			Help:        "Nodes removed for prolonged silence",
			ConstLabels: constLabels,
		}),
		SilentCheckInLimit: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "worldmesh_silent_checkin_limit_total",
			Help:        "Times the unanswered check-in counter crossed its limit",
			ConstLabels: constLabels,
		}),

		DomainState: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "worldmesh_domain_state",
			Help:        "Domain connection state: 0 disconnected, 1 ice discovery, 2 connected",
			ConstLabels: constLabels,
		}),
		PublicAddressKnown: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "worldmesh_public_address_known",
			Help:        "1 once a public socket address is known (STUN or fallback)",
			ConstLabels: constLabels,
		}),
		KnownNodes: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "worldmesh_known_nodes",
			Help:        "Nodes currently in the registry",
			ConstLabels: constLabels,
		}, []string{"node_type"}),
		NodeRTTMs: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "worldmesh_node_rtt_ms",
			Help:        "Last measured round trip to a node, milliseconds",
			ConstLabels: constLabels,
		}, []string{"node_type"}),
	}
}

// Registry returns the registry backing this metric set, for the HTTP
// exposition handler.
func (m *AgentMetrics) Registry() *prometheus.Registry {
	return m.registry
}
