// Package metrics defines the Prometheus collectors shared by the
// coordinator and edge binaries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the cluster components update.
type Metrics struct {
	RegisteredNodes    prometheus.Gauge
	AssignedSessions   prometheus.Gauge
	UnassignedSessions prometheus.Gauge
	ProbeFailures      prometheus.Counter
	Evictions          prometheus.Counter
	TransfersStarted   prometheus.Counter
	TransfersFailed    prometheus.Counter
	TransfersInflight  prometheus.Gauge
	RoomsCreated       prometheus.Counter
}

// New registers all collectors with reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RegisteredNodes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "parlor_registered_nodes",
			Help: "Edge nodes currently registered with the coordinator.",
		}),
		AssignedSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "parlor_assigned_sessions",
			Help: "Sessions currently assigned to an edge node.",
		}),
		UnassignedSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "parlor_unassigned_sessions",
			Help: "Sessions waiting in the unassigned pool.",
		}),
		ProbeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "parlor_probe_failures_total",
			Help: "Failed liveness probes against edge nodes.",
		}),
		Evictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "parlor_node_evictions_total",
			Help: "Edge nodes evicted after consecutive probe failures.",
		}),
		TransfersStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "parlor_transfers_started_total",
			Help: "Chunked asset transfers started.",
		}),
		TransfersFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "parlor_transfers_failed_total",
			Help: "Chunked asset transfers abandoned before finalize.",
		}),
		TransfersInflight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "parlor_transfers_inflight",
			Help: "Chunked asset transfers currently in flight.",
		}),
		RoomsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "parlor_rooms_created_total",
			Help: "Playback rooms created.",
		}),
	}
}

// NewNop returns metrics bound to a throwaway registry, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
