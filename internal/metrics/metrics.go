// Package metrics implements Prometheus metrics for the packet pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsProcessedTotal counts packets handled by each pipeline stage.
	PacketsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otus_packets_processed_total",
			Help: "Total number of packets processed by a pipeline stage",
		},
		[]string{"stage"},
	)

	// PacketsDroppedTotal counts packets a stage declined to forward.
	PacketsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otus_packets_dropped_total",
			Help: "Total number of packets dropped by a pipeline stage",
		},
		[]string{"stage", "reason"},
	)

	// HintsRegisteredTotal counts classification hints recorded per facet.
	HintsRegisteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otus_hints_registered_total",
			Help: "Total number of classification hints registered",
		},
		[]string{"facet"},
	)

	// FlowsEvictedTotal counts flow-store evictions by reason.
	FlowsEvictedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otus_flows_evicted_total",
			Help: "Total number of flow records evicted from the flow store",
		},
		[]string{"reason"},
	)

	// TunnelsEvictedTotal counts tunnel-store evictions by reason.
	TunnelsEvictedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otus_tunnels_evicted_total",
			Help: "Total number of tunnel records evicted from the tunnel store",
		},
		[]string{"reason"},
	)

	// ActiveFlows tracks the current number of tracked flows.
	ActiveFlows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "otus_active_flows",
			Help: "Current number of flows tracked in the flow store",
		},
	)

	// ActiveTunnels tracks the current number of tracked tunnels.
	ActiveTunnels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "otus_active_tunnels",
			Help: "Current number of tunnels tracked in the tunnel store",
		},
	)

	// StageLatencySeconds measures per-packet processing latency per stage.
	StageLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "otus_stage_latency_seconds",
			Help:    "Latency of pipeline stage processing in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20),
		},
		[]string{"stage"},
	)

	// OutputRotationsTotal counts output-file rotations.
	OutputRotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otus_output_rotations_total",
			Help: "Total number of output file rotations",
		},
		[]string{"reason"},
	)
)
