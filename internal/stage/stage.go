// Package stage defines the processing-graph node abstraction and the
// dispatcher that drives packets and evicted flows through it.
package stage

import (
	"io"

	"firestige.xyz/otus/internal/flow"
	"firestige.xyz/otus/internal/packet"
)

// Port names a stage's output. DefaultPort is reserved: every stage's
// connections list must resolve it, and it is used whenever a stage
// returns a port name with no specific connection of its own (spec.md §6
// "a connections list of (port-name, target-stage-name) pairs including
// the reserved default").
type Port string

// DefaultPort is the reserved fallback output port name.
const DefaultPort Port = "default"

// DropPort is returned by a stage to drop the packet outright — no
// connection is ever resolved for it.
const DropPort Port = ""

// Stage is the capability every processing-graph node must have: consume
// a packet descriptor and report which of its output ports the packet
// should continue on. This is the trait/interface replacement for the
// original's stage inheritance hierarchy (spec.md §9 design note).
type Stage interface {
	// ProcessPacket consumes d and returns the output port the packet
	// should be routed to next (DropPort to drop it here).
	ProcessPacket(d *packet.Descriptor) Port
}

// FlowStage is implemented by stages that also want to see a flow record
// at the moment it is evicted from its store — the flow-level chain the
// evictor hands ownership to (spec.md §9 "the evictor gives the flow
// record to the flow-level stage chain, which ends the handle's life").
type FlowStage interface {
	ProcessFlow(fl *flow.Record)
}

// StatusStage is implemented by stages that can render their internal
// state on demand (the control channel's status-dump hook).
type StatusStage interface {
	GetStatus(w io.Writer) error
}

// ConfigurableStage is implemented by stages with settings the control
// channel can update at runtime. Configure must apply the new settings
// atomically with respect to concurrent ProcessPacket calls (spec.md §5).
type ConfigurableStage interface {
	Configure(settings map[string]any) error
}

// Named is implemented by stages that know their own graph name, used
// for diagnostics (registry lookups always key by the name assigned in
// configuration, not this method).
type Named interface {
	Name() string
}
