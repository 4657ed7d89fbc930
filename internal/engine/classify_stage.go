package engine

import (
	"log/slog"

	"firestige.xyz/otus/internal/classify"
	"firestige.xyz/otus/internal/flow"
	"firestige.xyz/otus/internal/metrics"
	"firestige.xyz/otus/internal/packet"
	"firestige.xyz/otus/internal/stage"
)

// packetPayload adapts a packet descriptor to internal/classify's
// PacketPayload view, the minimal slice+direction interface the
// constraint evaluator needs. classify deliberately does not import
// internal/packet (spec.md §9 design note: dependencies point away from
// the data-plane types), so this adapter lives here instead.
type packetPayload struct {
	d *packet.Descriptor
}

// ConstraintPayload returns the transport segment's payload — the "udp"
// layer's for protocol 17, the "tcp" layer's otherwise, taken from the
// first layer of that name pushed on the packet — which RTP detection
// and the other constraint predicates operate on.
func (p packetPayload) ConstraintPayload() []byte {
	if p.d.Protocol == protocolUDP {
		return p.d.Segment("udp")
	}
	return p.d.Segment("tcp")
}

// IsUplink reports the packet's direction as resolved by the transport
// or tunnel stages (spec.md §4.B "canonical orientation").
func (p packetPayload) IsUplink() bool {
	return p.d.Direction == packet.DirUplink
}

const (
	protocolTCP = 6
	protocolUDP = 17
)

// classifyStage runs spec.md §4.D's hint evaluation once per packet,
// after every hint-registering stage upstream of it in the graph has
// run. Grounded on spec.md §2 "(D) runs as one of those stages whenever
// new hints have been added to a flow since the last evaluation" — a
// graph node like any other rather than a side call the engine makes
// outside the dispatcher.
type classifyStage struct {
	meta *classify.Metadata
}

func newClassifyStage(meta *classify.Metadata) *classifyStage {
	return &classifyStage{meta: meta}
}

// ProcessPacket is a no-op when the packet carries no flow (nothing to
// evaluate against) or the flow has received no new hints since the
// last pass (classify.Evaluate's own short-circuit).
func (s *classifyStage) ProcessPacket(d *packet.Descriptor) stage.Port {
	fl, ok := d.Flow.(*flow.Record)
	if !ok || fl == nil {
		return stage.DefaultPort
	}

	changed := classify.Evaluate(s.meta, packetPayload{d: d}, fl, s.logTagConflict)
	if changed {
		fl.MarkFinalIfNeeded(s.meta.FinalMask())
		metrics.HintsRegisteredTotal.WithLabelValues("classify").Inc()
	}
	return stage.DefaultPort
}

// logTagConflict reports an attempted overwrite of an already-final
// facet (spec.md §4.D "conflict is logged if v differs") — the one path
// by which classify.Evaluate's tag-application semantics surface
// anything to an operator.
func (s *classifyStage) logTagConflict(facet int, existing, attempted string) {
	slog.Warn("classify: facet already final, ignoring conflicting write",
		"facet", s.meta.FacetName(facet), "existing", existing, "attempted", attempted)
}
