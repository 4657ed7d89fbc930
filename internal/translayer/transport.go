// Package translayer implements the transport peeling stage (TCP/UDP)
// and the point at which a packet is bound to its bidirectional flow
// record. Grounded on the teacher's internal/core/decoder/transport.go
// for the wire parsing, and on spec.md §3/§4.B for flow lookup/creation;
// uplink/downlink is decided against the flow's creation-time source
// endpoint, not the canonical key (see bindFlow).
package translayer

import (
	"encoding/binary"

	"firestige.xyz/otus/internal/flow"
	"firestige.xyz/otus/internal/packet"
	"firestige.xyz/otus/internal/stage"
)

func init() {
	stage.Register("translayer", func() stage.Stage {
		return NewStage(flow.NewStore[flow.ID, *flow.Record](0), 0)
	})
}

const (
	protocolTCP = 6
	protocolUDP = 17

	udpHeaderLen    = 8
	tcpHeaderMinLen = 20
)

// Stage peels a TCP or UDP header off the IP layer's payload, stamps
// the descriptor's port fields, and looks up (or creates) the flow
// record the packet belongs to, storing it on d.Flow for downstream
// stages. The flow store is shared across every packet the dispatcher
// processes; internal/engine constructs one and wires it into this
// stage's constructor directly, bypassing the zero-arg factory the
// same way it does for internal/gtpcontrol.Registry — the factory
// registered in init() exists only for standalone/testing use.
type Stage struct {
	store     *flow.Store[flow.ID, *flow.Record]
	numFacets int
}

// NewStage returns a transport stage bound to store, creating new flow
// records sized for numFacets classification facets.
func NewStage(store *flow.Store[flow.ID, *flow.Record], numFacets int) *Stage {
	return &Stage{store: store, numFacets: numFacets}
}

// ProcessPacket peels the TCP or UDP header (branching on the protocol
// number the IP stage already stamped), then binds the packet to its
// flow record. An unsupported transport protocol is dropped: none of
// the parsers this engine runs operate above ICMP, SCTP, or GRE.
func (s *Stage) ProcessPacket(d *packet.Descriptor) stage.Port {
	payload := d.Segment("ip")
	switch d.Protocol {
	case protocolTCP:
		if !parseTCP(d, payload) {
			return stage.DropPort
		}
	case protocolUDP:
		if !parseUDP(d, payload) {
			return stage.DropPort
		}
	default:
		return stage.DropPort
	}

	s.bindFlow(d)
	return stage.DefaultPort
}

func parseUDP(d *packet.Descriptor, payload []byte) bool {
	if len(payload) < udpHeaderLen {
		return false
	}
	d.SrcPort = binary.BigEndian.Uint16(payload[0:2])
	d.DstPort = binary.BigEndian.Uint16(payload[2:4])
	d.PushLayer("udp", udpHeaderLen)
	return true
}

func parseTCP(d *packet.Descriptor, payload []byte) bool {
	if len(payload) < tcpHeaderMinLen {
		return false
	}
	dataOffset := int(payload[12] >> 4)
	hdrLen := dataOffset * 4
	if hdrLen < tcpHeaderMinLen || len(payload) < hdrLen {
		return false
	}
	d.SrcPort = binary.BigEndian.Uint16(payload[0:2])
	d.DstPort = binary.BigEndian.Uint16(payload[2:4])
	d.PushLayer("tcp", hdrLen)
	return true
}

// bindFlow looks up the flow this packet belongs to by its canonical
// 5-tuple (used only as the store's map key, so both directions of the
// same conversation hash together), creating one on first sight, records
// the packet against it, and attaches it to the descriptor as d.Flow.
//
// The flow's own Record.ID keeps the *first* packet's unswapped
// orientation — never the canonical one — matching the original's
// FlowID::isSource: a flow's stored source is whichever endpoint sent
// the packet that created it, and every later packet's direction is
// decided by comparing its own (srcIP,srcPort) against that stored
// source, not by re-deriving an orientation from IP magnitude on every
// packet.
func (s *Stage) bindFlow(d *packet.Descriptor) {
	id := flow.ID{SrcIP: d.SrcIP, DstIP: d.DstIP, SrcPort: d.SrcPort, DstPort: d.DstPort, Protocol: d.Protocol}
	key := id.Canonical()

	fl, ok := s.store.Get(key)
	if !ok {
		fl = flow.New(id, s.numFacets)
		s.store.Insert(key, fl)
	} else {
		s.store.MoveToEnd(key)
	}

	uplink := id == fl.ID
	fl.Packet(d.TsSec, d.TsUsec, uplink, uint64(len(d.Raw)))
	d.Flow = fl

	// Subscriber/equipment identity is stamped once per flow, from
	// whichever packet first carries it (gtpuser.Stage.resolve sets these
	// on the shared descriptor before this stage runs a second time over
	// the decapsulated inner packet); later packets never overwrite it.
	if fl.UserID == nil && d.UserID != nil {
		fl.UserID = d.UserID
	}
	if fl.EquipmentID == nil && d.EquipmentID != nil {
		fl.EquipmentID = d.EquipmentID
	}

	// Only stamp the canonical-orientation guess when nothing upstream
	// already resolved a direction (a GTP tunnel context's access/gateway
	// role mapping is authoritative over this 5-tuple ordering heuristic
	// when this stage runs a second time over a decapsulated inner
	// packet).
	if d.Direction == packet.DirUndefined {
		if uplink {
			d.Direction = packet.DirUplink
		} else {
			d.Direction = packet.DirDownlink
		}
	}
}
