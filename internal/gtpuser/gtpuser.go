// Package gtpuser implements the GTP-U user-plane stage: it peels the
// GTP-U header, resolves the inner packet's direction and subscriber
// identity from the tunnel registry built by internal/gtpcontrol, and
// hands the encapsulated IP packet onward.
package gtpuser

import (
	"firestige.xyz/otus/internal/flow"
	"firestige.xyz/otus/internal/gtpcontrol"
	"firestige.xyz/otus/internal/packet"
	"firestige.xyz/otus/internal/stage"
)

// Header field masks, grounded on gtp.h's gtp_header bit layout (shared
// verbatim with internal/gtpcontrol, which parses the same wire format
// for its own, disjoint, message-type range).
const (
	verMask   = 0xe0
	extMask   = 0x04
	seqMask   = 0x02
	npduMask  = 0x01
	optsMask  = extMask | seqMask | npduMask
	coreLen   = 8
	optsLen   = 4
)

// Stage is the GTP-U tunnel-user stage described in spec.md §4.E.
type Stage struct {
	registry *gtpcontrol.Registry
}

// NewStage returns a stage sharing reg with the gtpcontrol.Stage that
// maintains it.
func NewStage(reg *gtpcontrol.Registry) *Stage {
	return &Stage{registry: reg}
}

func init() {
	stage.Register("gtpuser", func() stage.Stage { return NewStage(gtpcontrol.NewRegistry(0)) })
}

// ProcessPacket peels the GTP-U header (including any chained extension
// headers), resolves direction and subscriber identity if the tunnel is
// known, and returns the default port so the encapsulated IP packet
// continues through the graph (typically back into the IP-layer stage).
func (s *Stage) ProcessPacket(d *packet.Descriptor) stage.Port {
	payload := d.Segment("udp")
	if len(payload) < coreLen {
		return stage.DefaultPort
	}
	if payload[0]&verMask == 0 {
		return stage.DefaultPort
	}
	headLen := coreLen
	if payload[0]&optsMask != 0 {
		headLen += optsLen
	}
	if payload[0]&extMask != 0 {
		var ok bool
		headLen, ok = walkExtensions(payload, headLen)
		if !ok {
			return stage.DefaultPort
		}
	}
	if headLen > len(payload) {
		return stage.DefaultPort
	}
	teid := uint32(payload[4])<<24 | uint32(payload[5])<<16 | uint32(payload[6])<<8 | uint32(payload[7])

	d.PushLayer("gtpuser", headLen)

	if s.registry != nil && teid != 0 {
		s.resolve(d, teid)
	}
	return stage.DefaultPort
}

// walkExtensions advances past every chained GTP extension header
// starting at payload[headLen:], returning the total header length.
// Grounded on GTPUser::process's extension-header loop and
// GTPControl::parseNextExt (each extension's first octet is its length
// in 4-octet units; the loop continues while the extension's last octet
// is nonzero).
func walkExtensions(payload []byte, headLen int) (int, bool) {
	for {
		if headLen >= len(payload) {
			return 0, false
		}
		extLen := int(payload[headLen]) * 4
		if extLen == 0 || headLen+extLen > len(payload) {
			return 0, false
		}
		more := payload[headLen+extLen-1] != 0
		headLen += extLen
		if !more {
			return headLen, true
		}
	}
}

// resolve looks up the tunnel context owning (dest-ip, teid), sets the
// descriptor's direction from the two endpoints' registered roles, and
// stamps subscriber/equipment identity onto the descriptor (spec.md
// §4.E "ip role map"/"stamps user-id/equipment-id from the context").
func (s *Stage) resolve(d *packet.Descriptor, teid uint32) {
	ctx, ok := s.registry.LookupData(flow.TunnelKey{IP: d.DstIP, TEID: teid})
	if !ok {
		return
	}

	srcRole := s.registry.NodeRole(d.SrcIP)
	dstRole := s.registry.NodeRole(d.DstIP)
	switch {
	case srcRole == gtpcontrol.RoleAccess && dstRole == gtpcontrol.RoleAccess:
		// both endpoints identified as access nodes: direction undefined
	case srcRole == gtpcontrol.RoleGateway && dstRole == gtpcontrol.RoleGateway:
		// both endpoints identified as gateway nodes: direction undefined
	case srcRole == gtpcontrol.RoleAccess || dstRole == gtpcontrol.RoleGateway:
		d.Direction = packet.DirUplink
	case srcRole == gtpcontrol.RoleGateway || dstRole == gtpcontrol.RoleAccess:
		d.Direction = packet.DirDownlink
	}

	d.UserID = ctx.SubscriberID
	d.EquipmentID = ctx.EquipmentID
	ctx.Touch(d.TsSec)
}
