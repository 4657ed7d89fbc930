// Package linklayer implements the link-layer peeling stage: Ethernet
// framing plus any nested 802.1Q/QinQ VLAN tags. Grounded on the
// teacher's internal/core/decoder package, adapted from a standalone
// decode function into a stage-graph node.
package linklayer

import (
	"encoding/binary"

	"firestige.xyz/otus/internal/packet"
	"firestige.xyz/otus/internal/stage"
)

func init() {
	stage.Register("linklayer", func() stage.Stage { return NewStage() })
}

const (
	headerLen     = 14
	vlanHeaderLen = 4

	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86DD
	etherTypeVLAN = 0x8100
	etherTypeQinQ = 0x88A8
)

// maxVLANDepth bounds the VLAN tag walk against a malformed frame
// claiming an unbounded chain of nested tags.
const maxVLANDepth = 8

// Stage peels the Ethernet header (and any VLAN tags) off the raw
// capture and pushes the "eth" layer. It never branches on EtherType
// itself: the next stage (iplayer) detects IPv4 vs IPv6 from the
// version nibble of its own payload, so a non-IP EtherType (ARP, LLDP,
// ...) simply fails there rather than needing a port per EtherType here.
type Stage struct{}

// NewStage returns the link-layer stage. It carries no configuration.
func NewStage() *Stage { return &Stage{} }

// ProcessPacket peels one Ethernet frame, including any nested VLAN
// tags, and always forwards on the default port; a frame too short to
// hold even a bare Ethernet header is dropped.
func (s *Stage) ProcessPacket(d *packet.Descriptor) stage.Port {
	raw := d.Raw
	if len(raw) < headerLen {
		return stage.DropPort
	}

	offset := headerLen
	etherType := binary.BigEndian.Uint16(raw[12:14])
	for depth := 0; (etherType == etherTypeVLAN || etherType == etherTypeQinQ) && depth < maxVLANDepth; depth++ {
		if len(raw) < offset+vlanHeaderLen {
			return stage.DropPort
		}
		etherType = binary.BigEndian.Uint16(raw[offset+2 : offset+4])
		offset += vlanHeaderLen
	}

	d.PushLayer("eth", offset)
	return stage.DefaultPort
}
