// Package iplayer implements the IP peeling stage: IPv4 header parsing,
// stamping the packet descriptor's addressing fields. Grounded on the
// teacher's internal/core/decoder/ip.go, adapted from a standalone
// decode function into a stage-graph node.
package iplayer

import (
	"firestige.xyz/otus/internal/packet"
	"firestige.xyz/otus/internal/stage"
)

func init() {
	stage.Register("iplayer", func() stage.Stage { return NewStage() })
}

const minHeaderLen = 20

// Stage peels an IPv4 header off the link layer's payload and stamps
// the descriptor's SrcIP/DstIP/Protocol fields. IPv6 is not peeled:
// the packet descriptor's addressing fields are IPv4-only (spec.md §3
// "IPs are IPv4 only, matching the binary per-packet record format"),
// so an IPv6 frame is dropped here rather than stamping a truncated or
// wrong address.
type Stage struct{}

// NewStage returns the IP-layer stage. It carries no configuration.
func NewStage() *Stage { return &Stage{} }

// ProcessPacket peels one IPv4 header, stamping SrcIP/DstIP/Protocol,
// and always forwards on the default port — the transport stage
// branches on d.Protocol itself rather than via a port per protocol.
func (s *Stage) ProcessPacket(d *packet.Descriptor) stage.Port {
	payload := d.Segment("eth")
	if len(payload) < 1 {
		return stage.DropPort
	}
	if payload[0]>>4 != 4 {
		return stage.DropPort
	}
	if len(payload) < minHeaderLen {
		return stage.DropPort
	}

	ihl := int(payload[0] & 0x0F)
	hdrLen := ihl * 4
	if hdrLen < minHeaderLen || len(payload) < hdrLen {
		return stage.DropPort
	}

	d.Protocol = payload[9]
	copy(d.SrcIP[:], payload[12:16])
	copy(d.DstIP[:], payload[16:20])

	d.PushLayer("ip", hdrLen)
	return stage.DefaultPort
}
