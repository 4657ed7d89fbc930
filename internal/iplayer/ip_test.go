package iplayer

import (
	"testing"

	"firestige.xyz/otus/internal/packet"
	"firestige.xyz/otus/internal/stage"
)

func ipv4Header(protocol uint8, src, dst [4]byte, payload []byte) []byte {
	h := make([]byte, 20)
	h[0] = 0x45 // version 4, IHL 5
	h[9] = protocol
	copy(h[12:16], src[:])
	copy(h[16:20], dst[:])
	return append(h, payload...)
}

func descriptorWithEth(payload []byte) *packet.Descriptor {
	d := packet.New()
	d.Raw = payload
	d.Initialize(1)
	d.PushLayer("eth", 0)
	return d
}

func TestProcessPacketStampsAddressingAndProtocol(t *testing.T) {
	src := [4]byte{192, 168, 1, 1}
	dst := [4]byte{192, 168, 1, 2}
	d := descriptorWithEth(ipv4Header(6, src, dst, []byte{1, 2, 3, 4}))
	s := NewStage()

	port := s.ProcessPacket(d)

	if port != stage.DefaultPort {
		t.Fatalf("expected default port, got %q", port)
	}
	if d.SrcIP != src || d.DstIP != dst {
		t.Fatalf("expected addresses stamped, got src=%v dst=%v", d.SrcIP, d.DstIP)
	}
	if d.Protocol != 6 {
		t.Fatalf("expected protocol 6, got %d", d.Protocol)
	}
	if got := d.Segment("ip"); len(got) != 4 {
		t.Fatalf("expected 4 bytes beyond ip header, got %d", len(got))
	}
}

func TestProcessPacketIPv6Drops(t *testing.T) {
	payload := make([]byte, 40)
	payload[0] = 0x60 // version 6
	d := descriptorWithEth(payload)
	s := NewStage()

	if port := s.ProcessPacket(d); port != stage.DropPort {
		t.Fatalf("expected drop for IPv6, got %q", port)
	}
}

func TestProcessPacketTooShortDrops(t *testing.T) {
	d := descriptorWithEth([]byte{0x45, 0x00})
	s := NewStage()

	if port := s.ProcessPacket(d); port != stage.DropPort {
		t.Fatalf("expected drop for undersized header, got %q", port)
	}
}
