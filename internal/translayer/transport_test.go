package translayer

import (
	"testing"

	"firestige.xyz/otus/internal/flow"
	"firestige.xyz/otus/internal/packet"
	"firestige.xyz/otus/internal/stage"
)

func udpPacket(srcPort, dstPort uint16, payload []byte) []byte {
	h := make([]byte, udpHeaderLen)
	h[0], h[1] = byte(srcPort>>8), byte(srcPort)
	h[2], h[3] = byte(dstPort>>8), byte(dstPort)
	return append(h, payload...)
}

func tcpPacket(srcPort, dstPort uint16, payload []byte) []byte {
	h := make([]byte, tcpHeaderMinLen)
	h[0], h[1] = byte(srcPort>>8), byte(srcPort)
	h[2], h[3] = byte(dstPort>>8), byte(dstPort)
	h[12] = 5 << 4 // data offset 5 words = 20 bytes
	return append(h, payload...)
}

func descriptorWithIP(protocol uint8, srcIP, dstIP [4]byte, payload []byte) *packet.Descriptor {
	d := packet.New()
	d.Raw = payload
	d.Initialize(1)
	d.PushLayer("ip", 0)
	d.Protocol = protocol
	d.SrcIP, d.DstIP = srcIP, dstIP
	return d
}

func TestProcessPacketUDPCreatesFlowAndStampsPorts(t *testing.T) {
	store := flow.NewStore[flow.ID, *flow.Record](0)
	s := NewStage(store, 0)
	d := descriptorWithIP(protocolUDP, [4]byte{10, 0, 0, 1}, [4]byte{8, 8, 8, 8}, udpPacket(1000, 53, []byte("q")))

	port := s.ProcessPacket(d)

	if port != stage.DefaultPort {
		t.Fatalf("expected default port, got %q", port)
	}
	if d.SrcPort != 1000 || d.DstPort != 53 {
		t.Fatalf("expected ports stamped, got src=%d dst=%d", d.SrcPort, d.DstPort)
	}
	fl, ok := d.Flow.(*flow.Record)
	if !ok || fl == nil {
		t.Fatalf("expected flow bound to descriptor")
	}
	if store.Len() != 1 {
		t.Fatalf("expected one flow in store, got %d", store.Len())
	}
}

func TestProcessPacketSecondPacketReusesSameFlowBothDirections(t *testing.T) {
	store := flow.NewStore[flow.ID, *flow.Record](0)
	s := NewStage(store, 0)

	up := descriptorWithIP(protocolUDP, [4]byte{10, 0, 0, 1}, [4]byte{8, 8, 8, 8}, udpPacket(1000, 53, nil))
	s.ProcessPacket(up)
	upFlow := up.Flow.(*flow.Record)

	down := descriptorWithIP(protocolUDP, [4]byte{8, 8, 8, 8}, [4]byte{10, 0, 0, 1}, udpPacket(53, 1000, nil))
	s.ProcessPacket(down)
	downFlow := down.Flow.(*flow.Record)

	if upFlow != downFlow {
		t.Fatalf("expected both directions to share the same flow record")
	}
	if store.Len() != 1 {
		t.Fatalf("expected flow store to still hold exactly one flow, got %d", store.Len())
	}
	if upFlow.UplinkPackets() != 1 || upFlow.DownlinkPackets() != 1 {
		t.Fatalf("expected one packet counted per direction, got up=%d down=%d",
			upFlow.UplinkPackets(), upFlow.DownlinkPackets())
	}
}

func TestProcessPacketPreservesCreatingPacketOrientation(t *testing.T) {
	store := flow.NewStore[flow.ID, *flow.Record](0)
	s := NewStage(store, 0)

	// 10.0.0.1:1000 sorts after 8.8.8.8:53 byte-wise, so the canonical
	// store key swaps this packet's orientation; the record's own
	// identity and direction must not follow that swap.
	up := descriptorWithIP(protocolUDP, [4]byte{10, 0, 0, 1}, [4]byte{8, 8, 8, 8}, udpPacket(1000, 53, make([]byte, 70-udpHeaderLen)))
	s.ProcessPacket(up)
	fl := up.Flow.(*flow.Record)
	if up.Direction != packet.DirUplink {
		t.Fatalf("expected first packet direction uplink, got %v", up.Direction)
	}

	down := descriptorWithIP(protocolUDP, [4]byte{8, 8, 8, 8}, [4]byte{10, 0, 0, 1}, udpPacket(53, 1000, make([]byte, 120-udpHeaderLen)))
	s.ProcessPacket(down)
	if down.Direction != packet.DirDownlink {
		t.Fatalf("expected reply direction downlink, got %v", down.Direction)
	}

	wantID := flow.ID{SrcIP: [4]byte{10, 0, 0, 1}, DstIP: [4]byte{8, 8, 8, 8}, SrcPort: 1000, DstPort: 53, Protocol: protocolUDP}
	if fl.ID != wantID {
		t.Fatalf("expected flow ID to keep the creating packet's orientation, got %+v", fl.ID)
	}
	if fl.UploadBytes() != 70 || fl.DownloadBytes() != 120 {
		t.Fatalf("expected bytes_up=70 bytes_down=120, got up=%d down=%d", fl.UploadBytes(), fl.DownloadBytes())
	}
}

func TestProcessPacketTCPPeelsVariableLengthOptions(t *testing.T) {
	store := flow.NewStore[flow.ID, *flow.Record](0)
	s := NewStage(store, 0)

	var srcPort, dstPort uint16 = 443, 51000
	h := make([]byte, tcpHeaderMinLen+4) // 4 bytes of TCP options
	h[0], h[1] = byte(srcPort>>8), byte(srcPort)
	h[2], h[3] = byte(dstPort>>8), byte(dstPort)
	h[12] = 6 << 4 // data offset 6 words = 24 bytes
	raw := append(h, []byte("data")...)

	d := descriptorWithIP(protocolTCP, [4]byte{1, 1, 1, 1}, [4]byte{2, 2, 2, 2}, raw)
	s.ProcessPacket(d)

	if got := d.Segment("tcp"); string(got) != "data" {
		t.Fatalf("expected payload after variable-length TCP header, got %q", got)
	}
}

func TestProcessPacketStampsCanonicalDirectionWhenUndefined(t *testing.T) {
	store := flow.NewStore[flow.ID, *flow.Record](0)
	s := NewStage(store, 0)

	d := descriptorWithIP(protocolUDP, [4]byte{10, 0, 0, 1}, [4]byte{8, 8, 8, 8}, udpPacket(1000, 53, nil))
	s.ProcessPacket(d)
	if d.Direction != packet.DirUplink && d.Direction != packet.DirDownlink {
		t.Fatalf("expected a resolved direction, got %v", d.Direction)
	}

	d2 := descriptorWithIP(protocolUDP, [4]byte{10, 0, 0, 1}, [4]byte{8, 8, 8, 8}, udpPacket(1000, 53, nil))
	d2.Direction = packet.DirDownlink // already resolved upstream (e.g. GTP role mapping)
	s.ProcessPacket(d2)
	if d2.Direction != packet.DirDownlink {
		t.Fatalf("expected upstream-resolved direction to be preserved, got %v", d2.Direction)
	}
}

func TestProcessPacketStampsIdentityOnceFromDescriptor(t *testing.T) {
	store := flow.NewStore[flow.ID, *flow.Record](0)
	s := NewStage(store, 0)

	d := descriptorWithIP(protocolUDP, [4]byte{10, 0, 0, 1}, [4]byte{8, 8, 8, 8}, udpPacket(1000, 53, nil))
	d.UserID = []byte{0x12, 0x34}
	s.ProcessPacket(d)
	fl := d.Flow.(*flow.Record)
	if string(fl.UserID) != "\x12\x34" {
		t.Fatalf("expected user id stamped onto flow, got %v", fl.UserID)
	}

	d2 := descriptorWithIP(protocolUDP, [4]byte{10, 0, 0, 1}, [4]byte{8, 8, 8, 8}, udpPacket(1000, 53, nil))
	d2.UserID = []byte{0x99}
	s.ProcessPacket(d2)
	if string(fl.UserID) != "\x12\x34" {
		t.Fatalf("expected flow's user id to stay stamped from first sight, got %v", fl.UserID)
	}
}

func TestProcessPacketUnsupportedProtocolDrops(t *testing.T) {
	store := flow.NewStore[flow.ID, *flow.Record](0)
	s := NewStage(store, 0)
	d := descriptorWithIP(1, [4]byte{1, 1, 1, 1}, [4]byte{2, 2, 2, 2}, []byte{0, 0})

	if port := s.ProcessPacket(d); port != stage.DropPort {
		t.Fatalf("expected drop for unsupported protocol, got %q", port)
	}
}
