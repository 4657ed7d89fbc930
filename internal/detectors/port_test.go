package detectors

import (
	"testing"

	"firestige.xyz/otus/internal/classify"
	"firestige.xyz/otus/internal/flow"
	"firestige.xyz/otus/internal/packet"
)

func newTestDescriptor(protocol uint8, srcPort, dstPort uint16, fl *flow.Record) *packet.Descriptor {
	d := &packet.Descriptor{Protocol: protocol, SrcPort: srcPort, DstPort: dstPort}
	d.Flow = fl
	return d
}

func TestPortStageRegistersHintOnDestinationPortMatch(t *testing.T) {
	s := NewPortStage()
	if err := s.Configure(map[string]any{
		"ports": []any{
			map[string]any{"port": 80, "proto": "tcp", "block": "WEB", "signature": "http-port"},
		},
	}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	fl := flow.New(flow.ID{Protocol: 6}, 1)
	d := newTestDescriptor(protocolTCP, 51000, 80, fl)
	s.ProcessPacket(d)

	if !fl.Hints().Has(classify.Hint{Block: "WEB", Signature: "http-port"}) {
		t.Errorf("expected http-port hint registered")
	}
}

func TestPortStageIgnoresNonMatchingProtocol(t *testing.T) {
	s := NewPortStage()
	if err := s.Configure(map[string]any{
		"ports": []any{
			map[string]any{"port": 53, "proto": "udp", "block": "DNS", "signature": "dns-port"},
		},
	}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	fl := flow.New(flow.ID{Protocol: 6}, 1)
	d := newTestDescriptor(protocolTCP, 53, 12345, fl)
	s.ProcessPacket(d)

	if fl.Hints().Has(classify.Hint{Block: "DNS", Signature: "dns-port"}) {
		t.Errorf("udp-only signature should not match over tcp")
	}
}

func TestPortStageRejectsDuplicatePortForSameTransport(t *testing.T) {
	s := NewPortStage()
	err := s.Configure(map[string]any{
		"ports": []any{
			map[string]any{"port": 80, "proto": "tcp", "block": "WEB", "signature": "a"},
			map[string]any{"port": 80, "proto": "tcp", "block": "WEB", "signature": "b"},
		},
	})
	if err == nil {
		t.Fatalf("expected error for duplicate tcp port")
	}
}

func TestPortStageAnyProtoRegistersBothTables(t *testing.T) {
	s := NewPortStage()
	if err := s.Configure(map[string]any{
		"ports": []any{
			map[string]any{"port": 443, "proto": "any", "block": "TLS", "signature": "tls-port"},
		},
	}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	flTCP := flow.New(flow.ID{Protocol: 6}, 1)
	s.ProcessPacket(newTestDescriptor(protocolTCP, 1000, 443, flTCP))
	flUDP := flow.New(flow.ID{Protocol: 17}, 1)
	s.ProcessPacket(newTestDescriptor(protocolUDP, 1000, 443, flUDP))

	hint := classify.Hint{Block: "TLS", Signature: "tls-port"}
	if !flTCP.Hints().Has(hint) || !flUDP.Hints().Has(hint) {
		t.Errorf("expected any-proto signature to match both tcp and udp")
	}
}
