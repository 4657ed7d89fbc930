// Package detectors implements the concrete hint-registering classifiers
// spec.md leaves as external collaborators: port-based, content-regex,
// and sequence-number detection. Each is a stage.Stage that registers a
// classify.Hint against the packet's flow when its signature matches;
// the hint-bit engine in internal/classify turns those hints into tag
// assignments. Grounded on original_source/src/modules/classifiers.
package detectors

import (
	"fmt"

	"firestige.xyz/otus/internal/classify"
	"firestige.xyz/otus/internal/flow"
	"firestige.xyz/otus/internal/packet"
	"firestige.xyz/otus/internal/stage"
)

func init() {
	stage.Register("port-detector", func() stage.Stage { return NewPortStage() })
}

const (
	protocolTCP = 6
	protocolUDP = 17
)

// PortSignature is one configured port-based signature: srcPort or
// dstPort matching Port on the named transport registers Hint.
// Grounded on original_source/.../PortClassifier.cpp's "value"/"type"
// signature attributes (value=port number, type=tcp|udp|any).
type PortSignature struct {
	Port  uint16
	Proto string // "tcp", "udp", or "any"
	Hint  classify.Hint
}

// PortStage matches a flow's transport port against a configured table,
// registering the corresponding hint on a match (spec.md §9 "port-based
// application classification").
type PortStage struct {
	tcpPorts map[uint16]classify.Hint
	udpPorts map[uint16]classify.Hint
}

// NewPortStage returns an unconfigured port detector; Configure must be
// called before use.
func NewPortStage() *PortStage {
	return &PortStage{tcpPorts: make(map[uint16]classify.Hint), udpPorts: make(map[uint16]classify.Hint)}
}

// portSignatureConfig is the shape one "ports" list entry takes.
type portSignatureConfig struct {
	Port      int
	Proto     string
	Block     string
	Signature string
}

// Configure replaces the port table from the "ports" setting, a list of
// {port, proto, block, signature} maps. A port registered twice for the
// same transport is a fatal misconfiguration (spec.md §7), mirroring the
// original's "port is used in more than one signature" fatal check.
func (s *PortStage) Configure(settings map[string]any) error {
	raw, ok := settings["ports"]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return fmt.Errorf("detectors: ports must be a list")
	}

	tcpPorts := make(map[uint16]classify.Hint)
	udpPorts := make(map[uint16]classify.Hint)

	for _, item := range items {
		cfg, err := parsePortSignature(item)
		if err != nil {
			return err
		}
		hint := classify.Hint{Block: cfg.Block, Signature: cfg.Signature}
		port := uint16(cfg.Port)

		if cfg.Proto != "tcp" && cfg.Proto != "udp" && cfg.Proto != "any" {
			return fmt.Errorf("detectors: unknown proto %q (must be tcp, udp, or any)", cfg.Proto)
		}
		if cfg.Proto == "tcp" || cfg.Proto == "any" {
			if _, dup := tcpPorts[port]; dup {
				return fmt.Errorf("detectors: tcp port %d is used in more than one signature", cfg.Port)
			}
			tcpPorts[port] = hint
		}
		if cfg.Proto == "udp" || cfg.Proto == "any" {
			if _, dup := udpPorts[port]; dup {
				return fmt.Errorf("detectors: udp port %d is used in more than one signature", cfg.Port)
			}
			udpPorts[port] = hint
		}
	}

	s.tcpPorts = tcpPorts
	s.udpPorts = udpPorts
	return nil
}

func parsePortSignature(item any) (portSignatureConfig, error) {
	m, ok := item.(map[string]any)
	if !ok {
		return portSignatureConfig{}, fmt.Errorf("detectors: each port entry must be a map")
	}
	var cfg portSignatureConfig
	if v, ok := toInt(m["port"]); ok {
		cfg.Port = v
	}
	if v, ok := m["proto"].(string); ok {
		cfg.Proto = v
	}
	if v, ok := m["block"].(string); ok {
		cfg.Block = v
	}
	if v, ok := m["signature"].(string); ok {
		cfg.Signature = v
	}
	if cfg.Port == 0 || cfg.Block == "" || cfg.Signature == "" {
		return portSignatureConfig{}, fmt.Errorf("detectors: port entry missing port/block/signature")
	}
	if cfg.Proto == "" {
		cfg.Proto = "any"
	}
	return cfg, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// ProcessPacket checks both the source and destination port of the
// packet's flow against the configured table for its transport,
// registering every hint that matches (spec.md "port classifier checks
// both src and dst port").
func (s *PortStage) ProcessPacket(d *packet.Descriptor) stage.Port {
	fl, _ := d.Flow.(*flow.Record)
	if fl == nil {
		return stage.DefaultPort
	}

	var table map[uint16]classify.Hint
	switch d.Protocol {
	case protocolTCP:
		table = s.tcpPorts
	case protocolUDP:
		table = s.udpPorts
	default:
		return stage.DefaultPort
	}

	if hint, ok := table[d.SrcPort]; ok {
		fl.RegisterHint(hint)
	}
	if hint, ok := table[d.DstPort]; ok {
		fl.RegisterHint(hint)
	}
	return stage.DefaultPort
}
