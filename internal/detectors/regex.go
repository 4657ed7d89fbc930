package detectors

import (
	"fmt"
	"regexp"

	"firestige.xyz/otus/internal/classify"
	"firestige.xyz/otus/internal/flow"
	"firestige.xyz/otus/internal/packet"
	"firestige.xyz/otus/internal/stage"
)

func init() {
	stage.Register("regex-detector", func() stage.Stage { return NewRegexStage() })
}

// regexSignature is one configured content-matching signature: Regex is
// tried against the transport payload of flows using the given
// transport. Grounded on original_source/.../DPI.cpp's regexp/type
// signature attributes.
type regexSignature struct {
	Regex *regexp.Regexp
	Hint  classify.Hint
}

// RegexStage matches packet payloads against a set of regular
// expressions, registering the matching signature's hint (spec.md §9
// "deep packet inspection via content regex").
type RegexStage struct {
	tcpSignatures []regexSignature
	udpSignatures []regexSignature
}

// NewRegexStage returns an unconfigured regex detector; Configure must
// be called before use.
func NewRegexStage() *RegexStage {
	return &RegexStage{}
}

type regexSignatureConfig struct {
	Pattern   string
	Proto     string
	Block     string
	Signature string
}

// Configure compiles the "signatures" setting, a list of {pattern,
// proto, block, signature} maps, into the per-transport signature
// tables. An un-compilable pattern is a fatal misconfiguration (spec.md
// §7), mirroring the original's exit-on-bad-regexp behaviour.
func (s *RegexStage) Configure(settings map[string]any) error {
	raw, ok := settings["signatures"]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return fmt.Errorf("detectors: signatures must be a list")
	}

	var tcp, udp []regexSignature
	for _, item := range items {
		cfg, err := parseRegexSignature(item)
		if err != nil {
			return err
		}
		re, err := regexp.Compile(cfg.Pattern)
		if err != nil {
			return fmt.Errorf("detectors: signature %q: %w", cfg.Signature, err)
		}
		sig := regexSignature{Regex: re, Hint: classify.Hint{Block: cfg.Block, Signature: cfg.Signature}}
		switch cfg.Proto {
		case "tcp":
			tcp = append(tcp, sig)
		case "udp":
			udp = append(udp, sig)
		case "any":
			tcp = append(tcp, sig)
			udp = append(udp, sig)
		default:
			return fmt.Errorf("detectors: unknown proto %q (must be tcp, udp, or any)", cfg.Proto)
		}
	}

	s.tcpSignatures = tcp
	s.udpSignatures = udp
	return nil
}

func parseRegexSignature(item any) (regexSignatureConfig, error) {
	m, ok := item.(map[string]any)
	if !ok {
		return regexSignatureConfig{}, fmt.Errorf("detectors: each signature entry must be a map")
	}
	var cfg regexSignatureConfig
	cfg.Pattern, _ = m["pattern"].(string)
	cfg.Proto, _ = m["proto"].(string)
	cfg.Block, _ = m["block"].(string)
	cfg.Signature, _ = m["signature"].(string)
	if cfg.Pattern == "" || cfg.Block == "" || cfg.Signature == "" {
		return regexSignatureConfig{}, fmt.Errorf("detectors: signature entry missing pattern/block/signature")
	}
	if cfg.Proto == "" {
		cfg.Proto = "any"
	}
	return cfg, nil
}

// ProcessPacket matches the transport payload against every configured
// signature for the flow's protocol, registering hints for every match
// (not just the first, mirroring the original's full-table scan).
func (s *RegexStage) ProcessPacket(d *packet.Descriptor) stage.Port {
	fl, _ := d.Flow.(*flow.Record)
	if fl == nil {
		return stage.DefaultPort
	}

	var signatures []regexSignature
	var payload []byte
	switch d.Protocol {
	case protocolTCP:
		signatures = s.tcpSignatures
		payload = d.Segment("tcp")
	case protocolUDP:
		signatures = s.udpSignatures
		payload = d.Segment("udp")
	default:
		return stage.DefaultPort
	}
	if len(payload) == 0 {
		return stage.DefaultPort
	}

	for _, sig := range signatures {
		if sig.Regex.Match(payload) {
			fl.RegisterHint(sig.Hint)
		}
	}
	return stage.DefaultPort
}
