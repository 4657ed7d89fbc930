package detectors

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/otus/internal/classify"
	"firestige.xyz/otus/internal/flow"
	"firestige.xyz/otus/internal/packet"
	"firestige.xyz/otus/internal/stage"
)

func init() {
	stage.Register("sequence-detector", func() stage.Stage { return NewSequenceStage() })
}

// sequenceDescriptor is one configured sequence-number signature:
// Position/Size locate a counter within the UDP payload, and Count is
// the minimum run of strictly-incrementing values (per direction)
// before Hint is registered. Grounded on
// original_source/.../SequenceNumberClassifier.{h,cpp} (e.g. for RTP or
// IPsec NAT-traversal detection).
type sequenceDescriptor struct {
	Position      int
	Size          int // 2 or 4 bytes
	Count         int
	HostByteOrder bool
	Hint          classify.Hint
}

// sequenceCounter tracks the running strictly-incrementing streak for
// one signature on one flow, split by direction (original_source's
// SequenceNumberData.update, direction-aware overload).
type sequenceCounter struct {
	lastUL, lastDL     uint32
	haveUL, haveDL     bool
	streakUL, streakDL int
}

// SequenceStage detects applications by a strictly-incrementing counter
// at a fixed payload offset (spec.md §9 "sequence-number based
// detection"). Per-flow counter state is kept alongside the stage rather
// than on flow.Record (which has no generic parameter store), and is
// released when the flow is evicted via ProcessFlow.
type SequenceStage struct {
	descriptors []sequenceDescriptor
	counters    map[*flow.Record]map[int]*sequenceCounter // flow -> descriptor index -> counter
}

// NewSequenceStage returns an unconfigured sequence detector; Configure
// must be called before use.
func NewSequenceStage() *SequenceStage {
	return &SequenceStage{counters: make(map[*flow.Record]map[int]*sequenceCounter)}
}

type sequenceSignatureConfig struct {
	Position      int
	Size          int
	Count         int
	HostByteOrder bool
	Block         string
	Signature     string
}

// Configure replaces the descriptor table from the "signatures" setting,
// a list of {position, size, count, host-byte-order, block, signature}
// maps. Size must be 2 or 4, mirroring the original's fixed counter
// widths.
func (s *SequenceStage) Configure(settings map[string]any) error {
	raw, ok := settings["signatures"]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return fmt.Errorf("detectors: signatures must be a list")
	}

	descriptors := make([]sequenceDescriptor, 0, len(items))
	for _, item := range items {
		cfg, err := parseSequenceSignature(item)
		if err != nil {
			return err
		}
		if cfg.Size != 2 && cfg.Size != 4 {
			return fmt.Errorf("detectors: signature %q: size must be 2 or 4, got %d", cfg.Signature, cfg.Size)
		}
		descriptors = append(descriptors, sequenceDescriptor{
			Position:      cfg.Position,
			Size:          cfg.Size,
			Count:         cfg.Count,
			HostByteOrder: cfg.HostByteOrder,
			Hint:          classify.Hint{Block: cfg.Block, Signature: cfg.Signature},
		})
	}

	s.descriptors = descriptors
	s.counters = make(map[*flow.Record]map[int]*sequenceCounter)
	return nil
}

func parseSequenceSignature(item any) (sequenceSignatureConfig, error) {
	m, ok := item.(map[string]any)
	if !ok {
		return sequenceSignatureConfig{}, fmt.Errorf("detectors: each signature entry must be a map")
	}
	var cfg sequenceSignatureConfig
	cfg.Position, _ = toInt(m["position"])
	cfg.Size, _ = toInt(m["size"])
	cfg.Count, _ = toInt(m["count"])
	cfg.HostByteOrder, _ = m["host-byte-order"].(bool)
	cfg.Block, _ = m["block"].(string)
	cfg.Signature, _ = m["signature"].(string)
	if cfg.Block == "" || cfg.Signature == "" {
		return sequenceSignatureConfig{}, fmt.Errorf("detectors: signature entry missing block/signature")
	}
	return cfg, nil
}

// ProcessPacket is only meaningful for UDP traffic, matching the
// original's explicit restriction.
func (s *SequenceStage) ProcessPacket(d *packet.Descriptor) stage.Port {
	if d.Protocol != protocolUDP {
		return stage.DefaultPort
	}
	fl, _ := d.Flow.(*flow.Record)
	if fl == nil {
		return stage.DefaultPort
	}

	payload := d.Segment("udp")
	for i, desc := range s.descriptors {
		if len(payload) < desc.Position+desc.Size {
			continue
		}
		seq := readSequenceNumber(payload[desc.Position:desc.Position+desc.Size], desc.HostByteOrder)
		if s.updateCounter(fl, i, seq, d.Direction) >= desc.Count {
			fl.RegisterHint(desc.Hint)
		}
	}
	return stage.DefaultPort
}

func readSequenceNumber(b []byte, hostByteOrder bool) uint32 {
	if len(b) == 2 {
		if hostByteOrder {
			return uint32(binary.LittleEndian.Uint16(b))
		}
		return uint32(binary.BigEndian.Uint16(b))
	}
	if hostByteOrder {
		return binary.LittleEndian.Uint32(b)
	}
	return binary.BigEndian.Uint32(b)
}

// updateCounter advances the running streak for descriptor index on fl
// and returns the new streak length for dir, mirroring
// SequenceNumberData::update's per-direction bookkeeping.
func (s *SequenceStage) updateCounter(fl *flow.Record, index int, seq uint32, dir packet.Direction) int {
	perFlow, ok := s.counters[fl]
	if !ok {
		perFlow = make(map[int]*sequenceCounter)
		s.counters[fl] = perFlow
	}
	c, ok := perFlow[index]
	if !ok {
		c = &sequenceCounter{}
		perFlow[index] = c
	}

	switch dir {
	case packet.DirDownlink:
		if c.haveDL && seq == c.lastDL+1 {
			c.streakDL++
		} else {
			c.streakDL = 0
		}
		c.lastDL, c.haveDL = seq, true
		return c.streakDL
	default:
		if c.haveUL && seq == c.lastUL+1 {
			c.streakUL++
		} else {
			c.streakUL = 0
		}
		c.lastUL, c.haveUL = seq, true
		return c.streakUL
	}
}

// ProcessFlow releases the evicted flow's counter state, satisfying
// stage.FlowStage so the flow-level chain frees this stage's per-flow
// bookkeeping at the same point the flow record itself is retired.
func (s *SequenceStage) ProcessFlow(fl *flow.Record) {
	delete(s.counters, fl)
}
