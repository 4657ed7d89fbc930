// Package packet implements the per-packet descriptor threaded through the
// stage graph: a reusable, append-only stack of layer slices plus the
// scratch fields stages attach to a packet as it is peeled.
package packet

import (
	"fmt"
)

// Direction classifies which way a packet travels relative to the core
// network once a tunnel or role mapping has resolved it.
type Direction int

const (
	DirUndefined Direction = iota
	DirUplink
	DirDownlink
)

func (d Direction) String() string {
	switch d {
	case DirUplink:
		return "uplink"
	case DirDownlink:
		return "downlink"
	default:
		return "undefined"
	}
}

// maxStackDepth bounds the layer stack; real capture stacks are rarely
// deeper than a handful of encapsulations (Eth/VLAN/IP/GTP/IP/UDP/...).
const maxStackDepth = 30

// Layer records one stage's contribution to the packet: where its header
// starts, how long the header is, and how much payload remains beneath it.
type Layer struct {
	StageID       string
	Offset        int // offset of this layer's header within Raw
	HeaderLen     int
	PayloadLen    int
	Valid         bool
}

// Descriptor is the mutable per-packet context passed between stages. A
// single Descriptor is reused packet-to-packet by the dispatcher; Initialize
// clears it before each new packet without reallocating the backing stack.
type Descriptor struct {
	// TsSec/TsUsec is the capture timestamp split as seconds+microseconds,
	// matching the wire header format in spec.md §6.
	TsSec  uint32
	TsUsec uint32

	CaptureLen int
	OrigLen    int
	Raw        []byte

	stack []Layer

	Direction Direction

	// SrcIP/DstIP/SrcPort/DstPort/Protocol are the network/transport
	// layer's addressing for this exact packet (not the flow's
	// canonicalised identity) — set by the IP and transport stages,
	// consumed by stages that need this packet's actual direction of
	// travel rather than its flow's canonical orientation (GTP-C/GTP-U
	// endpoint binding, sequence-based classifiers).
	SrcIP, DstIP     [4]byte
	SrcPort, DstPort uint16
	Protocol         uint8

	UserID      []byte // opaque subscriber-id handle, nil until stamped
	EquipmentID []byte // opaque equipment-id handle, nil until stamped

	Flow any // *flow.Record, held as 'any' to avoid an import cycle

	// PacketSeq is the packet's sequence number within its flow;
	// CaptureSeq is its sequence number within the whole capture.
	PacketSeq int
	CaptureSeq int
}

// New returns a zero-valued descriptor with its layer stack pre-allocated.
func New() *Descriptor {
	return &Descriptor{stack: make([]Layer, 0, 8)}
}

// Initialize clears the descriptor for a new packet, keeping the backing
// array of the stack (the stack is logically emptied, not reallocated
// unless it must grow beyond its current capacity later via push).
func (d *Descriptor) Initialize(captureSeq int) {
	d.stack = d.stack[:0]
	d.Direction = DirUndefined
	d.UserID = nil
	d.EquipmentID = nil
	d.Flow = nil
	d.PacketSeq = 0
	d.CaptureSeq = captureSeq
}

// currentPayloadOffset returns the offset, within Raw, of the payload that
// the next stage should consume: the end of the last pushed layer's
// header, or 0 if the stack is empty.
func (d *Descriptor) currentPayloadOffset() int {
	if len(d.stack) == 0 {
		return 0
	}
	last := d.stack[len(d.stack)-1]
	return last.Offset + last.HeaderLen
}

// currentPayloadLen returns how many bytes remain after the last pushed
// layer's header.
func (d *Descriptor) currentPayloadLen() int {
	return len(d.Raw) - d.currentPayloadOffset()
}

// PushLayer records the current payload's leading headerLen bytes as
// stageID's header; the payload slice subsequently returned by Segment
// advances by headerLen while the descriptor's total length is unchanged.
// It panics if headerLen exceeds the remaining payload or the stack would
// exceed maxStackDepth — both are programmer/parser bugs, not packet data
// errors, and spec.md §4.A calls this out as a fatal failure.
func (d *Descriptor) PushLayer(stageID string, headerLen int) {
	if len(d.stack) >= maxStackDepth {
		panic(fmt.Sprintf("packet: layer stack depth exceeds bound (%d)", maxStackDepth))
	}
	remaining := d.currentPayloadLen()
	if headerLen > remaining {
		panic(fmt.Sprintf("packet: stage %q header length %d exceeds payload length %d", stageID, headerLen, remaining))
	}
	offset := d.currentPayloadOffset()
	d.stack = append(d.stack, Layer{
		StageID:    stageID,
		Offset:     offset,
		HeaderLen:  headerLen,
		PayloadLen: remaining - headerLen,
		Valid:      true,
	})
}

// Segment returns the payload slice belonging to stageID: a linear scan
// over the (shallow) stack, returning an empty slice when the stage never
// pushed a layer onto this packet.
func (d *Descriptor) Segment(stageID string) []byte {
	l, ok := d.find(stageID)
	if !ok {
		return nil
	}
	start := l.Offset + l.HeaderLen
	end := start + l.PayloadLen
	if start < 0 || end > len(d.Raw) || start > end {
		return nil
	}
	return d.Raw[start:end]
}

// SegmentTotalLength returns the total length (header+payload) of
// stageID's layer, or 0 when the stage is not on the stack.
func (d *Descriptor) SegmentTotalLength(stageID string) int {
	l, ok := d.find(stageID)
	if !ok {
		return 0
	}
	return l.HeaderLen + l.PayloadLen
}

// Header returns the header-only slice for stageID, or nil if absent.
func (d *Descriptor) Header(stageID string) []byte {
	l, ok := d.find(stageID)
	if !ok {
		return nil
	}
	start := l.Offset
	end := start + l.HeaderLen
	if end > len(d.Raw) {
		return nil
	}
	return d.Raw[start:end]
}

func (d *Descriptor) find(stageID string) (Layer, bool) {
	for i := range d.stack {
		if d.stack[i].StageID == stageID && d.stack[i].Valid {
			return d.stack[i], true
		}
	}
	return Layer{}, false
}

// HeaderFixer is implemented by stages whose header needs adjusting (e.g.
// recomputed length/checksum fields) when a lower layer is re-serialised
// by ToByteArray — the "header-fix hook" of spec.md §4.A.
type HeaderFixer interface {
	FixHeader(raw []byte, l Layer) []byte
}

// ToByteArray produces a contiguous buffer starting at baseStage's header,
// optionally truncated to snapLen bytes, optionally applying each upper
// layer's header-fix hook (used by the pcap-dump output path). snapLen<=0
// means "no truncation".
func (d *Descriptor) ToByteArray(baseStage string, snapLen int, fixers map[string]HeaderFixer) ([]byte, *Layer, error) {
	l, ok := d.find(baseStage)
	if !ok {
		return nil, nil, fmt.Errorf("packet: stage %q not present on this packet", baseStage)
	}
	start := l.Offset
	end := len(d.Raw)
	if snapLen > 0 && end-start > snapLen {
		end = start + snapLen
	}
	out := make([]byte, end-start)
	copy(out, d.Raw[start:end])

	if fixers != nil {
		// Apply fixers for every layer above baseStage, in stack order
		// (outermost-to-innermost push order means "above" == later index).
		applying := false
		for i := range d.stack {
			if d.stack[i].StageID == baseStage {
				applying = true
				continue
			}
			if !applying {
				continue
			}
			if fx, ok := fixers[d.stack[i].StageID]; ok {
				out = fx.FixHeader(out, d.stack[i])
			}
		}
	}

	lCopy := l
	return out, &lCopy, nil
}

// StackDepth reports how many layers have been pushed onto this packet.
func (d *Descriptor) StackDepth() int {
	return len(d.stack)
}

// TopStage returns the stage identifier of the most recently pushed layer,
// or "" if the stack is empty.
func (d *Descriptor) TopStage() string {
	if len(d.stack) == 0 {
		return ""
	}
	return d.stack[len(d.stack)-1].StageID
}
