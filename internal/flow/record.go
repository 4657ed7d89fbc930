package flow

import (
	"firestige.xyz/otus/internal/classify"
)

// unsetFinalPacket mirrors the original's (u_long)-1 sentinel for "not yet
// classified final".
const unsetFinalPacket = ^uint64(0)

// Record is a bidirectional L4 conversation: identity, byte/packet
// counters, optional detailed statistics, classification state (hints,
// tags), free-form options, and the subscriber/equipment identity
// stamped onto it by tunnel signalling. Composes the responsibilities the
// original spread across BasicFlow/StatFlow/Hintable/FacetClassified/
// OptionsContainer/ParametersContainer into one value, since Go favours
// a concrete struct with embedded sub-state over a deep inheritance
// chain for this kind of record.
type Record struct {
	ID ID

	FirstTsSec, FirstTsUsec uint32
	LastTsSec, LastTsUsec   uint32

	uploadBytes, downloadBytes     uint64
	uploadPackets, downloadPackets uint64

	UserID      []byte
	EquipmentID []byte

	hints *classify.Hints
	tags  *classify.TagContainer
	opts  *classify.Options

	Stats *PacketStatistics

	lastHintedPacket    uint64
	lastEvaluatedPacket uint64
	firstFinalPacket    uint64
}

// New returns an empty flow record for id, with a tag container sized for
// numFacets facets (taken from the loaded classify.Metadata).
func New(id ID, numFacets int) *Record {
	return &Record{
		ID:               id,
		hints:            classify.NewHints(),
		tags:             classify.NewTagContainer(numFacets),
		opts:             classify.NewOptions(),
		firstFinalPacket: unsetFinalPacket,
	}
}

// Packet registers one packet's arrival in the flow.
func (r *Record) Packet(tsSec, tsUsec uint32, uplink bool, length uint64) {
	if r.FirstTsSec == 0 && r.FirstTsUsec == 0 {
		r.FirstTsSec, r.FirstTsUsec = tsSec, tsUsec
	}
	r.LastTsSec, r.LastTsUsec = tsSec, tsUsec

	if uplink {
		r.uploadBytes += length
		r.uploadPackets++
	} else {
		r.downloadBytes += length
		r.downloadPackets++
	}

	if r.Stats != nil {
		ts := float64(tsSec) + float64(tsUsec)/1e6
		r.Stats.Packet(ts, uplink, length)
	}
}

// EnableDetailedStatistics turns on per-direction size/IAT tracking.
func (r *Record) EnableDetailedStatistics() {
	if r.Stats == nil {
		r.Stats = NewPacketStatistics()
	}
}

// UploadBytes returns total bytes seen travelling uplink.
func (r *Record) UploadBytes() uint64 { return r.uploadBytes }

// DownloadBytes returns total bytes seen travelling downlink.
func (r *Record) DownloadBytes() uint64 { return r.downloadBytes }

// UplinkPackets satisfies classify.FlowStats.
func (r *Record) UplinkPackets() uint64 { return r.uploadPackets }

// DownlinkPackets satisfies classify.FlowStats.
func (r *Record) DownlinkPackets() uint64 { return r.downloadPackets }

// PacketCount returns the total packet count (upload + download), the
// "packet count" the spec's last-hinted/last-evaluated bookkeeping tracks.
func (r *Record) PacketCount() uint64 {
	return r.uploadPackets + r.downloadPackets
}

// Hints returns the flow's evidence set.
func (r *Record) Hints() *classify.Hints { return r.hints }

// Tags returns the flow's per-facet tag container.
func (r *Record) Tags() *classify.TagContainer { return r.tags }

// Options returns the flow's ordered option scratch map.
func (r *Record) Options() *classify.Options { return r.opts }

// RegisterHint records one occurrence of hint and, if it is genuinely new
// evidence, advances the last-hinted-packet marker so the classifier's
// evaluation gate (classify.Evaluate) knows this flow needs re-evaluating.
func (r *Record) RegisterHint(hint classify.Hint) (isNew bool) {
	isNew = r.hints.Add(hint)
	if isNew {
		r.lastHintedPacket = r.PacketCount()
	}
	return isNew
}

// LastHintedPacketNumber satisfies classify.ClassifiableFlow.
func (r *Record) LastHintedPacketNumber() uint64 { return r.lastHintedPacket }

// LastEvaluatedPacketNumber satisfies classify.ClassifiableFlow.
func (r *Record) LastEvaluatedPacketNumber() uint64 { return r.lastEvaluatedPacket }

// SetLastEvaluatedPacketNumber satisfies classify.ClassifiableFlow.
func (r *Record) SetLastEvaluatedPacketNumber(v uint64) { r.lastEvaluatedPacket = v }

// MarkFinalIfNeeded records the current packet count as the flow's
// first-final-classified packet number, the first time the flow becomes
// final overall.
func (r *Record) MarkFinalIfNeeded(finalMask classify.Bitset) {
	if r.firstFinalPacket != unsetFinalPacket {
		return
	}
	if r.tags.IsFinalOverall(finalMask) {
		r.firstFinalPacket = r.PacketCount()
	}
}

// FirstFinalClassifiedPacketNumber returns the packet count at which the
// flow first became final overall, or false if it never has.
func (r *Record) FirstFinalClassifiedPacketNumber() (uint64, bool) {
	if r.firstFinalPacket == unsetFinalPacket {
		return 0, false
	}
	return r.firstFinalPacket, true
}

// LastActivityUnix satisfies the store's Timestamped constraint: the
// flow's inactivity clock runs on packet timestamps, not wall time
// (spec.md §5 "periodic work is driven by the data-plane thread at
// packet-time boundaries").
func (r *Record) LastActivityUnix() int64 {
	return int64(r.LastTsSec)
}
